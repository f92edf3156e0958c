package domain

import (
	"fmt"
	"time"
)

// Candidate is a detected anomaly before cooldown suppression and dispatch.
type Candidate struct {
	AppID        string `json:"app_id"`
	RuleName     string `json:"rule_name"`
	Trigger      string `json:"trigger"`
	TriggerValue string `json:"trigger_value"`
}

// Key returns the trigger-log key for this candidate.
func (c Candidate) Key() string {
	return TriggerKey(c.RuleName, c.AppID, c.Trigger)
}

// Alert is an immutable detection instance, created from a Candidate that
// survived cooldown suppression.
type Alert struct {
	AlertID      string    `json:"alert_id" db:"ALERT_ID"`
	AppID        string    `json:"app_id" db:"APP_ID"`
	RuleName     string    `json:"rule_name" db:"RULE_NAME"`
	Trigger      string    `json:"trigger" db:"TRIGGER_NAME"`
	TriggerValue string    `json:"trigger_value" db:"TRIGGER_VALUE"`
	DetectedAt   time.Time `json:"detected_at" db:"DETECTED_AT"`
}

// Key returns the trigger-log key for this alert.
func (a Alert) Key() string {
	return TriggerKey(a.RuleName, a.AppID, a.Trigger)
}

// TriggerKey builds the dedup key for one (rule, app, trigger) condition.
// The same condition always maps to the same key so repeat detections
// converge on a single trigger-log entry.
func TriggerKey(ruleName, appID, trigger string) string {
	return fmt.Sprintf("%s#%s#%s", ruleName, appID, trigger)
}
