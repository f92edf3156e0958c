package domain

import (
	"fmt"
	"time"
)

// Source identifies an external system a RawEvent was collected from.
type Source string

const (
	SourceGoogleAds Source = "gads"
	SourceGA4       Source = "ga4"
	SourceAppStore  Source = "app_store"
	SourcePlayStore Source = "play_store"
)

// KnownSources lists every source a collector can be registered for.
var KnownSources = []Source{SourceGoogleAds, SourceGA4, SourceAppStore, SourcePlayStore}

// EventType classifies what a RawEvent represents.
type EventType string

const (
	// EventTypeConversion is a conversion/tracking event observed firing.
	EventTypeConversion EventType = "conversion"
	// EventTypeStoreVersion is a store listing's released app version.
	EventTypeStoreVersion EventType = "store_version"
)

// RawEvent is one normalized observation from an external source.
// Rows are immutable once written; duplicates are harmless because
// identity is carried by UID().
type RawEvent struct {
	AppID        string    `json:"app_id" db:"APP_ID"`
	Source       Source    `json:"source" db:"SOURCE"`
	PropertyID   string    `json:"property_id" db:"PROPERTY_ID"`
	PropertyName string    `json:"property_name" db:"PROPERTY_NAME"`
	EventName    string    `json:"event_name" db:"EVENT_NAME"`
	EventType    EventType `json:"event_type" db:"EVENT_TYPE"`
	OS           string    `json:"os" db:"OS"`
	AppVersion   string    `json:"app_version" db:"APP_VERSION"`
	UID          string    `json:"uid" db:"UID"`
	ObservedAt   time.Time `json:"observed_at" db:"OBSERVED_AT"`
}

// Identity returns the unique identifier for this observation.
// Re-collecting the same window yields the same identities, which keeps
// at-least-once appends harmless for windowed set operations.
func (e RawEvent) Identity() string {
	return fmt.Sprintf("%s|%s|%s|%d|%s",
		e.Source, e.AppID, e.EventName, e.ObservedAt.UTC().Unix(), e.UID)
}

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.To.Sub(w.From)
}

// WindowEndingAt builds a window of length d ending at to (exclusive).
func WindowEndingAt(to time.Time, d time.Duration) Window {
	return Window{From: to.Add(-d), To: to}
}
