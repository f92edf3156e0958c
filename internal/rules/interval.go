package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ignite/conversion-monitor/internal/config"
	"github.com/ignite/conversion-monitor/internal/domain"
	"github.com/ignite/conversion-monitor/internal/store"
)

// IntervalEventsRule detects conversion events that silently stop firing.
// Absence of signal is the only detectable symptom of a broken pipeline, so
// the rule compares presence across adjacent time slices: every event name
// seen in the baseline window must also appear in the most recent interval.
//
// The baseline is [now-baseline, now-interval). It excludes the interval
// being checked, so an event first seen inside the interval never alarms
// on itself.
type IntervalEventsRule struct {
	interval time.Duration
	baseline time.Duration
}

// NewIntervalEventsRule builds the rule from config.
func NewIntervalEventsRule(cfg config.RulesConfig) *IntervalEventsRule {
	return &IntervalEventsRule{
		interval: cfg.Interval(),
		baseline: cfg.Baseline(),
	}
}

// Name implements Rule.
func (r *IntervalEventsRule) Name() string { return "IntervalEventsRule" }

// Evaluate implements Rule.
func (r *IntervalEventsRule) Evaluate(ctx context.Context, app config.AppConfig, now time.Time, raw store.RawStore) ([]domain.Candidate, error) {
	interval := r.interval
	if app.RuleParams.IntervalHours > 0 {
		interval = time.Duration(app.RuleParams.IntervalHours) * time.Hour
	}
	intervalStart := now.Add(-interval)

	baselineEvents, err := raw.Query(ctx, app.AppID, "", domain.Window{
		From: now.Add(-r.baseline),
		To:   intervalStart,
	})
	if err != nil {
		return nil, fmt.Errorf("querying baseline window: %w", err)
	}

	recentEvents, err := raw.Query(ctx, app.AppID, "", domain.Window{
		From: intervalStart,
		To:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("querying recent interval: %w", err)
	}

	recent := map[string]bool{}
	for _, e := range recentEvents {
		if e.EventType == domain.EventTypeConversion {
			recent[e.EventName] = true
		}
	}

	expected := map[string]bool{}
	for _, e := range baselineEvents {
		if e.EventType == domain.EventTypeConversion {
			expected[e.EventName] = true
		}
	}

	var missing []string
	for name := range expected {
		if !recent[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)

	candidates := make([]domain.Candidate, 0, len(missing))
	for _, name := range missing {
		candidates = append(candidates, domain.Candidate{
			AppID:        app.AppID,
			RuleName:     r.Name(),
			Trigger:      name,
			TriggerValue: fmt.Sprintf("missing since %s", intervalStart.UTC().Format(time.RFC3339)),
		})
	}
	return candidates, nil
}
