package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/conversion-monitor/internal/config"
	"github.com/ignite/conversion-monitor/internal/domain"
	"github.com/ignite/conversion-monitor/internal/store"
)

var now = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

var app = config.AppConfig{
	AppID:      "com.example.shop",
	OS:         "android",
	PropertyID: "123456",
	Recipients: []string{"oncall@example.com"},
}

var testRulesConfig = config.RulesConfig{
	IntervalHours:     24,
	BaselineDays:      7,
	CooldownHours:     24,
	VersionLagHours:   24,
	VersionWindowDays: 7,
}

// fakeRawStore is an in-memory RawStore.
type fakeRawStore struct {
	mu       sync.Mutex
	events   []domain.RawEvent
	queryErr error
}

func (f *fakeRawStore) Append(ctx context.Context, events []domain.RawEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeRawStore) Query(ctx context.Context, appID, eventName string, w domain.Window) ([]domain.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []domain.RawEvent
	for _, e := range f.events {
		if e.AppID != appID {
			continue
		}
		if eventName != "" && e.EventName != eventName {
			continue
		}
		if !w.Contains(e.ObservedAt) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// fakeTriggerLog is an in-memory trigger log with put-if-newer semantics.
type fakeTriggerLog struct {
	mu      sync.Mutex
	entries map[string]time.Time
	getErr  error
	putErr  error
	puts    int
}

func newFakeTriggerLog() *fakeTriggerLog {
	return &fakeTriggerLog{entries: map[string]time.Time{}}
}

func (f *fakeTriggerLog) Get(ctx context.Context, key string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return time.Time{}, false, f.getErr
	}
	t, ok := f.entries[key]
	return t, ok, nil
}

func (f *fakeTriggerLog) PutIfNewer(ctx context.Context, key string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.puts++
	if existing, ok := f.entries[key]; !ok || ts.After(existing) {
		f.entries[key] = ts
	}
	return nil
}

func conversion(name, version string, observed time.Time) domain.RawEvent {
	return domain.RawEvent{
		AppID:      app.AppID,
		Source:     domain.SourceGA4,
		PropertyID: app.PropertyID,
		EventName:  name,
		EventType:  domain.EventTypeConversion,
		OS:         "android",
		AppVersion: version,
		UID:        app.PropertyID + "_" + name,
		ObservedAt: observed,
	}
}

func storeVersion(version, osName string, observed time.Time) domain.RawEvent {
	return domain.RawEvent{
		AppID:      app.AppID,
		Source:     domain.SourcePlayStore,
		EventName:  "store_version",
		EventType:  domain.EventTypeStoreVersion,
		OS:         osName,
		AppVersion: version,
		ObservedAt: observed,
	}
}

// seedBaseline spreads an event across the baseline days, optionally
// continuing into the most recent interval.
func seedBaseline(raw *fakeRawStore, name string, includeRecent bool) {
	for day := 7; day >= 2; day-- {
		raw.events = append(raw.events, conversion(name, "1.3.0", now.Add(-time.Duration(day)*24*time.Hour)))
	}
	if includeRecent {
		raw.events = append(raw.events, conversion(name, "1.3.0", now.Add(-2*time.Hour)))
	}
}

func TestIntervalEventsRule_DetectsMissingEvent(t *testing.T) {
	raw := &fakeRawStore{}
	seedBaseline(raw, "purchase", false)
	seedBaseline(raw, "sign_up", true)

	rule := NewIntervalEventsRule(testRulesConfig)
	candidates, err := rule.Evaluate(context.Background(), app, now, raw)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "IntervalEventsRule", candidates[0].RuleName)
	assert.Equal(t, "purchase", candidates[0].Trigger)
	assert.Equal(t, "missing since "+now.Add(-24*time.Hour).Format(time.RFC3339), candidates[0].TriggerValue)
}

func TestIntervalEventsRule_AllPresent(t *testing.T) {
	raw := &fakeRawStore{}
	seedBaseline(raw, "purchase", true)
	seedBaseline(raw, "sign_up", true)

	rule := NewIntervalEventsRule(testRulesConfig)
	candidates, err := rule.Evaluate(context.Background(), app, now, raw)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestIntervalEventsRule_NewEventInsideIntervalDoesNotAlarm(t *testing.T) {
	raw := &fakeRawStore{}
	// First ever sighting is inside the checked interval.
	raw.events = append(raw.events, conversion("new_checkout", "1.3.0", now.Add(-3*time.Hour)))

	rule := NewIntervalEventsRule(testRulesConfig)
	candidates, err := rule.Evaluate(context.Background(), app, now, raw)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestIntervalEventsRule_PerAppIntervalOverride(t *testing.T) {
	raw := &fakeRawStore{}
	seedBaseline(raw, "purchase", false)
	// Last purchase 30h ago: missing for the default 24h interval.
	raw.events = append(raw.events, conversion("purchase", "1.3.0", now.Add(-30*time.Hour)))

	rule := NewIntervalEventsRule(testRulesConfig)

	candidates, err := rule.Evaluate(context.Background(), app, now, raw)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	slow := app
	slow.RuleParams.IntervalHours = 48
	candidates, err = rule.Evaluate(context.Background(), slow, now, raw)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestIntervalEventsRule_IgnoresStoreVersionRows(t *testing.T) {
	raw := &fakeRawStore{}
	raw.events = append(raw.events, storeVersion("1.4.0", "android", now.Add(-3*24*time.Hour)))

	rule := NewIntervalEventsRule(testRulesConfig)
	candidates, err := rule.Evaluate(context.Background(), app, now, raw)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestVersionEventsRule_DetectsMissingEvent(t *testing.T) {
	raw := &fakeRawStore{}
	prevDay := now.Add(-4 * 24 * time.Hour)
	curDay := now.Add(-24 * time.Hour)
	for _, name := range []string{"A", "B", "C"} {
		raw.events = append(raw.events, conversion(name, "1.2.0", prevDay))
	}
	for _, name := range []string{"A", "B"} {
		raw.events = append(raw.events, conversion(name, "1.3.0", curDay))
	}

	rule := NewVersionEventsRule(testRulesConfig)
	candidates, err := rule.Evaluate(context.Background(), app, now, raw)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "VersionEventsRule", candidates[0].RuleName)
	assert.Equal(t, "C", candidates[0].Trigger)
	assert.Equal(t, "1.2.0 → 1.3.0", candidates[0].TriggerValue)
}

func TestVersionEventsRule_PinnedPairsReplaceDerivation(t *testing.T) {
	raw := &fakeRawStore{}
	for _, name := range []string{"A", "B"} {
		raw.events = append(raw.events, conversion(name, "1.0.0", now.Add(-6*24*time.Hour)))
	}
	for _, name := range []string{"A", "B", "C"} {
		raw.events = append(raw.events, conversion(name, "1.2.0", now.Add(-3*24*time.Hour)))
	}
	for _, name := range []string{"A", "B"} {
		raw.events = append(raw.events, conversion(name, "1.3.0", now.Add(-24*time.Hour)))
	}

	rule := NewVersionEventsRule(testRulesConfig)

	// Derived comparison (1.2.0 → 1.3.0) flags C.
	candidates, err := rule.Evaluate(context.Background(), app, now, raw)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "C", candidates[0].Trigger)

	// A pinned pair replaces the derived one; 1.3.0 covers 1.0.0's events.
	pinned := app
	pinned.RuleParams.VersionPairs = [][]string{{"1.0.0", "1.3.0"}, {"0.9.0", "1.3.0"}}
	candidates, err = rule.Evaluate(context.Background(), pinned, now, raw)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestVersionEventsRule_SupersetProducesNothing(t *testing.T) {
	raw := &fakeRawStore{}
	prevDay := now.Add(-4 * 24 * time.Hour)
	curDay := now.Add(-24 * time.Hour)
	for _, name := range []string{"A", "B", "C"} {
		raw.events = append(raw.events, conversion(name, "1.2.0", prevDay))
	}
	for _, name := range []string{"A", "B", "C", "D"} {
		raw.events = append(raw.events, conversion(name, "1.3.0", curDay))
	}

	rule := NewVersionEventsRule(testRulesConfig)
	candidates, err := rule.Evaluate(context.Background(), app, now, raw)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestVersionEventsRule_SingleVersionProducesNothing(t *testing.T) {
	raw := &fakeRawStore{}
	raw.events = append(raw.events, conversion("A", "1.2.0", now.Add(-24*time.Hour)))

	rule := NewVersionEventsRule(testRulesConfig)
	candidates, err := rule.Evaluate(context.Background(), app, now, raw)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestVersionEventsRule_SemverOrderingBeatsObservationOrder(t *testing.T) {
	raw := &fakeRawStore{}
	// 1.10.0 observed before 1.9.0, but it is the later version.
	for _, name := range []string{"A", "B"} {
		raw.events = append(raw.events, conversion(name, "1.10.0", now.Add(-5*24*time.Hour)))
	}
	raw.events = append(raw.events, conversion("A", "1.9.0", now.Add(-2*24*time.Hour)))
	raw.events = append(raw.events, conversion("B", "1.9.0", now.Add(-2*24*time.Hour)))
	raw.events = append(raw.events, conversion("C", "1.9.0", now.Add(-2*24*time.Hour)))

	rule := NewVersionEventsRule(testRulesConfig)
	candidates, err := rule.Evaluate(context.Background(), app, now, raw)
	require.NoError(t, err)

	// previous=1.9.0 {A,B,C}, current=1.10.0 {A,B} → C missing.
	require.Len(t, candidates, 1)
	assert.Equal(t, "C", candidates[0].Trigger)
	assert.Equal(t, "1.9.0 → 1.10.0", candidates[0].TriggerValue)
}

func TestVersionEventsRule_StoreAheadOfAnalytics(t *testing.T) {
	iosApp := app
	iosApp.OS = "ios"

	raw := &fakeRawStore{}
	e := conversion("A", "1.3.0", now.Add(-2*24*time.Hour))
	e.OS = "ios"
	raw.events = append(raw.events, e)
	e2 := conversion("A", "1.2.0", now.Add(-5*24*time.Hour))
	e2.OS = "ios"
	raw.events = append(raw.events, e2)
	// Store released 1.4.0 two days ago; analytics never reported it.
	raw.events = append(raw.events, storeVersion("1.4.0", "ios", now.Add(-2*24*time.Hour)))

	rule := NewVersionEventsRule(testRulesConfig)
	candidates, err := rule.Evaluate(context.Background(), iosApp, now, raw)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "first_open", candidates[0].Trigger)
	assert.Equal(t, "1.3.0 → 1.4.0", candidates[0].TriggerValue)
}

func TestVersionEventsRule_StoreWithinGracePeriod(t *testing.T) {
	iosApp := app
	iosApp.OS = "ios"

	raw := &fakeRawStore{}
	e := conversion("A", "1.3.0", now.Add(-2*24*time.Hour))
	e.OS = "ios"
	raw.events = append(raw.events, e)
	// Released an hour ago: users have not had time to update.
	raw.events = append(raw.events, storeVersion("1.4.0", "ios", now.Add(-time.Hour)))

	rule := NewVersionEventsRule(testRulesConfig)
	candidates, err := rule.Evaluate(context.Background(), iosApp, now, raw)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestEngine_CooldownSuppression(t *testing.T) {
	raw := &fakeRawStore{}
	seedBaseline(raw, "purchase", false)

	log := newFakeTriggerLog()
	engine := NewEngine(testRulesConfig, raw, log)
	ctx := context.Background()

	// First evaluation emits the candidate.
	candidates := engine.EvaluateApp(ctx, app, now)
	require.Len(t, candidates, 1)

	// Dispatch recorded; re-evaluation within the cooldown is suppressed.
	require.NoError(t, log.PutIfNewer(ctx, candidates[0].Key(), now))
	assert.Empty(t, engine.EvaluateApp(ctx, app, now.Add(time.Hour)))

	// Past the cooldown the persisting condition re-triggers.
	later := now.Add(25 * time.Hour)
	again := engine.EvaluateApp(ctx, app, later)
	require.Len(t, again, 1)
	assert.Equal(t, "purchase", again[0].Trigger)
}

func TestEngine_RuleErrorIsIsolated(t *testing.T) {
	raw := &fakeRawStore{}
	seedBaseline(raw, "purchase", false)

	failing := &stubRule{name: "FailingRule", err: errors.New("bad input shape")}
	good := NewIntervalEventsRule(testRulesConfig)

	engine := NewEngineWithRules([]Rule{failing, good}, raw, newFakeTriggerLog(), testRulesConfig.Cooldown())
	candidates := engine.EvaluateApp(context.Background(), app, now)

	require.Len(t, candidates, 1)
	assert.Equal(t, "purchase", candidates[0].Trigger)
}

func TestEngine_CooldownLookupFailureHoldsCandidate(t *testing.T) {
	raw := &fakeRawStore{}
	seedBaseline(raw, "purchase", false)

	log := newFakeTriggerLog()
	log.getErr = errors.New("dynamo unavailable")

	engine := NewEngine(testRulesConfig, raw, log)
	assert.Empty(t, engine.EvaluateApp(context.Background(), app, now))
}

type stubRule struct {
	name       string
	candidates []domain.Candidate
	err        error
}

func (s *stubRule) Name() string { return s.name }

func (s *stubRule) Evaluate(ctx context.Context, app config.AppConfig, now time.Time, raw store.RawStore) ([]domain.Candidate, error) {
	return s.candidates, s.err
}
