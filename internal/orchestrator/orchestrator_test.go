package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/conversion-monitor/internal/collector"
	"github.com/ignite/conversion-monitor/internal/config"
	"github.com/ignite/conversion-monitor/internal/domain"
)

var fixedNow = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Job: config.JobConfig{CollectorWorkers: 2},
		Collectors: map[string]config.CollectorConfig{
			"gads": {LookbackDays: 1},
			"ga4":  {LookbackDays: 1},
		},
		Apps: []config.AppConfig{
			{AppID: "com.example.shop", OS: "android", MonitoredSources: []string{"gads", "ga4"}, Recipients: []string{"a@example.com"}},
			{AppID: "com.example.news", OS: "ios", MonitoredSources: []string{"ga4"}, Recipients: []string{"b@example.com"}},
		},
	}
}

type fakeCollector struct {
	source domain.Source
	events map[string][]domain.RawEvent
	errs   map[string]error

	mu    sync.Mutex
	calls []string
}

func (f *fakeCollector) Name() domain.Source { return f.source }

func (f *fakeCollector) Collect(ctx context.Context, app config.AppConfig, w domain.Window) ([]domain.RawEvent, error) {
	f.mu.Lock()
	f.calls = append(f.calls, app.AppID)
	f.mu.Unlock()
	if err := f.errs[app.AppID]; err != nil {
		return nil, err
	}
	return f.events[app.AppID], nil
}

type fakeRawStore struct {
	mu        sync.Mutex
	events    []domain.RawEvent
	appendErr error
}

func (f *fakeRawStore) Append(ctx context.Context, events []domain.RawEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeRawStore) Query(ctx context.Context, appID, eventName string, w domain.Window) ([]domain.RawEvent, error) {
	return nil, nil
}

type fakeEvaluator struct {
	candidates map[string][]domain.Candidate
}

func (f *fakeEvaluator) EvaluateApp(ctx context.Context, app config.AppConfig, now time.Time) []domain.Candidate {
	return f.candidates[app.AppID]
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  map[string][]domain.Candidate
	errFor map[string]error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{calls: map[string][]domain.Candidate{}, errFor: map[string]error{}}
}

func (f *fakeDispatcher) NotifyApp(ctx context.Context, app config.AppConfig, candidates []domain.Candidate, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor[app.AppID]; err != nil {
		return err
	}
	f.calls[app.AppID] = candidates
	return nil
}

func someEvent(appID string, src domain.Source) domain.RawEvent {
	return domain.RawEvent{
		AppID:      appID,
		Source:     src,
		EventName:  "purchase",
		EventType:  domain.EventTypeConversion,
		ObservedAt: fixedNow.Add(-time.Hour),
	}
}

func newOrchestrator(cfg *config.Config, reg collector.Registry, raw *fakeRawStore, eval Evaluator, disp Dispatcher) *Orchestrator {
	o := New(cfg, reg, raw, eval, disp)
	o.now = func() time.Time { return fixedNow }
	return o
}

func TestRun_CollectsEvaluatesAndNotifies(t *testing.T) {
	cfg := testConfig()
	gads := &fakeCollector{source: domain.SourceGoogleAds, events: map[string][]domain.RawEvent{
		"com.example.shop": {someEvent("com.example.shop", domain.SourceGoogleAds)},
	}}
	ga4 := &fakeCollector{source: domain.SourceGA4, events: map[string][]domain.RawEvent{
		"com.example.shop": {someEvent("com.example.shop", domain.SourceGA4)},
		"com.example.news": {someEvent("com.example.news", domain.SourceGA4)},
	}}
	reg := collector.Registry{domain.SourceGoogleAds: gads, domain.SourceGA4: ga4}

	raw := &fakeRawStore{}
	eval := &fakeEvaluator{candidates: map[string][]domain.Candidate{
		"com.example.shop": {{AppID: "com.example.shop", RuleName: "IntervalEventsRule", Trigger: "purchase"}},
	}}
	disp := newFakeDispatcher()

	summary, err := newOrchestrator(cfg, reg, raw, eval, disp).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.AppsChecked)
	assert.Equal(t, 3, summary.EventsCollected)
	assert.Zero(t, summary.CollectErrors)
	assert.Equal(t, 1, summary.Candidates)
	assert.Equal(t, 1, summary.DigestsSent)
	assert.Len(t, raw.events, 3)

	// Only the app with findings gets a digest.
	require.Contains(t, disp.calls, "com.example.shop")
	assert.NotContains(t, disp.calls, "com.example.news")
}

func TestRun_CollectorFailureIsIsolated(t *testing.T) {
	cfg := testConfig()
	gads := &fakeCollector{source: domain.SourceGoogleAds, errs: map[string]error{
		"com.example.shop": fmt.Errorf("upstream: %w", collector.ErrPermanent),
	}}
	ga4 := &fakeCollector{source: domain.SourceGA4, events: map[string][]domain.RawEvent{
		"com.example.shop": {someEvent("com.example.shop", domain.SourceGA4)},
		"com.example.news": {someEvent("com.example.news", domain.SourceGA4)},
	}}
	reg := collector.Registry{domain.SourceGoogleAds: gads, domain.SourceGA4: ga4}

	raw := &fakeRawStore{}
	summary, err := newOrchestrator(cfg, reg, raw, &fakeEvaluator{}, newFakeDispatcher()).Run(context.Background())
	require.NoError(t, err)

	// The failed (app, source) pair contributed nothing; everything else ran.
	assert.Equal(t, 1, summary.CollectErrors)
	assert.Equal(t, 2, summary.EventsCollected)
	assert.Len(t, raw.events, 2)
}

func TestRun_AppendFailureIsCounted(t *testing.T) {
	cfg := testConfig()
	cfg.Apps = cfg.Apps[:1]
	cfg.Apps[0].MonitoredSources = []string{"ga4"}

	ga4 := &fakeCollector{source: domain.SourceGA4, events: map[string][]domain.RawEvent{
		"com.example.shop": {someEvent("com.example.shop", domain.SourceGA4)},
	}}
	reg := collector.Registry{domain.SourceGA4: ga4}

	raw := &fakeRawStore{appendErr: errors.New("warehouse unavailable")}
	summary, err := newOrchestrator(cfg, reg, raw, &fakeEvaluator{}, newFakeDispatcher()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.CollectErrors)
	assert.Zero(t, summary.EventsCollected)
}

func TestRun_NotifyFailureIsIsolated(t *testing.T) {
	cfg := testConfig()
	reg := collector.Registry{
		domain.SourceGoogleAds: &fakeCollector{source: domain.SourceGoogleAds},
		domain.SourceGA4:  &fakeCollector{source: domain.SourceGA4},
	}
	eval := &fakeEvaluator{candidates: map[string][]domain.Candidate{
		"com.example.shop": {{AppID: "com.example.shop", RuleName: "IntervalEventsRule", Trigger: "purchase"}},
		"com.example.news": {{AppID: "com.example.news", RuleName: "IntervalEventsRule", Trigger: "sign_up"}},
	}}
	disp := newFakeDispatcher()
	disp.errFor["com.example.shop"] = errors.New("ses throttled")

	summary, err := newOrchestrator(cfg, reg, &fakeRawStore{}, eval, disp).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Candidates)
	assert.Equal(t, 1, summary.DigestsSent)
	assert.Equal(t, 1, summary.NotifyErrors)
	assert.Contains(t, disp.calls, "com.example.news")
}

func TestRun_UnknownSourceIsSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.Apps = cfg.Apps[:1]
	// gads has no registered collector this run.
	reg := collector.Registry{domain.SourceGA4: &fakeCollector{source: domain.SourceGA4}}

	summary, err := newOrchestrator(cfg, reg, &fakeRawStore{}, &fakeEvaluator{}, newFakeDispatcher()).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.CollectErrors)
}

func TestRun_CancelledContextAborts(t *testing.T) {
	cfg := testConfig()
	reg := collector.Registry{
		domain.SourceGoogleAds: &fakeCollector{source: domain.SourceGoogleAds},
		domain.SourceGA4:  &fakeCollector{source: domain.SourceGA4},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newOrchestrator(cfg, reg, &fakeRawStore{}, &fakeEvaluator{}, newFakeDispatcher()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
