// Package orchestrator drives one bounded monitoring run: collect raw
// events for every monitored app, evaluate the rules, and dispatch one
// digest per app with findings.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ignite/conversion-monitor/internal/collector"
	"github.com/ignite/conversion-monitor/internal/config"
	"github.com/ignite/conversion-monitor/internal/domain"
	"github.com/ignite/conversion-monitor/internal/pkg/logger"
	"github.com/ignite/conversion-monitor/internal/store"
)

const defaultCollectorWorkers = 4

// Evaluator produces dispatch-ready candidates for one app.
type Evaluator interface {
	EvaluateApp(ctx context.Context, app config.AppConfig, now time.Time) []domain.Candidate
}

// Dispatcher sends one app's digest and records the dispatched triggers.
type Dispatcher interface {
	NotifyApp(ctx context.Context, app config.AppConfig, candidates []domain.Candidate, now time.Time) error
}

// Summary reports what one run did. Failures that were isolated to a
// single app or source are counted, not propagated.
type Summary struct {
	AppsChecked     int
	EventsCollected int
	CollectErrors   int
	Candidates      int
	DigestsSent     int
	NotifyErrors    int
}

// Orchestrator wires collectors, the raw store, the rule engine and the
// notifier into a single one-shot run.
type Orchestrator struct {
	cfg        *config.Config
	collectors collector.Registry
	raw        store.RawStore
	engine     Evaluator
	notifier   Dispatcher

	// now is injectable for deterministic tests.
	now func() time.Time
}

func New(cfg *config.Config, reg collector.Registry, raw store.RawStore, engine Evaluator, notifier Dispatcher) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		collectors: reg,
		raw:        raw,
		engine:     engine,
		notifier:   notifier,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// collectTask is one (app, source) unit of collection work.
type collectTask struct {
	app    config.AppConfig
	source domain.Source
}

// Run executes one monitoring pass. A collector or notify failure is
// logged and isolated to its app; only context cancellation aborts the
// whole run.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	now := o.now()
	summary := Summary{AppsChecked: len(o.cfg.Apps)}

	logger.Info("run started", "apps", len(o.cfg.Apps), "collectors", len(o.collectors))

	collected, collectErrs := o.collect(ctx, now)
	summary.EventsCollected = collected
	summary.CollectErrors = collectErrs

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	// Rules read only from the raw store, so apps evaluate independently.
	type appResult struct {
		app        config.AppConfig
		candidates []domain.Candidate
	}
	results := make([]appResult, len(o.cfg.Apps))

	var wg sync.WaitGroup
	for i, app := range o.cfg.Apps {
		wg.Add(1)
		go func(i int, app config.AppConfig) {
			defer wg.Done()
			results[i] = appResult{app: app, candidates: o.engine.EvaluateApp(ctx, app, now)}
		}(i, app)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	for _, r := range results {
		summary.Candidates += len(r.candidates)
		if len(r.candidates) == 0 {
			continue
		}
		if err := o.notifier.NotifyApp(ctx, r.app, r.candidates, now); err != nil {
			logger.Error("digest dispatch failed", "app_id", r.app.AppID, "error", err.Error())
			summary.NotifyErrors++
			continue
		}
		summary.DigestsSent++
	}

	logger.Info("run finished",
		"events", summary.EventsCollected,
		"collect_errors", summary.CollectErrors,
		"candidates", summary.Candidates,
		"digests", summary.DigestsSent,
		"notify_errors", summary.NotifyErrors)

	return summary, ctx.Err()
}

// collect fans (app, source) pairs out to a bounded worker pool and
// appends whatever each collector returns. A failed pair leaves its
// slice of the raw store unchanged and does not block the others.
func (o *Orchestrator) collect(ctx context.Context, now time.Time) (int, int) {
	var tasks []collectTask
	for _, app := range o.cfg.Apps {
		for _, s := range app.MonitoredSources {
			src := domain.Source(s)
			if _, ok := o.collectors[src]; !ok {
				logger.Warn("no collector configured for source", "app_id", app.AppID, "source", string(src))
				continue
			}
			tasks = append(tasks, collectTask{app: app, source: src})
		}
	}

	workers := o.cfg.Job.CollectorWorkers
	if workers <= 0 {
		workers = defaultCollectorWorkers
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	taskCh := make(chan collectTask)
	var (
		mu        sync.Mutex
		collected int
		failed    int
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskCh {
				n, err := o.collectOne(ctx, task, now)
				mu.Lock()
				if err != nil {
					failed++
				}
				collected += n
				mu.Unlock()
			}
		}()
	}

	for _, task := range tasks {
		select {
		case taskCh <- task:
		case <-ctx.Done():
			close(taskCh)
			wg.Wait()
			return collected, failed
		}
	}
	close(taskCh)
	wg.Wait()

	return collected, failed
}

func (o *Orchestrator) collectOne(ctx context.Context, task collectTask, now time.Time) (int, error) {
	col := o.collectors[task.source]
	cc := o.cfg.Collectors[string(task.source)]

	cctx, cancel := context.WithTimeout(ctx, cc.Timeout())
	defer cancel()

	window := o.lookbackWindow(cc, now)
	events, err := col.Collect(cctx, task.app, window)
	if err != nil {
		if errors.Is(err, collector.ErrPermanent) {
			logger.Error("collector rejected request, check credentials or app config",
				"app_id", task.app.AppID, "source", string(task.source), "error", err.Error())
		} else {
			logger.Warn("collector failed, data for this source is stale this run",
				"app_id", task.app.AppID, "source", string(task.source), "error", err.Error())
		}
		return 0, err
	}

	if len(events) == 0 {
		return 0, nil
	}
	if err := o.raw.Append(ctx, events); err != nil {
		logger.Error("raw store append failed",
			"app_id", task.app.AppID, "source", string(task.source), "error", err.Error())
		return 0, err
	}

	logger.Debug("collected", "app_id", task.app.AppID, "source", string(task.source), "events", len(events))
	return len(events), nil
}

func (o *Orchestrator) lookbackWindow(cc config.CollectorConfig, now time.Time) domain.Window {
	days := cc.LookbackDays
	if days <= 0 {
		days = 1
	}
	return domain.WindowEndingAt(now, time.Duration(days)*24*time.Hour)
}
