// Package rules holds the stateless anomaly evaluators. Each rule reads a
// historical window from the raw store and produces candidates; the engine
// applies the cooldown gate uniformly before anything reaches the notifier.
package rules

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/conversion-monitor/internal/config"
	"github.com/ignite/conversion-monitor/internal/domain"
	"github.com/ignite/conversion-monitor/internal/pkg/logger"
	"github.com/ignite/conversion-monitor/internal/store"
	"github.com/ignite/conversion-monitor/internal/triggerlog"
)

// Rule is a pure evaluator: no persistent state beyond what it reads.
type Rule interface {
	Name() string
	// Evaluate returns every condition currently true for the app,
	// before cooldown suppression.
	Evaluate(ctx context.Context, app config.AppConfig, now time.Time, raw store.RawStore) ([]domain.Candidate, error)
}

// Engine runs all rules for one app and suppresses candidates still inside
// their cooldown.
type Engine struct {
	rules    []Rule
	raw      store.RawStore
	log      triggerlog.Log
	cooldown time.Duration
}

// NewEngine builds the default rule set from config.
func NewEngine(cfg config.RulesConfig, raw store.RawStore, log triggerlog.Log) *Engine {
	return &Engine{
		rules: []Rule{
			NewIntervalEventsRule(cfg),
			NewVersionEventsRule(cfg),
		},
		raw:      raw,
		log:      log,
		cooldown: cfg.Cooldown(),
	}
}

// NewEngineWithRules wires an explicit rule set (tests).
func NewEngineWithRules(rules []Rule, raw store.RawStore, log triggerlog.Log, cooldown time.Duration) *Engine {
	return &Engine{rules: rules, raw: raw, log: log, cooldown: cooldown}
}

// EvaluateApp runs every rule for the app concurrently. Rules read disjoint
// trigger-log key spaces so they need no coordination. A failing rule is
// logged and skipped; the others still report.
func (e *Engine) EvaluateApp(ctx context.Context, app config.AppConfig, now time.Time) []domain.Candidate {
	results := make([][]domain.Candidate, len(e.rules))

	var wg sync.WaitGroup
	for i, rule := range e.rules {
		wg.Add(1)
		go func(i int, rule Rule) {
			defer wg.Done()
			candidates, err := rule.Evaluate(ctx, app, now, e.raw)
			if err != nil {
				logger.Error("rule evaluation failed",
					"rule", rule.Name(), "app_id", app.AppID, "error", err.Error())
				return
			}
			results[i] = candidates
		}(i, rule)
	}
	wg.Wait()

	var emitted []domain.Candidate
	for _, candidates := range results {
		for _, c := range candidates {
			suppressed, err := e.inCooldown(ctx, c, now)
			if err != nil {
				// Unknown cooldown state: hold the candidate back. The
				// condition is re-detected next run, so nothing is lost.
				logger.Error("cooldown lookup failed",
					"key", c.Key(), "app_id", app.AppID, "error", err.Error())
				continue
			}
			if suppressed {
				logger.Debug("candidate suppressed by cooldown",
					"key", c.Key(), "app_id", app.AppID)
				continue
			}
			emitted = append(emitted, c)
		}
	}
	return emitted
}

func (e *Engine) inCooldown(ctx context.Context, c domain.Candidate, now time.Time) (bool, error) {
	last, ok, err := e.log.Get(ctx, c.Key())
	if err != nil {
		return false, err
	}
	return ok && now.Sub(last) < e.cooldown, nil
}
