// Command monitor performs one bounded conversion-regression check across
// all configured apps, then exits. An external scheduler (cron, Cloud
// Scheduler, EventBridge) decides the cadence.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/conversion-monitor/internal/collector"
	"github.com/ignite/conversion-monitor/internal/config"
	"github.com/ignite/conversion-monitor/internal/notifier"
	"github.com/ignite/conversion-monitor/internal/orchestrator"
	"github.com/ignite/conversion-monitor/internal/pkg/distlock"
	"github.com/ignite/conversion-monitor/internal/pkg/logger"
	"github.com/ignite/conversion-monitor/internal/rules"
	"github.com/ignite/conversion-monitor/internal/store"
	"github.com/ignite/conversion-monitor/internal/triggerlog"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		logger.Error("config load failed", "path", configPath, "error", err.Error())
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Job.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Job.Deadline())
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !cfg.Job.DisableRunLock {
		lock, closeLock, err := buildRunLock(cfg)
		if err != nil {
			logger.Error("run lock setup failed", "error", err.Error())
			os.Exit(1)
		}
		defer closeLock()

		acquired, err := lock.Acquire(ctx)
		if err != nil {
			logger.Error("run lock acquire failed", "error", err.Error())
			os.Exit(1)
		}
		if !acquired {
			logger.Info("previous run still in progress, skipping", "lock_key", cfg.Job.LockKey)
			return
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				logger.Warn("run lock release failed", "error", err.Error())
			}
		}()
	}

	raw, err := store.NewSnowflake(cfg.Snowflake)
	if err != nil {
		logger.Error("raw store setup failed", "error", err.Error())
		os.Exit(1)
	}
	defer raw.Close()

	trig, err := triggerlog.NewDynamoLog(ctx, cfg.DynamoDB)
	if err != nil {
		logger.Error("trigger log setup failed", "error", err.Error())
		os.Exit(1)
	}

	registry, err := collector.NewRegistry(cfg.Collectors)
	if err != nil {
		logger.Error("collector setup failed", "error", err.Error())
		os.Exit(1)
	}

	sender, err := notifier.NewSESSender(ctx, cfg.SES)
	if err != nil {
		logger.Error("ses setup failed", "error", err.Error())
		os.Exit(1)
	}

	engine := rules.NewEngine(cfg.Rules, raw, trig)
	dispatch := notifier.New(sender, raw, trig)

	orch := orchestrator.New(cfg, registry, raw, engine, dispatch)
	if _, err := orch.Run(ctx); err != nil {
		// A deadline or signal cut the run short; collected data is kept
		// and the next scheduled run picks up from the raw store.
		logger.Warn("run ended early", "error", err.Error())
	}
}

func buildRunLock(cfg *config.Config) (distlock.DistLock, func(), error) {
	ttl := cfg.Job.LockTTL()

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		lock := distlock.NewRunLock(client, nil, cfg.Job.LockKey, ttl)
		return lock, func() { client.Close() }, nil
	}

	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		return nil, nil, err
	}
	lock := distlock.NewRunLock(nil, db, cfg.Job.LockKey, ttl)
	return lock, func() { db.Close() }, nil
}
