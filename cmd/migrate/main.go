// Command migrate bootstraps the monitor's storage: the Snowflake
// raw-event and alert tables, and the DynamoDB trigger-log table.
// Idempotent, run it once per environment before the first monitoring run.
package main

import (
	"context"
	"os"
	"time"

	"github.com/ignite/conversion-monitor/internal/config"
	"github.com/ignite/conversion-monitor/internal/pkg/logger"
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	raw, err := store.NewSnowflake(cfg.Snowflake)
	if err != nil {
		logger.Error("snowflake connection failed", "error", err.Error())
		os.Exit(1)
	}
	defer raw.Close()

	if err := raw.Ping(ctx); err != nil {
		logger.Error("snowflake ping failed", "error", err.Error())
		os.Exit(1)
	}
	if err := raw.EnsureSchema(ctx); err != nil {
		logger.Error("snowflake schema setup failed", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("snowflake schema ready", "database", cfg.Snowflake.Database, "schema", cfg.Snowflake.Schema)

	if err := triggerlog.EnsureTable(ctx, cfg.DynamoDB); err != nil {
		logger.Error("trigger log table setup failed", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("trigger log table ready", "table", cfg.DynamoDB.TableName)
}
