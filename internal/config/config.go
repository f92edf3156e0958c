// Package config loads and validates the monitor configuration. The config
// file is owned by the external configuration UI; the pipeline only reads it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/conversion-monitor/internal/domain"
)

// Config holds all configuration for one monitor run.
type Config struct {
	Job        JobConfig                  `yaml:"job"`
	Snowflake  SnowflakeConfig            `yaml:"snowflake"`
	DynamoDB   DynamoDBConfig             `yaml:"dynamodb"`
	SES        SESConfig                  `yaml:"ses"`
	Redis      RedisConfig                `yaml:"redis"`
	Postgres   PostgresConfig             `yaml:"postgres"`
	Collectors map[string]CollectorConfig `yaml:"collectors"`
	Rules      RulesConfig                `yaml:"rules"`
	Apps       []AppConfig                `yaml:"apps"`
}

// JobConfig bounds one scheduled execution.
type JobConfig struct {
	DeadlineMinutes  int    `yaml:"deadline_minutes"`
	LockTTLMinutes   int    `yaml:"lock_ttl_minutes"`
	LockKey          string `yaml:"lock_key"`
	DisableRunLock   bool   `yaml:"disable_run_lock"`
	LogLevel         string `yaml:"log_level"`
	CollectorWorkers int    `yaml:"collector_workers"`
}

// Deadline returns the overall job deadline.
func (j JobConfig) Deadline() time.Duration {
	return time.Duration(j.DeadlineMinutes) * time.Minute
}

// LockTTL returns how long an acquired run lock survives a crashed run.
func (j JobConfig) LockTTL() time.Duration {
	return time.Duration(j.LockTTLMinutes) * time.Minute
}

// SnowflakeConfig holds raw-store warehouse credentials.
type SnowflakeConfig struct {
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
}

// DynamoDBConfig holds trigger-log table settings.
type DynamoDBConfig struct {
	TableName string `yaml:"table_name"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// Endpoint overrides the service endpoint (local stack in tests).
	Endpoint string `yaml:"endpoint"`
}

// SESConfig holds notification transport settings.
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	FromEmail      string `yaml:"from_email"`
	FromName       string `yaml:"from_name"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RedisConfig holds the run-lock backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds the advisory-lock fallback when Redis is absent.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// CollectorConfig describes one external source and its retry policy.
type CollectorConfig struct {
	Enabled        bool     `yaml:"enabled"`
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	OAuthClientID  string   `yaml:"oauth_client_id"`
	OAuthSecret    string   `yaml:"oauth_client_secret"`
	OAuthTokenURL  string   `yaml:"oauth_token_url"`
	OAuthScopes    []string `yaml:"oauth_scopes"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxAttempts    int      `yaml:"max_attempts"`
	BaseDelayMS    int      `yaml:"base_delay_ms"`
	LookbackDays   int      `yaml:"lookback_days"`
}

// Timeout returns the per-collector timeout; always shorter than the job
// deadline so one stalled source cannot consume the whole run.
func (c CollectorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RulesConfig parameterizes the anomaly rules.
type RulesConfig struct {
	IntervalHours     int `yaml:"interval_hours"`
	BaselineDays      int `yaml:"baseline_days"`
	CooldownHours     int `yaml:"cooldown_hours"`
	VersionLagHours   int `yaml:"version_lag_hours"`
	VersionWindowDays int `yaml:"version_window_days"`
}

// Interval is the most recent time slice checked for expected events.
func (r RulesConfig) Interval() time.Duration {
	return time.Duration(r.IntervalHours) * time.Hour
}

// Baseline is the historical range used to establish expected events.
func (r RulesConfig) Baseline() time.Duration {
	return time.Duration(r.BaselineDays) * 24 * time.Hour
}

// Cooldown is the minimum time between repeat alerts for one condition.
func (r RulesConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownHours) * time.Hour
}

// AppConfig describes one monitored app. Owned and mutated externally;
// read-only to the pipeline.
type AppConfig struct {
	AppID            string     `yaml:"app_id"`
	OS               string     `yaml:"os"`
	PropertyID       string     `yaml:"property_id"`
	MonitoredSources []string   `yaml:"monitored_sources"`
	Recipients       []string   `yaml:"recipients"`
	RuleParams       RuleParams `yaml:"rule_params"`
}

// RuleParams are per-app overrides for the global rule settings.
type RuleParams struct {
	// IntervalHours overrides rules.interval_hours for this app when > 0.
	IntervalHours int `yaml:"interval_hours"`
	// VersionPairs pins explicit [previous, current] version comparisons
	// instead of deriving them from the two newest observed versions.
	VersionPairs [][]string `yaml:"version_pairs"`
}

// Monitors reports whether the app subscribes to the given source.
func (a AppConfig) Monitors(s domain.Source) bool {
	for _, m := range a.MonitoredSources {
		if m == string(s) {
			return true
		}
	}
	return false
}

// Load reads, expands and parses the configuration from a local path or an
// s3:// URL, then validates it. Any failure here is fatal for the run.
func Load(path string) (*Config, error) {
	data, err := readConfigBytes(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	// Secrets live in the environment, not in the config file.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration after overlaying a local .env file (if
// present), so secrets can live in .env locally and in real env vars when
// the scheduler runs the container.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.Job.DeadlineMinutes == 0 {
		c.Job.DeadlineMinutes = 30
	}
	if c.Job.LockTTLMinutes == 0 {
		c.Job.LockTTLMinutes = c.Job.DeadlineMinutes
	}
	if c.Job.LockKey == "" {
		c.Job.LockKey = "conversion-monitor-run"
	}
	if c.Job.CollectorWorkers == 0 {
		c.Job.CollectorWorkers = 4
	}
	if c.Snowflake.Database == "" {
		c.Snowflake.Database = "CONVERSION_MONITOR"
	}
	if c.Snowflake.Schema == "" {
		c.Snowflake.Schema = "RAW"
	}
	if c.DynamoDB.TableName == "" {
		c.DynamoDB.TableName = "conversion-monitor-trigger-log"
	}
	if c.DynamoDB.Region == "" {
		c.DynamoDB.Region = "us-east-1"
	}
	if c.SES.Region == "" {
		c.SES.Region = "us-east-1"
	}
	if c.SES.TimeoutSeconds == 0 {
		c.SES.TimeoutSeconds = 30
	}
	if c.Rules.IntervalHours == 0 {
		c.Rules.IntervalHours = 24
	}
	if c.Rules.BaselineDays == 0 {
		c.Rules.BaselineDays = 7
	}
	if c.Rules.CooldownHours == 0 {
		// Default cooldown matches the scheduling interval: each persisting
		// condition alerts at most once per day.
		c.Rules.CooldownHours = 24
	}
	if c.Rules.VersionLagHours == 0 {
		c.Rules.VersionLagHours = 24
	}
	if c.Rules.VersionWindowDays == 0 {
		c.Rules.VersionWindowDays = 7
	}
	for name, cc := range c.Collectors {
		if cc.TimeoutSeconds == 0 {
			cc.TimeoutSeconds = 120
		}
		if cc.MaxAttempts == 0 {
			cc.MaxAttempts = 4
		}
		if cc.BaseDelayMS == 0 {
			cc.BaseDelayMS = 1000
		}
		if cc.LookbackDays == 0 {
			cc.LookbackDays = c.Rules.BaselineDays
		}
		c.Collectors[name] = cc
	}
}

// Validate checks invariants that would otherwise surface as mid-run
// failures. Called by Load; exported for tests.
func (c *Config) Validate() error {
	if len(c.Apps) == 0 {
		return fmt.Errorf("config: no apps to monitor")
	}
	known := map[string]bool{}
	for _, s := range domain.KnownSources {
		known[string(s)] = true
	}
	seen := map[string]bool{}
	for _, app := range c.Apps {
		if app.AppID == "" {
			return fmt.Errorf("config: app with empty app_id")
		}
		if seen[app.AppID] {
			return fmt.Errorf("config: duplicate app_id %q", app.AppID)
		}
		seen[app.AppID] = true
		if len(app.Recipients) == 0 {
			return fmt.Errorf("config: app %s has no alert recipients", app.AppID)
		}
		if len(app.MonitoredSources) == 0 {
			return fmt.Errorf("config: app %s monitors no sources", app.AppID)
		}
		for _, s := range app.MonitoredSources {
			if !known[s] {
				return fmt.Errorf("config: app %s monitors unknown source %q", app.AppID, s)
			}
		}
		for _, pair := range app.RuleParams.VersionPairs {
			if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
				return fmt.Errorf("config: app %s has malformed version pair %v, want [previous, current]", app.AppID, pair)
			}
		}
	}
	for name := range c.Collectors {
		if !known[name] {
			return fmt.Errorf("config: unknown collector %q", name)
		}
	}
	if c.Snowflake.Account == "" || c.Snowflake.User == "" {
		return fmt.Errorf("config: snowflake account and user are required")
	}
	if c.SES.FromEmail == "" {
		return fmt.Errorf("config: ses from_email is required")
	}
	return nil
}
