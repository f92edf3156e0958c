package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/snowflakedb/gosnowflake" // Snowflake driver

	"github.com/ignite/conversion-monitor/internal/config"
	"github.com/ignite/conversion-monitor/internal/domain"
)

const (
	rawEventsTable = "RAW_EVENTS"
	alertsTable    = "ALERTS"

	// appendBatchSize bounds one multi-row INSERT.
	appendBatchSize = 500
)

// Snowflake implements RawStore and AlertLog on a Snowflake warehouse.
// RAW_EVENTS is partitioned by OBSERVED_DAY so windowed scans prune to the
// days they touch.
type Snowflake struct {
	db *sql.DB
}

// NewSnowflake opens a pooled connection to the warehouse.
func NewSnowflake(cfg config.SnowflakeConfig) (*Snowflake, error) {
	// DSN format: user:password@account/database/schema?warehouse=xxx
	dsn := fmt.Sprintf("%s:%s@%s/%s/%s",
		cfg.User,
		cfg.Password,
		cfg.Account,
		cfg.Database,
		cfg.Schema,
	)
	if cfg.Warehouse != "" {
		dsn += "?warehouse=" + cfg.Warehouse
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snowflake connection: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Snowflake{db: db}, nil
}

// NewSnowflakeFromDB wraps an existing handle (tests).
func NewSnowflakeFromDB(db *sql.DB) *Snowflake {
	return &Snowflake{db: db}
}

// Close closes the database connection.
func (s *Snowflake) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping tests the warehouse connection.
func (s *Snowflake) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the raw-event and alert tables if they do not exist.
// Run once from cmd/migrate before the first monitoring run.
func (s *Snowflake) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			APP_ID        VARCHAR NOT NULL,
			SOURCE        VARCHAR NOT NULL,
			PROPERTY_ID   VARCHAR,
			PROPERTY_NAME VARCHAR,
			EVENT_NAME    VARCHAR NOT NULL,
			EVENT_TYPE    VARCHAR NOT NULL,
			OS            VARCHAR,
			APP_VERSION   VARCHAR,
			UID           VARCHAR,
			OBSERVED_AT   TIMESTAMP_TZ NOT NULL,
			OBSERVED_DAY  VARCHAR NOT NULL
		)`, rawEventsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			ALERT_ID      VARCHAR NOT NULL,
			APP_ID        VARCHAR NOT NULL,
			RULE_NAME     VARCHAR NOT NULL,
			TRIGGER_NAME  VARCHAR NOT NULL,
			TRIGGER_VALUE VARCHAR,
			DETECTED_AT   TIMESTAMP_TZ NOT NULL
		)`, alertsTable),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Append writes events to RAW_EVENTS in bounded batches. Rows are never
// updated or deleted here; retention is an external housekeeping concern.
func (s *Snowflake) Append(ctx context.Context, events []domain.RawEvent) error {
	for start := 0; start < len(events); start += appendBatchSize {
		end := start + appendBatchSize
		if end > len(events) {
			end = len(events)
		}
		if err := s.appendBatch(ctx, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Snowflake) appendBatch(ctx context.Context, events []domain.RawEvent) error {
	if len(events) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*11)
	for _, e := range events {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		observed := e.ObservedAt.UTC()
		args = append(args,
			e.AppID,
			string(e.Source),
			e.PropertyID,
			e.PropertyName,
			e.EventName,
			string(e.EventType),
			e.OS,
			e.AppVersion,
			e.UID,
			observed,
			observed.Format("2006-01-02"),
		)
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(APP_ID, SOURCE, PROPERTY_ID, PROPERTY_NAME, EVENT_NAME, EVENT_TYPE, OS, APP_VERSION, UID, OBSERVED_AT, OBSERVED_DAY)
		VALUES %s`, rawEventsTable, strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to append %d raw events: %w", len(events), err)
	}
	return nil
}

// Query returns the app's events inside [w.From, w.To). The OBSERVED_DAY
// predicate prunes partitions before the precise timestamp bounds apply.
func (s *Snowflake) Query(ctx context.Context, appID, eventName string, w domain.Window) ([]domain.RawEvent, error) {
	query := fmt.Sprintf(`SELECT APP_ID, SOURCE, PROPERTY_ID, PROPERTY_NAME, EVENT_NAME, EVENT_TYPE, OS, APP_VERSION, UID, OBSERVED_AT
		FROM %s
		WHERE APP_ID = ?
		  AND OBSERVED_DAY >= ? AND OBSERVED_DAY <= ?
		  AND OBSERVED_AT >= ? AND OBSERVED_AT < ?`, rawEventsTable)

	args := []interface{}{
		appID,
		w.From.UTC().Format("2006-01-02"),
		w.To.UTC().Format("2006-01-02"),
		w.From.UTC(),
		w.To.UTC(),
	}

	if eventName != "" {
		query += " AND EVENT_NAME = ?"
		args = append(args, eventName)
	}
	query += " ORDER BY OBSERVED_AT"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw events for app %s: %w", appID, err)
	}
	defer rows.Close()

	var events []domain.RawEvent
	for rows.Next() {
		var e domain.RawEvent
		var source, eventType string
		if err := rows.Scan(&e.AppID, &source, &e.PropertyID, &e.PropertyName,
			&e.EventName, &eventType, &e.OS, &e.AppVersion, &e.UID, &e.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan raw event row: %w", err)
		}
		e.Source = domain.Source(source)
		e.EventType = domain.EventType(eventType)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate raw event rows: %w", err)
	}
	return events, nil
}

// WriteAlerts appends dispatched alerts to the audit table.
func (s *Snowflake) WriteAlerts(ctx context.Context, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(alerts))
	args := make([]interface{}, 0, len(alerts)*6)
	for _, a := range alerts {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?)")
		args = append(args, a.AlertID, a.AppID, a.RuleName, a.Trigger, a.TriggerValue, a.DetectedAt.UTC())
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(ALERT_ID, APP_ID, RULE_NAME, TRIGGER_NAME, TRIGGER_VALUE, DETECTED_AT)
		VALUES %s`, alertsTable, strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write %d alerts: %w", len(alerts), err)
	}
	return nil
}
