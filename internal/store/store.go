// Package store persists normalized raw events in a time-partitioned,
// append-only warehouse table and reads them back over explicit windows.
package store

import (
	"context"

	"github.com/ignite/conversion-monitor/internal/domain"
)

// RawStore is the collaborator contract the pipeline depends on. Appends are
// at-least-once: RawEvent identity is unique so duplicates are harmless for
// windowed set operations. Queries are always bounded by a window so the
// cost of rule evaluation is proportional to window size, never to history.
type RawStore interface {
	// Append durably writes the given events.
	Append(ctx context.Context, events []domain.RawEvent) error
	// Query returns events for the app inside the half-open window.
	// eventName "" matches all events.
	Query(ctx context.Context, appID, eventName string, w domain.Window) ([]domain.RawEvent, error)
}

// AlertLog records dispatched alerts for audit. Separate from the trigger
// log: this is history, the trigger log is dedup state.
type AlertLog interface {
	WriteAlerts(ctx context.Context, alerts []domain.Alert) error
}
