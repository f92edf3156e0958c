// Package triggerlog records the last time each (rule, app, trigger)
// condition fired. It is the only cross-run state the pipeline keeps, and it
// is keyed so concurrent dispatches converge instead of racing.
package triggerlog

import (
	"context"
	"time"
)

// Log is the collaborator contract for cooldown dedup state.
type Log interface {
	// Get returns the last time the key fired, or ok=false if it never has.
	Get(ctx context.Context, key string) (last time.Time, ok bool, err error)
	// PutIfNewer records ts for the key only if ts is later than any stored
	// value. Losing the write to a newer timestamp is success: the log only
	// needs monotonically advancing state, not transaction isolation.
	PutIfNewer(ctx context.Context, key string, ts time.Time) error
}
