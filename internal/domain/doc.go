// Package domain defines the core business types for the conversion monitor.
//
// Types in this package are pure value objects with no behavior beyond
// validation and key derivation. They are the shared language between
// collectors, the raw store, the rule engine and the notifier.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Constants and enums belong here
package domain
