// Package store provides SQLite-backed durable storage for command history.
//
// The store mirrors the history ledger: one row per dispatch attempt.
//
// # Write rules
//
// Inserts use ON CONFLICT(id) DO NOTHING, so replaying an append is
// harmless. Finalization only updates rows whose status is still pending;
// a terminal row is never rewritten.
//
// # Ordering
//
// All reads order by seq (the logical clock), never by timestamps:
//
//	ORDER BY seq ASC, id ASC COLLATE BINARY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Bindings are stored as canonical JSON (ir.MarshalCanonical) and re-coerced
// through their parameter specs on load, so typed values such as times and
// binary blobs come back with their binding types.
package store
