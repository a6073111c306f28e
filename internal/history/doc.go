// Package history is the append-only ledger of dispatch attempts.
//
// The ledger is the only writer of history records. A record is appended
// once (pending, or already terminal for blocked work) and finalized at most
// once; after that it never changes. Ordering uses the record's Seq, never
// wall-clock time.
//
// Records may be mirrored to a Store. Persistence failures are returned to
// the caller and leave the in-memory copy unchanged.
package history
