// Package engine implements telecommand execution: dispatch, verification,
// the priority queue and sequence runs.
//
// Pipeline:
//  1. Bindings are re-validated against the definition (VALIDATION_ERROR,
//     no record).
//  2. Pre-phase constraints are evaluated against the current telemetry
//     snapshot. Any failure produces a rejected record and the uplink is
//     never called.
//  3. The Dispatcher appends a pending record with the next seq and hands
//     the invocation to the uplink. An immediate transport failure finalizes
//     the record as rejected.
//  4. The Monitor watches every verifier concurrently against live
//     telemetry. Each verifier ends success, failed, timeout or cancelled.
//  5. Post-phase constraints are evaluated and recorded, and the record is
//     finalized exactly once with the combined status.
//
// Ordering:
// Records are stamped from a monotonic SeqClock that resumes after the
// ledger's highest seq. Wall-clock times are informational only.
//
// Queue and sequences:
// Queue drains and sequence runs execute one command at a time through the
// same Executor, so their records are indistinguishable from direct
// execution apart from Origin.
package engine
