package engine

import "sync/atomic"

// SeqClock is the process-wide logical clock that stamps history records.
//
// Every dispatch attempt takes a strictly increasing seq from this clock.
// Seq is the only ordering basis for records; wall-clock time is recorded
// for operators but never used to order anything.
//
// Thread-safety: SeqClock is safe for concurrent use (atomic operations).
type SeqClock struct {
	seq atomic.Int64
}

// NewSeqClock creates a clock whose first Next returns start+1. Pass the
// highest persisted seq when resuming from a restored ledger.
func NewSeqClock(start int64) *SeqClock {
	c := &SeqClock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *SeqClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number without incrementing.
func (c *SeqClock) Current() int64 {
	return c.seq.Load()
}

// AdvanceTo moves the clock forward to at least v. It never moves backward.
func (c *SeqClock) AdvanceTo(v int64) {
	for {
		cur := c.seq.Load()
		if cur >= v || c.seq.CompareAndSwap(cur, v) {
			return
		}
	}
}
