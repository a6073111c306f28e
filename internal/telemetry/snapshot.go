// Package telemetry defines the read-only view of spacecraft telemetry used by
// the command engine, plus Hub, an in-process feed that fans updates out to
// subscribers.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/telecommand/internal/ir"
)

// ErrDisconnected is reported by subscriptions when the feed loses its link.
var ErrDisconnected = errors.New("telemetry feed disconnected")

// Snapshot is a point-in-time copy of telemetry values. It is never mutated
// after construction, so concurrent readers always see a consistent set.
type Snapshot struct {
	values map[string]any
	seq    uint64
	at     time.Time
}

// NewSnapshot copies values into a new snapshot.
func NewSnapshot(values map[string]any, seq uint64, at time.Time) Snapshot {
	return Snapshot{values: ir.CloneSnapshotValues(values), seq: seq, at: at}
}

// Get returns one field.
func (s Snapshot) Get(field string) (any, bool) {
	v, ok := s.values[field]
	return ir.CloneValue(v), ok
}

// Values returns a copy of all fields.
func (s Snapshot) Values() map[string]any {
	return ir.CloneSnapshotValues(s.values)
}

// Len returns the number of fields.
func (s Snapshot) Len() int { return len(s.values) }

// Seq is the feed's update counter at the time of the snapshot.
func (s Snapshot) Seq() uint64 { return s.seq }

// Time is when the snapshot was taken.
func (s Snapshot) Time() time.Time { return s.at }

// Predicate filters the snapshots delivered to a subscription.
type Predicate func(Snapshot) bool

// Feed is the telemetry collaborator consumed by the engine.
type Feed interface {
	// Current returns the latest snapshot.
	Current() Snapshot

	// Subscribe delivers the current snapshot and then every later update
	// accepted by pred (nil accepts all). The subscription ends when ctx is
	// done, Close is called or the feed disconnects.
	Subscribe(ctx context.Context, pred Predicate) (*Subscription, error)
}
