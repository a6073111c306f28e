package telemetry

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/telecommand/internal/ir"
)

// Hub is an in-process Feed. Publishers merge field updates into a new
// snapshot; each subscriber has a one-slot mailbox holding the newest
// snapshot it has not read yet, so publishing never blocks on a slow reader.
type Hub struct {
	clock  clockwork.Clock
	logger *slog.Logger

	mu        sync.Mutex
	current   Snapshot
	subs      map[uint64]*Subscription
	nextSubID uint64
	connected bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithClock sets the clock used to timestamp snapshots.
func WithClock(c clockwork.Clock) HubOption {
	return func(h *Hub) {
		h.clock = c
	}
}

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = l
	}
}

// NewHub creates a connected hub seeded with initial values.
func NewHub(initial map[string]any, opts ...HubOption) *Hub {
	h := &Hub{
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		subs:      make(map[uint64]*Subscription),
		connected: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "telemetry")
	h.current = NewSnapshot(initial, 0, h.clock.Now())
	return h
}

// Current returns the latest snapshot.
func (h *Hub) Current() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Publish merges updates into a new snapshot and offers it to every
// subscriber. While disconnected the snapshot is still recorded but nothing
// is delivered.
func (h *Hub) Publish(updates map[string]any) Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	values := maps.Clone(h.current.values)
	if values == nil {
		values = make(map[string]any, len(updates))
	}
	for k, v := range updates {
		values[k] = ir.CloneValue(v)
	}
	h.current = Snapshot{values: values, seq: h.current.seq + 1, at: h.clock.Now()}

	if h.connected {
		for _, sub := range h.subs {
			sub.offer(h.current)
		}
	}
	return h.current
}

// Subscribe implements Feed.
func (h *Hub) Subscribe(ctx context.Context, pred Predicate) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.connected {
		return nil, ErrDisconnected
	}

	h.nextSubID++
	sub := &Subscription{
		id:   h.nextSubID,
		hub:  h,
		pred: pred,
		ch:   make(chan Snapshot, 1),
		done: make(chan struct{}),
	}
	h.subs[sub.id] = sub
	sub.offer(h.current)

	stop := context.AfterFunc(ctx, func() { sub.end(ctx.Err()) })
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()
	return sub, nil
}

// Disconnect ends every subscription with ErrDisconnected and refuses new
// ones until Reconnect.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.connected = false
	h.mu.Unlock()

	h.logger.Warn("telemetry link lost", "subscribers", len(subs))
	for _, sub := range subs {
		sub.end(ErrDisconnected)
	}
}

// Reconnect accepts subscriptions again.
func (h *Hub) Reconnect() {
	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()
	h.logger.Info("telemetry link restored")
}

// Connected reports the link state.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscription receives snapshots from a Feed.
type Subscription struct {
	id   uint64
	hub  *Hub
	pred Predicate
	ch   chan Snapshot
	done chan struct{}
	stop func() bool

	once sync.Once
	mu   sync.Mutex
	err  error
}

// C delivers the newest unread snapshot. Intermediate snapshots may be
// skipped when the reader is slower than the publisher.
func (s *Subscription) C() <-chan Snapshot { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: nil after Close, the context error
// after cancellation, ErrDisconnected after a link loss.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.end(nil)
}

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		s.hub.remove(s.id)
		close(s.done)
	})
}

// offer replaces any unread snapshot with snap. Called with the hub lock
// held, so there is a single producer per mailbox.
func (s *Subscription) offer(snap Snapshot) {
	if s.pred != nil && !s.pred(snap) {
		return
	}
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}
