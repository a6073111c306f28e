package sim

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/telemetry"
	"github.com/roach88/telecommand/internal/uplink"
)

// Simulator is a loopback uplink whose received commands change the
// telemetry published on its Hub.
//
// Thread-safety: all methods are safe for concurrent use.
type Simulator struct {
	hub    *telemetry.Hub
	clock  clockwork.Clock
	logger *slog.Logger
	world  World

	mu       sync.Mutex
	fault    string
	received int
	pending  map[int]clockwork.Timer
	nextID   int
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithClock sets the clock used to delay effects.
func WithClock(c clockwork.Clock) Option {
	return func(s *Simulator) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// New creates a simulator for w with its own telemetry hub.
func New(w World, opts ...Option) *Simulator {
	s := &Simulator{
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default().With("component", "sim"),
		world:   w,
		fault:   w.Link.Fault,
		pending: make(map[int]clockwork.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = telemetry.NewHub(w.Telemetry, telemetry.WithClock(s.clock), telemetry.WithLogger(s.logger))
	return s
}

// Hub returns the simulated telemetry feed.
func (s *Simulator) Hub() *telemetry.Hub { return s.hub }

// Transmit implements uplink.Uplink. Accepted commands schedule their
// effects and are acknowledged as "sim-N".
func (s *Simulator) Transmit(ctx context.Context, inv ir.Invocation) (uplink.Ack, error) {
	if err := ctx.Err(); err != nil {
		return uplink.Ack{}, uplink.AsTransportError(err)
	}

	key := inv.Key().String()
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.fault {
	case FaultNoLink:
		return uplink.Ack{}, uplink.NewTransportError(uplink.ErrNoLink, "simulated link down")
	case FaultBusy:
		return uplink.Ack{}, uplink.NewTransportError(uplink.ErrBusy, "simulated uplink busy")
	case FaultRejected:
		return uplink.Ack{}, uplink.NewTransportError(uplink.ErrRejected, "simulated spacecraft refusal")
	}
	if slices.Contains(s.world.Link.Reject, key) {
		return uplink.Ack{}, uplink.NewTransportError(uplink.ErrRejected, key+" refused by spacecraft")
	}

	s.received++
	for _, e := range s.world.Effects {
		if e.Command == key {
			s.scheduleLocked(e, inv.Bindings)
		}
	}
	s.logger.Debug("command received", "command", key, "count", s.received)
	return uplink.Ack{ID: fmt.Sprintf("sim-%d", s.received), Time: s.clock.Now().UTC()}, nil
}

// scheduleLocked must be called with s.mu held.
func (s *Simulator) scheduleLocked(e Effect, args ir.Bindings) {
	updates := maps.Clone(e.Set)
	if updates == nil {
		updates = make(map[string]any)
	}
	for field, arg := range e.SetFromArgs {
		if v, ok := args[arg]; ok {
			updates[field] = ir.CloneValue(v)
		}
	}

	delay := time.Duration(e.DelaySeconds * float64(time.Second))
	if delay <= 0 {
		s.hub.Publish(updates)
		return
	}

	s.nextID++
	id := s.nextID
	s.pending[id] = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if live {
			s.hub.Publish(updates)
		}
	})
}

// SetFault changes the uplink fault mode.
func (s *Simulator) SetFault(fault string) error {
	switch fault {
	case FaultNone, FaultNoLink, FaultBusy, FaultRejected:
	default:
		return fmt.Errorf("unknown fault %q", fault)
	}
	s.mu.Lock()
	s.fault = fault
	s.mu.Unlock()
	s.logger.Info("uplink fault set", "fault", fault)
	return nil
}

// SetTelemetryLink drops or restores the telemetry link.
func (s *Simulator) SetTelemetryLink(up bool) {
	if up {
		s.hub.Reconnect()
		return
	}
	s.hub.Disconnect()
}

// Received returns the number of accepted commands.
func (s *Simulator) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Pending returns the number of effects not yet applied.
func (s *Simulator) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending effect.
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
}
