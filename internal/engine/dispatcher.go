package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/telecommand/internal/history"
	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/uplink"
)

// Dispatcher is the single hand-off point to the uplink. Every dispatch
// attempt, including blocked ones, becomes exactly one history record.
type Dispatcher struct {
	uplink  uplink.Uplink
	ledger  *history.Ledger
	seq     *SeqClock
	ids     IDGenerator
	clock   clockwork.Clock
	metrics *Metrics
	logger  *slog.Logger

	// mu keeps seq assignment and ledger append in the same order.
	mu sync.Mutex
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRecordIDs sets the record id generator.
func WithRecordIDs(g IDGenerator) DispatcherOption {
	return func(d *Dispatcher) { d.ids = g }
}

// WithDispatchClock sets the wall clock used for dispatch times.
func WithDispatchClock(c clockwork.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// WithDispatchMetrics sets the metrics sink.
func WithDispatchMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher writing to ledger. The seq clock
// resumes after the ledger's highest seq.
func NewDispatcher(u uplink.Uplink, ledger *history.Ledger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		uplink: u,
		ledger: ledger,
		seq:    NewSeqClock(ledger.LastSeq()),
		ids:    UUIDv7Generator{},
		clock:  clockwork.NewRealClock(),
		logger: slog.Default().With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch appends a pending record and transmits the invocation. An
// immediate transport failure finalizes the record as rejected; no
// verification follows. The returned record reflects that outcome.
//
// The error is non-nil only when the ledger could not record the attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, inv ir.Invocation, origin ir.Origin, pre []ir.ConstraintResult) (ir.HistoryRecord, error) {
	rec, err := d.newRecord(inv, origin, pre)
	if err != nil {
		return ir.HistoryRecord{}, err
	}
	rec.Status = ir.StatusPending

	if err := d.append(ctx, &rec); err != nil {
		return ir.HistoryRecord{}, err
	}

	spanCtx, span := d.metrics.startDispatch(ctx, inv, origin)
	ack, err := d.uplink.Transmit(spanCtx, inv)
	if err != nil {
		te := uplink.AsTransportError(err)
		span.RecordError(te)
		span.SetStatus(codes.Error, te.Error())
		span.End()

		d.logger.Warn("transmit failed", "record", rec.ID, "seq", rec.Seq, "command", inv.Key().String(), "error", te)
		d.metrics.recordRejected(ctx, inv.Key(), ir.StatusRejected)
		final, ferr := d.ledger.Finalize(context.WithoutCancel(ctx), rec.ID, ir.StatusRejected, history.Outcome{
			Message: string(ir.CodeTransport) + ": " + te.Error(),
		})
		switch {
		case errors.Is(ferr, history.ErrNotPersisted):
			d.logger.Error("rejection not persisted", "record", rec.ID, "error", ferr)
		case ferr != nil:
			return ir.HistoryRecord{}, fmt.Errorf("dispatch %s: %w", rec.ID, ferr)
		}
		return final, nil
	}
	span.End()

	d.metrics.recordDispatched(ctx, inv.Key())
	if ack.ID != "" {
		if err := d.ledger.Acknowledge(ctx, rec.ID, ack.ID); err != nil && !ir.IsInvalidTransition(err) {
			d.logger.Error("acknowledge failed", "record", rec.ID, "error", err)
		}
		rec.AckID = ack.ID
	}
	d.logger.Info("command dispatched", "record", rec.ID, "seq", rec.Seq, "command", inv.Key().String(), "origin", origin.Kind)
	return rec, nil
}

// Reject appends an already terminal record for work that never reached the
// uplink (failed pre-check, expired queue entry).
func (d *Dispatcher) Reject(ctx context.Context, inv ir.Invocation, origin ir.Origin, status ir.RecordStatus, pre []ir.ConstraintResult, message string) (ir.HistoryRecord, error) {
	if status != ir.StatusRejected && status != ir.StatusExpired {
		return ir.HistoryRecord{}, fmt.Errorf("reject: status %q is not rejected or expired", status)
	}
	rec, err := d.newRecord(inv, origin, pre)
	if err != nil {
		return ir.HistoryRecord{}, err
	}
	rec.Status = status
	rec.Message = message
	at := rec.DispatchTime
	rec.FinalizedAt = &at

	if err := d.append(ctx, &rec); err != nil {
		return ir.HistoryRecord{}, err
	}
	d.metrics.recordRejected(ctx, inv.Key(), status)
	d.metrics.recordOutcome(ctx, rec)
	d.logger.Info("command blocked", "record", rec.ID, "seq", rec.Seq, "command", inv.Key().String(), "status", status, "reason", message)
	return rec, nil
}

// LastSeq returns the last seq handed out.
func (d *Dispatcher) LastSeq() int64 {
	return d.seq.Current()
}

func (d *Dispatcher) newRecord(inv ir.Invocation, origin ir.Origin, pre []ir.ConstraintResult) (ir.HistoryRecord, error) {
	digest, err := ir.InvocationDigest(inv)
	if err != nil {
		return ir.HistoryRecord{}, ir.NewValidationError(inv.Key().String(), err.Error(), nil)
	}
	return ir.HistoryRecord{
		Invocation:     inv.Clone(),
		Digest:         digest,
		Origin:         origin,
		Operator:       inv.Operator,
		DispatchTime:   d.clock.Now().UTC(),
		PreConstraints: pre,
	}, nil
}

func (d *Dispatcher) append(ctx context.Context, rec *ir.HistoryRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq.AdvanceTo(d.ledger.LastSeq())
	rec.ID = d.ids.Generate()
	rec.Seq = d.seq.Next()
	if err := d.ledger.Append(ctx, *rec); err != nil {
		return fmt.Errorf("dispatch %s: %w", rec.Key(), err)
	}
	return nil
}

