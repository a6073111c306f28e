package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/telecommand/internal/catalog"
	"github.com/roach88/telecommand/internal/expr"
	"github.com/roach88/telecommand/internal/history"
	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/telemetry"
)

// Executor runs the validate → pre-check → dispatch → verify → finalize
// pipeline shared by direct execution, queue drains and sequence steps.
type Executor struct {
	feed       telemetry.Feed
	eval       *expr.Evaluator
	dispatcher *Dispatcher
	monitor    *Monitor
	ledger     *history.Ledger
	metrics    *Metrics
	logger     *slog.Logger

	wg sync.WaitGroup
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorMetrics sets the metrics sink.
func WithExecutorMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor wires the pipeline stages together.
func NewExecutor(feed telemetry.Feed, eval *expr.Evaluator, d *Dispatcher, m *Monitor, ledger *history.Ledger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		feed:       feed,
		eval:       eval,
		dispatcher: d,
		monitor:    m,
		ledger:     ledger,
		logger:     slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execution is one submitted invocation. Its record is final once Done is
// closed.
type Execution struct {
	ledger *history.Ledger
	done   chan struct{}

	mu           sync.Mutex
	record       ir.HistoryRecord
	verification *Verification
}

func newExecution(ledger *history.Ledger, rec ir.HistoryRecord) *Execution {
	return &Execution{ledger: ledger, done: make(chan struct{}), record: rec}
}

// RecordID returns the id of the history record.
func (x *Execution) RecordID() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.record.ID
}

// Done is closed when the record is terminal.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Record returns the current state of the history record.
func (x *Execution) Record() ir.HistoryRecord {
	x.mu.Lock()
	id := x.record.ID
	rec := x.record.Clone()
	x.mu.Unlock()
	if cur, err := x.ledger.Get(id); err == nil {
		return cur
	}
	return rec
}

// Wait blocks until the record is terminal and returns it together with
// its taxonomy error (nil for success). If ctx ends first, Wait returns the
// current record and ctx's error.
func (x *Execution) Wait(ctx context.Context) (ir.HistoryRecord, error) {
	select {
	case <-x.done:
		rec := x.Record()
		return rec, ir.RecordError(rec)
	case <-ctx.Done():
		return x.Record(), ctx.Err()
	}
}

// Cancel aborts verification; the record is finalized aborted. It has no
// effect once the record is terminal.
func (x *Execution) Cancel() {
	x.mu.Lock()
	v := x.verification
	x.mu.Unlock()
	if v != nil {
		v.Cancel()
	}
}

func (x *Execution) finish(rec ir.HistoryRecord) {
	x.mu.Lock()
	x.record = rec
	x.mu.Unlock()
	close(x.done)
}

// Submit executes inv. Binding problems are returned synchronously as
// VALIDATION_ERROR and leave no record. A failed pre-check produces a
// rejected record without touching the uplink. Otherwise the command is
// dispatched and verified in the background; cancelling ctx aborts the
// verification.
func (e *Executor) Submit(ctx context.Context, inv ir.Invocation, origin ir.Origin) (*Execution, error) {
	if err := catalog.ValidateBindings(inv); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("submit %s: %w", inv.Key(), err)
	}

	def := inv.Definition
	pre := e.eval.Evaluate(ctx, def.Constraints, ir.PhasePre, e.feed.Current().Values(), inv.Bindings)
	if !ir.AllPassed(pre) {
		rec, err := e.dispatcher.Reject(ctx, inv, origin, ir.StatusRejected, pre, constraintMessage(pre))
		if err != nil {
			return nil, err
		}
		x := newExecution(e.ledger, rec)
		close(x.done)
		return x, nil
	}

	rec, err := e.dispatcher.Dispatch(ctx, inv, origin, pre)
	if err != nil {
		return nil, err
	}
	x := newExecution(e.ledger, rec)
	if rec.Status.IsTerminal() {
		e.metrics.recordOutcome(ctx, rec)
		close(x.done)
		return x, nil
	}

	v := e.monitor.Watch(ctx, rec.ID, def.Verifiers, inv.Bindings)
	x.mu.Lock()
	x.verification = v
	x.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.complete(context.WithoutCancel(ctx), x, inv, v)
	}()
	return x, nil
}

// Execute submits inv and waits for its outcome.
func (e *Executor) Execute(ctx context.Context, inv ir.Invocation, origin ir.Origin) (ir.HistoryRecord, error) {
	x, err := e.Submit(ctx, inv, origin)
	if err != nil {
		return ir.HistoryRecord{}, err
	}
	return x.Wait(context.WithoutCancel(ctx))
}

// Cancel aborts the verification of a pending record. Reports whether a
// watch was running.
func (e *Executor) Cancel(recordID string) bool {
	return e.monitor.Cancel(recordID)
}

// Wait blocks until every background finalization has completed.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) complete(ctx context.Context, x *Execution, inv ir.Invocation, v *Verification) {
	results := v.Results()
	status := ir.OverallStatus(results)

	post := e.eval.Evaluate(ctx, inv.Definition.Constraints, ir.PhasePost, e.feed.Current().Values(), inv.Bindings)
	rec, err := e.ledger.Finalize(ctx, v.RecordID(), status, history.Outcome{
		PostConstraints:     post,
		VerificationResults: results,
		Message:             outcomeMessage(status, results, post),
	})
	switch {
	case err == nil:
		e.logger.Info("command finalized", "record", rec.ID, "seq", rec.Seq, "command", inv.Key().String(), "status", rec.Status)
	case errors.Is(err, history.ErrNotPersisted):
		e.logger.Error("command finalized but not persisted", "record", rec.ID, "status", rec.Status, "error", err)
	default:
		e.logger.Error("finalize failed", "record", v.RecordID(), "status", status, "error", err)
		x.finish(x.Record())
		return
	}
	e.metrics.recordOutcome(ctx, rec)
	x.finish(rec)
}

func constraintMessage(results []ir.ConstraintResult) string {
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r.Message)
		}
	}
	return string(ir.CodeConstraintViolation) + ": " + strings.Join(failed, "; ")
}

func outcomeMessage(status ir.RecordStatus, results []ir.VerificationResult, post []ir.ConstraintResult) string {
	var code ir.ErrorCode
	var want ir.VerificationStatus
	switch status {
	case ir.StatusFailed:
		code, want = ir.CodeVerificationFailure, ir.VerificationFailed
	case ir.StatusTimeout:
		code, want = ir.CodeVerificationTimeout, ir.VerificationTimeout
	case ir.StatusAborted:
		code, want = ir.CodeCancelled, ir.VerificationCancelled
	default:
		if !ir.AllPassed(post) {
			var failed []string
			for _, r := range post {
				if !r.Passed {
					failed = append(failed, r.ConstraintID)
				}
			}
			return "post-check failed: " + strings.Join(failed, ", ")
		}
		return ""
	}
	for _, r := range results {
		if r.Status == want {
			return fmt.Sprintf("%s: verifier %s: %s", code, r.VerifierID, r.Message)
		}
	}
	return string(code)
}
