package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/telecommand/internal/catalog"
	"github.com/roach88/telecommand/internal/expr"
	"github.com/roach88/telecommand/internal/history"
	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/telemetry"
	"github.com/roach88/telecommand/internal/uplink"
)

// Engine wires the catalog, telemetry feed, uplink and history ledger into
// the execution pipeline. Direct execution, queue drains and sequence runs
// all go through the same Executor.
//
// Thread-safety: every method is safe for concurrent use.
type Engine struct {
	catalog    *catalog.Catalog
	feed       telemetry.Feed
	ledger     *history.Ledger
	eval       *expr.Evaluator
	dispatcher *Dispatcher
	monitor    *Monitor
	executor   *Executor
	queue      *Queue
	sequencer  *Sequencer
	logger     *slog.Logger
}

type engineConfig struct {
	clock               clockwork.Clock
	ids                 IDGenerator
	metrics             *Metrics
	logger              *slog.Logger
	continueOnRejection bool
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

// WithClock sets the wall clock for every component. Tests pass a
// clockwork fake clock.
func WithClock(c clockwork.Clock) EngineOption {
	return func(cfg *engineConfig) { cfg.clock = c }
}

// WithIDs sets the id generator shared by records, queue entries and runs.
func WithIDs(g IDGenerator) EngineOption {
	return func(cfg *engineConfig) { cfg.ids = g }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) EngineOption {
	return func(cfg *engineConfig) { cfg.metrics = m }
}

// WithLogger sets the base logger. Components derive their own with a
// "component" attribute.
func WithLogger(l *slog.Logger) EngineOption {
	return func(cfg *engineConfig) { cfg.logger = l }
}

// WithContinueOnRejection keeps queue drains going after a rejected
// command.
func WithContinueOnRejection(v bool) EngineOption {
	return func(cfg *engineConfig) { cfg.continueOnRejection = v }
}

// New creates an Engine. The ledger should already hold any restored
// history so record seqs continue after it.
func New(
	cat *catalog.Catalog,
	feed telemetry.Feed,
	up uplink.Uplink,
	ledger *history.Ledger,
	opts ...EngineOption,
) (*Engine, error) {
	cfg := engineConfig{
		clock:  clockwork.NewRealClock(),
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	eval, err := expr.NewEvaluator(expr.WithClock(cfg.clock))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	component := func(name string) *slog.Logger { return cfg.logger.With("component", name) }
	d := NewDispatcher(up, ledger,
		WithRecordIDs(cfg.ids),
		WithDispatchClock(cfg.clock),
		WithDispatchMetrics(cfg.metrics),
		WithDispatchLogger(component("dispatcher")),
	)
	m := NewMonitor(feed, eval,
		WithMonitorClock(cfg.clock),
		WithMonitorMetrics(cfg.metrics),
		WithMonitorLogger(component("monitor")),
	)
	x := NewExecutor(feed, eval, d, m, ledger,
		WithExecutorMetrics(cfg.metrics),
		WithExecutorLogger(component("executor")),
	)
	q := NewQueue(x,
		WithEntryIDs(cfg.ids),
		WithQueueClock(cfg.clock),
		WithQueueLogger(component("queue")),
		WithQueueContinueOnRejection(cfg.continueOnRejection),
	)
	s := NewSequencer(x,
		WithRunIDs(cfg.ids),
		WithSequenceClock(cfg.clock),
		WithSequenceLogger(component("sequencer")),
	)

	return &Engine{
		catalog:    cat,
		feed:       feed,
		ledger:     ledger,
		eval:       eval,
		dispatcher: d,
		monitor:    m,
		executor:   x,
		queue:      q,
		sequencer:  s,
		logger:     component("engine"),
	}, nil
}

// Catalog returns the command catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Ledger returns the history ledger.
func (e *Engine) Ledger() *history.Ledger { return e.ledger }

// Queue returns the command queue.
func (e *Engine) Queue() *Queue { return e.queue }

// Sequencer returns the sequence runner.
func (e *Engine) Sequencer() *Sequencer { return e.sequencer }

// Evaluator returns the expression evaluator shared by checks and
// verifiers.
func (e *Engine) Evaluator() *expr.Evaluator { return e.eval }

// Bind resolves key in the catalog and binds raw arguments to it.
func (e *Engine) Bind(key ir.CommandKey, raw map[string]any, comments, operator string) (ir.Invocation, error) {
	return e.catalog.Bind(key, raw, comments, operator)
}

// Submit executes inv directly and returns without waiting for
// verification.
func (e *Engine) Submit(ctx context.Context, inv ir.Invocation) (*Execution, error) {
	return e.executor.Submit(ctx, inv, ir.Origin{Kind: ir.OriginDirect})
}

// Execute runs inv directly and waits for the final record. The error is
// the record's taxonomy error, nil on success.
func (e *Engine) Execute(ctx context.Context, inv ir.Invocation) (ir.HistoryRecord, error) {
	return e.executor.Execute(ctx, inv, ir.Origin{Kind: ir.OriginDirect})
}

// Cancel aborts verification of a pending record.
func (e *Engine) Cancel(recordID string) bool {
	return e.executor.Cancel(recordID)
}

// StartSequence resolves a catalogued sequence and starts a run.
func (e *Engine) StartSequence(ctx context.Context, id, operator string) (*Run, error) {
	spec, ok := e.catalog.SequenceSpec(id)
	if !ok {
		return nil, ir.NewNotFound("sequence", id)
	}
	seq, err := e.catalog.ResolveSequence(spec, operator)
	if err != nil {
		return nil, err
	}
	return e.sequencer.Start(ctx, seq)
}

// History returns a page of records matching f.
func (e *Engine) History(f history.Filter) history.Page {
	return e.ledger.Page(f)
}

// Shutdown waits for in-flight verifications to be finalized or ctx to
// end. Callers cancel the contexts passed to Submit first to force
// pending records to abort.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.executor.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine stopped", "last_seq", e.dispatcher.LastSeq())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}
