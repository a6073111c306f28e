package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/telecommand/internal/ir"
)

// Sequencer starts and tracks sequence runs. At most one run per target is
// active at a time.
type Sequencer struct {
	exec   *Executor
	ids    IDGenerator
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Run
	runs   map[string]*Run
	order  []string
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

// WithRunIDs sets the run id generator.
func WithRunIDs(g IDGenerator) SequencerOption {
	return func(s *Sequencer) { s.ids = g }
}

// WithSequenceClock sets the clock used for inter-step delays.
func WithSequenceClock(c clockwork.Clock) SequencerOption {
	return func(s *Sequencer) { s.clock = c }
}

// WithSequenceLogger sets the logger.
func WithSequenceLogger(l *slog.Logger) SequencerOption {
	return func(s *Sequencer) { s.logger = l }
}

// NewSequencer creates a sequencer executing steps through exec.
func NewSequencer(exec *Executor, opts ...SequencerOption) *Sequencer {
	s := &Sequencer{
		exec:   exec,
		ids:    UUIDv7Generator{},
		clock:  clockwork.NewRealClock(),
		logger: slog.Default().With("component", "sequencer"),
		active: make(map[string]*Run),
		runs:   make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start copies seq and begins executing it. Fails with INVALID_TRANSITION
// when the target already has an active run, and VALIDATION_ERROR for an
// empty sequence. Cancelling ctx stops the run.
func (s *Sequencer) Start(ctx context.Context, seq ir.Sequence) (*Run, error) {
	if len(seq.Steps) == 0 {
		return nil, ir.NewValidationError(seq.ID, "sequence has no steps", nil)
	}
	if seq.OnFailure != "" && seq.OnFailure != ir.FailureAbort && seq.OnFailure != ir.FailureContinue {
		return nil, ir.NewValidationError(seq.ID, fmt.Sprintf("unknown failure policy %q", seq.OnFailure), nil)
	}

	s.mu.Lock()
	if cur, ok := s.active[seq.Target]; ok {
		s.mu.Unlock()
		return nil, &ir.Error{
			Code:    ir.CodeInvalidTransition,
			Message: fmt.Sprintf("target %q already has active run %s", seq.Target, cur.ID()),
			Subject: seq.ID,
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		seq:     seq.Clone(),
		exec:    s.exec,
		clock:   s.clock,
		cancel:  cancel,
		done:    make(chan struct{}),
		changed: make(chan struct{}, 1),
		state: ir.SequenceRun{
			ID:         s.ids.Generate(),
			SequenceID: seq.ID,
			Target:     seq.Target,
			Status:     ir.RunIdle,
			Steps:      []ir.StepOutcome{},
		},
	}
	r.logger = s.logger.With("run", r.state.ID, "sequence", seq.ID)
	s.active[seq.Target] = r
	s.runs[r.state.ID] = r
	s.order = append(s.order, r.state.ID)
	if err := r.transition(ir.RunRunning); err != nil {
		delete(s.active, seq.Target)
		s.mu.Unlock()
		cancel()
		return nil, err
	}
	r.state.StartedAt = s.clock.Now().UTC()
	s.mu.Unlock()

	r.logger.Info("sequence started", "target", seq.Target, "steps", len(seq.Steps), "on_failure", seq.OnFailure)
	go r.loop(runCtx, func() {
		s.mu.Lock()
		if s.active[seq.Target] == r {
			delete(s.active, seq.Target)
		}
		s.mu.Unlock()
	})
	return r, nil
}

// Get returns a run by id.
func (s *Sequencer) Get(runID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	return r, ok
}

// Active returns the active run for target.
func (s *Sequencer) Active(target string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.active[target]
	return r, ok
}

// Runs returns a snapshot of every run in start order.
func (s *Sequencer) Runs() []ir.SequenceRun {
	s.mu.Lock()
	runs := make([]*Run, len(s.order))
	for i, id := range s.order {
		runs[i] = s.runs[id]
	}
	s.mu.Unlock()

	out := make([]ir.SequenceRun, len(runs))
	for i, r := range runs {
		out[i] = r.Status()
	}
	return out
}

// Run is one execution of a sequence.
type Run struct {
	seq    ir.Sequence
	exec   *Executor
	clock  clockwork.Clock
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	// changed signals status changes to the run loop (buffered, size 1).
	changed chan struct{}

	mu    sync.Mutex
	state ir.SequenceRun
	// active accumulates time spent running; resumedAt marks the start of
	// the current running interval.
	active    time.Duration
	resumedAt time.Time
}

// ID returns the run id.
func (r *Run) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ID
}

// Status returns a snapshot of the run.
func (r *Run) Status() ir.SequenceRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.state
	out.Steps = slices.Clone(r.state.Steps)
	if r.state.FinishedAt != nil {
		t := *r.state.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Done is closed when the run loop has exited.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes or ctx ends.
func (r *Run) Wait(ctx context.Context) (ir.SequenceRun, error) {
	select {
	case <-r.done:
		return r.Status(), nil
	case <-ctx.Done():
		return r.Status(), ctx.Err()
	}
}

// Pause suspends advancement. A verification already in flight keeps
// running; the next step and any remaining delay wait for Resume.
func (r *Run) Pause() error {
	return r.request(ir.RunPaused, func(st ir.RunStatus) bool { return st == ir.RunRunning })
}

// Resume continues a paused run.
func (r *Run) Resume() error {
	return r.request(ir.RunRunning, func(st ir.RunStatus) bool { return st == ir.RunPaused })
}

// Stop ends the run from any non-terminal state. An in-flight verification
// is cancelled and its record finalized aborted.
func (r *Run) Stop() error {
	if err := r.request(ir.RunStopped, func(st ir.RunStatus) bool { return !st.IsTerminal() }); err != nil {
		return err
	}
	r.cancel()
	return nil
}

func (r *Run) request(to ir.RunStatus, allowed func(ir.RunStatus) bool) error {
	r.mu.Lock()
	from := r.state.Status
	if !allowed(from) {
		r.mu.Unlock()
		return ir.NewInvalidTransition(string(from), string(to))
	}
	if err := r.transition(to); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	r.logger.Info("run "+string(to), "from", from)
	select {
	case r.changed <- struct{}{}:
	default:
	}
	return nil
}

// transition must be called with r.mu held.
func (r *Run) transition(to ir.RunStatus) error {
	if err := ir.ValidateRunTransition(r.state.Status, to); err != nil {
		return err
	}
	now := r.clock.Now()
	if r.state.Status == ir.RunRunning {
		r.active += now.Sub(r.resumedAt)
	}
	if to == ir.RunRunning {
		r.resumedAt = now
	}
	r.state.Status = to
	if to.IsTerminal() {
		finished := now.UTC()
		r.state.FinishedAt = &finished
	}
	return nil
}

// activeTime returns the total time the run has spent running.
func (r *Run) activeTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Status == ir.RunRunning {
		return r.active + r.clock.Since(r.resumedAt)
	}
	return r.active
}

func (r *Run) loop(ctx context.Context, onExit func()) {
	defer close(r.done)
	defer onExit()
	defer r.cancel()

	for i, step := range r.seq.Steps {
		if !r.awaitRunning(ctx) {
			r.finish(ir.RunStopped)
			return
		}
		r.mu.Lock()
		r.state.CurrentStep = i
		r.mu.Unlock()

		outcome := r.execute(ctx, i, step)
		r.mu.Lock()
		r.state.Steps = append(r.state.Steps, outcome)
		r.mu.Unlock()
		r.logger.Info("step finished", "step", i, "record", outcome.RecordID, "status", outcome.Status)

		if ctx.Err() != nil || !r.awaitRunning(ctx) {
			r.finish(ir.RunStopped)
			return
		}
		if outcome.Status != ir.StatusSuccess {
			if r.seq.OnFailure.Aborts() {
				r.finish(ir.RunFailed)
				return
			}
			continue
		}
		if !r.sleepRunning(ctx, step.Delay()) {
			r.finish(ir.RunStopped)
			return
		}
	}

	if !r.awaitRunning(ctx) {
		r.finish(ir.RunStopped)
		return
	}
	r.finish(ir.RunCompleted)
}

func (r *Run) execute(ctx context.Context, i int, step ir.SequenceStep) ir.StepOutcome {
	origin := ir.Origin{Kind: ir.OriginSequence, RunID: r.ID(), Step: i}
	x, err := r.exec.Submit(ctx, step.Invocation, origin)
	if err != nil {
		return ir.StepOutcome{Index: i, Status: ir.StatusRejected, Message: err.Error()}
	}
	rec, _ := x.Wait(context.WithoutCancel(ctx))
	return ir.StepOutcome{Index: i, RecordID: rec.ID, Status: rec.Status, Message: rec.Message}
}

// finish moves the run to a terminal status unless Stop already did.
func (r *Run) finish(to ir.RunStatus) {
	r.mu.Lock()
	if r.state.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	if err := r.transition(to); err != nil {
		r.logger.Error("run transition failed", "to", to, "error", err)
	}
	r.mu.Unlock()
	r.logger.Info("sequence finished", "status", to)
}

// awaitRunning blocks while the run is paused. Returns false once the run is
// terminal or ctx ends.
func (r *Run) awaitRunning(ctx context.Context) bool {
	for {
		r.mu.Lock()
		st := r.state.Status
		r.mu.Unlock()
		switch {
		case st == ir.RunRunning:
			return true
		case st.IsTerminal():
			return false
		}
		select {
		case <-r.changed:
		case <-ctx.Done():
			return false
		}
	}
}

// sleepRunning waits until d of running time has elapsed. Time spent paused
// does not count, and elapsed time is kept across pauses.
func (r *Run) sleepRunning(ctx context.Context, d time.Duration) bool {
	target := r.activeTime() + d
	for {
		// Drop stale signals; the state is re-read below.
		select {
		case <-r.changed:
		default:
		}
		if !r.awaitRunning(ctx) {
			return false
		}
		remaining := target - r.activeTime()
		if remaining <= 0 {
			return true
		}
		timer := r.clock.NewTimer(remaining)
		select {
		case <-timer.Chan():
		case <-r.changed:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
		timer.Stop()
	}
}
