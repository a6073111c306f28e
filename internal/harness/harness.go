package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/telecommand/internal/catalog"
	"github.com/roach88/telecommand/internal/engine"
	"github.com/roach88/telecommand/internal/expr"
	"github.com/roach88/telecommand/internal/history"
	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/sim"
	"github.com/roach88/telecommand/internal/store"
)

// Epoch is the simulated time at which every scenario starts.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	defaultOperator = "harness"
	defaultTick     = 100 * time.Millisecond

	// driveLimit bounds how much simulated time a blocking step may take.
	driveLimit = 30 * time.Minute

	// settleDelay is the real time given to engine goroutines between
	// clock advances.
	settleDelay = 2 * time.Millisecond
)

// Harness is the test execution engine.
// It runs one scenario with a fake clock, counter ids, a simulated
// spacecraft and a fresh in-memory history database.
type Harness struct {
	store    *store.Store
	engine   *engine.Engine
	sim      *sim.Simulator
	clock    *clockwork.FakeClock
	logger   *slog.Logger
	operator string
	tick     time.Duration
	runs     map[string]*engine.Run
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
// 1. Create fresh in-memory database and load the CUE catalog
// 2. Build the sim world and the engine on a fake clock
// 3. Execute steps, checking each expect clause
// 4. Stop unfinished runs and wait for outstanding verifications
// 5. Build the trace from history and evaluate assertions
//
// The returned error reports harness failures (unreadable catalog, broken
// store); scenario failures are reported through Result.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with engine logs written to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	st, err := store.Open(":memory:", store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	checker, err := expr.NewEvaluator()
	if err != nil {
		return nil, err
	}
	cat := catalog.New(checker, catalog.WithLogger(logger))
	report := catalog.LoadInto(cat, scenario.Catalog)
	if len(report.Errors) > 0 {
		return nil, fmt.Errorf("failed to load catalog %s: %w", scenario.Catalog, errors.Join(report.Errors...))
	}

	world := sim.World{Name: scenario.Name}
	if scenario.World != "" {
		if world, err = sim.Load(scenario.World); err != nil {
			return nil, err
		}
	}
	if len(scenario.Telemetry) > 0 {
		if world.Telemetry == nil {
			world.Telemetry = make(map[string]any)
		}
		for k, v := range scenario.Telemetry {
			nv, err := ir.NormalizeValue(v)
			if err != nil {
				return nil, fmt.Errorf("telemetry %s: %w", k, err)
			}
			world.Telemetry[k] = nv
		}
	}

	clock := clockwork.NewFakeClockAt(Epoch)
	spacecraft := sim.New(world, sim.WithClock(clock), sim.WithLogger(logger))
	defer spacecraft.Stop()

	ledger := history.NewLedger(history.WithStore(st), history.WithClock(clock), history.WithLogger(logger))
	eng, err := engine.New(cat, spacecraft.Hub(), spacecraft, ledger,
		engine.WithClock(clock),
		engine.WithIDs(engine.NewCounterGenerator("id")),
		engine.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		store:    st,
		engine:   eng,
		sim:      spacecraft,
		clock:    clock,
		logger:   logger,
		operator: scenario.Operator,
		tick:     time.Duration(scenario.TickMillis) * time.Millisecond,
		runs:     make(map[string]*engine.Run),
	}
	if h.operator == "" {
		h.operator = defaultOperator
	}
	if h.tick <= 0 {
		h.tick = defaultTick
	}

	ctx := context.Background()
	result := NewResult()
	result.Name = scenario.Name
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step); err != nil {
			result.AddError(fmt.Sprintf("steps[%d] (%s): %v", i, step.Kind(), err))
		}
	}

	if err := h.finish(ctx); err != nil {
		return nil, err
	}

	for rec := range eng.Ledger().Query(history.Filter{}) {
		result.AddRecord(rec)
	}
	result.Runs = eng.Sequencer().Runs()

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// executeStep runs one step and checks its expect clause.
func (h *Harness) executeStep(ctx context.Context, step Step) error {
	switch step.Kind() {
	case StepExec:
		return h.exec(ctx, step)
	case StepEnqueue:
		return h.enqueue(step)
	case StepDrain:
		return h.drain(ctx, step)
	case StepSequence:
		return h.sequence(ctx, step)
	case StepTelemetry:
		values := make(map[string]any, len(step.Telemetry))
		for k, v := range step.Telemetry {
			nv, err := ir.NormalizeValue(v)
			if err != nil {
				return fmt.Errorf("telemetry %s: %w", k, err)
			}
			values[k] = nv
		}
		h.sim.Hub().Publish(values)
		h.settle()
		return nil
	case StepUplink:
		fault := step.Uplink
		if fault == UplinkOK {
			fault = sim.FaultNone
		}
		return h.sim.SetFault(fault)
	case StepTelemetryLink:
		h.sim.SetTelemetryLink(step.TelemetryLink == "up")
		h.settle()
		return nil
	case StepAdvance:
		h.advance(time.Duration(step.AdvanceSeconds * float64(time.Second)))
		return nil
	default:
		return fmt.Errorf("step has no single action: %v", step.Kinds())
	}
}

func (h *Harness) bind(ref string, step Step) (ir.Invocation, error) {
	key, err := ir.ParseCommandKey(ref)
	if err != nil {
		return ir.Invocation{}, err
	}
	return h.engine.Bind(key, step.Args, step.Comments, h.operator)
}

func (h *Harness) exec(ctx context.Context, step Step) error {
	inv, err := h.bind(step.Exec, step)
	if err != nil {
		return expectError(step.Expect, err)
	}
	x, err := h.engine.Submit(ctx, inv)
	if err != nil {
		return expectError(step.Expect, err)
	}
	if err := h.drive(x.Done()); err != nil {
		return fmt.Errorf("%s: %w", step.Exec, err)
	}
	rec := x.Record()
	if err := expectNoError(step.Expect); err != nil {
		return err
	}
	if step.Expect != nil && step.Expect.Status != "" && string(rec.Status) != step.Expect.Status {
		return fmt.Errorf("%s: expected status %s, got %s (%s)", step.Exec, step.Expect.Status, rec.Status, rec.Message)
	}
	return nil
}

func (h *Harness) enqueue(step Step) error {
	inv, err := h.bind(step.Enqueue, step)
	if err != nil {
		return expectError(step.Expect, err)
	}
	var opts []engine.EnqueueOption
	now := h.clock.Now()
	if step.ScheduleAfter > 0 {
		opts = append(opts, engine.ScheduleAt(now.Add(seconds(step.ScheduleAfter))))
	}
	if step.ExpireAfter > 0 {
		opts = append(opts, engine.ExpireAt(now.Add(seconds(step.ExpireAfter))))
	}
	if _, err := h.engine.Queue().Enqueue(inv, step.Priority, opts...); err != nil {
		return expectError(step.Expect, err)
	}
	return expectNoError(step.Expect)
}

func (h *Harness) drain(ctx context.Context, step Step) error {
	var (
		report engine.DrainReport
		err    error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		report, err = h.engine.Queue().Drain(ctx)
	}()
	if derr := h.drive(done); derr != nil {
		return fmt.Errorf("drain: %w", derr)
	}
	if err != nil {
		return expectError(step.Expect, err)
	}
	if err := expectNoError(step.Expect); err != nil {
		return err
	}
	if step.Expect == nil {
		return nil
	}

	if step.Expect.Outcomes != nil {
		got := make([]string, len(report.Outcomes))
		for i, o := range report.Outcomes {
			got[i] = string(o.Status)
		}
		if !slices.Equal(got, step.Expect.Outcomes) {
			return fmt.Errorf("drain: expected outcomes %v, got %v", step.Expect.Outcomes, got)
		}
	}
	if step.Expect.Stopped != nil && *step.Expect.Stopped != report.Stopped {
		return fmt.Errorf("drain: expected stopped=%t, got %t", *step.Expect.Stopped, report.Stopped)
	}
	return nil
}

func (h *Harness) sequence(ctx context.Context, step Step) error {
	action := step.Action
	if action == "" {
		action = ActionRun
	}

	var err error
	switch action {
	case ActionRun, ActionStart:
		var run *engine.Run
		run, err = h.engine.StartSequence(ctx, step.Sequence, h.operator)
		if err != nil {
			return expectError(step.Expect, err)
		}
		h.runs[step.Sequence] = run
		h.settle()
		if action == ActionStart {
			return expectNoError(step.Expect)
		}
	case ActionPause, ActionResume, ActionStop:
		run, ok := h.runs[step.Sequence]
		if !ok {
			return fmt.Errorf("sequence %s was not started", step.Sequence)
		}
		switch action {
		case ActionPause:
			err = run.Pause()
		case ActionResume:
			err = run.Resume()
		default:
			err = run.Stop()
		}
		if err != nil {
			return expectError(step.Expect, err)
		}
		h.settle()
		return expectNoError(step.Expect)
	case ActionWait:
		if _, ok := h.runs[step.Sequence]; !ok {
			return fmt.Errorf("sequence %s was not started", step.Sequence)
		}
	}

	run := h.runs[step.Sequence]
	if err := h.drive(run.Done()); err != nil {
		return fmt.Errorf("sequence %s: %w", step.Sequence, err)
	}
	if err := expectNoError(step.Expect); err != nil {
		return err
	}
	state := run.Status()
	if step.Expect != nil && step.Expect.Status != "" && string(state.Status) != step.Expect.Status {
		return fmt.Errorf("sequence %s: expected status %s, got %s", step.Sequence, step.Expect.Status, state.Status)
	}
	return nil
}

// finish stops unfinished runs and waits for background verifications.
func (h *Harness) finish(ctx context.Context) error {
	for _, id := range slices.Sorted(maps.Keys(h.runs)) {
		run := h.runs[id]
		if !run.Status().Status.IsTerminal() {
			_ = run.Stop()
		}
	}

	var err error
	done := make(chan struct{})
	go func() {
		defer close(done)
		err = h.engine.Shutdown(ctx)
	}()
	if derr := h.drive(done); derr != nil {
		return fmt.Errorf("shutdown: %w", derr)
	}
	return err
}

// drive advances the fake clock one tick at a time until done closes.
func (h *Harness) drive(done <-chan struct{}) error {
	deadline := h.clock.Now().Add(driveLimit)
	for {
		h.settle()
		select {
		case <-done:
			return nil
		default:
		}
		if !h.clock.Now().Before(deadline) {
			return fmt.Errorf("not finished after %s of simulated time", driveLimit)
		}
		h.clock.Advance(h.tick)
	}
}

// advance moves simulated time forward by d in ticks.
func (h *Harness) advance(d time.Duration) {
	for d > 0 {
		step := min(h.tick, d)
		h.clock.Advance(step)
		h.settle()
		d -= step
	}
}

func (h *Harness) settle() {
	time.Sleep(settleDelay)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// expectError reconciles a step error with its expect clause.
func expectError(e *Expect, err error) error {
	if e == nil || e.Error == "" {
		return err
	}
	if code := ir.CodeOf(err); string(code) != e.Error {
		return fmt.Errorf("expected error %s, got %v", e.Error, err)
	}
	return nil
}

func expectNoError(e *Expect) error {
	if e != nil && e.Error != "" {
		return fmt.Errorf("expected error %s, got none", e.Error)
	}
	return nil
}
