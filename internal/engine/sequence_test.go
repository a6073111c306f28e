package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/telecommand/internal/ir"
)

func step(inv ir.Invocation, delay float64) ir.SequenceStep {
	return ir.SequenceStep{Invocation: inv, DelayAfterSeconds: delay}
}

func sequence(id string, policy ir.FailurePolicy, steps ...ir.SequenceStep) ir.Sequence {
	return ir.Sequence{ID: id, Name: id, Target: "SAT-1", OnFailure: policy, Steps: steps}
}

func (f *fixture) stepCount(r *Run) int {
	return len(r.Status().Steps)
}

func TestSequenceCompletes(t *testing.T) {
	f := newFixture(t)
	run, err := f.engine.Sequencer().Start(waitCtx(t), sequence("checkout", ir.FailureAbort,
		step(noop("a"), 0), step(noop("b"), 0), step(noop("c"), 0)))
	require.NoError(t, err)

	st, err := run.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, ir.RunCompleted, st.Status)
	require.Len(t, st.Steps, 3)
	assert.Equal(t, []string{"a", "b", "c"}, f.up.tags())
	require.NotNil(t, st.FinishedAt)

	for i, o := range st.Steps {
		assert.Equal(t, i, o.Index)
		assert.Equal(t, ir.StatusSuccess, o.Status)
		rec, err := f.ledger.Get(o.RecordID)
		require.NoError(t, err)
		assert.Equal(t, ir.Origin{Kind: ir.OriginSequence, RunID: run.ID(), Step: i}, rec.Origin)
	}
}

func TestSequenceAbortsOnFailedStep(t *testing.T) {
	f := newFixture(t)
	run, err := f.engine.Sequencer().Start(waitCtx(t), sequence("abort", ir.FailureAbort,
		step(noop("a"), 0), step(noop("bad"), 0), step(noop("c"), 0)))
	require.NoError(t, err)

	st, err := run.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, ir.RunFailed, st.Status)
	require.Len(t, st.Steps, 2)
	assert.Equal(t, ir.StatusRejected, st.Steps[1].Status)
	assert.Equal(t, []string{"a"}, f.up.tags(), "step 3 never reaches the uplink")
	assert.Equal(t, 1, st.CurrentStep)
}

func TestSequenceWaitsDelayThenAbortsOnVerifierFailure(t *testing.T) {
	tests := []struct {
		name   string
		fail   func(t *testing.T, f *fixture)
		status ir.RecordStatus
	}{
		{
			name: "fail condition",
			fail: func(t *testing.T, f *fixture) {
				f.waitSubscribers(t, 1)
				f.hub.Publish(map[string]any{"fault": true})
			},
			status: ir.StatusFailed,
		},
		{
			name: "verifier timeout",
			fail: func(t *testing.T, f *fixture) {
				f.waitTimers(t, 1)
				f.clock.Advance(2 * time.Second)
			},
			status: ir.StatusTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			run, err := f.engine.Sequencer().Start(waitCtx(t), sequence("pass", ir.FailureAbort,
				step(noop("s1"), 5), step(setMode("SAFE"), 0), step(noop("s3"), 0)))
			require.NoError(t, err)

			f.waitTimers(t, 1)
			f.clock.Advance(4999 * time.Millisecond)
			assert.Equal(t, 1, f.up.count(), "step 2 waits for the step 1 delay")
			f.clock.Advance(time.Millisecond)

			tt.fail(t, f)

			st, err := run.Wait(waitCtx(t))
			require.NoError(t, err)
			assert.Equal(t, ir.RunFailed, st.Status)
			require.Len(t, st.Steps, 2)
			assert.Equal(t, ir.StatusSuccess, st.Steps[0].Status)
			assert.Equal(t, tt.status, st.Steps[1].Status)
			assert.Equal(t, 2, f.up.count(), "step 3 never reaches the uplink")
			assert.Equal(t, []string{"s1", ""}, f.up.tags())

			first, err := f.ledger.Get(st.Steps[0].RecordID)
			require.NoError(t, err)
			second, err := f.ledger.Get(st.Steps[1].RecordID)
			require.NoError(t, err)
			assert.Equal(t, 5*time.Second, second.DispatchTime.Sub(first.DispatchTime))
		})
	}
}

func TestSequenceContinuesOnFailedStep(t *testing.T) {
	f := newFixture(t)
	run, err := f.engine.Sequencer().Start(waitCtx(t), sequence("continue", ir.FailureContinue,
		step(noop("a"), 0), step(noop("bad"), 30), step(noop("c"), 0)))
	require.NoError(t, err)

	st, err := run.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, ir.RunCompleted, st.Status)
	require.Len(t, st.Steps, 3)
	assert.Equal(t, []string{"a", "c"}, f.up.tags(), "no delay follows a failed step")
}

func TestSequenceDelayExcludesPausedTime(t *testing.T) {
	f := newFixture(t)
	run, err := f.engine.Sequencer().Start(waitCtx(t), sequence("delay", ir.FailureAbort,
		step(noop("a"), 10), step(noop("b"), 0)))
	require.NoError(t, err)

	f.waitTimers(t, 1)
	f.clock.Advance(4 * time.Second)
	require.NoError(t, run.Pause())
	assert.Equal(t, ir.RunPaused, run.Status().Status)

	f.clock.Advance(100 * time.Second)
	assert.Equal(t, 1, f.up.count(), "paused runs do not advance")

	require.NoError(t, run.Resume())
	f.waitTimers(t, 1)
	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 1, f.up.count())

	f.clock.Advance(time.Second)
	st, err := run.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, ir.RunCompleted, st.Status)
	assert.Equal(t, []string{"a", "b"}, f.up.tags())
}

func TestPauseLetsInFlightVerificationFinish(t *testing.T) {
	f := newFixture(t)
	run, err := f.engine.Sequencer().Start(waitCtx(t), sequence("pause", ir.FailureAbort,
		step(setMode("SAFE"), 0), step(noop("next"), 0)))
	require.NoError(t, err)

	f.waitSubscribers(t, 1)
	require.NoError(t, run.Pause())
	f.hub.Publish(map[string]any{"mode": "SAFE"})

	require.Eventually(t, func() bool { return f.stepCount(run) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, ir.StatusSuccess, run.Status().Steps[0].Status)
	assert.Equal(t, ir.RunPaused, run.Status().Status)
	assert.Equal(t, 1, f.up.count())

	require.NoError(t, run.Resume())
	st, err := run.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, ir.RunCompleted, st.Status)
	assert.Equal(t, 2, f.up.count())
}

func TestStopAbortsInFlightVerification(t *testing.T) {
	f := newFixture(t)
	run, err := f.engine.Sequencer().Start(waitCtx(t), sequence("stop", ir.FailureAbort,
		step(setMode("SAFE"), 0), step(noop("never"), 0)))
	require.NoError(t, err)

	f.waitSubscribers(t, 1)
	require.NoError(t, run.Stop())
	assert.Equal(t, ir.RunStopped, run.Status().Status)

	st, err := run.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, ir.RunStopped, st.Status)
	require.Len(t, st.Steps, 1)
	assert.Equal(t, ir.StatusAborted, st.Steps[0].Status)
	assert.Equal(t, 1, f.up.count())

	rec, err := f.ledger.Get(st.Steps[0].RecordID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusAborted, rec.Status)

	assert.True(t, ir.IsInvalidTransition(run.Stop()))
	assert.True(t, ir.IsInvalidTransition(run.Resume()))
}

func TestRunTransitionsAreChecked(t *testing.T) {
	f := newFixture(t)
	run, err := f.engine.Sequencer().Start(waitCtx(t), sequence("transitions", ir.FailureAbort,
		step(noop("a"), 60)))
	require.NoError(t, err)

	assert.True(t, ir.IsInvalidTransition(run.Resume()), "resume while running")
	require.NoError(t, run.Pause())
	assert.True(t, ir.IsInvalidTransition(run.Pause()), "pause while paused")
	require.NoError(t, run.Stop())

	st, err := run.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, ir.RunStopped, st.Status)
}

func TestOneActiveRunPerTarget(t *testing.T) {
	f := newFixture(t)
	s := f.engine.Sequencer()
	first, err := s.Start(waitCtx(t), sequence("first", ir.FailureAbort, step(noop("a"), 5)))
	require.NoError(t, err)

	_, err = s.Start(waitCtx(t), sequence("second", ir.FailureAbort, step(noop("b"), 0)))
	assert.True(t, ir.IsInvalidTransition(err))

	active, ok := s.Active("SAT-1")
	require.True(t, ok)
	assert.Equal(t, first.ID(), active.ID())

	f.waitTimers(t, 1)
	f.clock.Advance(5 * time.Second)
	_, err = first.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := s.Active("SAT-1")
		return !ok
	}, 5*time.Second, time.Millisecond)

	second, err := s.Start(waitCtx(t), sequence("second", ir.FailureAbort, step(noop("b"), 0)))
	require.NoError(t, err)
	_, err = second.Wait(waitCtx(t))
	require.NoError(t, err)

	runs := s.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, "first", runs[0].SequenceID)
	assert.Equal(t, "second", runs[1].SequenceID)
	got, ok := s.Get(second.ID())
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestStartRejectsEmptySequence(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Sequencer().Start(waitCtx(t), sequence("empty", ir.FailureAbort))
	assert.True(t, ir.IsValidationError(err))

	_, err = f.engine.Sequencer().Start(waitCtx(t), sequence("weird", "retry", step(noop("a"), 0)))
	assert.True(t, ir.IsValidationError(err))
}

func TestStartSequenceFromCatalog(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cat.Register(noopDef()))
	require.NoError(t, f.cat.RegisterSequence(ir.SequenceSpec{
		ID:     "ping-twice",
		Target: "SAT-1",
		Steps: []ir.StepSpec{
			{Command: noopDef().Key(), Args: map[string]any{"tag": "one"}},
			{Command: noopDef().Key(), Args: map[string]any{"tag": "two"}},
		},
	}))

	run, err := f.engine.StartSequence(waitCtx(t), "ping-twice", "bob")
	require.NoError(t, err)
	st, err := run.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, ir.RunCompleted, st.Status)
	assert.Equal(t, []string{"one", "two"}, f.up.tags())

	_, err = f.engine.StartSequence(waitCtx(t), "missing", "bob")
	assert.True(t, ir.IsNotFound(err))
}
