package expr

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/telecommand/internal/ir"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	e, err := NewEvaluator(WithClock(clock))
	require.NoError(t, err)
	return e
}

func TestCheck(t *testing.T) {
	e := newTestEvaluator(t)

	valid := []string{
		`tm.battery > 20`,
		`args.mode == "SAFE"`,
		`tm.battery > args.threshold && tm.mode != "OFF"`,
		`has(tm.heater) && tm.heater`,
		`args.targets.size() > 0`,
	}
	for _, expr := range valid {
		assert.NoError(t, e.Check(expr), expr)
	}

	invalid := map[string]string{
		`tm.battery >`:     "compile",
		`outside.x == 1`:   "undeclared reference",
		`1 + 2`:            "want bool",
		`"text"`:           "want bool",
		`tm.battery > 20 )`: "compile",
	}
	for expr, msg := range invalid {
		err := e.Check(expr)
		require.Error(t, err, expr)
		assert.Contains(t, err.Error(), msg, expr)
	}
}

func TestEvalBool(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := context.Background()
	tm := map[string]any{"battery": 42.5, "mode": "NOMINAL", "count": 3}
	args := ir.Bindings{"threshold": int64(40), "mode": "SAFE"}

	ok, err := e.EvalBool(ctx, `tm.battery > args.threshold`, tm, args)
	require.NoError(t, err)
	assert.True(t, ok, "cross-type numeric comparison")

	ok, err = e.EvalBool(ctx, `tm.count == 3 && tm.mode != args.mode`, tm, args)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvalBool(ctx, `tm.battery < 10.0`, tm, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalBoolErrors(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := context.Background()

	_, err := e.EvalBool(ctx, `tm.missing > 1`, map[string]any{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such key")

	_, err = e.EvalBool(ctx, `tm.mode`, map[string]any{"mode": "SAFE"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not bool")

	_, err = e.EvalBool(ctx, `tm.mode > 3`, map[string]any{"mode": "SAFE"}, nil)
	require.Error(t, err)
}

func TestEvaluateNoShortCircuit(t *testing.T) {
	e := newTestEvaluator(t)
	constraints := []ir.Constraint{
		{ID: "low-power", Phase: ir.PhasePre, Expression: `tm.battery > 50`, ErrorMessage: "battery too low"},
		{ID: "mode", Phase: ir.PhasePre, Expression: `tm.mode == "NOMINAL"`},
		{ID: "missing", Phase: ir.PhaseBoth, Expression: `tm.nope == 1`},
		{ID: "after", Phase: ir.PhasePost, Expression: `false`},
		{ID: "default-msg", Phase: ir.PhasePre, Expression: `args.n < 0`},
	}

	results := e.Evaluate(context.Background(), constraints, ir.PhasePre,
		map[string]any{"battery": 20, "mode": "NOMINAL"}, ir.Bindings{"n": int64(1)})

	require.Len(t, results, 4, "post-only constraint skipped, all others evaluated")
	assert.Equal(t, "low-power", results[0].ConstraintID)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "battery too low", results[0].Message)

	assert.Equal(t, "mode", results[1].ConstraintID)
	assert.True(t, results[1].Passed)
	assert.Empty(t, results[1].Message)

	assert.Equal(t, "missing", results[2].ConstraintID)
	assert.False(t, results[2].Passed)
	assert.True(t, strings.HasPrefix(results[2].Message, "evaluation error:"), results[2].Message)

	assert.Contains(t, results[3].Message, "constraint default-msg not satisfied")

	for _, r := range results {
		assert.Equal(t, ir.PhasePre, r.Phase)
		assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), r.Timestamp)
	}
	assert.False(t, ir.AllPassed(results))
}

func TestEvaluateEmpty(t *testing.T) {
	e := newTestEvaluator(t)
	results := e.Evaluate(context.Background(), nil, ir.PhasePost, nil, nil)
	assert.Empty(t, results)
	assert.True(t, ir.AllPassed(results))
}

func TestEvaluateBindingTypes(t *testing.T) {
	e := newTestEvaluator(t)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	args := ir.Bindings{
		"at":      at,
		"payload": []byte{1, 2, 3},
		"list":    []any{int64(1), int64(2)},
		"agg":     map[string]any{"gain": 1.5},
	}
	ctx := context.Background()

	for _, expr := range []string{
		`args.at > timestamp("2026-01-01T00:00:00Z")`,
		`size(args.payload) == 3`,
		`args.list[1] == 2`,
		`args.agg.gain > 1`,
	} {
		ok, err := e.EvalBool(ctx, expr, nil, args)
		require.NoError(t, err, expr)
		assert.True(t, ok, expr)
	}
}

func TestProgramCacheConcurrent(t *testing.T) {
	e := newTestEvaluator(t)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.EvalBool(context.Background(), `tm.x == 1`, map[string]any{"x": 1}, nil)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.programs, 1)
}
