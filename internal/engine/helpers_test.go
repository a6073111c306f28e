package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/roach88/telecommand/internal/catalog"
	"github.com/roach88/telecommand/internal/expr"
	"github.com/roach88/telecommand/internal/history"
	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/telemetry"
	"github.com/roach88/telecommand/internal/testutil"
	"github.com/roach88/telecommand/internal/uplink"
)

var epoch = testutil.Epoch

// recordingUplink acknowledges every transmission unless err is set.
type recordingUplink struct {
	mu   sync.Mutex
	sent []ir.Invocation
	err  error
}

func (u *recordingUplink) Transmit(_ context.Context, inv ir.Invocation) (uplink.Ack, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return uplink.Ack{}, u.err
	}
	u.sent = append(u.sent, inv.Clone())
	return uplink.Ack{ID: fmt.Sprintf("ack-%d", len(u.sent))}, nil
}

func (u *recordingUplink) fail(err error) {
	u.mu.Lock()
	u.err = err
	u.mu.Unlock()
}

func (u *recordingUplink) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sent)
}

// tags returns the "tag" binding of every transmitted invocation.
func (u *recordingUplink) tags() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.sent))
	for i, inv := range u.sent {
		out[i], _ = inv.Bindings["tag"].(string)
	}
	return out
}

type fixture struct {
	clock  *clockwork.FakeClock
	hub    *telemetry.Hub
	up     *recordingUplink
	ledger *history.Ledger
	cat    *catalog.Catalog
	engine *Engine
}

func newFixture(t *testing.T, opts ...EngineOption) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil, opts...)
}

// newFixtureWithStore mirrors the ledger to store when it is non-nil.
func newFixtureWithStore(t *testing.T, store history.Store, opts ...EngineOption) *fixture {
	t.Helper()
	clock := testutil.NewClock()
	hub := telemetry.NewHub(map[string]any{
		"mode":      "NOMINAL",
		"battery_v": 7.8,
		"fault":     false,
	}, telemetry.WithClock(clock))
	ledgerOpts := []history.Option{history.WithClock(clock)}
	if store != nil {
		ledgerOpts = append(ledgerOpts, history.WithStore(store))
	}
	ledger := history.NewLedger(ledgerOpts...)
	up := &recordingUplink{}

	checker, err := expr.NewEvaluator()
	require.NoError(t, err)
	cat := catalog.New(checker)

	base := []EngineOption{WithClock(clock), WithIDs(NewCounterGenerator("id"))}
	eng, err := New(cat, hub, up, ledger, append(base, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return &fixture{clock: clock, hub: hub, up: up, ledger: ledger, cat: cat, engine: eng}
}

// waitTimers blocks until n fake-clock timers are armed.
func (f *fixture) waitTimers(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, n))
}

// waitSubscribers blocks until n telemetry subscriptions are live.
func (f *fixture) waitSubscribers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.hub.Subscribers() == n }, 5*time.Second, time.Millisecond)
}

// finalizeFailingStore accepts inserts and acks but fails every finalize.
type finalizeFailingStore struct{}

func (finalizeFailingStore) Insert(context.Context, ir.HistoryRecord) error { return nil }
func (finalizeFailingStore) Acknowledge(context.Context, string, string) error {
	return nil
}
func (finalizeFailingStore) Finalize(context.Context, ir.HistoryRecord) error {
	return errors.New("disk I/O error")
}

func setModeDef() ir.CommandDefinition {
	return ir.CommandDefinition{
		ID:        "SET_MODE",
		Name:      "Set ADCS mode",
		Namespace: "/SAT/ADCS",
		Version:   "1.0.0",
		Parameters: []ir.ParameterSpec{
			{Name: "mode", Type: ir.ParamEnum, Required: true, EnumValues: []string{"SAFE", "NOMINAL", "FINE"}},
		},
		Constraints: []ir.Constraint{
			{ID: "battery_ok", Phase: ir.PhasePre, Expression: "tm.battery_v > 7.0", ErrorMessage: "battery below 7.0 V"},
			{ID: "no_fault", Phase: ir.PhasePost, Expression: "tm.fault == false"},
		},
		Verifiers: []ir.Verifier{
			{ID: "mode_reached", Kind: ir.VerifierTelemetry, Condition: "tm.mode == args.mode", FailCondition: "tm.fault == true", TimeoutSeconds: 2},
		},
		Significance: ir.Significance{Level: ir.SignificanceCritical},
	}
}

// noopDef has no verifiers, so executions finish as soon as they are
// acknowledged. Entries tagged "bad" fail their pre-check.
func noopDef() ir.CommandDefinition {
	return ir.CommandDefinition{
		ID:        "NOOP",
		Name:      "No operation",
		Namespace: "/SAT/OBC",
		Version:   "1.0.0",
		Parameters: []ir.ParameterSpec{
			{Name: "tag", Type: ir.ParamString, Required: true},
		},
		Constraints: []ir.Constraint{
			{ID: "tag_ok", Phase: ir.PhasePre, Expression: "args.tag != 'bad'", ErrorMessage: "tag rejected"},
		},
		Significance: ir.Significance{Level: ir.SignificanceNormal},
	}
}

func setMode(mode string) ir.Invocation {
	return ir.Invocation{Definition: setModeDef(), Bindings: ir.Bindings{"mode": mode}, Operator: "alice"}
}

func noop(tag string) ir.Invocation {
	return ir.Invocation{Definition: noopDef(), Bindings: ir.Bindings{"tag": tag}, Operator: "alice"}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
