package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/uplink"
)

func invocation(ns, id string, args ir.Bindings) ir.Invocation {
	return ir.Invocation{Definition: ir.CommandDefinition{ID: id, Namespace: ns}, Bindings: args}
}

func loadTestWorld(t *testing.T) (*Simulator, *clockwork.FakeClock) {
	t.Helper()
	w, err := Load("testdata/leo.yaml")
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	return New(w, WithClock(clock)), clock
}

func TestLoadWorld(t *testing.T) {
	w, err := Load("testdata/leo.yaml")
	require.NoError(t, err)

	assert.Equal(t, "leo-demo", w.Name)
	assert.Equal(t, 7.8, w.Telemetry["battery_v"])
	assert.Equal(t, "NOMINAL", w.Telemetry["mode"])
	require.Len(t, w.Effects, 2)
	assert.Equal(t, 1.5, w.Effects[0].DelaySeconds)
	assert.Equal(t, []string{"/SAT/PAYLOAD/FIRE"}, w.Link.Reject)
}

func TestParseRejectsBadWorlds(t *testing.T) {
	tests := map[string]string{
		"unknown field":   "name: x\ntelemetri: {}\n",
		"bad fault":       "link: {fault: JAMMED}\n",
		"bad reject key":  "link: {reject: [nokey]}\n",
		"negative delay":  "effects: [{command: /S/A, delay_seconds: -1, set: {a: 1}}]\n",
		"empty effect":    "effects: [{command: /S/A}]\n",
		"empty arg name":  "effects: [{command: /S/A, set_from_args: {mode: \"\"}}]\n",
		"bad effect key":  "effects: [{command: A, set: {a: 1}}]\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseNormalizesIntegers(t *testing.T) {
	w, err := Parse([]byte("telemetry: {count: 3}\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), w.Telemetry["count"])
}

func TestDelayedEffectPublishesArgs(t *testing.T) {
	s, clock := loadTestWorld(t)

	ack, err := s.Transmit(context.Background(), invocation("/SAT/ADCS", "SET_MODE", ir.Bindings{"mode": "SAFE"}))
	require.NoError(t, err)
	assert.Equal(t, "sim-1", ack.ID)
	assert.Equal(t, 1, s.Pending())

	clock.Advance(time.Second)
	v, _ := s.Hub().Current().Get("mode")
	assert.Equal(t, "NOMINAL", v)

	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool {
		v, _ := s.Hub().Current().Get("mode")
		return v == "SAFE"
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, s.Pending())
}

func TestImmediateEffect(t *testing.T) {
	s, _ := loadTestWorld(t)

	_, err := s.Transmit(context.Background(), invocation("/SAT/EPS", "HEATER", ir.Bindings{"setpoint": 21.5}))
	require.NoError(t, err)

	snap := s.Hub().Current()
	on, _ := snap.Get("heater_on")
	sp, _ := snap.Get("heater_setpoint")
	assert.Equal(t, true, on)
	assert.Equal(t, 21.5, sp)
	assert.Equal(t, 0, s.Pending())
}

func TestFaultInjection(t *testing.T) {
	s, _ := loadTestWorld(t)
	ctx := context.Background()

	_, err := s.Transmit(ctx, invocation("/SAT/PAYLOAD", "FIRE", nil))
	assert.True(t, errors.Is(err, uplink.ErrRejected))

	require.NoError(t, s.SetFault(FaultNoLink))
	_, err = s.Transmit(ctx, invocation("/SAT/EPS", "HEATER", nil))
	assert.True(t, errors.Is(err, uplink.ErrNoLink))

	require.NoError(t, s.SetFault(FaultBusy))
	_, err = s.Transmit(ctx, invocation("/SAT/EPS", "HEATER", nil))
	assert.True(t, errors.Is(err, uplink.ErrBusy))

	assert.Error(t, s.SetFault("JAMMED"))
	require.NoError(t, s.SetFault(FaultNone))
	_, err = s.Transmit(ctx, invocation("/SAT/EPS", "HEATER", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Received())
}

func TestCancelledContextIsNoLink(t *testing.T) {
	s, _ := loadTestWorld(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Transmit(ctx, invocation("/SAT/EPS", "HEATER", nil))
	assert.True(t, errors.Is(err, uplink.ErrNoLink))
	assert.Equal(t, 0, s.Received())
}

func TestStopCancelsPendingEffects(t *testing.T) {
	s, clock := loadTestWorld(t)
	_, err := s.Transmit(context.Background(), invocation("/SAT/ADCS", "SET_MODE", ir.Bindings{"mode": "SAFE"}))
	require.NoError(t, err)

	s.Stop()
	clock.Advance(time.Minute)
	assert.Equal(t, 0, s.Pending())
	v, _ := s.Hub().Current().Get("mode")
	assert.Equal(t, "NOMINAL", v)
}

func TestTelemetryLinkToggle(t *testing.T) {
	s, _ := loadTestWorld(t)
	s.SetTelemetryLink(false)
	assert.False(t, s.Hub().Connected())
	s.SetTelemetryLink(true)
	assert.True(t, s.Hub().Connected())
}

var _ uplink.Uplink = (*Simulator)(nil)
