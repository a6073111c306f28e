package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGolden_SafeModeEntry(t *testing.T) {
	result, err := RunWithGolden(t, loadTestScenario(t, "safe_mode_entry"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestGolden_QueuedPass(t *testing.T) {
	result, err := RunWithGolden(t, loadTestScenario(t, "queued_pass"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestMarshalTrace(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Command: "/SAT/OBC/NOOP", Args: map[string]any{"tag": "a<b"}, Status: "success", Origin: "direct"},
		{Seq: 2, Command: "/SAT/OBC/PING", Args: map[string]any{}, Status: "timeout", Origin: "sequence", Step: 0, Message: "no pong"},
	}

	data, err := MarshalTrace("demo", trace)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"demo","trace":[`+
			`{"args":{"tag":"a<b"},"command":"/SAT/OBC/NOOP","origin":"direct","seq":1,"status":"success"},`+
			`{"args":{},"command":"/SAT/OBC/PING","message":"no pong","origin":"sequence","seq":2,"status":"timeout","step":0}]}`,
		string(data))
}

func TestMarshalTrace_Deterministic(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Command: "/SAT/EPS/HEATER", Args: map[string]any{"setpoint": 5.0, "zone": "a", "b": true}, Status: "success", Origin: "queue"},
	}
	first, err := MarshalTrace("det", trace)
	require.NoError(t, err)
	for range 10 {
		again, err := MarshalTrace("det", trace)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
