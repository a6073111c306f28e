package compiler

import (
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/telecommand/internal/ir"
)

const setModeSource = `
command: SET_MODE: {
	name:        "Set ADCS mode"
	namespace:   "/SAT1/ADCS"
	version:     "1.2.0"
	description: "Switch attitude control mode"
	significance: {level: "warning", reason: "affects pointing"}

	parameters: {
		mode: {type: "enum", required: true, enum_values: ["SAFE", "NOMINAL", "SUN"]}
		rate: {type: "float", min: 0, max: 5, default: 1.5, units: "deg/s"}
		tag:  {type: "string", default: "ops"}
	}

	constraints: [
		{id: "power", phase: "pre", expression: "tm.battery > 20", error_message: "battery too low"},
		{id: "settled", phase: "post", expression: "tm.rate < 1"},
	]

	verifiers: [
		{id: "mode-set", kind: "telemetry", condition: "tm.adcs_mode == args.mode", fail_condition: "tm.adcs_fault", timeout_seconds: 5},
		{id: "settle", kind: "timeout", timeout_seconds: 0.5},
	]
}
`

func TestCompileCommandBasic(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(setModeSource)
	require.NoError(t, v.Err())

	def, err := CompileCommand(v.LookupPath(cue.ParsePath("command.SET_MODE")))
	require.NoError(t, err)

	assert.Equal(t, "SET_MODE", def.ID)
	assert.Equal(t, "Set ADCS mode", def.Name)
	assert.Equal(t, "/SAT1/ADCS", def.Namespace)
	assert.Equal(t, "1.2.0", def.Version)
	assert.Equal(t, ir.Significance{Level: ir.SignificanceWarning, Reason: "affects pointing"}, def.Significance)

	require.Len(t, def.Parameters, 3)
	assert.Equal(t, "mode", def.Parameters[0].Name, "declaration order preserved")
	assert.Equal(t, ir.ParamEnum, def.Parameters[0].Type)
	assert.True(t, def.Parameters[0].Required)
	assert.Equal(t, []string{"SAFE", "NOMINAL", "SUN"}, def.Parameters[0].EnumValues)

	rate := def.Parameters[1]
	require.NotNil(t, rate.Min)
	require.NotNil(t, rate.Max)
	assert.Equal(t, 0.0, *rate.Min)
	assert.Equal(t, 5.0, *rate.Max)
	assert.Equal(t, 1.5, rate.Default)
	assert.Equal(t, "deg/s", rate.Units)
	assert.Equal(t, "ops", def.Parameters[2].Default)

	require.Len(t, def.Constraints, 2)
	assert.Equal(t, ir.Constraint{ID: "power", Phase: ir.PhasePre, Expression: "tm.battery > 20", ErrorMessage: "battery too low"}, def.Constraints[0])
	assert.Equal(t, ir.PhasePost, def.Constraints[1].Phase)

	require.Len(t, def.Verifiers, 2)
	assert.Equal(t, "tm.adcs_fault", def.Verifiers[0].FailCondition)
	assert.Equal(t, 5.0, def.Verifiers[0].TimeoutSeconds)
	assert.Equal(t, ir.VerifierTimeout, def.Verifiers[1].Kind)
	assert.Equal(t, 0.5, def.Verifiers[1].TimeoutSeconds)
}

func TestCompileCommandDefaults(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		command: PING: {
			namespace: "/SAT1"
			constraints: [{id: "c", expression: "true"}]
		}
	`)
	require.NoError(t, v.Err())

	def, err := CompileCommand(v.LookupPath(cue.ParsePath("command.PING")))
	require.NoError(t, err)

	assert.Equal(t, "PING", def.Name, "name defaults to id")
	assert.Equal(t, ir.SignificanceNormal, def.Significance.Level)
	assert.Equal(t, ir.PhasePre, def.Constraints[0].Phase, "phase defaults to pre")
	assert.Empty(t, def.Parameters)
	assert.Empty(t, def.Verifiers)
}

func TestCompileCommandSignificanceShorthand(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`command: RESET: {namespace: "/SAT1", significance: "critical"}`)
	require.NoError(t, v.Err())

	def, err := CompileCommand(v.LookupPath(cue.ParsePath("command.RESET")))
	require.NoError(t, err)
	assert.Equal(t, ir.SignificanceCritical, def.Significance.Level)
}

func TestCompileCommandMissingNamespace(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`command: BAD: {name: "bad"}`)
	require.NoError(t, v.Err())

	_, err := CompileCommand(v.LookupPath(cue.ParsePath("command.BAD")))
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "namespace", compileErr.Field)
}

func TestCompileCommandMissingTimeout(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		command: BAD: {
			namespace: "/SAT1"
			verifiers: [{id: "v", kind: "telemetry", condition: "true"}]
		}
	`)
	require.NoError(t, v.Err())

	_, err := CompileCommand(v.LookupPath(cue.ParsePath("command.BAD")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout_seconds is required")
}

func TestCompileCommandAggregateDefault(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		command: UPLOAD: {
			namespace: "/SAT1/FS"
			parameters: {
				meta: {type: "aggregate", default: {name: "x", sizes: [1, 2.5], ok: true}}
			}
		}
	`)
	require.NoError(t, v.Err())

	def, err := CompileCommand(v.LookupPath(cue.ParsePath("command.UPLOAD")))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":  "x",
		"sizes": []any{int64(1), 2.5},
		"ok":    true,
	}, def.Parameters[0].Default)
}

func TestCompileError(t *testing.T) {
	err := &CompileError{Field: "namespace", Message: "namespace is required"}
	assert.Equal(t, "namespace: namespace is required", err.Error())
}
