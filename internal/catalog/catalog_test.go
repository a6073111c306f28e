package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/telecommand/internal/expr"
	"github.com/roach88/telecommand/internal/ir"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	ev, err := expr.NewEvaluator()
	require.NoError(t, err)
	return New(ev)
}

func f64(v float64) *float64 { return &v }

func setMode() ir.CommandDefinition {
	return ir.CommandDefinition{
		ID:        "SET_MODE",
		Name:      "Set mode",
		Namespace: "/SAT1/ADCS",
		Version:   "1.0.0",
		Parameters: []ir.ParameterSpec{
			{Name: "mode", Type: ir.ParamEnum, Required: true, EnumValues: []string{"SAFE", "NOMINAL"}},
			{Name: "rate", Type: ir.ParamFloat, Min: f64(0), Max: f64(5), Default: 1.0},
			{Name: "note", Type: ir.ParamString},
		},
		Constraints:  []ir.Constraint{{ID: "power", Phase: ir.PhasePre, Expression: "tm.battery > 20"}},
		Verifiers:    []ir.Verifier{{ID: "mode", Kind: ir.VerifierTelemetry, Condition: "tm.mode == args.mode", TimeoutSeconds: 3}},
		Significance: ir.Significance{Level: ir.SignificanceWarning},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	c := newCatalog(t)
	require.NoError(t, c.Register(setMode()))

	def, ok := c.Lookup("/SAT1/ADCS", "SET_MODE")
	require.True(t, ok)
	assert.Equal(t, setMode(), def)

	_, ok = c.Lookup("/SAT1/ADCS", "NOPE")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestRegisterDuplicate(t *testing.T) {
	c := newCatalog(t)
	require.NoError(t, c.Register(setMode()))

	err := c.Register(setMode())
	require.Error(t, err)
	assert.True(t, ir.HasCode(err, ir.CodeDuplicateID))
	assert.Equal(t, 1, c.Len())
}

func TestRegisterMalformed(t *testing.T) {
	c := newCatalog(t)
	def := setMode()
	def.Parameters[0].EnumValues = nil
	def.Verifiers[0].TimeoutSeconds = 0
	def.Constraints[0].Expression = "tm.battery >"

	err := c.Register(def)
	require.Error(t, err)
	require.True(t, ir.IsValidationError(err))

	var e *ir.Error
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Details, "parameters[0].enum_values")
	assert.Contains(t, e.Details, "verifiers[0].timeout_seconds")
	assert.Contains(t, e.Details, "constraints[0].expression")
	assert.Equal(t, 0, c.Len(), "nothing registered")
}

func TestCatalogReturnsCopies(t *testing.T) {
	c := newCatalog(t)
	def := setMode()
	require.NoError(t, c.Register(def))

	// Mutating the caller's value after registration has no effect.
	def.Parameters[0].EnumValues[0] = "BROKEN"

	got, _ := c.Lookup("/SAT1/ADCS", "SET_MODE")
	assert.Equal(t, "SAFE", got.Parameters[0].EnumValues[0])

	// Mutating a looked-up copy has no effect either.
	got.Verifiers[0].Condition = "false"
	again, _ := c.Lookup("/SAT1/ADCS", "SET_MODE")
	assert.Equal(t, "tm.mode == args.mode", again.Verifiers[0].Condition)
}

func TestList(t *testing.T) {
	c := newCatalog(t)
	require.NoError(t, c.Register(setMode()))
	require.NoError(t, c.Register(ir.CommandDefinition{ID: "HEATER_ON", Name: "Heater on", Namespace: "/SAT1/EPS", Significance: ir.Significance{Level: ir.SignificanceNormal}}))
	require.NoError(t, c.Register(ir.CommandDefinition{ID: "REBOOT", Name: "Reboot", Namespace: "/SAT2", Significance: ir.Significance{Level: ir.SignificanceCritical}}))

	all := c.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "/SAT1/ADCS", all[0].Namespace)
	assert.Equal(t, "/SAT1/EPS", all[1].Namespace)
	assert.Equal(t, "/SAT2", all[2].Namespace)

	assert.Len(t, c.List(Filter{Namespace: "/SAT1/"}), 2)
	assert.Len(t, c.List(Filter{Namespace: "/SAT1"}), 0)
	assert.Len(t, c.List(Filter{Namespace: "/SAT2"}), 1)
	assert.Len(t, c.List(Filter{NameContains: "heat"}), 1)
	assert.Len(t, c.List(Filter{NameContains: "set_"}), 1, "matches id")

	risky := c.List(Filter{MinSignificance: ir.SignificanceWarning})
	require.Len(t, risky, 2)
	assert.Equal(t, "SET_MODE", risky[0].ID)
	assert.Equal(t, "REBOOT", risky[1].ID)
}

func TestLookupLatest(t *testing.T) {
	c := newCatalog(t)
	v1 := setMode()
	v2 := setMode()
	v2.ID, v2.Version = "SET_MODE_V2", "2.0.0"
	v10 := setMode()
	v10.ID, v10.Version = "SET_MODE_V10", "10.0.0"
	for _, d := range []ir.CommandDefinition{v1, v10, v2} {
		require.NoError(t, c.Register(d))
	}

	latest, ok := c.LookupLatest("/SAT1/ADCS", "Set mode")
	require.True(t, ok)
	assert.Equal(t, "SET_MODE_V10", latest.ID, "semver order, not string order")

	_, ok = c.LookupLatest("/SAT1/ADCS", "Other")
	assert.False(t, ok)
}

func TestRegisterSequence(t *testing.T) {
	c := newCatalog(t)
	spec := ir.SequenceSpec{
		ID:    "warmup",
		Steps: []ir.StepSpec{{Command: ir.CommandKey{Namespace: "/SAT1/ADCS", ID: "SET_MODE"}, Args: map[string]any{"mode": "SAFE"}}},
	}
	require.NoError(t, c.RegisterSequence(spec))

	err := c.RegisterSequence(spec)
	assert.True(t, ir.HasCode(err, ir.CodeDuplicateID))

	err = c.RegisterSequence(ir.SequenceSpec{ID: "empty"})
	assert.True(t, ir.IsValidationError(err))

	got, ok := c.SequenceSpec("warmup")
	require.True(t, ok)
	got.Steps[0].Args["mode"] = "NOMINAL"
	again, _ := c.SequenceSpec("warmup")
	assert.Equal(t, "SAFE", again.Steps[0].Args["mode"])
	assert.Equal(t, []string{"warmup"}, c.SequenceIDs())
}
