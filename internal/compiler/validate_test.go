package compiler

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/telecommand/internal/ir"
)

type stubChecker struct{}

func (stubChecker) Check(expression string) error {
	if strings.Contains(expression, "@") {
		return errors.New("syntax error")
	}
	return nil
}

func validDefinition() ir.CommandDefinition {
	lo, hi := 0.0, 10.0
	return ir.CommandDefinition{
		ID:           "SET_RATE",
		Namespace:    "/SAT1/ADCS",
		Version:      "1.0.0",
		Significance: ir.Significance{Level: ir.SignificanceNormal},
		Parameters: []ir.ParameterSpec{
			{Name: "rate", Type: ir.ParamFloat, Min: &lo, Max: &hi, Default: 2.0},
			{Name: "mode", Type: ir.ParamEnum, Required: true, EnumValues: []string{"A", "B"}},
		},
		Constraints: []ir.Constraint{{ID: "power", Phase: ir.PhasePre, Expression: "tm.battery > 20"}},
		Verifiers:   []ir.Verifier{{ID: "rate", Kind: ir.VerifierTelemetry, Condition: "tm.rate == args.rate", TimeoutSeconds: 2}},
	}
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateCommandValid(t *testing.T) {
	def := validDefinition()
	assert.Empty(t, Validate(def, stubChecker{}))
	assert.Empty(t, Validate(&def, nil))
}

func TestValidateCommandErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ir.CommandDefinition)
		code   string
	}{
		{"missing namespace", func(d *ir.CommandDefinition) { d.Namespace = "" }, ErrMissingIdentity},
		{"bad param type", func(d *ir.CommandDefinition) { d.Parameters[0].Type = "matrix" }, ErrInvalidParamType},
		{"enum without values", func(d *ir.CommandDefinition) { d.Parameters[1].EnumValues = nil }, ErrEnumWithoutValues},
		{"min greater than max", func(d *ir.CommandDefinition) { lo := 11.0; d.Parameters[0].Min = &lo }, ErrInvalidRange},
		{"bounds on string", func(d *ir.CommandDefinition) { d.Parameters[1].Min = new(float64) }, ErrInvalidRange},
		{"default out of range", func(d *ir.CommandDefinition) { d.Parameters[0].Default = 50.0 }, ErrInvalidDefault},
		{"default wrong type", func(d *ir.CommandDefinition) { d.Parameters[0].Default = "fast" }, ErrInvalidDefault},
		{"duplicate parameter", func(d *ir.CommandDefinition) { d.Parameters[1].Name = "rate" }, ErrDuplicateName},
		{"bad phase", func(d *ir.CommandDefinition) { d.Constraints[0].Phase = "during" }, ErrInvalidPhase},
		{"empty expression", func(d *ir.CommandDefinition) { d.Constraints[0].Expression = " " }, ErrInvalidExpression},
		{"expression does not compile", func(d *ir.CommandDefinition) { d.Constraints[0].Expression = "tm.@" }, ErrInvalidExpression},
		{"bad verifier kind", func(d *ir.CommandDefinition) { d.Verifiers[0].Kind = "radar" }, ErrInvalidVerifierKind},
		{"missing condition", func(d *ir.CommandDefinition) { d.Verifiers[0].Condition = "" }, ErrMissingCondition},
		{"bad fail condition", func(d *ir.CommandDefinition) { d.Verifiers[0].FailCondition = "@" }, ErrInvalidExpression},
		{"zero timeout", func(d *ir.CommandDefinition) { d.Verifiers[0].TimeoutSeconds = 0 }, ErrInvalidTimeout},
		{"negative timeout", func(d *ir.CommandDefinition) { d.Verifiers[0].TimeoutSeconds = -1 }, ErrInvalidTimeout},
		{"NaN timeout", func(d *ir.CommandDefinition) { d.Verifiers[0].TimeoutSeconds = math.NaN() }, ErrInvalidTimeout},
		{"infinite timeout", func(d *ir.CommandDefinition) { d.Verifiers[0].TimeoutSeconds = math.Inf(1) }, ErrInvalidTimeout},
		{"timeout overflows duration", func(d *ir.CommandDefinition) { d.Verifiers[0].TimeoutSeconds = 1e10 }, ErrInvalidTimeout},
		{"duplicate verifier", func(d *ir.CommandDefinition) {
			d.Verifiers = append(d.Verifiers, d.Verifiers[0])
		}, ErrDuplicateName},
		{"bad significance", func(d *ir.CommandDefinition) { d.Significance.Level = "scary" }, ErrInvalidSignificance},
		{"bad version", func(d *ir.CommandDefinition) { d.Version = "v1" }, ErrInvalidVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition().Clone()
			tt.mutate(&def)
			errs := Validate(&def, stubChecker{})
			require.NotEmpty(t, errs)
			assert.Contains(t, codes(errs), tt.code)
		})
	}
}

func TestValidateCollectsAll(t *testing.T) {
	def := validDefinition().Clone()
	def.Parameters[1].EnumValues = nil
	def.Verifiers[0].TimeoutSeconds = 0
	def.Constraints[0].Phase = "never"

	errs := Validate(def, nil)
	assert.ElementsMatch(t, []string{ErrEnumWithoutValues, ErrInvalidTimeout, ErrInvalidPhase}, codes(errs))
}

func TestTimeoutVerifierNeedsNoCondition(t *testing.T) {
	def := validDefinition().Clone()
	def.Verifiers = []ir.Verifier{{ID: "wait", Kind: ir.VerifierTimeout, TimeoutSeconds: 1}}
	assert.Empty(t, Validate(def, stubChecker{}))
}

func TestValidateSequence(t *testing.T) {
	spec := ir.SequenceSpec{
		ID:    "s",
		Steps: []ir.StepSpec{{Command: ir.CommandKey{Namespace: "/S", ID: "X"}, DelayAfterSeconds: 1}},
	}
	assert.Empty(t, Validate(spec, nil))

	bad := ir.SequenceSpec{OnFailure: "retry", Steps: []ir.StepSpec{{DelayAfterSeconds: -1}}}
	assert.ElementsMatch(t,
		[]string{ErrMissingSequenceID, ErrInvalidFailurePolicy, ErrInvalidDelay},
		codes(Validate(&bad, nil)))

	for _, delay := range []float64{math.NaN(), math.Inf(1), 1e10} {
		huge := ir.SequenceSpec{ID: "h", Steps: []ir.StepSpec{{Command: ir.CommandKey{Namespace: "/S", ID: "X"}, DelayAfterSeconds: delay}}}
		assert.Equal(t, []string{ErrInvalidDelay}, codes(Validate(huge, nil)), "delay %v", delay)
	}

	empty := ir.SequenceSpec{ID: "e"}
	assert.Equal(t, []string{ErrSequenceNoSteps}, codes(Validate(empty, nil)))
}

func TestValidateUnsupportedType(t *testing.T) {
	errs := Validate(42, nil)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrUnsupportedIRType, errs[0].Code)
}

func TestValidationErrorString(t *testing.T) {
	e := ValidationError{Field: "verifiers[0].timeout_seconds", Message: "must be > 0", Code: ErrInvalidTimeout}
	assert.Equal(t, "[E211] verifiers[0].timeout_seconds: must be > 0", e.Error())
	e.Line = 7
	assert.Equal(t, "[E211] line 7: verifiers[0].timeout_seconds: must be > 0", e.Error())
}
