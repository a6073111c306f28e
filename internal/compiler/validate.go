package compiler

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/roach88/telecommand/internal/ir"
)

// Validation error codes (E200-E299)
const (
	// General validation errors (E200)
	ErrUnsupportedIRType = "E200" // unsupported IR type for validation

	// CommandDefinition errors (E201-E219)
	ErrMissingIdentity     = "E201" // id or namespace empty
	ErrInvalidParamType    = "E202" // unknown parameter type
	ErrEnumWithoutValues   = "E203" // enum parameter has no enum_values
	ErrInvalidRange        = "E204" // min > max, or bounds on a non-numeric type
	ErrInvalidDefault      = "E205" // default violates its own parameter spec
	ErrDuplicateName       = "E206" // duplicate parameter, constraint or verifier id
	ErrInvalidPhase        = "E207" // constraint phase not pre/post/both
	ErrInvalidExpression   = "E208" // expression empty or does not compile
	ErrInvalidVerifierKind = "E209" // verifier kind not telemetry/command/timeout
	ErrMissingCondition    = "E210" // telemetry/command verifier without condition
	ErrInvalidTimeout      = "E211" // timeout_seconds <= 0, non-finite or too large
	ErrInvalidSignificance = "E212" // unknown significance level
	ErrInvalidVersion      = "E213" // version is not semver

	// SequenceSpec errors (E220-E229)
	ErrSequenceNoSteps      = "E220" // sequence without steps
	ErrInvalidDelay         = "E221" // negative, non-finite or too large delay_after_seconds
	ErrInvalidFailurePolicy = "E222" // on_failure not abort/continue
	ErrMissingSequenceID    = "E223" // sequence id empty
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ExpressionChecker compiles a condition without evaluating it.
// *expr.Evaluator satisfies this interface.
type ExpressionChecker interface {
	Check(expression string) error
}

// Validate validates compiled IR against schema rules.
// Returns all errors found (does not fail-fast).
// Supports CommandDefinition and SequenceSpec. A nil checker skips
// expression compilation.
func Validate(v any, checker ExpressionChecker) []ValidationError {
	switch spec := v.(type) {
	case *ir.CommandDefinition:
		return validateCommand(spec, checker)
	case ir.CommandDefinition:
		return validateCommand(&spec, checker)
	case *ir.SequenceSpec:
		return validateSequence(spec)
	case ir.SequenceSpec:
		return validateSequence(&spec)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported IR type: %T", v),
			Code:    ErrUnsupportedIRType,
		}}
	}
}

func validateCommand(def *ir.CommandDefinition, checker ExpressionChecker) []ValidationError {
	var errs []ValidationError

	// E201: identity
	if strings.TrimSpace(def.ID) == "" {
		errs = append(errs, ValidationError{Field: "id", Message: "id is required", Code: ErrMissingIdentity})
	}
	if strings.TrimSpace(def.Namespace) == "" {
		errs = append(errs, ValidationError{Field: "namespace", Message: "namespace is required", Code: ErrMissingIdentity})
	}

	// E213: version must parse as semver when present
	if def.Version != "" {
		if _, err := semver.StrictNewVersion(def.Version); err != nil {
			errs = append(errs, ValidationError{
				Field:   "version",
				Message: fmt.Sprintf("invalid version %q: %v", def.Version, err),
				Code:    ErrInvalidVersion,
			})
		}
	}

	// E212: significance
	if def.Significance.Level.Rank() < 0 {
		errs = append(errs, ValidationError{
			Field:   "significance.level",
			Message: fmt.Sprintf("invalid significance %q, must be normal, warning, distress, critical or severe", def.Significance.Level),
			Code:    ErrInvalidSignificance,
		})
	}

	paramNames := make(map[string]bool)
	for i, p := range def.Parameters {
		field := fmt.Sprintf("parameters[%d]", i)
		errs = append(errs, validateParameter(p, field)...)

		// E206: duplicate parameter name
		if paramNames[p.Name] {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate parameter name: %q", p.Name),
				Code:    ErrDuplicateName,
			})
		}
		paramNames[p.Name] = true
	}

	constraintIDs := make(map[string]bool)
	for i, c := range def.Constraints {
		field := fmt.Sprintf("constraints[%d]", i)

		if constraintIDs[c.ID] {
			errs = append(errs, ValidationError{
				Field:   field + ".id",
				Message: fmt.Sprintf("duplicate constraint id: %q", c.ID),
				Code:    ErrDuplicateName,
			})
		}
		constraintIDs[c.ID] = true

		// E207: phase
		switch c.Phase {
		case ir.PhasePre, ir.PhasePost, ir.PhaseBoth:
		default:
			errs = append(errs, ValidationError{
				Field:   field + ".phase",
				Message: fmt.Sprintf("invalid phase %q, must be \"pre\", \"post\", or \"both\"", c.Phase),
				Code:    ErrInvalidPhase,
			})
		}

		errs = append(errs, validateExpression(c.Expression, field+".expression", checker)...)
	}

	verifierIDs := make(map[string]bool)
	for i, v := range def.Verifiers {
		field := fmt.Sprintf("verifiers[%d]", i)

		if verifierIDs[v.ID] {
			errs = append(errs, ValidationError{
				Field:   field + ".id",
				Message: fmt.Sprintf("duplicate verifier id: %q", v.ID),
				Code:    ErrDuplicateName,
			})
		}
		verifierIDs[v.ID] = true

		// E209: kind
		switch v.Kind {
		case ir.VerifierTelemetry, ir.VerifierCommand, ir.VerifierTimeout:
		default:
			errs = append(errs, ValidationError{
				Field:   field + ".kind",
				Message: fmt.Sprintf("invalid verifier kind %q, must be \"telemetry\", \"command\", or \"timeout\"", v.Kind),
				Code:    ErrInvalidVerifierKind,
			})
		}

		// E210: condition required for watching kinds
		if v.Kind.NeedsCondition() {
			if strings.TrimSpace(v.Condition) == "" {
				errs = append(errs, ValidationError{
					Field:   field + ".condition",
					Message: fmt.Sprintf("%s verifier %q requires a condition", v.Kind, v.ID),
					Code:    ErrMissingCondition,
				})
			} else {
				errs = append(errs, validateExpression(v.Condition, field+".condition", checker)...)
			}
		}
		if v.FailCondition != "" {
			errs = append(errs, validateExpression(v.FailCondition, field+".fail_condition", checker)...)
		}

		// E211: timeout must be positive and fit in a duration
		if !(v.TimeoutSeconds > 0) || v.TimeoutSeconds >= ir.MaxDurationSeconds {
			errs = append(errs, ValidationError{
				Field:   field + ".timeout_seconds",
				Message: fmt.Sprintf("timeout_seconds must be > 0 and < %.0f, got %v", ir.MaxDurationSeconds, v.TimeoutSeconds),
				Code:    ErrInvalidTimeout,
			})
		}
	}

	return errs
}

func validateParameter(p ir.ParameterSpec, field string) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, ValidationError{Field: field + ".name", Message: "parameter name is required", Code: ErrMissingIdentity})
	}

	// E202: type
	if !ir.ValidParameterTypes[p.Type] {
		errs = append(errs, ValidationError{
			Field:   field + ".type",
			Message: fmt.Sprintf("invalid type %q for parameter %q", p.Type, p.Name),
			Code:    ErrInvalidParamType,
		})
		return errs
	}

	// E203: enum needs values
	if p.Type == ir.ParamEnum && len(p.EnumValues) == 0 {
		errs = append(errs, ValidationError{
			Field:   field + ".enum_values",
			Message: fmt.Sprintf("enum parameter %q requires enum_values", p.Name),
			Code:    ErrEnumWithoutValues,
		})
	}

	// E204: bounds
	if (p.Min != nil || p.Max != nil) && !p.Type.IsNumeric() {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("min/max only apply to numeric parameters, %q is %s", p.Name, p.Type),
			Code:    ErrInvalidRange,
		})
	}
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("min %v greater than max %v for %q", *p.Min, *p.Max, p.Name),
			Code:    ErrInvalidRange,
		})
	}

	// E205: default must satisfy its own parameter
	if p.HasDefault() && len(errs) == 0 {
		if _, err := ir.CoerceParameter(p, p.Default); err != nil {
			errs = append(errs, ValidationError{
				Field:   field + ".default",
				Message: fmt.Sprintf("default for %q: %v", p.Name, err),
				Code:    ErrInvalidDefault,
			})
		}
	}

	return errs
}

func validateExpression(expression, field string, checker ExpressionChecker) []ValidationError {
	if strings.TrimSpace(expression) == "" {
		return []ValidationError{{Field: field, Message: "expression is required", Code: ErrInvalidExpression}}
	}
	if checker == nil {
		return nil
	}
	if err := checker.Check(expression); err != nil {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("%q: %v", expression, err),
			Code:    ErrInvalidExpression,
		}}
	}
	return nil
}

func validateSequence(spec *ir.SequenceSpec) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(spec.ID) == "" {
		errs = append(errs, ValidationError{Field: "id", Message: "sequence id is required", Code: ErrMissingSequenceID})
	}

	switch spec.OnFailure {
	case "", ir.FailureAbort, ir.FailureContinue:
	default:
		errs = append(errs, ValidationError{
			Field:   "on_failure",
			Message: fmt.Sprintf("invalid on_failure %q, must be \"abort\" or \"continue\"", spec.OnFailure),
			Code:    ErrInvalidFailurePolicy,
		})
	}

	if len(spec.Steps) == 0 {
		errs = append(errs, ValidationError{Field: "steps", Message: "at least one step is required", Code: ErrSequenceNoSteps})
	}

	for i, st := range spec.Steps {
		if !(st.DelayAfterSeconds >= 0) || st.DelayAfterSeconds >= ir.MaxDurationSeconds {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("steps[%d].delay_after_seconds", i),
				Message: fmt.Sprintf("delay must be >= 0 and < %.0f, got %v", ir.MaxDurationSeconds, st.DelayAfterSeconds),
				Code:    ErrInvalidDelay,
			})
		}
	}

	return errs
}
