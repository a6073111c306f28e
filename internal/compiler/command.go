package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/telecommand/internal/ir"
)

// CompileCommand parses a CUE value into a CommandDefinition.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the command struct itself; its label is the
// command id:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`command: SET_MODE: { namespace: "/SAT1/ADCS", ... }`)
//	def, err := CompileCommand(v.LookupPath(cue.ParsePath("command.SET_MODE")))
func CompileCommand(v cue.Value) (*ir.CommandDefinition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &ir.CommandDefinition{ID: labelOf(v)}

	namespace, err := requiredString(v, "namespace")
	if err != nil {
		return nil, err
	}
	def.Namespace = namespace

	if def.Name, err = optionalString(v, "name"); err != nil {
		return nil, err
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	if def.Version, err = optionalString(v, "version"); err != nil {
		return nil, err
	}
	if def.Description, err = optionalString(v, "description"); err != nil {
		return nil, err
	}

	def.Significance, err = parseSignificance(v)
	if err != nil {
		return nil, err
	}
	def.Parameters, err = parseParameters(v)
	if err != nil {
		return nil, err
	}
	def.Constraints, err = parseConstraints(v)
	if err != nil {
		return nil, err
	}
	def.Verifiers, err = parseVerifiers(v)
	if err != nil {
		return nil, err
	}

	return def, nil
}

// parseSignificance accepts a bare level string or {level, reason}.
// A missing significance is normal.
func parseSignificance(v cue.Value) (ir.Significance, error) {
	sig := ir.Significance{Level: ir.SignificanceNormal}
	sv := v.LookupPath(cue.ParsePath("significance"))
	if !sv.Exists() {
		return sig, nil
	}

	if level, err := sv.String(); err == nil {
		sig.Level = ir.SignificanceLevel(level)
		return sig, nil
	}

	level, err := requiredString(sv, "level")
	if err != nil {
		return sig, err
	}
	sig.Level = ir.SignificanceLevel(level)
	if sig.Reason, err = optionalString(sv, "reason"); err != nil {
		return sig, err
	}
	return sig, nil
}

// parseParameters reads the parameters struct. Field order is declaration
// order, which is also the binding order shown to operators.
func parseParameters(v cue.Value) ([]ir.ParameterSpec, error) {
	var params []ir.ParameterSpec

	paramsVal := v.LookupPath(cue.ParsePath("parameters"))
	if !paramsVal.Exists() {
		return params, nil
	}

	iter, err := paramsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		name := iter.Selector().Unquoted()
		pv := iter.Value()

		typ, err := requiredString(pv, "type")
		if err != nil {
			return nil, err
		}
		p := ir.ParameterSpec{Name: name, Type: ir.ParameterType(typ)}

		if p.Required, err = optionalBool(pv, "required"); err != nil {
			return nil, err
		}
		if p.Units, err = optionalString(pv, "units"); err != nil {
			return nil, err
		}
		if p.Description, err = optionalString(pv, "description"); err != nil {
			return nil, err
		}
		if p.Min, err = optionalFloat(pv, "min"); err != nil {
			return nil, err
		}
		if p.Max, err = optionalFloat(pv, "max"); err != nil {
			return nil, err
		}

		if dv := pv.LookupPath(cue.ParsePath("default")); dv.Exists() {
			p.Default, err = decodeValue(dv)
			if err != nil {
				return nil, err
			}
		}

		if ev := pv.LookupPath(cue.ParsePath("enum_values")); ev.Exists() {
			p.EnumValues, err = stringList(ev)
			if err != nil {
				return nil, err
			}
		}

		params = append(params, p)
	}

	return params, nil
}

func parseConstraints(v cue.Value) ([]ir.Constraint, error) {
	var constraints []ir.Constraint

	cv := v.LookupPath(cue.ParsePath("constraints"))
	if !cv.Exists() {
		return constraints, nil
	}

	iter, err := cv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		item := iter.Value()
		c := ir.Constraint{Phase: ir.PhasePre}

		if c.ID, err = requiredString(item, "id"); err != nil {
			return nil, err
		}
		if c.Expression, err = requiredString(item, "expression"); err != nil {
			return nil, err
		}
		phase, err := optionalString(item, "phase")
		if err != nil {
			return nil, err
		}
		if phase != "" {
			c.Phase = ir.Phase(phase)
		}
		if c.ErrorMessage, err = optionalString(item, "error_message"); err != nil {
			return nil, err
		}

		constraints = append(constraints, c)
	}

	return constraints, nil
}

func parseVerifiers(v cue.Value) ([]ir.Verifier, error) {
	var verifiers []ir.Verifier

	vv := v.LookupPath(cue.ParsePath("verifiers"))
	if !vv.Exists() {
		return verifiers, nil
	}

	iter, err := vv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		item := iter.Value()
		var ver ir.Verifier

		if ver.ID, err = requiredString(item, "id"); err != nil {
			return nil, err
		}
		kind, err := requiredString(item, "kind")
		if err != nil {
			return nil, err
		}
		ver.Kind = ir.VerifierKind(kind)
		if ver.Condition, err = optionalString(item, "condition"); err != nil {
			return nil, err
		}
		if ver.FailCondition, err = optionalString(item, "fail_condition"); err != nil {
			return nil, err
		}

		tv := item.LookupPath(cue.ParsePath("timeout_seconds"))
		if !tv.Exists() {
			return nil, &CompileError{
				Field:   fmt.Sprintf("verifiers.%s.timeout_seconds", ver.ID),
				Message: "timeout_seconds is required",
				Pos:     item.Pos(),
			}
		}
		if ver.TimeoutSeconds, err = tv.Float64(); err != nil {
			return nil, formatCUEError(err)
		}

		verifiers = append(verifiers, ver)
	}

	return verifiers, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
