package catalog

import (
	"fmt"
	"slices"

	"github.com/roach88/telecommand/internal/ir"
)

// Bind coerces raw arguments against def and returns an invocation that owns
// copies of both the definition and the bindings.
//
// Every parameter is checked; the returned VALIDATION_ERROR lists all
// offending parameters, not just the first. Rules:
//   - supplied values are coerced and range/enum checked
//   - a missing parameter with a default takes the default
//   - a missing required parameter without a default is an error
//   - a missing optional parameter without a default stays absent
//   - arguments naming no parameter are errors
func Bind(def ir.CommandDefinition, raw map[string]any, comments string) (ir.Invocation, error) {
	bindings := make(ir.Bindings, len(def.Parameters))
	details := make(map[string]string)

	for _, p := range def.Parameters {
		v, supplied := raw[p.Name]
		switch {
		case supplied:
			coerced, err := ir.CoerceParameter(p, v)
			if err != nil {
				details[p.Name] = err.Error()
				continue
			}
			bindings[p.Name] = coerced
		case p.HasDefault():
			coerced, err := ir.CoerceParameter(p, p.Default)
			if err != nil {
				details[p.Name] = "default: " + err.Error()
				continue
			}
			bindings[p.Name] = coerced
		case p.Required:
			details[p.Name] = "required parameter missing"
		}
	}

	for _, name := range unknownArgs(def, raw) {
		details[name] = "unknown parameter"
	}

	if len(details) > 0 {
		return ir.Invocation{}, ir.NewValidationError(def.Key().String(), "invalid parameter bindings", details)
	}

	return ir.Invocation{
		Definition: def.Clone(),
		Bindings:   bindings,
		Comments:   comments,
	}, nil
}

// ValidateBindings re-checks an invocation's bindings against its own
// definition. Used right before dispatch for invocations built elsewhere.
func ValidateBindings(inv ir.Invocation) error {
	details := make(map[string]string)
	for _, p := range inv.Definition.Parameters {
		v, ok := inv.Bindings[p.Name]
		if !ok {
			if p.Required {
				details[p.Name] = "required parameter missing"
			}
			continue
		}
		if _, err := ir.CoerceParameter(p, v); err != nil {
			details[p.Name] = err.Error()
		}
	}
	for _, name := range unknownArgs(inv.Definition, inv.Bindings) {
		details[name] = "unknown parameter"
	}
	if len(details) > 0 {
		return ir.NewValidationError(inv.Key().String(), "invalid parameter bindings", details)
	}
	return nil
}

func unknownArgs(def ir.CommandDefinition, raw map[string]any) []string {
	var unknown []string
	for name := range raw {
		if _, ok := def.Parameter(name); !ok {
			unknown = append(unknown, name)
		}
	}
	slices.Sort(unknown)
	return unknown
}

// Bind looks up key and binds raw arguments. operator is recorded on the
// invocation.
func (c *Catalog) Bind(key ir.CommandKey, raw map[string]any, comments, operator string) (ir.Invocation, error) {
	def, ok := c.LookupKey(key)
	if !ok {
		return ir.Invocation{}, ir.NewNotFound("command", key.String())
	}
	inv, err := Bind(def, raw, comments)
	if err != nil {
		return ir.Invocation{}, err
	}
	inv.Operator = operator
	return inv, nil
}

// ResolveSequence binds every step of spec against the catalog. All step
// problems are reported together.
func (c *Catalog) ResolveSequence(spec ir.SequenceSpec, operator string) (ir.Sequence, error) {
	seq := ir.Sequence{
		ID:        spec.ID,
		Name:      spec.Name,
		Target:    spec.Target,
		OnFailure: spec.OnFailure,
		Steps:     make([]ir.SequenceStep, 0, len(spec.Steps)),
	}
	details := make(map[string]string)

	for i, st := range spec.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		inv, err := c.Bind(st.Command, st.Args, st.Comments, operator)
		if err != nil {
			details[field] = err.Error()
			continue
		}
		seq.Steps = append(seq.Steps, ir.SequenceStep{Invocation: inv, DelayAfterSeconds: st.DelayAfterSeconds})
	}
	if len(spec.Steps) == 0 {
		details["steps"] = "at least one step is required"
	}

	if len(details) > 0 {
		return ir.Sequence{}, ir.NewValidationError(spec.ID, "cannot resolve sequence", details)
	}
	return seq, nil
}
