package compiler

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/telecommand/internal/ir"
)

// CompileSequence parses a CUE value into a SequenceSpec. Step commands are
// catalog keys ("namespace/id") resolved later, when the sequence is bound
// against a catalog.
//
//	sequence: "safe-entry": {
//		target: "SAT1"
//		on_failure: "abort"
//		steps: [
//			{command: "/SAT1/ADCS/SET_MODE", args: {mode: "SAFE"}, delay_after_seconds: 5},
//		]
//	}
func CompileSequence(v cue.Value) (*ir.SequenceSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.SequenceSpec{ID: labelOf(v)}

	var err error
	if spec.Name, err = optionalString(v, "name"); err != nil {
		return nil, err
	}
	if spec.Target, err = optionalString(v, "target"); err != nil {
		return nil, err
	}

	policy, err := optionalString(v, "on_failure")
	if err != nil {
		return nil, err
	}
	spec.OnFailure = ir.FailurePolicy(policy)

	// abort_on_failure: false is accepted as shorthand for on_failure: "continue".
	if av := v.LookupPath(cue.ParsePath("abort_on_failure")); av.Exists() {
		abort, err := av.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if policy != "" && abort != ir.FailurePolicy(policy).Aborts() {
			return nil, &CompileError{
				Field:   "abort_on_failure",
				Message: fmt.Sprintf("conflicts with on_failure %q", policy),
				Pos:     av.Pos(),
			}
		}
		if abort {
			spec.OnFailure = ir.FailureAbort
		} else {
			spec.OnFailure = ir.FailureContinue
		}
	}

	stepsVal := v.LookupPath(cue.ParsePath("steps"))
	if !stepsVal.Exists() {
		return nil, &CompileError{
			Field:   "steps",
			Message: "steps are required",
			Pos:     v.Pos(),
		}
	}

	iter, err := stepsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for i := 0; iter.Next(); i++ {
		step, err := parseStep(iter.Value(), i)
		if err != nil {
			return nil, err
		}
		spec.Steps = append(spec.Steps, step)
	}

	return spec, nil
}

func parseStep(v cue.Value, index int) (ir.StepSpec, error) {
	var step ir.StepSpec

	ref, err := requiredString(v, "command")
	if err != nil {
		return step, err
	}
	key, err := ir.ParseCommandKey(ref)
	if err != nil {
		return step, &CompileError{
			Field:   fmt.Sprintf("steps[%d].command", index),
			Message: err.Error(),
			Pos:     v.Pos(),
		}
	}
	step.Command = key

	if av := v.LookupPath(cue.ParsePath("args")); av.Exists() {
		decoded, err := decodeValue(av)
		if err != nil {
			return step, err
		}
		args, ok := decoded.(map[string]any)
		if !ok {
			return step, &CompileError{
				Field:   fmt.Sprintf("steps[%d].args", index),
				Message: "args must be a struct",
				Pos:     av.Pos(),
			}
		}
		step.Args = args
	}

	if step.Comments, err = optionalString(v, "comments"); err != nil {
		return step, err
	}

	delay, err := optionalFloat(v, "delay_after_seconds")
	if err != nil {
		return step, err
	}
	if delay != nil {
		step.DelayAfterSeconds = *delay
	}

	return step, nil
}
