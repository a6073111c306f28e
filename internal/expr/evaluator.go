// Package expr evaluates constraint and verifier conditions.
//
// Expressions are CEL programs over two variables:
//   - tm: the telemetry snapshot (field name to value)
//   - args: the invoking command's bound parameters
//
// Any other identifier fails to compile, so a definition can never reference
// state outside the snapshot and its own bindings. CEL has no side effects
// and programs run under a cost limit, so one expensive condition cannot
// stall other watches.
package expr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/jonboulle/clockwork"

	"github.com/roach88/telecommand/internal/ir"
)

const (
	// costLimit bounds the work of a single evaluation.
	costLimit = 10000

	// interruptCheckFrequency is how many comprehension iterations run
	// between context cancellation checks.
	interruptCheckFrequency = 100
)

// Evaluator compiles and caches CEL programs. Safe for concurrent use.
type Evaluator struct {
	env   *cel.Env
	clock clockwork.Clock

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock sets the clock used to timestamp constraint results.
func WithClock(c clockwork.Clock) Option {
	return func(e *Evaluator) {
		e.clock = c
	}
}

// NewEvaluator creates an evaluator with the tm/args environment.
func NewEvaluator(opts ...Option) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tm", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &Evaluator{
		env:      env,
		clock:    clockwork.NewRealClock(),
		programs: make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Check compiles an expression and verifies it can yield a boolean.
// Used at registration time so malformed conditions never reach dispatch.
func (e *Evaluator) Check(expression string) error {
	_, err := e.program(expression)
	return err
}

// EvalBool evaluates a boolean expression against telemetry values and
// bindings.
func (e *Evaluator) EvalBool(ctx context.Context, expression string, tm map[string]any, args ir.Bindings) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	if tm == nil {
		tm = map[string]any{}
	}
	vars := map[string]any{
		"tm":   tm,
		"args": map[string]any(args),
	}
	if args == nil {
		vars["args"] = map[string]any{}
	}

	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval: result is %s, not bool", out.Type().TypeName())
	}
	return val, nil
}

// Evaluate runs every constraint that applies to phase and returns one
// result per constraint, in declaration order.
//
// Evaluation never stops at the first failure. A constraint that cannot be
// evaluated (missing telemetry field, type mismatch, non-bool result) fails
// with a message prefixed "evaluation error:".
func (e *Evaluator) Evaluate(ctx context.Context, constraints []ir.Constraint, phase ir.Phase, tm map[string]any, args ir.Bindings) []ir.ConstraintResult {
	var results []ir.ConstraintResult
	for _, c := range constraints {
		if !c.Phase.Applies(phase) {
			continue
		}
		res := ir.ConstraintResult{
			ConstraintID: c.ID,
			Phase:        phase,
		}
		ok, err := e.EvalBool(ctx, c.Expression, tm, args)
		switch {
		case err != nil:
			res.Message = "evaluation error: " + err.Error()
		case ok:
			res.Passed = true
		default:
			res.Message = c.ErrorMessage
			if res.Message == "" {
				res.Message = fmt.Sprintf("constraint %s not satisfied: %s", c.ID, c.Expression)
			}
		}
		res.Timestamp = e.now()
		results = append(results, res)
	}
	return results
}

func (e *Evaluator) now() time.Time {
	return e.clock.Now().UTC()
}

// program returns the cached program for expression, compiling it on first
// use.
func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expression]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expression]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	switch out := ast.OutputType().String(); out {
	case "bool", "dyn":
	default:
		return nil, fmt.Errorf("compile: expression yields %s, want bool", out)
	}

	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(interruptCheckFrequency),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.programs[expression] = p
	return p, nil
}
