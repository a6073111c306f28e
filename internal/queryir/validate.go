package queryir

import (
	"fmt"
	"regexp"
	"strings"
)

// validIdentifier matches table and column names safe to interpolate.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidationResult lists the problems found in a query.
type ValidationResult struct {
	// Valid is true when the query can be compiled by any backend.
	Valid bool

	// Problems lists every rule the query breaks. Empty when Valid.
	Problems []string
}

// Err returns the problems as one error, or nil when the query is valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("invalid query: %s", strings.Join(r.Problems, "; "))
}

// Validate checks identifiers, predicate shapes and values.
//
// Validate is a pure function with no side effects.
func Validate(query Query) ValidationResult {
	v := &validator{}
	v.validateQuery(query)
	return ValidationResult{
		Valid:    len(v.problems) == 0,
		Problems: v.problems,
	}
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	switch query := q.(type) {
	case nil:
		v.addProblem("nil query")
	case Select:
		v.validateSelect(query)
	case *Select:
		v.validateSelect(*query)
	default:
		v.addProblem("unknown query type %T", q)
	}
}

func (v *validator) validateSelect(sel Select) {
	if !validIdentifier.MatchString(sel.From) {
		v.addProblem("invalid table name %q", sel.From)
	}
	for _, c := range sel.Columns {
		v.checkColumn(c)
	}
	for _, k := range sel.OrderBy {
		v.checkColumn(k.Field)
	}
	if sel.Limit < 0 || sel.Offset < 0 {
		v.addProblem("limit and offset must be non-negative")
	}
	if sel.Filter != nil {
		v.validatePredicate(sel.Filter)
	}
}

func (v *validator) checkColumn(name string) {
	if !validIdentifier.MatchString(name) {
		v.addProblem("invalid column name %q", name)
	}
}

func (v *validator) checkValue(field string, value any) {
	if !isScalar(value) {
		v.addProblem("field %s: unsupported value %v (%T)", field, value, value)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case Equals:
		v.checkColumn(pred.Field)
		v.checkValue(pred.Field, pred.Value)
	case In:
		v.checkColumn(pred.Field)
		if len(pred.Values) == 0 {
			v.addProblem("field %s: IN needs at least one value", pred.Field)
		}
		for _, val := range pred.Values {
			v.checkValue(pred.Field, val)
		}
	case PathPrefix:
		v.checkColumn(pred.Field)
		if !strings.HasSuffix(pred.Prefix, "/") {
			v.addProblem("field %s: path prefix %q must end in /", pred.Field, pred.Prefix)
		}
	case Range:
		v.checkColumn(pred.Field)
		if pred.From == nil && pred.Until == nil {
			v.addProblem("field %s: range needs a bound", pred.Field)
		}
		if pred.From != nil {
			v.checkValue(pred.Field, pred.From)
		}
		if pred.Until != nil {
			v.checkValue(pred.Field, pred.Until)
		}
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case nil:
		v.addProblem("nil predicate")
	default:
		v.addProblem("unknown predicate type %T", p)
	}
}
