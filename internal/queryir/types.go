package queryir

import (
	"slices"
	"time"
)

// Query is an abstract read query. Sealed to this package.
type Query interface {
	queryNode()
}

// Predicate is a row filter. Sealed to this package.
type Predicate interface {
	predicateNode()
}

// Select reads rows of one table.
//
//	SELECT <columns> FROM <from> WHERE <filter> ORDER BY <order> LIMIT <limit> OFFSET <offset>
//
// Empty Columns selects every column. Empty OrderBy orders by insertion
// order; every compiled query is ordered so results are deterministic.
type Select struct {
	From    string
	Columns []string
	Filter  Predicate // nil = no filter
	OrderBy []OrderKey
	Limit   int // 0 = unlimited
	Offset  int
}

func (Select) queryNode() {}

// OrderKey is one ORDER BY term.
type OrderKey struct {
	Field string
	Desc  bool
}

// Equals matches rows whose field equals Value.
type Equals struct {
	Field string
	Value any
}

func (Equals) predicateNode() {}

// In matches rows whose field equals any of Values. Values must not be
// empty.
type In struct {
	Field  string
	Values []any
}

func (In) predicateNode() {}

// PathPrefix matches slash-separated paths under Prefix. Prefix must end in
// "/", and a field equal to Prefix without the trailing slash also matches:
// "/SAT/" matches "/SAT" and "/SAT/EPS" but not "/SATURN".
type PathPrefix struct {
	Field  string
	Prefix string
}

func (PathPrefix) predicateNode() {}

// Range matches From <= field < Until. A nil bound is open; at least one
// bound must be set.
type Range struct {
	Field string
	From  any
	Until any
}

func (Range) predicateNode() {}

// And matches rows satisfying every predicate. Empty And matches all rows.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Where combines predicates with And, dropping nils. Returns nil when
// nothing remains and the single predicate when only one does.
func Where(preds ...Predicate) Predicate {
	var kept []Predicate
	for _, p := range preds {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return And{Predicates: kept}
	}
}

// EqualsAll builds one Equals per entry of values, in sorted field order.
func EqualsAll(values map[string]any) Predicate {
	fields := make([]string, 0, len(values))
	for f := range values {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	preds := make([]Predicate, len(fields))
	for i, f := range fields {
		preds[i] = Equals{Field: f, Value: values[f]}
	}
	return Where(preds...)
}

// isScalar reports whether v is a supported predicate value.
func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int64, float64, time.Time:
		return true
	default:
		return false
	}
}
