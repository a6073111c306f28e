package querysql

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roach88/telecommand/internal/queryir"
)

// SQLCompiler compiles queryir queries to parameterized SQLite.
//
// Every query gets an ORDER BY so results are deterministic, and values
// are always parameters, never interpolated.
type SQLCompiler struct {
	// FormatTime renders time.Time values. Stored timestamps compare as
	// text, so it must match the layout the table was written with.
	// Defaults to RFC 3339 with nanoseconds in UTC.
	FormatTime func(time.Time) string
}

// NewSQLCompiler creates a compiler with the default time format.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile validates q and converts it to SQL and its parameters.
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	if err := queryir.Validate(q).Err(); err != nil {
		return "", nil, err
	}

	switch query := q.(type) {
	case queryir.Select:
		return c.compileSelect(query)
	case *queryir.Select:
		return c.compileSelect(*query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) compileSelect(q queryir.Select) (string, []any, error) {
	var b strings.Builder
	var params []any

	b.WriteString("SELECT ")
	if len(q.Columns) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(q.Columns, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(q.From)

	if q.Filter != nil {
		where, whereParams, err := c.compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
		params = append(params, whereParams...)
	}

	b.WriteString(" ORDER BY ")
	b.WriteString(stableOrderKey(q.OrderBy))

	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit == 0 {
			limit = -1 // SQLite: no limit
		}
		b.WriteString(" LIMIT ? OFFSET ?")
		params = append(params, limit, q.Offset)
	}
	return b.String(), params, nil
}

// stableOrderKey renders the ORDER BY terms, falling back to rowid.
func stableOrderKey(keys []queryir.OrderKey) string {
	if len(keys) == 0 {
		return "rowid ASC"
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts[i] = k.Field + " " + dir
	}
	return strings.Join(parts, ", ")
}

func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		v, err := c.param(pred.Value)
		if err != nil {
			return "", nil, err
		}
		return pred.Field + " = ?", []any{v}, nil

	case queryir.In:
		marks := make([]string, len(pred.Values))
		params := make([]any, len(pred.Values))
		for i, val := range pred.Values {
			v, err := c.param(val)
			if err != nil {
				return "", nil, err
			}
			marks[i] = "?"
			params[i] = v
		}
		return pred.Field + " IN (" + strings.Join(marks, ", ") + ")", params, nil

	case queryir.PathPrefix:
		// Appending "/" lets the prefix match the namespace itself.
		sql := fmt.Sprintf("substr(%s || '/', 1, ?) = ?", pred.Field)
		return sql, []any{utf8.RuneCountInString(pred.Prefix), pred.Prefix}, nil

	case queryir.Range:
		var parts []string
		var params []any
		if pred.From != nil {
			v, err := c.param(pred.From)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, pred.Field+" >= ?")
			params = append(params, v)
		}
		if pred.Until != nil {
			v, err := c.param(pred.Until)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, pred.Field+" < ?")
			params = append(params, v)
		}
		return strings.Join(parts, " AND "), params, nil

	case queryir.And:
		if len(pred.Predicates) == 0 {
			return "1 = 1", nil, nil
		}
		parts := make([]string, 0, len(pred.Predicates))
		var params []any
		for _, sub := range pred.Predicates {
			sql, subParams, err := c.compilePredicate(sub)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, sql)
			params = append(params, subParams...)
		}
		return strings.Join(parts, " AND "), params, nil

	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// param converts a predicate value to a driver parameter.
func (c *SQLCompiler) param(v any) (any, error) {
	switch val := v.(type) {
	case string, bool, int64, float64:
		return val, nil
	case int:
		return int64(val), nil
	case time.Time:
		if c.FormatTime != nil {
			return c.FormatTime(val), nil
		}
		return val.UTC().Format(time.RFC3339Nano), nil
	default:
		return nil, fmt.Errorf("unsupported parameter type %T", v)
	}
}
