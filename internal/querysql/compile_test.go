package querysql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/telecommand/internal/history"
	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/queryir"
)

func TestCompile_SelectAll(t *testing.T) {
	sql, params, err := NewSQLCompiler().Compile(queryir.Select{From: "records"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM records ORDER BY rowid ASC", sql)
	assert.Empty(t, params)
}

func TestCompile_ColumnsAndOrder(t *testing.T) {
	sql, _, err := NewSQLCompiler().Compile(&queryir.Select{
		From:    "records",
		Columns: []string{"id", "seq"},
		OrderBy: []queryir.OrderKey{{Field: "seq", Desc: true}, {Field: "id"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, seq FROM records ORDER BY seq DESC, id ASC", sql)
}

func TestCompile_Predicates(t *testing.T) {
	at := time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name       string
		filter     queryir.Predicate
		wantWhere  string
		wantParams []any
	}{
		{
			name:       "equals",
			filter:     queryir.Equals{Field: "status", Value: "success"},
			wantWhere:  "status = ?",
			wantParams: []any{"success"},
		},
		{
			name:       "equals_int_widened",
			filter:     queryir.Equals{Field: "seq", Value: 7},
			wantWhere:  "seq = ?",
			wantParams: []any{int64(7)},
		},
		{
			name:       "in",
			filter:     queryir.In{Field: "status", Values: []any{"failed", "timeout"}},
			wantWhere:  "status IN (?, ?)",
			wantParams: []any{"failed", "timeout"},
		},
		{
			name:       "path_prefix",
			filter:     queryir.PathPrefix{Field: "namespace", Prefix: "/SAT/"},
			wantWhere:  "substr(namespace || '/', 1, ?) = ?",
			wantParams: []any{5, "/SAT/"},
		},
		{
			name:       "range_both",
			filter:     queryir.Range{Field: "seq", From: 2, Until: 5},
			wantWhere:  "seq >= ? AND seq < ?",
			wantParams: []any{int64(2), int64(5)},
		},
		{
			name:       "range_time_default_format",
			filter:     queryir.Range{Field: "dispatch_time", Until: at},
			wantWhere:  "dispatch_time < ?",
			wantParams: []any{"2026-10-17T08:30:00Z"},
		},
		{
			name:       "empty_and",
			filter:     queryir.And{},
			wantWhere:  "1 = 1",
			wantParams: nil,
		},
		{
			name: "and",
			filter: queryir.And{Predicates: []queryir.Predicate{
				queryir.Equals{Field: "operator", Value: "alice"},
				queryir.Equals{Field: "step", Value: int64(0)},
			}},
			wantWhere:  "operator = ? AND step = ?",
			wantParams: []any{"alice", int64(0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := NewSQLCompiler().Compile(queryir.Select{From: "records", Filter: tt.filter})
			require.NoError(t, err)
			assert.Equal(t, "SELECT * FROM records WHERE "+tt.wantWhere+" ORDER BY rowid ASC", sql)
			assert.Equal(t, tt.wantParams, params)
		})
	}
}

func TestCompile_CustomTimeFormat(t *testing.T) {
	c := &SQLCompiler{FormatTime: func(t time.Time) string { return t.Format("2006-01-02") }}
	at := time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC)

	_, params, err := c.Compile(queryir.Select{
		From:   "records",
		Filter: queryir.Range{Field: "dispatch_time", From: at},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"2026-10-17"}, params)
}

func TestCompile_LimitOffset(t *testing.T) {
	tests := []struct {
		name          string
		limit, offset int
		wantSuffix    string
		wantParams    []any
	}{
		{"none", 0, 0, "ORDER BY rowid ASC", nil},
		{"limit", 10, 0, "ORDER BY rowid ASC LIMIT ? OFFSET ?", []any{10, 0}},
		{"offset_only", 0, 3, "ORDER BY rowid ASC LIMIT ? OFFSET ?", []any{-1, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := NewSQLCompiler().Compile(queryir.Select{From: "records", Limit: tt.limit, Offset: tt.offset})
			require.NoError(t, err)
			assert.Equal(t, "SELECT * FROM "+"records "+tt.wantSuffix, sql)
			assert.Equal(t, tt.wantParams, params)
		})
	}
}

func TestCompile_RejectsInvalidQueries(t *testing.T) {
	c := NewSQLCompiler()

	_, _, err := c.Compile(nil)
	require.Error(t, err)

	_, _, err = c.Compile(queryir.Select{From: "records; DROP TABLE records"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid table name")

	_, _, err = c.Compile(queryir.Select{From: "records", Filter: queryir.Equals{Field: "status", Value: []string{"x"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported value")
}

func TestCompile_HistoryFilter(t *testing.T) {
	sel := queryir.FromFilter(history.Filter{
		Namespace: "/SAT/",
		Statuses:  []ir.RecordStatus{ir.StatusRejected},
		Limit:     2,
	})
	sel.Columns = []string{"id", "seq"}

	sql, params, err := NewSQLCompiler().Compile(sel)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, seq FROM records WHERE substr(namespace || '/', 1, ?) = ? AND status IN (?) ORDER BY seq ASC, id ASC LIMIT ? OFFSET ?",
		sql)
	assert.Equal(t, []any{5, "/SAT/", "rejected", 2, 0}, params)
}
