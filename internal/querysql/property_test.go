//go:build property

package querysql

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/roach88/telecommand/internal/history"
	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/queryir"
)

// TestCompileParameterCount checks that every placeholder has exactly one
// parameter and that every compiled history query is ordered.
// Property: count("?", sql) == len(params)
func TestCompileParameterCount(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	statuses := gen.OneConstOf(
		ir.StatusSuccess, ir.StatusFailed, ir.StatusTimeout,
		ir.StatusAborted, ir.StatusRejected, ir.StatusExpired,
	)

	properties.Property("placeholders match parameters", prop.ForAll(
		func(ns, cmd, op string, st []ir.RecordStatus, sinceH, untilH, limit, offset int) bool {
			f := history.Filter{
				Namespace: ns,
				CommandID: cmd,
				Operator:  op,
				Statuses:  st,
				Limit:     limit,
				Offset:    offset,
			}
			if sinceH > 0 {
				f.Since = base.Add(time.Duration(sinceH) * time.Hour)
			}
			if untilH > 0 {
				f.Until = base.Add(time.Duration(untilH) * time.Hour)
			}

			sql, params, err := NewSQLCompiler().Compile(queryir.FromFilter(f))
			if err != nil {
				return false
			}
			return strings.Count(sql, "?") == len(params) &&
				strings.Contains(sql, " ORDER BY seq ASC, id ASC")
		},
		gen.OneConstOf("", "/SAT", "/SAT/", "/SAT/EPS/"),
		gen.OneConstOf("", "NOOP", "FIRE"),
		gen.OneConstOf("", "alice", "bob"),
		gen.SliceOf(statuses),
		gen.IntRange(0, 48),
		gen.IntRange(0, 48),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.Property("identifiers with punctuation are rejected", prop.ForAll(
		func(name string, punct string) bool {
			_, _, err := NewSQLCompiler().Compile(queryir.Select{From: name + punct})
			return err != nil
		},
		gen.Identifier(),
		gen.OneConstOf(";", " ", "'", "-", "(", "."),
	))

	properties.TestingRun(t)
}
