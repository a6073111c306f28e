package history

import (
	"slices"
	"strings"
	"time"

	"github.com/roach88/telecommand/internal/ir"
)

// Filter selects history records. Zero fields match everything.
type Filter struct {
	// Namespace matches exactly, or as a prefix when it ends with "/".
	Namespace string
	CommandID string
	// Since is inclusive, Until exclusive. Both compare DispatchTime.
	Since    time.Time
	Until    time.Time
	Statuses []ir.RecordStatus
	Operator string
	// RunID selects records produced by one sequence run.
	RunID string

	Offset int
	// Limit caps the number of returned records. Zero means unlimited.
	Limit int
}

// Matches reports whether rec passes every predicate. Offset and Limit are
// not considered.
func (f Filter) Matches(rec ir.HistoryRecord) bool {
	def := rec.Invocation.Definition
	if f.Namespace != "" {
		if strings.HasSuffix(f.Namespace, "/") {
			if !strings.HasPrefix(def.Namespace+"/", f.Namespace) {
				return false
			}
		} else if def.Namespace != f.Namespace {
			return false
		}
	}
	if f.CommandID != "" && def.ID != f.CommandID {
		return false
	}
	if !f.Since.IsZero() && rec.DispatchTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.DispatchTime.Before(f.Until) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, rec.Status) {
		return false
	}
	if f.Operator != "" && rec.Operator != f.Operator {
		return false
	}
	if f.RunID != "" && rec.Origin.RunID != f.RunID {
		return false
	}
	return true
}

// Page is one window of query results.
type Page struct {
	Records []ir.HistoryRecord
	// Total counts every matching record, ignoring Offset and Limit.
	Total int
	// NextOffset is the offset of the following page, or -1 when this page
	// is the last.
	NextOffset int
}
