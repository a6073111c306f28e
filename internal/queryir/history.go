package queryir

import (
	"strings"

	"github.com/roach88/telecommand/internal/history"
)

// Records table and the columns history filters select on.
const (
	RecordsTable = "records"

	ColSeq          = "seq"
	ColID           = "id"
	ColNamespace    = "namespace"
	ColCommandID    = "command_id"
	ColDispatchTime = "dispatch_time"
	ColStatus       = "status"
	ColOperator     = "operator"
	ColRunID        = "run_id"
)

// FromFilter translates a history filter into a Select over the records
// table, ordered by seq.
func FromFilter(f history.Filter) Select {
	var preds []Predicate
	if f.Namespace != "" {
		if strings.HasSuffix(f.Namespace, "/") {
			preds = append(preds, PathPrefix{Field: ColNamespace, Prefix: f.Namespace})
		} else {
			preds = append(preds, Equals{Field: ColNamespace, Value: f.Namespace})
		}
	}
	if f.CommandID != "" {
		preds = append(preds, Equals{Field: ColCommandID, Value: f.CommandID})
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		r := Range{Field: ColDispatchTime}
		if !f.Since.IsZero() {
			r.From = f.Since
		}
		if !f.Until.IsZero() {
			r.Until = f.Until
		}
		preds = append(preds, r)
	}
	if len(f.Statuses) > 0 {
		values := make([]any, len(f.Statuses))
		for i, st := range f.Statuses {
			values[i] = string(st)
		}
		preds = append(preds, In{Field: ColStatus, Values: values})
	}
	if f.Operator != "" {
		preds = append(preds, Equals{Field: ColOperator, Value: f.Operator})
	}
	if f.RunID != "" {
		preds = append(preds, Equals{Field: ColRunID, Value: f.RunID})
	}

	return Select{
		From:    RecordsTable,
		Filter:  Where(preds...),
		OrderBy: []OrderKey{{Field: ColSeq}, {Field: ColID}},
		Limit:   f.Limit,
		Offset:  f.Offset,
	}
}
