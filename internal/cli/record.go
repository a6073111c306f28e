package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/telecommand/internal/ir"
)

// RecordView is the CLI rendering of a history record.
type RecordView struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	Command       string         `json:"command"`
	Args          map[string]any `json:"args"`
	Status        string         `json:"status"`
	Origin        string         `json:"origin"`
	RunID         string         `json:"run_id,omitempty"`
	Step          *int           `json:"step,omitempty"`
	Operator      string         `json:"operator,omitempty"`
	AckID         string         `json:"ack_id,omitempty"`
	Message       string         `json:"message,omitempty"`
	DispatchTime  time.Time      `json:"dispatch_time"`
	FinalizedAt   *time.Time     `json:"finalized_at,omitempty"`
	Verifications []string       `json:"verifications,omitempty"`
}

func newRecordView(rec ir.HistoryRecord) RecordView {
	args := make(map[string]any, len(rec.Invocation.Bindings))
	for k, v := range rec.Invocation.Bindings {
		args[k] = v
	}
	view := RecordView{
		ID:           rec.ID,
		Seq:          rec.Seq,
		Command:      rec.Key().String(),
		Args:         args,
		Status:       string(rec.Status),
		Origin:       string(rec.Origin.Kind),
		RunID:        rec.Origin.RunID,
		Operator:     rec.Operator,
		AckID:        rec.AckID,
		Message:      rec.Message,
		DispatchTime: rec.DispatchTime,
		FinalizedAt:  rec.FinalizedAt,
	}
	if rec.Origin.Kind == ir.OriginSequence {
		step := rec.Origin.Step
		view.Step = &step
	}
	for _, v := range rec.VerificationResults {
		view.Verifications = append(view.Verifications, v.VerifierID+"="+string(v.Status))
	}
	return view
}

// String renders the record as one line.
func (v RecordView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s %s", v.Seq, v.DispatchTime.UTC().Format(time.RFC3339), v.Command, v.Status)
	if v.AckID != "" {
		fmt.Fprintf(&b, " ack=%s", v.AckID)
	}
	if v.Operator != "" {
		fmt.Fprintf(&b, " by %s", v.Operator)
	}
	if v.Step != nil {
		fmt.Fprintf(&b, " [run %s step %d]", v.RunID, *v.Step)
	} else if v.Origin != string(ir.OriginDirect) {
		fmt.Fprintf(&b, " [%s]", v.Origin)
	}
	if len(v.Verifications) > 0 {
		fmt.Fprintf(&b, " verifiers(%s)", strings.Join(v.Verifications, ", "))
	}
	if v.Message != "" {
		fmt.Fprintf(&b, " - %s", v.Message)
	}
	return b.String()
}

// RecordList renders a list of records, one per line.
type RecordList []RecordView

// String renders every record on its own line.
func (l RecordList) String() string {
	if len(l) == 0 {
		return "No records."
	}
	lines := make([]string, len(l))
	for i, v := range l {
		lines[i] = v.String()
	}
	return strings.Join(lines, "\n")
}

func recordList(recs []ir.HistoryRecord) RecordList {
	out := make(RecordList, len(recs))
	for i, rec := range recs {
		out[i] = newRecordView(rec)
	}
	return out
}
