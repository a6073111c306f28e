package harness

import (
	"github.com/roach88/telecommand/internal/ir"
)

// TraceEvent is one history record as seen by the scenario, in seq order.
// Times are left out so traces are stable across runs.
type TraceEvent struct {
	Seq     int64          `json:"seq"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args"`
	Status  string         `json:"status"`
	Origin  string         `json:"origin"`
	Step    int            `json:"step,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Name is the scenario name.
	Name string `json:"name"`

	// Pass indicates overall test success.
	// True if every step expectation and assertion holds.
	Pass bool `json:"pass"`

	// Trace contains every history record in seq order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Runs holds the final state of every sequence run.
	Runs []ir.SequenceRun `json:"runs,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddRecord appends a history record to the trace.
func (r *Result) AddRecord(rec ir.HistoryRecord) {
	args := make(map[string]any, len(rec.Invocation.Bindings))
	for k, v := range rec.Invocation.Bindings {
		args[k] = v
	}
	r.Trace = append(r.Trace, TraceEvent{
		Seq:     rec.Seq,
		Command: rec.Invocation.Key().String(),
		Args:    args,
		Status:  string(rec.Status),
		Origin:  string(rec.Origin.Kind),
		Step:    rec.Origin.Step,
		Message: rec.Message,
	})
}
