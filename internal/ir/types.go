package ir

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"time"
)

// ParameterType is the declared type of a command parameter.
type ParameterType string

const (
	ParamString    ParameterType = "string"
	ParamInteger   ParameterType = "integer"
	ParamFloat     ParameterType = "float"
	ParamBoolean   ParameterType = "boolean"
	ParamEnum      ParameterType = "enum"
	ParamTime      ParameterType = "time"
	ParamBinary    ParameterType = "binary"
	ParamAggregate ParameterType = "aggregate"
	ParamArray     ParameterType = "array"
)

// ValidParameterTypes defines allowed parameter types.
var ValidParameterTypes = map[ParameterType]bool{
	ParamString:    true,
	ParamInteger:   true,
	ParamFloat:     true,
	ParamBoolean:   true,
	ParamEnum:      true,
	ParamTime:      true,
	ParamBinary:    true,
	ParamAggregate: true,
	ParamArray:     true,
}

// IsNumeric reports whether min/max bounds apply to the type.
func (t ParameterType) IsNumeric() bool {
	return t == ParamInteger || t == ParamFloat
}

// SignificanceLevel classifies the consequences of executing a command.
type SignificanceLevel string

const (
	SignificanceNormal   SignificanceLevel = "normal"
	SignificanceWarning  SignificanceLevel = "warning"
	SignificanceDistress SignificanceLevel = "distress"
	SignificanceCritical SignificanceLevel = "critical"
	SignificanceSevere   SignificanceLevel = "severe"
)

var significanceRank = map[SignificanceLevel]int{
	SignificanceNormal:   0,
	SignificanceWarning:  1,
	SignificanceDistress: 2,
	SignificanceCritical: 3,
	SignificanceSevere:   4,
}

// Rank orders significance levels from normal (0) to severe (4).
// Unknown levels rank -1.
func (l SignificanceLevel) Rank() int {
	if r, ok := significanceRank[l]; ok {
		return r
	}
	return -1
}

// Significance is a level plus optional operator-facing warning text.
type Significance struct {
	Level  SignificanceLevel `json:"level"`
	Reason string            `json:"reason,omitempty"`
}

// ParameterSpec declares one command argument.
type ParameterSpec struct {
	Name        string        `json:"name"`
	Type        ParameterType `json:"type"`
	Required    bool          `json:"required"`
	Default     any           `json:"default,omitempty"`
	Min         *float64      `json:"min,omitempty"`
	Max         *float64      `json:"max,omitempty"`
	EnumValues  []string      `json:"enum_values,omitempty"`
	Units       string        `json:"units,omitempty"`
	Description string        `json:"description,omitempty"`
}

// HasDefault reports whether the parameter declares a default value.
func (p ParameterSpec) HasDefault() bool {
	return p.Default != nil
}

// Phase selects when a constraint is evaluated.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
	PhaseBoth Phase = "both"
)

// Applies reports whether a constraint declared with phase p runs in the
// requested evaluation phase.
func (p Phase) Applies(requested Phase) bool {
	return p == requested || p == PhaseBoth
}

// Constraint is a boolean condition over telemetry (tm) and bound
// parameters (args).
type Constraint struct {
	ID           string `json:"id"`
	Phase        Phase  `json:"phase"`
	Expression   string `json:"expression"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// VerifierKind selects how a verifier reaches its outcome.
type VerifierKind string

const (
	VerifierTelemetry VerifierKind = "telemetry"
	VerifierCommand   VerifierKind = "command"
	VerifierTimeout   VerifierKind = "timeout"
)

// NeedsCondition reports whether the kind watches a condition expression.
func (k VerifierKind) NeedsCondition() bool {
	return k == VerifierTelemetry || k == VerifierCommand
}

// Verifier confirms that a dispatched command took effect.
type Verifier struct {
	ID             string       `json:"id"`
	Kind           VerifierKind `json:"kind"`
	Condition      string       `json:"condition,omitempty"`
	FailCondition  string       `json:"fail_condition,omitempty"`
	TimeoutSeconds float64      `json:"timeout_seconds"`
}

// Timeout converts TimeoutSeconds to a duration.
func (v Verifier) Timeout() time.Duration {
	return secondsToDuration(v.TimeoutSeconds)
}

// CommandKey is the catalog key of a definition.
type CommandKey struct {
	Namespace string `json:"namespace"`
	ID        string `json:"id"`
}

// String formats the key as "namespace/id".
func (k CommandKey) String() string {
	return k.Namespace + "/" + k.ID
}

// ParseCommandKey parses "namespace/id". The namespace may itself contain
// slashes; the id is the final segment.
func ParseCommandKey(s string) (CommandKey, error) {
	i := len(s) - 1
	for i >= 0 && s[i] != '/' {
		i--
	}
	if i <= 0 || i == len(s)-1 {
		return CommandKey{}, fmt.Errorf("invalid command key %q: expected namespace/id", s)
	}
	return CommandKey{Namespace: s[:i], ID: s[i+1:]}, nil
}

// CommandDefinition is an immutable catalog entry.
type CommandDefinition struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Namespace    string          `json:"namespace"`
	Version      string          `json:"version,omitempty"`
	Description  string          `json:"description,omitempty"`
	Parameters   []ParameterSpec `json:"parameters"`
	Constraints  []Constraint    `json:"constraints"`
	Verifiers    []Verifier      `json:"verifiers"`
	Significance Significance    `json:"significance"`
}

// Key returns the catalog key.
func (d CommandDefinition) Key() CommandKey {
	return CommandKey{Namespace: d.Namespace, ID: d.ID}
}

// Parameter returns the named parameter spec.
func (d CommandDefinition) Parameter(name string) (ParameterSpec, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSpec{}, false
}

// Clone returns a deep copy. Callers holding a clone are isolated from the
// catalog's copy.
func (d CommandDefinition) Clone() CommandDefinition {
	out := d
	out.Parameters = make([]ParameterSpec, len(d.Parameters))
	for i, p := range d.Parameters {
		cp := p
		cp.Default = CloneValue(p.Default)
		if p.Min != nil {
			v := *p.Min
			cp.Min = &v
		}
		if p.Max != nil {
			v := *p.Max
			cp.Max = &v
		}
		cp.EnumValues = slices.Clone(p.EnumValues)
		out.Parameters[i] = cp
	}
	out.Constraints = slices.Clone(d.Constraints)
	out.Verifiers = slices.Clone(d.Verifiers)
	return out
}

// Bindings maps parameter names to coerced values.
//
// Values use a closed set of Go types: string, int64, float64, bool,
// time.Time, []byte, []any and map[string]any.
type Bindings map[string]any

// Clone deep-copies the bindings.
func (b Bindings) Clone() Bindings {
	if b == nil {
		return nil
	}
	out := make(Bindings, len(b))
	for k, v := range b {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a binding or telemetry value.
func CloneValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return slices.Clone(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = CloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Invocation is a definition plus concrete bindings, created at bind time.
type Invocation struct {
	Definition CommandDefinition `json:"definition"`
	Bindings   Bindings          `json:"bindings"`
	Comments   string            `json:"comments,omitempty"`
	Operator   string            `json:"operator,omitempty"`
}

// Key returns the catalog key of the invoked definition.
func (inv Invocation) Key() CommandKey {
	return inv.Definition.Key()
}

// Clone returns an invocation that shares nothing with the receiver.
func (inv Invocation) Clone() Invocation {
	return Invocation{
		Definition: inv.Definition.Clone(),
		Bindings:   inv.Bindings.Clone(),
		Comments:   inv.Comments,
		Operator:   inv.Operator,
	}
}

// QueuedCommand is an invocation waiting in a command queue.
type QueuedCommand struct {
	ID            string     `json:"id"`
	Invocation    Invocation `json:"invocation"`
	Priority      int        `json:"priority"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	Order         int64      `json:"order"` // enqueue order, FIFO tie-break
}

// FailurePolicy decides what a sequence does after a failed step.
type FailurePolicy string

const (
	// FailureAbort halts the run and marks it failed. The zero value aborts.
	FailureAbort FailurePolicy = "abort"
	// FailureContinue records the failure and proceeds to the next step.
	FailureContinue FailurePolicy = "continue"
)

// Aborts reports whether the policy halts the run on failure.
func (p FailurePolicy) Aborts() bool {
	return p != FailureContinue
}

// SequenceStep is one invocation plus the delay to wait after it succeeds.
type SequenceStep struct {
	Invocation        Invocation `json:"invocation"`
	DelayAfterSeconds float64    `json:"delay_after_seconds"`
}

// Delay converts DelayAfterSeconds to a duration.
func (s SequenceStep) Delay() time.Duration {
	return secondsToDuration(s.DelayAfterSeconds)
}

// Sequence is an ordered, timed list of invocations executed as one unit.
type Sequence struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Target    string         `json:"target,omitempty"`
	Steps     []SequenceStep `json:"steps"`
	OnFailure FailurePolicy  `json:"on_failure,omitempty"`
}

// Clone deep-copies the sequence and all step invocations.
func (s Sequence) Clone() Sequence {
	out := s
	out.Steps = make([]SequenceStep, len(s.Steps))
	for i, st := range s.Steps {
		out.Steps[i] = SequenceStep{Invocation: st.Invocation.Clone(), DelayAfterSeconds: st.DelayAfterSeconds}
	}
	return out
}

// SequenceSpec is a sequence as written in a definition file: steps name
// catalog commands and carry raw arguments that are bound at load time.
type SequenceSpec struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Target    string        `json:"target,omitempty"`
	OnFailure FailurePolicy `json:"on_failure,omitempty"`
	Steps     []StepSpec    `json:"steps"`
}

// StepSpec is one unresolved sequence step.
type StepSpec struct {
	Command           CommandKey     `json:"command"`
	Args              map[string]any `json:"args,omitempty"`
	Comments          string         `json:"comments,omitempty"`
	DelayAfterSeconds float64        `json:"delay_after_seconds"`
}

// ConstraintResult is the outcome of evaluating one constraint.
type ConstraintResult struct {
	ConstraintID string    `json:"constraint_id"`
	Phase        Phase     `json:"phase"`
	Passed       bool      `json:"passed"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AllPassed reports whether every result passed. An empty set passes.
func AllPassed(results []ConstraintResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// VerificationResult is the single terminal outcome of one verifier.
type VerificationResult struct {
	VerifierID string             `json:"verifier_id"`
	Status     VerificationStatus `json:"status"`
	Message    string             `json:"message,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// OriginKind says how an invocation reached the dispatcher.
type OriginKind string

const (
	OriginDirect   OriginKind = "direct"
	OriginQueue    OriginKind = "queue"
	OriginSequence OriginKind = "sequence"
)

// Origin links a history record back to the queue entry or sequence run
// that produced it.
type Origin struct {
	Kind         OriginKind `json:"kind"`
	QueueEntryID string     `json:"queue_entry_id,omitempty"`
	RunID        string     `json:"run_id,omitempty"`
	Step         int        `json:"step,omitempty"`
}

// HistoryRecord is the audit entry for one dispatch attempt.
type HistoryRecord struct {
	ID                  string               `json:"id"`
	Seq                 int64                `json:"seq"`
	Invocation          Invocation           `json:"invocation"`
	Digest              string               `json:"digest"`
	Origin              Origin               `json:"origin"`
	Operator            string               `json:"operator,omitempty"`
	Status              RecordStatus         `json:"status"`
	DispatchTime        time.Time            `json:"dispatch_time"`
	FinalizedAt         *time.Time           `json:"finalized_at,omitempty"`
	AckID               string               `json:"ack_id,omitempty"`
	PreConstraints      []ConstraintResult   `json:"pre_constraints,omitempty"`
	PostConstraints     []ConstraintResult   `json:"post_constraints,omitempty"`
	VerificationResults []VerificationResult `json:"verification_results,omitempty"`
	Message             string               `json:"message,omitempty"`
}

// Key returns the catalog key of the recorded invocation.
func (r HistoryRecord) Key() CommandKey {
	return r.Invocation.Key()
}

// Clone deep-copies the record.
func (r HistoryRecord) Clone() HistoryRecord {
	out := r
	out.Invocation = r.Invocation.Clone()
	if r.FinalizedAt != nil {
		t := *r.FinalizedAt
		out.FinalizedAt = &t
	}
	out.PreConstraints = slices.Clone(r.PreConstraints)
	out.PostConstraints = slices.Clone(r.PostConstraints)
	out.VerificationResults = slices.Clone(r.VerificationResults)
	return out
}

// CloneSnapshotValues copies a telemetry value map.
func CloneSnapshotValues(m map[string]any) map[string]any {
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = CloneValue(v)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// MaxDurationSeconds bounds timeouts and delays: anything at or above it
// does not fit in a time.Duration.
const MaxDurationSeconds = float64(math.MaxInt64) / float64(time.Second)

// secondsToDuration converts seconds to a duration, saturating instead of
// overflowing. NaN and non-positive values give zero.
func secondsToDuration(s float64) time.Duration {
	if math.IsNaN(s) || s <= 0 {
		return 0
	}
	d := s * float64(time.Second)
	if d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// StepOutcome is the result of one executed sequence step.
type StepOutcome struct {
	Index    int          `json:"index"`
	RecordID string       `json:"record_id,omitempty"`
	Status   RecordStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
}

// SequenceRun is a point-in-time view of one sequence execution.
type SequenceRun struct {
	ID          string        `json:"id"`
	SequenceID  string        `json:"sequence_id"`
	Target      string        `json:"target,omitempty"`
	CurrentStep int           `json:"current_step"`
	Status      RunStatus     `json:"status"`
	Steps       []StepOutcome `json:"steps"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}
