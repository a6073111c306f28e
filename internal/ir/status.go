package ir

import "fmt"

// RecordStatus is the lifecycle state of a HistoryRecord.
type RecordStatus string

const (
	StatusPending  RecordStatus = "pending"
	StatusSuccess  RecordStatus = "success"
	StatusFailed   RecordStatus = "failed"
	StatusTimeout  RecordStatus = "timeout"
	StatusAborted  RecordStatus = "aborted"
	StatusRejected RecordStatus = "rejected"
	StatusExpired  RecordStatus = "expired"
)

var terminalRecordStatuses = map[RecordStatus]bool{
	StatusSuccess:  true,
	StatusFailed:   true,
	StatusTimeout:  true,
	StatusAborted:  true,
	StatusRejected: true,
	StatusExpired:  true,
}

// IsTerminal reports whether the status can no longer change.
func (s RecordStatus) IsTerminal() bool {
	return terminalRecordStatuses[s]
}

// ParseRecordStatus validates a status string.
func ParseRecordStatus(s string) (RecordStatus, error) {
	st := RecordStatus(s)
	if st == StatusPending || st.IsTerminal() {
		return st, nil
	}
	return "", fmt.Errorf("unknown record status %q", s)
}

// VerificationStatus is the terminal outcome of one verifier watch.
type VerificationStatus string

const (
	VerificationSuccess   VerificationStatus = "success"
	VerificationFailed    VerificationStatus = "failed"
	VerificationTimeout   VerificationStatus = "timeout"
	VerificationCancelled VerificationStatus = "cancelled"
)

// OverallStatus folds verifier outcomes into the record status.
//
// Precedence: cancelled > failed > timeout > success. No verifiers means
// success.
func OverallStatus(results []VerificationResult) RecordStatus {
	var failed, timedOut bool
	for _, r := range results {
		switch r.Status {
		case VerificationCancelled:
			return StatusAborted
		case VerificationFailed:
			failed = true
		case VerificationTimeout:
			timedOut = true
		}
	}
	switch {
	case failed:
		return StatusFailed
	case timedOut:
		return StatusTimeout
	default:
		return StatusSuccess
	}
}

// RunStatus is the state of a sequence run.
type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunStopped   RunStatus = "stopped"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

var terminalRunStatuses = map[RunStatus]bool{
	RunStopped:   true,
	RunCompleted: true,
	RunFailed:    true,
}

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return terminalRunStatuses[s]
}

// Run transitions: idle → running → {paused ⇄ running} → terminal.
// stopped is reachable from any non-terminal state.
var validRunTransitions = map[RunStatus]map[RunStatus]bool{
	RunIdle: {
		RunRunning: true,
		RunStopped: true,
	},
	RunRunning: {
		RunPaused:    true,
		RunStopped:   true,
		RunCompleted: true,
		RunFailed:    true,
	},
	RunPaused: {
		RunRunning: true,
		RunStopped: true,
	},
}

// ValidateRunTransition returns an INVALID_TRANSITION error when the move is
// not allowed.
func ValidateRunTransition(from, to RunStatus) error {
	if validRunTransitions[from][to] {
		return nil
	}
	return NewInvalidTransition(string(from), string(to))
}
