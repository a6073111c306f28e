package ir

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode categorizes command execution errors.
type ErrorCode string

const (
	// CodeValidation: malformed definition or parameter binding, rejected
	// before any dispatch attempt.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodeConstraintViolation: a pre-condition failed and blocked dispatch.
	CodeConstraintViolation ErrorCode = "CONSTRAINT_VIOLATION"

	// CodeTransport: the uplink rejected the command.
	CodeTransport ErrorCode = "TRANSPORT_ERROR"

	// CodeVerificationFailure: a verifier reported failure.
	CodeVerificationFailure ErrorCode = "VERIFICATION_FAILURE"

	// CodeVerificationTimeout: a verifier condition never became true in time.
	CodeVerificationTimeout ErrorCode = "VERIFICATION_TIMEOUT"

	// CodeInvalidTransition: an illegal state machine call. No state changed.
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// CodeCancelled: in-flight work stopped by an operator action.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeDuplicateID: a catalog key or record id already exists.
	CodeDuplicateID ErrorCode = "DUPLICATE_ID"

	// CodeNotFound: a referenced definition, entry or record does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeExpired: a queued command passed its expiry before dispatch.
	CodeExpired ErrorCode = "EXPIRED"
)

// Error is the structured error type used across the engine.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Subject names the affected definition, record, entry or run.
	Subject string

	// Details contains additional context (e.g. parameter → problem).
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Subject != "" {
		fmt.Fprintf(&b, " (%s)", e.Subject)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + e.Details[k]
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsValidationError returns true for VALIDATION_ERROR.
func IsValidationError(err error) bool { return HasCode(err, CodeValidation) }

// IsInvalidTransition returns true for INVALID_TRANSITION.
func IsInvalidTransition(err error) bool { return HasCode(err, CodeInvalidTransition) }

// IsNotFound returns true for NOT_FOUND.
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }

// NewValidationError creates a VALIDATION_ERROR with per-field details.
func NewValidationError(subject, message string, details map[string]string) *Error {
	return &Error{Code: CodeValidation, Message: message, Subject: subject, Details: details}
}

// NewInvalidTransition creates an INVALID_TRANSITION error.
func NewInvalidTransition(from, to string) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("cannot move from %s to %s", from, to),
	}
}

// NewNotFound creates a NOT_FOUND error.
func NewNotFound(kind, id string) *Error {
	return &Error{Code: CodeNotFound, Message: kind + " not found", Subject: id}
}

// RecordError maps a terminal history record to its taxonomy error.
// Returns nil for success and pending records.
func RecordError(rec HistoryRecord) error {
	var code ErrorCode
	switch rec.Status {
	case StatusSuccess, StatusPending:
		return nil
	case StatusRejected:
		code = CodeTransport
		if !AllPassed(rec.PreConstraints) {
			code = CodeConstraintViolation
		}
	case StatusFailed:
		code = CodeVerificationFailure
	case StatusTimeout:
		code = CodeVerificationTimeout
	case StatusAborted:
		code = CodeCancelled
	case StatusExpired:
		code = CodeExpired
	default:
		return fmt.Errorf("record %s: unknown status %q", rec.ID, rec.Status)
	}
	msg := strings.TrimPrefix(rec.Message, string(code)+": ")
	return &Error{Code: code, Message: msg, Subject: rec.ID}
}
