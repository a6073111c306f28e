// Package uplink defines the narrow contract through which the engine hands
// commands to the ground segment. Link scheduling, framing and RF concerns
// live behind this interface.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/telecommand/internal/ir"
)

// Normalized transport failure causes.
var (
	ErrNoLink   = errors.New("NO_LINK")
	ErrBusy     = errors.New("BUSY")
	ErrRejected = errors.New("REJECTED")
	ErrInternal = errors.New("INTERNAL")
)

// Ack is the ground segment's acceptance of a transmitted command.
type Ack struct {
	ID   string
	Time time.Time
}

// TransportError reports an immediate failure to transmit. The command never
// left the ground and no verification is started.
type TransportError struct {
	// Cause is one of ErrNoLink, ErrBusy, ErrRejected or ErrInternal.
	Cause error
	// Detail is the collaborator's own description.
	Detail string
}

func (e *TransportError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("transport: %v", e.Cause)
	}
	return fmt.Sprintf("transport: %v: %s", e.Cause, e.Detail)
}

// Unwrap exposes the normalized cause for errors.Is.
func (e *TransportError) Unwrap() error { return e.Cause }

// NewTransportError wraps a cause with detail text.
func NewTransportError(cause error, detail string) *TransportError {
	return &TransportError{Cause: cause, Detail: detail}
}

// AsTransportError normalizes any transmit error into a TransportError.
// Unknown errors map to ErrInternal with the original message preserved.
func AsTransportError(err error) *TransportError {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &TransportError{Cause: ErrNoLink, Detail: err.Error()}
	default:
		return &TransportError{Cause: ErrInternal, Detail: err.Error()}
	}
}

// Uplink transmits invocations.
type Uplink interface {
	Transmit(ctx context.Context, inv ir.Invocation) (Ack, error)
}

// Func adapts a function to Uplink.
type Func func(ctx context.Context, inv ir.Invocation) (Ack, error)

// Transmit calls f.
func (f Func) Transmit(ctx context.Context, inv ir.Invocation) (Ack, error) {
	return f(ctx, inv)
}

// RateLimited paces transmissions through lim. A wait that cannot complete
// (cancelled context, or a burst smaller than one) is a BUSY transport error.
func RateLimited(u Uplink, lim *rate.Limiter) Uplink {
	return &limited{next: u, lim: lim}
}

type limited struct {
	next Uplink
	lim  *rate.Limiter
}

func (l *limited) Transmit(ctx context.Context, inv ir.Invocation) (Ack, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return Ack{}, NewTransportError(ErrBusy, "rate limit: "+err.Error())
	}
	return l.next.Transmit(ctx, inv)
}

// WithTimeout bounds each Transmit call. A call that overruns is reported as
// NO_LINK.
func WithTimeout(u Uplink, d time.Duration) Uplink {
	return Func(func(ctx context.Context, inv ir.Invocation) (Ack, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		ack, err := u.Transmit(ctx, inv)
		if err != nil {
			return Ack{}, AsTransportError(err)
		}
		return ack, nil
	})
}
