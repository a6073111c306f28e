package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/telecommand/internal/expr"
	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/telemetry"
)

// errCancelled is the cancellation cause used by Monitor.Cancel.
var errCancelled = errors.New("verification cancelled")

// Monitor runs verifier watches against a telemetry feed.
type Monitor struct {
	feed    telemetry.Feed
	eval    *expr.Evaluator
	clock   clockwork.Clock
	metrics *Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*Verification
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock sets the clock used for verifier timeouts.
func WithMonitorClock(c clockwork.Clock) MonitorOption {
	return func(m *Monitor) { m.clock = c }
}

// WithMonitorMetrics sets the metrics sink.
func WithMonitorMetrics(mt *Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = mt }
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a monitor over feed.
func NewMonitor(feed telemetry.Feed, eval *expr.Evaluator, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		feed:   feed,
		eval:   eval,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default().With("component", "monitor"),
		active: make(map[string]*Verification),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Verification tracks the watches started for one history record.
type Verification struct {
	recordID string
	cancel   context.CancelCauseFunc
	done     chan struct{}

	// results is indexed like the verifier list and read only after done.
	results []ir.VerificationResult
}

// RecordID returns the history record being verified.
func (v *Verification) RecordID() string { return v.recordID }

// Done is closed once every verifier has reached its outcome.
func (v *Verification) Done() <-chan struct{} { return v.done }

// Results returns one outcome per verifier, in declaration order. Blocks
// until Done.
func (v *Verification) Results() []ir.VerificationResult {
	<-v.done
	out := make([]ir.VerificationResult, len(v.results))
	copy(out, v.results)
	return out
}

// Status folds the outcomes into a record status. Blocks until Done.
func (v *Verification) Status() ir.RecordStatus {
	return ir.OverallStatus(v.Results())
}

// Cancel stops every unfinished watch; their outcome becomes cancelled.
func (v *Verification) Cancel() {
	v.cancel(errCancelled)
}

// Watch starts one independent watch per verifier. Cancelling ctx, or
// calling Cancel for recordID, ends unfinished watches as cancelled. With
// no verifiers the verification is complete immediately.
func (m *Monitor) Watch(ctx context.Context, recordID string, verifiers []ir.Verifier, args ir.Bindings) *Verification {
	wctx, cancel := context.WithCancelCause(ctx)
	v := &Verification{
		recordID: recordID,
		cancel:   cancel,
		done:     make(chan struct{}),
		results:  make([]ir.VerificationResult, len(verifiers)),
	}
	if len(verifiers) == 0 {
		cancel(nil)
		close(v.done)
		return v
	}

	m.mu.Lock()
	m.active[recordID] = v
	m.mu.Unlock()

	var g errgroup.Group
	for i, vf := range verifiers {
		g.Go(func() error {
			m.metrics.watchStarted(wctx)
			defer m.metrics.watchEnded(context.WithoutCancel(wctx))
			v.results[i] = m.watchOne(wctx, recordID, vf, args)
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		cancel(nil)
		m.mu.Lock()
		if m.active[recordID] == v {
			delete(m.active, recordID)
		}
		m.mu.Unlock()
		close(v.done)
	}()
	return v
}

// Cancel aborts the watches for recordID. Reports whether any were running.
func (m *Monitor) Cancel(recordID string) bool {
	m.mu.Lock()
	v, ok := m.active[recordID]
	m.mu.Unlock()
	if ok {
		v.Cancel()
	}
	return ok
}

// Active returns the number of records with running watches.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Monitor) watchOne(ctx context.Context, recordID string, vf ir.Verifier, args ir.Bindings) ir.VerificationResult {
	timeout := vf.Timeout()
	deadline := m.clock.Now().Add(timeout)
	timer := m.clock.NewTimer(timeout)
	defer timer.Stop()

	result := func(status ir.VerificationStatus, msg string) ir.VerificationResult {
		m.logger.Debug("verifier finished", "record", recordID, "verifier", vf.ID, "status", status, "message", msg)
		return ir.VerificationResult{
			VerifierID: vf.ID,
			Status:     status,
			Message:    msg,
			Timestamp:  m.clock.Now().UTC(),
		}
	}
	cancelled := func() ir.VerificationResult {
		return result(ir.VerificationCancelled, fmt.Sprintf("watch cancelled: %v", context.Cause(ctx)))
	}

	if vf.Kind == ir.VerifierTimeout {
		select {
		case <-timer.Chan():
			return result(ir.VerificationSuccess, fmt.Sprintf("%s elapsed", timeout))
		case <-ctx.Done():
			return cancelled()
		}
	}

	sub, err := m.feed.Subscribe(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled()
		}
		return result(ir.VerificationFailed, err.Error())
	}
	defer sub.Close()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return cancelled()

		case <-timer.Chan():
			return result(ir.VerificationTimeout, timeoutMessage(vf, timeout, lastErr))

		case <-sub.Done():
			if ctx.Err() != nil {
				return cancelled()
			}
			if err := sub.Err(); err != nil {
				return result(ir.VerificationFailed, err.Error())
			}
			return result(ir.VerificationFailed, "telemetry subscription closed")

		case snap := <-sub.C():
			if !m.clock.Now().Before(deadline) {
				return result(ir.VerificationTimeout, timeoutMessage(vf, timeout, lastErr))
			}
			tm := snap.Values()
			if vf.FailCondition != "" {
				failed, err := m.eval.EvalBool(ctx, vf.FailCondition, tm, args)
				if err == nil && failed {
					return result(ir.VerificationFailed, "fail condition met: "+vf.FailCondition)
				}
			}
			ok, err := m.eval.EvalBool(ctx, vf.Condition, tm, args)
			if err != nil {
				lastErr = err
				continue
			}
			if ok {
				return result(ir.VerificationSuccess, "condition met: "+vf.Condition)
			}
			lastErr = nil
		}
	}
}

func timeoutMessage(vf ir.Verifier, timeout time.Duration, lastErr error) string {
	msg := fmt.Sprintf("condition not met within %s: %s", timeout, vf.Condition)
	if lastErr != nil {
		msg += " (last evaluation error: " + lastErr.Error() + ")"
	}
	return msg
}
