package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/telecommand/internal/catalog"
	"github.com/roach88/telecommand/internal/ir"
)

// Direction moves a queue entry one slot.
type Direction int

const (
	Up Direction = iota + 1
	Down
)

// String returns "up" or "down".
func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// EnqueueOption sets optional entry timing.
type EnqueueOption func(*ir.QueuedCommand)

// ScheduleAt holds the entry until t.
func ScheduleAt(t time.Time) EnqueueOption {
	return func(qc *ir.QueuedCommand) { qc.ScheduledTime = &t }
}

// ExpireAt drops the entry, recording it expired, if it has not been
// dispatched by t.
func ExpireAt(t time.Time) EnqueueOption {
	return func(qc *ir.QueuedCommand) { qc.ExpiresAt = &t }
}

// DrainOutcome is the result for one entry handled by a drain.
type DrainOutcome struct {
	EntryID  string          `json:"entry_id"`
	RecordID string          `json:"record_id,omitempty"`
	Status   ir.RecordStatus `json:"status"`
	Message  string          `json:"message,omitempty"`
}

// DrainReport summarizes one Drain call.
type DrainReport struct {
	Outcomes []DrainOutcome `json:"outcomes"`
	// Removed lists entries cancelled by Remove before they were dispatched.
	Removed []string `json:"removed,omitempty"`
	// Stopped is set when the drain halted at a rejected entry.
	Stopped   bool `json:"stopped"`
	Remaining int  `json:"remaining"`
}

// Count returns the number of outcomes with the given status.
func (r DrainReport) Count(status ir.RecordStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

func (r *DrainReport) add(entryID string, rec ir.HistoryRecord) {
	r.Outcomes = append(r.Outcomes, DrainOutcome{
		EntryID:  entryID,
		RecordID: rec.ID,
		Status:   rec.Status,
		Message:  rec.Message,
	})
}

// Queue is a priority-ordered holding area for invocations. Higher
// priority drains first; equal priorities drain in enqueue order.
//
// Thread-safety: every method is safe for concurrent use. Only one Drain
// runs at a time.
type Queue struct {
	exec                *Executor
	ids                 IDGenerator
	clock               clockwork.Clock
	logger              *slog.Logger
	continueOnRejection bool

	mu        sync.Mutex
	entries   []ir.QueuedCommand
	nextOrder int64
	draining  bool
	inflight  map[string]context.CancelFunc

	// signal wakes a drain waiting on a scheduled entry (buffered, size 1).
	signal chan struct{}
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithEntryIDs sets the queue entry id generator.
func WithEntryIDs(g IDGenerator) QueueOption {
	return func(q *Queue) { q.ids = g }
}

// WithQueueClock sets the clock used for scheduling and expiry.
func WithQueueClock(c clockwork.Clock) QueueOption {
	return func(q *Queue) { q.clock = c }
}

// WithQueueLogger sets the logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithQueueContinueOnRejection keeps draining after a rejected entry.
func WithQueueContinueOnRejection(v bool) QueueOption {
	return func(q *Queue) { q.continueOnRejection = v }
}

// NewQueue creates an empty queue that executes through exec.
func NewQueue(exec *Executor, opts ...QueueOption) *Queue {
	q := &Queue{
		exec:     exec,
		ids:      UUIDv7Generator{},
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default().With("component", "queue"),
		inflight: make(map[string]context.CancelFunc),
		signal:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds inv behind every entry of equal or higher priority. The
// bindings are validated now so a drain never meets a malformed entry.
func (q *Queue) Enqueue(inv ir.Invocation, priority int, opts ...EnqueueOption) (ir.QueuedCommand, error) {
	if err := catalog.ValidateBindings(inv); err != nil {
		return ir.QueuedCommand{}, err
	}
	qc := ir.QueuedCommand{
		ID:         q.ids.Generate(),
		Invocation: inv.Clone(),
		Priority:   priority,
		EnqueuedAt: q.clock.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&qc)
	}

	q.mu.Lock()
	q.nextOrder++
	qc.Order = q.nextOrder
	pos := len(q.entries)
	for i, e := range q.entries {
		if e.Priority < priority {
			pos = i
			break
		}
	}
	q.entries = slices.Insert(q.entries, pos, qc)
	q.mu.Unlock()

	q.wake()
	q.logger.Debug("command enqueued", "entry", qc.ID, "command", inv.Key().String(), "priority", priority, "position", pos)
	return cloneQueued(qc), nil
}

// DequeueNext removes and returns the head entry without executing it.
func (q *Queue) DequeueNext() (ir.QueuedCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return ir.QueuedCommand{}, false
	}
	head := q.entries[0]
	q.entries = slices.Delete(q.entries, 0, 1)
	return head, true
}

// Remove deletes a waiting entry, or cancels the entry a drain is currently
// executing; that entry's record is finalized aborted.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	if i := q.index(id); i >= 0 {
		q.entries = slices.Delete(q.entries, i, i+1)
		q.mu.Unlock()
		q.wake()
		q.logger.Info("queue entry removed", "entry", id)
		return nil
	}
	cancel, ok := q.inflight[id]
	q.mu.Unlock()
	if !ok {
		return ir.NewNotFound("queue entry", id)
	}
	cancel()
	q.logger.Info("in-flight queue entry cancelled", "entry", id)
	return nil
}

// Reorder swaps an entry with its neighbour; the moved entry adopts the
// neighbour's priority so the queue stays priority ordered.
func (q *Queue) Reorder(id string, dir Direction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 {
		return ir.NewNotFound("queue entry", id)
	}
	var j int
	switch dir {
	case Up:
		j = i - 1
	case Down:
		j = i + 1
	default:
		return ir.NewValidationError(id, "unknown direction "+dir.String(), nil)
	}
	if j < 0 || j >= len(q.entries) {
		return &ir.Error{
			Code:    ir.CodeInvalidTransition,
			Message: fmt.Sprintf("cannot move %s from position %d", dir, i),
			Subject: id,
		}
	}
	q.entries[i].Priority = q.entries[j].Priority
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.wake()
	return nil
}

// List returns the waiting entries in drain order.
func (q *Queue) List() []ir.QueuedCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ir.QueuedCommand, len(q.entries))
	for i, e := range q.entries {
		out[i] = cloneQueued(e)
	}
	return out
}

// Len returns the number of waiting entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Draining reports whether a drain is running.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Drain executes entries in order until the queue is empty. Each entry runs
// the full pipeline and the drain waits for its outcome before moving on.
// Entries past their expiry are recorded expired; scheduled entries are
// waited for. The drain stops at the first rejected outcome unless the
// queue continues on rejection. Cancelling ctx aborts the current entry.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainReport{}, &ir.Error{Code: ir.CodeInvalidTransition, Message: "queue drain already running"}
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	var report DrainReport
	for {
		if err := ctx.Err(); err != nil {
			report.Remaining = q.Len()
			return report, err
		}

		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return report, nil
		}
		head := q.entries[0]
		now := q.clock.Now()

		if head.ExpiresAt != nil && !now.Before(*head.ExpiresAt) {
			q.entries = slices.Delete(q.entries, 0, 1)
			q.mu.Unlock()
			msg := fmt.Sprintf("%s: entry %s expired at %s", ir.CodeExpired, head.ID, head.ExpiresAt.UTC().Format(time.RFC3339))
			rec, err := q.exec.dispatcher.Reject(ctx, head.Invocation, queueOrigin(head), ir.StatusExpired, nil, msg)
			if err != nil {
				return report, fmt.Errorf("drain entry %s: %w", head.ID, err)
			}
			report.add(head.ID, rec)
			continue
		}

		if head.ScheduledTime != nil && now.Before(*head.ScheduledTime) {
			wake := *head.ScheduledTime
			if head.ExpiresAt != nil && head.ExpiresAt.Before(wake) {
				wake = *head.ExpiresAt
			}
			q.mu.Unlock()
			q.logger.Debug("waiting for scheduled entry", "entry", head.ID, "until", wake)
			if err := q.waitUntil(ctx, wake.Sub(now)); err != nil {
				report.Remaining = q.Len()
				return report, err
			}
			continue
		}

		q.entries = slices.Delete(q.entries, 0, 1)
		itemCtx, cancel := context.WithCancel(ctx)
		q.inflight[head.ID] = cancel
		q.mu.Unlock()

		rec, err := q.run(itemCtx, head)

		q.mu.Lock()
		delete(q.inflight, head.ID)
		q.mu.Unlock()
		removed := itemCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if err != nil {
			if removed {
				report.Removed = append(report.Removed, head.ID)
				continue
			}
			if ctx.Err() != nil {
				report.Remaining = q.Len()
				return report, ctx.Err()
			}
			return report, fmt.Errorf("drain entry %s: %w", head.ID, err)
		}

		report.add(head.ID, rec)
		if rec.Status == ir.StatusRejected && !q.continueOnRejection {
			report.Stopped = true
			report.Remaining = q.Len()
			q.logger.Warn("drain stopped at rejected entry", "entry", head.ID, "record", rec.ID, "message", rec.Message)
			return report, nil
		}
	}
}

func (q *Queue) run(ctx context.Context, qc ir.QueuedCommand) (ir.HistoryRecord, error) {
	x, err := q.exec.Submit(ctx, qc.Invocation, queueOrigin(qc))
	if err != nil {
		return ir.HistoryRecord{}, err
	}
	rec, _ := x.Wait(context.WithoutCancel(ctx))
	return rec, nil
}

func (q *Queue) waitUntil(ctx context.Context, d time.Duration) error {
	timer := q.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
	case <-q.signal:
	}
	return nil
}

// wake signals a waiting drain (non-blocking - buffer of 1 coalesces).
func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) index(id string) int {
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func queueOrigin(qc ir.QueuedCommand) ir.Origin {
	return ir.Origin{Kind: ir.OriginQueue, QueueEntryID: qc.ID}
}

func cloneQueued(qc ir.QueuedCommand) ir.QueuedCommand {
	out := qc
	out.Invocation = qc.Invocation.Clone()
	if qc.ScheduledTime != nil {
		t := *qc.ScheduledTime
		out.ScheduledTime = &t
	}
	if qc.ExpiresAt != nil {
		t := *qc.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}
