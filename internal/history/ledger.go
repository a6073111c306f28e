package history

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/telecommand/internal/ir"
)

// Store persists records. Implementations must make Insert idempotent on
// record id and Finalize a no-op for records that are already terminal.
type Store interface {
	Insert(ctx context.Context, rec ir.HistoryRecord) error
	Finalize(ctx context.Context, rec ir.HistoryRecord) error
	Acknowledge(ctx context.Context, id, ackID string) error
}

// ErrNotPersisted is wrapped by Finalize when the store write fails. The
// in-memory record is terminal regardless; the stored copy stays pending
// until RecoverPending finalizes it on the next start.
var ErrNotPersisted = errors.New("record not persisted")

// Outcome carries the results recorded when a record is finalized.
type Outcome struct {
	PostConstraints     []ir.ConstraintResult
	VerificationResults []ir.VerificationResult
	Message             string
}

// EventKind says which ledger mutation an Event reports.
type EventKind string

const (
	EventAppended     EventKind = "appended"
	EventAcknowledged EventKind = "acknowledged"
	EventFinalized    EventKind = "finalized"
)

// Event is delivered to watchers after every ledger mutation.
type Event struct {
	Kind   EventKind
	Record ir.HistoryRecord
}

type entry struct {
	mu  sync.Mutex
	rec ir.HistoryRecord
}

type watcher struct {
	ch     chan Event
	closed bool
}

// Ledger is the append-only history of dispatch attempts.
type Ledger struct {
	store  Store
	clock  clockwork.Clock
	logger *slog.Logger

	mu       sync.RWMutex
	byID     map[string]*entry
	order    []*entry
	lastSeq  int64
	watchers map[int]*watcher
	nextW    int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore mirrors every mutation to s.
func WithStore(s Store) Option {
	return func(l *Ledger) { l.store = s }
}

// WithClock sets the clock used for FinalizedAt stamps.
func WithClock(c clockwork.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default().With("component", "history"),
		byID:     make(map[string]*entry),
		watchers: make(map[int]*watcher),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Restore loads previously persisted records, in seq order, into an empty
// ledger. The records are not written back to the store.
func (l *Ledger) Restore(records []ir.HistoryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.order) > 0 {
		return fmt.Errorf("restore: ledger already holds %d records", len(l.order))
	}
	for _, rec := range records {
		if _, ok := l.byID[rec.ID]; ok {
			return fmt.Errorf("restore: duplicate record id %s", rec.ID)
		}
		if rec.Seq <= l.lastSeq {
			return fmt.Errorf("restore: record %s seq %d not after %d", rec.ID, rec.Seq, l.lastSeq)
		}
		e := &entry{rec: rec.Clone()}
		l.byID[rec.ID] = e
		l.order = append(l.order, e)
		l.lastSeq = rec.Seq
	}
	return nil
}

// LastSeq returns the highest seq held by the ledger.
func (l *Ledger) LastSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Append adds a new record. The id must be unused and the seq must be
// greater than every seq already appended.
func (l *Ledger) Append(ctx context.Context, rec ir.HistoryRecord) error {
	if rec.ID == "" {
		return ir.NewValidationError("", "history record has no id", nil)
	}
	if _, err := ir.ParseRecordStatus(string(rec.Status)); err != nil {
		return ir.NewValidationError(rec.ID, err.Error(), nil)
	}

	l.mu.Lock()
	if _, ok := l.byID[rec.ID]; ok {
		l.mu.Unlock()
		return &ir.Error{Code: ir.CodeDuplicateID, Message: "history record already exists", Subject: rec.ID}
	}
	if rec.Seq <= l.lastSeq {
		l.mu.Unlock()
		return &ir.Error{
			Code:    ir.CodeInvalidTransition,
			Message: fmt.Sprintf("seq %d is not after %d", rec.Seq, l.lastSeq),
			Subject: rec.ID,
		}
	}
	if l.store != nil {
		if err := l.store.Insert(ctx, rec); err != nil {
			l.mu.Unlock()
			return fmt.Errorf("append %s: %w", rec.ID, err)
		}
	}
	e := &entry{rec: rec.Clone()}
	l.byID[rec.ID] = e
	l.order = append(l.order, e)
	l.lastSeq = rec.Seq
	l.mu.Unlock()

	l.logger.Debug("record appended", "record", rec.ID, "seq", rec.Seq, "command", rec.Key().String(), "status", rec.Status)
	l.notify(Event{Kind: EventAppended, Record: rec.Clone()})
	return nil
}

// Acknowledge stores the uplink ack id on a pending record.
func (l *Ledger) Acknowledge(ctx context.Context, id, ackID string) error {
	e, err := l.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.rec.Status.IsTerminal() {
		e.mu.Unlock()
		return ir.NewInvalidTransition(string(e.rec.Status), "acknowledged")
	}
	if l.store != nil {
		if err := l.store.Acknowledge(ctx, id, ackID); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("acknowledge %s: %w", id, err)
		}
	}
	e.rec.AckID = ackID
	snap := e.rec.Clone()
	e.mu.Unlock()

	l.notify(Event{Kind: EventAcknowledged, Record: snap})
	return nil
}

// Finalize moves a pending record to a terminal status. Finalizing an
// already terminal record changes nothing and returns the stored record,
// so the first outcome wins. Calls for the same id are serialized.
//
// A store failure does not leave the record pending in memory: the terminal
// record is returned together with an error wrapping ErrNotPersisted.
func (l *Ledger) Finalize(ctx context.Context, id string, status ir.RecordStatus, out Outcome) (ir.HistoryRecord, error) {
	if !status.IsTerminal() {
		return ir.HistoryRecord{}, ir.NewInvalidTransition(string(ir.StatusPending), string(status))
	}
	e, err := l.entry(id)
	if err != nil {
		return ir.HistoryRecord{}, err
	}

	e.mu.Lock()
	if e.rec.Status.IsTerminal() {
		existing := e.rec.Clone()
		e.mu.Unlock()
		l.logger.Debug("finalize ignored", "record", id, "status", existing.Status, "requested", status)
		return existing, nil
	}
	next := e.rec.Clone()
	now := l.clock.Now().UTC()
	next.Status = status
	next.FinalizedAt = &now
	next.PostConstraints = append(next.PostConstraints, out.PostConstraints...)
	next.VerificationResults = append(next.VerificationResults, out.VerificationResults...)
	if out.Message != "" {
		next.Message = out.Message
	}
	var storeErr error
	if l.store != nil {
		if err := l.store.Finalize(ctx, next); err != nil {
			storeErr = fmt.Errorf("finalize %s: %w: %w", id, ErrNotPersisted, err)
		}
	}
	e.rec = next
	snap := next.Clone()
	e.mu.Unlock()

	if storeErr != nil {
		l.logger.Error("record finalized in memory only", "record", id, "seq", snap.Seq, "status", status, "error", storeErr)
	} else {
		l.logger.Debug("record finalized", "record", id, "seq", snap.Seq, "status", status)
	}
	l.notify(Event{Kind: EventFinalized, Record: snap.Clone()})
	return snap, storeErr
}

// Get returns a copy of the record.
func (l *Ledger) Get(id string) (ir.HistoryRecord, error) {
	e, err := l.entry(id)
	if err != nil {
		return ir.HistoryRecord{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone(), nil
}

// Query lazily yields matching records in seq order. The sequence can be
// ranged over more than once; each pass sees the records present when it
// starts.
func (l *Ledger) Query(f Filter) iter.Seq[ir.HistoryRecord] {
	return func(yield func(ir.HistoryRecord) bool) {
		l.mu.RLock()
		entries := l.order[:len(l.order):len(l.order)]
		l.mu.RUnlock()

		skipped, emitted := 0, 0
		for _, e := range entries {
			if f.Limit > 0 && emitted >= f.Limit {
				return
			}
			e.mu.Lock()
			rec := e.rec
			match := f.Matches(rec)
			if match && skipped >= f.Offset {
				rec = rec.Clone()
			}
			e.mu.Unlock()
			if !match {
				continue
			}
			if skipped < f.Offset {
				skipped++
				continue
			}
			emitted++
			if !yield(rec) {
				return
			}
		}
	}
}

// Page returns one window of matching records plus the total match count.
func (l *Ledger) Page(f Filter) Page {
	all := f
	all.Offset, all.Limit = 0, 0

	p := Page{NextOffset: -1}
	for rec := range l.Query(all) {
		if p.Total >= f.Offset && (f.Limit == 0 || len(p.Records) < f.Limit) {
			p.Records = append(p.Records, rec)
		}
		p.Total++
	}
	if end := f.Offset + len(p.Records); end < p.Total {
		p.NextOffset = end
	}
	return p
}

// Watch registers an observer. Events are sent without blocking; when the
// buffer is full the event is dropped for that watcher. The returned
// function unregisters the watcher and closes its channel.
func (l *Ledger) Watch(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	w := &watcher{ch: make(chan Event, buffer)}

	l.mu.Lock()
	id := l.nextW
	l.nextW++
	l.watchers[id] = w
	l.mu.Unlock()

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.watchers, id)
			w.closed = true
			close(w.ch)
			l.mu.Unlock()
		})
	}
}

func (l *Ledger) notify(ev Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, w := range l.watchers {
		if w.closed {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			l.logger.Warn("history watcher full, event dropped", "record", ev.Record.ID, "event", ev.Kind)
		}
	}
}

func (l *Ledger) entry(id string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.byID[id]
	l.mu.RUnlock()
	if !ok {
		return nil, ir.NewNotFound("history record", id)
	}
	return e, nil
}
