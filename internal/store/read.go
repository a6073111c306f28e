package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/telecommand/internal/history"
	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/queryir"
	"github.com/roach88/telecommand/internal/querysql"
)

var recordColumnList = []string{
	"id", "seq", "definition", "bindings", "comments", "digest",
	"origin_kind", "queue_entry_id", "run_id", "step", "operator", "status",
	"dispatch_time", "finalized_at", "ack_id", "pre_constraints", "post_constraints",
	"verification_results", "message",
}

var recordColumns = strings.Join(recordColumnList, ", ")

// compiler renders history queries with the stored timestamp layout.
var compiler = &querysql.SQLCompiler{FormatTime: formatTime}

// Get retrieves a single record by id. Returns a NOT_FOUND error when the
// record does not exist.
func (s *Store) Get(ctx context.Context, id string) (ir.HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.HistoryRecord{}, ir.NewNotFound("history record", id)
	}
	return rec, err
}

// LoadAll returns every record in seq order.
func (s *Store) LoadAll(ctx context.Context) ([]ir.HistoryRecord, error) {
	return s.Query(ctx, history.Filter{})
}

// Query returns records matching f in seq order. Returns an empty slice
// (not nil) when nothing matches.
func (s *Store) Query(ctx context.Context, f history.Filter) ([]ir.HistoryRecord, error) {
	sel := queryir.FromFilter(f)
	sel.Columns = recordColumnList
	query, params, err := compiler.Compile(sel)
	if err != nil {
		return nil, fmt.Errorf("compile records query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []ir.HistoryRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// QueryRows runs a read-only SQL query against the records table. Callers
// own the returned rows. Used for final-state inspection.
func (s *Store) QueryRows(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ir.HistoryRecord, error) {
	var (
		rec                     ir.HistoryRecord
		defJSON, bindingsJSON   string
		originKind, status      string
		dispatchTime            string
		finalizedAt             sql.NullString
		pre, post, verification string
	)
	err := row.Scan(
		&rec.ID,
		&rec.Seq,
		&defJSON,
		&bindingsJSON,
		&rec.Invocation.Comments,
		&rec.Digest,
		&originKind,
		&rec.Origin.QueueEntryID,
		&rec.Origin.RunID,
		&rec.Origin.Step,
		&rec.Operator,
		&status,
		&dispatchTime,
		&finalizedAt,
		&rec.AckID,
		&pre,
		&post,
		&verification,
		&rec.Message,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.HistoryRecord{}, err
		}
		return ir.HistoryRecord{}, fmt.Errorf("scan record: %w", err)
	}

	def, err := unmarshalDefinition(defJSON)
	if err != nil {
		return ir.HistoryRecord{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	bindings, err := unmarshalBindings(def, bindingsJSON)
	if err != nil {
		return ir.HistoryRecord{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.Invocation.Definition = def
	rec.Invocation.Bindings = bindings
	rec.Invocation.Operator = rec.Operator
	rec.Origin.Kind = ir.OriginKind(originKind)

	if rec.Status, err = ir.ParseRecordStatus(status); err != nil {
		return ir.HistoryRecord{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	if rec.DispatchTime, err = parseTime("dispatch_time", dispatchTime); err != nil {
		return ir.HistoryRecord{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	if finalizedAt.Valid {
		t, err := parseTime("finalized_at", finalizedAt.String)
		if err != nil {
			return ir.HistoryRecord{}, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		rec.FinalizedAt = &t
	}
	if rec.PreConstraints, err = unmarshalList[ir.ConstraintResult]("pre_constraints", pre); err != nil {
		return ir.HistoryRecord{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	if rec.PostConstraints, err = unmarshalList[ir.ConstraintResult]("post_constraints", post); err != nil {
		return ir.HistoryRecord{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	if rec.VerificationResults, err = unmarshalList[ir.VerificationResult]("verification_results", verification); err != nil {
		return ir.HistoryRecord{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return rec, nil
}
