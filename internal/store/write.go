package store

import (
	"context"
	"fmt"

	"github.com/roach88/telecommand/internal/ir"
)

// Insert writes a record. Uses ON CONFLICT(id) DO NOTHING so a repeated
// insert of the same record is ignored.
func (s *Store) Insert(ctx context.Context, rec ir.HistoryRecord) error {
	def := rec.Invocation.Definition
	defJSON, err := marshalJSON(def)
	if err != nil {
		return fmt.Errorf("insert record: definition: %w", err)
	}
	bindings, err := marshalBindings(rec.Invocation.Bindings)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	pre, err := marshalJSON(nonNil(rec.PreConstraints))
	if err != nil {
		return fmt.Errorf("insert record: pre constraints: %w", err)
	}
	post, err := marshalJSON(nonNil(rec.PostConstraints))
	if err != nil {
		return fmt.Errorf("insert record: post constraints: %w", err)
	}
	results, err := marshalJSON(nonNil(rec.VerificationResults))
	if err != nil {
		return fmt.Errorf("insert record: verification results: %w", err)
	}
	var finalized any
	if rec.FinalizedAt != nil {
		finalized = formatTime(*rec.FinalizedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records
		(id, seq, namespace, command_id, definition, bindings, comments, digest,
		 origin_kind, queue_entry_id, run_id, step, operator, status,
		 dispatch_time, finalized_at, ack_id, pre_constraints, post_constraints,
		 verification_results, message, schema_version, engine_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Seq,
		def.Namespace,
		def.ID,
		defJSON,
		bindings,
		rec.Invocation.Comments,
		rec.Digest,
		string(rec.Origin.Kind),
		rec.Origin.QueueEntryID,
		rec.Origin.RunID,
		rec.Origin.Step,
		rec.Operator,
		string(rec.Status),
		formatTime(rec.DispatchTime),
		finalized,
		rec.AckID,
		pre,
		post,
		results,
		rec.Message,
		ir.SchemaVersion,
		ir.EngineVersion,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Finalize stores the terminal state of a record. Rows that are no longer
// pending are left untouched.
func (s *Store) Finalize(ctx context.Context, rec ir.HistoryRecord) error {
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("finalize record %s: status %q is not terminal", rec.ID, rec.Status)
	}
	if rec.FinalizedAt == nil {
		return fmt.Errorf("finalize record %s: missing finalized_at", rec.ID)
	}
	post, err := marshalJSON(nonNil(rec.PostConstraints))
	if err != nil {
		return fmt.Errorf("finalize record: post constraints: %w", err)
	}
	results, err := marshalJSON(nonNil(rec.VerificationResults))
	if err != nil {
		return fmt.Errorf("finalize record: verification results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE records
		SET status = ?, finalized_at = ?, post_constraints = ?,
		    verification_results = ?, message = ?
		WHERE id = ? AND status = 'pending'
	`,
		string(rec.Status),
		formatTime(*rec.FinalizedAt),
		post,
		results,
		rec.Message,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("finalize record: %w", err)
	}
	return nil
}

// Acknowledge stores the uplink ack id of a pending record.
func (s *Store) Acknowledge(ctx context.Context, id, ackID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE records SET ack_id = ? WHERE id = ? AND status = 'pending'
	`, ackID, id)
	if err != nil {
		return fmt.Errorf("acknowledge record: %w", err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
