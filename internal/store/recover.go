package store

import (
	"context"
	"fmt"
	"time"
)

// RecoverPending finalizes records left pending by a previous process as
// aborted. Their verifier watches died with that process, so no outcome
// can ever arrive. Returns the ids that were recovered, in seq order.
func (s *Store) RecoverPending(ctx context.Context, at time.Time, message string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("recover pending: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM records WHERE status = 'pending'
		ORDER BY seq ASC, id ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("recover pending: select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("recover pending: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("recover pending: iterate: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE records SET status = 'aborted', finalized_at = ?, message = ?
		WHERE status = 'pending'
	`, formatTime(at), message)
	if err != nil {
		return nil, fmt.Errorf("recover pending: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("recover pending: commit: %w", err)
	}
	return ids, nil
}
