package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Sync run kinds.
const (
	SyncKindHistory    = "history"
	SyncKindCursorGone = "cursor_gone"
)

// Sync run statuses.
const (
	SyncRunning   = "running"
	SyncCompleted = "completed"
	SyncFailed    = "failed"
)

// SyncRun is one history sync attempt, or a recorded cursor loss.
type SyncRun struct {
	ID                int64
	AccountID         string
	Kind              string
	Status            string
	CursorBefore      uint64
	CursorAfter       uint64
	MessagesProcessed int64
	ErrorMessage      string
	StartedAt         time.Time
	CompletedAt       time.Time // zero while running
}

// StartSyncRun creates a running sync record and returns its ID. Any run
// still marked running for the account is failed as superseded.
func (s *Store) StartSyncRun(accountID string, cursorBefore uint64) (int64, error) {
	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		now := s.nowMillis()
		if _, err := tx.Exec(`
			UPDATE sync_runs
			SET status = 'failed', error_message = 'superseded by new sync', completed_at = ?
			WHERE account_id = ? AND status = 'running'
		`, now, accountID); err != nil {
			return fmt.Errorf("mark old syncs failed: %w", err)
		}

		res, err := tx.Exec(`
			INSERT INTO sync_runs (account_id, kind, status, cursor_before, started_at)
			VALUES (?, 'history', 'running', ?, ?)
		`, accountID, int64(cursorBefore), now)
		if err != nil {
			return fmt.Errorf("insert sync_run: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// CompleteSyncRun marks a sync as successfully completed.
func (s *Store) CompleteSyncRun(runID int64, cursorAfter uint64, processed int64) error {
	_, err := s.db.Exec(`
		UPDATE sync_runs
		SET status = 'completed', cursor_after = ?, messages_processed = ?, completed_at = ?
		WHERE id = ?
	`, int64(cursorAfter), processed, s.nowMillis(), runID)
	if err != nil {
		return fmt.Errorf("complete sync run %d: %w", runID, err)
	}
	return nil
}

// FailSyncRun marks a sync as failed with an error message.
func (s *Store) FailSyncRun(runID int64, processed int64, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE sync_runs
		SET status = 'failed', messages_processed = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`, processed, errMsg, s.nowMillis(), runID)
	if err != nil {
		return fmt.Errorf("fail sync run %d: %w", runID, err)
	}
	return nil
}

// RecordCursorGone logs that the provider no longer had history for the
// stale cursor and the watch was re-baselined at fresh.
func (s *Store) RecordCursorGone(accountID string, stale, fresh uint64, detail string) error {
	now := s.nowMillis()
	_, err := s.db.Exec(`
		INSERT INTO sync_runs (account_id, kind, status, cursor_before, cursor_after, error_message, started_at, completed_at)
		VALUES (?, 'cursor_gone', 'completed', ?, ?, ?, ?, ?)
	`, accountID, int64(stale), int64(fresh), detail, now, now)
	if err != nil {
		return fmt.Errorf("record cursor gone %s: %w", accountID, err)
	}
	return nil
}

// ListSyncRuns returns an account's most recent runs, newest first.
func (s *Store) ListSyncRuns(accountID string, limit int) ([]*SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, account_id, kind, status, cursor_before, cursor_after,
		       messages_processed, error_message, started_at, completed_at
		FROM sync_runs
		WHERE account_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs %s: %w", accountID, err)
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		var r SyncRun
		var before, after, startedAt int64
		var completedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Kind, &r.Status, &before, &after,
			&r.MessagesProcessed, &r.ErrorMessage, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		r.CursorBefore = uint64(before)
		r.CursorAfter = uint64(after)
		r.StartedAt = fromMillis(startedAt)
		if completedAt.Valid {
			r.CompletedAt = fromMillis(completedAt.Int64)
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync runs: %w", err)
	}
	return runs, nil
}

// LastSyncRun returns the account's most recent run, or nil.
func (s *Store) LastSyncRun(accountID string) (*SyncRun, error) {
	runs, err := s.ListSyncRuns(accountID, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}
