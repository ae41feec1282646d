package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Watch statuses.
const (
	WatchActive      = "active"
	WatchNeedsReauth = "needs_reauth"
	WatchRejected    = "rejected"
	WatchExpired     = "expired"
	WatchStopped     = "stopped"
)

// DeliveryTuning bounds how much work one notification turns into.
type DeliveryTuning struct {
	MaxItemsPerDelivery int
	InterDeliveryDelay  time.Duration
}

// Watch is the push subscription and history cursor for one account.
type Watch struct {
	AccountID string
	Cursor    uint64 // Gmail historyId
	ExpiresAt time.Time
	Status    string
	Topic     string
	LabelIDs  []string
	Tuning    DeliveryTuning
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the watch is live.
func (w *Watch) IsActive() bool {
	return w.Status == WatchActive
}

const watchColumns = `account_id, history_id, expires_at, status, topic, label_ids,
	max_items_per_delivery, inter_delivery_delay, last_error, created_at, updated_at`

func scanWatch(row interface{ Scan(...any) error }) (*Watch, error) {
	var w Watch
	var cursor, expiresAt, delayMillis, createdAt, updatedAt int64
	var labels string
	err := row.Scan(&w.AccountID, &cursor, &expiresAt, &w.Status, &w.Topic, &labels,
		&w.Tuning.MaxItemsPerDelivery, &delayMillis, &w.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	w.Cursor = uint64(cursor)
	w.ExpiresAt = fromMillis(expiresAt)
	w.Tuning.InterDeliveryDelay = time.Duration(delayMillis) * time.Millisecond
	w.CreatedAt = fromMillis(createdAt)
	w.UpdatedAt = fromMillis(updatedAt)
	if labels != "" {
		w.LabelIDs = strings.Split(labels, ",")
	}
	return &w, nil
}

// GetWatch returns the watch for an account, or nil if none exists.
func (s *Store) GetWatch(accountID string) (*Watch, error) {
	row := s.db.QueryRow(`SELECT `+watchColumns+` FROM watches WHERE account_id = ?`, accountID)
	w, err := scanWatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watch %s: %w", accountID, err)
	}
	return w, nil
}

// ReplaceWatch stores w as the account's only watch. The cursor is
// overwritten unconditionally: a new registration discards the old cursor.
func (s *Store) ReplaceWatch(w *Watch) error {
	now := s.nowMillis()
	status := w.Status
	if status == "" {
		status = WatchActive
	}
	_, err := s.db.Exec(`
		INSERT INTO watches (account_id, history_id, expires_at, status, topic, label_ids,
		                     max_items_per_delivery, inter_delivery_delay, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			history_id = excluded.history_id,
			expires_at = excluded.expires_at,
			status = excluded.status,
			topic = excluded.topic,
			label_ids = excluded.label_ids,
			max_items_per_delivery = excluded.max_items_per_delivery,
			inter_delivery_delay = excluded.inter_delivery_delay,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, w.AccountID, int64(w.Cursor), toMillis(w.ExpiresAt), status, w.Topic, strings.Join(w.LabelIDs, ","),
		w.Tuning.MaxItemsPerDelivery, w.Tuning.InterDeliveryDelay.Milliseconds(), w.LastError, now, now)
	if err != nil {
		return fmt.Errorf("replace watch %s: %w", w.AccountID, err)
	}
	return nil
}

// AdvanceCursor moves the account's cursor to next only if that is forward.
// It reports whether the stored cursor changed. updated_at tracks status
// changes and is left alone.
func (s *Store) AdvanceCursor(accountID string, next uint64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE watches SET history_id = ?
		WHERE account_id = ? AND history_id < ?
	`, int64(next), accountID, int64(next))
	if err != nil {
		return false, fmt.Errorf("advance cursor %s: %w", accountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance cursor %s: %w", accountID, err)
	}
	return n > 0, nil
}

// SetWatchStatus records a status transition and the error that caused it.
func (s *Store) SetWatchStatus(accountID, status, lastError string) error {
	res, err := s.db.Exec(`
		UPDATE watches SET status = ?, last_error = ?, updated_at = ?
		WHERE account_id = ?
	`, status, lastError, s.nowMillis(), accountID)
	if err != nil {
		return fmt.Errorf("set watch status %s: %w", accountID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// No watch yet: keep a placeholder so the status is visible.
	return s.ReplaceWatch(&Watch{AccountID: accountID, Status: status, LastError: lastError})
}

// RecordWatchError stores lastError without changing the status.
func (s *Store) RecordWatchError(accountID, lastError string) error {
	_, err := s.db.Exec(`UPDATE watches SET last_error = ? WHERE account_id = ?`, lastError, accountID)
	if err != nil {
		return fmt.Errorf("record watch error %s: %w", accountID, err)
	}
	return nil
}

// ListWatches returns every watch ordered by account.
func (s *Store) ListWatches() ([]*Watch, error) {
	rows, err := s.db.Query(`SELECT ` + watchColumns + ` FROM watches ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list watches: %w", err)
	}
	defer rows.Close()

	var watches []*Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watch: %w", err)
		}
		watches = append(watches, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watches: %w", err)
	}
	return watches, nil
}
