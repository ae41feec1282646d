package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Outcomes recorded in the processed-message ledger.
const (
	OutcomeDelivered  = "delivered"
	OutcomeGone       = "gone" // deleted before it could be fetched
	OutcomeUnreadable = "unreadable"
)

// IsProcessed reports whether a message has already been handled.
func (s *Store) IsProcessed(accountID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM processed_messages WHERE account_id = ? AND message_id = ?
	`, accountID, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check processed %s/%s: %w", accountID, messageID, err)
	}
	return true, nil
}

// MarkProcessed records a message outcome. Recording twice is a no-op.
func (s *Store) MarkProcessed(accountID, messageID, outcome string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO processed_messages (account_id, message_id, outcome, processed_at)
		VALUES (?, ?, ?, ?)
	`, accountID, messageID, outcome, s.nowMillis())
	if err != nil {
		return fmt.Errorf("mark processed %s/%s: %w", accountID, messageID, err)
	}
	return nil
}

// CountProcessed returns how many messages an account has in the ledger.
func (s *Store) CountProcessed(accountID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM processed_messages WHERE account_id = ?`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count processed %s: %w", accountID, err)
	}
	return n, nil
}

// Todo is a planning task derived from an inbound message.
type Todo struct {
	ID         int64
	AccountID  string
	MessageID  string
	Title      string
	Notes      string
	Sender     string
	ReceivedAt time.Time
	CreatedAt  time.Time
}

// InsertTodo stores a todo once per (account, message). It reports whether
// a new row was written.
func (s *Store) InsertTodo(t *Todo) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO todos (account_id, message_id, title, notes, sender, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.AccountID, t.MessageID, t.Title, t.Notes, t.Sender, toMillis(t.ReceivedAt), s.nowMillis())
	if err != nil {
		return false, fmt.Errorf("insert todo %s/%s: %w", t.AccountID, t.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert todo %s/%s: %w", t.AccountID, t.MessageID, err)
	}
	return n > 0, nil
}

// ListTodos returns an account's todos, newest message first.
func (s *Store) ListTodos(accountID string, limit int) ([]*Todo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, account_id, message_id, title, notes, sender, received_at, created_at
		FROM todos
		WHERE account_id = ?
		ORDER BY received_at DESC, id DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list todos %s: %w", accountID, err)
	}
	defer rows.Close()

	var todos []*Todo
	for rows.Next() {
		var t Todo
		var receivedAt, createdAt int64
		if err := rows.Scan(&t.ID, &t.AccountID, &t.MessageID, &t.Title, &t.Notes, &t.Sender,
			&receivedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		t.ReceivedAt = fromMillis(receivedAt)
		t.CreatedAt = fromMillis(createdAt)
		todos = append(todos, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate todos: %w", err)
	}
	return todos, nil
}
