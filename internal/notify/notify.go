// Package notify delivers newly arrived messages to downstream consumers.
// Every consumer must be idempotent per (account, message): the syncer
// delivers at least once.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weddingdesk/mailwatch/internal/mime"
	"github.com/weddingdesk/mailwatch/internal/store"
)

// Delivery is one new message for one account.
type Delivery struct {
	Account    string
	MessageID  string // Gmail message ID
	ThreadID   string
	ReceivedAt time.Time
	Content    *mime.Content
}

// Consumer receives deliveries.
type Consumer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, d Delivery) error

func (f ConsumerFunc) Deliver(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// Fanout delivers to each consumer in order and stops at the first error,
// so the message is retried as a whole.
type Fanout []Consumer

func (f Fanout) Deliver(ctx context.Context, d Delivery) error {
	for _, c := range f {
		if err := c.Deliver(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// TodoStore is where TodoConsumer writes.
type TodoStore interface {
	InsertTodo(t *store.Todo) (bool, error)
}

// TodoConsumer turns each message into a planning todo.
type TodoConsumer struct {
	store  TodoStore
	logger *slog.Logger
}

// NewTodoConsumer creates a TodoConsumer.
func NewTodoConsumer(st TodoStore, logger *slog.Logger) *TodoConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TodoConsumer{store: st, logger: logger}
}

const maxTitleRunes = 120

// Deliver stores the todo. A message already turned into a todo is a no-op.
func (c *TodoConsumer) Deliver(ctx context.Context, d Delivery) error {
	if d.Content == nil {
		return errors.New("todo: delivery has no content")
	}
	todo := &store.Todo{
		AccountID:  d.Account,
		MessageID:  d.MessageID,
		Title:      todoTitle(d.Content),
		Notes:      d.Content.Snippet,
		Sender:     d.Content.From.Email,
		ReceivedAt: d.ReceivedAt,
	}
	if todo.ReceivedAt.IsZero() {
		todo.ReceivedAt = d.Content.Date
	}

	created, err := c.store.InsertTodo(todo)
	if err != nil {
		return fmt.Errorf("todo for %s/%s: %w", d.Account, d.MessageID, err)
	}
	if created {
		c.logger.Debug("todo created", "account", d.Account, "message_id", d.MessageID, "title", todo.Title)
	}
	return nil
}

func todoTitle(c *mime.Content) string {
	if c.Subject != "" {
		return mime.Truncate(c.Subject, maxTitleRunes)
	}
	who := c.From.Name
	if who == "" {
		who = c.From.Email
	}
	if who == "" {
		return "Follow up on new message"
	}
	return mime.Truncate("Reply to "+who, maxTitleRunes)
}
