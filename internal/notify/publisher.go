package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// duplicateWindow is how long JetStream remembers a message ID.
const duplicateWindow = 2 * time.Hour

// jetStream is the part of nats.JetStreamContext the publisher uses.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// MessageEvent is the payload published for each new message.
type MessageEvent struct {
	ID          string    `json:"id"`
	Account     string    `json:"account"`
	MessageID   string    `json:"message_id"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Subject     string    `json:"subject"`
	From        string    `json:"from"`
	FromName    string    `json:"from_name,omitempty"`
	Snippet     string    `json:"snippet"`
	ReceivedAt  time.Time `json:"received_at"`
	Attachments []string  `json:"attachments,omitempty"`
}

// Publisher publishes message events to NATS JetStream. The Nats-Msg-Id
// header is the account and Gmail message ID, so redeliveries inside the
// stream's duplicate window are dropped by the server.
type Publisher struct {
	nc      *nats.Conn
	js      jetStream
	subject string
	logger  *slog.Logger
}

// NewPublisher connects to url and makes sure the stream exists.
func NewPublisher(url, stream, subjectPrefix string, logger *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("mailwatch"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}
	if err := ensureStream(js, stream, subjectPrefix); err != nil {
		nc.Close()
		return nil, err
	}
	p := newPublisher(js, subjectPrefix, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(js jetStream, subjectPrefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{js: js, subject: subjectPrefix + ".messages.added", logger: logger}
}

func ensureStream(js nats.JetStreamContext, stream, subjectPrefix string) error {
	if info, err := js.StreamInfo(stream); err == nil && info != nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       stream,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: duplicateWindow,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create stream %s: %w", stream, err)
	}
	return nil
}

// Deliver publishes the message event.
func (p *Publisher) Deliver(ctx context.Context, d Delivery) error {
	if d.Content == nil {
		return errors.New("publish: delivery has no content")
	}
	ev := MessageEvent{
		ID:          uuid.NewString(),
		Account:     d.Account,
		MessageID:   d.MessageID,
		ThreadID:    d.ThreadID,
		Subject:     d.Content.Subject,
		From:        d.Content.From.Email,
		FromName:    d.Content.From.Name,
		Snippet:     d.Content.Snippet,
		ReceivedAt:  d.ReceivedAt,
		Attachments: d.Content.Attachments,
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = d.Content.Date
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode message event: %w", err)
	}

	if _, err := p.js.Publish(p.subject, data, nats.MsgId(dedupeID(d)), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s/%s: %w", d.Account, d.MessageID, err)
	}
	p.logger.Debug("published message event", "account", d.Account, "message_id", d.MessageID, "event_id", ev.ID)
	return nil
}

func dedupeID(d Delivery) string {
	return d.Account + "/" + d.MessageID
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
}
