package mime

import (
	"fmt"
	"strings"
	"time"
)

const (
	maxSnippetRunes = 200
	maxTextRunes    = 20000
)

// Content is the part of a message downstream consumers see. Every string
// is valid UTF-8.
type Content struct {
	MessageID   string // RFC 5322 Message-ID, not the Gmail ID
	Subject     string
	From        Address
	ReplyTo     string
	Date        time.Time
	Text        string
	Snippet     string
	Attachments []string
}

// Extract parses a raw message and returns its consumer-facing content.
// Bodies that fail to decode cleanly are repaired, not rejected.
func Extract(raw []byte) (*Content, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("extract content: empty message")
	}
	msg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("extract content: %w", err)
	}

	from := msg.Sender()
	from.Name = EnsureUTF8(from.Name)

	c := &Content{
		MessageID:   EnsureUTF8(msg.MessageID),
		Subject:     strings.TrimSpace(EnsureUTF8(msg.Subject)),
		From:        from,
		Date:        msg.Date,
		Text:        Truncate(EnsureUTF8(msg.BodyTextOrHTML()), maxTextRunes),
		Attachments: msg.Attachments,
	}
	if len(msg.ReplyTo) > 0 {
		c.ReplyTo = msg.ReplyTo[0].Email
	}
	c.Snippet = Truncate(strings.Join(strings.Fields(c.Text), " "), maxSnippetRunes)
	return c, nil
}
