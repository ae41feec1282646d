// Package gmail provides a Gmail API client for mailbox watch and history
// operations, plus the per-user quota model used to pace calls.
package gmail

import (
	"context"
	"time"
)

// WatchManager registers and cancels push notification subscriptions.
type WatchManager interface {
	// Watch subscribes the mailbox to push notifications on a Pub/Sub topic.
	// A second call replaces the existing subscription.
	Watch(ctx context.Context, account string, req WatchRequest) (*WatchResponse, error)

	// Stop cancels push notifications for the mailbox.
	Stop(ctx context.Context, account string) error
}

// MessageReader provides read access to Gmail messages and history.
type MessageReader interface {
	// GetProfile returns the authenticated user's profile.
	GetProfile(ctx context.Context, account string) (*Profile, error)

	// ListHistory returns messageAdded changes since the given history ID.
	ListHistory(ctx context.Context, account string, req HistoryRequest) (*HistoryResponse, error)

	// GetMessageRaw fetches a single message with raw MIME data.
	GetMessageRaw(ctx context.Context, account, messageID string) (*RawMessage, error)
}

// API defines the Gmail operations the service needs.
// This interface enables mocking for tests without hitting the real API.
type API interface {
	WatchManager
	MessageReader

	// Close releases any resources held by the client.
	Close() error
}

// WatchRequest describes a users.watch registration.
type WatchRequest struct {
	TopicName string
	LabelIDs  []string
}

// WatchResponse is what Gmail returns for a successful users.watch.
type WatchResponse struct {
	HistoryID  uint64
	Expiration time.Time
}

// Profile represents a Gmail user profile.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
	HistoryID     uint64
}

// HistoryRequest pages through users.history.list.
type HistoryRequest struct {
	StartHistoryID uint64
	LabelID        string
	PageSize       int
	PageToken      string
}

// HistoryResponse contains changes since a history ID.
type HistoryResponse struct {
	History       []HistoryRecord
	NextPageToken string
	HistoryID     uint64
}

// HistoryRecord represents a single history change.
type HistoryRecord struct {
	ID            uint64
	MessagesAdded []MessageID
}

// MessageID represents a message reference from history or list operations.
type MessageID struct {
	ID       string
	ThreadID string
}

// RawMessage contains the raw MIME data for a message.
type RawMessage struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	HistoryID    uint64
	InternalDate int64 // Unix milliseconds
	SizeEstimate int64
	Raw          []byte // Decoded from base64url
}
