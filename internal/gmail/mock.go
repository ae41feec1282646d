package gmail

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// WatchLifetime is how long Gmail keeps a watch alive.
const WatchLifetime = 7 * 24 * time.Hour

// MockAPI is an in-memory Gmail for tests. Each account has its own history
// log; messages are shared by ID.
type MockAPI struct {
	mu sync.Mutex

	// Current mailbox history ID per account.
	HistoryIDs map[string]uint64

	// History records per account, in ascending ID order.
	History map[string][]HistoryRecord

	// Oldest start ID Gmail still serves per account; older cursors get 404.
	HistoryFloor map[string]uint64

	// Messages indexed by ID
	Messages map[string]*RawMessage

	// Now stamps watch expirations. Defaults to time.Now.
	Now func() time.Time

	// Error injection: queued errors are returned one per call, in order,
	// before the call succeeds.
	WatchErrors   []error
	StopErrors    []error
	ProfileErrors []error
	HistoryErrors []error
	MessageErrors map[string][]error

	// Call tracking for assertions
	WatchCalls      []string
	WatchRequests   []WatchRequest
	StopCalls       []string
	ProfileCalls    int
	HistoryCalls    []HistoryRequest
	GetMessageCalls []string
}

// NewMockAPI creates a new mock API with empty state.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		HistoryIDs:    make(map[string]uint64),
		History:       make(map[string][]HistoryRecord),
		HistoryFloor:  make(map[string]uint64),
		Messages:      make(map[string]*RawMessage),
		MessageErrors: make(map[string][]error),
	}
}

// NotFound builds the error Gmail returns for a missing resource.
func NotFound(op string) *APIError {
	return &APIError{Op: op, StatusCode: http.StatusNotFound, Reason: "notFound", Message: "Requested entity was not found."}
}

func popError(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (m *MockAPI) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// SetHistoryID sets the account's current mailbox history ID.
func (m *MockAPI) SetHistoryID(account string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HistoryIDs[account] = id
}

// AddMessage delivers a message to the account: it is stored and a
// messageAdded history record is appended with the next history ID.
func (m *MockAPI) AddMessage(account, id string, raw []byte) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.HistoryIDs[account]++
	hid := m.HistoryIDs[account]
	m.Messages[id] = &RawMessage{
		ID:           id,
		ThreadID:     "thread_" + id,
		LabelIDs:     []string{"INBOX"},
		HistoryID:    hid,
		Raw:          raw,
		SizeEstimate: int64(len(raw)),
		InternalDate: 1704067200000, // 2024-01-01 00:00:00 UTC
	}
	m.History[account] = append(m.History[account], HistoryRecord{
		ID:            hid,
		MessagesAdded: []MessageID{{ID: id, ThreadID: "thread_" + id}},
	})
	return hid
}

// ExpireHistory makes every cursor below the current history ID invalid.
func (m *MockAPI) ExpireHistory(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HistoryFloor[account] = m.HistoryIDs[account]
}

// QueueMessageError makes the next fetches of messageID fail, in order.
func (m *MockAPI) QueueMessageError(messageID string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessageErrors[messageID] = append(m.MessageErrors[messageID], errs...)
}

// Watch returns the current history ID and a seven-day expiration.
func (m *MockAPI) Watch(ctx context.Context, account string, req WatchRequest) (*WatchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WatchCalls = append(m.WatchCalls, account)
	m.WatchRequests = append(m.WatchRequests, req)

	if err := popError(&m.WatchErrors); err != nil {
		return nil, err
	}
	return &WatchResponse{
		HistoryID:  m.HistoryIDs[account],
		Expiration: m.now().Add(WatchLifetime),
	}, nil
}

// Stop records a stop call.
func (m *MockAPI) Stop(ctx context.Context, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls = append(m.StopCalls, account)
	return popError(&m.StopErrors)
}

// GetProfile returns a profile built from the account's state.
func (m *MockAPI) GetProfile(ctx context.Context, account string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProfileCalls++

	if err := popError(&m.ProfileErrors); err != nil {
		return nil, err
	}
	return &Profile{
		EmailAddress:  account,
		MessagesTotal: int64(len(m.History[account])),
		HistoryID:     m.HistoryIDs[account],
	}, nil
}

// ListHistory returns records newer than the start ID, paged by PageSize.
// The page token is the index of the first record of the page.
func (m *MockAPI) ListHistory(ctx context.Context, account string, req HistoryRequest) (*HistoryResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HistoryCalls = append(m.HistoryCalls, req)

	if err := popError(&m.HistoryErrors); err != nil {
		return nil, err
	}
	if req.StartHistoryID < m.HistoryFloor[account] {
		return nil, NotFound("users.history.list")
	}

	var newer []HistoryRecord
	for _, rec := range m.History[account] {
		if rec.ID > req.StartHistoryID {
			newer = append(newer, rec)
		}
	}

	start := 0
	if req.PageToken != "" {
		n, err := strconv.Atoi(req.PageToken)
		if err != nil {
			return nil, fmt.Errorf("invalid page token: %s", req.PageToken)
		}
		start = n
	}
	if start > len(newer) {
		start = len(newer)
	}
	end := len(newer)
	if req.PageSize > 0 && start+req.PageSize < end {
		end = start + req.PageSize
	}

	resp := &HistoryResponse{
		History:   append([]HistoryRecord(nil), newer[start:end]...),
		HistoryID: m.HistoryIDs[account],
	}
	if end < len(newer) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	return resp, nil
}

// GetMessageRaw returns a stored message.
func (m *MockAPI) GetMessageRaw(ctx context.Context, account, messageID string) (*RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetMessageCalls = append(m.GetMessageCalls, messageID)

	if queue := m.MessageErrors[messageID]; len(queue) > 0 {
		err := popError(&queue)
		m.MessageErrors[messageID] = queue
		return nil, err
	}

	msg, ok := m.Messages[messageID]
	if !ok {
		return nil, NotFound("users.messages.get")
	}
	return msg, nil
}

// Close is a no-op for the mock.
func (m *MockAPI) Close() error {
	return nil
}

// Counts returns the number of calls per operation.
func (m *MockAPI) Counts() (watch, history, messages int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.WatchCalls), len(m.HistoryCalls), len(m.GetMessageCalls)
}

// Ensure MockAPI implements API interface.
var _ API = (*MockAPI)(nil)
