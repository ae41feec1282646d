// Package sync reads a mailbox's history delta since the stored cursor and
// hands every new message to the downstream consumer.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/weddingdesk/mailwatch/internal/clock"
	"github.com/weddingdesk/mailwatch/internal/failure"
	"github.com/weddingdesk/mailwatch/internal/gmail"
	"github.com/weddingdesk/mailwatch/internal/mime"
	"github.com/weddingdesk/mailwatch/internal/notify"
	"github.com/weddingdesk/mailwatch/internal/retry"
	"github.com/weddingdesk/mailwatch/internal/store"
)

const (
	opHistory = "users.history.list"
	opMessage = "users.messages.get"

	defaultPageSize = 100
	maxPageSize     = 500 // users.history.list maxResults limit
)

// ErrNoWatch is returned when the account has no baseline cursor yet.
var ErrNoWatch = errors.New("no watch registered")

// Store is the persistence the syncer needs.
type Store interface {
	GetWatch(accountID string) (*store.Watch, error)
	AdvanceCursor(accountID string, next uint64) (bool, error)
	SetWatchStatus(accountID, status, lastError string) error
	MarkReauthRequired(accountID, reason string) error
	IsProcessed(accountID, messageID string) (bool, error)
	MarkProcessed(accountID, messageID, outcome string) error
	StartSyncRun(accountID string, cursorBefore uint64) (int64, error)
	CompleteSyncRun(runID int64, cursorAfter uint64, processed int64) error
	FailSyncRun(runID int64, processed int64, errMsg string) error
	RecordCursorGone(accountID string, stale, fresh uint64, detail string) error
}

// Baseliner re-registers a watch, which resets the account's cursor.
type Baseliner interface {
	EnsureWatch(ctx context.Context, account string) (*store.Watch, error)
}

// CursorGoneError carries the cursor Gmail no longer knew and the cursor
// the account was re-baselined at. Messages between the two are not
// delivered.
type CursorGoneError struct {
	Stale uint64
	Fresh uint64
}

func (e *CursorGoneError) Error() string {
	return fmt.Sprintf("history %d expired, re-baselined at %d", e.Stale, e.Fresh)
}

// Result summarizes one sync.
type Result struct {
	Account             string
	CursorBefore        uint64
	NewCursor           uint64
	ProcessedMessageIDs []string // delivered in this run
	Skipped             int      // already in the ledger
	Gone                int      // deleted before fetch
	Unreadable          int
	Advanced            bool // whether the stored cursor moved
	Duration            time.Duration
}

// Syncer runs history syncs.
type Syncer struct {
	store     Store
	api       gmail.MessageReader
	exec      *retry.Executor
	baseliner Baseliner
	consumer  notify.Consumer
	clock     clock.Clock
	logger    *slog.Logger
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithClock sets the clock used for inter-delivery delays.
func WithClock(c clock.Clock) Option {
	return func(s *Syncer) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// New creates a Syncer.
func New(st Store, api gmail.MessageReader, exec *retry.Executor, baseliner Baseliner, consumer notify.Consumer, opts ...Option) *Syncer {
	s := &Syncer{
		store:     st,
		api:       api,
		exec:      exec,
		baseliner: baseliner,
		consumer:  consumer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrSystem(s.clock)
	return s
}

// Sync processes every message added since the stored cursor. The cursor
// moves only when the whole delta succeeded; a partial run leaves it in
// place and the ledger keeps already delivered messages from being
// delivered again.
//
// Failures: ErrCursorGone (after re-baselining), NeedsReauth, Transient or
// Exhausted, ProviderRejected.
func (s *Syncer) Sync(ctx context.Context, account string) (result *Result, err error) {
	start := s.clock.Now()

	w, err := s.store.GetWatch(account)
	if err != nil {
		return nil, fmt.Errorf("get watch: %w", err)
	}
	if w == nil || w.Cursor == 0 {
		return nil, fmt.Errorf("sync %s: %w", account, ErrNoWatch)
	}

	runID, err := s.store.StartSyncRun(account, w.Cursor)
	if err != nil {
		return nil, fmt.Errorf("start sync run: %w", err)
	}

	result = &Result{Account: account, CursorBefore: w.Cursor, NewCursor: w.Cursor}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sync panic recovered", "account", account, "panic", r, "stack", string(debug.Stack()))
			s.failRun(runID, result, fmt.Sprintf("panic: %v", r))
			result = nil
			err = fmt.Errorf("sync panicked: %v", r)
		}
	}()

	pageSize, delay := tuning(w.Tuning)
	req := gmail.HistoryRequest{StartHistoryID: w.Cursor, PageSize: pageSize}
	if len(w.LabelIDs) == 1 {
		req.LabelID = w.LabelIDs[0]
	}

	latest := w.Cursor
	seen := make(map[string]bool)
	for page := 0; ; page++ {
		resp, err := retry.Do(ctx, s.exec, account, gmail.OpHistoryList, func(ctx context.Context) (*gmail.HistoryResponse, error) {
			return s.api.ListHistory(ctx, account, req)
		})
		if err != nil {
			if gmail.IsNotFound(err) {
				return nil, s.cursorGone(ctx, runID, account, w.Cursor, err)
			}
			err = s.classify(account, opHistory, err)
			s.failRun(runID, result, err.Error())
			return nil, err
		}

		if page > 0 && delay > 0 && len(resp.History) > 0 {
			if err := s.wait(ctx, delay); err != nil {
				s.failRun(runID, result, err.Error())
				return nil, failure.New(failure.ErrTransient, opHistory, account, err)
			}
		}

		for _, rec := range resp.History {
			latest = max(latest, rec.ID)
			for _, m := range rec.MessagesAdded {
				if seen[m.ID] {
					continue
				}
				seen[m.ID] = true
				if err := s.process(ctx, account, m, result); err != nil {
					s.failRun(runID, result, err.Error())
					return nil, err
				}
			}
		}
		latest = max(latest, resp.HistoryID)

		if resp.NextPageToken == "" {
			break
		}
		req.PageToken = resp.NextPageToken
	}

	advanced, err := s.store.AdvanceCursor(account, latest)
	if err != nil {
		s.failRun(runID, result, err.Error())
		return nil, fmt.Errorf("checkpoint cursor: %w", err)
	}
	result.NewCursor = latest
	result.Advanced = advanced
	result.Duration = s.clock.Now().Sub(start)

	if err := s.store.CompleteSyncRun(runID, latest, int64(len(result.ProcessedMessageIDs))); err != nil {
		s.logger.Warn("failed to complete sync run", "account", account, "error", err)
	}
	s.logger.Info("history sync complete",
		"account", account,
		"cursor_before", result.CursorBefore,
		"cursor_after", latest,
		"delivered", len(result.ProcessedMessageIDs),
		"skipped", result.Skipped,
		"gone", result.Gone)
	return result, nil
}

// process handles one added message. Messages already in the ledger are
// skipped without a fetch.
func (s *Syncer) process(ctx context.Context, account string, m gmail.MessageID, result *Result) error {
	done, err := s.store.IsProcessed(account, m.ID)
	if err != nil {
		return fmt.Errorf("check ledger: %w", err)
	}
	if done {
		result.Skipped++
		return nil
	}

	raw, err := retry.Do(ctx, s.exec, account, gmail.OpMessagesGetRaw, func(ctx context.Context) (*gmail.RawMessage, error) {
		return s.api.GetMessageRaw(ctx, account, m.ID)
	})
	if gmail.IsNotFound(err) {
		s.logger.Debug("message deleted before fetch", "account", account, "id", m.ID)
		result.Gone++
		return s.mark(account, m.ID, store.OutcomeGone)
	}
	if err != nil {
		return s.classify(account, opMessage, err)
	}

	content, err := mime.Extract(raw.Raw)
	if err != nil {
		s.logger.Warn("skipping unreadable message", "account", account, "id", m.ID, "error", err)
		result.Unreadable++
		return s.mark(account, m.ID, store.OutcomeUnreadable)
	}

	threadID := raw.ThreadID
	if threadID == "" {
		threadID = m.ThreadID
	}
	d := notify.Delivery{
		Account:   account,
		MessageID: m.ID,
		ThreadID:  threadID,
		Content:   content,
	}
	if raw.InternalDate > 0 {
		d.ReceivedAt = time.UnixMilli(raw.InternalDate).UTC()
	}
	if err := s.consumer.Deliver(ctx, d); err != nil {
		if failure.Kind(err) != nil {
			return err
		}
		return failure.New(failure.ErrTransient, "deliver", account, err)
	}

	result.ProcessedMessageIDs = append(result.ProcessedMessageIDs, m.ID)
	return s.mark(account, m.ID, store.OutcomeDelivered)
}

func (s *Syncer) mark(account, id, outcome string) error {
	if err := s.store.MarkProcessed(account, id, outcome); err != nil {
		return fmt.Errorf("record processed: %w", err)
	}
	return nil
}

// cursorGone re-baselines the account and reports the gap.
func (s *Syncer) cursorGone(ctx context.Context, runID int64, account string, stale uint64, cause error) error {
	s.logger.Warn("history cursor expired, re-baselining", "account", account, "cursor", stale)
	_ = s.store.FailSyncRun(runID, 0, "history cursor expired")

	w, err := s.baseliner.EnsureWatch(ctx, account)
	if err != nil {
		return fmt.Errorf("re-baseline after expired cursor %d: %w", stale, err)
	}
	gone := &CursorGoneError{Stale: stale, Fresh: w.Cursor}
	if err := s.store.RecordCursorGone(account, stale, w.Cursor, cause.Error()); err != nil {
		s.logger.Warn("failed to record cursor gone", "account", account, "error", err)
	}
	fe := failure.New(failure.ErrCursorGone, opHistory, account, gone)
	fe.Status = http.StatusNotFound
	return fe
}

// classify maps an executor error onto the failure taxonomy. Auth
// failures flag the credential so the owner is asked to reconnect.
func (s *Syncer) classify(account, op string, err error) error {
	if failure.Kind(err) != nil {
		if errors.Is(err, failure.ErrNeedsReauth) {
			s.needsReauth(account, err)
		}
		return err
	}

	var apiErr *gmail.APIError
	if !errors.As(err, &apiErr) {
		return failure.New(failure.ErrTransient, op, account, err)
	}
	fe := failure.New(failure.ErrProviderRejected, op, account, err)
	fe.Status = apiErr.StatusCode
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		fe.Kind = failure.ErrNeedsReauth
		if merr := s.store.MarkReauthRequired(account, apiErr.Error()); merr != nil {
			s.logger.Warn("failed to flag credential", "account", account, "error", merr)
		}
		s.needsReauth(account, err)
	case apiErr.StatusCode >= 500:
		fe.Kind = failure.ErrTransient
	}
	return fe
}

func (s *Syncer) needsReauth(account string, cause error) {
	if err := s.store.SetWatchStatus(account, store.WatchNeedsReauth, cause.Error()); err != nil {
		s.logger.Warn("failed to update watch status", "account", account, "error", err)
	}
}

func (s *Syncer) failRun(runID int64, result *Result, msg string) {
	var n int64
	if result != nil {
		n = int64(len(result.ProcessedMessageIDs))
	}
	if err := s.store.FailSyncRun(runID, n, msg); err != nil {
		s.logger.Warn("failed to record sync failure", "run", runID, "error", err)
	}
}

func (s *Syncer) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

func tuning(t store.DeliveryTuning) (int, time.Duration) {
	size := t.MaxItemsPerDelivery
	if size <= 0 {
		size = defaultPageSize
	}
	return min(size, maxPageSize), max(t.InterDeliveryDelay, 0)
}
