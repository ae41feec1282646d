package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/weddingdesk/mailwatch/internal/dispatch"
	"github.com/weddingdesk/mailwatch/internal/scheduler"
	"github.com/weddingdesk/mailwatch/internal/store"
)

const timeFormat = time.RFC3339

// StatsResponse represents service-wide counters.
type StatsResponse struct {
	Accounts      int64 `json:"accounts"`
	ActiveWatches int64 `json:"active_watches"`
	Processed     int64 `json:"processed_messages"`
	Todos         int64 `json:"todos"`
	SyncRuns      int64 `json:"sync_runs"`
	DatabaseSize  int64 `json:"database_size_bytes"`
}

// AccountInfo represents an account in list responses.
type AccountInfo struct {
	Email          string `json:"email"`
	WatchStatus    string `json:"watch_status"`
	ReauthRequired bool   `json:"reauth_required"`
	Cursor         string `json:"cursor,omitempty"`
	WatchExpiresAt string `json:"watch_expires_at,omitempty"`
	LastSyncAt     string `json:"last_sync_at,omitempty"`
	LastSyncStatus string `json:"last_sync_status,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// SyncRunInfo is one recorded sync.
type SyncRunInfo struct {
	ID           int64  `json:"id"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	CursorBefore string `json:"cursor_before"`
	CursorAfter  string `json:"cursor_after,omitempty"`
	Processed    int64  `json:"messages_processed"`
	Error        string `json:"error,omitempty"`
	StartedAt    string `json:"started_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

// AccountDetail is the single-account response.
type AccountDetail struct {
	AccountInfo
	TokenExpiresAt string        `json:"token_expires_at,omitempty"`
	HasRefresh     bool          `json:"has_refresh_token"`
	Scopes         []string      `json:"scopes"`
	LabelIDs       []string      `json:"label_ids,omitempty"`
	Processed      int64         `json:"processed_messages"`
	RecentSyncs    []SyncRunInfo `json:"recent_syncs"`
}

// TodoInfo is a derived todo.
type TodoInfo struct {
	ID         int64  `json:"id"`
	MessageID  string `json:"message_id"`
	Title      string `json:"title"`
	Notes      string `json:"notes,omitempty"`
	Sender     string `json:"sender,omitempty"`
	ReceivedAt string `json:"received_at,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// JobResponse describes a queued job.
type JobResponse struct {
	Status    string `json:"status"`
	JobID     string `json:"job_id"`
	Account   string `json:"account"`
	Kind      string `json:"kind"`
	Coalesced bool   `json:"coalesced,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func formatCursor(c uint64) string {
	if c == 0 {
		return ""
	}
	return strconv.FormatUint(c, 10)
}

func accountParam(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(chi.URLParam(r, "account")))
}

// handleStats returns service counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats()
	if err != nil {
		s.logger.Error("failed to get stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		Accounts:      stats.Accounts,
		ActiveWatches: stats.ActiveWatches,
		Processed:     stats.Processed,
		Todos:         stats.Todos,
		SyncRuns:      stats.SyncRuns,
		DatabaseSize:  stats.DatabaseSize,
	})
}

func (s *Server) accountInfo(cred *store.Credential) (AccountInfo, *store.Watch, error) {
	info := AccountInfo{
		Email:          cred.AccountID,
		WatchStatus:    string(scheduler.StateNoWatch),
		ReauthRequired: cred.ReauthRequired,
	}
	w, err := s.store.GetWatch(cred.AccountID)
	if err != nil {
		return info, nil, err
	}
	if w != nil {
		info.WatchStatus = w.Status
		info.Cursor = formatCursor(w.Cursor)
		info.WatchExpiresAt = formatTime(w.ExpiresAt)
		info.LastError = w.LastError
	}
	run, err := s.store.LastSyncRun(cred.AccountID)
	if err != nil {
		return info, w, err
	}
	if run != nil {
		info.LastSyncAt = formatTime(run.StartedAt)
		info.LastSyncStatus = run.Status
	}
	if cred.ReauthRequired {
		info.WatchStatus = store.WatchNeedsReauth
	}
	return info, w, nil
}

// handleListAccounts returns every connected account.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.ListCredentials()
	if err != nil {
		s.logger.Error("failed to list accounts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list accounts")
		return
	}

	accounts := make([]AccountInfo, 0, len(creds))
	for _, cred := range creds {
		info, _, err := s.accountInfo(cred)
		if err != nil {
			s.logger.Error("failed to load account", "account", cred.AccountID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list accounts")
			return
		}
		accounts = append(accounts, info)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
	})
}

// requireAccount loads the account's credential, writing 404 if there is none.
func (s *Server) requireAccount(w http.ResponseWriter, account string) (*store.Credential, bool) {
	if account == "" {
		writeError(w, http.StatusBadRequest, "missing_account", "Account email is required")
		return nil, false
	}
	cred, err := s.store.GetCredential(account)
	if err != nil {
		s.logger.Error("failed to get account", "account", account, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve account")
		return nil, false
	}
	if cred == nil {
		writeError(w, http.StatusNotFound, "not_found", "Account not connected")
		return nil, false
	}
	return cred, true
}

// handleGetAccount returns one account with its recent syncs.
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.requireAccount(w, accountParam(r))
	if !ok {
		return
	}

	info, watch, err := s.accountInfo(cred)
	if err != nil {
		s.logger.Error("failed to load account", "account", cred.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve account")
		return
	}
	processed, err := s.store.CountProcessed(cred.AccountID)
	if err != nil {
		s.logger.Error("failed to count processed", "account", cred.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve account")
		return
	}
	runs, err := s.store.ListSyncRuns(cred.AccountID, 10)
	if err != nil {
		s.logger.Error("failed to list sync runs", "account", cred.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve account")
		return
	}

	detail := AccountDetail{
		AccountInfo:    info,
		TokenExpiresAt: formatTime(cred.ExpiresAt),
		HasRefresh:     cred.HasRefreshToken(),
		Scopes:         cred.Scopes,
		Processed:      processed,
		RecentSyncs:    make([]SyncRunInfo, 0, len(runs)),
	}
	if watch != nil {
		detail.LabelIDs = watch.LabelIDs
	}
	for _, run := range runs {
		detail.RecentSyncs = append(detail.RecentSyncs, SyncRunInfo{
			ID:           run.ID,
			Kind:         run.Kind,
			Status:       run.Status,
			CursorBefore: formatCursor(run.CursorBefore),
			CursorAfter:  formatCursor(run.CursorAfter),
			Processed:    run.MessagesProcessed,
			Error:        run.ErrorMessage,
			StartedAt:    formatTime(run.StartedAt),
			CompletedAt:  formatTime(run.CompletedAt),
		})
	}

	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) writeJob(w http.ResponseWriter, t *dispatch.Ticket, coalesced bool) {
	writeJSON(w, http.StatusAccepted, JobResponse{
		Status:    "accepted",
		JobID:     t.ID,
		Account:   t.Account,
		Kind:      t.Kind,
		Coalesced: coalesced,
	})
}

func (s *Server) writeQueueError(w http.ResponseWriter, account, action string, err error) {
	switch {
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrClosed):
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "busy", err.Error())
	default:
		s.logger.Error("failed to queue job", "account", account, "action", action, "error", err)
		writeError(w, http.StatusConflict, action+"_error", err.Error())
	}
}

// handleEnsureWatch queues a watch (re)registration.
func (s *Server) handleEnsureWatch(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.requireAccount(w, accountParam(r))
	if !ok {
		return
	}

	t, err := s.ctl.TriggerRenewal(cred.AccountID)
	if err != nil {
		s.writeQueueError(w, cred.AccountID, "watch", err)
		return
	}
	s.logger.Info("watch renewal triggered via API", "account", cred.AccountID, "job_id", t.ID)
	s.writeJob(w, t, false)
}

// handleStopWatch queues a users.stop.
func (s *Server) handleStopWatch(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.requireAccount(w, accountParam(r))
	if !ok {
		return
	}

	t, err := s.ctl.StopWatch(cred.AccountID)
	if err != nil {
		s.writeQueueError(w, cred.AccountID, "stop", err)
		return
	}
	s.logger.Info("watch stop triggered via API", "account", cred.AccountID, "job_id", t.ID)
	s.writeJob(w, t, false)
}

// handleTriggerSync queues a history sync.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.requireAccount(w, accountParam(r))
	if !ok {
		return
	}
	watch, err := s.store.GetWatch(cred.AccountID)
	if err != nil {
		s.logger.Error("failed to get watch", "account", cred.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve account")
		return
	}
	if watch == nil || watch.Cursor == 0 {
		writeError(w, http.StatusConflict, "no_watch", "Account has no watch; register one first")
		return
	}

	t, coalesced, err := s.ctl.SubmitSync(cred.AccountID)
	if err != nil {
		s.writeQueueError(w, cred.AccountID, "sync", err)
		return
	}
	s.logger.Info("sync triggered via API", "account", cred.AccountID, "job_id", t.ID, "coalesced", coalesced)
	s.writeJob(w, t, coalesced)
}

// handleListTodos returns the newest todos for an account.
func (s *Server) handleListTodos(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.requireAccount(w, accountParam(r))
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	todos, err := s.store.ListTodos(cred.AccountID, limit)
	if err != nil {
		s.logger.Error("failed to list todos", "account", cred.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve todos")
		return
	}

	out := make([]TodoInfo, len(todos))
	for i, t := range todos {
		out[i] = TodoInfo{
			ID:         t.ID,
			MessageID:  t.MessageID,
			Title:      t.Title,
			Notes:      t.Notes,
			Sender:     t.Sender,
			ReceivedAt: formatTime(t.ReceivedAt),
			CreatedAt:  formatTime(t.CreatedAt),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": cred.AccountID,
		"todos":   out,
	})
}

// handleSchedulerStatus returns the renewal scheduler status.
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.SchedulerStatus()
	if err != nil {
		s.logger.Error("failed to get scheduler status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve scheduler status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
