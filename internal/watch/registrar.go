// Package watch registers and stops Gmail push subscriptions.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/weddingdesk/mailwatch/internal/failure"
	"github.com/weddingdesk/mailwatch/internal/gmail"
	"github.com/weddingdesk/mailwatch/internal/retry"
	"github.com/weddingdesk/mailwatch/internal/store"
)

// Store is the persistence the registrar needs.
type Store interface {
	GetWatch(accountID string) (*store.Watch, error)
	ReplaceWatch(w *store.Watch) error
	SetWatchStatus(accountID, status, lastError string) error
	RecordWatchError(accountID, lastError string) error
	MarkReauthRequired(accountID, reason string) error
}

// Config is what every registration asks Gmail for.
type Config struct {
	Topic    string // projects/<project>/topics/<topic>
	LabelIDs []string
	Tuning   store.DeliveryTuning
}

// Registrar creates and replaces watch subscriptions.
type Registrar struct {
	store  Store
	api    gmail.WatchManager
	exec   *retry.Executor
	cfg    Config
	logger *slog.Logger
}

// NewRegistrar creates a Registrar.
func NewRegistrar(st Store, api gmail.WatchManager, exec *retry.Executor, cfg Config, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{store: st, api: api, exec: exec, cfg: cfg, logger: logger}
}

// EnsureWatch registers a watch for account, replacing any existing one.
// The stored cursor becomes the history ID Gmail returns; the previous
// cursor is discarded.
//
// Failures: NeedsReauth (401/403 or token failure), ProviderRejected
// (other 4xx; 404/410 also mark the watch rejected), Transient or
// Exhausted.
func (r *Registrar) EnsureWatch(ctx context.Context, account string) (*store.Watch, error) {
	req := gmail.WatchRequest{TopicName: r.cfg.Topic, LabelIDs: r.cfg.LabelIDs}
	resp, err := retry.Do(ctx, r.exec, account, gmail.OpWatch, func(ctx context.Context) (*gmail.WatchResponse, error) {
		return r.api.Watch(ctx, account, req)
	})
	if err != nil {
		return nil, r.fail(account, "users.watch", err)
	}

	w := &store.Watch{
		AccountID: account,
		Cursor:    resp.HistoryID,
		ExpiresAt: resp.Expiration,
		Status:    store.WatchActive,
		Topic:     r.cfg.Topic,
		LabelIDs:  r.cfg.LabelIDs,
		Tuning:    r.cfg.Tuning,
	}
	if err := r.store.ReplaceWatch(w); err != nil {
		return nil, failure.New(failure.ErrTransient, "users.watch", account, err)
	}
	r.logger.Info("watch registered", "account", account, "cursor", resp.HistoryID, "expires_at", resp.Expiration)

	stored, err := r.store.GetWatch(account)
	if err != nil || stored == nil {
		return w, nil
	}
	return stored, nil
}

// Stop ends push delivery for account and marks the watch stopped. A
// subscription Gmail no longer knows counts as stopped.
func (r *Registrar) Stop(ctx context.Context, account string) error {
	err := r.exec.Execute(ctx, account, gmail.OpStop, func(ctx context.Context) error {
		return r.api.Stop(ctx, account)
	})
	if err != nil && !gmail.IsNotFound(err) {
		return r.fail(account, "users.stop", err)
	}
	if err := r.store.SetWatchStatus(account, store.WatchStopped, ""); err != nil {
		return fmt.Errorf("mark watch stopped: %w", err)
	}
	r.logger.Info("watch stopped", "account", account)
	return nil
}

// fail turns an executor error into a classified failure and records its
// effect on the watch.
func (r *Registrar) fail(account, op string, err error) error {
	if failure.Kind(err) != nil {
		if errors.Is(err, failure.ErrNeedsReauth) {
			r.setStatus(account, store.WatchNeedsReauth, err)
		} else {
			r.recordError(account, err)
		}
		return err
	}

	var apiErr *gmail.APIError
	if !errors.As(err, &apiErr) {
		r.recordError(account, err)
		return failure.New(failure.ErrTransient, op, account, err)
	}

	fe := failure.New(failure.ErrProviderRejected, op, account, err)
	fe.Status = apiErr.StatusCode
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		fe.Kind = failure.ErrNeedsReauth
		if merr := r.store.MarkReauthRequired(account, apiErr.Error()); merr != nil {
			r.logger.Warn("failed to flag credential", "account", account, "error", merr)
		}
		r.setStatus(account, store.WatchNeedsReauth, err)
	case apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone:
		r.setStatus(account, store.WatchRejected, err)
	case apiErr.StatusCode >= 500:
		fe.Kind = failure.ErrTransient
		r.recordError(account, err)
	default:
		r.recordError(account, err)
	}
	return fe
}

func (r *Registrar) setStatus(account, status string, cause error) {
	if err := r.store.SetWatchStatus(account, status, cause.Error()); err != nil {
		r.logger.Warn("failed to update watch status", "account", account, "status", status, "error", err)
	}
	r.logger.Warn("watch status changed", "account", account, "status", status, "error", cause)
}

func (r *Registrar) recordError(account string, cause error) {
	if err := r.store.RecordWatchError(account, cause.Error()); err != nil {
		r.logger.Warn("failed to record watch error", "account", account, "error", err)
	}
}
