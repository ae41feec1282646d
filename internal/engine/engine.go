// Package engine assembles the mailwatch components from configuration and
// owns their lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/weddingdesk/mailwatch/internal/clock"
	"github.com/weddingdesk/mailwatch/internal/config"
	"github.com/weddingdesk/mailwatch/internal/dispatch"
	"github.com/weddingdesk/mailwatch/internal/failure"
	"github.com/weddingdesk/mailwatch/internal/gmail"
	"github.com/weddingdesk/mailwatch/internal/notify"
	"github.com/weddingdesk/mailwatch/internal/oauth"
	"github.com/weddingdesk/mailwatch/internal/retry"
	"github.com/weddingdesk/mailwatch/internal/scheduler"
	"github.com/weddingdesk/mailwatch/internal/store"
	"github.com/weddingdesk/mailwatch/internal/sync"
	"github.com/weddingdesk/mailwatch/internal/watch"
	"github.com/weddingdesk/mailwatch/internal/webhook"
)

// ErrOAuthNotConfigured is returned when no OAuth client is available.
var ErrOAuthNotConfigured = errors.New("OAuth client secrets not configured")

// Engine is the running service: every component wired to one store,
// one Gmail client and one dispatcher.
type Engine struct {
	Store      *store.Store
	Exec       *retry.Executor
	Refresher  *oauth.Refresher
	Registrar  *watch.Registrar
	Syncer     *sync.Syncer
	Dispatcher *dispatch.Dispatcher
	Ingestor   *webhook.Ingestor
	Scheduler  *scheduler.Scheduler

	cfg       *config.Config
	api       gmail.API
	oauthCfg  *oauth2.Config
	verifier  webhook.Verifier
	noVerify  bool
	publisher *notify.Publisher
	clock     clock.Clock
	logger    *slog.Logger

	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithGmailAPI replaces the Gmail client, for tests and dry runs.
func WithGmailAPI(api gmail.API) Option {
	return func(e *Engine) { e.api = api }
}

// WithOAuthConfig sets the OAuth client instead of reading client secrets.
func WithOAuthConfig(c *oauth2.Config) Option {
	return func(e *Engine) { e.oauthCfg = c }
}

// WithVerifier sets the push verifier instead of building one from the
// webhook configuration.
func WithVerifier(v webhook.Verifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithoutPushVerifier skips building the OIDC verifier. One-shot commands
// that never serve the push endpoint use it to avoid fetching keys.
func WithoutPushVerifier() Option {
	return func(e *Engine) { e.noVerify = true }
}

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an Engine on an open, initialized store. ctx bounds the
// background resources created here (the JWKS cache).
func New(ctx context.Context, cfg *config.Config, st *store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		Store:  st,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.clock = clock.OrSystem(e.clock)

	if e.oauthCfg == nil {
		if cfg.OAuth.ClientSecrets == "" {
			return nil, ErrOAuthNotConfigured
		}
		mgr, err := oauth.NewManager(cfg.OAuth.ClientSecrets, st, e.logger)
		if err != nil {
			return nil, err
		}
		e.oauthCfg = mgr.Config()
	}

	e.Exec = retry.New(retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay.Duration,
		MaxDelay:    cfg.Retry.MaxDelay.Duration,
		CallTimeout: cfg.Retry.CallTimeout.Duration,
	},
		retry.WithQPS(cfg.Gmail.RateLimitQPS),
		retry.WithClock(e.clock),
		retry.WithLogger(e.logger))

	e.Refresher = oauth.NewRefresher(st, e.oauthCfg, e.Exec,
		oauth.WithMargin(cfg.OAuth.RefreshMargin.Duration),
		oauth.WithClock(e.clock),
		oauth.WithRefresherLogger(e.logger))

	if e.api == nil {
		client, err := gmail.NewClient(ctx, e.Refresher.TokenSource, gmail.WithLogger(e.logger))
		if err != nil {
			return nil, err
		}
		e.api = client
	}

	e.Registrar = watch.NewRegistrar(st, e.api, e.Exec, watch.Config{
		Topic:    cfg.Gmail.Topic,
		LabelIDs: cfg.Gmail.LabelIDs,
		Tuning: store.DeliveryTuning{
			MaxItemsPerDelivery: cfg.Watch.MaxItemsPerDelivery,
			InterDeliveryDelay:  cfg.Watch.InterDeliveryDelay.Duration,
		},
	}, e.logger)

	consumers := notify.Fanout{notify.NewTodoConsumer(st, e.logger)}
	if cfg.NATS.URL != "" {
		pub, err := notify.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.SubjectPrefix, e.logger)
		if err != nil {
			return nil, err
		}
		e.publisher = pub
		consumers = append(consumers, pub)
	}

	e.Syncer = sync.New(st, e.api, e.Exec, e.Registrar, consumers,
		sync.WithClock(e.clock),
		sync.WithLogger(e.logger))

	e.Dispatcher = dispatch.New(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, e.logger)

	if e.verifier == nil && !e.noVerify && cfg.Webhook.Audience != "" {
		keys, err := webhook.NewJWKSCache(ctx, cfg.Webhook.JWKSURL)
		if err != nil {
			e.closeOutbound()
			return nil, err
		}
		e.verifier = webhook.NewOIDCVerifier(keys, cfg.Webhook.Audience, cfg.Webhook.ServiceAccount, e.clock)
	}
	ingestOpts := []webhook.Option{webhook.WithClock(e.clock), webhook.WithLogger(e.logger)}
	if e.verifier != nil {
		ingestOpts = append(ingestOpts, webhook.WithVerifier(e.verifier))
	} else if !e.noVerify {
		e.logger.Warn("push endpoint has no OIDC verification; set [webhook] audience")
	}
	e.Ingestor = webhook.NewIngestor(webhook.Config{
		VerificationToken: cfg.Webhook.VerificationToken,
		DedupeWindow:      cfg.Webhook.DedupeWindow.Duration,
		MaxBodyBytes:      cfg.Webhook.MaxBodyBytes,
	}, st, e, ingestOpts...)

	schedOpts := []scheduler.Option{
		scheduler.WithSubmitter(e.Dispatcher),
		scheduler.WithClock(e.clock),
		scheduler.WithLogger(e.logger),
	}
	if cfg.Gmail.VerifyProfile {
		schedOpts = append(schedOpts, scheduler.WithProbe(e.probe))
	}
	sched, err := scheduler.New(scheduler.Config{
		Schedule:      cfg.Watch.RenewSchedule,
		RenewalWindow: cfg.Watch.RenewalWindow.Duration,
		Parallelism:   cfg.Dispatch.Workers,
	}, st, e.Registrar, e.Refresher, schedOpts...)
	if err != nil {
		e.closeOutbound()
		return nil, err
	}
	e.Scheduler = sched
	return e, nil
}

// Start launches the workers and the renewal schedule, then runs one tick
// in the background so watches are in place without waiting for the first
// scheduled one.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.Dispatcher.Start(ctx)
	e.Scheduler.Start()
	e.logger.Info("engine started", "topic", e.cfg.Gmail.Topic, "labels", e.cfg.Gmail.LabelIDs)
	go e.Scheduler.RunNow()
}

// Shutdown stops the schedule, lets running jobs observe cancellation and
// closes outbound connections. It returns ctx's error if the scheduler
// did not drain in time.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	if e.cancel != nil {
		e.cancel()
	}
	select {
	case <-e.Scheduler.Stop().Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("scheduler: %w", ctx.Err()))
	}
	if e.cancel != nil {
		e.Dispatcher.Close()
	}
	e.closeOutbound()
	return errors.Join(errs...)
}

func (e *Engine) closeOutbound() {
	if e.publisher != nil {
		e.publisher.Close()
		e.publisher = nil
	}
	if e.api != nil {
		if err := e.api.Close(); err != nil {
			e.logger.Warn("close gmail client", "error", err)
		}
	}
}

// Handler returns the push endpoint.
func (e *Engine) Handler() http.Handler {
	return e.Ingestor
}

// EnqueueSync queues a history sync for account.
func (e *Engine) EnqueueSync(account string) error {
	_, _, err := e.SubmitSync(account)
	return err
}

// SubmitSync queues a history sync and returns its ticket. coalesced is
// true when an already pending sync will cover this request.
func (e *Engine) SubmitSync(account string) (*dispatch.Ticket, bool, error) {
	return e.Dispatcher.Submit(account, dispatch.KindSync, func(ctx context.Context) error {
		res, err := e.Syncer.Sync(ctx, account)
		if err != nil {
			return err
		}
		if len(res.ProcessedMessageIDs) > 0 {
			e.logger.Info("sync delivered messages", "account", account,
				"delivered", len(res.ProcessedMessageIDs), "cursor", res.NewCursor)
		}
		return nil
	})
}

// TriggerRenewal queues a watch (re)registration for account.
func (e *Engine) TriggerRenewal(account string) (*dispatch.Ticket, error) {
	return e.Scheduler.TriggerRenewal(account)
}

// StopWatch queues a users.stop for account.
func (e *Engine) StopWatch(account string) (*dispatch.Ticket, error) {
	w, err := e.Store.GetWatch(account)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("account %s has no watch", account)
	}
	t, _, err := e.Dispatcher.Submit(account, dispatch.KindStop, func(ctx context.Context) error {
		return e.Registrar.Stop(ctx, account)
	})
	return t, err
}

// SchedulerStatus reports the renewal schedule and per-account state.
func (e *Engine) SchedulerStatus() (*scheduler.Status, error) {
	return e.Scheduler.Status()
}

// RemoveAccount stops push delivery for account, best effort, and deletes
// its credential, watch and ledger.
func (e *Engine) RemoveAccount(ctx context.Context, account string) error {
	w, err := e.Store.GetWatch(account)
	if err != nil {
		return err
	}
	if w != nil && w.Status != store.WatchStopped {
		if err := e.Registrar.Stop(ctx, account); err != nil {
			e.logger.Warn("could not stop watch before removal", "account", account, "error", err)
		}
	}
	if err := e.Store.DeleteCredential(account); err != nil {
		return err
	}
	e.Exec.Forget(account)
	e.logger.Info("account removed", "account", account)
	return nil
}

// probe makes a getProfile call so a revoked grant is noticed even while
// the stored access token is still valid.
func (e *Engine) probe(ctx context.Context, account string) error {
	_, err := retry.Do(ctx, e.Exec, account, gmail.OpProfile, func(ctx context.Context) (*gmail.Profile, error) {
		return e.api.GetProfile(ctx, account)
	})
	if err == nil {
		return nil
	}
	// Exhausted quota retries wrap a 403 too; those wait for the next tick.
	if failure.Kind(err) != nil {
		return err
	}
	var apiErr *gmail.APIError
	if errors.As(err, &apiErr) && !apiErr.IsRateLimit() &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		if merr := e.Store.MarkReauthRequired(account, apiErr.Error()); merr != nil {
			e.logger.Warn("failed to flag credential", "account", account, "error", merr)
		}
		fe := failure.NeedsReauth("users.getProfile", account, err)
		fe.Status = apiErr.StatusCode
		return fe
	}
	return err
}
