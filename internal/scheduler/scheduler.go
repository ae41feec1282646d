// Package scheduler keeps every account's Gmail watch alive: a cron tick
// renews watches close to expiry, re-establishes missing ones and checks
// that each credential can still mint tokens.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/weddingdesk/mailwatch/internal/clock"
	"github.com/weddingdesk/mailwatch/internal/dispatch"
	"github.com/weddingdesk/mailwatch/internal/failure"
	"github.com/weddingdesk/mailwatch/internal/store"
)

// State is where an account sits in the watch lifecycle.
type State string

const (
	StateNoWatch     State = "no_watch"
	StateActive      State = "active"
	StateNearExpiry  State = "near_expiry"
	StateExpired     State = "expired" // past expiry, final attempt pending
	StateNeedsReauth State = "needs_reauth"
	StateReconsented State = "reconsented" // owner granted consent again
	StateStopped     State = "stopped"
	StateRejected    State = "rejected"
)

const (
	DefaultSchedule      = "@every 3h"
	DefaultRenewalWindow = 24 * time.Hour
	defaultParallelism   = 4
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Store is the persistence the scheduler reads and writes.
type Store interface {
	ListCredentials() ([]*store.Credential, error)
	GetCredential(accountID string) (*store.Credential, error)
	ListWatches() ([]*store.Watch, error)
	GetWatch(accountID string) (*store.Watch, error)
	SetWatchStatus(accountID, status, lastError string) error
}

// Renewer (re)registers a watch.
type Renewer interface {
	EnsureWatch(ctx context.Context, account string) (*store.Watch, error)
}

// Tokens mints access tokens; a NeedsReauth failure flags the credential.
type Tokens interface {
	AccessToken(ctx context.Context, account string) (*oauth2.Token, error)
}

// Submitter queues account work. *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(account, kind string, fn dispatch.Func) (*dispatch.Ticket, bool, error)
}

// ProbeFunc makes a cheap authenticated provider call for account.
type ProbeFunc func(ctx context.Context, account string) error

// Config tunes the scheduler.
type Config struct {
	Schedule      string        // cron expression or descriptor, default @every 3h
	RenewalWindow time.Duration // renew when expiry is closer than this
	Parallelism   int           // accounts checked at once per tick
}

// AccountStatus is an account's scheduling view.
type AccountStatus struct {
	Account     string    `json:"account"`
	State       State     `json:"state"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Running     bool      `json:"running"`
	LastCheck   time.Time `json:"last_check,omitempty"`
	LastRenewal time.Time `json:"last_renewal,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Status is the scheduler's overall view.
type Status struct {
	Schedule      string          `json:"schedule"`
	RenewalWindow string          `json:"renewal_window"`
	Running       bool            `json:"running"`
	LastTick      time.Time       `json:"last_tick,omitempty"`
	NextTick      time.Time       `json:"next_tick,omitempty"`
	Accounts      []AccountStatus `json:"accounts"`
}

type accountInfo struct {
	running     bool
	lastCheck   time.Time
	lastRenewal time.Time
	lastErr     error
}

// Scheduler runs renewal ticks.
type Scheduler struct {
	cfg     Config
	store   Store
	renewer Renewer
	tokens  Tokens
	probe   ProbeFunc
	submit  Submitter
	clock   clock.Clock
	logger  *slog.Logger
	cron    *cron.Cron
	entry   cron.EntryID

	mu       sync.RWMutex
	accounts map[string]*accountInfo
	lastTick time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithProbe adds a provider probe to each credential health check.
func WithProbe(p ProbeFunc) Option {
	return func(s *Scheduler) { s.probe = p }
}

// WithSubmitter routes renewals through a dispatcher. Without one they run
// inline on the tick goroutine.
func WithSubmitter(sub Submitter) Option {
	return func(s *Scheduler) { s.submit = sub }
}

// WithClock sets the clock used for expiry decisions.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger for the scheduler and its cron runner.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler. The schedule is validated here.
func New(cfg Config, st Store, renewer Renewer, tokens Tokens, opts ...Option) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.RenewalWindow <= 0 {
		cfg.RenewalWindow = DefaultRenewalWindow
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = defaultParallelism
	}
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		store:    st,
		renewer:  renewer,
		tokens:   tokens,
		logger:   slog.Default(),
		accounts: make(map[string]*accountInfo),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrSystem(s.clock)

	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	entry, err := s.cron.AddFunc(cfg.Schedule, func() {
		if err := s.Tick(s.ctx); err != nil {
			s.logger.Error("renewal tick failed", "error", err)
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	s.entry = entry
	return s, nil
}

// Start begins running ticks on the schedule.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("renewal scheduler started",
		"schedule", s.cfg.Schedule,
		"renewal_window", s.cfg.RenewalWindow,
		"next_tick", s.cron.Entry(s.entry).Next)
}

// IsRunning returns true if the scheduler has been started and not yet stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop stops scheduling ticks, cancels running work and returns a context
// that is done when everything finished.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("renewal scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

// RunNow runs a tick through the cron job chain and blocks until it
// finished. It is skipped when a scheduled tick is still running, and a
// scheduled tick that fires meanwhile is skipped in turn.
func (s *Scheduler) RunNow() {
	s.cron.Entry(s.entry).WrappedJob.Run()
}

// Tick checks every known account once. Accounts are handled in parallel;
// a failure for one account never stops the others.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.wg.Add(1)
	defer s.wg.Done()

	creds, err := s.store.ListCredentials()
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	watches, err := s.store.ListWatches()
	if err != nil {
		return fmt.Errorf("list watches: %w", err)
	}
	byAccount := make(map[string]*store.Watch, len(watches))
	for _, w := range watches {
		byAccount[w.AccountID] = w
	}

	s.mu.Lock()
	s.lastTick = s.clock.Now()
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, cred := range creds {
		cred, w := cred, byAccount[cred.AccountID]
		g.Go(func() error {
			s.checkAccount(gctx, cred, w)
			return nil
		})
	}
	return g.Wait()
}

// checkAccount runs the health check and any renewal one account needs.
func (s *Scheduler) checkAccount(ctx context.Context, cred *store.Credential, w *store.Watch) {
	account := cred.AccountID
	s.touch(account, func(a *accountInfo) { a.lastCheck = s.clock.Now() })

	state := Classify(w, cred, s.clock.Now(), s.cfg.RenewalWindow)
	switch state {
	case StateStopped, StateRejected, StateNeedsReauth:
		return
	}

	if err := s.checkHealth(ctx, account); err != nil {
		if errors.Is(err, failure.ErrNeedsReauth) {
			s.markNeedsReauth(account, err)
			return
		}
		s.logger.Warn("credential health check failed", "account", account, "error", err)
	}

	switch state {
	case StateNoWatch, StateNearExpiry, StateExpired, StateReconsented:
		s.logger.Info("watch renewal due", "account", account, "state", string(state))
		t, err := s.enqueueRenewal(ctx, account, state == StateExpired)
		if err != nil && t == nil && s.submit != nil {
			s.logger.Warn("could not queue renewal", "account", account, "error", err)
			s.touch(account, func(a *accountInfo) { a.lastErr = err })
			return
		}
		if t != nil {
			// Keep the tick open until the renewal ran so overlapping
			// ticks are skipped rather than stacking renewals.
			_ = t.Wait(ctx)
		}
	}
}

// Classify derives an account's lifecycle state from its stored records.
func Classify(w *store.Watch, cred *store.Credential, now time.Time, window time.Duration) State {
	if cred != nil && cred.ReauthRequired {
		return StateNeedsReauth
	}
	if w == nil {
		return StateNoWatch
	}
	switch w.Status {
	case store.WatchStopped:
		return StateStopped
	case store.WatchRejected:
		return StateRejected
	case store.WatchExpired:
		return StateNoWatch
	case store.WatchNeedsReauth:
		if cred != nil && cred.UpdatedAt.After(w.UpdatedAt) {
			return StateReconsented
		}
		return StateNeedsReauth
	}
	if w.Cursor == 0 || w.ExpiresAt.IsZero() {
		return StateNoWatch
	}
	switch {
	case !now.Before(w.ExpiresAt):
		return StateExpired
	case w.ExpiresAt.Sub(now) <= window:
		return StateNearExpiry
	default:
		return StateActive
	}
}

func (s *Scheduler) checkHealth(ctx context.Context, account string) error {
	if _, err := s.tokens.AccessToken(ctx, account); err != nil {
		return err
	}
	if s.probe != nil {
		return s.probe(ctx, account)
	}
	return nil
}

func (s *Scheduler) markNeedsReauth(account string, cause error) {
	s.logger.Warn("account needs re-authorization", "account", account, "error", cause)
	if err := s.store.SetWatchStatus(account, store.WatchNeedsReauth, cause.Error()); err != nil {
		s.logger.Warn("failed to update watch status", "account", account, "error", err)
	}
	s.touch(account, func(a *accountInfo) { a.lastErr = cause })
}

// TriggerRenewal queues a renewal for account now, whatever its expiry.
func (s *Scheduler) TriggerRenewal(account string) (*dispatch.Ticket, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return nil, fmt.Errorf("scheduler is stopped")
	}

	cred, err := s.store.GetCredential(account)
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	if cred == nil {
		return nil, fmt.Errorf("account %s is not connected", account)
	}
	return s.enqueueRenewal(s.ctx, account, false)
}

// enqueueRenewal runs or queues one renewal. final marks the attempt made
// after the watch already expired: if it fails, the watch is expired.
func (s *Scheduler) enqueueRenewal(ctx context.Context, account string, final bool) (*dispatch.Ticket, error) {
	fn := func(ctx context.Context) error {
		return s.renew(ctx, account, final)
	}
	if s.submit == nil {
		return nil, fn(ctx)
	}
	t, _, err := s.submit.Submit(account, dispatch.KindRenew, fn)
	return t, err
}

func (s *Scheduler) renew(ctx context.Context, account string, final bool) error {
	s.touch(account, func(a *accountInfo) { a.running = true })
	defer s.touch(account, func(a *accountInfo) { a.running = false })

	w, err := s.renewer.EnsureWatch(ctx, account)
	if err == nil {
		s.touch(account, func(a *accountInfo) {
			a.lastRenewal = s.clock.Now()
			a.lastErr = nil
		})
		s.logger.Info("watch renewed", "account", account, "expires_at", w.ExpiresAt)
		return nil
	}

	s.touch(account, func(a *accountInfo) { a.lastErr = err })
	switch {
	case errors.Is(err, failure.ErrNeedsReauth):
		s.logger.Warn("renewal needs re-authorization", "account", account, "error", err)
	case final:
		s.logger.Error("final renewal attempt failed, watch expired", "account", account, "error", err)
		if serr := s.store.SetWatchStatus(account, store.WatchExpired, err.Error()); serr != nil {
			s.logger.Warn("failed to mark watch expired", "account", account, "error", serr)
		}
	case failure.IsDeferrable(err):
		s.logger.Warn("renewal deferred to next tick", "account", account, "error", err)
	default:
		s.logger.Error("renewal failed", "account", account, "error", err)
	}
	return err
}

func (s *Scheduler) touch(account string, fn func(*accountInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[account]
	if a == nil {
		a = &accountInfo{}
		s.accounts[account] = a
	}
	fn(a)
}

// Status reports the schedule and every connected account's state.
func (s *Scheduler) Status() (*Status, error) {
	creds, err := s.store.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &Status{
		Schedule:      s.cfg.Schedule,
		RenewalWindow: s.cfg.RenewalWindow.String(),
		Running:       s.started && !s.stopped,
		LastTick:      s.lastTick,
	}
	if st.Running {
		st.NextTick = s.cron.Entry(s.entry).Next
	}
	for _, cred := range creds {
		w, err := s.store.GetWatch(cred.AccountID)
		if err != nil {
			return nil, err
		}
		as := AccountStatus{
			Account: cred.AccountID,
			State:   Classify(w, cred, now, s.cfg.RenewalWindow),
		}
		if w != nil {
			as.ExpiresAt = w.ExpiresAt
			as.LastError = w.LastError
		}
		if a := s.accounts[cred.AccountID]; a != nil {
			as.Running = a.running
			as.LastCheck = a.lastCheck
			as.LastRenewal = a.lastRenewal
			if a.lastErr != nil {
				as.LastError = a.lastErr.Error()
			}
		}
		st.Accounts = append(st.Accounts, as)
	}
	sort.Slice(st.Accounts, func(i, j int) bool { return st.Accounts[i].Account < st.Accounts[j].Account })
	return st, nil
}

// ValidateSchedule validates a cron expression or descriptor without
// scheduling anything.
func ValidateSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	return nil
}

// cronLogger bridges cron's logger to slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
