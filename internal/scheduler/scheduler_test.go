package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/weddingdesk/mailwatch/internal/dispatch"
	"github.com/weddingdesk/mailwatch/internal/failure"
	"github.com/weddingdesk/mailwatch/internal/gmail"
	"github.com/weddingdesk/mailwatch/internal/retry"
	"github.com/weddingdesk/mailwatch/internal/store"
	"github.com/weddingdesk/mailwatch/internal/testutil"
	"github.com/weddingdesk/mailwatch/internal/watch"
)

const account = "couple@example.com"

type fakeTokens struct {
	mu    sync.Mutex
	errs  map[string]error
	calls map[string]int
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{errs: make(map[string]error), calls: make(map[string]int)}
}

func (f *fakeTokens) AccessToken(ctx context.Context, account string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[account]++
	if err := f.errs[account]; err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: "tok-" + account}, nil
}

func (f *fakeTokens) set(account string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[account] = err
}

type schedEnv struct {
	store  *store.Store
	clock  *testutil.FakeClock
	api    *gmail.MockAPI
	tokens *fakeTokens
	sched  *Scheduler
}

func newSchedEnv(t *testing.T, opts ...Option) *schedEnv {
	t.Helper()
	clk := testutil.NewFakeClock()
	st := testutil.NewTestStoreWithClock(t, clk)
	api := gmail.NewMockAPI()
	api.Now = clk.Now
	api.SetHistoryID(account, 5000)

	exec := retry.New(retry.DefaultPolicy(),
		retry.WithClock(testutil.NewStepClock()),
		retry.WithJitter(func(time.Duration) time.Duration { return 0 }))
	reg := watch.NewRegistrar(st, api, exec, watch.Config{
		Topic:    "projects/wedding/topics/gmail",
		LabelIDs: []string{"INBOX"},
	}, nil)
	tokens := newFakeTokens()

	opts = append([]Option{WithClock(clk)}, opts...)
	s, err := New(Config{Schedule: "@every 3h", RenewalWindow: 24 * time.Hour}, st, reg, tokens, opts...)
	testutil.MustNoErr(t, err, "New")
	t.Cleanup(func() { <-s.Stop().Done() })

	testutil.SeedAccount(t, st, account, "refresh", clk.Now().Add(time.Hour))
	return &schedEnv{store: st, clock: clk, api: api, tokens: tokens, sched: s}
}

func (e *schedEnv) watch(t *testing.T) *store.Watch {
	t.Helper()
	w, err := e.store.GetWatch(account)
	testutil.MustNoErr(t, err, "GetWatch")
	if w == nil {
		t.Fatal("no watch stored")
	}
	return w
}

func (e *schedEnv) tick(t *testing.T) {
	t.Helper()
	testutil.MustNoErr(t, e.sched.Tick(context.Background()), "Tick")
}

func TestTick_RenewsInsideWindow(t *testing.T) {
	env := newSchedEnv(t)
	testutil.SeedWatch(t, env.store, account, 4000, env.clock.Now().Add(10*time.Hour))

	env.tick(t)

	if len(env.api.WatchCalls) != 1 {
		t.Fatalf("watch calls = %d, want 1", len(env.api.WatchCalls))
	}
	w := env.watch(t)
	if want := env.clock.Now().Add(gmail.WatchLifetime); !w.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", w.ExpiresAt, want)
	}
	if w.Cursor != 5000 || w.Status != store.WatchActive {
		t.Errorf("watch = %+v", w)
	}
}

func TestTick_LeavesHealthyWatchAlone(t *testing.T) {
	env := newSchedEnv(t)
	testutil.SeedWatch(t, env.store, account, 4000, env.clock.Now().Add(3*24*time.Hour))

	env.tick(t)

	if len(env.api.WatchCalls) != 0 {
		t.Errorf("watch calls = %d, want 0", len(env.api.WatchCalls))
	}
	if env.tokens.calls[account] != 1 {
		t.Errorf("health checks = %d, want 1", env.tokens.calls[account])
	}
}

func TestTick_EstablishesMissingWatch(t *testing.T) {
	env := newSchedEnv(t)
	env.tick(t)

	if len(env.api.WatchCalls) != 1 {
		t.Fatalf("watch calls = %d, want 1", len(env.api.WatchCalls))
	}
	if w := env.watch(t); w.Status != store.WatchActive {
		t.Errorf("status = %q", w.Status)
	}
}

func TestTick_NeedsReauthStopsUntilReconsent(t *testing.T) {
	env := newSchedEnv(t)
	testutil.SeedWatch(t, env.store, account, 4000, env.clock.Now().Add(10*time.Hour))
	env.tokens.set(account, failure.NeedsReauth("token refresh", account, errors.New("invalid_grant")))

	env.tick(t)

	if len(env.api.WatchCalls) != 0 {
		t.Fatalf("renewed with a dead credential")
	}
	if w := env.watch(t); w.Status != store.WatchNeedsReauth {
		t.Fatalf("status = %q, want needs_reauth", w.Status)
	}

	// No further attempts while nothing changed.
	env.clock.Advance(3 * time.Hour)
	env.tick(t)
	if len(env.api.WatchCalls) != 0 || env.tokens.calls[account] != 1 {
		t.Errorf("needs_reauth account was retried: watch %d, token %d", len(env.api.WatchCalls), env.tokens.calls[account])
	}

	// Owner reconnects.
	env.clock.Advance(time.Minute)
	env.tokens.set(account, nil)
	testutil.SeedAccount(t, env.store, account, "new-refresh", env.clock.Now().Add(time.Hour))

	env.tick(t)
	if len(env.api.WatchCalls) != 1 {
		t.Fatalf("watch calls after reconsent = %d, want 1", len(env.api.WatchCalls))
	}
	if w := env.watch(t); w.Status != store.WatchActive {
		t.Errorf("status = %q, want active", w.Status)
	}
}

func TestTick_FlaggedCredentialSkipped(t *testing.T) {
	env := newSchedEnv(t)
	testutil.SeedWatch(t, env.store, account, 4000, env.clock.Now().Add(time.Hour))
	testutil.MustNoErr(t, env.store.MarkReauthRequired(account, "revoked"), "MarkReauthRequired")

	env.tick(t)
	if len(env.api.WatchCalls) != 0 || env.tokens.calls[account] != 0 {
		t.Errorf("flagged account touched: watch %d, token %d", len(env.api.WatchCalls), env.tokens.calls[account])
	}
}

func TestTick_TransientFailureLeavesWatch(t *testing.T) {
	env := newSchedEnv(t)
	testutil.SeedWatch(t, env.store, account, 4000, env.clock.Now().Add(10*time.Hour))
	for i := 0; i < retry.DefaultPolicy().MaxAttempts; i++ {
		env.api.WatchErrors = append(env.api.WatchErrors, &gmail.APIError{Op: "users.watch", StatusCode: http.StatusServiceUnavailable})
	}

	env.tick(t)

	w := env.watch(t)
	if w.Status != store.WatchActive || w.Cursor != 4000 {
		t.Errorf("watch = %+v, want unchanged active", w)
	}
	st, err := env.sched.Status()
	testutil.MustNoErr(t, err, "Status")
	if st.Accounts[0].LastError == "" {
		t.Error("status should carry the last error")
	}

	env.clock.Advance(3 * time.Hour)
	env.tick(t)
	if w := env.watch(t); w.Cursor != 5000 {
		t.Errorf("cursor = %d after retry tick, want 5000", w.Cursor)
	}
}

func TestTick_ExpiredWatchGetsFinalAttempt(t *testing.T) {
	env := newSchedEnv(t)
	testutil.SeedWatch(t, env.store, account, 4000, env.clock.Now().Add(-time.Minute))
	for i := 0; i < retry.DefaultPolicy().MaxAttempts; i++ {
		env.api.WatchErrors = append(env.api.WatchErrors, &gmail.APIError{Op: "users.watch", StatusCode: http.StatusBadGateway})
	}

	env.tick(t)
	if w := env.watch(t); w.Status != store.WatchExpired {
		t.Fatalf("status = %q, want expired", w.Status)
	}

	// Expired is NoWatch: the next tick establishes a fresh one.
	env.tick(t)
	if w := env.watch(t); w.Status != store.WatchActive {
		t.Errorf("status = %q, want active", w.Status)
	}
}

func TestTick_ProbeNeedsReauth(t *testing.T) {
	probe := func(ctx context.Context, acct string) error {
		return failure.NeedsReauth("users.getProfile", acct, errors.New("401"))
	}
	env := newSchedEnv(t, WithProbe(probe))
	testutil.SeedWatch(t, env.store, account, 4000, env.clock.Now().Add(3*24*time.Hour))

	env.tick(t)
	if w := env.watch(t); w.Status != store.WatchNeedsReauth {
		t.Errorf("status = %q, want needs_reauth", w.Status)
	}
}

func TestTick_ThroughDispatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := dispatch.New(2, 16, nil)
	d.Start(ctx)
	t.Cleanup(func() { cancel(); d.Close() })

	env := newSchedEnv(t, WithSubmitter(d))
	testutil.SeedWatch(t, env.store, account, 4000, env.clock.Now().Add(2*time.Hour))

	env.tick(t)
	if len(env.api.WatchCalls) != 1 {
		t.Fatalf("watch calls = %d, want 1", len(env.api.WatchCalls))
	}

	ticket, err := env.sched.TriggerRenewal(account)
	testutil.MustNoErr(t, err, "TriggerRenewal")
	waitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	testutil.MustNoErr(t, ticket.Wait(waitCtx), "renewal job")
	if len(env.api.WatchCalls) != 2 {
		t.Errorf("watch calls = %d, want 2", len(env.api.WatchCalls))
	}

	if _, err := env.sched.TriggerRenewal("stranger@example.com"); err == nil {
		t.Error("TriggerRenewal for unknown account should fail")
	}
}

func TestClassify(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cred := &store.Credential{AccountID: account, UpdatedAt: now.Add(-time.Hour)}
	active := func(expires time.Time) *store.Watch {
		return &store.Watch{AccountID: account, Cursor: 10, ExpiresAt: expires, Status: store.WatchActive}
	}

	tests := []struct {
		name string
		w    *store.Watch
		cred *store.Credential
		want State
	}{
		{"no watch", nil, cred, StateNoWatch},
		{"healthy", active(now.Add(72 * time.Hour)), cred, StateActive},
		{"near expiry", active(now.Add(10 * time.Hour)), cred, StateNearExpiry},
		{"window edge", active(now.Add(24 * time.Hour)), cred, StateNearExpiry},
		{"expired", active(now.Add(-time.Second)), cred, StateExpired},
		{"expired status", &store.Watch{Status: store.WatchExpired}, cred, StateNoWatch},
		{"stopped", &store.Watch{Status: store.WatchStopped}, cred, StateStopped},
		{"rejected", &store.Watch{Status: store.WatchRejected}, cred, StateRejected},
		{"flagged credential", active(now.Add(time.Hour)), &store.Credential{ReauthRequired: true}, StateNeedsReauth},
		{"needs reauth waiting", &store.Watch{Status: store.WatchNeedsReauth, UpdatedAt: now}, cred, StateNeedsReauth},
		{"reconsented", &store.Watch{Status: store.WatchNeedsReauth, UpdatedAt: now.Add(-2 * time.Hour)}, cred, StateReconsented},
		{"placeholder", &store.Watch{Status: store.WatchActive}, cred, StateNoWatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.w, tt.cred, now, 24*time.Hour); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	st := testutil.NewTestStore(t)
	if _, err := New(Config{Schedule: "every tuesday"}, st, nil, nil); err == nil {
		t.Error("New() with invalid schedule should fail")
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, expr := range []string{"@every 3h", "0 */6 * * *", "@daily"} {
		if err := ValidateSchedule(expr); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", expr, err)
		}
	}
	for _, expr := range []string{"", "* * *", "@every banana"} {
		if err := ValidateSchedule(expr); err == nil {
			t.Errorf("ValidateSchedule(%q) = nil, want error", expr)
		}
	}
}

func TestRunNow_SkipsWhileTickRunning(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	probe := func(ctx context.Context, acct string) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}
	env := newSchedEnv(t, WithProbe(probe))
	testutil.SeedWatch(t, env.store, account, 4000, env.clock.Now().Add(3*24*time.Hour))

	done := make(chan struct{})
	go func() {
		env.sched.RunNow()
		close(done)
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first tick did not start")
	}

	// Overlapping run returns without checking any account.
	env.sched.RunNow()
	if n := calls.Load(); n != 1 {
		t.Errorf("probe calls = %d while a tick was running, want 1", n)
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("first tick did not finish")
	}

	env.sched.RunNow()
	if n := calls.Load(); n != 2 {
		t.Errorf("probe calls = %d after the tick finished, want 2", n)
	}
}

func TestStartStop(t *testing.T) {
	env := newSchedEnv(t)
	env.sched.Start()
	if !env.sched.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	st, err := env.sched.Status()
	testutil.MustNoErr(t, err, "Status")
	if st.Schedule != "@every 3h" || st.NextTick.IsZero() {
		t.Errorf("status = %+v", st)
	}
	if len(st.Accounts) != 1 || st.Accounts[0].State != StateNoWatch {
		t.Errorf("accounts = %+v", st.Accounts)
	}

	select {
	case <-env.sched.Stop().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not finish")
	}
	if env.sched.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if _, err := env.sched.TriggerRenewal(account); err == nil {
		t.Error("TriggerRenewal after Stop should fail")
	}
}

func TestCronLoggerBridge(t *testing.T) {
	var buf syncBuffer
	l := cronLogger{slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}
	l.Info("skip", "entry", 1)
	l.Error(errors.New("boom"), "panic", "entry", 2)
	testutil.AssertContainsAll(t, buf.String(), "cron: skip", "entry=1", "cron: panic", "error=boom")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
