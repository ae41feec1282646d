package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/weddingdesk/mailwatch/internal/config"
	"github.com/weddingdesk/mailwatch/internal/failure"
	"github.com/weddingdesk/mailwatch/internal/gmail"
	"github.com/weddingdesk/mailwatch/internal/store"
	"github.com/weddingdesk/mailwatch/internal/testutil"
)

const account = "couple@example.com"

type engineEnv struct {
	engine *Engine
	store  *store.Store
	api    *gmail.MockAPI
	clock  *testutil.FakeClock
}

func newEngineEnv(t *testing.T, mutate func(*config.Config)) *engineEnv {
	t.Helper()
	clk := testutil.NewFakeClock()
	st := testutil.NewTestStoreWithClock(t, clk)
	api := gmail.NewMockAPI()
	api.Now = clk.Now
	api.SetHistoryID(account, 100)
	testutil.SeedAccount(t, st, account, "refresh", clk.Now().Add(time.Hour))

	cfg := config.NewDefaultConfig(t.TempDir())
	cfg.Gmail.Topic = "projects/wedding/topics/gmail"
	if mutate != nil {
		mutate(cfg)
	}

	e, err := New(context.Background(), cfg, st,
		WithGmailAPI(api),
		WithOAuthConfig(&oauth2.Config{ClientID: "client"}),
		WithClock(clk))
	testutil.MustNoErr(t, err, "New")
	return &engineEnv{engine: e, store: st, api: api, clock: clk}
}

func (env *engineEnv) start(t *testing.T) {
	t.Helper()
	env.engine.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := env.engine.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func push(t *testing.T, h http.Handler, historyID uint64) int {
	t.Helper()
	data := base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf(`{"emailAddress":%q,"historyId":%d}`, account, historyID)))
	body := fmt.Sprintf(`{"message":{"data":%q,"messageId":"pubsub-%d"},"subscription":"projects/wedding/subscriptions/push"}`, data, historyID)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gmail", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestEngine_NewRequiresOAuth(t *testing.T) {
	st := testutil.NewTestStore(t)
	cfg := config.NewDefaultConfig(t.TempDir())
	_, err := New(context.Background(), cfg, st, WithGmailAPI(gmail.NewMockAPI()))
	if !errors.Is(err, ErrOAuthNotConfigured) {
		t.Fatalf("New() error = %v, want ErrOAuthNotConfigured", err)
	}
}

func TestEngine_InvalidScheduleFails(t *testing.T) {
	st := testutil.NewTestStore(t)
	cfg := config.NewDefaultConfig(t.TempDir())
	cfg.Watch.RenewSchedule = "whenever"
	_, err := New(context.Background(), cfg, st,
		WithGmailAPI(gmail.NewMockAPI()),
		WithOAuthConfig(&oauth2.Config{ClientID: "client"}))
	if err == nil {
		t.Fatal("New() with bad schedule should fail")
	}
}

func TestEngine_PushToTodo(t *testing.T) {
	env := newEngineEnv(t, nil)
	env.start(t)

	// The startup tick registers the watch.
	eventually(t, "watch registration", func() bool {
		w, err := env.store.GetWatch(account)
		return err == nil && w != nil && w.Cursor == 100
	})

	hid := env.api.AddMessage(account, "m1",
		testutil.VendorMail("Bloom & Co <hello@bloom.example>", "Deposit due Friday", "Please send the deposit."))
	if code := push(t, env.engine.Handler(), hid); code != http.StatusNoContent {
		t.Fatalf("push status = %d, want 204", code)
	}

	eventually(t, "todo", func() bool {
		todos, err := env.store.ListTodos(account, 10)
		return err == nil && len(todos) == 1
	})
	todos, _ := env.store.ListTodos(account, 10)
	testutil.AssertContainsAll(t, todos[0].Title, "Deposit due Friday")

	eventually(t, "cursor advance", func() bool {
		w, err := env.store.GetWatch(account)
		return err == nil && w.Cursor == hid
	})

	// Redelivery of the same push is absorbed by the dedupe window.
	if code := push(t, env.engine.Handler(), hid); code != http.StatusNoContent {
		t.Fatalf("duplicate push status = %d, want 204", code)
	}
	n, err := env.store.CountProcessed(account)
	testutil.MustNoErr(t, err, "CountProcessed")
	if n != 1 {
		t.Errorf("processed = %d, want 1", n)
	}
}

func TestEngine_SubmitSyncAndStop(t *testing.T) {
	env := newEngineEnv(t, nil)
	testutil.SeedWatch(t, env.store, account, 100, env.clock.Now().Add(72*time.Hour))
	env.start(t)

	env.api.AddMessage(account, "m1", testutil.VendorMail("planner@example.com", "Menu tasting", "Saturday 2pm"))
	ticket, _, err := env.engine.SubmitSync(account)
	testutil.MustNoErr(t, err, "SubmitSync")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	testutil.MustNoErr(t, ticket.Wait(ctx), "sync job")

	run, err := env.store.LastSyncRun(account)
	testutil.MustNoErr(t, err, "LastSyncRun")
	if run == nil || run.Status != store.SyncCompleted || run.MessagesProcessed != 1 {
		t.Fatalf("last run = %+v", run)
	}

	stop, err := env.engine.StopWatch(account)
	testutil.MustNoErr(t, err, "StopWatch")
	testutil.MustNoErr(t, stop.Wait(ctx), "stop job")
	w, err := env.store.GetWatch(account)
	testutil.MustNoErr(t, err, "GetWatch")
	if w.Status != store.WatchStopped {
		t.Errorf("status = %q, want stopped", w.Status)
	}

	if _, err := env.engine.StopWatch("nobody@example.com"); err == nil {
		t.Error("StopWatch for unknown account should fail")
	}
}

func TestEngine_RemoveAccount(t *testing.T) {
	env := newEngineEnv(t, nil)
	testutil.SeedWatch(t, env.store, account, 100, env.clock.Now().Add(72*time.Hour))

	testutil.MustNoErr(t, env.engine.RemoveAccount(context.Background(), account), "RemoveAccount")

	if len(env.api.StopCalls) != 1 {
		t.Errorf("stop calls = %d, want 1", len(env.api.StopCalls))
	}
	cred, err := env.store.GetCredential(account)
	testutil.MustNoErr(t, err, "GetCredential")
	if cred != nil {
		t.Error("credential should be deleted")
	}
}

func TestEngine_ProbeFlagsRevokedGrant(t *testing.T) {
	env := newEngineEnv(t, nil)
	env.api.ProfileErrors = []error{&gmail.APIError{Op: "users.getProfile", StatusCode: http.StatusUnauthorized}}

	err := env.engine.probe(context.Background(), account)
	if !errors.Is(err, failure.ErrNeedsReauth) {
		t.Fatalf("probe() error = %v, want NeedsReauth", err)
	}
	cred, err := env.store.GetCredential(account)
	testutil.MustNoErr(t, err, "GetCredential")
	if !cred.ReauthRequired {
		t.Error("credential should be flagged for re-authorization")
	}

	testutil.MustNoErr(t, env.engine.probe(context.Background(), account), "probe after recovery")
}

func TestEngine_ProbeQuotaExhaustionDoesNotFlag(t *testing.T) {
	env := newEngineEnv(t, func(c *config.Config) { c.Retry.MaxAttempts = 1 })
	env.api.ProfileErrors = []error{&gmail.APIError{
		Op:         "users.getProfile",
		StatusCode: http.StatusForbidden,
		Reason:     "userRateLimitExceeded",
		Message:    "User-rate limit exceeded",
	}}

	err := env.engine.probe(context.Background(), account)
	if !errors.Is(err, failure.ErrExhausted) {
		t.Fatalf("probe() error = %v, want Exhausted", err)
	}
	if errors.Is(err, failure.ErrNeedsReauth) {
		t.Errorf("probe() error = %v, quota exhaustion must not need re-authorization", err)
	}
	cred, err := env.store.GetCredential(account)
	testutil.MustNoErr(t, err, "GetCredential")
	if cred.ReauthRequired {
		t.Errorf("credential flagged for re-authorization: %q", cred.ReauthReason)
	}
}
