package store_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/weddingdesk/mailwatch/internal/store"
	"github.com/weddingdesk/mailwatch/internal/testutil"
)

const account = "couple@example.com"

func TestCredential_ConsentReplaceAndMerge(t *testing.T) {
	clk := testutil.NewFakeClock()
	st := testutil.NewTestStoreWithClock(t, clk)

	expiry := clk.Now().Add(time.Hour).UTC()
	err := st.PutCredential(&store.Credential{
		AccountID:    account,
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresAt:    expiry,
		Scopes:       []string{"gmail.readonly", "gmail.metadata"},
	}, false)
	testutil.MustNoErr(t, err, "PutCredential")

	got, err := st.GetCredential(account)
	testutil.MustNoErr(t, err, "GetCredential")
	want := &store.Credential{
		AccountID:    account,
		AccessToken:  "a1",
		RefreshToken: "r1",
		TokenType:    "Bearer",
		ExpiresAt:    expiry,
		Scopes:       []string{"gmail.readonly", "gmail.metadata"},
		CreatedAt:    clk.Now().UTC(),
		UpdatedAt:    clk.Now().UTC(),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("credential mismatch (-want +got):\n%s", diff)
	}

	// A refresh that does not reissue the refresh token keeps the old one.
	clk.Advance(time.Minute)
	err = st.PutCredential(&store.Credential{
		AccountID:   account,
		AccessToken: "a2",
		ExpiresAt:   expiry.Add(time.Hour),
	}, true)
	testutil.MustNoErr(t, err, "merge")

	got, err = st.GetCredential(account)
	testutil.MustNoErr(t, err, "GetCredential after merge")
	if got.AccessToken != "a2" || got.RefreshToken != "r1" {
		t.Errorf("after merge access=%q refresh=%q, want a2/r1", got.AccessToken, got.RefreshToken)
	}
	if len(got.Scopes) != 2 {
		t.Errorf("merge dropped scopes: %v", got.Scopes)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("UpdatedAt %v not after CreatedAt %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestCredential_MergeWithoutRecordFails(t *testing.T) {
	st := testutil.NewTestStore(t)
	err := st.PutCredential(&store.Credential{AccountID: account, AccessToken: "a"}, true)
	if err == nil {
		t.Fatal("merge into missing credential should fail")
	}
}

func TestCredential_ReauthClearedByConsent(t *testing.T) {
	clk := testutil.NewFakeClock()
	st := testutil.NewTestStoreWithClock(t, clk)
	testutil.SeedAccount(t, st, account, "r1", clk.Now())

	before, _ := st.GetCredential(account)
	clk.Advance(time.Minute)
	testutil.MustNoErr(t, st.MarkReauthRequired(account, "invalid_grant"), "MarkReauthRequired")

	got, _ := st.GetCredential(account)
	if !got.ReauthRequired || got.ReauthReason != "invalid_grant" {
		t.Fatalf("reauth = %v %q, want flagged", got.ReauthRequired, got.ReauthReason)
	}
	if !got.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("flagging changed UpdatedAt: %v -> %v", before.UpdatedAt, got.UpdatedAt)
	}

	// A refresh merge leaves the flag alone.
	testutil.MustNoErr(t, st.PutCredential(&store.Credential{AccountID: account, AccessToken: "x"}, true), "merge")
	got, _ = st.GetCredential(account)
	if !got.ReauthRequired {
		t.Error("merge cleared reauth flag")
	}

	clk.Advance(time.Minute)
	testutil.SeedAccount(t, st, account, "r2", clk.Now().Add(time.Hour))
	got, _ = st.GetCredential(account)
	if got.ReauthRequired || got.RefreshToken != "r2" {
		t.Errorf("after consent reauth=%v refresh=%q", got.ReauthRequired, got.RefreshToken)
	}
	if !got.UpdatedAt.After(before.UpdatedAt) {
		t.Errorf("consent did not bump UpdatedAt")
	}
}

func TestGetCredential_Missing(t *testing.T) {
	st := testutil.NewTestStore(t)
	got, err := st.GetCredential("nobody@example.com")
	if err != nil || got != nil {
		t.Fatalf("GetCredential(missing) = %v, %v; want nil, nil", got, err)
	}
}

func TestWatch_ReplaceDiscardsCursor(t *testing.T) {
	st := testutil.NewTestStore(t)
	exp := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	testutil.SeedWatch(t, st, account, 500, exp)

	err := st.ReplaceWatch(&store.Watch{
		AccountID: account,
		Cursor:    120,
		ExpiresAt: exp.Add(24 * time.Hour),
		Topic:     "projects/test/topics/gmail",
		LabelIDs:  []string{"INBOX", "IMPORTANT"},
		Tuning:    store.DeliveryTuning{MaxItemsPerDelivery: 25, InterDeliveryDelay: 250 * time.Millisecond},
	})
	testutil.MustNoErr(t, err, "ReplaceWatch")

	got, err := st.GetWatch(account)
	testutil.MustNoErr(t, err, "GetWatch")
	want := &store.Watch{
		AccountID: account,
		Cursor:    120,
		ExpiresAt: exp.Add(24 * time.Hour),
		Status:    store.WatchActive,
		Topic:     "projects/test/topics/gmail",
		LabelIDs:  []string{"INBOX", "IMPORTANT"},
		Tuning:    store.DeliveryTuning{MaxItemsPerDelivery: 25, InterDeliveryDelay: 250 * time.Millisecond},
	}
	opts := cmpopts.IgnoreFields(store.Watch{}, "CreatedAt", "UpdatedAt")
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Errorf("watch mismatch (-want +got):\n%s", diff)
	}
}

func TestWatch_AdvanceCursorIsMonotonic(t *testing.T) {
	st := testutil.NewTestStore(t)
	testutil.SeedWatch(t, st, account, 100, time.Now().Add(time.Hour))

	steps := []struct {
		next    uint64
		changed bool
		cursor  uint64
	}{
		{150, true, 150},
		{140, false, 150},
		{150, false, 150},
		{151, true, 151},
	}
	for _, s := range steps {
		changed, err := st.AdvanceCursor(account, s.next)
		testutil.MustNoErr(t, err, "AdvanceCursor")
		if changed != s.changed {
			t.Errorf("AdvanceCursor(%d) changed = %v, want %v", s.next, changed, s.changed)
		}
		w, _ := st.GetWatch(account)
		if w.Cursor != s.cursor {
			t.Errorf("after AdvanceCursor(%d) cursor = %d, want %d", s.next, w.Cursor, s.cursor)
		}
	}
}

func TestWatch_SetStatusCreatesPlaceholder(t *testing.T) {
	st := testutil.NewTestStore(t)
	testutil.MustNoErr(t, st.SetWatchStatus(account, store.WatchNeedsReauth, "token revoked"), "SetWatchStatus")

	w, err := st.GetWatch(account)
	testutil.MustNoErr(t, err, "GetWatch")
	if w == nil || w.Status != store.WatchNeedsReauth || w.LastError != "token revoked" || w.IsActive() {
		t.Fatalf("watch = %+v", w)
	}
}

func TestDeleteCredential_RemovesAccountState(t *testing.T) {
	st := testutil.NewTestStore(t)
	testutil.SeedAccount(t, st, account, "r", time.Now())
	testutil.SeedWatch(t, st, account, 1, time.Now())
	testutil.MustNoErr(t, st.MarkProcessed(account, "m1", store.OutcomeDelivered), "MarkProcessed")

	testutil.MustNoErr(t, st.DeleteCredential(account), "DeleteCredential")

	if c, _ := st.GetCredential(account); c != nil {
		t.Error("credential still present")
	}
	if w, _ := st.GetWatch(account); w != nil {
		t.Error("watch still present")
	}
	if ok, _ := st.IsProcessed(account, "m1"); ok {
		t.Error("ledger entry still present")
	}
}

func TestLedger_MarkProcessedIdempotent(t *testing.T) {
	st := testutil.NewTestStore(t)

	ok, err := st.IsProcessed(account, "m1")
	if err != nil || ok {
		t.Fatalf("IsProcessed before mark = %v, %v", ok, err)
	}
	for i := 0; i < 2; i++ {
		testutil.MustNoErr(t, st.MarkProcessed(account, "m1", store.OutcomeDelivered), "MarkProcessed")
	}
	ok, _ = st.IsProcessed(account, "m1")
	if !ok {
		t.Error("IsProcessed after mark = false")
	}
	n, _ := st.CountProcessed(account)
	if n != 1 {
		t.Errorf("CountProcessed = %d, want 1", n)
	}
}

func TestTodos_InsertOncePerMessage(t *testing.T) {
	st := testutil.NewTestStore(t)
	todo := &store.Todo{
		AccountID:  account,
		MessageID:  "m1",
		Title:      "Reply to florist",
		Sender:     "florist@example.com",
		ReceivedAt: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	inserted, err := st.InsertTodo(todo)
	if err != nil || !inserted {
		t.Fatalf("first InsertTodo = %v, %v", inserted, err)
	}
	inserted, err = st.InsertTodo(todo)
	if err != nil || inserted {
		t.Fatalf("second InsertTodo = %v, %v; want false, nil", inserted, err)
	}

	todos, err := st.ListTodos(account, 10)
	testutil.MustNoErr(t, err, "ListTodos")
	if len(todos) != 1 || todos[0].Title != "Reply to florist" || !todos[0].ReceivedAt.Equal(todo.ReceivedAt) {
		t.Errorf("todos = %+v", todos)
	}
}

func TestSyncRuns_Lifecycle(t *testing.T) {
	clk := testutil.NewFakeClock()
	st := testutil.NewTestStoreWithClock(t, clk)

	first, err := st.StartSyncRun(account, 100)
	testutil.MustNoErr(t, err, "StartSyncRun")
	clk.Advance(time.Second)
	second, err := st.StartSyncRun(account, 100)
	testutil.MustNoErr(t, err, "StartSyncRun 2")
	testutil.MustNoErr(t, st.CompleteSyncRun(second, 140, 3), "CompleteSyncRun")
	clk.Advance(time.Second)
	testutil.MustNoErr(t, st.RecordCursorGone(account, 140, 900, "history expired"), "RecordCursorGone")

	runs, err := st.ListSyncRuns(account, 10)
	testutil.MustNoErr(t, err, "ListSyncRuns")
	if len(runs) != 3 {
		t.Fatalf("len(runs) = %d, want 3", len(runs))
	}
	if runs[0].Kind != store.SyncKindCursorGone || runs[0].CursorBefore != 140 || runs[0].CursorAfter != 900 {
		t.Errorf("cursor gone run = %+v", runs[0])
	}
	if runs[1].ID != second || runs[1].Status != store.SyncCompleted || runs[1].MessagesProcessed != 3 {
		t.Errorf("completed run = %+v", runs[1])
	}
	if runs[2].ID != first || runs[2].Status != store.SyncFailed || runs[2].ErrorMessage != "superseded by new sync" {
		t.Errorf("superseded run = %+v", runs[2])
	}

	last, err := st.LastSyncRun(account)
	testutil.MustNoErr(t, err, "LastSyncRun")
	if last.Kind != store.SyncKindCursorGone {
		t.Errorf("LastSyncRun kind = %q", last.Kind)
	}
}

func TestGetStats(t *testing.T) {
	st := testutil.NewTestStore(t)
	testutil.SeedAccount(t, st, account, "r", time.Now())
	testutil.SeedWatch(t, st, account, 1, time.Now().Add(time.Hour))

	stats, err := st.GetStats()
	testutil.MustNoErr(t, err, "GetStats")
	if stats.Accounts != 1 || stats.ActiveWatches != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestOpen_RejectsPostgres(t *testing.T) {
	if _, err := store.Open("postgres://localhost/mailwatch"); err == nil {
		t.Fatal("Open(postgres URL) should fail")
	}
}
