package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/weddingdesk/mailwatch/internal/clock"
	"github.com/weddingdesk/mailwatch/internal/store"
)

// NewTestStore creates a temporary database for testing.
// The database is automatically cleaned up when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})

	if err := st.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return st
}

// NewTestStoreWithClock is NewTestStore with timestamps taken from clk.
func NewTestStoreWithClock(t *testing.T, clk clock.Clock) *store.Store {
	t.Helper()
	st := NewTestStore(t)
	st.SetClock(clk)
	return st
}

// SeedAccount stores a consented credential whose access token expires at
// expiresAt. An empty refreshToken models a grant that never issued one.
func SeedAccount(t *testing.T, st *store.Store, account, refreshToken string, expiresAt time.Time) {
	t.Helper()
	err := st.PutCredential(&store.Credential{
		AccountID:    account,
		AccessToken:  "access-" + account,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
	}, false)
	MustNoErr(t, err, "seed credential "+account)
}

// SeedWatch stores an active watch at cursor expiring at expiresAt.
func SeedWatch(t *testing.T, st *store.Store, account string, cursor uint64, expiresAt time.Time) {
	t.Helper()
	err := st.ReplaceWatch(&store.Watch{
		AccountID: account,
		Cursor:    cursor,
		ExpiresAt: expiresAt,
		Status:    store.WatchActive,
		Topic:     "projects/test/topics/gmail",
		LabelIDs:  []string{"INBOX"},
		Tuning:    store.DeliveryTuning{MaxItemsPerDelivery: 100},
	})
	MustNoErr(t, err, "seed watch "+account)
}
