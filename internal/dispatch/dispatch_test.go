package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weddingdesk/mailwatch/internal/testutil"
)

func startDispatcher(t *testing.T, workers, capacity int) *Dispatcher {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := New(workers, capacity, nil)
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Close()
	})
	return d
}

func waitTicket(t *testing.T, tk *Ticket) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := tk.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("job %s did not finish", tk.ID)
	}
	return err
}

func TestSubmit_RunsInOrderPerAccount(t *testing.T) {
	d := startDispatcher(t, 4, 100)

	var mu sync.Mutex
	var order []string
	var last *Ticket
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		tk, _, err := d.Submit("bride@example.com", KindRenew, func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
		testutil.MustNoErr(t, err, "Submit")
		last = tk
	}
	testutil.MustNoErr(t, waitTicket(t, last), "last job")

	mu.Lock()
	defer mu.Unlock()
	testutil.AssertStrings(t, order, "a", "b", "c", "d", "e")
}

func TestSubmit_OneJobPerAccountAtATime(t *testing.T) {
	d := startDispatcher(t, 4, 100)

	var active, peak atomic.Int32
	var tickets []*Ticket
	for i := 0; i < 10; i++ {
		tk, _, err := d.Submit("groom@example.com", KindRenew, func(ctx context.Context) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			return nil
		})
		testutil.MustNoErr(t, err, "Submit")
		tickets = append(tickets, tk)
	}
	for _, tk := range tickets {
		testutil.MustNoErr(t, waitTicket(t, tk), "job")
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency for one account = %d, want 1", peak.Load())
	}
}

func TestSubmit_AccountsRunInParallel(t *testing.T) {
	d := startDispatcher(t, 2, 100)

	release := make(chan struct{})
	started := make(chan string, 2)
	block := func(account string) Func {
		return func(ctx context.Context) error {
			started <- account
			<-release
			return nil
		}
	}
	a, _, err := d.Submit("a@example.com", KindRenew, block("a"))
	testutil.MustNoErr(t, err, "Submit a")
	b, _, err := d.Submit("b@example.com", KindRenew, block("b"))
	testutil.MustNoErr(t, err, "Submit b")

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("accounts did not run in parallel")
		}
	}
	close(release)
	testutil.MustNoErr(t, waitTicket(t, a), "a")
	testutil.MustNoErr(t, waitTicket(t, b), "b")
}

func TestSubmit_CoalescesPendingSyncs(t *testing.T) {
	d := startDispatcher(t, 1, 100)
	const account = "couple@example.com"

	release := make(chan struct{})
	running := make(chan struct{})
	first, _, err := d.Submit(account, KindSync, func(ctx context.Context) error {
		close(running)
		<-release
		return nil
	})
	testutil.MustNoErr(t, err, "Submit first")
	<-running

	var runs atomic.Int32
	count := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}
	second, coalesced, err := d.Submit(account, KindSync, count)
	testutil.MustNoErr(t, err, "Submit second")
	if coalesced {
		t.Error("first pending sync should not be coalesced")
	}
	for i := 0; i < 5; i++ {
		tk, coalesced, err := d.Submit(account, KindSync, count)
		testutil.MustNoErr(t, err, "Submit duplicate")
		if !coalesced || tk != second {
			t.Errorf("duplicate %d: coalesced = %v, same ticket = %v", i, coalesced, tk == second)
		}
	}
	if got := d.Stats().Pending; got != 1 {
		t.Errorf("Pending = %d, want 1", got)
	}

	close(release)
	testutil.MustNoErr(t, waitTicket(t, first), "first")
	testutil.MustNoErr(t, waitTicket(t, second), "second")
	if runs.Load() != 1 {
		t.Errorf("coalesced syncs ran %d times, want 1", runs.Load())
	}
}

func TestSubmit_RenewBreaksCoalescing(t *testing.T) {
	d := New(1, 100, nil) // not started: everything stays pending
	const account = "couple@example.com"
	noop := func(ctx context.Context) error { return nil }

	s1, _, _ := d.Submit(account, KindSync, noop)
	_, _, _ = d.Submit(account, KindRenew, noop)
	s2, coalesced, _ := d.Submit(account, KindSync, noop)
	if coalesced || s1 == s2 {
		t.Error("sync after a renew must not join the earlier sync")
	}
	if got := d.Stats().Accounts[account]; got != 3 {
		t.Errorf("pending for account = %d, want 3", got)
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	d := New(1, 2, nil)
	noop := func(ctx context.Context) error { return nil }

	for _, account := range []string{"a@example.com", "b@example.com"} {
		if _, _, err := d.Submit(account, KindRenew, noop); err != nil {
			t.Fatalf("Submit(%s) = %v", account, err)
		}
	}
	if _, _, err := d.Submit("c@example.com", KindRenew, noop); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	// A sync that coalesces needs no new slot.
	d2 := New(1, 1, nil)
	_, _, _ = d2.Submit("a@example.com", KindSync, noop)
	if _, coalesced, err := d2.Submit("a@example.com", KindSync, noop); err != nil || !coalesced {
		t.Errorf("coalesced submit on full queue: coalesced = %v, err = %v", coalesced, err)
	}
}

func TestTicket_ReportsErrorAndPanic(t *testing.T) {
	d := startDispatcher(t, 1, 10)
	boom := errors.New("boom")

	tk, _, err := d.Submit("a@example.com", KindRenew, func(ctx context.Context) error { return boom })
	testutil.MustNoErr(t, err, "Submit")
	if err := waitTicket(t, tk); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}

	tk, _, err = d.Submit("a@example.com", KindRenew, func(ctx context.Context) error { panic("kaboom") })
	testutil.MustNoErr(t, err, "Submit")
	if err := waitTicket(t, tk); err == nil {
		t.Error("panicking job should report an error")
	}

	// The worker survives the panic.
	tk, _, err = d.Submit("a@example.com", KindRenew, func(ctx context.Context) error { return nil })
	testutil.MustNoErr(t, err, "Submit")
	testutil.MustNoErr(t, waitTicket(t, tk), "job after panic")
}

func TestSubmit_AfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := New(1, 10, nil)
	d.Start(ctx)
	cancel()
	d.Close()

	if _, _, err := d.Submit("a@example.com", KindSync, func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
