package gmail

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/weddingdesk/mailwatch/internal/testutil"
)

// rlFixture encapsulates the fake clock and rate limiter for test setup.
type rlFixture struct {
	clk *testutil.FakeClock
	rl  *RateLimiter
}

func newRLFixture() *rlFixture {
	clk := testutil.NewFakeClock()
	return &rlFixture{
		clk: clk,
		rl:  NewRateLimiter(clk, defaultQPS),
	}
}

func (f *rlFixture) drain() {
	f.rl.mu.Lock()
	defer f.rl.mu.Unlock()
	f.rl.tokens = 0
}

func (f *rlFixture) assertAvailable(t *testing.T, expected float64) {
	t.Helper()
	if got := f.rl.Available(); got != expected {
		t.Errorf("Available() = %v, want %v", got, expected)
	}
}

// acquireAsync runs Acquire in the background and returns once the call has
// either registered a timer or finished.
func (f *rlFixture) acquireAsync(t *testing.T, ctx context.Context, op Operation) <-chan error {
	t.Helper()
	before := f.clk.TimerCount()
	ch := make(chan error, 1)
	go func() {
		_, err := f.rl.Acquire(ctx, op)
		ch <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for f.clk.TimerCount() <= before && len(ch) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("acquireAsync: timed out waiting for timer or completion")
		}
		time.Sleep(time.Millisecond)
	}
	return ch
}

func TestOperationCost(t *testing.T) {
	tests := []struct {
		op   Operation
		cost int
	}{
		{OpProfile, 1},
		{OpHistoryList, 2},
		{OpMessagesGetRaw, 5},
		{OpStop, 50},
		{OpWatch, 100},
		{OpTokenRefresh, 0},
		{Operation(999), 1},
	}

	for _, tc := range tests {
		if got := tc.op.Cost(); got != tc.cost {
			t.Errorf("%s.Cost() = %d, want %d", tc.op, got, tc.cost)
		}
	}
}

func TestNewRateLimiter_ScaledQPS(t *testing.T) {
	rl := NewRateLimiter(nil, 2.5)
	if want := DefaultRefillRate * 0.5; rl.refillRate != want {
		t.Errorf("refillRate at 2.5 QPS = %v, want %v", rl.refillRate, want)
	}

	rl = NewRateLimiter(nil, 10.0)
	if rl.refillRate != DefaultRefillRate {
		t.Errorf("refillRate at 10 QPS = %v, want %v (capped)", rl.refillRate, DefaultRefillRate)
	}

	rl = NewRateLimiter(nil, 0)
	if want := DefaultRefillRate * (MinQPS / defaultQPS); rl.refillRate != want {
		t.Errorf("refillRate at 0 QPS = %v, want %v (clamped)", rl.refillRate, want)
	}
}

func TestRateLimiter_WatchCostsQuota(t *testing.T) {
	f := newRLFixture()

	if _, err := f.rl.Acquire(context.Background(), OpWatch); err != nil {
		t.Fatalf("Acquire(OpWatch) error = %v", err)
	}
	f.assertAvailable(t, DefaultCapacity-100)
}

func TestRateLimiter_TokenRefreshIsFree(t *testing.T) {
	f := newRLFixture()
	f.drain()

	waited, err := f.rl.Acquire(context.Background(), OpTokenRefresh)
	if err != nil || waited != 0 {
		t.Fatalf("Acquire(OpTokenRefresh) = %v, %v; want 0, nil", waited, err)
	}
}

func TestRateLimiter_Acquire_ContextCancelled(t *testing.T) {
	f := newRLFixture()
	f.drain()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.rl.Acquire(ctx, OpMessagesGetRaw); err != context.Canceled {
		t.Errorf("Acquire() with cancelled context = %v, want context.Canceled", err)
	}
}

func TestRateLimiter_Acquire_WaitsForRefill(t *testing.T) {
	f := newRLFixture()
	f.drain()

	done := f.acquireAsync(t, context.Background(), OpWatch)

	// 100 units at 250/s is 400ms.
	f.clk.Advance(500 * time.Millisecond)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Acquire() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire() did not complete after refill")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	f := newRLFixture()
	f.drain()
	f.assertAvailable(t, 0)

	f.clk.Advance(time.Second)
	f.assertAvailable(t, DefaultCapacity)

	f.clk.Advance(10 * time.Second)
	f.assertAvailable(t, DefaultCapacity)
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(nil, 5.0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rl.Acquire(ctx, OpProfile); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Acquire() error = %v", err)
	}
}

func TestRateLimiter_Throttle(t *testing.T) {
	t.Run("DrainsTokensAndBlocksRefill", func(t *testing.T) {
		f := newRLFixture()
		f.rl.Throttle(100 * time.Millisecond)
		f.assertAvailable(t, 0)

		f.clk.Advance(50 * time.Millisecond)
		f.assertAvailable(t, 0)

		f.clk.Advance(60 * time.Millisecond)
		if got := f.rl.Available(); got <= 0 {
			t.Errorf("Available() after throttle expiry = %v, expected > 0", got)
		}
	})

	t.Run("DoesNotShortenBackoff", func(t *testing.T) {
		f := newRLFixture()
		f.rl.Throttle(200 * time.Millisecond)
		first := f.rl.State().ThrottledUntil

		f.rl.Throttle(50 * time.Millisecond)
		if second := f.rl.State().ThrottledUntil; second.Before(first) {
			t.Errorf("Throttle shortened existing backoff: first=%v, second=%v", first, second)
		}
	})

	t.Run("RecoversRateAfterExpiry", func(t *testing.T) {
		f := newRLFixture()
		f.rl.Throttle(50 * time.Millisecond)

		f.rl.mu.Lock()
		rate := f.rl.refillRate
		f.rl.mu.Unlock()
		if rate != DefaultRefillRate*throttleRecoveryFactor {
			t.Errorf("refillRate after Throttle = %v", rate)
		}

		f.clk.Advance(100 * time.Millisecond)
		f.rl.Available()

		f.rl.mu.Lock()
		rate = f.rl.refillRate
		f.rl.mu.Unlock()
		if rate != DefaultRefillRate {
			t.Errorf("refillRate after throttle expiry = %v, want %v", rate, DefaultRefillRate)
		}
	})
}

func TestRateLimiter_Acquire_WaitsForThrottle(t *testing.T) {
	f := newRLFixture()
	f.rl.Throttle(100 * time.Millisecond)

	done := f.acquireAsync(t, context.Background(), OpProfile)
	f.clk.Advance(150 * time.Millisecond)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Acquire() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire() did not complete after advancing clock past throttle")
	}
}
