package gmail

import (
	"context"
	"sync"
	"time"

	"github.com/weddingdesk/mailwatch/internal/clock"
)

// Operation represents a Gmail API operation with its quota cost.
type Operation int

const (
	OpProfile        Operation = iota // 1 unit
	OpHistoryList                     // 2 units
	OpMessagesGetRaw                  // 5 units
	OpStop                            // 50 units
	OpWatch                           // 100 units
	OpTokenRefresh                    // token endpoint, not Gmail quota
)

// Cost returns the per-user quota cost for an operation.
func (o Operation) Cost() int {
	switch o {
	case OpWatch:
		return 100
	case OpStop:
		return 50
	case OpMessagesGetRaw:
		return 5
	case OpHistoryList:
		return 2
	case OpTokenRefresh:
		return 0
	default:
		return 1 // OpProfile, unknown
	}
}

func (o Operation) String() string {
	switch o {
	case OpProfile:
		return "users.getProfile"
	case OpHistoryList:
		return "users.history.list"
	case OpMessagesGetRaw:
		return "users.messages.get"
	case OpStop:
		return "users.stop"
	case OpWatch:
		return "users.watch"
	case OpTokenRefresh:
		return "token.refresh"
	default:
		return "unknown"
	}
}

// DefaultCapacity is the token bucket capacity (Gmail's per-user quota units per second).
const DefaultCapacity = 250

// DefaultRefillRate is tokens per second at the default rate.
const DefaultRefillRate = 250.0

// MinQPS is the minimum allowed QPS to prevent division by zero.
const MinQPS = 0.1

const (
	// defaultQPS is the baseline QPS used to calculate the scale factor.
	defaultQPS = 5.0

	// Refill runs at this fraction of the base rate while recovering from a throttle.
	throttleRecoveryFactor = 0.5

	minWait = 10 * time.Millisecond
)

// RateLimiter is a token bucket over Gmail per-user quota units for one
// account. It is safe for concurrent use and supports adaptive throttling.
type RateLimiter struct {
	mu             sync.Mutex
	clock          clock.Clock
	tokens         float64
	capacity       float64
	refillRate     float64 // tokens per second
	baseRefillRate float64
	lastRefill     time.Time
	throttledUntil time.Time // no refill before this instant
}

// RateLimitState is a point-in-time view of a limiter.
type RateLimitState struct {
	Available      float64
	ThrottledUntil time.Time
}

// NewRateLimiter creates a rate limiter with the specified QPS. A nil clock
// uses the system clock. A qps of 5 is the default safe rate for Gmail.
func NewRateLimiter(clk clock.Clock, qps float64) *RateLimiter {
	clk = clock.OrSystem(clk)
	if qps < MinQPS {
		qps = MinQPS
	}

	scale := qps / defaultQPS
	if scale > 1.0 {
		scale = 1.0
	}

	rate := DefaultRefillRate * scale
	return &RateLimiter{
		clock:          clk,
		tokens:         DefaultCapacity,
		capacity:       DefaultCapacity,
		refillRate:     rate,
		baseRefillRate: rate,
		lastRefill:     clk.Now(),
	}
}

// reserve takes tokens for op if it can. It returns 0 on success, or how
// long to wait before trying again.
func (r *RateLimiter) reserve(op Operation) time.Duration {
	cost := float64(op.Cost())

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if now.Before(r.throttledUntil) {
		return r.throttledUntil.Sub(now)
	}

	r.refill(now)

	if r.tokens >= cost {
		r.tokens -= cost
		return 0
	}

	deficit := cost - r.tokens
	wait := time.Duration(deficit / r.refillRate * float64(time.Second))
	if wait < minWait {
		wait = minWait
	}
	return wait
}

// Acquire blocks until the operation's quota cost is available. It returns
// how long the caller waited, or the context error.
func (r *RateLimiter) Acquire(ctx context.Context, op Operation) (time.Duration, error) {
	if op.Cost() == 0 {
		return 0, nil
	}
	var waited time.Duration
	for {
		wait := r.reserve(op)
		if wait == 0 {
			return waited, nil
		}

		select {
		case <-ctx.Done():
			return waited, ctx.Err()
		case <-r.clock.After(wait):
			waited += wait
		}
	}
}

// refill adds tokens for the time since the last refill. Caller holds mu.
func (r *RateLimiter) refill(now time.Time) {
	if now.Before(r.throttledUntil) {
		r.lastRefill = now
		return
	}

	if r.refillRate < r.baseRefillRate && !r.throttledUntil.IsZero() {
		r.refillRate = r.baseRefillRate
	}

	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		r.tokens += elapsed * r.refillRate
	}
	r.lastRefill = now
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
}

// Available returns the current number of available tokens.
func (r *RateLimiter) Available() float64 {
	return r.State().Available
}

// State returns the limiter's current tokens and throttle deadline.
func (r *RateLimiter) State() RateLimitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(r.clock.Now())
	return RateLimitState{Available: r.tokens, ThrottledUntil: r.throttledUntil}
}

// Throttle drains the bucket and blocks refills for d, then recovers at a
// reduced rate. It never shortens an existing throttle window.
func (r *RateLimiter) Throttle(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := r.clock.Now().Add(d)
	if end.After(r.throttledUntil) {
		r.throttledUntil = end
	}

	r.lastRefill = r.throttledUntil
	r.tokens = 0
	r.refillRate = r.baseRefillRate * throttleRecoveryFactor
}
