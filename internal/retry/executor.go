// Package retry runs provider calls under a per-account quota bucket and
// circuit breaker, retrying transient failures with bounded exponential
// backoff.
package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/weddingdesk/mailwatch/internal/clock"
	"github.com/weddingdesk/mailwatch/internal/failure"
	"github.com/weddingdesk/mailwatch/internal/gmail"
)

// Policy bounds how a call is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration // per attempt; zero means no deadline
}

// DefaultPolicy returns the provider call policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Backoff returns the wait before retry number attempt (0-based):
// base * 2^attempt plus jitter in [0, base), raised to retryAfter, capped at max.
func (p Policy) Backoff(attempt int, jitter time.Duration, retryAfter time.Duration) time.Duration {
	d := p.MaxDelay
	if attempt < 32 {
		if exp := p.BaseDelay << uint(attempt); exp > 0 && exp < p.MaxDelay {
			d = exp
		}
	}
	d += jitter
	if retryAfter > d {
		d = retryAfter
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Breaker trips after this many consecutive retryable failures and stays
// open for the cooldown.
const (
	defaultBreakerThreshold = 8
	defaultBreakerCooldown  = 30 * time.Second
)

// Executor runs provider calls for many accounts. Rate-limit and breaker
// state is per account, so one account backing off never blocks another.
type Executor struct {
	policy    Policy
	qps       float64
	clock     clock.Clock
	jitter    func(max time.Duration) time.Duration
	logger    *slog.Logger
	threshold uint32
	cooldown  time.Duration

	mu       sync.Mutex
	accounts map[string]*accountState
}

type accountState struct {
	limiter *gmail.RateLimiter
	breaker *gobreaker.CircuitBreaker
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock sets the clock used for backoff waits and quota refills.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = clock.OrSystem(c) }
}

// WithJitter replaces the jitter source. fn receives BaseDelay and must
// return a value in [0, BaseDelay).
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(e *Executor) { e.jitter = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithQPS sets the per-account request rate used to size quota buckets.
func WithQPS(qps float64) Option {
	return func(e *Executor) { e.qps = qps }
}

// WithBreaker sets how many consecutive retryable failures open an
// account's breaker and how long it stays open.
func WithBreaker(threshold uint32, cooldown time.Duration) Option {
	return func(e *Executor) {
		e.threshold = threshold
		e.cooldown = cooldown
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// New creates an Executor with the given default policy.
func New(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy:    policy,
		qps:       5,
		clock:     clock.System{},
		jitter:    randomJitter,
		logger:    slog.Default(),
		threshold: defaultBreakerThreshold,
		cooldown:  defaultBreakerCooldown,
		accounts:  make(map[string]*accountState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy.MaxAttempts < 1 {
		e.policy.MaxAttempts = 1
	}
	return e
}

// Policy returns the executor's default policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

func (e *Executor) state(account string) *accountState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.accounts[account]
	if ok {
		return st
	}
	st = &accountState{
		limiter: gmail.NewRateLimiter(e.clock, e.qps),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        account,
			MaxRequests: 1,
			Timeout:     e.cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= e.threshold
			},
			// Only failures worth retrying say anything about provider health.
			IsSuccessful: func(err error) bool {
				class, _ := Classify(err)
				return err == nil || !class.retries()
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				e.logger.Warn("circuit breaker state changed", "account", name, "from", from.String(), "to", to.String())
			},
		}),
	}
	e.accounts[account] = st
	return st
}

// Execute runs fn for account under the default policy.
func (e *Executor) Execute(ctx context.Context, account string, op gmail.Operation, fn func(ctx context.Context) error) error {
	return e.ExecutePolicy(ctx, account, op, e.policy, fn)
}

// ExecutePolicy runs fn until it succeeds, fails terminally, or the policy's
// attempts are used up. Terminal and auth failures are returned unchanged;
// running out of attempts returns an ErrExhausted failure wrapping the last
// error.
func (e *Executor) ExecutePolicy(ctx context.Context, account string, op gmail.Operation, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	st := e.state(account)

	for attempt := 0; ; attempt++ {
		if _, err := st.limiter.Acquire(ctx, op); err != nil {
			return failure.New(failure.ErrTransient, op.String(), account, err)
		}

		err := e.attempt(ctx, st, op, p, fn)
		if err == nil {
			return nil
		}

		class, retryAfter := Classify(err)
		if !class.retries() {
			return err
		}
		if ctx.Err() != nil {
			return failure.New(failure.ErrTransient, op.String(), account, ctx.Err())
		}
		if attempt+1 >= p.MaxAttempts {
			e.logger.Warn("provider call exhausted retries",
				"account", account, "op", op.String(), "attempts", attempt+1, "error", err)
			return failure.New(failure.ErrExhausted, op.String(), account, err)
		}

		delay := p.Backoff(attempt, e.jitter(p.BaseDelay), retryAfter)
		if class == RateLimited {
			st.limiter.Throttle(delay)
		}
		e.logger.Debug("retrying provider call",
			"account", account, "op", op.String(), "attempt", attempt+1, "class", class.String(),
			"backoff", delay, "error", err)

		select {
		case <-ctx.Done():
			return failure.New(failure.ErrTransient, op.String(), account, ctx.Err())
		case <-e.clock.After(delay):
		}
	}
}

// attempt runs one call with its own deadline. Token refreshes run nested
// inside provider calls, so they bypass the breaker.
func (e *Executor) attempt(ctx context.Context, st *accountState, op gmail.Operation, p Policy, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if p.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		defer cancel()
	}

	if op == gmail.OpTokenRefresh {
		return fn(callCtx)
	}
	_, err := st.breaker.Execute(func() (interface{}, error) {
		return nil, fn(callCtx)
	})
	return err
}

// Do runs fn through the executor and returns its value.
func Do[T any](ctx context.Context, e *Executor, account string, op gmail.Operation, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, account, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// AccountState is the executor's view of one account.
type AccountState struct {
	QuotaAvailable float64
	ThrottledUntil time.Time
	Breaker        string
}

// State reports quota and breaker state for an account that has made calls.
func (e *Executor) State(account string) (AccountState, bool) {
	e.mu.Lock()
	st, ok := e.accounts[account]
	e.mu.Unlock()
	if !ok {
		return AccountState{}, false
	}
	rl := st.limiter.State()
	return AccountState{
		QuotaAvailable: rl.Available,
		ThrottledUntil: rl.ThrottledUntil,
		Breaker:        st.breaker.State().String(),
	}, true
}

// Forget drops an account's state, e.g. after disconnect.
func (e *Executor) Forget(account string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.accounts, account)
}
