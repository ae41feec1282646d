package testutil

import (
	"sync"
	"testing"
	"time"
)

// FakeClock provides deterministic time control for tests. Timers fire only
// when Advance moves the clock past their deadline.
type FakeClock struct {
	mu          sync.Mutex
	current     time.Time
	timers      []fakeTimer
	timerNotify chan struct{}
	notifyOnce  sync.Once
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFakeClock returns a clock set to 2024-01-01 UTC.
func NewFakeClock() *FakeClock {
	return NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

// NewFakeClockAt returns a clock set to t.
func NewFakeClockAt(t time.Time) *FakeClock {
	return &FakeClock{
		current:     t,
		timerNotify: make(chan struct{}, 1),
	}
}

// ensureNotifyChannel lazily initializes timerNotify so a zero FakeClock
// does not block on a nil channel.
func (c *FakeClock) ensureNotifyChannel() {
	c.notifyOnce.Do(func() {
		if c.timerNotify == nil {
			c.timerNotify = make(chan struct{}, 1)
		}
	})
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.ensureNotifyChannel()
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := c.current.Add(d)
	if !c.current.Before(deadline) {
		ch <- c.current
		return ch
	}
	c.timers = append(c.timers, fakeTimer{deadline: deadline, ch: ch})
	select {
	case c.timerNotify <- struct{}{}:
	default:
	}
	return ch
}

// TimerCount returns the number of pending timers.
func (c *FakeClock) TimerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Set moves the clock to t without firing timers scheduled after t.
func (c *FakeClock) Set(t time.Time) {
	c.Advance(t.Sub(c.Now()))
}

// Advance moves the clock forward and fires any pending timers.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current
	var remaining []fakeTimer
	for _, t := range c.timers {
		if !now.Before(t.deadline) {
			t.ch <- now
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()
}

// WaitForTimers blocks until the clock has at least n pending timers.
func (c *FakeClock) WaitForTimers(t *testing.T, n int) {
	t.Helper()
	c.ensureNotifyChannel()
	timeout := time.After(2 * time.Second)
	for c.TimerCount() < n {
		select {
		case <-c.timerNotify:
		case <-timeout:
			t.Fatalf("timed out waiting for %d timer(s); have %d", n, c.TimerCount())
		}
	}
}

// StepClock advances itself by the requested duration on every After call,
// so waits complete immediately while Now reflects the time slept. It
// records each requested wait.
type StepClock struct {
	mu      sync.Mutex
	current time.Time
	waits   []time.Duration
}

// NewStepClock returns a StepClock set to 2024-01-01 UTC.
func NewStepClock() *StepClock {
	return &StepClock{current: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *StepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	if d > 0 {
		c.current = c.current.Add(d)
	}
	ch := make(chan time.Time, 1)
	ch <- c.current
	return ch
}

// Waits returns a copy of every duration passed to After.
func (c *StepClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// Total returns the sum of all waits.
func (c *StepClock) Total() time.Duration {
	var total time.Duration
	for _, d := range c.Waits() {
		total += d
	}
	return total
}
