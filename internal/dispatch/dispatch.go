// Package dispatch runs account jobs on a fixed worker pool. Jobs for one
// account run one at a time in submission order; different accounts run in
// parallel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weddingdesk/mailwatch/internal/failure"
)

// Job kinds.
const (
	KindSync  = "sync"
	KindRenew = "renew"
	KindStop  = "stop"
)

var (
	// ErrQueueFull means the backlog limit was reached. The caller should
	// let the trigger be redelivered.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrClosed is returned for submissions after shutdown began.
	ErrClosed = errors.New("dispatcher closed")
)

// Func is the work a job does.
type Func func(ctx context.Context) error

// Ticket tracks a submitted job. Coalesced submissions share a ticket.
type Ticket struct {
	ID        string
	Account   string
	Kind      string
	Submitted time.Time

	done chan struct{}
	err  error
}

// Done is closed when the job finished.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the job's error once Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the job finished or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type job struct {
	ticket *Ticket
	fn     Func
}

type accountQueue struct {
	jobs    []*job
	running *Ticket
	ready   bool // queued on the ready channel
}

// Stats is a snapshot of the dispatcher.
type Stats struct {
	Workers  int            `json:"workers"`
	Pending  int            `json:"pending"`
	Running  int            `json:"running"`
	Capacity int            `json:"capacity"`
	Accounts map[string]int `json:"accounts,omitempty"` // pending per account
}

// Dispatcher is a per-account FIFO worker pool.
type Dispatcher struct {
	workers  int
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	queues  map[string]*accountQueue
	pending int
	running int
	closed  bool

	ready chan string
	wg    sync.WaitGroup
}

// New creates a Dispatcher with the given worker count and total backlog.
func New(workers, capacity int, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		workers:  workers,
		capacity: capacity,
		logger:   logger,
		queues:   make(map[string]*accountQueue),
		ready:    make(chan string, capacity),
	}
}

// Start launches the workers. Jobs run with ctx; cancelling it stops the
// workers after their current job.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	d.logger.Info("dispatcher started", "workers", d.workers, "capacity", d.capacity)
}

// Close stops accepting jobs and waits for the workers to exit. Workers
// exit once the context passed to Start is cancelled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// Submit queues fn for account. A sync submitted while another sync for the
// same account is still waiting at the tail of the queue is coalesced into
// it: both callers get the pending ticket.
func (d *Dispatcher) Submit(account, kind string, fn Func) (ticket *Ticket, coalesced bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, false, ErrClosed
	}

	q := d.queues[account]
	if q == nil {
		q = &accountQueue{}
		d.queues[account] = q
	}
	if kind == KindSync && len(q.jobs) > 0 {
		if tail := q.jobs[len(q.jobs)-1]; tail.ticket.Kind == KindSync {
			return tail.ticket, true, nil
		}
	}
	if d.pending >= d.capacity {
		return nil, false, fmt.Errorf("%w (%d pending)", ErrQueueFull, d.pending)
	}

	t := &Ticket{
		ID:        uuid.NewString(),
		Account:   account,
		Kind:      kind,
		Submitted: time.Now(),
		done:      make(chan struct{}),
	}
	q.jobs = append(q.jobs, &job{ticket: t, fn: fn})
	d.pending++
	if q.running == nil && !q.ready {
		q.ready = true
		d.ready <- account
	}
	return t, false, nil
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case account := <-d.ready:
			d.runNext(ctx, account)
		}
	}
}

// runNext runs the head job of account's queue. The account goes back on
// the ready channel if more jobs are waiting, so a busy account does not
// starve the others.
func (d *Dispatcher) runNext(ctx context.Context, account string) {
	d.mu.Lock()
	q := d.queues[account]
	q.ready = false
	if len(q.jobs) == 0 {
		d.mu.Unlock()
		return
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.running = j.ticket
	d.pending--
	d.running++
	d.mu.Unlock()

	j.ticket.err = d.run(ctx, j)
	close(j.ticket.done)

	d.mu.Lock()
	q.running = nil
	d.running--
	if len(q.jobs) > 0 {
		q.ready = true
		d.ready <- account
	} else {
		delete(d.queues, account)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) run(ctx context.Context, j *job) (err error) {
	t := j.ticket
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job panic recovered", "account", t.Account, "kind", t.Kind, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s job panicked: %v", t.Kind, r)
		}
	}()

	start := time.Now()
	err = j.fn(ctx)
	switch {
	case err == nil:
		d.logger.Debug("job done", "account", t.Account, "kind", t.Kind, "job", t.ID, "duration", time.Since(start))
	case failure.IsDeferrable(err):
		d.logger.Warn("job deferred", "account", t.Account, "kind", t.Kind, "job", t.ID, "error", err)
	default:
		d.logger.Error("job failed", "account", t.Account, "kind", t.Kind, "job", t.ID, "error", err)
	}
	return err
}

// Stats returns a snapshot of the queue.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{
		Workers:  d.workers,
		Pending:  d.pending,
		Running:  d.running,
		Capacity: d.capacity,
		Accounts: make(map[string]int),
	}
	for account, q := range d.queues {
		if len(q.jobs) > 0 {
			s.Accounts[account] = len(q.jobs)
		}
	}
	return s
}
