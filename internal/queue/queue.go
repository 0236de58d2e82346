// Package queue provides an in-process job queue with retry and backoff.
//
// Each job moves through waiting → active → completed|failed. Failed
// attempts are retried with exponential backoff up to a per-queue attempt
// limit; a job that exhausts its attempts stays failed with its last error
// attached for operator inspection. Delivery is at-least-once: handlers
// must be idempotent.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sbasnet/givesafe/internal/idgen"
)

// State is a job's position in its lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Defaults applied when Options fields are zero.
const (
	DefaultConcurrency = 5
	DefaultMaxAttempts = 3
	DefaultBackoff     = 60 * time.Second
)

// terminalHistory caps how many completed/failed jobs are kept around for
// inspection before the oldest are dropped.
const terminalHistory = 1024

var (
	ErrQueueFull      = errors.New("queue is full")
	ErrQueueStopped   = errors.New("queue is stopped")
	ErrUnknownJobName = errors.New("no handler registered for job name")
	ErrJobNotFound    = errors.New("job not found")
)

// Job is one unit of work: a single payment to score.
type Job struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PaymentID   string    `json:"paymentId"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	LastError   string    `json:"lastError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Handler processes one job. Returning nil completes the job; returning an
// error schedules a retry unless the error is wrapped by retry.Permanent
// or attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// Options tunes a queue. Zero values take the defaults above.
type Options struct {
	Concurrency int
	MaxAttempts int
	Backoff     time.Duration // base delay, doubled per retry
	Buffer      int           // pending-job channel capacity
}

// Queue dispatches jobs to a pool of workers.
type Queue struct {
	opts     Options
	handlers map[string]Handler

	mu       sync.Mutex
	jobs     map[string]*Job
	terminal []string // terminal job IDs, oldest first

	pending chan string
	stopped bool
}

// New creates a queue. Register handlers before Start.
func New(opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	return &Queue{
		opts:     opts,
		handlers: make(map[string]Handler),
		jobs:     make(map[string]*Job),
		pending:  make(chan string, opts.Buffer),
	}
}

// Register binds a handler to a job name. Not safe to call after Start.
func (q *Queue) Register(name string, h Handler) {
	q.handlers[name] = h
}

// Enqueue creates a waiting job and hands it to the worker pool.
func (q *Queue) Enqueue(_ context.Context, name, paymentID string) (*Job, error) {
	if _, ok := q.handlers[name]; !ok {
		return nil, ErrUnknownJobName
	}

	now := time.Now()
	job := &Job{
		ID:          idgen.WithPrefix("job_"),
		Name:        name,
		PaymentID:   paymentID,
		State:       StateWaiting,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrQueueStopped
	}
	q.jobs[job.ID] = job
	q.mu.Unlock()

	select {
	case q.pending <- job.ID:
		cp := *job
		return &cp, nil
	default:
		q.mu.Lock()
		delete(q.jobs, job.ID)
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
}

// Get returns a snapshot of a job.
func (q *Queue) Get(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// Counts returns the number of jobs per state, for monitoring.
func (q *Queue) Counts() map[State]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := map[State]int{
		StateWaiting:   0,
		StateActive:    0,
		StateCompleted: 0,
		StateFailed:    0,
	}
	for _, job := range q.jobs {
		counts[job.State]++
	}
	return counts
}

// markTerminal records a job's final state and prunes old history.
func (q *Queue) markTerminal(job *Job, state State, lastErr string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.State = state
	job.LastError = lastErr
	job.UpdatedAt = time.Now()

	q.terminal = append(q.terminal, job.ID)
	for len(q.terminal) > terminalHistory {
		delete(q.jobs, q.terminal[0])
		q.terminal = q.terminal[1:]
	}
}
