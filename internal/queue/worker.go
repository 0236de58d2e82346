package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sbasnet/givesafe/internal/metrics"
	"github.com/sbasnet/givesafe/internal/retry"
	"github.com/sbasnet/givesafe/internal/traces"
)

// Worker runs the queue's worker pool.
type Worker struct {
	queue  *Queue
	logger *slog.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewWorker creates a worker pool over the queue.
func NewWorker(q *Queue, logger *slog.Logger) *Worker {
	return &Worker{
		queue:  q,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Start launches the configured number of workers. Call in a goroutine or
// rely on it returning immediately — workers run in the background until
// Stop or ctx cancellation.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.queue.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
}

// Stop signals all workers to finish their current job and exit, then
// waits for them.
func (w *Worker) Stop() {
	close(w.stop)
	w.queue.mu.Lock()
	w.queue.stopped = true
	w.queue.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case id := <-w.queue.pending:
			w.process(ctx, id)
		}
	}
}

func (w *Worker) process(ctx context.Context, id string) {
	q := w.queue

	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	job.State = StateActive
	job.Attempts++
	job.UpdatedAt = time.Now()
	attempt := job.Attempts
	handler := q.handlers[job.Name]
	cp := *job
	q.mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "queue.process",
		traces.JobID(cp.ID), traces.PaymentID(cp.PaymentID))
	defer span.End()

	err := w.safeHandle(ctx, handler, &cp)
	if err == nil {
		q.markTerminal(job, StateCompleted, "")
		metrics.JobsProcessed.WithLabelValues(job.Name, "completed").Inc()
		return
	}

	var pe *retry.PermanentError
	permanent := errors.As(err, &pe)

	if permanent || attempt >= job.MaxAttempts {
		q.markTerminal(job, StateFailed, err.Error())
		metrics.JobsProcessed.WithLabelValues(job.Name, "failed").Inc()
		w.logger.Error("job permanently failed",
			"job_id", job.ID, "job", job.Name, "payment_id", job.PaymentID,
			"attempts", attempt, "permanent", permanent, "error", err)
		return
	}

	// Exponential backoff: base, 2x base, 4x base, ...
	delay := q.opts.Backoff << (attempt - 1)
	q.mu.Lock()
	job.State = StateWaiting
	job.LastError = err.Error()
	job.UpdatedAt = time.Now()
	q.mu.Unlock()

	metrics.JobRetries.WithLabelValues(job.Name).Inc()
	w.logger.Warn("job attempt failed, retrying",
		"job_id", job.ID, "payment_id", job.PaymentID,
		"attempt", attempt, "retry_in", delay, "error", err)

	time.AfterFunc(delay, func() {
		q.mu.Lock()
		stopped := q.stopped
		q.mu.Unlock()
		if stopped {
			return
		}
		select {
		case q.pending <- id:
		default:
			q.markTerminal(job, StateFailed, "retry dropped: queue full")
			w.logger.Error("retry dropped, queue full", "job_id", job.ID, "payment_id", job.PaymentID)
		}
	})
}

// safeHandle converts a handler panic into a job error so one bad payment
// cannot take a worker down.
func (w *Worker) safeHandle(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job handler: %v", r)
		}
	}()
	return h(ctx, job)
}
