package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sbasnet/givesafe/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitForState polls until the job reaches a terminal state or the timeout
// expires.
func waitForState(t *testing.T, q *Queue, id string, want State, timeout time.Duration) *Job {
	t.Helper()
	deadline := time.After(timeout)
	for {
		job, err := q.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if job.State == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s stuck in %s, want %s (attempts=%d, lastError=%q)",
				id, job.State, want, job.Attempts, job.LastError)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEnqueueUnknownJobName(t *testing.T) {
	q := New(Options{})
	if _, err := q.Enqueue(context.Background(), "nope", "pay_1"); !errors.Is(err, ErrUnknownJobName) {
		t.Errorf("err = %v, want ErrUnknownJobName", err)
	}
}

func TestEnqueueCreatesWaitingJob(t *testing.T) {
	q := New(Options{})
	q.Register("score", func(context.Context, *Job) error { return nil })

	job, err := q.Enqueue(context.Background(), "score", "pay_1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.State != StateWaiting {
		t.Errorf("state = %s, want waiting", job.State)
	}
	if job.PaymentID != "pay_1" || job.Name != "score" {
		t.Errorf("job = %+v", job)
	}
	if job.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("maxAttempts = %d, want %d", job.MaxAttempts, DefaultMaxAttempts)
	}

	counts := q.Counts()
	if counts[StateWaiting] != 1 {
		t.Errorf("waiting count = %d, want 1", counts[StateWaiting])
	}
}

func TestWorkerCompletesJob(t *testing.T) {
	q := New(Options{Concurrency: 1})
	var handled atomic.Int32
	q.Register("score", func(_ context.Context, job *Job) error {
		handled.Add(1)
		return nil
	})

	w := NewWorker(q, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	job, err := q.Enqueue(ctx, "score", "pay_1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := waitForState(t, q, job.ID, StateCompleted, time.Second)
	if done.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", done.Attempts)
	}
	if handled.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", handled.Load())
	}
}

func TestWorkerRetriesWithBackoff(t *testing.T) {
	q := New(Options{Concurrency: 1, MaxAttempts: 3, Backoff: 20 * time.Millisecond})
	var calls atomic.Int32
	var firstRetry atomic.Int64
	start := time.Now()
	q.Register("score", func(context.Context, *Job) error {
		n := calls.Add(1)
		if n == 2 {
			firstRetry.Store(int64(time.Since(start)))
		}
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	})

	w := NewWorker(q, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	job, _ := q.Enqueue(ctx, "score", "pay_retry")
	done := waitForState(t, q, job.ID, StateCompleted, 2*time.Second)

	if done.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", done.Attempts)
	}
	// First retry must wait at least the base backoff.
	if d := time.Duration(firstRetry.Load()); d < 20*time.Millisecond {
		t.Errorf("first retry after %v, want >= 20ms backoff", d)
	}
}

func TestWorkerExhaustsAttempts(t *testing.T) {
	q := New(Options{Concurrency: 1, MaxAttempts: 3, Backoff: 5 * time.Millisecond})
	var calls atomic.Int32
	q.Register("score", func(context.Context, *Job) error {
		calls.Add(1)
		return errors.New("payment not found")
	})

	w := NewWorker(q, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	job, _ := q.Enqueue(ctx, "score", "pay_gone")
	failed := waitForState(t, q, job.ID, StateFailed, 2*time.Second)

	if calls.Load() != 3 {
		t.Errorf("handler ran %d times, want 3", calls.Load())
	}
	if failed.LastError == "" {
		t.Error("failed job must keep its last error for operators")
	}
}

func TestWorkerPermanentErrorSkipsRetry(t *testing.T) {
	q := New(Options{Concurrency: 1, MaxAttempts: 3, Backoff: 5 * time.Millisecond})
	var calls atomic.Int32
	q.Register("score", func(context.Context, *Job) error {
		calls.Add(1)
		return retry.Permanent(errors.New("malformed payment record"))
	})

	w := NewWorker(q, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	job, _ := q.Enqueue(ctx, "score", "pay_bad")
	failed := waitForState(t, q, job.ID, StateFailed, time.Second)

	if failed.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries for permanent errors)", failed.Attempts)
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
}

func TestWorkerRecoversFromHandlerPanic(t *testing.T) {
	q := New(Options{Concurrency: 1, MaxAttempts: 1})
	q.Register("score", func(context.Context, *Job) error {
		panic("nil map write")
	})

	w := NewWorker(q, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	job, _ := q.Enqueue(ctx, "score", "pay_panic")
	failed := waitForState(t, q, job.ID, StateFailed, time.Second)
	if failed.LastError == "" {
		t.Error("panic must surface as the job's last error")
	}
}

func TestWorkerConcurrency(t *testing.T) {
	const workers = 5
	q := New(Options{Concurrency: workers})

	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})
	q.Register("score", func(context.Context, *Job) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	w := NewWorker(q, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	ids := make([]string, 0, workers*2)
	for i := 0; i < workers*2; i++ {
		job, err := q.Enqueue(ctx, "score", "pay_c")
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, job.ID)
	}

	// Let the pool saturate, then release everything.
	time.Sleep(50 * time.Millisecond)
	close(release)
	for _, id := range ids {
		waitForState(t, q, id, StateCompleted, 2*time.Second)
	}
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	if peak > workers {
		t.Errorf("peak concurrency %d exceeded pool size %d", peak, workers)
	}
	if peak < 2 {
		t.Errorf("peak concurrency %d, expected parallel processing", peak)
	}
}

func TestEnqueueAfterStopRejected(t *testing.T) {
	q := New(Options{Concurrency: 1})
	q.Register("score", func(context.Context, *Job) error { return nil })

	w := NewWorker(q, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.Stop()

	if _, err := q.Enqueue(ctx, "score", "pay_late"); !errors.Is(err, ErrQueueStopped) {
		t.Errorf("err = %v, want ErrQueueStopped", err)
	}
}
