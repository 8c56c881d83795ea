package decode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/cloudmirror/internal/logging"
	"github.com/fruitsalade/cloudmirror/internal/retry"
)

var (
	// ErrRunnerUnavailable is returned by Submit when the runner is not running.
	ErrRunnerUnavailable = errors.New("decode runner unavailable")
	// ErrRunnerBusy is returned (wrapped as retryable) when the queue is full.
	ErrRunnerBusy = errors.New("decode runner busy")
)

// Task is one unit of background decode work.
type Task func(ctx context.Context) (*Result, error)

// Completion carries the outcome of a submitted task.
type Completion struct {
	Result *Result
	Err    error
}

// Runner is a capability-checked background task queue. Callers check
// Available before submitting and decode inline when it reports false.
type Runner interface {
	Available() bool
	// Submit queues task. The returned channel receives exactly one
	// Completion.
	Submit(ctx context.Context, task Task) (<-chan Completion, error)
}

type queued struct {
	task Task
	done chan Completion
}

// WorkerRunner runs tasks on a fixed set of goroutines.
type WorkerRunner struct {
	mu      sync.RWMutex
	queue   chan queued
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	workers int
	running bool
}

// NewWorkerRunner creates a runner with the given number of workers and
// queue capacity. It does nothing until Start is called.
func NewWorkerRunner(workers, capacity int) *WorkerRunner {
	if workers <= 0 {
		workers = 2
	}
	if capacity <= 0 {
		capacity = 16
	}
	return &WorkerRunner{
		queue:   make(chan queued, capacity),
		workers: workers,
	}
}

// Start launches the worker goroutines.
func (r *WorkerRunner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	r.running = true
	logging.Info("decode runner started", zap.Int("workers", r.workers))
}

// Stop cancels running tasks and waits for the workers. Tasks still queued
// complete with a context error.
func (r *WorkerRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	logging.Info("decode runner stopped")
}

func (r *WorkerRunner) Available() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *WorkerRunner) Submit(ctx context.Context, task Task) (<-chan Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return nil, ErrRunnerUnavailable
	}

	q := queued{task: task, done: make(chan Completion, 1)}
	select {
	case r.queue <- q:
		return q.done, nil
	default:
		return nil, retry.Retryable(ErrRunnerBusy)
	}
}

func (r *WorkerRunner) worker(ctx context.Context) {
	defer r.wg.Done()
	for q := range r.queue {
		q.done <- run(ctx, q.task)
	}
}

func run(ctx context.Context, task Task) (c Completion) {
	defer func() {
		if p := recover(); p != nil {
			c = Completion{Err: fmt.Errorf("decode task panicked: %v", p)}
		}
	}()
	if err := ctx.Err(); err != nil {
		return Completion{Err: err}
	}
	res, err := task(ctx)
	return Completion{Result: res, Err: err}
}
