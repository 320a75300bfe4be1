package pipeline

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrRunnerClosed is returned by Go after Close.
var ErrRunnerClosed = errors.New("grading runner is closed")

// Runner executes background jobs with at most a fixed number in flight.
type Runner struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRunner creates a Runner allowing workers concurrent jobs. Values below
// one are treated as one.
func NewRunner(workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go schedules job without blocking the caller. The job receives a context
// that is cancelled when the runner closes; jobs still waiting for a slot
// at that point never run.
func (r *Runner) Go(job func(ctx context.Context)) error {
	if job == nil {
		return errors.New("job is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerClosed
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			return
		}
		defer r.sem.Release(1)
		job(r.ctx)
	}()
	return nil
}

// Wait blocks until every scheduled job has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close stops accepting jobs, cancels running ones and waits for them.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
