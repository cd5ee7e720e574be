package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultPoolSize is the default number of concurrent runs.
const DefaultPoolSize = 16

// PoolMetrics tracks run pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("run pool is shut down")

// Job is one unit of work executed by the pool.
type Job func(ctx context.Context) error

// WorkerPool bounds the number of runs executing at once.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
	mu     sync.Mutex
	done   chan struct{}
	closed bool
	active atomic.Int64
	ok     atomic.Int64
	failed atomic.Int64
	panics atomic.Int64
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		sem:    make(chan struct{}, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Submit schedules job under label. It blocks while the pool is at capacity
// and respects ctx while waiting. onDone, if non-nil, receives the job's
// error (a recovered panic included) once it finishes.
func (p *WorkerPool) Submit(ctx context.Context, label string, job Job, onDone func(error)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown cannot miss this job.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				err = fmt.Errorf("job %s panicked: %v", label, r)
				p.logger.ErrorContext(ctx, "run panicked", slog.String("job", label), slog.Any("panic", r))
			}
			if err != nil {
				p.failed.Add(1)
			} else {
				p.ok.Add(1)
			}
			p.active.Add(-1)
			<-p.sem
			if onDone != nil {
				onDone(err)
			}
			p.wg.Done()
		}()

		err = job(ctx)
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for active jobs to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.ok.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
