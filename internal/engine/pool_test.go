package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	var ran atomic.Int64
	err := pool.Submit(context.Background(), "run-1", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	pool.Wait()

	assert.Equal(t, int64(1), ran.Load())
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size, nil)
	defer pool.Shutdown()

	var current, maxSeen int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), "run", func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxSeen {
				maxSeen = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}, nil)
		require.NoError(t, err)
	}

	pool.Wait()

	assert.LessOrEqual(t, maxSeen, int64(size))
	assert.Positive(t, maxSeen)
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})

	require.NoError(t, pool.Submit(context.Background(), "blocker", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}, nil))
	<-started

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), "second", noop, nil)
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second submit should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("second submit did not unblock after first job completed")
	}
	pool.Wait()
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	errCh := make(chan error, 1)
	require.NoError(t, pool.Submit(context.Background(), "run-p", func(ctx context.Context) error {
		panic("test panic")
	}, func(err error) { errCh <- err }))

	pool.Wait()

	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-p panicked")

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)

	var ran atomic.Int64
	require.NoError(t, pool.Submit(context.Background(), "after", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}, nil))
	pool.Wait()
	assert.Equal(t, int64(1), ran.Load())
}

func TestWorkerPool_ContextCancellation(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "blocker", func(ctx context.Context) error {
		<-block
		return nil
	}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, "waiting", noop, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit did not return after context cancellation")
	}

	close(block)
	pool.Wait()
}

func TestWorkerPool_GracefulShutdown(t *testing.T) {
	pool := NewWorkerPool(2, nil)

	var completed atomic.Int64
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(context.Background(), "run", func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			completed.Add(1)
			return nil
		}, nil))
	}

	pool.Shutdown()
	assert.Equal(t, int64(5), completed.Load())
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	pool.Shutdown()

	err := pool.Submit(context.Background(), "late", noop, nil)
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_MetricsAccuracy(t *testing.T) {
	pool := NewWorkerPool(4, nil)
	defer pool.Shutdown()

	errTarget := errors.New("intentional error")
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), "ok", noop, nil))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(context.Background(), "bad", func(ctx context.Context) error {
			return errTarget
		}, nil))
	}

	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(3), m.Completed)
	assert.Equal(t, int64(2), m.Failed)
	assert.Zero(t, m.Active)
}

func TestWorkerPool_DoubleShutdown(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	pool.Shutdown()
	pool.Shutdown()
}
