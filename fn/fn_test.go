package fn

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	testTimeout = 2 * time.Second
)

// TestConcurrentQueueOrder makes sure items pushed into the queue come out in
// the same order, even if they overflow the output buffer.
func TestConcurrentQueueOrder(t *testing.T) {
	t.Parallel()

	const numItems = 100

	queue := NewConcurrentQueue[int](5)
	queue.Start()
	defer queue.Stop()

	for i := 0; i < numItems; i++ {
		queue.ChanIn() <- i
	}

	for i := 0; i < numItems; i++ {
		item, err := RecvOrTimeout(queue.ChanOut(), testTimeout)
		require.NoError(t, err)
		require.Equal(t, i, *item)
	}
}

// TestRecvOrTimeout makes sure a receive on an empty channel times out.
func TestRecvOrTimeout(t *testing.T) {
	t.Parallel()

	c := make(chan int)
	_, err := RecvOrTimeout(c, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrRecvTimeout)
}

// TestContextGuardStop makes sure stopping the guard cancels the contexts of
// all tracked goroutines and waits for them.
func TestContextGuardStop(t *testing.T) {
	t.Parallel()

	guard := NewContextGuard(time.Minute)

	var exited atomic.Int32
	for i := 0; i < 5; i++ {
		started := guard.Go(func(ctx context.Context) {
			<-ctx.Done()
			exited.Add(1)
		})
		require.True(t, started)
	}

	guard.Stop()
	require.EqualValues(t, 5, exited.Load())
	require.True(t, guard.ShuttingDown())

	// Nothing can be launched after shutdown.
	require.False(t, guard.Go(func(context.Context) {
		t.Fatalf("must not run")
	}))
}

// TestRetryFuncN makes sure a function is retried until it succeeds, and that
// the last error is returned once the retry budget is exhausted.
func TestRetryFuncN(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Millisecond,
	}
	ctxb := context.Background()

	var calls int
	result, err := RetryFuncN(ctxb, cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("attempt %d failed", calls)
		}

		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, result)
	require.Equal(t, 3, calls)

	errBoom := errors.New("boom")
	calls = 0
	_, err = RetryFuncN(ctxb, cfg, func() (int, error) {
		calls++
		return 0, errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, cfg.MaxRetries+1, calls)
}

// TestCriticalError makes sure critical errors can be detected through any
// number of wrapping layers and carry a stack trace.
func TestCriticalError(t *testing.T) {
	t.Parallel()

	errLogic := errors.New("logic error")
	critErr := NewCriticalError(errLogic)
	wrapped := fmt.Errorf("outer: %w", critErr)

	require.True(t, IsCritical(wrapped))
	require.ErrorIs(t, wrapped, errLogic)
	require.NotEmpty(t, critErr.Stack())
	require.False(t, IsCritical(errLogic))
}
