package fn

import (
	"context"
	"sync"
	"time"
)

// ContextGuard is an embeddable struct that provides a wait group and main
// quit channel that can be used to create guarded contexts. Every goroutine a
// long-running component launches should be tracked by the wait group, so
// that closing Quit and waiting on Wg tears the component down completely.
type ContextGuard struct {
	// DefaultTimeout is the timeout applied to contexts created with
	// WithCtxQuit.
	DefaultTimeout time.Duration

	// Wg tracks all goroutines launched on behalf of the owner.
	Wg sync.WaitGroup

	// Quit is closed once the owner is shutting down.
	Quit chan struct{}
}

// NewContextGuard creates a new context guard with the given default timeout.
func NewContextGuard(defaultTimeout time.Duration) *ContextGuard {
	return &ContextGuard{
		DefaultTimeout: defaultTimeout,
		Quit:           make(chan struct{}),
	}
}

// WithCtxQuit is used to create a cancellable context that will be cancelled
// if the main quit signal is triggered or after the default timeout occurred.
func (g *ContextGuard) WithCtxQuit() (context.Context, func()) {
	timeoutCtx, cancel := context.WithTimeout(
		context.Background(), g.DefaultTimeout,
	)

	g.Wg.Add(1)
	go func() {
		defer cancel()
		defer g.Wg.Done()

		select {
		case <-g.Quit:

		case <-timeoutCtx.Done():
		}
	}()

	return timeoutCtx, cancel
}

// WithCtxQuitNoTimeout is used to create a cancellable context that will be
// cancelled if the main quit signal is triggered.
func (g *ContextGuard) WithCtxQuitNoTimeout() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	g.Wg.Add(1)
	go func() {
		defer cancel()
		defer g.Wg.Done()

		select {
		case <-g.Quit:

		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Go launches the given function in a new goroutine that is tracked by the
// wait group. The function receives a context that is cancelled once the
// guard's quit channel is closed. Go returns false if the guard is already
// shutting down, in which case f is never called.
func (g *ContextGuard) Go(f func(ctx context.Context)) bool {
	select {
	case <-g.Quit:
		return false
	default:
	}

	ctx, cancel := g.WithCtxQuitNoTimeout()

	g.Wg.Add(1)
	go func() {
		defer g.Wg.Done()
		defer cancel()

		f(ctx)
	}()

	return true
}

// Stop closes the quit channel and waits for all tracked goroutines to exit.
// Stop must only be called once.
func (g *ContextGuard) Stop() {
	close(g.Quit)
	g.Wg.Wait()
}

// ShuttingDown returns true if the quit channel was closed.
func (g *ContextGuard) ShuttingDown() bool {
	select {
	case <-g.Quit:
		return true
	default:
		return false
	}
}
