// Package async provides small future helpers for fanning work out and
// joining the results, used for group transitions and parallel cache priming.
package async

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTimeout   = errors.New("async: await timed out")
	ErrNoFutures = errors.New("async: no futures provided")
)

// ExecFuture is the handle for an asynchronous function returning an error.
type ExecFuture struct {
	err  error
	done chan struct{}
}

// Await blocks until the function completes and returns its error.
func (f *ExecFuture) Await() error {
	<-f.done
	return f.err
}

// AwaitWithTimeout waits for completion up to timeout, returning ErrTimeout
// if the function is still running when the timer fires.
func (f *ExecFuture) AwaitWithTimeout(timeout time.Duration) error {
	select {
	case <-f.done:
		return f.err
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// IsComplete reports completion without blocking.
func (f *ExecFuture) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Exec runs fn(ctx, param) in a goroutine. A pre-canceled context short-
// circuits without invoking fn.
func Exec[T any](ctx context.Context, param T, fn func(context.Context, T) error) *ExecFuture {
	f := &ExecFuture{done: make(chan struct{})}

	go func() {
		defer close(f.done)

		select {
		case <-ctx.Done():
			f.err = ctx.Err()
			return
		default:
		}
		f.err = fn(ctx, param)
	}()

	return f
}

// ExecAll awaits every future and returns the first error encountered.
// All futures are awaited even after an error, so no goroutine is abandoned.
func ExecAll(futures ...*ExecFuture) error {
	var first error
	for _, future := range futures {
		if err := future.Await(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
