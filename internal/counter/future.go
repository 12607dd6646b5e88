package counter

import (
	"context"

	"github.com/pkg/errors"
)

// Future is the pending result of an asynchronous counter operation.
// It completes exactly once.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(value T, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// Completed returns a future that is already resolved.
func Completed[T any](value T, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(value, err)
	return f
}

// Go runs fn on a new goroutine and returns its future.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	go func() {
		f.complete(fn())
	}()
	return f
}

// Done is closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future completes or ctx ends. A context failure is
// returned as the context error; the operation itself keeps running.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, errors.WithStack(ctx.Err())
	}
}

// Wait blocks until the future completes.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}
