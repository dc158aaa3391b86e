package correlation

import (
	"context"
	"sync"
)

// Future is the eventual result of a correlated request. It completes at
// most once.
type Future[V any] struct {
	done  chan struct{}
	once  sync.Once
	value V
	err   error
}

func newFuture[V any]() *Future[V] {
	return &Future[V]{done: make(chan struct{})}
}

func resolvedFuture[V any](value V) *Future[V] {
	f := newFuture[V]()
	f.complete(value, nil)
	return f
}

// complete stores the result and releases waiters. Later calls are ignored.
func (f *Future[V]) complete(value V, err error) bool {
	completed := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the future has a result
func (f *Future[V]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx ends
func (f *Future[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Resolved reports whether the future has a result
func (f *Future[V]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
