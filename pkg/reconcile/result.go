package reconcile

import (
	"context"
	"sync"
)

// Result completes when the server confirms an optimistic operation or when it is
// finally rejected.
type Result[T any] struct {
	done   chan struct{}
	once   sync.Once
	entity T
	err    error
}

func newResult[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

func (r *Result[T]) resolve(entity T, err error) {
	r.once.Do(func() {
		r.entity = entity
		r.err = err
		close(r.done)
	})
}

// Done is closed once the result is available.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

// Err returns the final error, or nil while pending or on success.
func (r *Result[T]) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the operation settles or ctx is done.
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.entity, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
