package deferred

import (
	"context"
	"sync"
)

// Deferred is a completion handle whose outcome is set by someone other than the
// party waiting on it. Only the first Resolve or Reject has any effect.
type Deferred[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func New[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

func Resolved[T any](value T) *Deferred[T] {
	d := New[T]()
	d.Resolve(value)
	return d
}

func Rejected[T any](err error) *Deferred[T] {
	d := New[T]()
	d.Reject(err)
	return d
}

// Resolve settles the handle with value. It reports whether this call settled it.
func (d *Deferred[T]) Resolve(value T) bool {
	return d.settle(value, nil)
}

// Reject settles the handle with err. It reports whether this call settled it.
func (d *Deferred[T]) Reject(err error) bool {
	var zero T
	return d.settle(zero, err)
}

func (d *Deferred[T]) settle(value T, err error) bool {
	settled := false
	d.once.Do(func() {
		d.value = value
		d.err = err
		settled = true
		close(d.done)
	})
	return settled
}

// Done is closed once the handle is settled.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the handle settles or ctx is done.
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
