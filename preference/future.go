package preference

import (
	"context"
	"sync"
)

// Future is a value produced off the document loop. It resolves once;
// later Resolve calls are ignored.
type Future[T any] struct {
	done chan struct{}

	mu    sync.Mutex
	val   T
	set   bool
	thens []func(T)
}

// NewFuture returns an unresolved Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a Future already holding v.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v)
	return f
}

// Resolve stores v and runs pending continuations on the calling
// goroutine. It reports whether this call won.
func (f *Future[T]) Resolve(v T) bool {
	f.mu.Lock()
	if f.set {
		f.mu.Unlock()
		return false
	}
	f.val, f.set = v, true
	thens := f.thens
	f.thens = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range thens {
		fn(v)
	}
	return true
}

// Done is closed once the Future resolves.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Value returns the value and whether it is resolved yet.
func (f *Future[T]) Value() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.set
}

// Await blocks until the Future resolves or ctx ends.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, _ := f.Value()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then runs fn with the value: immediately on the caller's goroutine if
// resolved, otherwise on the goroutine that resolves. Callers that touch a
// document must hop back to its loop inside fn.
func (f *Future[T]) Then(fn func(T)) {
	f.mu.Lock()
	if !f.set {
		f.thens = append(f.thens, fn)
		f.mu.Unlock()
		return
	}
	v := f.val
	f.mu.Unlock()
	fn(v)
}
