package async

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many background calls run at the same time.
// A nil *Pool runs every call on its own goroutine without a limit.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a pool running at most size calls concurrently.
func NewPool(size int64) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(size)}
}

func (p *Pool) acquire(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.sem.Acquire(ctx, 1)
}

func (p *Pool) release() {
	if p != nil {
		p.sem.Release(1)
	}
}

// Future holds the outcome of a call running in the background.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go runs fn on a pool worker and returns immediately.
func Go[T any](ctx context.Context, pool *Pool, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		if err := pool.acquire(ctx); err != nil {
			f.err = err
			return
		}
		defer pool.release()
		f.val, f.err = fn(ctx)
	}()
	return f
}

// Resolved returns an already completed future.
func Resolved[T any](val T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), val: val, err: err}
	close(f.done)
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future completes or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then chains next after f. A failure of f skips next and is reported
// as the failure of the returned future. Waiting on f does not hold a
// pool slot.
func Then[T, U any](ctx context.Context, pool *Pool, f *Future[T], next func(context.Context, T) (U, error)) *Future[U] {
	out := &Future[U]{done: make(chan struct{})}
	go func() {
		defer close(out.done)
		v, err := f.Await(ctx)
		if err != nil {
			out.err = err
			return
		}
		if err := pool.acquire(ctx); err != nil {
			out.err = err
			return
		}
		defer pool.release()
		out.val, out.err = next(ctx, v)
	}()
	return out
}
