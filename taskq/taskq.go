package taskq

import (
	"context"
	"errors"
	"sync"
)

/*
Package taskq runs background tasks on a bounded set of workers. Tasks
submitted under the same key run one at a time in submission order; tasks
under different keys run concurrently up to the worker limit. Each submission
returns a Future that completes when the task has run, and that never
completes before the futures of earlier tasks under the same key.
*/

////////////////////////////////////////////////////////////////////////////////

// ErrClosed is returned by futures of tasks submitted after Close.
var ErrClosed = errors.New("task queue closed")

// Future is the completion handle of a submitted task.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a future that is already done with err.
func Completed(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the task's result. It returns nil until the task is done.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or the context is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue is an ordered task queue.
type Queue struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}

	mtx     *sync.Mutex
	tails   map[string]*Future
	pending int
	closed  bool
	wg      *sync.WaitGroup
}

// New returns a queue running at most workers tasks at once. Tasks receive a
// context derived from ctx that is canceled when the queue is closed.
func New(ctx context.Context, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Queue{
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, workers),
		mtx:    &sync.Mutex{},
		tails:  make(map[string]*Future),
		wg:     &sync.WaitGroup{},
	}
}

// Submit schedules fn to run after every task previously submitted under key.
func (q *Queue) Submit(key string, fn func(ctx context.Context) error) *Future {
	q.mtx.Lock()
	if q.closed {
		q.mtx.Unlock()
		return Completed(ErrClosed)
	}
	prev := q.tails[key]
	f := newFuture()
	q.tails[key] = f
	q.pending++
	q.wg.Add(1)
	q.mtx.Unlock()

	go func() {
		defer q.wg.Done()
		err := q.run(prev, fn)
		q.mtx.Lock()
		q.pending--
		if q.tails[key] == f {
			delete(q.tails, key)
		}
		q.mtx.Unlock()
		f.complete(err)
	}()
	return f
}

func (q *Queue) run(prev *Future, fn func(ctx context.Context) error) error {
	if prev != nil {
		<-prev.done
	}
	select {
	case q.sem <- struct{}{}:
	case <-q.ctx.Done():
		return q.ctx.Err()
	}
	defer func() { <-q.sem }()
	return fn(q.ctx)
}

// Barrier returns a future that completes once every task submitted under
// key so far has finished. It does not occupy a worker.
func (q *Queue) Barrier(key string) *Future {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if tail, ok := q.tails[key]; ok {
		return tail
	}
	return Completed(nil)
}

// Pending returns the number of tasks submitted and not yet finished.
func (q *Queue) Pending() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.pending
}

// Close rejects new submissions and waits for submitted tasks to finish.
// Tasks that have not started by the time ctx is done are abandoned with the
// context's error and running tasks see their context canceled.
func (q *Queue) Close(ctx context.Context) error {
	q.mtx.Lock()
	q.closed = true
	q.mtx.Unlock()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
