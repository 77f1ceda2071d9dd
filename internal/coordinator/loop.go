package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned for work submitted after Shutdown.
var ErrStopped = errors.New("coordinator: stopped")

var errPanicked = errors.New("coordinator: callback panicked")

// serialQueue runs posted functions one at a time, in post order. The
// goroutine that posts into an idle queue drains it; posts made while another
// goroutine is draining (or from inside a running function) are queued and
// picked up by that drainer. No function ever runs concurrently with another.
type serialQueue struct {
	log *slog.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
	stopped bool
}

func newSerialQueue(log *slog.Logger) *serialQueue {
	return &serialQueue{log: log}
}

// post enqueues fn. It reports false when the queue is stopped.
func (q *serialQueue) post(fn func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.queue = append(q.queue, fn)
	if q.running {
		q.mu.Unlock()
		return true
	}
	q.running = true
	q.mu.Unlock()
	q.drain()
	return true
}

// do runs fn on the queue and waits for it. It must not be called from a
// queued function.
func (q *serialQueue) do(ctx context.Context, fn func()) error {
	_, err := call(ctx, q, func() struct{} {
		fn()
		return struct{}{}
	})
	return err
}

// call runs fn on q and returns its result. The result only travels over the
// buffered channel, so a caller that gave up on ctx never shares memory with
// fn, which may still run later.
func call[T any](ctx context.Context, q *serialQueue, fn func() T) (T, error) {
	type result struct {
		v  T
		ok bool
	}
	var zero T
	out := make(chan result, 1)
	if !q.post(func() {
		var r result
		defer func() { out <- r }()
		r.v = fn()
		r.ok = true
	}) {
		return zero, ErrStopped
	}
	select {
	case r := <-out:
		if !r.ok {
			return zero, errPanicked
		}
		return r.v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// stop rejects further posts. Already queued functions still run.
func (q *serialQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()
		q.run(fn)
	}
}

func (q *serialQueue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("coordinator callback panicked", "error", fmt.Sprint(r))
		}
	}()
	fn()
}
