// Package reactor runs the single-threaded event loop that owns all mutable
// request and backend state.
//
// Blocking work (socket reads and writes, backend round trips) runs on helper
// goroutines that hand results back with Post. Everything posted runs on the
// loop goroutine in submission order, so loop-owned state needs no locks.
package reactor

import (
	"context"
	"sync"
	"time"
)

// Poster schedules work on a loop. Components depend on this rather than on
// *Loop so they can be driven synchronously in tests.
type Poster interface {
	// Post queues fn to run on the loop. It never blocks.
	Post(fn func())
	// AfterFunc runs fn on the loop once d has elapsed. The returned stop
	// function cancels the timer if it has not fired.
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// Loop is a run-to-completion task queue drained by one goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

// New creates an idle loop. Call Run to start draining it.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues fn. The queue is unbounded so the loop can post to itself
// without deadlocking. Posts after the loop has stopped are discarded.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc arms a one-shot timer whose callback runs on the loop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return t.Stop
}

// Run drains the queue until ctx is cancelled. Tasks already queued when
// ctx is cancelled are dropped.
func (l *Loop) Run(ctx context.Context) error {
	var batch []func()
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			return ctx.Err()
		case <-l.wake:
		}

		l.mu.Lock()
		batch, l.queue = l.queue, batch[:0]
		l.mu.Unlock()

		for i, fn := range batch {
			fn()
			batch[i] = nil
		}
	}
}

// Sync posts fn and waits for it to finish, or for ctx to end. It must not
// be called from the loop goroutine.
func (l *Loop) Sync(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
