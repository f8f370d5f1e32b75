// Package loop provides the serialized execution context shared by every
// stateful component of the accessory stack.
//
// Connections, sessions, the RWCP transport and the manager never lock their
// own state. Instead every mutation is a function posted to an Executor, and
// every suspension point is a one-shot Timer created through the same
// Executor. Platform callbacks and blocking I/O run on their own goroutines
// and hand their results back with Post.
//
// Two executors are provided: Loop runs posted functions on a dedicated
// goroutine, and Manual runs them on demand against a virtual clock so tests
// are deterministic.
package loop

import (
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Do when the loop is no longer running.
var ErrStopped = errors.New("loop: stopped")

// Executor runs functions one at a time on a single logical thread.
type Executor interface {
	// Post schedules fn to run on the executor. Post never blocks and is safe
	// to call from any goroutine.
	Post(fn func())

	// AfterFunc schedules fn to run on the executor after d. The returned
	// Timer must only be stopped from within the executor.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable one-shot timer bound to an Executor.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped. Calling Stop from the executor is
	// race-free: a stopped timer never runs its function, even if the
	// underlying clock already expired.
	Stop() bool
}

// Loop is an Executor backed by a single goroutine.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// New creates a loop. Call Start to begin processing.
func New() *Loop {
	return &Loop{
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling Start more than once is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true

	l.wg.Add(1)
	go l.run()
}

// Stop terminates the loop after the function currently running returns.
// Functions still queued are discarded.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.tasks = nil
	l.mu.Unlock()

	close(l.closeCh)
	l.wg.Wait()
}

// Post implements Executor.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do posts fn and waits until it has run.
func (l *Loop) Do(fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-l.closeCh:
		return ErrStopped
	}
}

// AfterFunc implements Executor.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.done {
				return
			}
			t.done = true
			fn()
		})
	})
	return t
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-l.closeCh:
				return
			default:
			}
			fn()
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-l.closeCh:
			return
		}
	}
}

// loopTimer's done flag is only touched on the loop goroutine.
type loopTimer struct {
	timer *time.Timer
	done  bool
}

func (t *loopTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	t.timer.Stop()
	return true
}
