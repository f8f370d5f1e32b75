package transport

import (
	"time"

	"github.com/backkem/gaia/pkg/loop"
)

// DefaultCommandTimeout is how long a gated command may stay unacknowledged.
const DefaultCommandTimeout = 3 * time.Second

// Command is an outbound write owned by a CommandQueue from Enqueue until
// DequeueNext.
type Command struct {
	Channel     Channel
	Payload     []byte
	AckExpected bool
}

// CommandQueue serializes outbound writes for one connection.
//
// At most one dequeued command with AckExpected may be unacknowledged at a
// time. While one is outstanding, DequeueNext returns nothing if the head of
// the queue is itself gated; ungated commands at the head are released.
// Order is strict FIFO: a blocked gated head also holds back the ungated
// commands queued behind it.
//
// CommandQueue is not safe for concurrent use; it must be driven from the
// executor it was created with.
type CommandQueue struct {
	exec      loop.Executor
	timeout   time.Duration
	onTimeout func()

	items    []Command
	awaiting bool
	timer    loop.Timer
}

// NewCommandQueue creates a queue. A zero timeout selects
// DefaultCommandTimeout. onTimeout runs on exec after the queue has
// unblocked itself.
func NewCommandQueue(exec loop.Executor, timeout time.Duration, onTimeout func()) *CommandQueue {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CommandQueue{
		exec:      exec,
		timeout:   timeout,
		onTimeout: onTimeout,
	}
}

// Enqueue appends cmd to the queue.
func (q *CommandQueue) Enqueue(cmd Command) {
	q.items = append(q.items, cmd)
}

// HasPending returns true if commands remain queued.
func (q *CommandQueue) HasPending() bool {
	return len(q.items) > 0
}

// Len returns the number of queued commands.
func (q *CommandQueue) Len() int {
	return len(q.items)
}

// Awaiting returns true while a gated command is unacknowledged.
func (q *CommandQueue) Awaiting() bool {
	return q.awaiting
}

// DequeueNext pops the next writable command. It returns false if the queue is
// empty or the head is gated behind an outstanding acknowledgement.
func (q *CommandQueue) DequeueNext() (Command, bool) {
	if len(q.items) == 0 {
		return Command{}, false
	}

	head := q.items[0]
	if head.AckExpected && q.awaiting {
		return Command{}, false
	}

	q.items[0] = Command{}
	q.items = q.items[1:]

	if head.AckExpected {
		q.awaiting = true
		q.timer = q.exec.AfterFunc(q.timeout, q.expire)
	}
	return head, true
}

// AcknowledgementReceived releases the outstanding gated command. Spurious
// acknowledgements are ignored.
func (q *CommandQueue) AcknowledgementReceived() {
	if !q.awaiting {
		return
	}
	q.stopTimer()
	q.awaiting = false
}

// Reset discards every queued command and any outstanding acknowledgement
// without notifying the owner.
func (q *CommandQueue) Reset() {
	q.stopTimer()
	q.awaiting = false
	q.items = nil
}

func (q *CommandQueue) expire() {
	q.timer = nil
	if !q.awaiting {
		return
	}
	q.awaiting = false
	if q.onTimeout != nil {
		q.onTimeout()
	}
}

func (q *CommandQueue) stopTimer() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
