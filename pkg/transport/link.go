package transport

import (
	"time"

	"github.com/backkem/gaia/pkg/loop"
	"github.com/pion/logging"
)

// writeFunc prepares one dequeued command on the executor and returns the
// platform write. The returned function may block; it runs on its own
// goroutine and at most one is outstanding.
type writeFunc func(cmd Command) (func() error, error)

// link carries the behaviour shared by every adapter: lifecycle state, the
// event delegate, the command queue and the negotiated sizes.
type link struct {
	exec    loop.Executor
	log     logging.LeveledLogger
	queue   *CommandQueue
	handler Handler

	state State
	err   error

	defaults   TransportParameters
	params     TransportParameters
	negotiated bool

	write    writeFunc
	writing  bool
	paused   bool
	writeGen uint64
}

func newLink(exec loop.Executor, log logging.LeveledLogger, timeout time.Duration, defaults TransportParameters, write writeFunc) *link {
	l := &link{
		exec:     exec,
		log:      log,
		defaults: defaults,
		write:    write,
	}
	l.queue = NewCommandQueue(exec, timeout, l.queueTimedOut)
	return l
}

// State implements Connection.
func (l *link) State() State {
	return l.state
}

// Err implements Connection.
func (l *link) Err() error {
	return l.err
}

// SetHandler implements Connection.
func (l *link) SetHandler(h Handler) {
	l.handler = h
}

// MaxSendSize implements Connection.
func (l *link) MaxSendSize() int {
	if l.negotiated {
		return l.params.MaxSend
	}
	return l.defaults.MaxSend
}

// OptimumSendSize implements Connection.
func (l *link) OptimumSendSize() int {
	if l.negotiated {
		return l.params.OptimumSend
	}
	return l.defaults.OptimumSend
}

// MaxReceiveSize implements Connection.
func (l *link) MaxReceiveSize() int {
	if l.negotiated {
		return l.params.MaxReceive
	}
	return l.defaults.MaxReceive
}

// Send implements Connection.
func (l *link) Send(ch Channel, payload []byte, ackExpected bool) error {
	if l.state != StateReady {
		return ErrNotReady
	}
	if len(payload) > l.MaxSendSize() {
		return ErrMessageTooLarge
	}
	l.queue.Enqueue(Command{
		Channel:     ch,
		Payload:     append([]byte(nil), payload...),
		AckExpected: ackExpected,
	})
	l.pump()
	return nil
}

// AcknowledgementReceived implements Connection.
func (l *link) AcknowledgementReceived() {
	l.queue.AcknowledgementReceived()
	l.pump()
}

// setParams stores already-clamped negotiated sizes.
func (l *link) setParams(p TransportParameters) {
	l.params = p
	l.negotiated = true
	l.log.Debugf("transport parameters: max send %d, optimum %d, max receive %d",
		p.MaxSend, p.OptimumSend, p.MaxReceive)
}

// setState moves to s and notifies the delegate. Entering Disconnected
// discards the queue and the negotiated parameters.
func (l *link) setState(s State, err error) {
	if s == StateDisconnected {
		l.queue.Reset()
		l.params = TransportParameters{}
		l.negotiated = false
		l.paused = false
		l.writing = false
		l.writeGen++
	}

	if l.state == s && err == nil {
		return
	}

	l.log.Debugf("state %v -> %v", l.state, s)
	l.state = s
	l.err = err
	l.emit(Event{Type: EventStateChanged, State: s, Err: err})

	if s == StateReady {
		l.pump()
	}
}

// pause holds queued writes without dropping them.
func (l *link) pause() {
	l.paused = true
}

// resume releases writes held by pause.
func (l *link) resume() {
	l.paused = false
	l.pump()
}

func (l *link) emit(ev Event) {
	if l.handler != nil {
		l.handler(ev)
	}
}

func (l *link) queueTimedOut() {
	l.log.Warnf("command not acknowledged within %v", l.queue.timeout)
	l.emit(Event{Type: EventWriteTimedOut, Err: ErrWriteTimedOut})
	l.pump()
}

// pump writes queued commands one at a time until the queue blocks.
func (l *link) pump() {
	for l.state == StateReady && !l.paused && !l.writing {
		cmd, ok := l.queue.DequeueNext()
		if !ok {
			return
		}

		job, err := l.write(cmd)
		if err != nil {
			l.log.Warnf("dropping %v channel write: %v", cmd.Channel, err)
			l.emit(Event{Type: EventDidSendData, Channel: cmd.Channel, Err: err})
			continue
		}

		l.writing = true
		gen := l.writeGen
		go func() {
			err := job()
			l.exec.Post(func() {
				l.writeDone(gen, cmd, err)
			})
		}()
	}
}

func (l *link) writeDone(gen uint64, cmd Command, err error) {
	if gen != l.writeGen {
		return
	}
	l.writing = false

	if err != nil {
		err = systemError(err)
		l.log.Warnf("write on %v channel failed: %v", cmd.Channel, err)
	}
	l.emit(Event{Type: EventDidSendData, Channel: cmd.Channel, Err: err})
	l.pump()
}
