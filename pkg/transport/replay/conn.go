package replay

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/pion/logging"
)

const defaultSize = transport.MaxGATTWriteLength

// Config configures a Conn.
type Config struct {
	// Script is the conversation to play. Required.
	Script *Script

	// Executor drives the connection. Required.
	Executor loop.Executor

	// Kind is reported by Kind(). Default: transport.KindGATT.
	Kind transport.Kind

	// Name forms the identity "replay:<Name>". Default: the script name, or
	// "replay".
	Name string

	// CommandTimeout is the queue's acknowledgement timeout.
	// Default: transport.DefaultCommandTimeout.
	CommandTimeout time.Duration

	// LoggerFactory creates the connection's logger.
	// Default: logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.Kind == transport.KindUnknown {
		c.Kind = transport.KindGATT
	}
	if c.Name == "" {
		c.Name = c.Script.Name
	}
	if c.Name == "" {
		c.Name = "replay"
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Script == nil {
		return errors.New("replay: config requires a script")
	}
	if c.Executor == nil {
		return errors.New("replay: config requires an executor")
	}
	return nil
}

// Conn is a transport.Connection that plays a Script. Outbound writes go
// through a real transport.CommandQueue, so acknowledgement gating and
// timeouts behave as on a device.
type Conn struct {
	exec     loop.Executor
	log      logging.LeveledLogger
	steps    []Step
	kind     transport.Kind
	identity transport.Identity

	queue   *transport.CommandQueue
	handler transport.Handler
	state   transport.State
	err     error
	params  transport.TransportParameters

	pos        int
	connecting bool
	writes     []transport.Command
	mismatches []string
	kicked     bool
	timer      loop.Timer
	expired    bool
}

var _ transport.Connection = (*Conn)(nil)

// NewConn creates a disconnected scripted connection.
func NewConn(config Config) (*Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	c := &Conn{
		exec:     config.Executor,
		log:      config.LoggerFactory.NewLogger("replay"),
		steps:    config.Script.Steps,
		kind:     config.Kind,
		identity: transport.Identity("replay:" + config.Name),
	}
	c.queue = transport.NewCommandQueue(c.exec, config.CommandTimeout, c.queueTimedOut)
	c.resetParams()
	return c, nil
}

// Kind implements transport.Connection.
func (c *Conn) Kind() transport.Kind { return c.kind }

// Identity implements transport.Connection.
func (c *Conn) Identity() transport.Identity { return c.identity }

// State implements transport.Connection.
func (c *Conn) State() transport.State { return c.state }

// Err implements transport.Connection.
func (c *Conn) Err() error { return c.err }

// SetHandler implements transport.Connection.
func (c *Conn) SetHandler(h transport.Handler) { c.handler = h }

// Connect implements transport.Connection. The connection completes when
// the script reaches a C step.
func (c *Conn) Connect() error {
	if c.state != transport.StateDisconnected {
		return nil
	}
	c.connecting = true
	c.kick()
	return nil
}

// CancelConnect implements transport.Connection.
func (c *Conn) CancelConnect() {
	c.connecting = false
}

// Disconnect implements transport.Connection.
func (c *Conn) Disconnect() {
	c.connecting = false
	c.teardown(nil)
}

// Start implements transport.Connection.
func (c *Conn) Start() error {
	if c.state != transport.StateUninitialised {
		return transport.ErrNotReady
	}
	c.setState(transport.StateInitialising, nil)
	c.exec.Post(func() {
		if c.state == transport.StateInitialising {
			c.setState(transport.StateReady, nil)
			c.kick()
		}
	})
	return nil
}

// Send implements transport.Connection.
func (c *Conn) Send(ch transport.Channel, payload []byte, ackExpected bool) error {
	if c.state != transport.StateReady {
		return transport.ErrNotReady
	}
	if len(payload) > c.params.MaxSend {
		return transport.ErrMessageTooLarge
	}
	c.queue.Enqueue(transport.Command{
		Channel:     ch,
		Payload:     append([]byte(nil), payload...),
		AckExpected: ackExpected,
	})
	c.pump()
	return nil
}

// AcknowledgementReceived implements transport.Connection.
func (c *Conn) AcknowledgementReceived() {
	c.queue.AcknowledgementReceived()
	c.pump()
}

// TransportParametersReceived implements transport.Connection.
func (c *Conn) TransportParametersReceived(p transport.TransportParameters) {
	c.params = p
}

// MaxSendSize implements transport.Connection.
func (c *Conn) MaxSendSize() int { return c.params.MaxSend }

// OptimumSendSize implements transport.Connection.
func (c *Conn) OptimumSendSize() int { return c.params.OptimumSend }

// MaxReceiveSize implements transport.Connection.
func (c *Conn) MaxReceiveSize() int { return c.params.MaxReceive }

// EquivalentIdentities implements transport.Connection.
func (c *Conn) EquivalentIdentities(addresses, serials []string) []transport.Identity {
	return transport.EquivalentSet(c.identity, addresses, serials)
}

// Done reports whether every step has been played.
func (c *Conn) Done() bool {
	return c.pos >= len(c.steps)
}

// Position returns the index of the next step to play.
func (c *Conn) Position() int {
	return c.pos
}

// Mismatches returns a description of every expected write that did not
// match what the host sent.
func (c *Conn) Mismatches() []string {
	return append([]string(nil), c.mismatches...)
}

// Verify returns an error if the script is unfinished, a write mismatched,
// or the host wrote more than the script expected.
func (c *Conn) Verify() error {
	var problems []string
	if !c.Done() {
		s := c.steps[c.pos]
		problems = append(problems, fmt.Sprintf("stopped at line %d (%v)", s.Line, s.Op))
	}
	problems = append(problems, c.mismatches...)
	for _, w := range c.writes {
		problems = append(problems, fmt.Sprintf("unexpected %v write % X", w.Channel, w.Payload))
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New("replay: " + strings.Join(problems, "; "))
}

func (c *Conn) kick() {
	if c.kicked {
		return
	}
	c.kicked = true
	c.exec.Post(c.run)
}

// run plays steps until one has to wait for the host or a timer.
func (c *Conn) run() {
	c.kicked = false
	for c.pos < len(c.steps) {
		s := c.steps[c.pos]
		switch s.Op {
		case OpConnect:
			if !c.connecting || c.state != transport.StateDisconnected {
				return
			}
			c.connecting = false
			c.pos++
			c.setState(transport.StateUninitialised, nil)

		case OpDisconnect:
			c.pos++
			c.teardown(nil)

		case OpReceive, OpReceiveData:
			if c.state != transport.StateReady {
				return
			}
			ch := transport.ChannelResponse
			if s.Op == OpReceiveData {
				ch = transport.ChannelData
			}
			c.pos++
			c.emit(transport.Event{Type: transport.EventDataReceived, Channel: ch, Data: s.Data})

		case OpExpectWrite, OpExpectData:
			if len(c.writes) == 0 {
				return
			}
			w := c.writes[0]
			c.writes = c.writes[1:]
			c.pos++
			c.match(s, w)

		case OpError:
			err := &transport.SystemError{Err: errors.New(s.Text)}
			if c.state == transport.StateDisconnected {
				// Fails the next connect attempt.
				if !c.connecting {
					return
				}
				c.pos++
				c.connecting = false
				c.setState(transport.StateDisconnected, err)
				continue
			}
			c.pos++
			c.teardown(err)

		case OpDelay:
			if c.expired {
				c.expired = false
				c.pos++
				continue
			}
			if c.timer == nil {
				c.timer = c.exec.AfterFunc(s.Delay, func() {
					c.timer = nil
					c.expired = true
					c.run()
				})
			}
			return
		}
	}
}

func (c *Conn) match(s Step, w transport.Command) {
	wantData := s.Op == OpExpectData
	gotData := w.Channel == transport.ChannelData
	if wantData != gotData || !bytes.Equal(s.Data, w.Payload) {
		m := fmt.Sprintf("line %d: expected %v % X, host wrote %v % X", s.Line, s.Op, s.Data, w.Channel, w.Payload)
		c.log.Warn(m)
		c.mismatches = append(c.mismatches, m)
	}
}

func (c *Conn) pump() {
	for c.state == transport.StateReady {
		cmd, ok := c.queue.DequeueNext()
		if !ok {
			return
		}
		c.writes = append(c.writes, cmd)
		ch := cmd.Channel
		c.exec.Post(func() {
			if c.state == transport.StateReady {
				c.emit(transport.Event{Type: transport.EventDidSendData, Channel: ch})
			}
		})
		c.kick()
	}
}

func (c *Conn) queueTimedOut() {
	c.emit(transport.Event{Type: transport.EventWriteTimedOut, Err: transport.ErrWriteTimedOut})
	c.pump()
}

func (c *Conn) teardown(err error) {
	c.queue.Reset()
	c.resetParams()
	c.setState(transport.StateDisconnected, err)
}

func (c *Conn) resetParams() {
	c.params = transport.TransportParameters{
		MaxSend:     defaultSize,
		OptimumSend: defaultSize,
		MaxReceive:  defaultSize,
	}
}

func (c *Conn) setState(s transport.State, err error) {
	if c.state == s && err == nil {
		return
	}
	c.log.Debugf("state %v -> %v", c.state, s)
	c.state = s
	c.err = err
	c.emit(transport.Event{Type: transport.EventStateChanged, State: s, Err: err})
	if s == transport.StateReady {
		c.pump()
	}
}

func (c *Conn) emit(ev transport.Event) {
	if c.handler != nil {
		c.handler(ev)
	}
}
