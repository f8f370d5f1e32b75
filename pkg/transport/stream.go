package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/backkem/gaia/pkg/loop"
	"github.com/pion/logging"
)

// Stream defaults.
const (
	DefaultReopenAttempts = 3
	DefaultReopenDelay    = 250 * time.Millisecond
	streamReadBufferSize  = 1024
)

// StreamOpener opens the byte stream to an accessory. Open may block.
type StreamOpener interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
}

// StreamOpenerFunc adapts a function to StreamOpener.
type StreamOpenerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Open implements StreamOpener.
func (f StreamOpenerFunc) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	return f(ctx)
}

// TCPOpener dials an accessory emulator over TCP.
type TCPOpener struct {
	Address string
	Dialer  net.Dialer
}

// Open implements StreamOpener.
func (o *TCPOpener) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	return o.Dialer.DialContext(ctx, "tcp", o.Address)
}

// StreamConfig configures a StreamConnection.
type StreamConfig struct {
	// Opener opens the accessory stream. Required.
	Opener StreamOpener

	// Executor serializes the connection. Required.
	Executor loop.Executor

	// Model and Serial form the connection identity. Serial may be empty
	// until the accessory has been interrogated.
	Model  string
	Serial string

	// Checksum enables frame checksums on outbound frames.
	Checksum bool

	// CommandTimeout bounds how long a gated command waits for its
	// acknowledgement. Default: DefaultCommandTimeout.
	CommandTimeout time.Duration

	// SetupTimeout bounds each Open call. Default: 30s.
	SetupTimeout time.Duration

	// ReopenAttempts bounds transparent reopening after unexpected closure.
	// Default: DefaultReopenAttempts. Negative disables reopening.
	ReopenAttempts int

	// ReopenDelay is the delay before each reopen attempt.
	// Default: DefaultReopenDelay.
	ReopenDelay time.Duration

	// LoggerFactory creates the connection's logger.
	// Default: logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

func (c *StreamConfig) applyDefaults() {
	if c.SetupTimeout == 0 {
		c.SetupTimeout = 30 * time.Second
	}
	if c.ReopenAttempts == 0 {
		c.ReopenAttempts = DefaultReopenAttempts
	}
	if c.ReopenAttempts < 0 {
		c.ReopenAttempts = 0
	}
	if c.ReopenDelay == 0 {
		c.ReopenDelay = DefaultReopenDelay
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Validate checks the configuration.
func (c *StreamConfig) Validate() error {
	if c.Opener == nil {
		return errors.New("transport: stream config requires an opener")
	}
	if c.Executor == nil {
		return errors.New("transport: stream config requires an executor")
	}
	return nil
}

// StreamConnection is a Connection over a framed accessory stream.
//
// All three channels share the stream. Inbound frames are delivered on
// ChannelResponse.
type StreamConnection struct {
	*link

	opener   StreamOpener
	identity Identity
	framer   StreamFramer

	setupTime   time.Duration
	maxReopen   int
	reopenDelay time.Duration

	rwc      io.ReadWriteCloser
	cancel   context.CancelFunc
	gen      uint64
	reopens  int
	reopenTm loop.Timer
}

var _ Connection = (*StreamConnection)(nil)

// NewStreamConnection creates a disconnected stream connection.
func NewStreamConnection(config StreamConfig) (*StreamConnection, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	c := &StreamConnection{
		opener:      config.Opener,
		identity:    StreamIdentity(config.Model, config.Serial),
		framer:      StreamFramer{Checksum: config.Checksum},
		setupTime:   config.SetupTimeout,
		maxReopen:   config.ReopenAttempts,
		reopenDelay: config.ReopenDelay,
	}
	defaults := TransportParameters{
		MaxSend:     MaxFramePayload,
		OptimumSend: MaxFramePayload,
		MaxReceive:  MaxFramePayload,
	}
	c.link = newLink(config.Executor, config.LoggerFactory.NewLogger("transport-stream"),
		config.CommandTimeout, defaults, c.writeFrame)
	return c, nil
}

// Kind implements Connection.
func (c *StreamConnection) Kind() Kind {
	return KindStream
}

// Identity implements Connection.
func (c *StreamConnection) Identity() Identity {
	return c.identity
}

// EquivalentIdentities implements Connection.
func (c *StreamConnection) EquivalentIdentities(addresses, serials []string) []Identity {
	return EquivalentSet(c.identity, addresses, serials)
}

// Connect implements Connection.
func (c *StreamConnection) Connect() error {
	if c.state != StateDisconnected || c.cancel != nil {
		return nil
	}
	c.gen++
	gen := c.gen
	c.log.Infof("opening %s", c.identity)
	c.open(gen, func(rwc io.ReadWriteCloser, err error) {
		if err != nil {
			c.log.Warnf("open %s failed: %v", c.identity, err)
			c.setState(StateDisconnected, systemError(err))
			return
		}
		c.rwc = rwc
		c.setState(StateUninitialised, nil)
	})
	return nil
}

// CancelConnect implements Connection.
func (c *StreamConnection) CancelConnect() {
	if c.cancel == nil || c.state != StateDisconnected {
		return
	}
	c.clearCancel()
	c.gen++
}

// Disconnect implements Connection.
func (c *StreamConnection) Disconnect() {
	c.teardown(nil)
}

// Start implements Connection. The stream is already open, so endpoint setup
// amounts to starting the reader.
func (c *StreamConnection) Start() error {
	if c.state != StateUninitialised {
		return ErrNotReady
	}
	c.setState(StateInitialising, nil)
	if c.rwc == nil {
		c.setState(StateInitialisationFailed, setupError(ErrStreamClosed))
		return nil
	}
	c.startReader(c.gen, c.rwc)
	c.setState(StateReady, nil)
	return nil
}

// TransportParametersReceived implements Connection. Sizes above
// MaxFramePayload switch outbound framing to extended length.
func (c *StreamConnection) TransportParametersReceived(p TransportParameters) {
	p.MaxSend = clampTo(p.MaxSend, MaxExtendedFramePayload)
	p.OptimumSend = clampTo(p.OptimumSend, p.MaxSend)
	p.MaxReceive = clampTo(p.MaxReceive, MaxExtendedFramePayload)
	c.framer.Extended = p.MaxSend > MaxFramePayload || p.MaxReceive > MaxFramePayload
	c.setParams(p)
}

// open runs the opener off the executor and delivers the result on it,
// unless the attempt has been superseded.
func (c *StreamConnection) open(gen uint64, done func(io.ReadWriteCloser, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), c.setupTime)
	c.cancel = cancel
	go func() {
		rwc, err := c.opener.Open(ctx)
		c.exec.Post(func() {
			if gen != c.gen {
				if rwc != nil {
					rwc.Close()
				}
				return
			}
			c.clearCancel()
			done(rwc, err)
		})
	}()
}

func (c *StreamConnection) startReader(gen uint64, rwc io.ReadWriteCloser) {
	go func() {
		buf := make([]byte, streamReadBufferSize)
		for {
			n, err := rwc.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				c.exec.Post(func() { c.received(gen, data) })
			}
			if err != nil {
				c.exec.Post(func() { c.closed(gen, err) })
				return
			}
		}
	}()
}

func (c *StreamConnection) received(gen uint64, data []byte) {
	if gen != c.gen {
		return
	}
	for _, frame := range c.framer.Feed(data) {
		c.emit(Event{Type: EventDataReceived, Channel: ChannelResponse, Data: frame})
	}
}

// closed handles the reader observing the end of the stream. If the
// connection is still wanted the stream is reopened with the queue held.
func (c *StreamConnection) closed(gen uint64, err error) {
	if gen != c.gen || c.state == StateDisconnected {
		return
	}
	c.log.Infof("%s stream closed: %v", c.identity, err)

	if c.state != StateReady || c.reopens >= c.maxReopen {
		c.teardown(ErrStreamClosed)
		return
	}

	c.closeStream()
	c.framer.Reset()
	c.pause()
	c.gen++
	c.writeGen++
	c.writing = false
	c.scheduleReopen()
}

func (c *StreamConnection) scheduleReopen() {
	c.reopens++
	attempt := c.reopens
	gen := c.gen
	c.reopenTm = c.exec.AfterFunc(c.reopenDelay, func() {
		c.reopenTm = nil
		c.log.Debugf("reopening %s (attempt %d/%d)", c.identity, attempt, c.maxReopen)
		c.open(gen, func(rwc io.ReadWriteCloser, err error) {
			if err != nil {
				c.log.Warnf("reopen %s failed: %v", c.identity, err)
				if c.reopens >= c.maxReopen {
					c.teardown(ErrStreamClosed)
					return
				}
				c.scheduleReopen()
				return
			}
			c.rwc = rwc
			c.reopens = 0
			c.startReader(gen, rwc)
			c.resume()
		})
	})
}

func (c *StreamConnection) teardown(err error) {
	c.clearCancel()
	if c.reopenTm != nil {
		c.reopenTm.Stop()
		c.reopenTm = nil
	}
	c.gen++
	c.reopens = 0
	c.closeStream()
	c.framer.Reset()
	c.framer.Extended = false
	if c.state == StateDisconnected && err == nil {
		return
	}
	c.setState(StateDisconnected, err)
}

func (c *StreamConnection) writeFrame(cmd Command) (func() error, error) {
	frame, err := c.framer.Encode(cmd.Payload)
	if err != nil {
		return nil, err
	}
	rwc := c.rwc
	if rwc == nil {
		return nil, ErrStreamClosed
	}
	return func() error {
		_, err := rwc.Write(frame)
		return err
	}, nil
}

func (c *StreamConnection) closeStream() {
	if c.rwc != nil {
		c.rwc.Close()
		c.rwc = nil
	}
}

func (c *StreamConnection) clearCancel() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}
