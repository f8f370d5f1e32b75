package transport

import (
	"context"
	"errors"
	"time"

	"github.com/backkem/gaia/pkg/loop"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// GAIA GATT service and characteristic UUIDs.
var (
	ServiceUUID        = uuid.MustParse("00001100-d102-11e1-9b23-00025b00a5a5")
	CommandCharUUID    = uuid.MustParse("00001101-d102-11e1-9b23-00025b00a5a5")
	ResponseCharUUID   = uuid.MustParse("00001102-d102-11e1-9b23-00025b00a5a5")
	DataCharUUID       = uuid.MustParse("00001103-d102-11e1-9b23-00025b00a5a5")
	characteristicsSet = []uuid.UUID{CommandCharUUID, ResponseCharUUID, DataCharUUID}
)

const (
	// MaxGATTWriteLength caps every negotiated write size, whatever the
	// platform reports.
	MaxGATTWriteLength = 254

	// DefaultGATTPacketSize is used until a write length has been learned.
	DefaultGATTPacketSize = 20
)

// Peripheral is the platform capability a GATTConnection drives.
//
// Blocking methods are always called off the connection's executor.
// Notification and disconnect callbacks may be invoked from any goroutine.
type Peripheral interface {
	// ID returns the platform's stable peripheral identifier.
	ID() string

	// Connect establishes the platform link.
	Connect(ctx context.Context) error

	// Disconnect drops the platform link.
	Disconnect() error

	// Discover resolves the service and its characteristics.
	Discover(ctx context.Context, service uuid.UUID, chars []uuid.UUID) error

	// EnableNotifications subscribes fn to value changes of char.
	EnableNotifications(ctx context.Context, char uuid.UUID, fn func([]byte)) error

	// Write writes data to char.
	Write(char uuid.UUID, data []byte, withResponse bool) error

	// MaximumWriteLength returns the platform write limit, or 0 if unknown.
	MaximumWriteLength(withResponse bool) int

	// SetDisconnectHandler installs the callback for link loss.
	SetDisconnectHandler(fn func(err error))
}

// GATTConfig configures a GATTConnection.
type GATTConfig struct {
	// Peripheral is the platform peripheral. Required.
	Peripheral Peripheral

	// Executor serializes the connection. Required.
	Executor loop.Executor

	// CommandTimeout bounds how long a gated command waits for its
	// acknowledgement. Default: DefaultCommandTimeout.
	CommandTimeout time.Duration

	// SetupTimeout bounds connect and endpoint discovery. Default: 30s.
	SetupTimeout time.Duration

	// LoggerFactory creates the connection's logger.
	// Default: logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

func (c *GATTConfig) applyDefaults() {
	if c.SetupTimeout == 0 {
		c.SetupTimeout = 30 * time.Second
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Validate checks the configuration.
func (c *GATTConfig) Validate() error {
	if c.Peripheral == nil {
		return errors.New("transport: GATT config requires a peripheral")
	}
	if c.Executor == nil {
		return errors.New("transport: GATT config requires an executor")
	}
	return nil
}

// GATTConnection is a Connection over the GAIA characteristic triad.
type GATTConnection struct {
	*link

	peripheral Peripheral
	setupTime  time.Duration
	identity   Identity

	cancel context.CancelFunc
	gen    uint64
}

var _ Connection = (*GATTConnection)(nil)

// NewGATTConnection creates a disconnected GATT connection.
func NewGATTConnection(config GATTConfig) (*GATTConnection, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	c := &GATTConnection{
		peripheral: config.Peripheral,
		setupTime:  config.SetupTimeout,
		identity:   GATTIdentity(config.Peripheral.ID()),
	}
	defaults := TransportParameters{
		MaxSend:     DefaultGATTPacketSize,
		OptimumSend: DefaultGATTPacketSize,
		MaxReceive:  DefaultGATTPacketSize,
	}
	c.link = newLink(config.Executor, config.LoggerFactory.NewLogger("transport-gatt"),
		config.CommandTimeout, defaults, c.writeCommand)

	config.Peripheral.SetDisconnectHandler(func(err error) {
		c.exec.Post(func() { c.lost(err) })
	})
	return c, nil
}

// Kind implements Connection.
func (c *GATTConnection) Kind() Kind {
	return KindGATT
}

// Identity implements Connection.
func (c *GATTConnection) Identity() Identity {
	return c.identity
}

// EquivalentIdentities implements Connection.
func (c *GATTConnection) EquivalentIdentities(addresses, serials []string) []Identity {
	return EquivalentSet(c.identity, addresses, serials)
}

// Connect implements Connection.
func (c *GATTConnection) Connect() error {
	if c.state != StateDisconnected || c.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.setupTime)
	c.cancel = cancel
	c.gen++
	gen := c.gen

	c.log.Infof("connecting to %s", c.identity)
	go func() {
		err := c.peripheral.Connect(ctx)
		c.exec.Post(func() { c.connected(gen, err) })
	}()
	return nil
}

func (c *GATTConnection) connected(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.clearCancel()

	if err != nil {
		c.log.Warnf("connect to %s failed: %v", c.identity, err)
		c.setState(StateDisconnected, systemError(err))
		return
	}
	c.setState(StateUninitialised, nil)
}

// CancelConnect implements Connection.
func (c *GATTConnection) CancelConnect() {
	if c.cancel == nil || c.state != StateDisconnected {
		return
	}
	c.clearCancel()
	c.gen++
	go c.peripheral.Disconnect()
}

// Disconnect implements Connection. A pending Connect is cancelled as by
// CancelConnect.
func (c *GATTConnection) Disconnect() {
	if c.state == StateDisconnected {
		c.CancelConnect()
		return
	}
	c.clearCancel()
	c.gen++
	go c.peripheral.Disconnect()
	c.setState(StateDisconnected, nil)
}

// Start implements Connection.
func (c *GATTConnection) Start() error {
	if c.state != StateUninitialised {
		return ErrNotReady
	}
	c.setState(StateInitialising, nil)

	ctx, cancel := context.WithTimeout(context.Background(), c.setupTime)
	c.cancel = cancel
	gen := c.gen
	p := c.peripheral

	onResponse := func(data []byte) {
		c.exec.Post(func() { c.received(gen, ChannelResponse, data) })
	}
	onData := func(data []byte) {
		c.exec.Post(func() { c.received(gen, ChannelData, data) })
	}

	go func() {
		err := p.Discover(ctx, ServiceUUID, characteristicsSet)
		if err == nil {
			err = p.EnableNotifications(ctx, ResponseCharUUID, onResponse)
		}
		if err == nil {
			err = p.EnableNotifications(ctx, DataCharUUID, onData)
		}
		c.exec.Post(func() { c.started(gen, err) })
	}()
	return nil
}

func (c *GATTConnection) started(gen uint64, err error) {
	if gen != c.gen || c.state != StateInitialising {
		return
	}
	c.clearCancel()

	if err != nil {
		c.log.Errorf("endpoint setup on %s failed: %v", c.identity, err)
		c.setState(StateInitialisationFailed, setupError(err))
		return
	}

	c.defaults = TransportParameters{
		MaxSend:     clampWrite(c.peripheral.MaximumWriteLength(true)),
		OptimumSend: clampWrite(c.peripheral.MaximumWriteLength(false)),
		MaxReceive:  MaxGATTWriteLength,
	}
	c.setState(StateReady, nil)
}

// TransportParametersReceived implements Connection. Values are clamped to
// what the platform can write and to MaxGATTWriteLength.
func (c *GATTConnection) TransportParametersReceived(p TransportParameters) {
	limit := clampWrite(c.peripheral.MaximumWriteLength(false))
	p.MaxSend = clampTo(p.MaxSend, limit)
	p.OptimumSend = clampTo(p.OptimumSend, p.MaxSend)
	p.MaxReceive = clampTo(p.MaxReceive, MaxGATTWriteLength)
	c.setParams(p)
}

func (c *GATTConnection) received(gen uint64, ch Channel, data []byte) {
	if gen != c.gen || c.state != StateReady {
		return
	}
	c.emit(Event{Type: EventDataReceived, Channel: ch, Data: data})
}

func (c *GATTConnection) lost(err error) {
	if c.state == StateDisconnected {
		return
	}
	c.log.Infof("%s disconnected: %v", c.identity, err)
	c.clearCancel()
	c.gen++
	c.setState(StateDisconnected, systemError(err))
}

func (c *GATTConnection) writeCommand(cmd Command) (func() error, error) {
	p := c.peripheral
	if cmd.Channel == ChannelData {
		return func() error { return p.Write(DataCharUUID, cmd.Payload, false) }, nil
	}
	return func() error { return p.Write(CommandCharUUID, cmd.Payload, true) }, nil
}

func (c *GATTConnection) clearCancel() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// clampWrite bounds a platform-reported write length to MaxGATTWriteLength,
// falling back to DefaultGATTPacketSize when unknown.
func clampWrite(n int) int {
	if n <= 0 {
		return DefaultGATTPacketSize
	}
	return clampTo(n, MaxGATTWriteLength)
}

func clampTo(n, limit int) int {
	if n <= 0 || n > limit {
		return limit
	}
	return n
}
