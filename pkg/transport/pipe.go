package transport

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/transport/v3/test"
)

// Packet tags used on the pipe. Host-to-accessory packets are command or
// data writes; accessory-to-host packets are notifications or link loss.
const (
	pipeTagCommand  byte = 0x00
	pipeTagData     byte = 0x01
	pipeTagResponse byte = 0x02
	pipeTagNotify   byte = 0x03
	pipeTagLinkLoss byte = 0x04

	pipeReadBufferSize = 2048
)

// NetworkCondition configures link behaviour simulation.
// Use this to test RWCP and the command queue under adverse conditions.
type NetworkCondition struct {
	// DropRate is the probability of dropping a packet (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay to add to each packet.
	DelayMin time.Duration

	// DelayMax is the maximum delay to add to each packet.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration

	// DuplicateRate is the probability of duplicating a packet (0.0 - 1.0).
	DuplicateRate float64
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic packet delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor delivers packets.
	// Default: 1ms
	ProcessInterval time.Duration

	// PeripheralID is the identifier reported by the host-side peripheral.
	// Default: "pipe".
	PeripheralID string

	// MaxWriteLength is the write limit reported by the peripheral.
	// Default: MaxGATTWriteLength.
	MaxWriteLength int
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe is an in-memory GATT link between a host-side PipePeripheral and a
// device-side PipeAccessory. It wraps pion's test.Bridge and adds network
// condition simulation.
//
// By default, Pipe delivers packets in a background goroutine. Use
// SetAutoProcess(false) and Tick/Process for manual control.
type Pipe struct {
	bridge *test.Bridge

	mu              sync.RWMutex
	condition       NetworkCondition
	closed          bool
	rng             *rand.Rand
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	readers         sync.WaitGroup

	peripheral *PipePeripheral
	accessory  *PipeAccessory
}

// NewPipe creates a pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	if config.ProcessInterval == 0 {
		config.ProcessInterval = 1 * time.Millisecond
	}
	if config.PeripheralID == "" {
		config.PeripheralID = "pipe"
	}
	if config.MaxWriteLength == 0 {
		config.MaxWriteLength = MaxGATTWriteLength
	}

	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}

	p.peripheral = &PipePeripheral{
		pipe:     p,
		conn:     p.bridge.GetConn0(),
		id:       config.PeripheralID,
		maxWrite: config.MaxWriteLength,
		subs:     make(map[uuid.UUID]func([]byte)),
	}
	p.accessory = &PipeAccessory{
		pipe:   p,
		conn:   p.bridge.GetConn1(),
		writes: make(chan PipeWrite, 256),
	}

	p.readers.Add(2)
	go p.peripheral.readLoop(&p.readers)
	go p.accessory.readLoop(&p.readers)

	if p.autoProcess {
		p.startAutoProcess()
	}
	return p
}

func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	stopCh := p.stopCh
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetAutoProcess enables or disables automatic packet delivery.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}
	p.autoProcess = enabled

	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
	} else {
		close(p.stopCh)
	}
}

// SetCondition configures link condition simulation in both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current link condition.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// Peripheral returns the host side of the pipe.
func (p *Pipe) Peripheral() *PipePeripheral {
	return p.peripheral
}

// Accessory returns the device side of the pipe.
func (p *Pipe) Accessory() *PipeAccessory {
	return p.accessory
}

// Tick delivers one packet in each direction (if available).
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued packets.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			break
		}
		count += n
	}
	return count
}

// Close closes both endpoints and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	err0 := p.bridge.GetConn0().Close()
	err1 := p.bridge.GetConn1().Close()

	// The bridge closes a read side only from Tick, once its queue drained.
	readersDone := make(chan struct{})
	go func() {
		p.readers.Wait()
		close(readersDone)
	}()
	for done := false; !done; {
		p.bridge.Tick()
		select {
		case <-readersDone:
			done = true
		case <-time.After(p.processInterval):
		}
	}
	close(p.accessory.writes)

	if err0 != nil {
		return err0
	}
	return err1
}

// send writes one tagged packet, applying the configured condition.
func (p *Pipe) send(conn net.Conn, tag byte, data []byte) error {
	p.mu.RLock()
	cond := p.condition
	rng := p.rng
	p.mu.RUnlock()

	pkt := make([]byte, 0, len(data)+1)
	pkt = append(pkt, tag)
	pkt = append(pkt, data...)

	if cond.DropRate > 0 && rng.Float64() < cond.DropRate {
		return nil
	}

	if cond.DelayMax > 0 {
		delay := cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += time.Duration(rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	if cond.DuplicateRate > 0 && rng.Float64() < cond.DuplicateRate {
		if _, err := conn.Write(pkt); err != nil {
			return err
		}
	}

	_, err := conn.Write(pkt)
	return err
}

// PipePeripheral implements Peripheral over a Pipe.
type PipePeripheral struct {
	pipe     *Pipe
	conn     net.Conn
	id       string
	maxWrite int

	mu           sync.Mutex
	connected    bool
	subs         map[uuid.UUID]func([]byte)
	onDisconnect func(error)
	connectErr   error
	setupErr     error
}

var _ Peripheral = (*PipePeripheral)(nil)

// ID implements Peripheral.
func (pp *PipePeripheral) ID() string {
	return pp.id
}

// FailConnect makes subsequent Connect calls fail with err. Nil clears it.
func (pp *PipePeripheral) FailConnect(err error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.connectErr = err
}

// FailSetup makes subsequent Discover calls fail with err. Nil clears it.
func (pp *PipePeripheral) FailSetup(err error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.setupErr = err
}

// Connect implements Peripheral.
func (pp *PipePeripheral) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.connectErr != nil {
		return pp.connectErr
	}
	pp.connected = true
	return nil
}

// Disconnect implements Peripheral.
func (pp *PipePeripheral) Disconnect() error {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.connected = false
	pp.subs = make(map[uuid.UUID]func([]byte))
	return nil
}

// Discover implements Peripheral.
func (pp *PipePeripheral) Discover(ctx context.Context, service uuid.UUID, chars []uuid.UUID) error {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if !pp.connected {
		return ErrNotConnected
	}
	return pp.setupErr
}

// EnableNotifications implements Peripheral.
func (pp *PipePeripheral) EnableNotifications(ctx context.Context, char uuid.UUID, fn func([]byte)) error {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if !pp.connected {
		return ErrNotConnected
	}
	pp.subs[char] = fn
	return nil
}

// Write implements Peripheral.
func (pp *PipePeripheral) Write(char uuid.UUID, data []byte, withResponse bool) error {
	pp.mu.Lock()
	connected := pp.connected
	pp.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	tag := pipeTagCommand
	if char == DataCharUUID {
		tag = pipeTagData
	}
	return pp.pipe.send(pp.conn, tag, data)
}

// MaximumWriteLength implements Peripheral.
func (pp *PipePeripheral) MaximumWriteLength(withResponse bool) int {
	return pp.maxWrite
}

// SetDisconnectHandler implements Peripheral.
func (pp *PipePeripheral) SetDisconnectHandler(fn func(err error)) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.onDisconnect = fn
}

func (pp *PipePeripheral) readLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, pipeReadBufferSize)
	for {
		n, err := pp.conn.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		data := append([]byte(nil), buf[1:n]...)

		pp.mu.Lock()
		var fn func([]byte)
		var lost func(error)
		switch buf[0] {
		case pipeTagResponse:
			fn = pp.subs[ResponseCharUUID]
		case pipeTagNotify:
			fn = pp.subs[DataCharUUID]
		case pipeTagLinkLoss:
			if pp.connected {
				pp.connected = false
				pp.subs = make(map[uuid.UUID]func([]byte))
				lost = pp.onDisconnect
			}
		}
		pp.mu.Unlock()

		if fn != nil {
			fn(data)
		}
		if lost != nil {
			lost(ErrNotConnected)
		}
	}
}

// PipeWrite is a host write observed by the accessory side.
type PipeWrite struct {
	Channel Channel
	Data    []byte
}

// PipeAccessory is the device side of a Pipe.
type PipeAccessory struct {
	pipe   *Pipe
	conn   net.Conn
	writes chan PipeWrite
}

// Writes returns the host writes in arrival order. The channel is closed
// when the pipe closes.
func (a *PipeAccessory) Writes() <-chan PipeWrite {
	return a.writes
}

// Respond sends data on the response characteristic.
func (a *PipeAccessory) Respond(data []byte) error {
	return a.pipe.send(a.conn, pipeTagResponse, data)
}

// Notify sends data on the data characteristic.
func (a *PipeAccessory) Notify(data []byte) error {
	return a.pipe.send(a.conn, pipeTagNotify, data)
}

// DropLink simulates the accessory going out of range.
func (a *PipeAccessory) DropLink() error {
	_, err := a.conn.Write([]byte{pipeTagLinkLoss})
	return err
}

func (a *PipeAccessory) readLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, pipeReadBufferSize)
	for {
		n, err := a.conn.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		ch := ChannelCommand
		if buf[0] == pipeTagData {
			ch = ChannelData
		}
		w := PipeWrite{Channel: ch, Data: append([]byte(nil), buf[1:n]...)}
		select {
		case a.writes <- w:
		default:
		}
	}
}
