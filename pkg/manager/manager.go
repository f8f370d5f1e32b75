package manager

import (
	"errors"
	"fmt"
	"time"

	"github.com/backkem/gaia/pkg/event"
	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/message"
	"github.com/backkem/gaia/pkg/session"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
)

// Policy defaults.
const (
	DefaultReconnectDelay       = 3 * time.Second
	DefaultHandoverFloor        = 5 * time.Second
	DefaultUpdateRestartTimeout = 60 * time.Second
)

// Connector is the platform's radio: whether connections can be made right
// now, and a way to look for accessories again.
type Connector interface {
	Available() bool
	Scan()
}

type alwaysAvailable struct{}

func (alwaysAvailable) Available() bool { return true }
func (alwaysAvailable) Scan()           {}

// Config configures a Manager.
type Config struct {
	// Executor serializes the manager and every session it creates.
	// Required.
	Executor loop.Executor

	// Connector gates reconnects and is asked to scan when an update
	// restart is abandoned. Default: always available, scanning is a no-op.
	Connector Connector

	// Registry supplies session plugins. Default: an empty registry.
	Registry *session.Registry

	// Vendors receives foreign-vendor frames on every session. Optional.
	Vendors *message.VendorRegistry

	// ReconnectDelay is the wait before reconnecting.
	// Default: DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// Backoff produces successive reconnect delays and is reset whenever a
	// session becomes ready. backoff.Stop abandons reconnecting.
	// Default: a constant ReconnectDelay.
	Backoff backoff.BackOff

	// HandoverFloor is the shortest wait for a handover disconnect.
	// Default: DefaultHandoverFloor.
	HandoverFloor time.Duration

	// UpdateRestartTimeout bounds the wait for a rebooting accessory.
	// Default: DefaultUpdateRestartTimeout.
	UpdateRestartTimeout time.Duration

	// LoggerFactory creates the manager's and the sessions' loggers.
	// Default: logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.Connector == nil {
		c.Connector = alwaysAvailable{}
	}
	if c.Registry == nil {
		c.Registry = session.NewRegistry()
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Backoff == nil {
		c.Backoff = backoff.NewConstantBackOff(c.ReconnectDelay)
	}
	if c.HandoverFloor == 0 {
		c.HandoverFloor = DefaultHandoverFloor
	}
	if c.UpdateRestartTimeout == 0 {
		c.UpdateRestartTimeout = DefaultUpdateRestartTimeout
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Executor == nil {
		return errors.New("manager: config requires an executor")
	}
	if c.ReconnectDelay < 0 || c.HandoverFloor < 0 || c.UpdateRestartTimeout < 0 {
		return errors.New("manager: durations must not be negative")
	}
	return nil
}

// Event is published on the manager's bus.
type Event struct {
	Type    EventType
	Device  transport.Identity
	Session session.ID
	State   session.State
	Err     error
	Delay   time.Duration
}

type device struct {
	id         transport.Identity
	conn       transport.Connection
	session    *session.Session
	cancel     func()
	identities []transport.Identity

	// userDisconnect marks a Disconnect call whose Disconnected state must
	// not trigger a reconnect.
	userDisconnect bool
	handover       loop.Timer
}

// equivalent returns the device's last known equivalent set, or just its
// own identity before one was resolved.
func (d *device) equivalent() []transport.Identity {
	if len(d.identities) > 0 {
		return d.identities
	}
	return []transport.Identity{d.id}
}

func (d *device) stopHandover() {
	if d.handover != nil {
		d.handover.Stop()
		d.handover = nil
	}
}

// Manager tracks devices and their sessions. All methods must be called on
// the configured executor.
type Manager struct {
	config Config
	exec   loop.Executor
	log    logging.LeveledLogger
	bus    event.Bus[Event]
	closed bool

	devices map[transport.Identity]*device
	order   []transport.Identity

	interest    transport.Identity
	reconnect   loop.Timer
	reconnectTo transport.Identity
	connecting  transport.Identity

	restart *pendingRestart
}

// New creates a manager with no devices.
func New(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	return &Manager{
		config:  config,
		exec:    config.Executor,
		log:     config.LoggerFactory.NewLogger("manager"),
		devices: make(map[transport.Identity]*device),
	}, nil
}

// Subscribe registers fn for manager events.
func (m *Manager) Subscribe(fn event.Handler[Event]) (cancel func()) {
	return m.bus.Subscribe(fn)
}

// Add registers conn and opens a session on it. The connection is not
// connected; call Connect.
func (m *Manager) Add(conn transport.Connection) error {
	if m.closed {
		return ErrClosed
	}
	id := conn.Identity()
	if _, ok := m.devices[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, id)
	}
	d := &device{id: id, conn: conn}
	if err := m.attach(d); err != nil {
		return err
	}
	m.devices[id] = d
	m.order = append(m.order, id)
	m.log.Infof("added %s", id)
	m.publish(Event{Type: EventDeviceAdded, Device: id, Session: d.session.ID()})
	return nil
}

// Remove disconnects the device and forgets it.
func (m *Manager) Remove(id transport.Identity) error {
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	m.forget(id)
	m.detach(d)
	d.conn.Disconnect()
	delete(m.devices, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	m.log.Infof("removed %s", id)
	m.publish(Event{Type: EventDeviceRemoved, Device: id})
	return nil
}

// Devices returns the registered identities in the order they were added.
func (m *Manager) Devices() []transport.Identity {
	return append([]transport.Identity(nil), m.order...)
}

// Session returns the device's current session. The instance changes after
// every disconnect.
func (m *Manager) Session(id transport.Identity) (*session.Session, bool) {
	d, ok := m.devices[id]
	if !ok {
		return nil, false
	}
	return d.session, true
}

// Identities returns the device's last known equivalent identity set.
func (m *Manager) Identities(id transport.Identity) []transport.Identity {
	d, ok := m.devices[id]
	if !ok {
		return nil
	}
	return append([]transport.Identity(nil), d.equivalent()...)
}

// Interest returns the device that is reconnected on link loss, if any.
func (m *Manager) Interest() (transport.Identity, bool) {
	return m.interest, m.interest != ""
}

// Connect makes id the device of interest and connects it. A reconnect
// pending for another device is cancelled first.
func (m *Manager) Connect(id transport.Identity) error {
	if m.closed {
		return ErrClosed
	}
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if m.reconnectTo != "" && m.reconnectTo != id {
		m.cancelReconnect()
	}
	if m.connecting != "" && m.connecting != id {
		if other, ok := m.devices[m.connecting]; ok {
			m.log.Debugf("cancelling reconnect to %s", other.id)
			other.conn.CancelConnect()
		}
		m.connecting = ""
	}
	m.interest = id
	d.userDisconnect = false
	return d.conn.Connect()
}

// Disconnect drops the device without reconnecting it.
func (m *Manager) Disconnect(id transport.Identity) error {
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	m.forget(id)
	if d.conn.State() == transport.StateDisconnected {
		d.conn.CancelConnect()
		return nil
	}
	d.userDisconnect = true
	d.conn.Disconnect()
	return nil
}

// ScheduleReconnect arms a reconnect of id after delay, replacing any
// pending reconnect. A zero delay takes the next delay from the backoff
// policy.
func (m *Manager) ScheduleReconnect(id transport.Identity, delay time.Duration) error {
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.devices[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	m.interest = id
	m.scheduleReconnect(id, delay)
	return nil
}

// Close cancels every timer and detaches every session. Connections are
// left as they are.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.cancelReconnect()
	m.clearRestart()
	for _, id := range m.order {
		m.detach(m.devices[id])
	}
	m.bus.Close()
}

// forget clears interest in id and any reconnect aimed at it.
func (m *Manager) forget(id transport.Identity) {
	if m.interest == id {
		m.interest = ""
	}
	if m.reconnectTo == id {
		m.cancelReconnect()
	}
	if m.connecting == id {
		m.connecting = ""
	}
}

func (m *Manager) attach(d *device) error {
	s, err := session.New(session.Config{
		Connection:    d.conn,
		Executor:      m.exec,
		Registry:      m.config.Registry,
		Vendors:       m.config.Vendors,
		LoggerFactory: m.config.LoggerFactory,
	})
	if err != nil {
		return err
	}
	d.session = s
	d.cancel = s.Subscribe(func(ev session.Event) { m.sessionEvent(d, s, ev) })
	s.Open()
	return nil
}

func (m *Manager) detach(d *device) {
	d.stopHandover()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.session.Close()
}

// renew replaces s with a fresh session unless something else already did.
func (m *Manager) renew(d *device, s *session.Session) {
	if m.closed || d.session != s || m.devices[d.id] != d {
		return
	}
	m.detach(d)
	if err := m.attach(d); err != nil {
		m.log.Errorf("new session for %s: %v", d.id, err)
	}
}

func (m *Manager) sessionEvent(d *device, s *session.Session, ev session.Event) {
	if d.session != s {
		return
	}
	switch ev.Type {
	case session.EventIdentitiesResolved:
		d.identities = append([]transport.Identity(nil), ev.Identities...)

	case session.EventHandoverAboutToHappen:
		m.handoverAnnounced(d, s, ev.Handover)

	case session.EventHandoverComplete:
		d.stopHandover()

	case session.EventStateChanged:
		m.publish(Event{Type: EventSessionStateChanged, Device: d.id, Session: s.ID(), State: ev.State, Err: ev.Err})
		m.sessionStateChanged(d, s, ev)
	}
}

func (m *Manager) sessionStateChanged(d *device, s *session.Session, ev session.Event) {
	switch ev.State {
	case session.StateProtocolReady:
		if m.connecting == d.id {
			m.connecting = ""
		}
		m.config.Backoff.Reset()
		m.resumeRestart(d, s)

	case session.StateFailed:
		if errors.Is(ev.Err, transport.ErrWriteTimedOut) {
			return
		}
		// Drop the link; the Disconnected state that follows renews the
		// session and reconnects.
		m.exec.Post(func() {
			if d.session == s && s.State() == session.StateFailed {
				d.conn.Disconnect()
			}
		})

	case session.StateDisconnected:
		d.stopHandover()
		m.captureRestart(d, s)
		m.exec.Post(func() { m.renew(d, s) })

		if m.connecting == d.id {
			m.connecting = ""
		}
		if d.userDisconnect {
			d.userDisconnect = false
			return
		}
		if m.interest != "" && (m.interest == d.id || m.interestEquivalent(d)) {
			m.scheduleReconnect(d.id, 0)
		}
	}
}

// interestEquivalent reports whether d is the device of interest under
// another identity.
func (m *Manager) interestEquivalent(d *device) bool {
	target, ok := m.devices[m.interest]
	if !ok {
		return false
	}
	return transport.Equivalent(target.equivalent(), d.equivalent())
}

func (m *Manager) scheduleReconnect(id transport.Identity, delay time.Duration) {
	m.cancelReconnect()
	if delay == 0 {
		delay = m.config.Backoff.NextBackOff()
	}
	if delay == backoff.Stop {
		m.log.Warnf("giving up reconnecting %s", id)
		m.publish(Event{Type: EventReconnectAbandoned, Device: id})
		return
	}
	m.log.Infof("reconnecting %s in %v", id, delay)
	m.reconnectTo = id
	m.reconnect = m.exec.AfterFunc(delay, func() { m.reconnectFired(id) })
	m.publish(Event{Type: EventReconnectScheduled, Device: id, Delay: delay})
}

func (m *Manager) cancelReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.reconnectTo = ""
}

func (m *Manager) reconnectFired(id transport.Identity) {
	m.reconnect = nil
	m.reconnectTo = ""
	d, ok := m.devices[id]
	if !ok || m.closed {
		return
	}
	if !m.config.Connector.Available() {
		m.log.Debugf("transport unavailable, deferring reconnect to %s", id)
		m.scheduleReconnect(id, 0)
		return
	}
	if d.conn.State() != transport.StateDisconnected {
		return
	}
	m.connecting = id
	if err := d.conn.Connect(); err != nil {
		m.log.Warnf("reconnect %s: %v", id, err)
		m.connecting = ""
		m.scheduleReconnect(id, 0)
	}
}

func (m *Manager) publish(ev Event) {
	m.bus.Publish(ev)
}
