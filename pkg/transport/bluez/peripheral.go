package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/backkem/gaia/pkg/transport"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// attHeader is subtracted from the ATT MTU to get the write payload limit.
const attHeader = 3

// Config configures a Peripheral.
type Config struct {
	// Bus is the system bus. Required; see SystemBus.
	Bus Bus

	// Adapter is the local controller. Default: "hci0".
	Adapter string

	// Address is the accessory's Bluetooth address. Required.
	Address string

	// LoggerFactory creates the peripheral's logger.
	// Default: logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.Adapter == "" {
		c.Adapter = "hci0"
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Bus == nil {
		return errors.New("bluez: config requires a bus")
	}
	if c.Address == "" {
		return errors.New("bluez: config requires an address")
	}
	return nil
}

// Peripheral is a BlueZ device behind transport.Peripheral.
type Peripheral struct {
	bus     Bus
	log     logging.LeveledLogger
	address string
	path    dbus.ObjectPath

	mu           sync.Mutex
	chars        map[uuid.UUID]dbus.ObjectPath
	notify       map[dbus.ObjectPath]func([]byte)
	mtu          int
	onDisconnect func(error)
	resolved     chan struct{}
	connected    bool

	// watchMu guards the signal watcher.
	watchMu sync.Mutex
	signals chan *dbus.Signal
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ transport.Peripheral = (*Peripheral)(nil)

// New creates a peripheral for the device at config.Address. Nothing is
// sent on the bus until Connect.
func New(config Config) (*Peripheral, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	address := transport.NormalizeAddress(config.Address)
	return &Peripheral{
		bus:     config.Bus,
		log:     config.LoggerFactory.NewLogger("bluez"),
		address: address,
		path:    DevicePath(config.Adapter, address),
		chars:   make(map[uuid.UUID]dbus.ObjectPath),
		notify:  make(map[dbus.ObjectPath]func([]byte)),
	}, nil
}

// ID returns the normalized Bluetooth address.
func (p *Peripheral) ID() string { return p.address }

// Path returns the device object path.
func (p *Peripheral) Path() dbus.ObjectPath { return p.path }

// SetDisconnectHandler installs the callback for link loss.
func (p *Peripheral) SetDisconnectHandler(fn func(err error)) {
	p.mu.Lock()
	p.onDisconnect = fn
	p.mu.Unlock()
}

// Connect connects the device and waits until BlueZ has resolved its
// services.
func (p *Peripheral) Connect(ctx context.Context) error {
	props, err := getProperties(ctx, p.bus, p.path, deviceIface)
	if err != nil {
		return mapError(err)
	}

	p.mu.Lock()
	p.resolved = make(chan struct{})
	if boolProp(props, "ServicesResolved") {
		close(p.resolved)
	}
	resolved := p.resolved
	p.mu.Unlock()

	if err := p.watch(); err != nil {
		return err
	}

	if !boolProp(props, "Connected") {
		p.log.Debugf("connecting %s", p.path)
		if err := p.bus.Call(ctx, p.path, deviceIface+".Connect").Err; err != nil && !isDBusError(err, errInProgress, errAlreadyConnected) {
			p.unwatch()
			return mapError(err)
		}
	}

	select {
	case <-resolved:
	case <-ctx.Done():
		p.unwatch()
		return ctx.Err()
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.log.Infof("connected %s", p.address)
	return nil
}

// Discover finds the service and its characteristics among BlueZ's
// managed objects.
func (p *Peripheral) Discover(ctx context.Context, service uuid.UUID, chars []uuid.UUID) error {
	objects, err := managedObjects(ctx, p.bus)
	if err != nil {
		return mapError(err)
	}

	var servicePath dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[serviceIface]
		if !ok || !strings.HasPrefix(string(path), string(p.path)+"/") {
			continue
		}
		if matchUUID(stringProp(props, "UUID"), service) {
			servicePath = path
			break
		}
	}
	if servicePath == "" {
		return fmt.Errorf("bluez: service %s not found on %s", service, p.address)
	}

	found := make(map[uuid.UUID]dbus.ObjectPath)
	mtu := 0
	for path, ifaces := range objects {
		props, ok := ifaces[charIface]
		if !ok || !strings.HasPrefix(string(path), string(servicePath)+"/") {
			continue
		}
		for _, c := range chars {
			if matchUUID(stringProp(props, "UUID"), c) {
				found[c] = path
				if v, ok := props["MTU"]; ok {
					if m, ok := v.Value().(uint16); ok && int(m) > mtu {
						mtu = int(m)
					}
				}
			}
		}
	}
	for _, c := range chars {
		if _, ok := found[c]; !ok {
			return fmt.Errorf("bluez: characteristic %s not found on %s", c, p.address)
		}
	}

	p.mu.Lock()
	p.chars = found
	p.mtu = mtu
	p.mu.Unlock()
	p.log.Debugf("discovered %d characteristics under %s (mtu %d)", len(found), servicePath, mtu)
	return nil
}

// EnableNotifications starts notifications on char.
func (p *Peripheral) EnableNotifications(ctx context.Context, char uuid.UUID, fn func([]byte)) error {
	path, err := p.charPath(char)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.notify[path] = fn
	p.mu.Unlock()

	if err := p.bus.Call(ctx, path, charIface+".StartNotify").Err; err != nil && !isDBusError(err, errInProgress) {
		p.mu.Lock()
		delete(p.notify, path)
		p.mu.Unlock()
		return mapError(err)
	}
	return nil
}

// Write writes data to char, as a write request or a write command.
func (p *Peripheral) Write(char uuid.UUID, data []byte, withResponse bool) error {
	path, err := p.charPath(char)
	if err != nil {
		return err
	}
	kind := "command"
	if withResponse {
		kind = "request"
	}
	options := map[string]dbus.Variant{"type": dbus.MakeVariant(kind)}
	if err := p.bus.Call(context.Background(), path, charIface+".WriteValue", data, options).Err; err != nil {
		return mapError(err)
	}
	return nil
}

// MaximumWriteLength derives the limit from the negotiated MTU, or returns
// 0 when BlueZ does not report one.
func (p *Peripheral) MaximumWriteLength(withResponse bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mtu <= attHeader {
		return 0
	}
	return p.mtu - attHeader
}

// Disconnect drops the link and stops watching the device.
func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.unwatch()
	if err := p.bus.Call(context.Background(), p.path, deviceIface+".Disconnect").Err; err != nil {
		return mapError(err)
	}
	return nil
}

func (p *Peripheral) charPath(char uuid.UUID) (dbus.ObjectPath, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path, ok := p.chars[char]
	if !ok {
		return "", fmt.Errorf("%w: characteristic %s not discovered", transport.ErrNotConnected, char)
	}
	return path, nil
}

func (p *Peripheral) watch() error {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	p.stopWatching()
	opts := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchOption("path_namespace", string(p.path)),
	}
	if err := p.bus.AddMatchSignal(opts...); err != nil {
		return fmt.Errorf("bluez: watch %s: %w", p.path, err)
	}
	p.signals = make(chan *dbus.Signal, 64)
	p.done = make(chan struct{})
	p.bus.Signal(p.signals)

	signals, done := p.signals, p.done
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.bus.RemoveMatchSignal(opts...)
		for {
			select {
			case sig := <-signals:
				if sig != nil {
					p.handleSignal(sig)
				}
			case <-done:
				return
			}
		}
	}()
	return nil
}

func (p *Peripheral) unwatch() {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	p.stopWatching()
}

func (p *Peripheral) stopWatching() {
	if p.done == nil {
		return
	}
	p.bus.RemoveSignal(p.signals)
	close(p.done)
	p.wg.Wait()
	p.done = nil
	p.signals = nil
}

func (p *Peripheral) handleSignal(sig *dbus.Signal) {
	if sig.Name != propertiesSignal || len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	switch {
	case sig.Path == p.path && iface == deviceIface:
		if v, ok := changed["ServicesResolved"]; ok {
			if b, _ := v.Value().(bool); b {
				p.mu.Lock()
				if p.resolved != nil {
					select {
					case <-p.resolved:
					default:
						close(p.resolved)
					}
				}
				p.mu.Unlock()
			}
		}
		if v, ok := changed["Connected"]; ok {
			if b, _ := v.Value().(bool); !b {
				p.lost()
			}
		}

	case iface == charIface:
		v, ok := changed["Value"]
		if !ok {
			return
		}
		value, ok := v.Value().([]byte)
		if !ok {
			return
		}
		p.mu.Lock()
		fn := p.notify[sig.Path]
		p.mu.Unlock()
		if fn != nil {
			fn(value)
		}
	}
}

func (p *Peripheral) lost() {
	p.mu.Lock()
	wasConnected := p.connected
	p.connected = false
	fn := p.onDisconnect
	p.mu.Unlock()
	if !wasConnected {
		return
	}
	p.log.Infof("%s disconnected", p.address)
	if fn != nil {
		fn(transport.ErrNotConnected)
	}
}

func matchUUID(s string, u uuid.UUID) bool {
	parsed, err := uuid.Parse(s)
	return err == nil && parsed == u
}

func isDBusError(err error, names ...string) bool {
	var de dbus.Error
	if errors.As(err, &de) {
		for _, n := range names {
			if de.Name == n {
				return true
			}
		}
	}
	var dep *dbus.Error
	if errors.As(err, &dep) && dep != nil {
		for _, n := range names {
			if dep.Name == n {
				return true
			}
		}
	}
	return false
}

// mapError classifies BlueZ errors: authentication timeouts become
// transport.ErrBondingTimeout, everything else a transport.SystemError.
func mapError(err error) error {
	if isDBusError(err, errAuthenticationTimeout, errAuthenticationFailed) {
		return fmt.Errorf("%w: %w", transport.ErrBondingTimeout, err)
	}
	return &transport.SystemError{Err: err}
}
