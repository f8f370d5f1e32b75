// Package bluez implements the transport Peripheral capability on Linux
// through BlueZ's D-Bus API.
//
// Device1 handles the link, GattCharacteristic1 the writes and
// notifications. Notifications and link loss arrive as PropertiesChanged
// signals and are delivered on the peripheral's own goroutine; the GATT
// connection posts them into its executor.
package bluez

import (
	"context"

	"github.com/godbus/dbus/v5"
)

// D-Bus names.
const (
	busName          = "org.bluez"
	adapterIface     = "org.bluez.Adapter1"
	deviceIface      = "org.bluez.Device1"
	serviceIface     = "org.bluez.GattService1"
	charIface        = "org.bluez.GattCharacteristic1"
	propsIface       = "org.freedesktop.DBus.Properties"
	objManagerIface  = "org.freedesktop.DBus.ObjectManager"
	propertiesSignal = propsIface + ".PropertiesChanged"
)

// BlueZ error names.
const (
	errAuthenticationTimeout = "org.bluez.Error.AuthenticationTimeout"
	errAuthenticationFailed  = "org.bluez.Error.AuthenticationFailed"
	errInProgress            = "org.bluez.Error.InProgress"
	errAlreadyConnected      = "org.bluez.Error.AlreadyConnected"
)

// ManagedObjects is the result of ObjectManager.GetManagedObjects.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Bus is the part of the system bus the package uses. SystemBus adapts a
// *dbus.Conn; tests substitute a fake.
type Bus interface {
	// Call invokes method on the BlueZ object at path.
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call

	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

type systemBus struct {
	conn *dbus.Conn
}

// SystemBus connects to the system bus.
func SystemBus() (Bus, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	return &systemBus{conn: conn}, nil
}

// NewBus adapts an existing connection.
func NewBus(conn *dbus.Conn) Bus {
	return &systemBus{conn: conn}
}

func (b *systemBus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) *dbus.Call {
	return b.conn.Object(busName, path).CallWithContext(ctx, method, 0, args...)
}

func (b *systemBus) AddMatchSignal(options ...dbus.MatchOption) error {
	return b.conn.AddMatchSignal(options...)
}

func (b *systemBus) RemoveMatchSignal(options ...dbus.MatchOption) error {
	return b.conn.RemoveMatchSignal(options...)
}

func (b *systemBus) Signal(ch chan<- *dbus.Signal)       { b.conn.Signal(ch) }
func (b *systemBus) RemoveSignal(ch chan<- *dbus.Signal) { b.conn.RemoveSignal(ch) }

func managedObjects(ctx context.Context, bus Bus) (ManagedObjects, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := bus.Call(ctx, "/", objManagerIface+".GetManagedObjects").Store(&objects); err != nil {
		return nil, err
	}
	return ManagedObjects(objects), nil
}

func getProperties(ctx context.Context, bus Bus, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	if err := bus.Call(ctx, path, propsIface+".GetAll", iface).Store(&props); err != nil {
		return nil, err
	}
	return props, nil
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

// DevicePath returns the object path of address on adapter, e.g.
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func DevicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + underscored(address))
}

func underscored(address string) string {
	b := []byte(address)
	for i, c := range b {
		switch {
		case c == ':' || c == '-':
			b[i] = '_'
		case c >= 'a' && c <= 'f':
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
