package bluez

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// DefaultScanDuration is how long Scan keeps discovery running.
const DefaultScanDuration = 10 * time.Second

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	// Bus is the system bus. Required.
	Bus Bus

	// Name is the controller. Default: "hci0".
	Name string

	// ScanDuration bounds Scan. Default: DefaultScanDuration.
	ScanDuration time.Duration

	// LoggerFactory creates the adapter's logger.
	// Default: logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

// Adapter is a local Bluetooth controller. It implements the manager's
// Connector: reconnects wait while the controller is powered off, and an
// abandoned update restart triggers a discovery run.
type Adapter struct {
	bus      Bus
	log      logging.LeveledLogger
	name     string
	path     dbus.ObjectPath
	duration time.Duration
}

// Device is a known BlueZ device.
type Device struct {
	Address   string
	Name      string
	Path      dbus.ObjectPath
	Connected bool
	Paired    bool
}

// NewAdapter creates an adapter handle.
func NewAdapter(config AdapterConfig) (*Adapter, error) {
	if config.Bus == nil {
		return nil, errors.New("bluez: adapter config requires a bus")
	}
	if config.Name == "" {
		config.Name = "hci0"
	}
	if config.ScanDuration == 0 {
		config.ScanDuration = DefaultScanDuration
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Adapter{
		bus:      config.Bus,
		log:      config.LoggerFactory.NewLogger("bluez"),
		name:     config.Name,
		path:     dbus.ObjectPath("/org/bluez/" + config.Name),
		duration: config.ScanDuration,
	}, nil
}

// Available reports whether the controller is powered.
func (a *Adapter) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	props, err := getProperties(ctx, a.bus, a.path, adapterIface)
	if err != nil {
		a.log.Debugf("adapter %s: %v", a.name, err)
		return false
	}
	return boolProp(props, "Powered")
}

// Scan runs discovery for the configured duration in the background.
func (a *Adapter) Scan() {
	if err := a.bus.Call(context.Background(), a.path, adapterIface+".StartDiscovery").Err; err != nil {
		if !isDBusError(err, errInProgress) {
			a.log.Warnf("start discovery on %s: %v", a.name, err)
		}
		return
	}
	a.log.Infof("scanning on %s for %v", a.name, a.duration)
	time.AfterFunc(a.duration, func() {
		if err := a.bus.Call(context.Background(), a.path, adapterIface+".StopDiscovery").Err; err != nil {
			a.log.Debugf("stop discovery on %s: %v", a.name, err)
		}
	})
}

// Devices lists the adapter's devices advertising service, sorted by
// address.
func (a *Adapter) Devices(ctx context.Context, service uuid.UUID) ([]Device, error) {
	objects, err := managedObjects(ctx, a.bus)
	if err != nil {
		return nil, mapError(err)
	}
	var out []Device
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok || !strings.HasPrefix(string(path), string(a.path)+"/") {
			continue
		}
		if !hasUUID(props, service) {
			continue
		}
		out = append(out, Device{
			Address:   stringProp(props, "Address"),
			Name:      stringProp(props, "Name"),
			Path:      path,
			Connected: boolProp(props, "Connected"),
			Paired:    boolProp(props, "Paired"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// Peripheral returns a peripheral for one of the adapter's devices.
func (a *Adapter) Peripheral(address string, lf logging.LoggerFactory) (*Peripheral, error) {
	return New(Config{Bus: a.bus, Adapter: a.name, Address: address, LoggerFactory: lf})
}

func hasUUID(props map[string]dbus.Variant, u uuid.UUID) bool {
	v, ok := props["UUIDs"]
	if !ok {
		return false
	}
	list, _ := v.Value().([]string)
	for _, s := range list {
		if matchUUID(s, u) {
			return true
		}
	}
	return false
}
