// Package discovery finds network-attached accessories over DNS-SD.
//
// Accessories (and the accessory emulator) advertise _gaia._tcp. The TXT
// records carry the model and serial that form the stream identity, so a
// browse result is enough to build a StreamConnection before any session has
// interrogated the accessory.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// Service constants.
const (
	// ServiceAccessory is the DNS-SD service type of an accessory stream.
	ServiceAccessory = "_gaia._tcp"

	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."

	// DefaultPort is the accessory stream port.
	DefaultPort = 7357
)

// MDNSServer is the interface for mDNS service registration.
// This allows for dependency injection in tests.
type MDNSServer interface {
	// Shutdown stops the server.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	// Register creates a new mDNS server for the given service.
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// Port is the accessory stream port to advertise (default: DefaultPort).
	Port int

	// Interfaces specifies which network interfaces to advertise on.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory is the factory for creating mDNS servers.
	// If nil, the default zeroconf factory is used.
	ServerFactory MDNSServerFactory

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes accessory instances to the network.
type Advertiser struct {
	config   AdvertiserConfig
	factory  MDNSServerFactory
	log      logging.LeveledLogger
	mu       sync.RWMutex
	services map[string]MDNSServer
	closed   bool
}

// NewAdvertiser creates a new Advertiser with the given configuration.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Port < 0 || config.Port > 65535 {
		return nil, ErrInvalidPort
	}

	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &Advertiser{
		config:   config,
		factory:  factory,
		log:      config.LoggerFactory.NewLogger("discovery"),
		services: make(map[string]MDNSServer),
	}, nil
}

// InstanceName returns the instance name advertised for txt: the model and
// serial, or the model and a random suffix when the serial is unknown.
func InstanceName(txt AccessoryTXT) string {
	suffix := txt.Serial
	if suffix == "" {
		suffix = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	}
	return txt.Model + "-" + suffix
}

// Start advertises one accessory and returns its instance name.
func (a *Advertiser) Start(txt AccessoryTXT) (string, error) {
	if err := txt.Validate(); err != nil {
		return "", fmt.Errorf("advertiser: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", ErrClosed
	}

	instance := InstanceName(txt)
	if _, exists := a.services[instance]; exists {
		return "", fmt.Errorf("%w: %s", ErrAlreadyStarted, instance)
	}

	records := txt.Encode()
	a.log.Debugf("Registering mDNS service: instance=%s service=%s port=%d", instance, ServiceAccessory, a.config.Port)
	a.log.Tracef("TXT records: %v", records)

	server, err := a.factory.Register(instance, ServiceAccessory, DefaultDomain, a.config.Port, records, a.config.Interfaces)
	if err != nil {
		return "", fmt.Errorf("advertiser: mDNS registration failed for %s: %w", instance, err)
	}
	a.services[instance] = server
	a.log.Infof("advertising %s on port %d", instance, a.config.Port)
	return instance, nil
}

// Stop stops advertising an instance.
func (a *Advertiser) Stop(instance string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	server, exists := a.services[instance]
	if !exists {
		return ErrNotStarted
	}

	server.Shutdown()
	delete(a.services, instance)
	return nil
}

// IsAdvertising returns true if the instance is currently advertised.
func (a *Advertiser) IsAdvertising(instance string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, exists := a.services[instance]
	return exists
}

// Close stops all instances and closes the advertiser.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	for _, server := range a.services {
		server.Shutdown()
	}
	a.services = nil
	a.closed = true

	return nil
}

// CloseOnDone closes the advertiser when ctx is done.
func (a *Advertiser) CloseOnDone(ctx context.Context) {
	go func() {
		<-ctx.Done()
		a.Close()
	}()
}
