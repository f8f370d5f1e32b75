package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 10 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// Accessory is a resolved _gaia._tcp instance.
type Accessory struct {
	// InstanceName is the DNS-SD instance name.
	InstanceName string

	// HostName is the target host name.
	HostName string

	Port int

	// IPs contains the resolved IP addresses, sorted by preference.
	IPs []net.IP

	// TXT is the parsed accessory record.
	TXT AccessoryTXT

	// Text contains the raw TXT record key-value pairs.
	Text map[string]string
}

// PreferredIP returns the most preferred IP address (first in the sorted list).
// Returns nil if no addresses are available.
func (a *Accessory) PreferredIP() net.IP {
	if len(a.IPs) > 0 {
		return a.IPs[0]
	}
	return nil
}

// Address returns host:port for the preferred IP.
func (a *Accessory) Address() (string, error) {
	ip := a.PreferredIP()
	if ip == nil {
		return "", ErrNoAddresses
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(a.Port)), nil
}

// Identity returns the stream identity the accessory's connection will have.
func (a *Accessory) Identity() transport.Identity {
	return transport.StreamIdentity(a.TXT.Model, a.TXT.Serial)
}

// Opener returns a TCP opener dialing the preferred address.
func (a *Accessory) Opener() (*transport.TCPOpener, error) {
	addr, err := a.Address()
	if err != nil {
		return nil, err
	}
	return &transport.TCPOpener{Address: addr}, nil
}

// StreamConfig returns a stream connection config for the accessory. The
// caller may adjust it before passing it to transport.NewStreamConnection.
func (a *Accessory) StreamConfig(exec loop.Executor, lf logging.LoggerFactory) (transport.StreamConfig, error) {
	opener, err := a.Opener()
	if err != nil {
		return transport.StreamConfig{}, err
	}
	return transport.StreamConfig{
		Opener:        opener,
		Executor:      exec,
		Model:         a.TXT.Model,
		Serial:        a.TXT.Serial,
		LoggerFactory: lf,
	}, nil
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests. Both methods block until
// the context is done or the query fails, and never close entries.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
// A zeroconf client shuts down with its first query, so every call gets a
// fresh one.
type zeroconfResolver struct{}

func (zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return zeroconfQuery(ctx, entries, func(r *zeroconf.Resolver, in chan *zeroconf.ServiceEntry) error {
		return r.Browse(ctx, service, domain, in)
	})
}

func (zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return zeroconfQuery(ctx, entries, func(r *zeroconf.Resolver, in chan *zeroconf.ServiceEntry) error {
		return r.Lookup(ctx, instance, service, domain, in)
	})
}

// zeroconfQuery starts a query and forwards its entries until the context
// is done or zeroconf closes its channel.
func zeroconfQuery(ctx context.Context, entries chan<- *zeroconf.ServiceEntry, start func(*zeroconf.Resolver, chan *zeroconf.ServiceEntry) error) error {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	in := make(chan *zeroconf.ServiceEntry)
	if err := start(r, in); err != nil {
		return err
	}
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return ctx.Err()
			}
			select {
			case entries <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout is the timeout for browse operations.
	// If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration

	// LookupTimeout is the timeout for lookup operations.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Resolver discovers accessories via DNS-SD.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
	log      logging.LeveledLogger
}

// NewResolver creates a new Resolver with the given configuration.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		resolver = zeroconfResolver{}
	}

	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &Resolver{
		config:   config,
		resolver: resolver,
		log:      config.LoggerFactory.NewLogger("discovery"),
	}, nil
}

// Browse discovers accessories on the network. The returned channel is
// closed when the context is cancelled or the browse timeout expires.
// Entries with unusable TXT records are skipped.
func (r *Resolver) Browse(ctx context.Context) (<-chan Accessory, error) {
	results := make(chan Accessory)
	entries := make(chan *zeroconf.ServiceEntry)

	ctx, cancel := r.withTimeout(ctx, r.config.BrowseTimeout)

	go func() {
		defer cancel()
		defer close(results)

		go func() {
			defer close(entries)
			if err := r.resolver.Browse(ctx, ServiceAccessory, DefaultDomain, entries); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				r.log.Warnf("browse %s: %v", ServiceAccessory, err)
			}
		}()

		for entry := range entries {
			acc, err := entryToAccessory(entry)
			if err != nil {
				r.log.Debugf("skipping %s: %v", entry.Instance, err)
				continue
			}
			select {
			case results <- acc:
			case <-ctx.Done():
				// Drain so the browse goroutine can finish.
				for range entries {
				}
				return
			}
		}
	}()

	return results, nil
}

// Lookup looks up an accessory by instance name.
func (r *Resolver) Lookup(ctx context.Context, instance string) (*Accessory, error) {
	ctx, cancel := r.withTimeout(ctx, r.config.LookupTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		defer close(entries)
		r.resolver.Lookup(ctx, instance, ServiceAccessory, DefaultDomain, entries)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrServiceNotFound
			}
			if entry == nil || entry.Instance != instance {
				continue
			}
			acc, err := entryToAccessory(entry)
			if err != nil {
				return nil, err
			}
			cancel()
			for range entries {
			}
			return &acc, nil
		case <-ctx.Done():
			for range entries {
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// Find browses until an accessory advertising serial shows up.
func (r *Resolver) Find(ctx context.Context, serial string) (*Accessory, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found, err := r.Browse(ctx)
	if err != nil {
		return nil, err
	}
	for acc := range found {
		if acc.TXT.Serial == serial {
			cancel()
			for range found {
			}
			return &acc, nil
		}
	}
	return nil, ErrServiceNotFound
}

func (r *Resolver) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// entryToAccessory converts a zeroconf.ServiceEntry to an Accessory.
func entryToAccessory(entry *zeroconf.ServiceEntry) (Accessory, error) {
	txt, err := ParseAccessoryTXT(entry.Text)
	if err != nil {
		return Accessory{}, err
	}

	var ips []net.IP
	ips = append(ips, entry.AddrIPv4...)
	ips = append(ips, entry.AddrIPv6...)

	return Accessory{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          SortIPsByPreference(ips),
		TXT:          *txt,
		Text:         ParseTXT(entry.Text),
	}, nil
}
