package main

import (
	"context"
	"fmt"

	"github.com/backkem/gaia/pkg/discovery"
	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/manager"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/backkem/gaia/pkg/transport/bluez"
	"github.com/backkem/gaia/pkg/transport/serialport"
	"github.com/pion/logging"
)

// newConnection builds the connection selected by o. The connector is nil
// unless the transport has a radio to gate reconnects on.
func newConnection(ctx context.Context, o Options, exec loop.Executor, lf logging.LoggerFactory) (transport.Connection, manager.Connector, error) {
	stream := transport.StreamConfig{
		Executor:      exec,
		Model:         o.Model,
		Serial:        o.Serial,
		Checksum:      o.Checksum,
		LoggerFactory: lf,
	}

	switch o.Transport {
	case transportTCP:
		stream.Opener = &transport.TCPOpener{Address: o.Address}

	case transportSerial:
		opener, err := serialport.New(serialport.Config{Device: o.Device, Baud: o.Baud, LoggerFactory: lf})
		if err != nil {
			return nil, nil, err
		}
		stream.Opener = opener

	case transportMDNS:
		acc, err := resolve(ctx, o.Serial, lf)
		if err != nil {
			return nil, nil, err
		}
		fmt.Printf("Found %s at %s:%d\n", acc.InstanceName, acc.PreferredIP(), acc.Port)
		if stream, err = acc.StreamConfig(exec, lf); err != nil {
			return nil, nil, err
		}
		stream.Checksum = o.Checksum

	case transportBlueZ:
		bus, err := bluez.SystemBus()
		if err != nil {
			return nil, nil, fmt.Errorf("system bus: %w", err)
		}
		adapter, err := bluez.NewAdapter(bluez.AdapterConfig{Bus: bus, Name: o.Adapter, LoggerFactory: lf})
		if err != nil {
			return nil, nil, err
		}
		p, err := adapter.Peripheral(o.Address, lf)
		if err != nil {
			return nil, nil, err
		}
		conn, err := transport.NewGATTConnection(transport.GATTConfig{Peripheral: p, Executor: exec, LoggerFactory: lf})
		if err != nil {
			return nil, nil, err
		}
		return conn, adapter, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", o.Transport)
	}

	conn, err := transport.NewStreamConnection(stream)
	if err != nil {
		return nil, nil, err
	}
	return conn, nil, nil
}

// resolve finds the advertised accessory with serial, or the first one
// when serial is empty.
func resolve(ctx context.Context, serial string, lf logging.LoggerFactory) (*discovery.Accessory, error) {
	r, err := discovery.NewResolver(discovery.ResolverConfig{LoggerFactory: lf})
	if err != nil {
		return nil, err
	}
	if serial != "" {
		return r.Find(ctx, serial)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	found, err := r.Browse(ctx)
	if err != nil {
		return nil, err
	}
	acc, ok := <-found
	if !ok {
		return nil, discovery.ErrServiceNotFound
	}
	cancel()
	for range found {
	}
	return &acc, nil
}
