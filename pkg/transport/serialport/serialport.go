// Package serialport opens accessory byte streams on serial devices: an
// RFCOMM TTY bound with rfcomm(1), or a UART wired to the accessory's
// debug port.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/backkem/gaia/pkg/transport"
	"github.com/pion/logging"
	"github.com/tarm/serial"
)

// DefaultBaud is used when Config.Baud is zero.
const DefaultBaud = 115200

// Config configures an Opener.
type Config struct {
	// Device is the TTY path, e.g. /dev/rfcomm0. Required.
	Device string

	// Baud is the line rate. Ignored by RFCOMM. Default: DefaultBaud.
	Baud int

	// Parity is the parity mode. Default: serial.ParityNone.
	Parity serial.Parity

	// StopBits is the stop bit count. Default: serial.Stop1.
	StopBits serial.StopBits

	// LoggerFactory creates the opener's logger.
	// Default: logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.Parity == 0 {
		c.Parity = serial.ParityNone
	}
	if c.StopBits == 0 {
		c.StopBits = serial.Stop1
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Device == "" {
		return errors.New("serialport: config requires a device")
	}
	if c.Baud < 0 {
		return fmt.Errorf("serialport: invalid baud rate %d", c.Baud)
	}
	return nil
}

// Opener is a transport.StreamOpener for a serial device.
type Opener struct {
	config Config
	log    logging.LeveledLogger
	open   func(*serial.Config) (io.ReadWriteCloser, error)
}

var _ transport.StreamOpener = (*Opener)(nil)

// New creates an opener. The device is not touched until Open.
func New(config Config) (*Opener, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return &Opener{
		config: config,
		log:    config.LoggerFactory.NewLogger("serialport"),
		open:   openPort,
	}, nil
}

func openPort(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c)
}

// Device returns the configured TTY path.
func (o *Opener) Device() string { return o.config.Device }

// Open opens the device. Reads on the returned port block until data
// arrives; a read timeout would surface as io.EOF and end the stream.
//
// Opening a TTY cannot be interrupted. When ctx ends first, Open returns
// ctx.Err() and closes the port once the open completes.
func (o *Opener) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	c := &serial.Config{
		Name:     o.config.Device,
		Baud:     o.config.Baud,
		Size:     serial.DefaultSize,
		Parity:   o.config.Parity,
		StopBits: o.config.StopBits,
	}

	type result struct {
		port io.ReadWriteCloser
		err  error
	}
	done := make(chan result, 1)
	go func() {
		port, err := o.open(c)
		done <- result{port, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("serialport: open %s: %w", o.config.Device, r.err)
		}
		o.log.Debugf("opened %s at %d baud", o.config.Device, o.config.Baud)
		return r.port, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.port.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
