package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/logging"
)

// Transports selectable with -transport.
const (
	transportTCP    = "tcp"
	transportSerial = "serial"
	transportBlueZ  = "bluez"
	transportMDNS   = "mdns"
)

// Options holds the CLI flags.
type Options struct {
	// Transport is one of tcp, serial, bluez or mdns.
	Transport string

	// Address is the TCP host:port or the Bluetooth address.
	Address string

	// Device is the serial TTY path.
	Device string

	// Baud is the serial line rate.
	Baud int

	// Adapter is the BlueZ controller.
	Adapter string

	// Model and Serial name a stream accessory. With mdns, Serial selects
	// the advertised accessory.
	Model  string
	Serial string

	// Checksum appends a checksum to stream frames.
	Checksum bool

	// Image is a firmware image to push once the session is ready.
	Image string

	// RWCP sends image bytes over RWCP on GATT connections.
	RWCP bool

	// AutoCommit commits without waiting for confirmation.
	AutoCommit bool

	// ReconnectDelay is the wait before reconnecting.
	ReconnectDelay time.Duration

	// Timeout ends the command when the session or update has not
	// finished in time. Zero waits for an interrupt.
	Timeout time.Duration

	// Monitor is the listen address of the WebSocket event feed. Empty
	// disables it.
	Monitor string

	// LogLevel is the pion log level.
	LogLevel logging.LogLevel
}

// DefaultOptions returns the flag defaults.
func DefaultOptions() Options {
	return Options{
		Transport:      transportTCP,
		Address:        "127.0.0.1:7357",
		Baud:           115200,
		Adapter:        "hci0",
		Model:          "emu",
		ReconnectDelay: 3 * time.Second,
		LogLevel:       logging.LogLevelInfo,
	}
}

// ParseFlags parses the command line into Options.
//
//	-transport  tcp, serial, bluez or mdns (default: tcp)
//	-address    host:port or Bluetooth address
//	-device     serial TTY, e.g. /dev/rfcomm0
//	-image      firmware image to push
//	-monitor    WebSocket event feed address
func ParseFlags(args []string) (Options, error) {
	defaults := DefaultOptions()
	o := defaults
	fs := flag.NewFlagSet("gaiactl", flag.ContinueOnError)
	fs.Usage = func() { printUsage(fs) }

	fs.StringVar(&o.Transport, "transport", defaults.Transport, "Transport: tcp, serial, bluez or mdns")
	fs.StringVar(&o.Address, "address", defaults.Address, "TCP host:port or Bluetooth address")
	fs.StringVar(&o.Device, "device", "", "Serial device, e.g. /dev/rfcomm0")
	fs.IntVar(&o.Baud, "baud", defaults.Baud, "Serial baud rate")
	fs.StringVar(&o.Adapter, "adapter", defaults.Adapter, "BlueZ adapter")
	fs.StringVar(&o.Model, "model", defaults.Model, "Accessory model for stream identities")
	fs.StringVar(&o.Serial, "serial", "", "Accessory serial number")
	fs.BoolVar(&o.Checksum, "checksum", false, "Checksum stream frames")
	fs.StringVar(&o.Image, "image", "", "Firmware image to push")
	fs.BoolVar(&o.RWCP, "rwcp", false, "Send the image over RWCP (GATT only)")
	fs.BoolVar(&o.AutoCommit, "autocommit", false, "Commit the update without confirmation")
	fs.DurationVar(&o.ReconnectDelay, "reconnect", defaults.ReconnectDelay, "Reconnect delay")
	fs.StringVar(&o.Monitor, "monitor", "", "Serve a WebSocket event feed on this address, e.g. :8080")
	fs.DurationVar(&o.Timeout, "timeout", 0, "Give up after this long (0 = wait for interrupt)")
	fs.Func("log", "Log level: error, warn, info, debug or trace (default: info)", func(s string) error {
		level, err := parseLogLevel(s)
		if err != nil {
			return err
		}
		o.LogLevel = level
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	return o, o.validate()
}

func (o *Options) validate() error {
	switch o.Transport {
	case transportTCP, transportMDNS:
	case transportSerial:
		if o.Device == "" {
			return fmt.Errorf("-device is required with -transport %s", o.Transport)
		}
	case transportBlueZ:
		if o.Address == "" || o.Address == DefaultOptions().Address {
			return fmt.Errorf("-address must name a Bluetooth address with -transport %s", o.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q", o.Transport)
	}
	if o.RWCP && o.Transport != transportBlueZ {
		return fmt.Errorf("-rwcp needs a GATT transport")
	}
	return nil
}

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "error":
		return logging.LogLevelError, nil
	case "warn":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("unknown log level %q", s)
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", fs.Name())
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	fs.PrintDefaults()
}
