// gaia-emulator is a simulated GAIA accessory reachable over TCP.
//
// It serves the accessory stream protocol on a TCP port, advertises itself
// as _gaia._tcp so gaiactl -transport mdns can find it, and accepts
// firmware updates, rebooting into each received image.
//
// Usage:
//
//	gaia-emulator [options]
//
// Options:
//
//	-port       TCP port (default: 7357)
//	-model      Model advertised in TXT (default: "emu")
//	-serials    Comma-separated serial numbers (default: "L1,R1")
//	-legacy     Speak the legacy protocol generation
//	-name       Human-readable name
//	-advertise  Advertise over mDNS (default: true)
//
// Example:
//
//	gaia-emulator -port 7357 -serials L1,R1
package main

import (
	"flag"
	"log"
	"strings"

	"github.com/backkem/gaia/pkg/session"
)

// Options holds the emulator flags.
type Options struct {
	Port      int
	Model     string
	Serials   []string
	Legacy    bool
	Name      string
	Advertise bool
}

// DefaultOptions returns the flag defaults.
func DefaultOptions() Options {
	return Options{
		Port:      7357,
		Model:     "emu",
		Serials:   []string{"L1", "R1"},
		Name:      "GAIA Emulator",
		Advertise: true,
	}
}

// ParseFlags parses os.Args into Options.
func ParseFlags() Options {
	defaults := DefaultOptions()
	o := defaults

	flag.IntVar(&o.Port, "port", defaults.Port, "TCP port")
	flag.StringVar(&o.Model, "model", defaults.Model, "Model advertised in TXT")
	flag.Func("serials", "Comma-separated serial numbers (default: L1,R1)", func(s string) error {
		o.Serials = nil
		for _, serial := range strings.Split(s, ",") {
			if serial = strings.TrimSpace(serial); serial != "" {
				o.Serials = append(o.Serials, serial)
			}
		}
		return nil
	})
	flag.BoolVar(&o.Legacy, "legacy", false, "Speak the legacy protocol generation")
	flag.StringVar(&o.Name, "name", defaults.Name, "Human-readable name")
	flag.BoolVar(&o.Advertise, "advertise", defaults.Advertise, "Advertise over mDNS")
	flag.Parse()
	return o
}

func (o Options) version() session.ProtocolVersion {
	if o.Legacy {
		return session.VersionLegacy
	}
	return session.VersionCurrent
}

// major is the protocol major version advertised in TXT.
func (o Options) major() int {
	if o.Legacy {
		return 2
	}
	return 3
}

func main() {
	opts := ParseFlags()

	emu, err := NewEmulator(opts)
	if err != nil {
		log.Fatalf("Failed to create emulator: %v", err)
	}

	// Run the emulator (blocks until interrupted)
	if err := emu.Run(); err != nil {
		log.Fatalf("Emulator error: %v", err)
	}
}
