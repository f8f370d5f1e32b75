// gaiactl connects to a GAIA accessory and keeps a control session open.
//
// It prints the session state as it changes and, with -image, pushes a
// firmware image through the update feature. The link is reconnected when
// it drops, and an update interrupted by the accessory's reboot is resumed
// once the accessory is back.
//
// Usage:
//
//	gaiactl [options]
//
// Examples:
//
//	gaiactl -transport tcp -address 127.0.0.1:7357
//	gaiactl -transport mdns -serial L1 -image firmware.bin
//	gaiactl -transport serial -device /dev/rfcomm0
//	gaiactl -transport bluez -address AA:BB:CC:DD:EE:01 -image firmware.bin -rwcp
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	opts, err := ParseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("gaiactl: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if err := run(ctx, opts); err != nil {
		log.Fatalf("gaiactl: %v", err)
	}
}
