package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/backkem/gaia/pkg/accessory"
	"github.com/backkem/gaia/pkg/discovery"
	"github.com/pion/logging"
)

// Emulator serves one simulated accessory on TCP and advertises it.
type Emulator struct {
	opts       Options
	accessory  *accessory.Emulator
	advertiser *discovery.Advertiser
	listener   net.Listener
	instance   string
	lf         logging.LoggerFactory
}

// NewEmulator creates the accessory and, with opts.Advertise, its
// advertiser. Nothing is bound until Start.
func NewEmulator(opts Options) (*Emulator, error) {
	lf := logging.NewDefaultLoggerFactory()
	acc, err := accessory.New(accessory.Config{
		Version:       opts.version(),
		Serials:       opts.Serials,
		LoggerFactory: lf,
	})
	if err != nil {
		return nil, fmt.Errorf("create accessory: %w", err)
	}
	e := &Emulator{opts: opts, accessory: acc, lf: lf}
	return e, nil
}

// Start binds the port and starts advertising. Connections are served until
// ctx is done.
func (e *Emulator) Start(ctx context.Context) (<-chan error, error) {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(e.opts.Port)))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	e.listener = l

	if e.opts.Advertise {
		port := l.Addr().(*net.TCPAddr).Port
		adv, err := discovery.NewAdvertiser(discovery.AdvertiserConfig{Port: port, LoggerFactory: e.lf})
		if err != nil {
			l.Close()
			return nil, err
		}
		txt := discovery.AccessoryTXT{
			Model:    e.opts.Model,
			Protocol: e.opts.major(),
			Name:     e.opts.Name,
		}
		if len(e.opts.Serials) > 0 {
			txt.Serial = e.opts.Serials[0]
		}
		if e.instance, err = adv.Start(txt); err != nil {
			l.Close()
			return nil, fmt.Errorf("advertise: %w", err)
		}
		e.advertiser = adv
		adv.CloseOnDone(ctx)
	}

	done := make(chan error, 1)
	go func() { done <- accessory.Serve(ctx, e.accessory, l) }()
	return done, nil
}

// Run starts the emulator and blocks until interrupted.
func (e *Emulator) Run() error {
	// Create context that cancels on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done, err := e.Start(ctx)
	if err != nil {
		return err
	}
	e.printInfo()

	err = <-done
	log.Println("Shutting down...")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Emulator) printInfo() {
	fmt.Println("\n========================================")
	fmt.Println("          GAIA Emulator Ready")
	fmt.Println("========================================")
	fmt.Printf("Address:        %s\n", e.listener.Addr())
	fmt.Printf("Protocol:       %s\n", e.opts.version())
	fmt.Printf("Model:          %s\n", e.opts.Model)
	fmt.Printf("Serials:        %s\n", strings.Join(e.opts.Serials, ", "))
	if e.instance != "" {
		fmt.Println("----------------------------------------")
		fmt.Printf("mDNS instance:  %s.%s.%s\n", e.instance, discovery.ServiceAccessory, discovery.DefaultDomain)
	}
	fmt.Println("========================================")
}
