// Package integration provides end-to-end tests that run the manager, its
// sessions and the update plugin against the accessory emulator.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/backkem/gaia/pkg/accessory"
	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/manager"
	"github.com/backkem/gaia/pkg/session"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/backkem/gaia/pkg/upgrade"
	"github.com/pion/logging"
)

// TestPairConfig configures a TestPair.
type TestPairConfig struct {
	// Accessory configures the emulator. Serials default to "S1".
	Accessory accessory.Config

	// ReconnectDelay is the manager's reconnect delay. Default: 100ms.
	ReconnectDelay time.Duration

	// HandoverFloor is the manager's handover floor. Default: 200ms.
	HandoverFloor time.Duration

	// LoggerFactory for logging. If nil, uses DefaultLoggerFactory.
	LoggerFactory logging.LoggerFactory
}

// TestPair is a manager connected to an emulated accessory over an
// in-memory GATT pipe. All manager work runs on Exec, which only advances
// when the test drives it.
type TestPair struct {
	Accessory *accessory.Emulator
	Pipe      *transport.Pipe
	Exec      *loop.Manual
	Manager   *manager.Manager
	Device    transport.Identity

	// Events holds every manager event in order.
	Events []manager.Event

	t      *testing.T
	cancel context.CancelFunc
	served chan error
}

// NewTestPair creates the pair and registers the device. Call Connect to
// bring the session up.
func NewTestPair(t *testing.T, config TestPairConfig) *TestPair {
	t.Helper()

	if config.Accessory.Serials == nil {
		config.Accessory.Serials = []string{"S1"}
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 100 * time.Millisecond
	}
	if config.HandoverFloor == 0 {
		config.HandoverFloor = 200 * time.Millisecond
	}
	lf := config.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	config.Accessory.LoggerFactory = lf

	e, err := accessory.New(config.Accessory)
	if err != nil {
		t.Fatalf("Failed to create accessory: %v", err)
	}
	pipe := transport.NewPipe()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- accessory.ServePipe(ctx, e, pipe.Accessory()) }()

	m := loop.NewManual()
	conn, err := transport.NewGATTConnection(transport.GATTConfig{
		Peripheral:    pipe.Peripheral(),
		Executor:      m,
		LoggerFactory: lf,
	})
	if err != nil {
		cancel()
		t.Fatalf("Failed to create connection: %v", err)
	}

	registry := session.NewRegistry()
	if err := upgrade.Register(registry, upgrade.Config{}); err != nil {
		cancel()
		t.Fatal(err)
	}
	mgr, err := manager.New(manager.Config{
		Executor:       m,
		Registry:       registry,
		ReconnectDelay: config.ReconnectDelay,
		HandoverFloor:  config.HandoverFloor,
		LoggerFactory:  lf,
	})
	if err != nil {
		cancel()
		t.Fatalf("Failed to create manager: %v", err)
	}

	p := &TestPair{
		Accessory: e,
		Pipe:      pipe,
		Exec:      m,
		Manager:   mgr,
		Device:    conn.Identity(),
		t:         t,
		cancel:    cancel,
		served:    served,
	}
	mgr.Subscribe(func(ev manager.Event) { p.Events = append(p.Events, ev) })
	if err := mgr.Add(conn); err != nil {
		p.Close()
		t.Fatalf("Add() error = %v", err)
	}
	return p
}

// Close stops the manager, the emulator and the pipe.
func (p *TestPair) Close() {
	p.Manager.Close()
	p.Exec.RunPending()
	p.cancel()
	p.Pipe.Close()
	<-p.served
}

// Connect connects the device and waits for a ready session.
func (p *TestPair) Connect() *session.Session {
	p.t.Helper()
	if err := p.Manager.Connect(p.Device); err != nil {
		p.t.Fatalf("Connect() error = %v", err)
	}
	return p.WaitReady()
}

// WaitReady waits until the device's current session is ready, advancing
// the clock so reconnect timers fire.
func (p *TestPair) WaitReady() *session.Session {
	p.t.Helper()
	var s *session.Session
	p.Advance("ready session", 10*time.Millisecond, func() bool {
		cur, ok := p.Manager.Session(p.Device)
		s = cur
		return ok && cur.State() == session.StateProtocolReady
	})
	return s
}

// Updater returns the update plugin of the device's current session.
func (p *TestPair) Updater() *upgrade.Plugin {
	p.t.Helper()
	s, ok := p.Manager.Session(p.Device)
	if !ok {
		p.t.Fatal("no session")
	}
	u, ok := session.PluginAs[*upgrade.Plugin](s, session.UpdateFeature)
	if !ok {
		p.t.Fatal("no update plugin")
	}
	return u
}

// WaitFor runs posted work until cond holds, without moving the clock.
func (p *TestPair) WaitFor(what string, cond func() bool) {
	p.t.Helper()
	p.Advance(what, 0, cond)
}

// Advance runs posted work and moves the clock by step per round until
// cond holds.
func (p *TestPair) Advance(what string, step time.Duration, cond func() bool) {
	p.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.Exec.RunPending()
		if cond() {
			return
		}
		if step > 0 {
			p.Exec.Advance(step)
		}
		time.Sleep(time.Millisecond)
	}
	p.t.Fatalf("timed out waiting for %s", what)
}

// Count returns how many events of type t were published.
func (p *TestPair) Count(t manager.EventType) int {
	n := 0
	for _, ev := range p.Events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Image returns a deterministic firmware image of n bytes.
func Image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}
