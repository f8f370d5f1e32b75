package discovery_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/backkem/gaia/pkg/accessory"
	"github.com/backkem/gaia/pkg/discovery"
	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/session"
	"github.com/backkem/gaia/pkg/transport"
)

// An advertised emulator is found by serial and reaches a ready session
// under the identity its TXT record promised.
func TestDiscoveredEmulatorSession(t *testing.T) {
	e, err := accessory.New(accessory.Config{Serials: []string{"L1"}})
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- accessory.Serve(ctx, e, l) }()

	mock := discovery.NewMockMDNSResolver()
	mock.Hold = true
	txt := discovery.AccessoryTXT{Model: "emu", Serial: "L1", Protocol: 3}
	mock.RegisterService(discovery.ServiceAccessory, discovery.MockAccessoryService(txt, l.Addr().(*net.TCPAddr).Port, net.ParseIP("127.0.0.1")))

	r, err := discovery.NewResolver(discovery.ResolverConfig{MDNSResolver: mock})
	if err != nil {
		t.Fatal(err)
	}
	acc, err := r.Find(ctx, "L1")
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}

	m := loop.NewManual()
	cfg, err := acc.StreamConfig(m, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := transport.NewStreamConnection(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s, err := session.New(session.Config{Connection: conn, Executor: m})
	if err != nil {
		t.Fatal(err)
	}
	s.Open()
	if err := conn.Connect(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.State() != session.StateProtocolReady && time.Now().Before(deadline) {
		m.RunPending()
		time.Sleep(time.Millisecond)
	}
	if s.State() != session.StateProtocolReady {
		t.Fatalf("session state = %v", s.State())
	}
	if conn.Identity() != acc.Identity() {
		t.Errorf("connection identity %s, advertised %s", conn.Identity(), acc.Identity())
	}
	if !transport.Contains(s.Identities(), transport.SerialIdentity("L1")) {
		t.Errorf("Identities() = %v", s.Identities())
	}

	s.Close()
	conn.Disconnect()
	cancel()
	<-served
}
