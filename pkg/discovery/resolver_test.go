package discovery

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/grandcat/zeroconf"
	"github.com/pion/transport/v3/test"
)

func newMockResolver(t *testing.T, mock *MockMDNSResolver) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverConfig{MDNSResolver: mock, BrowseTimeout: time.Second, LookupTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func collect(ch <-chan Accessory) []Accessory {
	var out []Accessory
	for a := range ch {
		out = append(out, a)
	}
	return out
}

func TestResolverBrowse(t *testing.T) {
	defer test.CheckRoutines(t)()

	mock := NewMockMDNSResolver()
	mock.RegisterService(ServiceAccessory, MockAccessoryService(AccessoryTXT{Model: "M", Serial: "L1", Protocol: 3}, 7000,
		net.ParseIP("fe80::1"), net.ParseIP("192.168.1.5")))
	mock.RegisterService(ServiceAccessory, &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "broken", Service: ServiceAccessory},
		Text:          []string{"serial=X"},
	})
	mock.RegisterService("_other._tcp", MockAccessoryService(AccessoryTXT{Model: "Other"}, 1))

	found, err := newMockResolver(t, mock).Browse(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := collect(found)
	if len(got) != 1 {
		t.Fatalf("Browse() = %+v, want one accessory", got)
	}
	acc := got[0]
	if acc.InstanceName != "M-L1" || acc.TXT.Protocol != 3 || acc.Text[TXTKeySerial] != "L1" {
		t.Errorf("accessory = %+v", acc)
	}
	if acc.Identity() != transport.StreamIdentity("M", "L1") {
		t.Errorf("Identity() = %s", acc.Identity())
	}
	addr, err := acc.Address()
	if err != nil || addr != "192.168.1.5:7000" {
		t.Errorf("Address() = %q, %v", addr, err)
	}
}

func TestResolverBrowseCancel(t *testing.T) {
	defer test.CheckRoutines(t)()

	mock := NewMockMDNSResolver()
	mock.Hold = true
	mock.RegisterService(ServiceAccessory, MockAccessoryService(AccessoryTXT{Model: "M", Serial: "L1"}, 7000, net.ParseIP("10.0.0.1")))

	ctx, cancel := context.WithCancel(context.Background())
	found, err := newMockResolver(t, mock).Browse(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a, ok := <-found; !ok || a.TXT.Serial != "L1" {
		t.Fatalf("first result = %+v, %v", a, ok)
	}
	cancel()
	if _, ok := <-found; ok {
		t.Error("Browse() kept delivering after cancel")
	}
}

func TestResolverLookup(t *testing.T) {
	mock := NewMockMDNSResolver()
	mock.RegisterService(ServiceAccessory, MockAccessoryService(AccessoryTXT{Model: "M", Serial: "L1"}, 7000, net.ParseIP("10.0.0.1")))
	mock.RegisterService(ServiceAccessory, MockAccessoryService(AccessoryTXT{Model: "M", Serial: "R1"}, 7001, net.ParseIP("10.0.0.2")))
	r := newMockResolver(t, mock)

	acc, err := r.Lookup(context.Background(), "M-R1")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Port != 7001 || acc.TXT.Serial != "R1" {
		t.Errorf("Lookup() = %+v", acc)
	}

	if _, err := r.Lookup(context.Background(), "M-none"); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Lookup(missing) error = %v", err)
	}

	mock.Hold = true
	if _, err := r.Lookup(context.Background(), "M-none"); !errors.Is(err, ErrTimeout) {
		t.Errorf("Lookup(held) error = %v, want ErrTimeout", err)
	}
}

func TestResolverFind(t *testing.T) {
	defer test.CheckRoutines(t)()

	mock := NewMockMDNSResolver()
	mock.Hold = true
	mock.RegisterService(ServiceAccessory, MockAccessoryService(AccessoryTXT{Model: "M", Serial: "L1"}, 7000, net.ParseIP("10.0.0.1")))
	mock.RegisterService(ServiceAccessory, MockAccessoryService(AccessoryTXT{Model: "M", Serial: "R1"}, 7001, net.ParseIP("10.0.0.2")))
	r := newMockResolver(t, mock)

	acc, err := r.Find(context.Background(), "R1")
	if err != nil {
		t.Fatal(err)
	}
	if acc.InstanceName != "M-R1" {
		t.Errorf("Find() = %+v", acc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Find(ctx, "nope"); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Find(missing) error = %v", err)
	}
}

func TestAccessoryOpener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	acc := Accessory{Port: port, IPs: []net.IP{net.ParseIP("127.0.0.1")}, TXT: AccessoryTXT{Model: "M", Serial: "S"}}
	cfg, err := acc.StreamConfig(loop.NewManual(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "M" || cfg.Serial != "S" {
		t.Errorf("StreamConfig() = %+v", cfg)
	}

	accepted := make(chan []byte, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		defer c.Close()
		buf := make([]byte, 3)
		io.ReadFull(c, buf)
		accepted <- buf
	}()

	rwc, err := cfg.Opener.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	rwc.Write([]byte("abc"))
	if got := <-accepted; string(got) != "abc" {
		t.Errorf("peer read %q", got)
	}
	rwc.Close()

	if _, err := (&Accessory{}).Opener(); !errors.Is(err, ErrNoAddresses) {
		t.Errorf("Opener() without addresses error = %v", err)
	}
}
