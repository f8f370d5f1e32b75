package discovery

import (
	"errors"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
)

// mockMDNSServer is a mock implementation of MDNSServer for testing.
type mockMDNSServer struct {
	shutdownCalled bool
}

func (m *mockMDNSServer) Shutdown() {
	m.shutdownCalled = true
}

// mockMDNSServerFactory is a mock implementation of MDNSServerFactory for testing.
type mockMDNSServerFactory struct {
	mu       sync.Mutex
	servers  []*mockMDNSServer
	lastArgs struct {
		instance string
		service  string
		domain   string
		port     int
		txt      []string
	}
	shouldFail bool
}

func (f *mockMDNSServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.shouldFail {
		return nil, errors.New("socket refused")
	}

	f.lastArgs.instance = instance
	f.lastArgs.service = service
	f.lastArgs.domain = domain
	f.lastArgs.port = port
	f.lastArgs.txt = txt

	server := &mockMDNSServer{}
	f.servers = append(f.servers, server)
	return server, nil
}

func TestNewAdvertiser(t *testing.T) {
	tests := []struct {
		name     string
		port     int
		wantPort int
		wantErr  bool
	}{
		{"default port", 0, DefaultPort, false},
		{"custom port", 12345, 12345, false},
		{"negative port", -1, 0, true},
		{"port too large", 70000, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adv, err := NewAdvertiser(AdvertiserConfig{Port: tt.port})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPort) {
					t.Errorf("NewAdvertiser() error = %v, want ErrInvalidPort", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAdvertiser() error = %v", err)
			}
			if adv.config.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", adv.config.Port, tt.wantPort)
			}
		})
	}
}

func TestAdvertiserStart(t *testing.T) {
	factory := &mockMDNSServerFactory{}
	adv, err := NewAdvertiser(AdvertiserConfig{Port: 9000, ServerFactory: factory})
	if err != nil {
		t.Fatal(err)
	}

	txt := AccessoryTXT{Model: "QCC", Serial: "S1", Protocol: 3}
	instance, err := adv.Start(txt)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if instance != "QCC-S1" {
		t.Errorf("instance = %q", instance)
	}
	args := factory.lastArgs
	if args.service != ServiceAccessory || args.domain != DefaultDomain || args.port != 9000 {
		t.Errorf("Register(%+v)", args)
	}
	if !reflect.DeepEqual(args.txt, txt.Encode()) {
		t.Errorf("txt = %v", args.txt)
	}
	if !adv.IsAdvertising(instance) {
		t.Error("IsAdvertising() = false")
	}

	if _, err := adv.Start(txt); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v", err)
	}

	if err := adv.Stop(instance); err != nil {
		t.Fatal(err)
	}
	if !factory.servers[0].shutdownCalled {
		t.Error("server not shut down")
	}
	if err := adv.Stop(instance); !errors.Is(err, ErrNotStarted) {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestAdvertiserStartErrors(t *testing.T) {
	factory := &mockMDNSServerFactory{shouldFail: true}
	adv, _ := NewAdvertiser(AdvertiserConfig{ServerFactory: factory})

	if _, err := adv.Start(AccessoryTXT{}); !errors.Is(err, ErrInvalidTXTRecord) {
		t.Errorf("Start(invalid) error = %v", err)
	}
	if _, err := adv.Start(AccessoryTXT{Model: "M", Serial: "S"}); err == nil {
		t.Error("Start() succeeded with a failing factory")
	}
	if adv.IsAdvertising("M-S") {
		t.Error("failed registration recorded")
	}
}

func TestAdvertiserClose(t *testing.T) {
	factory := &mockMDNSServerFactory{}
	adv, _ := NewAdvertiser(AdvertiserConfig{ServerFactory: factory})
	adv.Start(AccessoryTXT{Model: "M", Serial: "L"})
	adv.Start(AccessoryTXT{Model: "M", Serial: "R"})

	if err := adv.Close(); err != nil {
		t.Fatal(err)
	}
	for i, s := range factory.servers {
		if !s.shutdownCalled {
			t.Errorf("server %d not shut down", i)
		}
	}
	if err := adv.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := adv.Start(AccessoryTXT{Model: "M"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v", err)
	}
}

func TestInstanceName(t *testing.T) {
	if got := InstanceName(AccessoryTXT{Model: "M", Serial: "S"}); got != "M-S" {
		t.Errorf("InstanceName() = %q", got)
	}
	a := InstanceName(AccessoryTXT{Model: "M"})
	b := InstanceName(AccessoryTXT{Model: "M"})
	if !strings.HasPrefix(a, "M-") || len(a) != len("M-")+12 || a == b {
		t.Errorf("random instance names %q, %q", a, b)
	}
}
