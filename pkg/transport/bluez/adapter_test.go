package bluez

import (
	"context"
	"testing"
	"time"

	"github.com/backkem/gaia/pkg/transport"
	"github.com/godbus/dbus/v5"
)

func TestAdapter(t *testing.T) {
	bus := newFakeBus()
	a, err := NewAdapter(AdapterConfig{Bus: bus, ScanDuration: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	if !a.Available() {
		t.Error("Available() = false for a powered adapter")
	}
	bus.objects["/org/bluez/hci0"][adapterIface]["Powered"] = dbus.MakeVariant(false)
	if a.Available() {
		t.Error("Available() = true for a powered-off adapter")
	}

	devices, err := a.Devices(context.Background(), transport.ServiceUUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].Address != "AA:BB:CC:DD:EE:01" || devices[0].Name != "Left" {
		t.Errorf("Devices() = %+v", devices)
	}

	p, err := a.Peripheral(devices[0].Address, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Path() != devices[0].Path {
		t.Errorf("Peripheral path %s, device path %s", p.Path(), devices[0].Path)
	}

	a.Scan()
	deadline := time.Now().Add(time.Second)
	for bus.called(adapterIface+".StopDiscovery") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if bus.called(adapterIface+".StartDiscovery") != 1 || bus.called(adapterIface+".StopDiscovery") != 1 {
		t.Errorf("calls = %v", bus.calls)
	}
}
