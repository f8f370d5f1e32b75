package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/backkem/gaia/pkg/accessory"
	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/monitor"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/pion/logging"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		check   func(Options) bool
		wantErr bool
	}{
		{
			name:  "defaults",
			args:  nil,
			check: func(o Options) bool { return o.Transport == transportTCP && o.Address == "127.0.0.1:7357" },
		},
		{
			name:  "serial",
			args:  []string{"-transport", "serial", "-device", "/dev/rfcomm0", "-baud", "9600"},
			check: func(o Options) bool { return o.Device == "/dev/rfcomm0" && o.Baud == 9600 },
		},
		{
			name:  "log level",
			args:  []string{"-log", "debug", "-reconnect", "1s"},
			check: func(o Options) bool { return o.LogLevel == logging.LogLevelDebug && o.ReconnectDelay == time.Second },
		},
		{
			name:  "monitor",
			args:  []string{"-monitor", ":8080"},
			check: func(o Options) bool { return o.Monitor == ":8080" },
		},
		{name: "serial without device", args: []string{"-transport", "serial"}, wantErr: true},
		{name: "bluez without address", args: []string{"-transport", "bluez"}, wantErr: true},
		{name: "rwcp on stream", args: []string{"-rwcp"}, wantErr: true},
		{name: "unknown transport", args: []string{"-transport", "usb"}, wantErr: true},
		{name: "bad log level", args: []string{"-log", "loud"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := ParseFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && !tt.check(o) {
				t.Errorf("ParseFlags() = %+v", o)
			}
		})
	}
}

// drive runs m until the controller finishes.
func drive(t *testing.T, m *loop.Manual, c *controller, step time.Duration) error {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m.RunPending()
		select {
		case err := <-c.done:
			return err
		default:
		}
		m.Advance(step)
		time.Sleep(time.Millisecond)
	}
	t.Fatal("controller did not finish")
	return nil
}

func TestControllerDescribesSession(t *testing.T) {
	e, err := accessory.New(accessory.Config{Serials: []string{"L1", "R1"}})
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- accessory.Serve(ctx, e, l) }()
	defer func() {
		cancel()
		<-served
	}()

	o := DefaultOptions()
	o.Address = l.Addr().String()
	m := loop.NewManual()
	conn, _, err := newConnection(ctx, o, m, nil)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	c, err := newController(o, m, conn, nil, nil, &out, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.mgr.Close()
	if err := c.mgr.Add(conn); err != nil {
		t.Fatal(err)
	}
	if err := c.mgr.Connect(c.id); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "serials:") {
		if time.Now().After(deadline) {
			t.Fatalf("output = %q", out.String())
		}
		m.RunPending()
		time.Sleep(time.Millisecond)
	}
	for _, want := range []string{"ProtocolReady", "serials:    L1, R1", "features:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	conn.Disconnect()
	m.RunPending()
}

func TestControllerPushesImage(t *testing.T) {
	pipe := transport.NewPipe()
	defer pipe.Close()
	e, err := accessory.New(accessory.Config{Serials: []string{"S1"}, RequestSize: 500})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- accessory.ServePipe(ctx, e, pipe.Accessory()) }()
	defer func() {
		cancel()
		<-served
	}()

	m := loop.NewManual()
	conn, err := transport.NewGATTConnection(transport.GATTConfig{Peripheral: pipe.Peripheral(), Executor: m})
	if err != nil {
		t.Fatal(err)
	}
	o := DefaultOptions()
	o.ReconnectDelay = 50 * time.Millisecond
	file := make([]byte, 1200)
	for i := range file {
		file[i] = byte(i)
	}
	var out bytes.Buffer
	c, err := newController(o, m, conn, nil, file, &out, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.mgr.Close()
	if err := c.mgr.Add(conn); err != nil {
		t.Fatal(err)
	}
	if err := c.mgr.Connect(c.id); err != nil {
		t.Fatal(err)
	}

	if err := drive(t, m, c, 20*time.Millisecond); err != nil {
		t.Fatalf("update failed: %v\n%s", err, out.String())
	}
	if !bytes.Equal(e.Installed(), file) {
		t.Errorf("Installed() = %d bytes, want %d", len(e.Installed()), len(file))
	}
	for _, want := range []string{"Pushing 1200 bytes", "waiting for the accessory to restart", "update resumed", "update: Complete"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestControllerServesMonitor(t *testing.T) {
	o := DefaultOptions()
	m := loop.NewManual()
	conn, _, err := newConnection(context.Background(), o, m, nil)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	c, err := newController(o, m, conn, nil, nil, &out, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.mgr.Close()

	stop, err := c.serveMonitor("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()
	if err := c.mgr.Add(conn); err != nil {
		t.Fatal(err)
	}

	url := strings.TrimSpace(strings.TrimPrefix(out.String(), "Monitor on "))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %q failed: %v", url, err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	var msg monitor.Message
	if err := wsjson.Read(ctx, ws, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Kind != monitor.KindManager || msg.Type != "DeviceAdded" || msg.Device != string(conn.Identity()) {
		t.Errorf("first message = %+v", msg)
	}
}
