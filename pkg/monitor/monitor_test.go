package monitor

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/backkem/gaia/pkg/manager"
	"github.com/backkem/gaia/pkg/session"
	"github.com/backkem/gaia/pkg/upgrade"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newHub(config Config) *Hub {
	config.now = func() time.Time { return epoch }
	return New(config)
}

// dial connects a client to h through an in-process HTTP server.
func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var m Message
	if err := wsjson.Read(ctx, conn, &m); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return m
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Clients() = %d, want %d", h.Clients(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEventMessages(t *testing.T) {
	h := newHub(Config{})
	h.ManagerEvent(manager.Event{
		Type:    manager.EventSessionStateChanged,
		Device:  "bt:AA:BB:CC:DD:EE:01",
		Session: session.ID(7),
		State:   session.StateProtocolReady,
	})
	h.ManagerEvent(manager.Event{Type: manager.EventReconnectScheduled, Device: "bt:AA:BB:CC:DD:EE:01", Delay: 3 * time.Second})
	h.UpdateEvent(upgrade.Event{Type: upgrade.EventPhaseChanged, Phase: upgrade.PhaseAborted, Err: errors.New("disconnected")})

	got := h.Backlog()
	want := []Message{
		{Time: epoch, Kind: KindManager, Type: "SessionStateChanged", Device: "bt:AA:BB:CC:DD:EE:01", Session: 7, State: "ProtocolReady"},
		{Time: epoch, Kind: KindManager, Type: "ReconnectScheduled", Device: "bt:AA:BB:CC:DD:EE:01", Delay: "3s"},
		{Time: epoch, Kind: KindUpdate, Type: "PhaseChanged", Phase: "Aborted", Error: "disconnected"},
	}
	if len(got) != len(want) {
		t.Fatalf("Backlog() = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestBacklogBounded(t *testing.T) {
	h := newHub(Config{Backlog: 2})
	for i := 1; i <= 3; i++ {
		h.Publish(Message{Kind: KindUpdate, Type: "Progress", Sent: i})
	}
	got := h.Backlog()
	if len(got) != 2 || got[0].Sent != 2 || got[1].Sent != 3 {
		t.Errorf("Backlog() = %+v", got)
	}
}

func TestClientReceivesBacklogThenLive(t *testing.T) {
	h := newHub(Config{})
	defer h.Close()
	h.Publish(Message{Kind: KindManager, Type: "DeviceAdded", Device: "stream:emu:L1"})

	conn := dial(t, h)
	if m := read(t, conn); m.Type != "DeviceAdded" || m.Device != "stream:emu:L1" {
		t.Errorf("backlog message = %+v", m)
	}
	waitClients(t, h, 1)

	h.UpdateEvent(upgrade.Event{Type: upgrade.EventProgress, Phase: upgrade.PhaseTransferring, Sent: 600, Total: 1500})
	if m := read(t, conn); m.Kind != KindUpdate || m.Sent != 600 || m.Total != 1500 || m.Phase != "Transferring" {
		t.Errorf("live message = %+v", m)
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	h := newHub(Config{})
	conn := dial(t, h)
	waitClients(t, h, 1)

	h.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var m Message
	err := wsjson.Read(ctx, conn, &m)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("read after Close() error = %v, want going away", err)
	}
	waitClients(t, h, 0)
	h.Publish(Message{Type: "ignored"})
	if len(h.Backlog()) != 0 {
		t.Error("closed hub kept a message")
	}
}

func TestSlowClientDropped(t *testing.T) {
	h := newHub(Config{QueueLength: 1})
	defer h.Close()
	dial(t, h)
	waitClients(t, h, 1)

	// Nothing reads, so the server's writes back up and the queue fills.
	for i := 0; i < 10000 && h.Clients() == 1; i++ {
		h.Publish(Message{Kind: KindUpdate, Type: "Progress", Sent: i, Error: strings.Repeat("x", 512)})
	}
	waitClients(t, h, 0)
}
