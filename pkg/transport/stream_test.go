package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/backkem/gaia/pkg/loop"
)

// pipeOpener hands out one net.Pipe per Open and exposes the accessory ends.
type pipeOpener struct {
	mu      sync.Mutex
	fail    error
	opens   int
	servers chan net.Conn
}

func newPipeOpener() *pipeOpener {
	return &pipeOpener{servers: make(chan net.Conn, 8)}
}

func (o *pipeOpener) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.fail != nil {
		return nil, o.fail
	}
	client, server := net.Pipe()
	o.servers <- server
	return client, nil
}

func (o *pipeOpener) setFail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail = err
}

func (o *pipeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// readFrames decodes frames written by the host on server.
func readFrames(server net.Conn) <-chan []byte {
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		var f StreamFramer
		buf := make([]byte, 512)
		for {
			n, err := server.Read(buf)
			for _, frame := range f.Feed(buf[:n]) {
				out <- frame
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

func nextFrame(t *testing.T, m *loop.Manual, frames <-chan []byte) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.RunPending()
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatal("stream closed while waiting for frame")
			}
			return f
		case <-time.After(time.Millisecond):
		}
	}
	t.Fatal("timed out waiting for frame")
	return nil
}

func newTestStream(t *testing.T, opener StreamOpener) (*StreamConnection, *loop.Manual, *eventLog) {
	t.Helper()
	m := loop.NewManual()
	conn, err := NewStreamConnection(StreamConfig{
		Opener:   opener,
		Executor: m,
		Model:    "Buds",
		Serial:   "1234",
	})
	if err != nil {
		t.Fatalf("NewStreamConnection() error = %v", err)
	}
	log := &eventLog{}
	conn.SetHandler(log.handle)
	return conn, m, log
}

func startStream(t *testing.T, conn *StreamConnection, m *loop.Manual) {
	t.Helper()
	conn.Connect()
	waitFor(t, m, "uninitialised", func() bool { return conn.State() == StateUninitialised })
	if err := conn.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if conn.State() != StateReady {
		t.Fatalf("State() after Start = %v, want Ready", conn.State())
	}
}

func TestStreamConnectionRoundtrip(t *testing.T) {
	opener := newPipeOpener()
	conn, m, log := newTestStream(t, opener)
	startStream(t, conn, m)
	defer conn.Disconnect()

	if conn.Identity() != "stream:Buds:1234" {
		t.Errorf("Identity() = %q", conn.Identity())
	}

	server := <-opener.servers
	frames := readFrames(server)

	if err := conn.Send(ChannelCommand, []byte{0x00, 0x0A, 0x03, 0x00}, true); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := nextFrame(t, m, frames); len(got) != 4 || got[2] != 0x03 {
		t.Errorf("accessory received % X", got)
	}

	// Noise plus a response split across writes.
	var f StreamFramer
	reply, _ := f.Encode([]byte{0x00, 0x0A, 0x83, 0x00, 0x01})
	go func() {
		server.Write([]byte{0x13, 0x37})
		server.Write(reply[:3])
		server.Write(reply[3:])
	}()

	waitFor(t, m, "response", func() bool { return countEvents(log, EventDataReceived) == 1 })
	ev, _ := log.last(EventDataReceived)
	if ev.Channel != ChannelResponse || len(ev.Data) != 5 {
		t.Errorf("received %v % X, want 5 byte response", ev.Channel, ev.Data)
	}
}

func TestStreamConnectionReopen(t *testing.T) {
	opener := newPipeOpener()
	conn, m, log := newTestStream(t, opener)
	startStream(t, conn, m)
	defer conn.Disconnect()

	first := <-opener.servers
	first.Close()

	waitFor(t, m, "reopen scheduled", func() bool { return m.PendingTimers() == 1 })
	if conn.State() != StateReady {
		t.Fatalf("State() during reopen = %v, want Ready", conn.State())
	}

	// Writes issued while the stream is down are held, not dropped.
	if err := conn.Send(ChannelCommand, []byte("held"), false); err != nil {
		t.Fatalf("Send() during reopen error = %v", err)
	}

	m.Advance(DefaultReopenDelay)
	var second net.Conn
	waitFor(t, m, "second open", func() bool {
		select {
		case second = <-opener.servers:
			return true
		default:
			return false
		}
	})

	if got := nextFrame(t, m, readFrames(second)); string(got) != "held" {
		t.Errorf("frame after reopen = %q, want held", got)
	}
	for _, ev := range log.events {
		if ev.Type == EventStateChanged && ev.State == StateDisconnected {
			t.Error("transparent reopen reported a disconnect")
		}
	}
}

func TestStreamConnectionReopenExhausted(t *testing.T) {
	opener := newPipeOpener()
	conn, m, log := newTestStream(t, opener)
	startStream(t, conn, m)

	opener.setFail(errors.New("no route"))
	(<-opener.servers).Close()

	for i := 0; i < DefaultReopenAttempts; i++ {
		waitFor(t, m, "reopen scheduled", func() bool { return m.PendingTimers() == 1 })
		m.Advance(DefaultReopenDelay)
		want := i + 2
		waitFor(t, m, "open attempt", func() bool { return opener.openCount() == want })
	}

	waitFor(t, m, "disconnected", func() bool { return conn.State() == StateDisconnected })
	ev, _ := log.last(EventStateChanged)
	if !errors.Is(ev.Err, ErrStreamClosed) {
		t.Errorf("disconnect error = %v, want ErrStreamClosed", ev.Err)
	}
}

func TestStreamConnectionExtendedFraming(t *testing.T) {
	opener := newPipeOpener()
	conn, m, _ := newTestStream(t, opener)
	startStream(t, conn, m)
	defer conn.Disconnect()

	payload := make([]byte, 600)
	if err := conn.Send(ChannelData, payload, false); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("Send(600) before negotiation error = %v, want ErrMessageTooLarge", err)
	}

	conn.TransportParametersReceived(TransportParameters{MaxSend: 1024, OptimumSend: 800, MaxReceive: 1024})
	if conn.MaxSendSize() != 1024 || conn.OptimumSendSize() != 800 {
		t.Fatalf("sizes = %d/%d, want 1024/800", conn.MaxSendSize(), conn.OptimumSendSize())
	}

	server := <-opener.servers
	frames := readFrames(server)
	if err := conn.Send(ChannelData, payload, false); err != nil {
		t.Fatalf("Send(600) error = %v", err)
	}
	if got := nextFrame(t, m, frames); len(got) != 600 {
		t.Errorf("frame length = %d, want 600", len(got))
	}
}

func TestStreamConnectionOpenFailure(t *testing.T) {
	opener := newPipeOpener()
	opener.setFail(errors.New("refused"))
	conn, m, log := newTestStream(t, opener)

	conn.Connect()
	waitFor(t, m, "failed open", func() bool { return countEvents(log, EventStateChanged) == 1 })
	if conn.State() != StateDisconnected {
		t.Errorf("State() = %v, want Disconnected", conn.State())
	}
	var se *SystemError
	if !errors.As(conn.Err(), &se) {
		t.Errorf("Err() = %v, want SystemError", conn.Err())
	}
}
