package replay

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/transport"
)

type recorder struct {
	events []transport.Event
}

func (r *recorder) handle(ev transport.Event) { r.events = append(r.events, ev) }

func (r *recorder) count(typ transport.EventType) int {
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) received() [][]byte {
	var out [][]byte
	for _, ev := range r.events {
		if ev.Type == transport.EventDataReceived {
			out = append(out, ev.Data)
		}
	}
	return out
}

func newConn(t *testing.T, text string) (*Conn, *loop.Manual, *recorder) {
	t.Helper()
	s, err := Parse(strings.NewReader(text))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	m := loop.NewManual()
	c, err := NewConn(Config{Script: s, Executor: m, Name: "test"})
	if err != nil {
		t.Fatalf("NewConn() error = %v", err)
	}
	rec := &recorder{}
	c.SetHandler(rec.handle)
	return c, m, rec
}

// ready connects c and starts it once the script accepted the connection.
func ready(t *testing.T, c *Conn, m *loop.Manual) {
	t.Helper()
	c.Connect()
	m.RunPending()
	if c.State() != transport.StateUninitialised {
		t.Fatalf("State() after connect = %v", c.State())
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	m.RunPending()
	if c.State() != transport.StateReady {
		t.Fatalf("State() after start = %v", c.State())
	}
}

func TestConnConfig(t *testing.T) {
	if _, err := NewConn(Config{Executor: loop.NewManual()}); err == nil {
		t.Error("NewConn() without a script succeeded")
	}
	if _, err := NewConn(Config{Script: &Script{}}); err == nil {
		t.Error("NewConn() without an executor succeeded")
	}

	c, err := NewConn(Config{Script: &Script{}, Executor: loop.NewManual()})
	if err != nil {
		t.Fatal(err)
	}
	if c.Identity() != "replay:replay" || c.Kind() != transport.KindGATT {
		t.Errorf("Identity() = %v, Kind() = %v", c.Identity(), c.Kind())
	}
	if c.MaxSendSize() != transport.MaxGATTWriteLength {
		t.Errorf("MaxSendSize() = %d", c.MaxSendSize())
	}
}

func TestConnEcho(t *testing.T) {
	s, err := ParseFile("testdata/echo.gaia")
	if err != nil {
		t.Fatal(err)
	}
	m := loop.NewManual()
	c, err := NewConn(Config{Script: s, Executor: m})
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	c.SetHandler(rec.handle)
	ready(t, c, m)

	if err := c.Send(transport.ChannelCommand, []byte{0x06, 0x43}, true); err != nil {
		t.Fatal(err)
	}
	m.RunPending()
	if got := rec.received(); len(got) != 1 || !bytes.Equal(got[0], []byte{0x86, 0x43, 0x00}) {
		t.Fatalf("received %X, want the response", got)
	}
	if c.Position() != 3 {
		t.Fatalf("Position() = %d, want 3 while waiting for data", c.Position())
	}

	c.AcknowledgementReceived()
	c.Send(transport.ChannelData, []byte{1, 2, 3}, false)
	m.RunPending()
	if err := c.Verify(); err != nil {
		t.Fatal(err)
	}
	if got := rec.received(); len(got) != 2 || got[1][0] != 1 {
		t.Errorf("received %X, want the echoed data", got)
	}
	if rec.count(transport.EventDidSendData) != 2 {
		t.Errorf("DidSendData events = %d, want 2", rec.count(transport.EventDidSendData))
	}
	if c.Identity() != "replay:echo" {
		t.Errorf("Identity() = %v", c.Identity())
	}
}

func TestConnMismatch(t *testing.T) {
	c, m, _ := newConn(t, "C\nW 01 02\nWD 03\n")
	ready(t, c, m)

	c.Send(transport.ChannelCommand, []byte{0x01, 0xFF}, false)
	c.Send(transport.ChannelCommand, []byte{0x03}, false)
	c.Send(transport.ChannelCommand, []byte{0x04}, false)
	m.RunPending()

	if got := c.Mismatches(); len(got) != 2 {
		t.Fatalf("Mismatches() = %v, want payload and channel mismatch", got)
	}
	err := c.Verify()
	if err == nil || !strings.Contains(err.Error(), "unexpected") {
		t.Errorf("Verify() = %v, want leftover write reported", err)
	}
}

func TestConnVerifyUnfinished(t *testing.T) {
	c, m, _ := newConn(t, "C\nW 01\n")
	ready(t, c, m)
	err := c.Verify()
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Verify() = %v, want stop at line 2", err)
	}
}

func TestConnDelayAndTimeout(t *testing.T) {
	c, m, rec := newConn(t, "C\nW 01\nT 5000\nR 81 00 00\n")
	ready(t, c, m)

	c.Send(transport.ChannelCommand, []byte{0x01}, true)
	m.RunPending()
	if m.PendingTimers() != 2 {
		t.Fatalf("PendingTimers() = %d, want ack timeout and delay", m.PendingTimers())
	}

	m.Advance(transport.DefaultCommandTimeout)
	if rec.count(transport.EventWriteTimedOut) != 1 {
		t.Fatalf("WriteTimedOut events = %d, want 1", rec.count(transport.EventWriteTimedOut))
	}
	if len(rec.received()) != 0 {
		t.Fatal("response delivered before the delay elapsed")
	}

	m.Advance(2 * time.Second)
	if len(rec.received()) != 1 {
		t.Errorf("response not delivered after delay")
	}
	if err := c.Verify(); err != nil {
		t.Error(err)
	}
}

func TestConnErrors(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		c, m, _ := newConn(t, "E refused\nC\n")
		c.Connect()
		m.RunPending()
		var se *transport.SystemError
		if c.State() != transport.StateDisconnected || !errors.As(c.Err(), &se) {
			t.Fatalf("State() = %v, Err() = %v", c.State(), c.Err())
		}
		// A second attempt reaches the C step.
		c.Connect()
		m.RunPending()
		if c.State() != transport.StateUninitialised {
			t.Errorf("State() after retry = %v", c.State())
		}
	})

	t.Run("link loss", func(t *testing.T) {
		c, m, rec := newConn(t, "C\nT 10\nE reset by peer\n")
		ready(t, c, m)
		m.Advance(10 * time.Millisecond)
		if c.State() != transport.StateDisconnected || c.Err() == nil {
			t.Fatalf("State() = %v, Err() = %v", c.State(), c.Err())
		}
		if err := c.Send(transport.ChannelCommand, []byte{1}, false); !errors.Is(err, transport.ErrNotReady) {
			t.Errorf("Send() after loss error = %v", err)
		}
		if rec.count(transport.EventStateChanged) < 4 {
			t.Errorf("state events = %d", rec.count(transport.EventStateChanged))
		}
	})

	t.Run("too large", func(t *testing.T) {
		c, m, _ := newConn(t, "C\n")
		ready(t, c, m)
		big := make([]byte, transport.MaxGATTWriteLength+1)
		if err := c.Send(transport.ChannelCommand, big, false); !errors.Is(err, transport.ErrMessageTooLarge) {
			t.Errorf("Send() error = %v", err)
		}
		c.TransportParametersReceived(transport.TransportParameters{MaxSend: 1000, OptimumSend: 1000, MaxReceive: 1000})
		if err := c.Send(transport.ChannelCommand, big, false); err != nil {
			t.Errorf("Send() after raising MaxSend error = %v", err)
		}
	})
}
