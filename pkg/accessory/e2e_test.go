package accessory_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/backkem/gaia/pkg/accessory"
	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/session"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/backkem/gaia/pkg/upgrade"
)

func waitFor(t *testing.T, m *loop.Manual, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m.RunPending()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func registry(t *testing.T) *session.Registry {
	t.Helper()
	r := session.NewRegistry()
	if err := upgrade.Register(r, upgrade.Config{}); err != nil {
		t.Fatal(err)
	}
	return r
}

func openSession(t *testing.T, m *loop.Manual, conn transport.Connection, r *session.Registry) *session.Session {
	t.Helper()
	s, err := session.New(session.Config{Connection: conn, Executor: m, Registry: r})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	s.Open()
	if err := conn.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, m, "protocol ready", func() bool { return s.State() == session.StateProtocolReady })
	return s
}

func updater(t *testing.T, s *session.Session) *upgrade.Plugin {
	t.Helper()
	p, ok := session.PluginAs[*upgrade.Plugin](s, session.UpdateFeature)
	if !ok {
		t.Fatal("no update plugin")
	}
	return p
}

func image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func servePipe(e *accessory.Emulator, pipe *transport.Pipe) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- accessory.ServePipe(ctx, e, pipe.Accessory()) }()
	return func() {
		cancel()
		<-done
	}
}

func TestUpdateOverGATT(t *testing.T) {
	tests := []struct {
		name string
		rwcp bool
	}{
		{"control", false},
		{"rwcp", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipe := transport.NewPipe()
			defer pipe.Close()
			e, err := accessory.New(accessory.Config{Serials: []string{"S1"}, RequestSize: 600, ValidationPolls: 1})
			if err != nil {
				t.Fatal(err)
			}
			defer servePipe(e, pipe)()

			m := loop.NewManual()
			conn, err := transport.NewGATTConnection(transport.GATTConfig{Peripheral: pipe.Peripheral(), Executor: m})
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Disconnect()
			r := registry(t)

			s := openSession(t, m, conn, r)
			if !transport.Contains(s.Identities(), transport.SerialIdentity("S1")) {
				t.Errorf("Identities() = %v", s.Identities())
			}
			p := updater(t, s)
			file := image(1500)
			tr := upgrade.Transfer{
				Destination: s.Identities(),
				File:        file,
				Settings:    upgrade.Settings{UseRWCP: tt.rwcp, InitialWindow: 2, MaxWindow: 4},
			}
			if err := p.StartTransfer(tr); err != nil {
				t.Fatalf("StartTransfer() error = %v", err)
			}

			waitFor(t, m, "image", func() bool { return len(e.Received()) == len(file) })

			// One validation poll is answered with a delay before the
			// accessory reports the transfer complete.
			waitFor(t, m, "validation poll", func() bool {
				m.Advance(100 * time.Millisecond)
				return p.Phase() == upgrade.PhaseRestarting
			})
			waitFor(t, m, "reboot", func() bool { return s.State() == session.StateDisconnected })
			if p.Phase() != upgrade.PhaseRestarting {
				t.Errorf("Phase() = %v after reboot, want Restarting", p.Phase())
			}
			if !bytes.Equal(e.Received(), file) || e.Boots() != 1 {
				t.Fatalf("accessory received %d bytes, booted %d times", len(e.Received()), e.Boots())
			}
			dataWrites := 0
			for _, w := range e.Writes() {
				if w.Channel == transport.ChannelData {
					dataWrites++
				}
			}
			if tt.rwcp != (dataWrites > 0) {
				t.Errorf("%d data channel writes with rwcp %v", dataWrites, tt.rwcp)
			}
			s.Close()

			s = openSession(t, m, conn, r)
			p = updater(t, s)
			if err := p.Resume(tr, true); err != nil {
				t.Fatalf("Resume() error = %v", err)
			}
			waitFor(t, m, "commit", func() bool { return p.Phase() == upgrade.PhaseComplete })
			if !bytes.Equal(e.Installed(), file) {
				t.Errorf("Installed() = %d bytes, want %d", len(e.Installed()), len(file))
			}
			s.Close()
		})
	}
}

func TestSessionOverTCP(t *testing.T) {
	tests := []struct {
		version session.ProtocolVersion
	}{
		{session.VersionLegacy},
		{session.VersionCurrent},
	}
	for _, tt := range tests {
		t.Run(tt.version.String(), func(t *testing.T) {
			e, err := accessory.New(accessory.Config{Version: tt.version, Serials: []string{"L1", "R1"}})
			if err != nil {
				t.Fatal(err)
			}
			l, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- accessory.Serve(ctx, e, l) }()

			m := loop.NewManual()
			conn, err := transport.NewStreamConnection(transport.StreamConfig{
				Opener:   &transport.TCPOpener{Address: l.Addr().String()},
				Executor: m,
				Model:    "emu",
			})
			if err != nil {
				t.Fatal(err)
			}
			var events []session.Event
			s := openSession(t, m, conn, registry(t))
			s.Subscribe(func(ev session.Event) { events = append(events, ev) })

			if s.Version() != tt.version {
				t.Errorf("Version() = %v", s.Version())
			}
			if _, ok := session.PluginAs[*upgrade.Plugin](s, session.UpdateFeature); !ok {
				t.Error("update plugin not created")
			}
			if tt.version == session.VersionCurrent {
				if got := s.Serials(); len(got) != 2 || got[0] != "L1" {
					t.Errorf("Serials() = %v", got)
				}
				if err := e.AnnounceHandover(session.HandoverStatic, time.Second); err != nil {
					t.Fatal(err)
				}
				waitFor(t, m, "handover", func() bool {
					for _, ev := range events {
						if ev.Type == session.EventHandoverAboutToHappen {
							return ev.Handover.Kind == session.HandoverStatic
						}
					}
					return false
				})
			}

			s.Close()
			conn.Disconnect()
			cancel()
			<-done
		})
	}
}
