package upgrade

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/message"
	"github.com/backkem/gaia/pkg/rwcp"
	"github.com/backkem/gaia/pkg/session"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/pion/logging"
)

type sentCommand struct {
	id      message.CommandID
	payload []byte
}

// fakeConn provides the sizing methods the plugin reads. Anything else
// panics through the nil embedded interface.
type fakeConn struct {
	transport.Connection
	kind   transport.Kind
	params transport.TransportParameters
}

func (c *fakeConn) Kind() transport.Kind         { return c.kind }
func (c *fakeConn) MaxSendSize() int             { return c.params.MaxSend }
func (c *fakeConn) OptimumSendSize() int         { return c.params.OptimumSend }
func (c *fakeConn) MaxReceiveSize() int          { return c.params.MaxReceive }
func (c *fakeConn) Identity() transport.Identity { return "gatt:fake" }

func (c *fakeConn) TransportParametersReceived(p transport.TransportParameters) {
	c.params = p
}

type fakeHost struct {
	m        *loop.Manual
	conn     *fakeConn
	version  session.ProtocolVersion
	commands []sentCommand
	data     [][]byte
	ready    int
}

func newFakeHost(version session.ProtocolVersion, kind transport.Kind) *fakeHost {
	return &fakeHost{
		m:       loop.NewManual(),
		version: version,
		conn: &fakeConn{kind: kind, params: transport.TransportParameters{
			MaxSend: 254, OptimumSend: 254, MaxReceive: 254,
		}},
	}
}

func (h *fakeHost) Handle() session.PluginHandle {
	return session.PluginHandle{Session: 1, Feature: session.UpdateFeature}
}

func (h *fakeHost) Executor() loop.Executor              { return h.m }
func (h *fakeHost) LoggerFactory() logging.LoggerFactory { return logging.NewDefaultLoggerFactory() }
func (h *fakeHost) Version() session.ProtocolVersion     { return h.version }
func (h *fakeHost) Connection() transport.Connection     { return h.conn }
func (h *fakeHost) Identities() []transport.Identity     { return nil }
func (h *fakeHost) SignalReady()                         { h.ready++ }

func (h *fakeHost) SendCommand(id message.CommandID, payload []byte) error {
	h.commands = append(h.commands, sentCommand{id: id, payload: append([]byte(nil), payload...)})
	return nil
}

func (h *fakeHost) SendData(payload []byte) error {
	h.data = append(h.data, append([]byte(nil), payload...))
	return nil
}

func (h *fakeHost) take() []sentCommand {
	out := h.commands
	h.commands = nil
	return out
}

// harness plays the accessory against one plugin.
type harness struct {
	t      *testing.T
	h      *fakeHost
	p      *Plugin
	cmds   Commands
	events []Event
}

func newHarness(t *testing.T, version session.ProtocolVersion, kind transport.Kind) *harness {
	t.Helper()
	h := newFakeHost(version, kind)
	hs := &harness{t: t, h: h, p: New(h, Config{}), cmds: CommandsFor(version)}
	hs.p.Subscribe(func(ev Event) { hs.events = append(hs.events, ev) })

	hs.p.Start()
	hs.expect(hs.cmds.TransportInfo)
	hs.p.ResponseReceived(message.Response{ID: hs.cmds.TransportInfo, Payload: EncodeTransportInfo(transport.TransportParameters{
		Version: 1, MaxSend: 254, OptimumSend: 254, MaxReceive: 254,
	})})
	if !hs.p.Ready() || h.ready != 1 {
		t.Fatalf("Ready() = %v, SignalReady calls = %d", hs.p.Ready(), h.ready)
	}
	return hs
}

// expect asserts exactly one command to id was sent and returns its payload.
func (hs *harness) expect(id message.CommandID) []byte {
	hs.t.Helper()
	got := hs.h.take()
	if len(got) != 1 || got[0].id != id {
		hs.t.Fatalf("sent %v, want one %v", got, id)
	}
	return got[0].payload
}

// expectPDU asserts one control command carrying op was sent and returns
// the PDU.
func (hs *harness) expectPDU(op Opcode) PDU {
	hs.t.Helper()
	pdu, err := DecodePDU(hs.expect(hs.cmds.Control))
	if err != nil {
		hs.t.Fatal(err)
	}
	if pdu.Op != op {
		hs.t.Fatalf("sent %v, want %v", pdu, op)
	}
	return pdu
}

func (hs *harness) ack(id message.CommandID) {
	hs.p.ResponseReceived(message.Response{ID: id})
}

func (hs *harness) ackControl() { hs.ack(hs.cmds.Control) }

func (hs *harness) notify(pdu PDU) {
	hs.p.ResponseReceived(message.Notification{ID: hs.cmds.Data, Payload: pdu.Encode()})
}

func (hs *harness) phase(want Phase) {
	hs.t.Helper()
	if got := hs.p.Phase(); got != want {
		hs.t.Fatalf("Phase() = %v, want %v (err %v)", got, want, hs.p.Err())
	}
}

// start runs a transfer up to the first DATA_BYTES_REQ.
func (hs *harness) start(tr Transfer, point ResumePoint) {
	hs.t.Helper()
	if err := hs.p.StartTransfer(tr); err != nil {
		hs.t.Fatal(err)
	}
	hs.connectAndSync(tr, point)
}

func (hs *harness) connectAndSync(tr Transfer, point ResumePoint) {
	hs.t.Helper()
	hs.phase(PhaseConnecting)
	hs.expect(hs.cmds.Connect)
	hs.ack(hs.cmds.Connect)
	if hs.p.useRWCP {
		if ep := hs.expect(hs.cmds.DataEndpoint); !bytes.Equal(ep, []byte{byte(EndpointRWCP)}) {
			hs.t.Fatalf("data endpoint payload % X", ep)
		}
		hs.ack(hs.cmds.DataEndpoint)
	}

	hs.phase(PhaseSyncing)
	sync := hs.expectPDU(OpSyncReq)
	if got := binary.BigEndian.Uint32(sync.Data); got != tr.FileID() {
		hs.t.Fatalf("SYNC_REQ file id %08x, want %08x", got, tr.FileID())
	}
	hs.ackControl()
	hs.notify(SyncConfirm(point, tr.FileID()))
	hs.expectPDU(OpStartReq)
	hs.ackControl()
	hs.notify(PDU{Op: OpStartCfm, Data: []byte{StatusSuccess}})
}

func image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func countEvents(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestPluginReadyHandshake(t *testing.T) {
	tests := []struct {
		name    string
		version session.ProtocolVersion
		want    message.CommandID
	}{
		{"current", session.VersionCurrent, message.CommandID{Feature: session.UpdateFeature, Command: 0x0003}},
		{"legacy", session.VersionLegacy, message.CommandID{Command: 0x0643}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newFakeHost(tc.version, transport.KindGATT)
			p := New(h, Config{})
			p.Start()
			if got := h.take(); len(got) != 1 || got[0].id != tc.want {
				t.Fatalf("sent %v, want %v", got, tc.want)
			}
			p.ResponseReceived(message.Response{ID: tc.want, Payload: []byte{1, 0x00, 0x80, 0x00, 0x40, 0x01, 0x00}})
			if h.ready != 1 {
				t.Fatal("SignalReady not called")
			}
			if h.conn.params.MaxSend != 128 || h.conn.params.OptimumSend != 64 || h.conn.params.MaxReceive != 256 {
				t.Errorf("transport parameters = %+v", h.conn.params)
			}
		})
	}

	t.Run("rejected", func(t *testing.T) {
		h := newFakeHost(session.VersionCurrent, transport.KindGATT)
		p := New(h, Config{})
		p.Start()
		p.ResponseReceived(message.Error{ID: CurrentCommands.TransportInfo, Code: 1})
		if h.ready != 1 || !p.Ready() {
			t.Error("plugin not ready after rejected transport info")
		}
		if h.conn.params.MaxSend != 254 {
			t.Errorf("parameters changed: %+v", h.conn.params)
		}
	})
}

func TestPluginTransferOverControl(t *testing.T) {
	hs := newHarness(t, session.VersionCurrent, transport.KindGATT)
	tr := Transfer{
		Destination: []transport.Identity{"gatt:fake"},
		Settings:    Settings{ChunkSize: 40},
		File:        image(100),
	}
	hs.start(tr, ResumeData)
	hs.phase(PhaseTransferring)
	hs.expectPDU(OpStartDataReq)
	hs.ackControl()

	hs.notify(DataBytesRequest(100, 0))
	var got []byte
	for i, want := range []int{40, 40, 20} {
		pdu := hs.expectPDU(OpData)
		last, chunk, err := ParseDataPacket(pdu.Data)
		if err != nil {
			t.Fatal(err)
		}
		if len(chunk) != want || last != (i == 2) {
			t.Fatalf("chunk %d: %d bytes last=%v, want %d", i, len(chunk), last, want)
		}
		got = append(got, chunk...)
		hs.ackControl()
	}
	if !bytes.Equal(got, tr.File) {
		t.Error("sent bytes differ from the image")
	}
	if sent, total := hs.p.Progress(); sent != 100 || total != 100 {
		t.Errorf("Progress() = %d/%d", sent, total)
	}
	if countEvents(hs.events, EventProgress) != 3 {
		t.Errorf("progress events = %d, want 3", countEvents(hs.events, EventProgress))
	}

	hs.phase(PhaseValidating)
	hs.expectPDU(OpIsValidationDoneReq)
	hs.ackControl()
	hs.notify(ValidationDoneConfirm(200 * time.Millisecond))
	if len(hs.h.take()) != 0 {
		t.Fatal("polled before the delay")
	}
	hs.h.m.Advance(200 * time.Millisecond)
	hs.expectPDU(OpIsValidationDoneReq)
	hs.ackControl()

	hs.notify(PDU{Op: OpTransferCompleteInd})
	hs.phase(PhaseRestarting)
	res := hs.expectPDU(OpTransferCompleteRes)
	if !bytes.Equal(res.Data, []byte{ActionContinue}) {
		t.Errorf("TRANSFER_COMPLETE_RES body % X", res.Data)
	}
	hs.ackControl()

	// The reboot drops the link; the transfer stays resumable.
	hs.p.Stop()
	hs.phase(PhaseRestarting)
	ongoing, ok := hs.p.OngoingTransfer()
	if !ok || !bytes.Equal(ongoing.File, tr.File) || ongoing.Settings != tr.Settings {
		t.Errorf("OngoingTransfer() = %+v, %v", ongoing.Settings, ok)
	}
}

func TestPluginDataRequestSkip(t *testing.T) {
	hs := newHarness(t, session.VersionCurrent, transport.KindStream)
	tr := Transfer{File: image(300)}
	hs.start(tr, ResumeData)
	hs.expectPDU(OpStartDataReq)
	hs.ackControl()

	// The accessory already holds the first 250 bytes.
	hs.notify(DataBytesRequest(50, 250))
	pdu := hs.expectPDU(OpData)
	last, chunk, _ := ParseDataPacket(pdu.Data)
	if !last || !bytes.Equal(chunk, tr.File[250:]) {
		t.Errorf("chunk = %d bytes last=%v, want the tail", len(chunk), last)
	}

	// One write is 254 bytes; frame, PDU and DATA headers come off.
	limit := 254 - message.CurrentHeaderSize - PDUHeaderSize - DataHeaderSize
	if got := hs.p.chunkLimit(); got != limit {
		t.Errorf("chunkLimit() = %d, want %d", got, limit)
	}
}

func TestPluginResumeAfterReboot(t *testing.T) {
	tr := Transfer{File: image(64)}

	t.Run("previous transfer completed", func(t *testing.T) {
		hs := newHarness(t, session.VersionCurrent, transport.KindGATT)
		if err := hs.p.Resume(tr, true); err != nil {
			t.Fatal(err)
		}
		hs.connectAndSync(tr, ResumePostReboot)
		hs.phase(PhaseCommitting)
		hs.expectPDU(OpProceedToCommit)
		hs.ackControl()

		hs.notify(PDU{Op: OpCommitReq})
		cfm := hs.expectPDU(OpCommitCfm)
		if !bytes.Equal(cfm.Data, []byte{ActionContinue}) {
			t.Errorf("COMMIT_CFM body % X", cfm.Data)
		}
		hs.ackControl()

		hs.notify(PDU{Op: OpCompleteInd})
		hs.phase(PhaseComplete)
		hs.expect(hs.cmds.Disconnect)
		if hs.p.IsUpdating() {
			t.Error("IsUpdating() after completion")
		}
	})

	t.Run("commit waits for the caller", func(t *testing.T) {
		hs := newHarness(t, session.VersionCurrent, transport.KindGATT)
		hs.p.Resume(tr, false)
		hs.connectAndSync(tr, ResumePostReboot)
		hs.expectPDU(OpProceedToCommit)
		hs.ackControl()

		if err := hs.p.Commit(); !errors.Is(err, ErrNoTransfer) {
			t.Errorf("Commit() before request error = %v", err)
		}
		hs.notify(PDU{Op: OpCommitReq})
		if len(hs.h.take()) != 0 {
			t.Fatal("committed without the caller")
		}
		if countEvents(hs.events, EventCommitRequested) != 1 {
			t.Fatal("no CommitRequested event")
		}
		if err := hs.p.Commit(); err != nil {
			t.Fatal(err)
		}
		hs.expectPDU(OpCommitCfm)
	})

	t.Run("validation", func(t *testing.T) {
		hs := newHarness(t, session.VersionCurrent, transport.KindGATT)
		hs.p.Resume(tr, false)
		hs.connectAndSync(tr, ResumeValidation)
		hs.phase(PhaseValidating)
		hs.expectPDU(OpIsValidationDoneReq)
	})

	t.Run("transfer complete", func(t *testing.T) {
		hs := newHarness(t, session.VersionCurrent, transport.KindGATT)
		hs.p.Resume(tr, false)
		hs.connectAndSync(tr, ResumeTransferComplete)
		hs.phase(PhaseRestarting)
		hs.expectPDU(OpTransferCompleteRes)
	})
}

func TestPluginPause(t *testing.T) {
	hs := newHarness(t, session.VersionLegacy, transport.KindGATT)
	tr := Transfer{Settings: Settings{ChunkSize: 10}, File: image(30)}
	hs.start(tr, ResumeData)
	hs.expectPDU(OpStartDataReq)
	hs.ackControl()

	hs.p.Pause()
	hs.notify(DataBytesRequest(30, 0))
	if len(hs.h.take()) != 0 {
		t.Fatal("data sent while paused")
	}

	hs.p.Unpause()
	hs.expectPDU(OpData)
	hs.p.Pause()
	hs.ackControl()
	if len(hs.h.take()) != 0 {
		t.Fatal("data sent after pausing mid-request")
	}

	hs.p.HandoverDidOccur()
	if hs.p.Paused() {
		t.Error("handover did not unpause")
	}
	hs.expectPDU(OpData)
}

func TestPluginAbort(t *testing.T) {
	tr := Transfer{File: image(20)}

	t.Run("caller", func(t *testing.T) {
		hs := newHarness(t, session.VersionCurrent, transport.KindGATT)
		if err := hs.p.Abort(); !errors.Is(err, ErrNoTransfer) {
			t.Errorf("Abort() while idle error = %v", err)
		}
		hs.start(tr, ResumeData)
		hs.expectPDU(OpStartDataReq)
		hs.ackControl()

		if err := hs.p.Abort(); err != nil {
			t.Fatal(err)
		}
		hs.expectPDU(OpAbortReq)
		hs.ackControl()
		hs.notify(DataBytesRequest(20, 0))
		if len(hs.h.take()) != 0 {
			t.Fatal("data sent while aborting")
		}
		hs.notify(PDU{Op: OpAbortCfm})
		hs.phase(PhaseAborted)
		if !errors.Is(hs.p.Err(), ErrAborted) {
			t.Errorf("Err() = %v", hs.p.Err())
		}
		hs.expect(hs.cmds.Disconnect)
	})

	t.Run("accessory error", func(t *testing.T) {
		hs := newHarness(t, session.VersionCurrent, transport.KindGATT)
		hs.start(tr, ResumeData)
		hs.expectPDU(OpStartDataReq)
		hs.ackControl()

		hs.notify(ErrorIndication(0x0021))
		hs.expectPDU(OpAbortReq)
		hs.ackControl()
		hs.notify(PDU{Op: OpAbortCfm})
		var ae *AccessoryError
		if !errors.As(hs.p.Err(), &ae) || ae.Code != 0x21 {
			t.Errorf("Err() = %v, want AccessoryError 0x21", hs.p.Err())
		}
	})

	t.Run("file mismatch", func(t *testing.T) {
		hs := newHarness(t, session.VersionCurrent, transport.KindGATT)
		hs.p.StartTransfer(tr)
		hs.expect(hs.cmds.Connect)
		hs.ack(hs.cmds.Connect)
		hs.expectPDU(OpSyncReq)
		hs.ackControl()
		hs.notify(SyncConfirm(ResumeValidation, tr.FileID()+1))
		hs.expectPDU(OpAbortReq)
		hs.ackControl()
		hs.notify(PDU{Op: OpAbortCfm})
		if !errors.Is(hs.p.Err(), ErrFileMismatch) {
			t.Errorf("Err() = %v", hs.p.Err())
		}
	})

	t.Run("rejected control", func(t *testing.T) {
		hs := newHarness(t, session.VersionCurrent, transport.KindGATT)
		hs.p.StartTransfer(tr)
		hs.expect(hs.cmds.Connect)
		hs.ack(hs.cmds.Connect)
		hs.expectPDU(OpSyncReq)
		hs.p.ResponseReceived(message.Error{ID: hs.cmds.Control, Code: 3})
		hs.phase(PhaseAborted)
		if !errors.Is(hs.p.Err(), ErrRejected) {
			t.Errorf("Err() = %v", hs.p.Err())
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		hs := newHarness(t, session.VersionCurrent, transport.KindGATT)
		hs.start(tr, ResumeData)
		hs.p.Stop()
		hs.phase(PhaseAborted)
		if !errors.Is(hs.p.Err(), ErrDisconnected) {
			t.Errorf("Err() = %v", hs.p.Err())
		}
	})
}

func TestPluginStartErrors(t *testing.T) {
	h := newFakeHost(session.VersionCurrent, transport.KindGATT)
	p := New(h, Config{})
	if err := p.StartTransfer(Transfer{File: image(1)}); !errors.Is(err, ErrNotReady) {
		t.Errorf("StartTransfer() before ready error = %v", err)
	}

	hs := newHarness(t, session.VersionCurrent, transport.KindGATT)
	if err := hs.p.StartTransfer(Transfer{}); !errors.Is(err, ErrEmptyFile) {
		t.Errorf("StartTransfer(empty) error = %v", err)
	}
	hs.p.StartTransfer(Transfer{File: image(1)})
	if err := hs.p.StartTransfer(Transfer{File: image(1)}); !errors.Is(err, ErrBusy) {
		t.Errorf("second StartTransfer() error = %v", err)
	}
	if _, ok := p.OngoingTransfer(); ok {
		t.Error("OngoingTransfer() on a fresh plugin")
	}
}

func TestPluginTransferOverRWCP(t *testing.T) {
	hs := newHarness(t, session.VersionCurrent, transport.KindGATT)
	tr := Transfer{Settings: Settings{UseRWCP: true, ChunkSize: 50, InitialWindow: 2, MaxWindow: 4}, File: image(500)}

	var received []byte
	var lastFlag bool
	receiver := rwcp.NewReceiver(rwcp.SenderFunc(func(segment []byte) error {
		hs.p.DataReceived(segment)
		return nil
	}), func(payload []byte) {
		pdu, err := DecodePDU(payload)
		if err != nil || pdu.Op != OpData {
			t.Errorf("data channel carried %v, %v", pdu, err)
			return
		}
		last, chunk, _ := ParseDataPacket(pdu.Data)
		received = append(received, chunk...)
		lastFlag = last
	})
	relay := func() {
		for len(hs.h.data) > 0 {
			seg := hs.h.data[0]
			hs.h.data = hs.h.data[1:]
			receiver.Receive(seg)
		}
	}

	hs.start(tr, ResumeData)
	hs.expectPDU(OpStartDataReq)
	hs.ackControl()

	hs.notify(DataBytesRequest(200, 0))
	relay()
	if len(received) != 200 || hs.p.Phase() != PhaseTransferring {
		t.Fatalf("after first request: %d bytes, phase %v", len(received), hs.p.Phase())
	}
	if len(hs.h.take()) != 0 {
		t.Fatal("control commands sent on the RWCP path")
	}

	hs.notify(DataBytesRequest(300, 0))
	relay()
	if !bytes.Equal(received, tr.File) || !lastFlag {
		t.Fatalf("received %d bytes, last=%v", len(received), lastFlag)
	}
	if sent, _ := hs.p.Progress(); sent != 500 {
		t.Errorf("Progress() sent = %d, want 500", sent)
	}
	hs.phase(PhaseValidating)
	hs.expectPDU(OpIsValidationDoneReq)
}

func TestPluginPauseOverRWCP(t *testing.T) {
	hs := newHarness(t, session.VersionCurrent, transport.KindGATT)
	tr := Transfer{Settings: Settings{UseRWCP: true, ChunkSize: 50, InitialWindow: 2, MaxWindow: 4}, File: image(500)}

	var received []byte
	receiver := rwcp.NewReceiver(rwcp.SenderFunc(func(segment []byte) error {
		hs.p.DataReceived(segment)
		return nil
	}), func(payload []byte) {
		pdu, err := DecodePDU(payload)
		if err != nil || pdu.Op != OpData {
			t.Errorf("data channel carried %v, %v", pdu, err)
			return
		}
		_, chunk, _ := ParseDataPacket(pdu.Data)
		received = append(received, chunk...)
	})
	// drain delivers segments and runs posted refills until both are idle.
	drain := func() {
		for {
			for len(hs.h.data) > 0 {
				seg := hs.h.data[0]
				hs.h.data = hs.h.data[1:]
				receiver.Receive(seg)
			}
			if hs.h.m.RunPending() == 0 && len(hs.h.data) == 0 {
				return
			}
		}
	}

	hs.start(tr, ResumeData)
	hs.expectPDU(OpStartDataReq)
	hs.ackControl()

	hs.notify(DataBytesRequest(500, 0))
	hs.p.Pause()
	drain()
	if sent, _ := hs.p.Progress(); sent > 100 {
		t.Fatalf("acknowledged %d bytes while paused, want at most one window (100)", sent)
	}
	if len(received) != 100 {
		t.Fatalf("accessory received %d bytes while paused, want 100", len(received))
	}
	hs.phase(PhaseTransferring)

	hs.p.Unpause()
	drain()
	if !bytes.Equal(received, tr.File) {
		t.Fatalf("received %d bytes after Unpause, want %d", len(received), len(tr.File))
	}
	hs.phase(PhaseValidating)
	hs.expectPDU(OpIsValidationDoneReq)
}

func TestPDUCodec(t *testing.T) {
	p := DataBytesRequest(0x01020304, 7)
	b := p.Encode()
	if b[0] != byte(OpDataBytesReq) || b[1] != 0 || b[2] != 8 {
		t.Fatalf("Encode() = % X", b)
	}
	back, err := DecodePDU(b)
	if err != nil {
		t.Fatal(err)
	}
	count, skip, err := ParseDataBytesRequest(back.Data)
	if err != nil || count != 0x01020304 || skip != 7 {
		t.Errorf("ParseDataBytesRequest() = %d, %d, %v", count, skip, err)
	}

	for _, bad := range [][]byte{nil, {0x01, 0x00}, {0x01, 0x00, 0x02, 0xAA}} {
		if _, err := DecodePDU(bad); !errors.Is(err, ErrMalformedPDU) {
			t.Errorf("DecodePDU(% X) error = %v", bad, err)
		}
	}

	if FileID([]byte("a")) == FileID([]byte("b")) {
		t.Error("FileID collides for different images")
	}
	if FileID(image(10)) != (Transfer{File: image(10)}).FileID() {
		t.Error("FileID not deterministic")
	}
	if ParseValidationDoneConfirm(ValidationDoneConfirm(1500*time.Millisecond).Data) != 1500*time.Millisecond {
		t.Error("validation delay round trip")
	}
}
