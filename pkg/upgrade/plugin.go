package upgrade

import (
	"fmt"
	"time"

	"github.com/backkem/gaia/pkg/event"
	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/message"
	"github.com/backkem/gaia/pkg/rwcp"
	"github.com/backkem/gaia/pkg/session"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/pion/logging"
)

// DefaultValidationPoll is the wait between validation polls when the
// accessory does not name one.
const DefaultValidationPoll = 500 * time.Millisecond

// Config configures the plugins created by Factory.
type Config struct {
	// ValidationPoll is the fallback delay between IS_VALIDATION_DONE_REQ
	// polls. Default: DefaultValidationPoll.
	ValidationPoll time.Duration

	// Bus receives the events of every plugin. Default: one bus per plugin.
	Bus *event.Bus[Event]
}

func (c *Config) applyDefaults() {
	if c.ValidationPoll == 0 {
		c.ValidationPoll = DefaultValidationPoll
	}
}

// Event is published on the plugin's bus.
type Event struct {
	Type   EventType
	Handle session.PluginHandle
	Phase  Phase
	Err    error
	Sent   int
	Total  int
}

// Factory returns a session.Factory that creates update plugins.
func Factory(config Config) session.Factory {
	return func(h session.Host, _ uint8) session.Plugin {
		return New(h, config)
	}
}

// Register adds the update plugin to r.
func Register(r *session.Registry, config Config) error {
	return r.Register(session.UpdateFeature, Factory(config))
}

// outstanding is one control command or RWCP payload not yet acknowledged.
type outstanding struct {
	wire  int // encoded size, RWCP only
	bytes int // image bytes carried
	data  bool
	last  bool
}

// Plugin is the host side of the firmware update feature. All methods must
// be called on the session's executor.
type Plugin struct {
	host   session.Host
	exec   loop.Executor
	log    logging.LeveledLogger
	cmds   Commands
	config Config
	bus    *event.Bus[Event]

	ready   bool
	stopped bool
	phase   Phase
	err     error

	transfer          Transfer
	hasTransfer       bool
	fileID            uint32
	previousCompleted bool
	resume            ResumePoint
	paused            bool
	aborting          bool
	abortErr          error
	awaitingCommit    bool

	offset   int
	request  int
	sent     int
	lastSent bool
	pending  []outstanding

	useRWCP bool
	rwcp    *rwcp.Client
	inRWCP  []outstanding
	credit  int
	lastAck bool

	timer loop.Timer
}

var (
	_ session.Plugin       = (*Plugin)(nil)
	_ session.DataReceiver = (*Plugin)(nil)
)

// New creates an update plugin for h.
func New(h session.Host, config Config) *Plugin {
	config.applyDefaults()
	bus := config.Bus
	if bus == nil {
		bus = &event.Bus[Event]{}
	}
	return &Plugin{
		host:   h,
		exec:   h.Executor(),
		log:    h.LoggerFactory().NewLogger("upgrade"),
		cmds:   CommandsFor(h.Version()),
		config: config,
		bus:    bus,
	}
}

// Subscribe registers fn for update events.
func (p *Plugin) Subscribe(fn event.Handler[Event]) (cancel func()) {
	return p.bus.Subscribe(fn)
}

// Feature implements session.Plugin.
func (p *Plugin) Feature() message.Feature { return session.UpdateFeature }

// Ready reports whether the transport handshake completed.
func (p *Plugin) Ready() bool { return p.ready }

// Phase returns the current phase.
func (p *Plugin) Phase() Phase { return p.phase }

// Err returns the failure reason in PhaseAborted.
func (p *Plugin) Err() error { return p.err }

// IsUpdating reports whether a transfer is in progress.
func (p *Plugin) IsUpdating() bool { return p.phase.IsActive() }

// Paused reports whether data transmission is held.
func (p *Plugin) Paused() bool { return p.paused }

// Progress returns acknowledged and total image bytes.
func (p *Plugin) Progress() (sent, total int) {
	return p.sent, len(p.transfer.File)
}

// OngoingTransfer returns the transfer last started or resumed.
func (p *Plugin) OngoingTransfer() (Transfer, bool) {
	if !p.hasTransfer {
		return Transfer{}, false
	}
	return p.transfer.clone(), true
}

// StartTransfer begins sending t.File.
func (p *Plugin) StartTransfer(t Transfer) error {
	return p.begin(t, false)
}

// Resume continues a transfer interrupted on an earlier session. With
// previousTransferCompleted the image was already fully delivered and the
// commit is confirmed without waiting for Commit.
func (p *Plugin) Resume(t Transfer, previousTransferCompleted bool) error {
	return p.begin(t, previousTransferCompleted)
}

// Pause holds data transmission. Commands already queued and RWCP segments
// already in the window still go out.
func (p *Plugin) Pause() {
	if p.paused {
		return
	}
	p.paused = true
	p.log.Debug("paused")
}

// Unpause resumes data transmission.
func (p *Plugin) Unpause() {
	if !p.paused {
		return
	}
	p.paused = false
	p.log.Debug("unpaused")
	p.pump()
}

// Abort cancels the transfer. The phase becomes Aborted once the accessory
// confirms.
func (p *Plugin) Abort() error {
	if !p.phase.IsActive() {
		return ErrNoTransfer
	}
	p.abortWith(ErrAborted)
	return nil
}

// Commit confirms the new image after EventCommitRequested.
func (p *Plugin) Commit() error {
	if !p.awaitingCommit {
		return ErrNoTransfer
	}
	p.commit()
	return nil
}

// Start implements session.Plugin.
func (p *Plugin) Start() {
	if err := p.host.SendCommand(p.cmds.TransportInfo, nil); err != nil {
		p.log.Warnf("transport info: %v", err)
	}
}

// Stop implements session.Plugin. A transfer survives only in
// PhaseRestarting, where the accessory is expected to drop the link.
func (p *Plugin) Stop() {
	p.stopped = true
	p.stopTimer()
	if p.rwcp != nil {
		p.rwcp.Reset()
	}
	if p.phase.IsActive() && p.phase != PhaseRestarting {
		p.finish(PhaseAborted, ErrDisconnected)
	}
}

// HandoverDidOccur implements session.Plugin.
func (p *Plugin) HandoverDidOccur() {
	p.Unpause()
}

// DidSendData implements session.Plugin.
func (p *Plugin) DidSendData(ch transport.Channel, err error) {
	if err != nil && ch == transport.ChannelData {
		p.log.Warnf("data write failed: %v", err)
	}
}

// DataReceived implements session.DataReceiver.
func (p *Plugin) DataReceived(data []byte) {
	if p.rwcp != nil && !p.stopped {
		p.rwcp.Received(data)
	}
}

// ResponseReceived implements session.Plugin.
func (p *Plugin) ResponseReceived(m message.Message) {
	if p.stopped {
		return
	}
	switch v := m.(type) {
	case message.Notification:
		if v.ID == p.cmds.Data {
			p.pduReceived(v.Payload)
		}
	case message.Response:
		p.acknowledged(v.ID, v.Payload, nil)
	case message.Error:
		p.acknowledged(v.ID, nil, fmt.Errorf("%w: %v code %d", ErrRejected, v.ID, v.Code))
	}
}

func (p *Plugin) begin(t Transfer, previousCompleted bool) error {
	switch {
	case p.stopped || !p.ready:
		return ErrNotReady
	case p.phase.IsActive():
		return ErrBusy
	case len(t.File) == 0:
		return ErrEmptyFile
	}

	p.transfer = t.clone()
	p.hasTransfer = true
	p.fileID = t.FileID()
	p.previousCompleted = previousCompleted
	p.resume = ResumeData
	p.paused = false
	p.aborting = false
	p.abortErr = nil
	p.awaitingCommit = false
	p.offset, p.request, p.sent = 0, 0, 0
	p.lastSent = false
	p.pending = nil
	p.useRWCP = t.Settings.UseRWCP && p.host.Connection().Kind() == transport.KindGATT

	p.log.Infof("starting transfer of %d bytes, file %08x, resume=%v", len(t.File), p.fileID, previousCompleted)
	p.setPhase(PhaseConnecting, nil)
	p.command(p.cmds.Connect, nil)
	return nil
}

func (p *Plugin) acknowledged(id message.CommandID, payload []byte, err error) {
	switch id {
	case p.cmds.TransportInfo:
		if err == nil {
			params, perr := ParseTransportInfo(payload)
			if perr == nil {
				p.log.Debugf("transport info %+v", params)
				p.host.Connection().TransportParametersReceived(params)
			}
			err = perr
		}
		if err != nil {
			p.log.Warnf("transport info unavailable: %v", err)
		}
		if !p.ready {
			p.ready = true
			p.host.SignalReady()
		}

	case p.cmds.Connect:
		if p.phase != PhaseConnecting {
			return
		}
		if err != nil {
			p.finish(PhaseAborted, err)
			return
		}
		if p.useRWCP {
			p.command(p.cmds.DataEndpoint, []byte{byte(EndpointRWCP)})
			return
		}
		p.sync()

	case p.cmds.DataEndpoint:
		if p.phase != PhaseConnecting {
			return
		}
		if err == nil {
			err = p.openRWCP()
		}
		if err != nil {
			p.log.Warnf("RWCP unavailable, using control commands: %v", err)
			p.useRWCP = false
		}
		p.sync()

	case p.cmds.Control:
		p.controlAcked(err)

	case p.cmds.Disconnect:
		if err != nil {
			p.log.Debugf("upgrade disconnect: %v", err)
		}
	}
}

func (p *Plugin) controlAcked(err error) {
	if len(p.pending) == 0 {
		return
	}
	o := p.pending[0]
	p.pending = p.pending[1:]

	if err != nil {
		if p.phase.IsActive() {
			p.log.Warnf("control rejected: %v", err)
			p.finish(PhaseAborted, err)
			p.command(p.cmds.Disconnect, nil)
		}
		return
	}
	if !o.data {
		p.pump()
		return
	}

	p.sent += o.bytes
	p.progress()
	if o.last {
		p.validate()
		return
	}
	p.pump()
}

func (p *Plugin) pduReceived(payload []byte) {
	pdu, err := DecodePDU(payload)
	if err != nil {
		p.log.Debugf("dropping PDU: %v", err)
		return
	}
	p.log.Tracef("rx %v in %v", pdu, p.phase)

	switch pdu.Op {
	case OpSyncCfm:
		if p.phase != PhaseSyncing {
			return
		}
		point, id, err := ParseSyncConfirm(pdu.Data)
		if err != nil {
			p.abortWith(err)
			return
		}
		if point != ResumeData && id != p.fileID {
			p.abortWith(fmt.Errorf("%w: %08x, want %08x", ErrFileMismatch, id, p.fileID))
			return
		}
		p.resume = point
		p.control(PDU{Op: OpStartReq}, outstanding{})

	case OpStartCfm:
		if p.phase != PhaseSyncing {
			return
		}
		if len(pdu.Data) < 1 || pdu.Data[0] != StatusSuccess {
			p.abortWith(fmt.Errorf("%w: START_CFM % X", ErrRejected, pdu.Data))
			return
		}
		p.started()

	case OpDataBytesReq:
		if p.phase != PhaseTransferring {
			return
		}
		count, skip, err := ParseDataBytesRequest(pdu.Data)
		if err != nil {
			p.abortWith(err)
			return
		}
		p.offset += int(skip)
		if p.offset > len(p.transfer.File) {
			p.offset = len(p.transfer.File)
		}
		p.request = int(count)
		p.pump()

	case OpIsValidationDoneCfm:
		if p.phase != PhaseValidating {
			return
		}
		delay := ParseValidationDoneConfirm(pdu.Data)
		if delay == 0 {
			delay = p.config.ValidationPoll
		}
		p.stopTimer()
		p.timer = p.exec.AfterFunc(delay, func() {
			p.timer = nil
			if !p.stopped && p.phase == PhaseValidating {
				p.control(PDU{Op: OpIsValidationDoneReq}, outstanding{})
			}
		})

	case OpTransferCompleteInd:
		if p.phase != PhaseValidating && p.phase != PhaseTransferring {
			return
		}
		p.restart()

	case OpCommitReq:
		if p.phase != PhaseCommitting {
			return
		}
		if p.transfer.Settings.AutoCommit || p.previousCompleted {
			p.commit()
			return
		}
		p.awaitingCommit = true
		p.publish(Event{Type: EventCommitRequested, Phase: p.phase})

	case OpCompleteInd:
		if !p.phase.IsActive() {
			return
		}
		p.finish(PhaseComplete, nil)
		p.command(p.cmds.Disconnect, nil)

	case OpAbortCfm:
		if !p.phase.IsActive() {
			return
		}
		err := p.abortErr
		if err == nil {
			err = ErrAborted
		}
		p.finish(PhaseAborted, err)
		p.command(p.cmds.Disconnect, nil)

	case OpErrorInd:
		code, err := ParseErrorIndication(pdu.Data)
		if err != nil {
			p.abortWith(err)
			return
		}
		p.abortWith(&AccessoryError{Code: code})
	}
}

// started acts on the resume point once START_CFM arrived.
func (p *Plugin) started() {
	switch p.resume {
	case ResumeValidation:
		p.validate()
	case ResumeTransferComplete:
		p.restart()
	case ResumePostReboot:
		p.setPhase(PhaseCommitting, nil)
		p.control(PDU{Op: OpProceedToCommit}, outstanding{})
	default:
		p.setPhase(PhaseTransferring, nil)
		p.offset, p.request = 0, 0
		p.control(PDU{Op: OpStartDataReq}, outstanding{})
	}
}

func (p *Plugin) sync() {
	p.setPhase(PhaseSyncing, nil)
	p.control(SyncRequest(p.fileID), outstanding{})
}

func (p *Plugin) validate() {
	p.setPhase(PhaseValidating, nil)
	p.control(PDU{Op: OpIsValidationDoneReq}, outstanding{})
}

func (p *Plugin) restart() {
	p.stopTimer()
	p.setPhase(PhaseRestarting, nil)
	p.control(PDU{Op: OpTransferCompleteRes, Data: []byte{ActionContinue}}, outstanding{})
}

func (p *Plugin) commit() {
	p.awaitingCommit = false
	p.control(PDU{Op: OpCommitCfm, Data: []byte{ActionContinue}}, outstanding{})
}

func (p *Plugin) abortWith(err error) {
	if p.aborting || !p.phase.IsActive() {
		return
	}
	p.log.Warnf("aborting transfer: %v", err)
	p.aborting = true
	p.abortErr = err
	p.request = 0
	p.stopTimer()
	if p.rwcp != nil {
		p.rwcp.Abort()
	}
	p.control(PDU{Op: OpAbortReq}, outstanding{})
}

// pump sends image bytes for the current data request.
func (p *Plugin) pump() {
	if p.paused || p.aborting || p.phase != PhaseTransferring || p.request == 0 || p.lastSent {
		return
	}

	if p.useRWCP && p.rwcp != nil {
		// Hand the client no more than it can put on the air now, so a
		// pause holds everything beyond the current window.
		room := p.rwcp.Credits() - p.rwcp.Pending()
		var payloads [][]byte
		for ; room > 0 && p.request > 0 && !p.lastSent; room-- {
			pdu, o := p.nextChunk()
			b := pdu.Encode()
			o.wire = len(b)
			payloads = append(payloads, b)
			p.inRWCP = append(p.inRWCP, o)
		}
		if len(payloads) == 0 {
			return
		}
		if err := p.rwcp.Send(payloads...); err != nil {
			p.abortWith(err)
		}
		return
	}

	// Control commands are ack-gated; keep one data packet in flight.
	for _, o := range p.pending {
		if o.data {
			return
		}
	}
	pdu, o := p.nextChunk()
	p.control(pdu, o)
}

func (p *Plugin) nextChunk() (PDU, outstanding) {
	file := p.transfer.File
	n := min(p.request, p.chunkLimit(), len(file)-p.offset)
	chunk := file[p.offset : p.offset+n]
	p.offset += n
	p.request -= n

	last := p.offset == len(file)
	if last {
		p.lastSent = true
		p.request = 0
	}
	return DataPacket(last, chunk), outstanding{bytes: n, data: true, last: last}
}

// chunkLimit is the largest image slice that fits one write.
func (p *Plugin) chunkLimit() int {
	conn := p.host.Connection()
	var limit int
	if p.useRWCP && p.rwcp != nil {
		limit = conn.MaxSendSize() - rwcp.HeaderSize - PDUHeaderSize - DataHeaderSize
	} else {
		limit = conn.OptimumSendSize() - frameOverhead(p.host.Version()) - PDUHeaderSize - DataHeaderSize
	}
	if s := p.transfer.Settings.ChunkSize; s > 0 && s < limit {
		limit = s
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (p *Plugin) openRWCP() error {
	if p.rwcp == nil {
		client, err := rwcp.NewClient(rwcp.Config{
			Executor: p.exec,
			Sender: rwcp.SenderFunc(func(segment []byte) error {
				return p.host.SendData(segment)
			}),
			Delegate:      rwcpProgress{p},
			InitialWindow: p.transfer.Settings.InitialWindow,
			MaxWindow:     p.transfer.Settings.MaxWindow,
			LoggerFactory: p.host.LoggerFactory(),
		})
		if err != nil {
			return err
		}
		p.rwcp = client
	}
	p.inRWCP = nil
	p.credit = 0
	p.lastAck = false
	return nil
}

// rwcpProgress turns RWCP acknowledgements into image progress.
type rwcpProgress struct{ p *Plugin }

func (r rwcpProgress) DidSendBytes(n int) {
	p := r.p
	p.credit += n
	advanced := false
	for len(p.inRWCP) > 0 && p.credit >= p.inRWCP[0].wire {
		o := p.inRWCP[0]
		p.inRWCP = p.inRWCP[1:]
		p.credit -= o.wire
		p.sent += o.bytes
		advanced = true
		if o.last {
			p.lastAck = true
		}
	}
	if advanced {
		p.progress()
	}
	if !p.paused && !p.lastSent {
		p.exec.Post(p.pump)
	}
}

func (r rwcpProgress) DidCompleteDataSend(err error) {
	p := r.p
	if p.stopped {
		return
	}
	if err != nil {
		if !p.aborting {
			p.abortWith(err)
		}
		return
	}
	if p.lastAck && p.phase == PhaseTransferring {
		p.validate()
		return
	}
	p.pump()
}

func (p *Plugin) command(id message.CommandID, payload []byte) {
	if p.stopped {
		return
	}
	if err := p.host.SendCommand(id, payload); err != nil {
		p.log.Warnf("send %v: %v", id, err)
		if p.phase.IsActive() {
			p.finish(PhaseAborted, err)
		}
	}
}

func (p *Plugin) control(pdu PDU, o outstanding) {
	if p.stopped {
		return
	}
	p.log.Tracef("tx %v", pdu)
	p.pending = append(p.pending, o)
	if err := p.host.SendCommand(p.cmds.Control, pdu.Encode()); err != nil {
		p.pending = p.pending[:len(p.pending)-1]
		p.log.Warnf("send %v: %v", pdu, err)
		if p.phase.IsActive() {
			p.finish(PhaseAborted, err)
		}
	}
}

func (p *Plugin) finish(phase Phase, err error) {
	p.stopTimer()
	p.pending = nil
	p.request = 0
	p.aborting = false
	p.awaitingCommit = false
	p.setPhase(phase, err)
}

func (p *Plugin) progress() {
	p.publish(Event{Type: EventProgress, Phase: p.phase})
}

func (p *Plugin) setPhase(phase Phase, err error) {
	if p.phase == phase && err == nil {
		return
	}
	if err != nil {
		p.log.Infof("phase %v -> %v: %v", p.phase, phase, err)
	} else {
		p.log.Infof("phase %v -> %v", p.phase, phase)
	}
	p.phase = phase
	p.err = err
	p.publish(Event{Type: EventPhaseChanged, Phase: phase, Err: err})
}

func (p *Plugin) publish(ev Event) {
	ev.Handle = p.host.Handle()
	ev.Sent = p.sent
	ev.Total = len(p.transfer.File)
	p.bus.Publish(ev)
}

func (p *Plugin) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
