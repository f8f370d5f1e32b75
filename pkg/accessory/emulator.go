// Package accessory emulates an accessory: version probe, core feature
// negotiation, notification registration, handover notifications and the
// accessory side of a firmware update, including the reboot into the new
// image. It backs end-to-end tests and the gaiactl demo server.
package accessory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/backkem/gaia/pkg/message"
	"github.com/backkem/gaia/pkg/rwcp"
	"github.com/backkem/gaia/pkg/session"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/backkem/gaia/pkg/upgrade"
	"github.com/pion/logging"
)

// Error codes returned in error acknowledgements.
const (
	StatusNotSupported  uint8 = 0x01
	StatusInvalidParams uint8 = 0x05
)

// Config configures an Emulator.
type Config struct {
	// Version selects the protocol generation. Default: session.VersionCurrent.
	Version session.ProtocolVersion

	// Minor is the reported minor API version. The Bluetooth address is
	// only served from minor 1. Default: 1.
	Minor uint8

	// Address is the Bluetooth address, six bytes. Optional.
	Address []byte

	// Serials are the reported serial numbers. Optional.
	Serials []string

	// Features are the supported features, excluding core.
	// Default: the update feature, version 1.
	Features []session.FeatureVersion

	// PageSize is the number of features per page. Default: 4.
	PageSize int

	// TransportInfo answers the update plugin's size negotiation.
	// Default: 254 bytes in every direction.
	TransportInfo transport.TransportParameters

	// RequestSize is the image bytes asked for per DATA_BYTES_REQ.
	// Default: 1024.
	RequestSize int

	// ValidationPolls is how many IS_VALIDATION_DONE_REQ polls are answered
	// with a delay before the image is declared valid.
	ValidationPolls int

	// ValidationDelay is the delay named in those answers. Default: 100ms.
	ValidationDelay time.Duration

	// LoggerFactory creates the emulator's logger.
	// Default: logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.Version == session.VersionUnknown {
		c.Version = session.VersionCurrent
	}
	if c.Minor == 0 {
		c.Minor = 1
	}
	if c.Features == nil {
		c.Features = []session.FeatureVersion{{Feature: session.UpdateFeature, Version: 1}}
	}
	if c.PageSize == 0 {
		c.PageSize = 4
	}
	if c.TransportInfo == (transport.TransportParameters{}) {
		c.TransportInfo = transport.TransportParameters{
			Version:     1,
			MaxSend:     transport.MaxGATTWriteLength,
			OptimumSend: transport.MaxGATTWriteLength,
			MaxReceive:  transport.MaxGATTWriteLength,
		}
	}
	if c.RequestSize == 0 {
		c.RequestSize = 1024
	}
	if c.ValidationDelay == 0 {
		c.ValidationDelay = 100 * time.Millisecond
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Address != nil && len(c.Address) != 6 {
		return errors.New("accessory: address must be six bytes")
	}
	if c.RequestSize < 0 || c.PageSize < 0 {
		return errors.New("accessory: sizes must not be negative")
	}
	return nil
}

// Link is the accessory side of one connection.
type Link interface {
	// Respond writes a frame on the response channel.
	Respond(frame []byte) error

	// SendData writes a segment on the data channel.
	SendData(data []byte) error

	// Drop ends the connection, as when the accessory reboots.
	Drop() error
}

// Emulator is a simulated accessory. Safe for concurrent use; frames from
// one link must be delivered in order.
type Emulator struct {
	mu      sync.Mutex
	config  Config
	log     logging.LeveledLogger
	legacy  *message.LegacyCodec
	current *message.CurrentCodec
	cmds    upgrade.Commands

	link       Link
	receiver   *rwcp.Receiver
	registered map[message.Feature]bool
	page       int

	connected bool
	endpoint  upgrade.DataEndpoint
	fileID    uint32
	image     []byte
	point     upgrade.ResumePoint
	expected  int // image length that satisfies the outstanding request
	polls     int
	installed []byte
	boots     int

	writes []transport.PipeWrite
}

// New creates an emulator.
func New(config Config) (*Emulator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	current, err := message.NewCurrentCodec(message.CurrentConfig{})
	if err != nil {
		return nil, err
	}
	return &Emulator{
		config:     config,
		log:        config.LoggerFactory.NewLogger("accessory"),
		legacy:     message.NewLegacyCodec(),
		current:    current,
		cmds:       upgrade.CommandsFor(config.Version),
		registered: make(map[message.Feature]bool),
	}, nil
}

// Attach binds the emulator to a new connection. Update state survives;
// RWCP and notification registrations do not.
func (e *Emulator) Attach(link Link) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attach(link)
}

func (e *Emulator) attach(link Link) {
	e.link = link
	e.registered = make(map[message.Feature]bool)
	e.page = 0
	e.connected = false
	e.endpoint = upgrade.EndpointControl
	e.receiver = rwcp.NewReceiver(rwcp.SenderFunc(link.SendData), e.dataDelivered)
}

// Receive handles one host write.
func (e *Emulator) Receive(ch transport.Channel, frame []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.writes = append(e.writes, transport.PipeWrite{Channel: ch, Data: append([]byte(nil), frame...)})
	if e.link == nil {
		return
	}
	if ch == transport.ChannelData {
		e.receiver.Receive(frame)
		return
	}

	codec := message.Codec(e.legacy)
	if e.config.Version == session.VersionCurrent && len(frame) >= 2 &&
		binary.BigEndian.Uint16(frame) == message.VendorQualcomm {
		codec = e.current
	}
	m, err := codec.Decode(frame)
	if err != nil {
		e.log.Debugf("dropping % X: %v", frame, err)
		return
	}
	cmd, ok := m.(message.Command)
	if !ok {
		e.log.Debugf("ignoring %v", m.Kind())
		return
	}
	e.command(codec, cmd)
}

// Writes returns every host write seen so far.
func (e *Emulator) Writes() []transport.PipeWrite {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]transport.PipeWrite(nil), e.writes...)
}

// Registered reports whether the host registered for feature's
// notifications on the current link.
func (e *Emulator) Registered(feature message.Feature) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registered[feature]
}

// Received returns the image bytes stored so far.
func (e *Emulator) Received() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.image...)
}

// Installed returns the last committed image.
func (e *Emulator) Installed() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.installed...)
}

// Endpoint returns the data endpoint selected on the current link.
func (e *Emulator) Endpoint() upgrade.DataEndpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpoint
}

// Boots returns how many times the emulator rebooted.
func (e *Emulator) Boots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.boots
}

// ResumePoint returns where a new transfer of the pending image would
// resume.
func (e *Emulator) ResumePoint() upgrade.ResumePoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.point
}

// Store preloads a partial image, as if an earlier transfer was cut short.
func (e *Emulator) Store(file []byte, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fileID = upgrade.FileID(file)
	e.image = append([]byte(nil), file[:n]...)
	e.point = upgrade.ResumeData
}

// AnnounceHandover sends the handover-about-to-happen notification.
func (e *Emulator) AnnounceHandover(kind session.HandoverKind, delay time.Duration) error {
	payload := binary.BigEndian.AppendUint16([]byte{byte(kind)}, uint16(delay/time.Millisecond))
	return e.coreNotification(session.CoreNotifyHandoverAboutToHappen, payload)
}

// CompleteHandover sends the handover-complete notification.
func (e *Emulator) CompleteHandover() error {
	return e.coreNotification(session.CoreNotifyHandoverComplete, nil)
}

func (e *Emulator) coreNotification(command uint16, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.link == nil {
		return transport.ErrNotConnected
	}
	if e.config.Version != session.VersionCurrent {
		return message.ErrInvalidCommand
	}
	n := message.Notification{ID: message.CommandID{Feature: message.FeatureCore, Command: command}, Payload: payload}
	return e.send(e.current, n)
}

func (e *Emulator) command(codec message.Codec, cmd message.Command) {
	id := cmd.ID
	switch {
	case codec == e.legacy && id.Command == session.LegacyGetAPIVersion:
		major := uint8(session.CurrentMajorThreshold)
		if e.config.Version == session.VersionCurrent {
			major++
		}
		e.respond(codec, id, []byte{1, major, e.config.Minor})

	case codec == e.current && id.Feature == message.FeatureCore:
		e.core(cmd)

	case id == e.cmds.TransportInfo:
		e.respond(codec, id, upgrade.EncodeTransportInfo(e.config.TransportInfo))

	case id == e.cmds.Connect:
		e.connected = true
		e.respond(codec, id, nil)

	case id == e.cmds.Disconnect:
		e.connected = false
		e.respond(codec, id, nil)

	case id == e.cmds.DataEndpoint:
		if len(cmd.Payload) != 1 || cmd.Payload[0] > byte(upgrade.EndpointRWCP) {
			e.reject(codec, id, StatusInvalidParams)
			return
		}
		e.endpoint = upgrade.DataEndpoint(cmd.Payload[0])
		e.respond(codec, id, nil)

	case id == e.cmds.Control:
		if !e.connected {
			e.reject(codec, id, StatusInvalidParams)
			return
		}
		pdu, err := upgrade.DecodePDU(cmd.Payload)
		if err != nil {
			e.reject(codec, id, StatusInvalidParams)
			return
		}
		e.respond(codec, id, nil)
		e.pdu(pdu)

	default:
		e.reject(codec, id, StatusNotSupported)
	}
}

func (e *Emulator) core(cmd message.Command) {
	id := cmd.ID
	switch id.Command {
	case session.CoreGetBluetoothAddress:
		if e.config.Minor < session.MinorWithAddress || e.config.Address == nil {
			e.reject(e.current, id, StatusNotSupported)
			return
		}
		e.respond(e.current, id, e.config.Address)

	case session.CoreGetSerialNumber:
		if len(e.config.Serials) == 0 {
			e.reject(e.current, id, StatusNotSupported)
			return
		}
		var buf bytes.Buffer
		for i, s := range e.config.Serials {
			if i > 0 {
				buf.WriteByte(0)
			}
			buf.WriteString(s)
		}
		e.respond(e.current, id, buf.Bytes())

	case session.CoreGetSupportedFeatures, session.CoreGetSupportedFeaturesNext:
		if id.Command == session.CoreGetSupportedFeatures {
			e.page = 0
		}
		features := e.config.Features
		start := e.page * e.config.PageSize
		end := min(start+e.config.PageSize, len(features))
		if start > len(features) {
			start = len(features)
		}
		e.page++

		body := []byte{0}
		if end < len(features) {
			body[0] = 1
		}
		for _, fv := range features[start:end] {
			body = append(body, byte(fv.Feature), fv.Version)
		}
		e.respond(e.current, id, body)

	case session.CoreRegisterNotification, session.CoreUnregisterNotification:
		if len(cmd.Payload) != 1 {
			e.reject(e.current, id, StatusInvalidParams)
			return
		}
		e.registered[message.Feature(cmd.Payload[0])] = id.Command == session.CoreRegisterNotification
		e.respond(e.current, id, nil)

	default:
		e.reject(e.current, id, StatusNotSupported)
	}
}

// pdu runs the accessory side of the update state machine.
func (e *Emulator) pdu(p upgrade.PDU) {
	switch p.Op {
	case upgrade.OpSyncReq:
		if len(p.Data) < 4 {
			e.notify(upgrade.ErrorIndication(uint16(StatusInvalidParams)))
			return
		}
		id := binary.BigEndian.Uint32(p.Data)
		if id != e.fileID {
			e.log.Infof("new image %08x", id)
			e.fileID = id
			e.image = nil
			e.point = upgrade.ResumeData
		}
		e.notify(upgrade.SyncConfirm(e.point, e.fileID))

	case upgrade.OpStartReq:
		e.notify(upgrade.PDU{Op: upgrade.OpStartCfm, Data: []byte{upgrade.StatusSuccess}})

	case upgrade.OpStartDataReq:
		e.polls = 0
		e.requestData(0)

	case upgrade.OpData:
		last, chunk, err := upgrade.ParseDataPacket(p.Data)
		if err != nil {
			e.notify(upgrade.ErrorIndication(uint16(StatusInvalidParams)))
			return
		}
		e.data(last, chunk)

	case upgrade.OpIsValidationDoneReq:
		if e.polls < e.config.ValidationPolls {
			e.polls++
			e.notify(upgrade.ValidationDoneConfirm(e.config.ValidationDelay))
			return
		}
		e.point = upgrade.ResumeTransferComplete
		e.notify(upgrade.PDU{Op: upgrade.OpTransferCompleteInd})

	case upgrade.OpTransferCompleteRes:
		if len(p.Data) < 1 || p.Data[0] != upgrade.ActionContinue {
			e.reset()
			return
		}
		e.point = upgrade.ResumePostReboot
		e.reboot()

	case upgrade.OpProceedToCommit:
		if e.point != upgrade.ResumePostReboot {
			e.notify(upgrade.ErrorIndication(uint16(StatusInvalidParams)))
			return
		}
		e.notify(upgrade.PDU{Op: upgrade.OpCommitReq})

	case upgrade.OpCommitCfm:
		if len(p.Data) < 1 || p.Data[0] != upgrade.ActionContinue {
			e.reset()
			e.notify(upgrade.PDU{Op: upgrade.OpAbortCfm})
			return
		}
		e.installed = e.image
		e.log.Infof("committed %d byte image", len(e.installed))
		e.reset()
		e.notify(upgrade.PDU{Op: upgrade.OpCompleteInd})

	case upgrade.OpAbortReq:
		e.reset()
		e.notify(upgrade.PDU{Op: upgrade.OpAbortCfm})

	default:
		e.notify(upgrade.ErrorIndication(uint16(StatusNotSupported)))
	}
}

// reboot drops the link and comes back with fresh per-link state on it.
func (e *Emulator) reboot() {
	e.log.Info("rebooting into the new image")
	e.boots++
	if err := e.link.Drop(); err != nil {
		e.log.Warnf("drop link: %v", err)
	}
	e.attach(e.link)
}

// requestData asks for the next RequestSize bytes. The host's read position
// is from, so the request skips whatever is already stored beyond it.
func (e *Emulator) requestData(from int) {
	skip := len(e.image) - from
	e.expected = len(e.image) + e.config.RequestSize
	e.notify(upgrade.DataBytesRequest(uint32(e.config.RequestSize), uint32(skip)))
}

func (e *Emulator) data(last bool, chunk []byte) {
	e.image = append(e.image, chunk...)
	if last {
		e.point = upgrade.ResumeValidation
		e.log.Infof("received %d byte image", len(e.image))
		return
	}
	if len(e.image) >= e.expected {
		e.requestData(len(e.image))
	}
}

func (e *Emulator) dataDelivered(payload []byte) {
	p, err := upgrade.DecodePDU(payload)
	if err != nil || p.Op != upgrade.OpData {
		e.log.Debugf("unexpected data channel payload: %v", err)
		return
	}
	e.pdu(p)
}

func (e *Emulator) reset() {
	e.fileID = 0
	e.image = nil
	e.point = upgrade.ResumeData
	e.expected = 0
	e.polls = 0
}

func (e *Emulator) notify(p upgrade.PDU) {
	codec := message.Codec(e.current)
	if e.config.Version == session.VersionLegacy {
		codec = e.legacy
	}
	if err := e.send(codec, message.Notification{ID: e.cmds.Data, Payload: p.Encode()}); err != nil {
		e.log.Warnf("notify %v: %v", p, err)
	}
}

func (e *Emulator) respond(codec message.Codec, id message.CommandID, payload []byte) {
	if err := e.send(codec, message.Response{ID: id, Payload: payload}); err != nil {
		e.log.Warnf("respond %v: %v", id, err)
	}
}

func (e *Emulator) reject(codec message.Codec, id message.CommandID, code uint8) {
	e.log.Debugf("rejecting %v with %d", id, code)
	if err := e.send(codec, message.Error{ID: id, Code: code}); err != nil {
		e.log.Warnf("reject %v: %v", id, err)
	}
}

func (e *Emulator) send(codec message.Codec, m message.Message) error {
	frame, err := codec.EncodeMessage(m)
	if err != nil {
		return err
	}
	return e.link.Respond(frame)
}
