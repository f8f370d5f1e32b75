package session

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/backkem/gaia/pkg/event"
	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/message"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/pion/logging"
)

// ID identifies one session instance. IDs are never reused within a
// process.
type ID uint64

var lastID atomic.Uint64

// NextID allocates a fresh session ID.
func NextID() ID {
	return ID(lastID.Add(1))
}

// Event is published on the session's bus.
type Event struct {
	Type       EventType
	Session    ID
	State      State
	Err        error
	Version    ProtocolVersion
	Identities []transport.Identity
	Handover   Handover
}

// Config configures a Session.
type Config struct {
	// Connection is the transport. Required.
	Connection transport.Connection

	// Executor is the connection's executor. Required.
	Executor loop.Executor

	// Registry supplies plugin factories. Default: an empty registry.
	Registry *Registry

	// Vendors receives foreign-vendor frames. Optional.
	Vendors *message.VendorRegistry

	// ID names the session. Default: NextID().
	ID ID

	// LoggerFactory creates the session's logger.
	// Default: logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.ID == 0 {
		c.ID = NextID()
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Connection == nil {
		return errors.New("session: config requires a connection")
	}
	if c.Executor == nil {
		return errors.New("session: config requires an executor")
	}
	return nil
}

type setupStep int

const (
	stepNone setupStep = iota
	stepProbe
	stepAddress
	stepSerial
	stepFeatures
	stepRegister
)

// Session drives one connection through negotiation. All methods must be
// called on the executor.
type Session struct {
	id            ID
	conn          transport.Connection
	exec          loop.Executor
	registry      *Registry
	vendors       *message.VendorRegistry
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger

	legacy  *message.LegacyCodec
	current *message.CurrentCodec
	bus     event.Bus[Event]

	open          bool
	state         State
	err           error
	transient     bool
	beforeTimeout State

	version    ProtocolVersion
	api        APIVersion
	address    string
	serials    []string
	identities []transport.Identity
	features   []FeatureVersion

	step        setupStep
	plugins     map[message.Feature]Plugin
	order       []message.Feature
	registering int
	starting    bool
	started     bool
	updateReady bool
}

// New creates a session for config.Connection. Call Open to attach it.
func New(config Config) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	current, err := message.NewCurrentCodec(message.CurrentConfig{Vendors: config.Vendors})
	if err != nil {
		return nil, err
	}

	return &Session{
		id:            config.ID,
		conn:          config.Connection,
		exec:          config.Executor,
		registry:      config.Registry,
		vendors:       config.Vendors,
		loggerFactory: config.LoggerFactory,
		log:           config.LoggerFactory.NewLogger("session"),
		legacy:        message.NewLegacyCodec(),
		current:       current,
		plugins:       make(map[message.Feature]Plugin),
	}, nil
}

// ID returns the session ID.
func (s *Session) ID() ID { return s.id }

// Connection returns the underlying connection.
func (s *Session) Connection() transport.Connection { return s.conn }

// State returns the session state.
func (s *Session) State() State { return s.state }

// Err returns the failure reason while in StateFailed.
func (s *Session) Err() error { return s.err }

// Version returns the negotiated protocol generation.
func (s *Session) Version() ProtocolVersion { return s.version }

// APIVersion returns the probe result.
func (s *Session) APIVersion() APIVersion { return s.api }

// Address returns the reported Bluetooth address, if any.
func (s *Session) Address() string { return s.address }

// Serials returns the reported serial numbers.
func (s *Session) Serials() []string { return s.serials }

// Identities returns the equivalent identity set. Empty until the accessory
// has reported an address or serial.
func (s *Session) Identities() []transport.Identity { return s.identities }

// Features returns the features reported by the accessory.
func (s *Session) Features() []FeatureVersion { return s.features }

// Subscribe registers fn for session events.
func (s *Session) Subscribe(fn event.Handler[Event]) (cancel func()) {
	return s.bus.Subscribe(fn)
}

// Plugin returns the plugin named by h.
func (s *Session) Plugin(h PluginHandle) (Plugin, bool) {
	if h.Session != s.id {
		return nil, false
	}
	p, ok := s.plugins[h.Feature]
	return p, ok
}

// Plugins returns handles for every plugin in creation order.
func (s *Session) Plugins() []PluginHandle {
	out := make([]PluginHandle, len(s.order))
	for i, f := range s.order {
		out[i] = PluginHandle{Session: s.id, Feature: f}
	}
	return out
}

// Open attaches the session to its connection and catches up with the
// connection's current state.
func (s *Session) Open() {
	if s.open {
		return
	}
	s.open = true
	s.conn.SetHandler(s.handle)

	if st := s.conn.State(); st != transport.StateDisconnected {
		s.connectionStateChanged(st, s.conn.Err())
	}
}

// Close detaches the session and stops its plugins. Subscriptions are
// dropped.
func (s *Session) Close() {
	if !s.open {
		return
	}
	s.open = false
	s.conn.SetHandler(nil)
	s.stopPlugins()
	s.bus.Close()
}

func (s *Session) handle(ev transport.Event) {
	if !s.open {
		return
	}
	switch ev.Type {
	case transport.EventStateChanged:
		s.connectionStateChanged(ev.State, ev.Err)
	case transport.EventDataReceived:
		if ev.Channel == transport.ChannelData {
			s.dataReceived(ev.Data)
		} else {
			s.messageReceived(ev.Data)
		}
	case transport.EventDidSendData:
		if ev.Err != nil {
			s.log.Warnf("write on %v failed: %v", ev.Channel, ev.Err)
		}
		for _, f := range s.order {
			s.plugins[f].DidSendData(ev.Channel, ev.Err)
		}
	case transport.EventWriteTimedOut:
		s.writeTimedOut()
	}
}

func (s *Session) connectionStateChanged(st transport.State, err error) {
	switch st {
	case transport.StateDisconnected:
		s.setState(StateDisconnected, err)
		s.stopPlugins()
		s.resetNegotiation()

	case transport.StateUninitialised:
		s.setState(StateAwaitingTransportSetup, nil)
		if err := s.conn.Start(); err != nil {
			s.fail(fmt.Errorf("%w: %w", transport.ErrTransportSetupFailed, err))
		}

	case transport.StateInitialising:
		s.setState(StateSettingUpTransport, nil)

	case transport.StateInitialisationFailed:
		if err == nil {
			err = s.conn.Err()
		}
		if err == nil {
			err = transport.ErrTransportSetupFailed
		}
		s.fail(err)

	case transport.StateReady:
		s.setState(StateTransportReady, nil)
		s.beginProtocol()
	}
}

func (s *Session) beginProtocol() {
	s.setState(StateSettingUpProtocol, nil)
	s.step = stepProbe

	probe, err := s.legacy.Encode(message.CommandID{Command: LegacyGetAPIVersion}, nil)
	if err == nil {
		err = s.conn.Send(transport.ChannelCommand, probe, true)
	}
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrVersionCouldNotBeDetermined, err))
	}
}

func (s *Session) messageReceived(data []byte) {
	codec := message.Codec(s.legacy)
	if s.version == VersionCurrent {
		codec = s.current
	}

	m, err := codec.Decode(data)
	if err != nil {
		s.log.Debugf("dropping inbound % X: %v", data, err)
		return
	}

	if m.Kind().IsAcknowledgement() {
		s.conn.AcknowledgementReceived()
		s.recoverFromTimeout()
	}

	if s.version == VersionUnknown {
		s.probeResponse(m)
		return
	}

	switch v := m.(type) {
	case message.Vendor:
		if s.vendors == nil || !s.vendors.Dispatch(v) {
			s.log.Debugf("no handler for vendor %04X", v.VendorID)
		}
		return
	case message.Unknown:
		s.log.Debugf("unknown message % X", v.Data)
		return
	case message.Command:
		s.log.Debugf("ignoring command %v from accessory", v.ID)
		return
	}

	id, _ := message.IDOf(m)
	if s.version == VersionCurrent && id.Feature == message.FeatureCore {
		s.coreMessage(m, id)
		return
	}

	feature := id.Feature
	if s.version == VersionLegacy {
		feature = UpdateFeature
	}
	if p, ok := s.plugins[feature]; ok {
		p.ResponseReceived(m)
		return
	}
	s.log.Debugf("no plugin for %v %v", m.Kind(), id)
}

func (s *Session) probeResponse(m message.Message) {
	if s.step != stepProbe {
		return
	}
	id, _ := message.IDOf(m)
	if id.Command != LegacyGetAPIVersion {
		s.log.Debugf("ignoring %v %v while probing", m.Kind(), id)
		return
	}

	var payload []byte
	switch v := m.(type) {
	case message.Response:
		payload = v.Payload
	case message.Error:
		s.fail(fmt.Errorf("%w: probe rejected with code %d", ErrVersionCouldNotBeDetermined, v.Code))
		return
	default:
		return
	}

	api, err := parseAPIVersion(payload)
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrVersionCouldNotBeDetermined, err))
		return
	}
	s.api = api
	s.version = api.ProtocolVersion()
	s.step = stepNone
	s.log.Infof("%s speaks API %v (%v)", s.conn.Identity(), api, s.version)
	s.bus.Publish(Event{Type: EventVersionResolved, Session: s.id, State: s.state, Version: s.version})

	if s.version == VersionLegacy {
		s.legacySetup()
		return
	}
	if api.Minor >= MinorWithAddress {
		s.request(stepAddress, CoreGetBluetoothAddress, nil)
		return
	}
	s.request(stepSerial, CoreGetSerialNumber, nil)
}

func (s *Session) coreMessage(m message.Message, id message.CommandID) {
	if n, ok := m.(message.Notification); ok {
		s.coreNotification(n)
		return
	}

	var payload []byte
	var rejected error
	switch v := m.(type) {
	case message.Response:
		payload = v.Payload
	case message.Error:
		rejected = fmt.Errorf("core %04X rejected with code %d", id.Command, v.Code)
	}

	switch id.Command {
	case CoreGetBluetoothAddress:
		if s.step != stepAddress {
			return
		}
		if rejected == nil {
			s.address, rejected = parseAddress(payload)
		}
		if rejected != nil {
			s.log.Warnf("address unavailable: %v", rejected)
		}
		s.request(stepSerial, CoreGetSerialNumber, nil)

	case CoreGetSerialNumber:
		if s.step != stepSerial {
			return
		}
		if rejected == nil {
			s.serials = parseSerials(payload)
		} else {
			s.log.Warnf("serial unavailable: %v", rejected)
		}
		s.resolveIdentities()
		s.request(stepFeatures, CoreGetSupportedFeatures, nil)

	case CoreGetSupportedFeatures, CoreGetSupportedFeaturesNext:
		if s.step != stepFeatures {
			return
		}
		if rejected != nil {
			s.log.Warnf("feature list incomplete: %v", rejected)
			s.createPlugins()
			return
		}
		more, page, err := parseFeatures(payload)
		if err != nil {
			s.log.Warnf("feature list incomplete: %v", err)
			s.createPlugins()
			return
		}
		s.features = append(s.features, page...)
		if more {
			s.request(stepFeatures, CoreGetSupportedFeaturesNext, nil)
			return
		}
		s.createPlugins()

	case CoreRegisterNotification:
		if s.step != stepRegister || s.registering == 0 {
			return
		}
		if rejected != nil {
			s.log.Warnf("notification registration: %v", rejected)
		}
		s.registering--
		if s.registering == 0 {
			s.startPlugins()
		}

	default:
		s.log.Debugf("unhandled core %v", m.Kind())
	}
}

func (s *Session) coreNotification(n message.Notification) {
	switch n.ID.Command {
	case CoreNotifyHandoverAboutToHappen:
		h, err := parseHandover(n.Payload)
		if err != nil {
			s.log.Warnf("handover notification: %v", err)
			return
		}
		s.log.Infof("%v handover in %v", h.Kind, h.Delay)
		s.bus.Publish(Event{Type: EventHandoverAboutToHappen, Session: s.id, State: s.state, Handover: h})

	case CoreNotifyHandoverComplete:
		s.log.Info("handover complete")
		for _, f := range s.order {
			s.plugins[f].HandoverDidOccur()
		}
		s.bus.Publish(Event{Type: EventHandoverComplete, Session: s.id, State: s.state})

	default:
		s.log.Debugf("unhandled core notification %04X", n.ID.Command)
	}
}

func (s *Session) request(step setupStep, command uint16, payload []byte) {
	s.step = step
	if err := s.sendCommand(coreID(command), payload); err != nil {
		s.fail(err)
	}
}

func (s *Session) resolveIdentities() {
	var addresses []string
	if s.address != "" {
		addresses = []string{s.address}
	}
	s.identities = s.conn.EquivalentIdentities(addresses, s.serials)
	if len(s.identities) > 0 {
		s.bus.Publish(Event{Type: EventIdentitiesResolved, Session: s.id, State: s.state, Identities: s.identities})
	}
}

func (s *Session) createPlugins() {
	for _, fv := range s.features {
		if fv.Feature == message.FeatureCore {
			continue
		}
		s.addPlugin(fv.Feature, fv.Version)
	}

	s.step = stepRegister
	s.registering = len(s.order)
	if s.registering == 0 {
		s.startPlugins()
		return
	}
	for _, f := range s.order {
		if err := s.sendCommand(coreID(CoreRegisterNotification), []byte{uint8(f)}); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Session) legacySetup() {
	s.addPlugin(UpdateFeature, 0)
	s.startPlugins()
}

func (s *Session) addPlugin(f message.Feature, version uint8) {
	if _, exists := s.plugins[f]; exists {
		return
	}
	fn, ok := s.registry.Factory(f)
	if !ok {
		s.log.Debugf("no plugin for %v", f)
		return
	}
	p := fn(&pluginHost{s: s, feature: f}, version)
	if p == nil {
		return
	}
	s.plugins[f] = p
	s.order = append(s.order, f)
	s.log.Debugf("created plugin %v v%d", f, version)
}

func (s *Session) startPlugins() {
	s.step = stepNone
	s.starting = true
	for _, f := range s.order {
		s.plugins[f].Start()
		if !s.open {
			return
		}
	}
	s.starting = false
	s.started = true
	s.checkReady()
}

func (s *Session) pluginReady(f message.Feature) {
	if f != UpdateFeature || s.updateReady {
		return
	}
	s.updateReady = true
	s.checkReady()
}

// checkReady enters ProtocolReady once every plugin is started and the
// update plugin, if any, has signalled.
func (s *Session) checkReady() {
	if s.state != StateSettingUpProtocol || !s.started || s.starting {
		return
	}
	if _, hasUpdate := s.plugins[UpdateFeature]; hasUpdate && !s.updateReady {
		return
	}
	s.setState(StateProtocolReady, nil)
}

func (s *Session) writeTimedOut() {
	if s.state == StateFailed {
		return
	}
	if s.step == stepProbe {
		s.fail(fmt.Errorf("%w: %w", ErrVersionCouldNotBeDetermined, transport.ErrWriteTimedOut))
		return
	}
	s.log.Warn("command timed out")
	s.beforeTimeout = s.state
	s.transient = true
	s.setState(StateFailed, transport.ErrWriteTimedOut)
	s.skipTimedOutStep()
}

// skipTimedOutStep treats a lost setup reply like a rejected one, so
// negotiation reaches ProtocolReady once the link recovers. Setup requests
// are the only acknowledged commands in flight before the plugins start.
func (s *Session) skipTimedOutStep() {
	switch s.step {
	case stepAddress:
		s.log.Warn("address unavailable: request timed out")
		s.request(stepSerial, CoreGetSerialNumber, nil)
	case stepSerial:
		s.log.Warn("serial unavailable: request timed out")
		s.resolveIdentities()
		s.request(stepFeatures, CoreGetSupportedFeatures, nil)
	case stepFeatures:
		s.log.Warn("feature list incomplete: request timed out")
		s.createPlugins()
	case stepRegister:
		if s.registering == 0 {
			return
		}
		s.log.Warn("notification registration timed out")
		s.registering--
		if s.registering == 0 {
			s.startPlugins()
		}
	}
}

func (s *Session) recoverFromTimeout() {
	if !s.transient || s.state != StateFailed {
		return
	}
	s.transient = false
	s.log.Info("recovered from command timeout")
	s.setState(s.beforeTimeout, nil)
	s.checkReady()
}

func (s *Session) dataReceived(data []byte) {
	for _, f := range s.order {
		if dr, ok := s.plugins[f].(DataReceiver); ok {
			dr.DataReceived(data)
		}
	}
}

func (s *Session) sendCommand(id message.CommandID, payload []byte) error {
	if !s.open {
		return ErrNotOpen
	}
	codec := message.Codec(s.legacy)
	if s.version == VersionCurrent {
		codec = s.current
	}
	data, err := codec.Encode(id, payload)
	if err != nil {
		return err
	}
	return s.conn.Send(transport.ChannelCommand, data, true)
}

func (s *Session) fail(err error) {
	s.transient = false
	s.step = stepNone
	s.log.Errorf("session failed: %v", err)
	s.setState(StateFailed, err)
}

func (s *Session) stopPlugins() {
	order := s.order
	plugins := s.plugins
	s.order = nil
	s.plugins = make(map[message.Feature]Plugin)
	for _, f := range order {
		plugins[f].Stop()
	}
}

func (s *Session) resetNegotiation() {
	s.version = VersionUnknown
	s.api = APIVersion{}
	s.address = ""
	s.serials = nil
	s.features = nil
	s.step = stepNone
	s.registering = 0
	s.starting = false
	s.started = false
	s.updateReady = false
	s.transient = false
}

func (s *Session) setState(st State, err error) {
	if s.state == st && err == nil {
		return
	}
	s.log.Debugf("state %v -> %v", s.state, st)
	s.state = st
	s.err = err
	s.bus.Publish(Event{Type: EventStateChanged, Session: s.id, State: st, Err: err, Version: s.version})
}
