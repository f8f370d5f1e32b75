package session

import (
	"sort"
	"sync"

	"github.com/backkem/gaia/pkg/loop"
	"github.com/backkem/gaia/pkg/message"
	"github.com/backkem/gaia/pkg/transport"
	"github.com/pion/logging"
)

// UpdateFeature is the feature whose plugin gates readiness.
const UpdateFeature = message.FeatureUpgrade

// Plugin implements one negotiated feature. All methods are called on the
// session's executor.
type Plugin interface {
	// Feature returns the feature the plugin serves.
	Feature() message.Feature

	// Start runs once every plugin of the session is registered.
	Start()

	// Stop runs when the session is torn down. The plugin must not use its
	// Host afterwards.
	Stop()

	// ResponseReceived delivers responses, errors and notifications
	// addressed to the plugin's feature.
	ResponseReceived(m message.Message)

	// DidSendData reports that a payload queued on ch was written.
	DidSendData(ch transport.Channel, err error)

	// HandoverDidOccur reports that the accessory completed a handover.
	HandoverDidOccur()
}

// DataReceiver is implemented by plugins that consume the data channel.
type DataReceiver interface {
	DataReceived(data []byte)
}

// Host is the session as seen by one plugin.
type Host interface {
	// Handle identifies the plugin within its session.
	Handle() PluginHandle

	// Executor is the session's executor.
	Executor() loop.Executor

	// LoggerFactory is the session's logger factory.
	LoggerFactory() logging.LoggerFactory

	// Version is the negotiated protocol generation.
	Version() ProtocolVersion

	// Connection is the underlying connection.
	Connection() transport.Connection

	// Identities is the session's equivalent identity set. It may be empty.
	Identities() []transport.Identity

	// SendCommand encodes a command with the session's codec and queues it
	// on the command channel, gated on its acknowledgement.
	SendCommand(id message.CommandID, payload []byte) error

	// SendData queues payload on the data channel without gating.
	SendData(payload []byte) error

	// SignalReady tells the session the plugin finished its own handshake.
	// Only the update plugin's signal gates readiness.
	SignalReady()
}

// Factory creates a plugin for a negotiated feature. version is the
// feature version reported by the accessory, 0 on the legacy protocol.
type Factory func(h Host, version uint8) Plugin

// Registry maps features to plugin factories. It is built once at start-up
// and passed to every session. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[message.Feature]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[message.Feature]Factory)}
}

// Register adds the factory for feature.
func (r *Registry) Register(feature message.Feature, fn Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[feature]; exists {
		return ErrFeatureRegistered
	}
	r.factories[feature] = fn
	return nil
}

// Factory returns the factory for feature.
func (r *Registry) Factory(feature message.Feature) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.factories[feature]
	return fn, ok
}

// Features returns the registered features in ascending order.
func (r *Registry) Features() []message.Feature {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]message.Feature, 0, len(r.factories))
	for f := range r.factories {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PluginHandle names a plugin of a specific session. Handles compare by
// value; a handle from an earlier session never matches a later one.
type PluginHandle struct {
	Session ID
	Feature message.Feature
}

// PluginAs returns the plugin for feature in s as a T.
func PluginAs[T any](s *Session, feature message.Feature) (T, bool) {
	var zero T
	p, ok := s.Plugin(PluginHandle{Session: s.ID(), Feature: feature})
	if !ok {
		return zero, false
	}
	t, ok := p.(T)
	return t, ok
}

type pluginHost struct {
	s       *Session
	feature message.Feature
}

func (h *pluginHost) Handle() PluginHandle {
	return PluginHandle{Session: h.s.id, Feature: h.feature}
}

func (h *pluginHost) Executor() loop.Executor              { return h.s.exec }
func (h *pluginHost) LoggerFactory() logging.LoggerFactory { return h.s.loggerFactory }
func (h *pluginHost) Version() ProtocolVersion             { return h.s.version }
func (h *pluginHost) Connection() transport.Connection     { return h.s.conn }
func (h *pluginHost) Identities() []transport.Identity     { return h.s.Identities() }

func (h *pluginHost) SendCommand(id message.CommandID, payload []byte) error {
	return h.s.sendCommand(id, payload)
}

func (h *pluginHost) SendData(payload []byte) error {
	if !h.s.open {
		return ErrNotOpen
	}
	return h.s.conn.Send(transport.ChannelData, payload, false)
}

func (h *pluginHost) SignalReady() {
	h.s.pluginReady(h.feature)
}
