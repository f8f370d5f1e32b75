// Package session implements the per-device GAIA session.
//
// A Session sits on top of a transport.Connection and drives it from
// transport bring-up through protocol negotiation to readiness:
//
//	Disconnected -> AwaitingTransportSetup -> SettingUpTransport ->
//	TransportReady -> SettingUpProtocol -> ProtocolReady
//
// with Failed reachable from any state. Negotiation starts with a version
// probe. Accessories on the current protocol then report their address,
// serial numbers and supported features, and one Plugin is created per
// feature from a Registry. Every plugin is registered for notifications
// before plugins are started. If an update plugin exists the session only
// becomes ProtocolReady once that plugin signals readiness.
//
// A new Session is created for every connection attempt; nothing survives a
// disconnect except what the owner re-injects.
package session

import "fmt"

// State is the session lifecycle state.
type State int

const (
	// StateDisconnected means the connection is down.
	StateDisconnected State = iota

	// StateAwaitingTransportSetup means the connection is up and endpoint
	// setup has been requested.
	StateAwaitingTransportSetup

	// StateSettingUpTransport means endpoints are being set up.
	StateSettingUpTransport

	// StateTransportReady means endpoints are usable.
	StateTransportReady

	// StateSettingUpProtocol means version and feature negotiation is in
	// progress.
	StateSettingUpProtocol

	// StateProtocolReady means every plugin is started and ready.
	StateProtocolReady

	// StateFailed means the session failed. Session.Err holds the reason.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateAwaitingTransportSetup:
		return "AwaitingTransportSetup"
	case StateSettingUpTransport:
		return "SettingUpTransport"
	case StateTransportReady:
		return "TransportReady"
	case StateSettingUpProtocol:
		return "SettingUpProtocol"
	case StateProtocolReady:
		return "ProtocolReady"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ProtocolVersion is the protocol generation spoken by the accessory.
type ProtocolVersion int

const (
	// VersionUnknown means the version probe has not completed.
	VersionUnknown ProtocolVersion = iota

	// VersionLegacy is the flat command space.
	VersionLegacy

	// VersionCurrent is the feature-scoped command space.
	VersionCurrent
)

// String returns a human-readable name for the version.
func (v ProtocolVersion) String() string {
	switch v {
	case VersionLegacy:
		return "Legacy"
	case VersionCurrent:
		return "Current"
	default:
		return "Unknown"
	}
}

// HandoverKind distinguishes handovers announced by the accessory.
type HandoverKind uint8

const (
	// HandoverStatic is a primary/secondary swap that drops the link.
	HandoverStatic HandoverKind = 0

	// HandoverDynamic is driven by explicit pause/unpause elsewhere.
	HandoverDynamic HandoverKind = 1
)

func (k HandoverKind) String() string {
	switch k {
	case HandoverStatic:
		return "Static"
	case HandoverDynamic:
		return "Dynamic"
	default:
		return fmt.Sprintf("HandoverKind(%d)", uint8(k))
	}
}

// EventType discriminates session events.
type EventType int

const (
	// EventStateChanged reports a state transition. Event.Err holds the
	// failure reason for StateFailed and the link error, if any, for
	// StateDisconnected.
	EventStateChanged EventType = iota

	// EventVersionResolved reports the probe outcome in Event.Version.
	EventVersionResolved

	// EventIdentitiesResolved reports Event.Identities.
	EventIdentitiesResolved

	// EventHandoverAboutToHappen reports Event.Handover.
	EventHandoverAboutToHappen

	// EventHandoverComplete reports that a handover finished.
	EventHandoverComplete
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "StateChanged"
	case EventVersionResolved:
		return "VersionResolved"
	case EventIdentitiesResolved:
		return "IdentitiesResolved"
	case EventHandoverAboutToHappen:
		return "HandoverAboutToHappen"
	case EventHandoverComplete:
		return "HandoverComplete"
	default:
		return "Unknown"
	}
}
