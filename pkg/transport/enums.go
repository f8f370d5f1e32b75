// Package transport implements the byte-oriented accessory connections
// consumed by the session layer.
//
// Every adapter implements Connection: a lifecycle (Disconnected,
// Uninitialised, Initialising, InitialisationFailed, Ready), a channel-tagged
// send path gated by a per-connection CommandQueue, and negotiable size
// limits. Two adapters are provided:
//   - GATTConnection drives a Peripheral exposing the command-write,
//     response-notify and data-notify characteristic triad.
//   - StreamConnection drives a byte stream (RFCOMM, accessory protocol
//     session, TCP to an emulator) framed by StreamFramer.
//
// Connections are not safe for concurrent use. All methods must be called on
// the connection's loop.Executor, and all events are delivered there.
package transport

// Kind identifies the physical transport of a connection.
type Kind int

const (
	// KindUnknown is the zero value for unknown transport.
	KindUnknown Kind = iota
	// KindGATT is the BLE-style characteristic transport.
	KindGATT
	// KindStream is the streaming accessory-protocol transport.
	KindStream
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindGATT:
		return "GATT"
	case KindStream:
		return "Stream"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the kind is a known valid kind.
func (k Kind) IsValid() bool {
	return k == KindGATT || k == KindStream
}

// Channel selects the logical pipe a payload travels on.
type Channel int

const (
	// ChannelCommand carries ordered, acknowledgement-gated requests.
	ChannelCommand Channel = iota
	// ChannelResponse carries notifications and asynchronous replies.
	ChannelResponse
	// ChannelData carries bulk data (RWCP during firmware transfer).
	ChannelData
)

// String returns the string representation of the channel.
func (c Channel) String() string {
	switch c {
	case ChannelCommand:
		return "command"
	case ChannelResponse:
		return "response"
	case ChannelData:
		return "data"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a physical connection.
type State int

const (
	// StateDisconnected means no platform connection exists.
	StateDisconnected State = iota

	// StateUninitialised means the platform connection is up but transport
	// endpoints have not been set up.
	StateUninitialised

	// StateInitialising means endpoint discovery/opening is in progress.
	StateInitialising

	// StateInitialisationFailed means endpoint setup failed. The caller must
	// disconnect and retry explicitly.
	StateInitialisationFailed

	// StateReady means messages can be exchanged.
	StateReady
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateUninitialised:
		return "Uninitialised"
	case StateInitialising:
		return "Initialising"
	case StateInitialisationFailed:
		return "InitialisationFailed"
	case StateReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// IsConnected returns true for every state above Disconnected.
func (s State) IsConnected() bool {
	return s != StateDisconnected
}
