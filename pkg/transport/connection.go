package transport

// EventType discriminates connection events.
type EventType int

const (
	// EventStateChanged reports a lifecycle transition. Event.State holds the
	// new state and Event.Err the cause, if any.
	EventStateChanged EventType = iota

	// EventDataReceived delivers one inbound message on Event.Channel.
	EventDataReceived

	// EventDidSendData reports that a queued payload was handed to the
	// platform. Event.Err is set if the write failed.
	EventDidSendData

	// EventWriteTimedOut reports that an acknowledgement-gated command was
	// not acknowledged in time. The queue has already unblocked itself.
	EventWriteTimedOut
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "StateChanged"
	case EventDataReceived:
		return "DataReceived"
	case EventDidSendData:
		return "DidSendData"
	case EventWriteTimedOut:
		return "WriteTimedOut"
	default:
		return "Unknown"
	}
}

// Event is delivered to a connection's Handler on the connection's executor.
type Event struct {
	Type    EventType
	State   State
	Channel Channel
	Data    []byte
	Err     error
}

// Handler receives connection events.
type Handler func(Event)

// TransportParameters are the size limits negotiated by the update feature's
// handshake with the accessory.
type TransportParameters struct {
	Version     uint8
	MaxSend     int
	OptimumSend int
	MaxReceive  int
}

// Connection is a byte-oriented accessory connection.
//
// All methods must be called on the connection's executor. Connect and Start
// are asynchronous: they return immediately and report their outcome
// through EventStateChanged.
type Connection interface {
	// Kind returns the physical transport kind.
	Kind() Kind

	// Identity returns the connection's current stable identity.
	Identity() Identity

	// State returns the current lifecycle state.
	State() State

	// Err returns the error behind the most recent failed transition.
	Err() error

	// SetHandler installs the event delegate. Passing nil removes it.
	SetHandler(h Handler)

	// Connect establishes the platform connection.
	// Valid only in StateDisconnected.
	Connect() error

	// CancelConnect abandons a Connect that has not completed yet.
	CancelConnect()

	// Disconnect tears the connection down. The queue is reset and the
	// negotiated transport parameters are cleared.
	Disconnect()

	// Start sets up the transport endpoints. Valid only in StateUninitialised.
	Start() error

	// Send enqueues payload on channel. Acknowledgement-gated payloads block
	// subsequent gated payloads until AcknowledgementReceived is called or
	// the command timeout expires.
	Send(ch Channel, payload []byte, ackExpected bool) error

	// AcknowledgementReceived releases the current in-flight gated command.
	AcknowledgementReceived()

	// TransportParametersReceived applies the sizes reported by the accessory.
	TransportParametersReceived(p TransportParameters)

	// MaxSendSize is the largest payload Send accepts.
	MaxSendSize() int

	// OptimumSendSize is the preferred payload size for bulk data.
	OptimumSendSize() int

	// MaxReceiveSize is the largest payload the host can receive.
	MaxReceiveSize() int

	// EquivalentIdentities returns the identities that denote the same
	// logical device as this connection. Empty input yields nil; otherwise
	// the result contains Identity().
	EquivalentIdentities(addresses, serials []string) []Identity
}
