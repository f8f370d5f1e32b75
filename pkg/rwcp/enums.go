// Package rwcp implements the Reliable Write Command Protocol, a sliding
// window ARQ that makes bulk data reliable over an unacknowledged GATT
// notify/write-without-response channel.
//
// Every segment carries a one-byte header: the opcode in bits 7..6 and a
// sequence number modulo 64 in bits 5..0, followed by the payload. The host
// side (Client) sends DATA, SYN and RST; the accessory side (Receiver)
// answers with DATA_ACK, SYN_ACK, RST_ACK and GAP.
//
// Flow control is additive increase, multiplicative decrease: every full
// window of cumulatively acknowledged segments grows the window by one, and a
// GAP halves it and triggers a resend of everything unacknowledged.
//
// A Client is not safe for concurrent use; drive it from its loop.Executor.
package rwcp

import "fmt"

// Op is the two-bit segment opcode. Its meaning depends on direction.
type Op uint8

// Host to accessory opcodes.
const (
	OpData Op = 0
	OpSYN  Op = 1
	OpRST  Op = 2
)

// Accessory to host opcodes.
const (
	OpDataAck Op = 0
	OpSYNAck  Op = 1
	OpRSTAck  Op = 2
	OpGAP     Op = 3
)

// State is the client connection state.
type State int

const (
	// StateListen means no session exists.
	StateListen State = iota

	// StateSynSent means a SYN is outstanding.
	StateSynSent

	// StateEstablished means DATA may flow.
	StateEstablished

	// StateClosing means an RST is outstanding.
	StateClosing
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateListen:
		return "Listen"
	case StateSynSent:
		return "SynSent"
	case StateEstablished:
		return "Established"
	case StateClosing:
		return "Closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
