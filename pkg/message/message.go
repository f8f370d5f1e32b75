package message

import "fmt"

// CommandID addresses a command. For legacy messages Feature is FeatureNone
// and Command spans the flat command space.
type CommandID struct {
	Feature Feature
	Command uint16
}

// String returns "feature/command" in hex.
func (c CommandID) String() string {
	return fmt.Sprintf("%02X/%04X", uint8(c.Feature), c.Command)
}

// Message is a decoded frame. The concrete type is one of Command,
// Notification, Response, Error, Vendor or Unknown.
type Message interface {
	Kind() Kind
}

// Command is a host request.
type Command struct {
	ID      CommandID
	Payload []byte
}

// Notification is an unsolicited event from the accessory. For legacy
// messages ID.Command holds the event id.
type Notification struct {
	ID      CommandID
	Payload []byte
}

// Response is a successful acknowledgement.
type Response struct {
	ID      CommandID
	Payload []byte
}

// Error is a failed acknowledgement with a reason code.
type Error struct {
	ID      CommandID
	Code    uint8
	Payload []byte
}

// Vendor is a frame addressed to a foreign vendor that has a registered
// extension handler. Data holds everything after the vendor id.
type Vendor struct {
	VendorID uint16
	Data     []byte
}

// Unknown is a frame that cannot be interpreted. Data holds the whole frame.
type Unknown struct {
	Data []byte
}

func (Command) Kind() Kind      { return KindCommand }
func (Notification) Kind() Kind { return KindNotification }
func (Response) Kind() Kind     { return KindResponse }
func (Error) Kind() Kind        { return KindError }
func (Vendor) Kind() Kind       { return KindVendor }
func (Unknown) Kind() Kind      { return KindUnknown }

// IDOf returns the command id carried by m, if any.
func IDOf(m Message) (CommandID, bool) {
	switch v := m.(type) {
	case Command:
		return v.ID, true
	case Notification:
		return v.ID, true
	case Response:
		return v.ID, true
	case Error:
		return v.ID, true
	default:
		return CommandID{}, false
	}
}

// Codec encodes and decodes frames for one protocol generation.
type Codec interface {
	// Decode parses one complete frame.
	Decode(data []byte) (Message, error)

	// Encode builds a host command frame.
	Encode(id CommandID, payload []byte) ([]byte, error)

	// EncodeMessage builds a frame for any encodable message.
	EncodeMessage(m Message) ([]byte, error)
}

// notAMessage wraps cause with ErrNotAMessage.
func notAMessage(cause error) error {
	return fmt.Errorf("%w: %w", ErrNotAMessage, cause)
}

// cloneBytes returns a copy of b, or nil when b is empty.
func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
