package message

import "encoding/binary"

// Legacy frame constants.
const (
	// LegacyAckFlag marks an acknowledgement in the command id.
	LegacyAckFlag uint16 = 0x8000

	// LegacyCommandMask is the usable command space.
	LegacyCommandMask uint16 = 0x7FFF

	// LegacyEventNotification is the command id used for accessory events.
	LegacyEventNotification uint16 = 0x4003

	// LegacyStatusSuccess is the acknowledgement status for success.
	LegacyStatusSuccess uint8 = 0x00

	// LegacyHeaderSize is the command id field.
	LegacyHeaderSize = 2

	legacyHeaderSize = LegacyHeaderSize
)

// LegacyCodec implements the flat command space used by older accessories.
//
// Wire format (big-endian):
//
//	commandID(2) | body
//
// Acknowledgements: commandID|0x8000, body = status(1) | payload.
// Notifications: 0x4003, body = eventID(1) | payload.
type LegacyCodec struct{}

// NewLegacyCodec creates a legacy codec.
func NewLegacyCodec() *LegacyCodec {
	return &LegacyCodec{}
}

// Decode implements Codec.
func (c *LegacyCodec) Decode(data []byte) (Message, error) {
	if len(data) < legacyHeaderSize {
		return nil, notAMessage(ErrMessageTooShort)
	}

	command := binary.BigEndian.Uint16(data[:legacyHeaderSize])
	body := data[legacyHeaderSize:]

	if command&LegacyAckFlag != 0 {
		if len(body) < 1 {
			return nil, notAMessage(ErrMessageTooShort)
		}
		id := CommandID{Feature: FeatureNone, Command: command & LegacyCommandMask}
		status := body[0]
		if status == LegacyStatusSuccess {
			return Response{ID: id, Payload: cloneBytes(body[1:])}, nil
		}
		return Error{ID: id, Code: status, Payload: cloneBytes(body[1:])}, nil
	}

	if command == LegacyEventNotification {
		if len(body) < 1 {
			return nil, notAMessage(ErrMessageTooShort)
		}
		return Notification{
			ID:      CommandID{Feature: FeatureNone, Command: uint16(body[0])},
			Payload: cloneBytes(body[1:]),
		}, nil
	}

	return Command{
		ID:      CommandID{Feature: FeatureNone, Command: command},
		Payload: cloneBytes(body),
	}, nil
}

// Encode implements Codec.
func (c *LegacyCodec) Encode(id CommandID, payload []byte) ([]byte, error) {
	return c.EncodeMessage(Command{ID: id, Payload: payload})
}

// EncodeMessage implements Codec.
func (c *LegacyCodec) EncodeMessage(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Command:
		if err := validateLegacyID(v.ID); err != nil {
			return nil, err
		}
		if v.ID.Command == LegacyEventNotification {
			return nil, ErrInvalidCommand
		}
		return legacyFrame(v.ID.Command, nil, v.Payload), nil

	case Notification:
		if v.ID.Feature != FeatureNone || v.ID.Command > 0xFF {
			return nil, ErrInvalidCommand
		}
		return legacyFrame(LegacyEventNotification, []byte{uint8(v.ID.Command)}, v.Payload), nil

	case Response:
		if err := validateLegacyID(v.ID); err != nil {
			return nil, err
		}
		return legacyFrame(v.ID.Command|LegacyAckFlag, []byte{LegacyStatusSuccess}, v.Payload), nil

	case Error:
		if err := validateLegacyID(v.ID); err != nil {
			return nil, err
		}
		if v.Code == LegacyStatusSuccess {
			return nil, ErrInvalidStatus
		}
		return legacyFrame(v.ID.Command|LegacyAckFlag, []byte{v.Code}, v.Payload), nil

	default:
		return nil, ErrNotEncodable
	}
}

func validateLegacyID(id CommandID) error {
	if id.Feature != FeatureNone || id.Command&LegacyAckFlag != 0 {
		return ErrInvalidCommand
	}
	return nil
}

func legacyFrame(command uint16, prefix, payload []byte) []byte {
	buf := make([]byte, legacyHeaderSize+len(prefix)+len(payload))
	binary.BigEndian.PutUint16(buf, command)
	n := legacyHeaderSize
	n += copy(buf[n:], prefix)
	copy(buf[n:], payload)
	return buf
}

// Verify LegacyCodec implements Codec.
var _ Codec = (*LegacyCodec)(nil)
