package message

// HeaderLayout describes how the 16-bit command word of a current-protocol
// frame packs the message type and the command id.
//
// The layout is a table rather than hard-coded shifts so it can be adjusted
// against capture traces without touching the codec.
type HeaderLayout struct {
	// TypeShift is the bit position of the type field.
	TypeShift uint

	// TypeMask is the width mask of the type field (before shifting).
	TypeMask uint16

	// CommandMask selects the command id bits.
	CommandMask uint16

	// Type codes for each kind.
	CommandType      uint16
	NotificationType uint16
	ResponseType     uint16
	ErrorType        uint16
}

// DefaultLayout places the type in bits 15..14 and the command id in 13..0.
var DefaultLayout = HeaderLayout{
	TypeShift:        14,
	TypeMask:         0x03,
	CommandMask:      0x3FFF,
	CommandType:      0,
	NotificationType: 1,
	ResponseType:     2,
	ErrorType:        3,
}

// Validate checks the layout is self-consistent: the type and command fields
// must not overlap and the four type codes must be distinct and fit the mask.
func (l HeaderLayout) Validate() error {
	if l.TypeMask == 0 || l.CommandMask == 0 || l.TypeShift > 15 {
		return ErrInvalidLayout
	}
	typeBits := uint32(l.TypeMask) << l.TypeShift
	if typeBits > 0xFFFF || uint16(typeBits)&l.CommandMask != 0 {
		return ErrInvalidLayout
	}

	codes := []uint16{l.CommandType, l.NotificationType, l.ResponseType, l.ErrorType}
	seen := make(map[uint16]bool, len(codes))
	for _, c := range codes {
		if c&^l.TypeMask != 0 || seen[c] {
			return ErrInvalidLayout
		}
		seen[c] = true
	}
	return nil
}

// Pack builds a command word. Returns ErrInvalidCommand if the command does
// not fit the command field, ErrNotEncodable for kinds without a type code.
func (l HeaderLayout) Pack(kind Kind, command uint16) (uint16, error) {
	if command&^l.CommandMask != 0 {
		return 0, ErrInvalidCommand
	}

	var code uint16
	switch kind {
	case KindCommand:
		code = l.CommandType
	case KindNotification:
		code = l.NotificationType
	case KindResponse:
		code = l.ResponseType
	case KindError:
		code = l.ErrorType
	default:
		return 0, ErrNotEncodable
	}

	return code<<l.TypeShift | command, nil
}

// Unpack splits a command word. ok is false if the type code is not one of
// the four known codes.
func (l HeaderLayout) Unpack(word uint16) (kind Kind, command uint16, ok bool) {
	code := (word >> l.TypeShift) & l.TypeMask
	command = word & l.CommandMask

	switch code {
	case l.CommandType:
		return KindCommand, command, true
	case l.NotificationType:
		return KindNotification, command, true
	case l.ResponseType:
		return KindResponse, command, true
	case l.ErrorType:
		return KindError, command, true
	default:
		return KindUnknown, command, false
	}
}
