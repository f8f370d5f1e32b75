package message

import "errors"

// Codec errors.
var (
	// ErrNotAMessage is returned by Decode for any input that is not a
	// complete, well-formed message. The cause is wrapped alongside it.
	ErrNotAMessage = errors.New("message: not a message")

	// ErrMessageTooShort is wrapped by ErrNotAMessage for truncated input.
	ErrMessageTooShort = errors.New("message: data too short")

	// ErrInvalidCommand is returned when a command id does not fit the
	// protocol's command space.
	ErrInvalidCommand = errors.New("message: invalid command id")

	// ErrInvalidStatus is returned when a legacy error carries status 0,
	// which is reserved for success.
	ErrInvalidStatus = errors.New("message: legacy error requires non-zero status")

	// ErrNotEncodable is returned for message kinds a codec cannot emit.
	ErrNotEncodable = errors.New("message: message kind not encodable by this codec")

	// ErrInvalidLayout is returned when a HeaderLayout is inconsistent.
	ErrInvalidLayout = errors.New("message: invalid header layout")

	// ErrVendorRegistered is returned when a vendor handler already exists.
	ErrVendorRegistered = errors.New("message: vendor handler already registered")
)
