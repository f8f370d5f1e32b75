// Package message implements the GAIA frame codec.
//
// Two protocol generations are supported:
//   - Legacy: a flat 16-bit command space. Acknowledgements set the top bit
//     of the command id and carry a status byte.
//   - Current: every frame starts with a 16-bit vendor id. Frames for the
//     implementer's own vendor carry a feature id and a command word that
//     packs the message type and command id (see HeaderLayout). Frames for
//     other vendors are opaque and handed to a VendorRegistry.
//
// Decoding never panics: truncated or malformed input yields ErrNotAMessage
// and the caller decides how to recover framing.
package message

import "fmt"

// Feature identifies a capability area with its own command namespace.
// Legacy messages always use FeatureNone.
type Feature uint8

const (
	// FeatureCore is the core feature (version, features, notifications).
	FeatureCore Feature = 0x00

	// FeatureUpgrade is the firmware-update feature.
	FeatureUpgrade Feature = 0x06

	// FeatureNone is the feature value used by legacy messages.
	FeatureNone Feature = 0x00
)

// String returns a short name for well-known features.
func (f Feature) String() string {
	switch f {
	case FeatureCore:
		return "Core"
	case FeatureUpgrade:
		return "Upgrade"
	default:
		return fmt.Sprintf("Feature(0x%02X)", uint8(f))
	}
}

// Vendor identifiers.
const (
	// VendorQualcomm is the vendor id used by current-protocol frames.
	VendorQualcomm uint16 = 0x001D

	// VendorCSR is the vendor id used by older accessories.
	VendorCSR uint16 = 0x000A
)

// Kind is the message-type discriminator.
type Kind int

const (
	// KindUnknown is a frame that could be framed but not interpreted.
	KindUnknown Kind = iota
	// KindCommand is a host request.
	KindCommand
	// KindNotification is an unsolicited accessory event.
	KindNotification
	// KindResponse is a successful acknowledgement of a command.
	KindResponse
	// KindError is a failed acknowledgement of a command.
	KindError
	// KindVendor is a frame for a foreign vendor.
	KindVendor
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "Command"
	case KindNotification:
		return "Notification"
	case KindResponse:
		return "Response"
	case KindError:
		return "Error"
	case KindVendor:
		return "Vendor"
	default:
		return "Unknown"
	}
}

// IsAcknowledgement returns true for kinds that acknowledge a command.
func (k Kind) IsAcknowledgement() bool {
	return k == KindResponse || k == KindError
}
