package message

import "encoding/binary"

// CurrentHeaderSize is the frame overhead before the body.
const CurrentHeaderSize = currentHeaderSize

const (
	vendorFieldSize     = 2
	currentHeaderSize   = vendorFieldSize + 1 + 2 // vendor | feature | command word
	currentErrorCodeLen = 1
)

// CurrentConfig configures a CurrentCodec.
type CurrentConfig struct {
	// VendorID is the implementer's own vendor id (default: VendorQualcomm).
	VendorID uint16

	// Layout is the command word layout (default: DefaultLayout).
	Layout *HeaderLayout

	// Vendors receives opaque frames for foreign vendors. Optional; without
	// it foreign frames decode as Unknown.
	Vendors *VendorRegistry
}

// CurrentCodec implements the feature-scoped command space.
//
// Wire format (big-endian):
//
//	vendorID(2) | featureID(1) | commandWord(2) | body
//
// Error bodies start with a reason code byte. For foreign vendor ids only the
// vendor id is interpreted.
type CurrentCodec struct {
	vendorID uint16
	layout   HeaderLayout
	vendors  *VendorRegistry
}

// NewCurrentCodec creates a current-protocol codec.
func NewCurrentCodec(config CurrentConfig) (*CurrentCodec, error) {
	if config.VendorID == 0 {
		config.VendorID = VendorQualcomm
	}
	layout := DefaultLayout
	if config.Layout != nil {
		layout = *config.Layout
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	return &CurrentCodec{
		vendorID: config.VendorID,
		layout:   layout,
		vendors:  config.Vendors,
	}, nil
}

// VendorID returns the codec's own vendor id.
func (c *CurrentCodec) VendorID() uint16 {
	return c.vendorID
}

// Decode implements Codec.
func (c *CurrentCodec) Decode(data []byte) (Message, error) {
	if len(data) < vendorFieldSize {
		return nil, notAMessage(ErrMessageTooShort)
	}

	vendor := binary.BigEndian.Uint16(data)
	if vendor != c.vendorID {
		if c.vendors != nil && c.vendors.Has(vendor) {
			return Vendor{VendorID: vendor, Data: cloneBytes(data[vendorFieldSize:])}, nil
		}
		return Unknown{Data: cloneBytes(data)}, nil
	}

	if len(data) < currentHeaderSize {
		return nil, notAMessage(ErrMessageTooShort)
	}

	feature := Feature(data[2])
	word := binary.BigEndian.Uint16(data[3:5])
	body := data[currentHeaderSize:]

	kind, command, ok := c.layout.Unpack(word)
	if !ok {
		return Unknown{Data: cloneBytes(data)}, nil
	}
	id := CommandID{Feature: feature, Command: command}

	switch kind {
	case KindCommand:
		return Command{ID: id, Payload: cloneBytes(body)}, nil
	case KindNotification:
		return Notification{ID: id, Payload: cloneBytes(body)}, nil
	case KindResponse:
		return Response{ID: id, Payload: cloneBytes(body)}, nil
	default:
		if len(body) < currentErrorCodeLen {
			return nil, notAMessage(ErrMessageTooShort)
		}
		return Error{ID: id, Code: body[0], Payload: cloneBytes(body[1:])}, nil
	}
}

// Encode implements Codec.
func (c *CurrentCodec) Encode(id CommandID, payload []byte) ([]byte, error) {
	return c.EncodeMessage(Command{ID: id, Payload: payload})
}

// EncodeMessage implements Codec.
func (c *CurrentCodec) EncodeMessage(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Command:
		return c.frame(KindCommand, v.ID, nil, v.Payload)
	case Notification:
		return c.frame(KindNotification, v.ID, nil, v.Payload)
	case Response:
		return c.frame(KindResponse, v.ID, nil, v.Payload)
	case Error:
		return c.frame(KindError, v.ID, []byte{v.Code}, v.Payload)
	case Vendor:
		if v.VendorID == c.vendorID {
			return nil, ErrNotEncodable
		}
		buf := make([]byte, vendorFieldSize+len(v.Data))
		binary.BigEndian.PutUint16(buf, v.VendorID)
		copy(buf[vendorFieldSize:], v.Data)
		return buf, nil
	case Unknown:
		if len(v.Data) == 0 {
			return nil, ErrNotEncodable
		}
		return cloneBytes(v.Data), nil
	default:
		return nil, ErrNotEncodable
	}
}

func (c *CurrentCodec) frame(kind Kind, id CommandID, prefix, payload []byte) ([]byte, error) {
	word, err := c.layout.Pack(kind, id.Command)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, currentHeaderSize+len(prefix)+len(payload))
	binary.BigEndian.PutUint16(buf, c.vendorID)
	buf[2] = uint8(id.Feature)
	binary.BigEndian.PutUint16(buf[3:], word)
	n := currentHeaderSize
	n += copy(buf[n:], prefix)
	copy(buf[n:], payload)
	return buf, nil
}

// Verify CurrentCodec implements Codec.
var _ Codec = (*CurrentCodec)(nil)
