package transport

import "errors"

// Stream frame layout:
//
//	+-----+---------+-------+--------------+---------+------------+
//	| SOF | version | flags | length (1|2) | payload | [checksum] |
//	+-----+---------+-------+--------------+---------+------------+
//
// The length field is two bytes big-endian when FlagExtendedLength is set.
// The optional checksum is the XOR of every preceding byte of the frame.
const (
	FrameSOF     = 0xFF
	FrameVersion = 0x01

	FlagChecksum       = 0x01
	FlagExtendedLength = 0x02

	// MaxFramePayload is the largest payload without extended length.
	MaxFramePayload = 0xFE

	// MaxExtendedFramePayload is the largest payload with extended length.
	MaxExtendedFramePayload = 0xFFFF

	frameHeaderLen         = 4
	extendedFrameHeaderLen = 5
)

var (
	errNeedMore      = errors.New("transport: incomplete frame")
	errBadFrame      = errors.New("transport: malformed frame")
	errFrameChecksum = errors.New("transport: frame checksum mismatch")
)

// StreamFramer wraps outbound messages in stream frames and reassembles
// inbound frames from arbitrary byte chunks.
type StreamFramer struct {
	// Checksum appends an XOR checksum to outbound frames.
	Checksum bool

	// Extended allows outbound payloads above MaxFramePayload.
	Extended bool

	// ReceiveLimit rejects inbound frames announcing a longer payload.
	// Zero means MaxExtendedFramePayload.
	ReceiveLimit int

	buf []byte
}

// MaxPayload returns the largest payload Encode accepts.
func (f *StreamFramer) MaxPayload() int {
	if f.Extended {
		return MaxExtendedFramePayload
	}
	return MaxFramePayload
}

// Encode frames payload. The extended-length header is only used when the
// payload does not fit the short form.
func (f *StreamFramer) Encode(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > f.MaxPayload() {
		return nil, ErrMessageTooLarge
	}

	var flags byte
	if f.Checksum {
		flags |= FlagChecksum
	}
	extended := len(payload) > MaxFramePayload
	if extended {
		flags |= FlagExtendedLength
	}

	out := make([]byte, 0, extendedFrameHeaderLen+len(payload)+1)
	out = append(out, FrameSOF, FrameVersion, flags)
	if extended {
		out = append(out, byte(len(payload)>>8), byte(len(payload)))
	} else {
		out = append(out, byte(len(payload)))
	}
	out = append(out, payload...)

	if f.Checksum {
		out = append(out, xorSum(out))
	}
	return out, nil
}

// Feed appends data to the reassembly buffer and returns every complete
// payload now available. Malformed input is skipped up to the next SOF.
func (f *StreamFramer) Feed(data []byte) [][]byte {
	f.buf = append(f.buf, data...)

	var out [][]byte
	for len(f.buf) > 0 {
		payload, n, err := parseFrame(f.buf, f.receiveLimit())
		if errors.Is(err, errNeedMore) {
			break
		}
		if err != nil {
			f.resync()
			continue
		}
		out = append(out, payload)
		f.buf = f.buf[n:]
	}

	if len(f.buf) == 0 {
		f.buf = nil
	}
	return out
}

func (f *StreamFramer) receiveLimit() int {
	if f.ReceiveLimit <= 0 {
		return MaxExtendedFramePayload
	}
	return f.ReceiveLimit
}

// Buffered returns the number of bytes awaiting a complete frame.
func (f *StreamFramer) Buffered() int {
	return len(f.buf)
}

// Reset discards buffered bytes.
func (f *StreamFramer) Reset() {
	f.buf = nil
}

// resync drops the current byte and everything up to the next SOF.
func (f *StreamFramer) resync() {
	for i := 1; i < len(f.buf); i++ {
		if f.buf[i] == FrameSOF {
			f.buf = f.buf[i:]
			return
		}
	}
	f.buf = nil
}

// parseFrame parses one frame at the start of b. It returns the payload and
// the number of bytes consumed.
func parseFrame(b []byte, limit int) ([]byte, int, error) {
	if b[0] != FrameSOF {
		return nil, 0, errBadFrame
	}
	if len(b) < 3 {
		return nil, 0, errNeedMore
	}
	if b[1] != FrameVersion {
		return nil, 0, errBadFrame
	}

	flags := b[2]
	if flags&^(FlagChecksum|FlagExtendedLength) != 0 {
		return nil, 0, errBadFrame
	}

	headerLen := frameHeaderLen
	if flags&FlagExtendedLength != 0 {
		headerLen = extendedFrameHeaderLen
	}
	if len(b) < headerLen {
		return nil, 0, errNeedMore
	}

	var length int
	if flags&FlagExtendedLength != 0 {
		length = int(b[3])<<8 | int(b[4])
	} else {
		length = int(b[3])
	}
	if length == 0 || length > limit {
		return nil, 0, errBadFrame
	}

	total := headerLen + length
	if flags&FlagChecksum != 0 {
		total++
	}
	if len(b) < total {
		return nil, 0, errNeedMore
	}

	if flags&FlagChecksum != 0 && xorSum(b[:total-1]) != b[total-1] {
		return nil, 0, errFrameChecksum
	}

	payload := make([]byte, length)
	copy(payload, b[headerLen:headerLen+length])
	return payload, total, nil
}

func xorSum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum ^= v
	}
	return sum
}
