package rwcp

import "fmt"

// HeaderSize is the segment header in front of the payload.
const HeaderSize = 1

const (
	opShift = 6
	seqMask = 0x3F
	opMask  = 0x03
)

// Segment is one RWCP segment.
type Segment struct {
	Op      Op
	Seq     int
	Payload []byte
}

// Encode returns the wire form of s.
func (s Segment) Encode() []byte {
	b := make([]byte, HeaderSize+len(s.Payload))
	b[0] = byte(s.Op&opMask)<<opShift | byte(s.Seq&seqMask)
	copy(b[HeaderSize:], s.Payload)
	return b
}

// DecodeSegment parses a segment. The payload aliases data.
func DecodeSegment(data []byte) (Segment, error) {
	if len(data) < HeaderSize {
		return Segment{}, ErrSegmentTooShort
	}
	return Segment{
		Op:      Op(data[0]>>opShift) & opMask,
		Seq:     int(data[0] & seqMask),
		Payload: data[HeaderSize:],
	}, nil
}

func (s Segment) String() string {
	return fmt.Sprintf("op=%d seq=%d len=%d", s.Op, s.Seq, len(s.Payload))
}
