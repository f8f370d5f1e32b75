package rwcp

// Receiver is the accessory side of an RWCP session. It acknowledges
// in-order DATA cumulatively and reports holes with a single GAP until the
// hole is filled.
//
// Receiver is synchronous and not safe for concurrent use.
type Receiver struct {
	sender  Sender
	deliver func(payload []byte)

	synced   bool
	expected int
	gapSent  bool

	// Received counts delivered segments.
	Received int
}

// NewReceiver creates a receiver that answers through sender and hands
// in-order payloads to deliver.
func NewReceiver(sender Sender, deliver func(payload []byte)) *Receiver {
	return &Receiver{sender: sender, deliver: deliver}
}

// Expected returns the next sequence number the receiver will accept.
func (r *Receiver) Expected() int { return r.expected }

// Established reports whether a SYN has been accepted.
func (r *Receiver) Established() bool { return r.synced }

// Receive processes one segment from the host.
func (r *Receiver) Receive(data []byte) {
	seg, err := DecodeSegment(data)
	if err != nil {
		return
	}

	switch seg.Op {
	case OpRST:
		r.synced = false
		r.gapSent = false
		r.reply(OpRSTAck, seg.Seq)
	case OpSYN:
		r.synced = true
		r.gapSent = false
		r.expected = increment(seg.Seq)
		r.reply(OpSYNAck, seg.Seq)
	case OpData:
		if !r.synced {
			return
		}
		r.receiveData(seg)
	}
}

func (r *Receiver) receiveData(seg Segment) {
	last := (r.expected + SequenceSpace - 1) % SequenceSpace
	switch d := distance(r.expected, seg.Seq); {
	case d == 0:
		r.expected = increment(r.expected)
		r.gapSent = false
		r.Received++
		if r.deliver != nil {
			r.deliver(append([]byte(nil), seg.Payload...))
		}
		r.reply(OpDataAck, seg.Seq)
	case d < MaxWindowLimit:
		// Ahead of expected: a segment was lost.
		if !r.gapSent {
			r.gapSent = true
			r.reply(OpGAP, last)
		}
	default:
		// Already delivered; the ack was lost.
		r.reply(OpDataAck, last)
	}
}

func (r *Receiver) reply(op Op, seq int) {
	r.sender.SendSegment(Segment{Op: op, Seq: seq}.Encode())
}
