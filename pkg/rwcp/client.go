package rwcp

import (
	"errors"
	"time"

	"github.com/backkem/gaia/pkg/loop"
	"github.com/pion/logging"
)

// Sender writes one encoded segment to the data channel without waiting for
// an acknowledgement.
type Sender interface {
	SendSegment(segment []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(segment []byte) error

// SendSegment implements Sender.
func (f SenderFunc) SendSegment(segment []byte) error {
	return f(segment)
}

// Delegate receives transfer progress.
type Delegate interface {
	// DidSendBytes reports payload bytes newly acknowledged by the peer.
	DidSendBytes(n int)

	// DidCompleteDataSend reports that every queued payload has been
	// acknowledged (err == nil) or that the transfer failed.
	DidCompleteDataSend(err error)
}

// Config configures a Client.
type Config struct {
	// Executor serializes the client. Required.
	Executor loop.Executor

	// Sender writes segments. Required.
	Sender Sender

	// Delegate receives progress. Optional.
	Delegate Delegate

	// InitialWindow is the starting window. Default: DefaultInitialWindow,
	// clamped to MaxWindow.
	InitialWindow int

	// MaxWindow is the largest window. Default: DefaultMaxWindow.
	// Must not exceed MaxWindowLimit.
	MaxWindow int

	// DataTimeout is the initial DATA retransmission timeout.
	// Default: DefaultDataTimeout.
	DataTimeout time.Duration

	// MaxDataTimeout caps the DATA retransmission timeout.
	// Default: DefaultMaxDataTimeout.
	MaxDataTimeout time.Duration

	// LoggerFactory creates the client's logger.
	// Default: logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.MaxWindow == 0 {
		c.MaxWindow = DefaultMaxWindow
	}
	if c.InitialWindow == 0 {
		c.InitialWindow = DefaultInitialWindow
		if c.InitialWindow > c.MaxWindow {
			c.InitialWindow = c.MaxWindow
		}
	}
	if c.DataTimeout == 0 {
		c.DataTimeout = DefaultDataTimeout
	}
	if c.MaxDataTimeout == 0 {
		c.MaxDataTimeout = DefaultMaxDataTimeout
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.Executor == nil {
		return errors.New("rwcp: config requires an executor")
	}
	if c.Sender == nil {
		return errors.New("rwcp: config requires a sender")
	}
	if c.MaxWindow < 1 || c.MaxWindow > MaxWindowLimit {
		return ErrInvalidWindow
	}
	if c.InitialWindow < 1 || c.InitialWindow > c.MaxWindow {
		return ErrInvalidWindow
	}
	return nil
}

// Client is the host side of an RWCP session.
type Client struct {
	exec     loop.Executor
	sender   Sender
	delegate Delegate
	log      logging.LeveledLogger

	initialWindow  int
	maxWindow      int
	baseTimeout    time.Duration
	maxDataTimeout time.Duration

	state   State
	pending [][]byte
	unacked []Segment

	lastAck       int
	next          int
	window        int
	credits       int
	ackedInWindow int
	lastGap       int

	dataTimeout time.Duration
	timer       loop.Timer
	busy        bool
}

// NewClient creates a client in StateListen.
func NewClient(config Config) (*Client, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		exec:           config.Executor,
		sender:         config.Sender,
		delegate:       config.Delegate,
		log:            config.LoggerFactory.NewLogger("rwcp"),
		initialWindow:  config.InitialWindow,
		maxWindow:      config.MaxWindow,
		baseTimeout:    config.DataTimeout,
		maxDataTimeout: config.MaxDataTimeout,
	}
	c.resetSequencing()
	return c, nil
}

// State returns the session state.
func (c *Client) State() State { return c.state }

// Window returns the current window.
func (c *Client) Window() int { return c.window }

// Credits returns the number of new segments that may be sent now.
func (c *Client) Credits() int { return c.credits }

// LastAck returns the last acknowledged sequence number.
func (c *Client) LastAck() int { return c.lastAck }

// NextSequence returns the sequence number the next new segment will use.
func (c *Client) NextSequence() int { return c.next }

// Outstanding returns the number of unacknowledged segments.
func (c *Client) Outstanding() int { return len(c.unacked) }

// Pending returns the number of queued payloads not yet sent.
func (c *Client) Pending() int { return len(c.pending) }

// DataTimeout returns the current DATA retransmission timeout.
func (c *Client) DataTimeout() time.Duration { return c.dataTimeout }

// Send queues payloads and starts or resumes the transfer.
func (c *Client) Send(payloads ...[]byte) error {
	for _, p := range payloads {
		c.pending = append(c.pending, append([]byte(nil), p...))
	}
	return c.StartTransfer()
}

// StartTransfer begins a session if none exists, or resumes sending DATA.
// From Listen an RST is sent first so the peer drops any stale session; the
// SYN follows its acknowledgement.
func (c *Client) StartTransfer() error {
	switch c.state {
	case StateListen:
		if len(c.pending) == 0 {
			return nil
		}
		c.busy = true
		c.sendRST()
		return nil
	case StateEstablished:
		c.busy = true
		c.sendData()
		c.checkComplete()
		return nil
	case StateSynSent:
		return nil
	case StateClosing:
		// An opening RST picks up the new payloads with the SYN.
		if c.busy {
			return nil
		}
		return ErrBusy
	default:
		return ErrBusy
	}
}

// Abort discards all queued and unacknowledged data and resets the peer.
// The delegate is told the transfer failed with ErrAborted. An abort during
// the opening RST leaves that RST in flight; its acknowledgement then lands
// in Listen. Calling Abort again before the RST is acknowledged has no
// effect.
func (c *Client) Abort() {
	wasActive := c.busy || len(c.pending) > 0 || len(c.unacked) > 0
	c.pending = nil
	c.unacked = nil
	c.busy = false

	switch c.state {
	case StateClosing:
		// The RST in flight resets the peer.
	case StateListen:
		c.stopTimer()
	default:
		c.sendRST()
	}

	if wasActive {
		c.complete(ErrAborted)
	}
}

// Reset drops all state without signalling the peer. Used when the
// underlying connection has gone away.
func (c *Client) Reset() {
	c.stopTimer()
	c.pending = nil
	c.unacked = nil
	c.busy = false
	c.state = StateListen
	c.resetSequencing()
}

// Received processes one segment from the accessory.
func (c *Client) Received(data []byte) {
	seg, err := DecodeSegment(data)
	if err != nil {
		c.log.Debugf("dropping segment: %v", err)
		return
	}
	c.log.Tracef("rx %v in %v", seg, c.state)

	switch seg.Op {
	case OpRSTAck:
		c.receiveRSTAck(seg.Seq)
	case OpSYNAck:
		c.receiveSYNAck(seg.Seq)
	case OpDataAck:
		c.receiveDataAck(seg.Seq)
	case OpGAP:
		c.receiveGAP(seg.Seq)
	}
}

func (c *Client) receiveRSTAck(seq int) {
	switch c.state {
	case StateClosing:
		c.stopTimer()
		c.resetSequencing()
		if len(c.pending) > 0 {
			c.sendSYN()
			return
		}
		c.state = StateListen
	case StateSynSent, StateEstablished:
		// The peer reset the session under us.
		c.log.Warnf("peer reset session in %v", c.state)
		c.fail(ErrPeerReset)
	}
}

func (c *Client) receiveSYNAck(seq int) {
	if c.state != StateSynSent {
		return
	}
	if len(c.unacked) != 1 || c.unacked[0].Seq != seq {
		c.log.Debugf("ignoring SYN_ACK %d", seq)
		return
	}
	c.stopTimer()
	c.unacked = nil
	c.lastAck = seq
	c.state = StateEstablished
	c.log.Debug("session established")
	c.sendData()
	c.checkComplete()
}

func (c *Client) receiveDataAck(seq int) {
	if c.state != StateEstablished {
		return
	}
	n := c.validAck(seq, 1)
	if n == 0 {
		c.log.Tracef("ignoring stale DATA_ACK %d", seq)
		return
	}

	c.dataTimeout = c.baseTimeout
	c.release(n, seq)
	c.lastGap = -1
	c.ackedInWindow += n
	for c.ackedInWindow >= c.window {
		c.ackedInWindow -= c.window
		if c.window < c.maxWindow {
			c.window++
		}
	}
	c.updateCredits()

	c.sendData()
	c.checkComplete()
}

func (c *Client) receiveGAP(seq int) {
	if c.state != StateEstablished {
		return
	}
	d := distance(c.lastAck, seq)
	if d > len(c.unacked) {
		c.log.Tracef("ignoring stale GAP %d", seq)
		return
	}
	if d == 0 && seq == c.lastGap {
		// The hole is already being resent; only shrink the window.
		c.shrinkWindow()
		c.log.Debugf("repeated GAP at %d: window %d", seq, c.window)
		return
	}

	if d > 0 {
		c.release(d, seq)
	}
	c.lastGap = seq
	c.shrinkWindow()
	c.log.Debugf("GAP at %d: window %d, resending %d", seq, c.window, len(c.unacked))

	c.resend()
	c.sendData()
	c.checkComplete()
}

// validAck returns how many unacknowledged segments seq acknowledges, or 0
// if seq is stale, duplicate or beyond anything sent.
func (c *Client) validAck(seq, min int) int {
	d := distance(c.lastAck, seq)
	if d < min || d > len(c.unacked) {
		return 0
	}
	return d
}

// release drops the first n unacknowledged segments.
func (c *Client) release(n, seq int) {
	bytes := 0
	for _, s := range c.unacked[:n] {
		bytes += len(s.Payload)
	}
	c.unacked = append([]Segment(nil), c.unacked[n:]...)
	c.lastAck = seq

	c.stopTimer()
	if len(c.unacked) > 0 {
		c.armTimer(c.dataTimeout)
	}
	if bytes > 0 && c.delegate != nil {
		c.delegate.DidSendBytes(bytes)
	}
}

func (c *Client) sendRST() {
	c.stopTimer()
	c.state = StateClosing
	c.write(Segment{Op: OpRST, Seq: c.next})
	c.armTimer(RSTTimeout)
}

func (c *Client) sendSYN() {
	c.stopTimer()
	c.state = StateSynSent
	syn := Segment{Op: OpSYN, Seq: c.next}
	c.next = increment(c.next)
	c.unacked = []Segment{syn}
	c.write(syn)
	c.armTimer(SYNTimeout)
}

// sendData sends new segments while credits allow.
func (c *Client) sendData() {
	if c.state != StateEstablished {
		return
	}
	for c.credits > 0 && len(c.pending) > 0 {
		seg := Segment{Op: OpData, Seq: c.next, Payload: c.pending[0]}
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.next = increment(c.next)
		c.unacked = append(c.unacked, seg)
		c.credits--
		c.write(seg)
	}
	if len(c.unacked) > 0 && c.timer == nil {
		c.armTimer(c.dataTimeout)
	}
}

func (c *Client) resend() {
	for _, s := range c.unacked {
		c.write(s)
	}
	c.stopTimer()
	if len(c.unacked) > 0 {
		c.armTimer(c.dataTimeout)
	}
}

func (c *Client) write(s Segment) {
	c.log.Tracef("tx %v", s)
	if err := c.sender.SendSegment(s.Encode()); err != nil {
		c.log.Warnf("send %v failed: %v", s, err)
	}
}

func (c *Client) timeout() {
	c.timer = nil
	switch c.state {
	case StateClosing:
		c.log.Debug("RST timed out, resending")
		c.sendRST()
	case StateSynSent:
		c.log.Debug("SYN timed out, resending")
		c.write(c.unacked[0])
		c.armTimer(SYNTimeout)
	case StateEstablished:
		if len(c.unacked) == 0 {
			return
		}
		c.dataTimeout = nextTimeout(c.dataTimeout, c.maxDataTimeout)
		c.log.Debugf("DATA timed out, resending %d (next timeout %v)", len(c.unacked), c.dataTimeout)
		c.resend()
	}
}

func (c *Client) checkComplete() {
	if c.busy && c.state == StateEstablished && len(c.pending) == 0 && len(c.unacked) == 0 {
		c.busy = false
		c.complete(nil)
	}
}

func (c *Client) fail(err error) {
	c.stopTimer()
	c.pending = nil
	c.unacked = nil
	c.state = StateListen
	c.resetSequencing()
	if c.busy {
		c.busy = false
		c.complete(err)
	}
}

func (c *Client) complete(err error) {
	if c.delegate != nil {
		c.delegate.DidCompleteDataSend(err)
	}
}

func (c *Client) resetSequencing() {
	c.lastAck = SequenceSpace - 1
	c.next = 0
	c.window = c.initialWindow
	c.credits = c.initialWindow
	c.ackedInWindow = 0
	c.lastGap = -1
	c.dataTimeout = c.baseTimeout
}

// shrinkWindow halves the window, never below 1.
func (c *Client) shrinkWindow() {
	c.window = (c.window-1)/2 + 1
	c.ackedInWindow = 0
	c.updateCredits()
}

func (c *Client) updateCredits() {
	c.credits = c.window - len(c.unacked)
	if c.credits < 0 {
		c.credits = 0
	}
}

func (c *Client) armTimer(d time.Duration) {
	c.timer = c.exec.AfterFunc(d, c.timeout)
}

func (c *Client) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
