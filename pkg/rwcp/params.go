package rwcp

import "time"

const (
	// SequenceSpace is the number of distinct sequence numbers.
	SequenceSpace = 64

	// MaxWindowLimit bounds the window to half the sequence space so that
	// cumulative acknowledgements are never ambiguous.
	MaxWindowLimit = SequenceSpace / 2

	// DefaultInitialWindow is the starting window.
	DefaultInitialWindow = 15

	// DefaultMaxWindow is the largest window.
	DefaultMaxWindow = 32

	// SYNTimeout is the fixed retransmission timeout for SYN.
	SYNTimeout = 1 * time.Second

	// RSTTimeout is the fixed retransmission timeout for RST.
	RSTTimeout = 1 * time.Second

	// DefaultDataTimeout is the initial DATA retransmission timeout.
	DefaultDataTimeout = 100 * time.Millisecond

	// DefaultMaxDataTimeout caps the doubling DATA timeout.
	DefaultMaxDataTimeout = 2 * time.Second
)

// nextTimeout doubles d, capped at limit.
func nextTimeout(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}

// distance returns how far to is ahead of from, modulo the sequence space.
func distance(from, to int) int {
	return ((to-from)%SequenceSpace + SequenceSpace) % SequenceSpace
}

func increment(seq int) int {
	return (seq + 1) % SequenceSpace
}
