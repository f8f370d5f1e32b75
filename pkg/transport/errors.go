package transport

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced to the session layer.
var (
	// ErrTransportSetupFailed is returned when characteristic discovery,
	// notification setup or stream opening fails. Terminal for the current
	// connection attempt.
	ErrTransportSetupFailed = errors.New("transport: setup failed")

	// ErrWriteTimedOut is reported when an acknowledgement-gated command is
	// not acknowledged in time. Recoverable: the queue unblocks itself.
	ErrWriteTimedOut = errors.New("transport: write timed out")

	// ErrBondingTimeout is returned by platform peripherals when pairing
	// did not complete. Recoverable by the user.
	ErrBondingTimeout = errors.New("transport: bonding timeout")
)

// Operational errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrNotReady is returned when sending before the connection is ready.
	ErrNotReady = errors.New("transport: not ready")

	// ErrMessageTooLarge is returned when a payload exceeds the maximum size.
	ErrMessageTooLarge = errors.New("transport: message too large")

	// ErrNotConnected is returned by peripherals that lost their link.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrStreamClosed is reported when a stream closed and could not be reopened.
	ErrStreamClosed = errors.New("transport: stream closed")
)

// SystemError wraps an opaque platform error.
type SystemError struct {
	Err error
}

// Error implements error.
func (e *SystemError) Error() string {
	return fmt.Sprintf("transport: system error: %v", e.Err)
}

// Unwrap returns the underlying platform error.
func (e *SystemError) Unwrap() error {
	return e.Err
}

// setupError maps a platform error raised while bringing endpoints up onto
// the taxonomy. Bonding timeouts pass through; everything else becomes
// ErrTransportSetupFailed wrapping a SystemError.
func setupError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBondingTimeout) || errors.Is(err, ErrTransportSetupFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransportSetupFailed, &SystemError{Err: err})
}

// systemError wraps err in a SystemError unless it is already classified.
func systemError(err error) error {
	if err == nil {
		return nil
	}
	var se *SystemError
	if errors.As(err, &se) || errors.Is(err, ErrBondingTimeout) {
		return err
	}
	return &SystemError{Err: err}
}
