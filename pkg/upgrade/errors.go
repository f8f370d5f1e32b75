package upgrade

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned before the transport handshake completed.
	ErrNotReady = errors.New("upgrade: plugin not ready")

	// ErrBusy is returned when a transfer is already in progress.
	ErrBusy = errors.New("upgrade: transfer in progress")

	// ErrNoTransfer is returned when an operation needs an active transfer.
	ErrNoTransfer = errors.New("upgrade: no transfer")

	// ErrEmptyFile is returned for a transfer without image bytes.
	ErrEmptyFile = errors.New("upgrade: empty file")

	// ErrAborted is the failure reason of a cancelled transfer.
	ErrAborted = errors.New("upgrade: aborted")

	// ErrDisconnected is the failure reason when the session went away in
	// a phase that cannot survive it.
	ErrDisconnected = errors.New("upgrade: disconnected")

	// ErrFileMismatch is returned when the accessory resumes a different
	// image.
	ErrFileMismatch = errors.New("upgrade: accessory holds a different image")

	// ErrMalformedPDU is returned for truncated or inconsistent PDUs.
	ErrMalformedPDU = errors.New("upgrade: malformed PDU")

	// ErrRejected wraps commands the accessory answered with an error.
	ErrRejected = errors.New("upgrade: command rejected")
)

// AccessoryError is an ERROR_IND raised by the accessory.
type AccessoryError struct {
	Code uint16
}

// Error implements error.
func (e *AccessoryError) Error() string {
	return fmt.Sprintf("upgrade: accessory error %#04x", e.Code)
}
