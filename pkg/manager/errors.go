package manager

import "errors"

var (
	// ErrUnknownDevice is returned for identities that were never added.
	ErrUnknownDevice = errors.New("manager: unknown device")

	// ErrDuplicateDevice is returned when a connection's identity is
	// already registered.
	ErrDuplicateDevice = errors.New("manager: device already added")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("manager: closed")

	// ErrRestartTimedOut is carried by EventUpdateAbandoned when the
	// accessory did not come back in time.
	ErrRestartTimedOut = errors.New("manager: accessory did not return after update restart")
)
