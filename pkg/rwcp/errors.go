package rwcp

import "errors"

var (
	// ErrSegmentTooShort is returned when decoding an empty segment.
	ErrSegmentTooShort = errors.New("rwcp: segment too short")

	// ErrInvalidWindow is returned for window sizes outside [1, MaxWindowLimit].
	ErrInvalidWindow = errors.New("rwcp: invalid window size")

	// ErrAborted is reported when a transfer is aborted by the host.
	ErrAborted = errors.New("rwcp: transfer aborted")

	// ErrPeerReset is reported when the accessory resets an active session.
	ErrPeerReset = errors.New("rwcp: peer reset session")

	// ErrBusy is returned by StartTransfer while a reset is in progress.
	ErrBusy = errors.New("rwcp: session closing")
)
