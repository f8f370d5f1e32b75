package session

import "errors"

// Session package errors.
var (
	// ErrVersionCouldNotBeDetermined is the failure reason when the version
	// probe is rejected, malformed or times out.
	ErrVersionCouldNotBeDetermined = errors.New("session: protocol version could not be determined")

	// ErrFeatureRegistered is returned when a feature already has a factory.
	ErrFeatureRegistered = errors.New("session: feature already registered")

	// ErrNotOpen is returned by operations on a session that is not open.
	ErrNotOpen = errors.New("session: not open")

	// ErrMalformedResponse is logged for core responses that cannot be
	// parsed.
	ErrMalformedResponse = errors.New("session: malformed response")
)
