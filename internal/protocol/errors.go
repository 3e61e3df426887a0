package protocol

import "errors"

var (
	// ErrMalformedEnvelope is returned when an envelope is not valid JSON or misses required fields.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnsupportedVersion is returned when an envelope version is not understood.
	ErrUnsupportedVersion = errors.New("unsupported envelope version")

	// ErrUnsupportedValue is returned when args or kwargs hold a value that cannot cross the wire.
	ErrUnsupportedValue = errors.New("unsupported payload value")
)
