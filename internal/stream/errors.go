package stream

import "errors"

var (
	// ErrStreamInUse is returned by RequestAccess while a non-expired viewer
	// session already holds the stream. Callers back off and retry; the
	// controller never retries internally.
	ErrStreamInUse = errors.New("stream is in use by another viewer")

	// ErrSegmentNotFound is returned when the requested quality/filename is
	// absent from both the cache and the active retention window.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrInvalidRange is returned for a byte range that is malformed or falls
	// outside [0, totalLength).
	ErrInvalidRange = errors.New("invalid byte range")
)
