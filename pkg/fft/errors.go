package fft

import "errors"

// Sentinel errors returned by FFT operations.
var (
	// ErrInvalidLength is returned when the tile size is not positive.
	ErrInvalidLength = errors.New("fft: invalid tile size")

	// ErrLengthMismatch is returned when plane or pixel slices do not match
	// the tile size.
	ErrLengthMismatch = errors.New("fft: slice length mismatch")
)
