package device

import "errors"

// Sentinel errors returned by device operations.
var (
	// ErrOutOfMemory is returned when an allocation would exceed the device
	// memory limit.
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrInvalidShape is returned for a buffer shape with a non-positive extent.
	ErrInvalidShape = errors.New("device: invalid buffer shape")

	// ErrLengthMismatch is returned when host data does not match the buffer size.
	ErrLengthMismatch = errors.New("device: length mismatch")

	// ErrBufferFreed is returned when a freed buffer is used.
	ErrBufferFreed = errors.New("device: buffer freed")

	// ErrDeviceClosed is returned when work is issued to a closed device.
	ErrDeviceClosed = errors.New("device: closed")
)
