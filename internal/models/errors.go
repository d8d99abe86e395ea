package models

import "errors"

// Precondition violations shared by every stage of the pipeline. They are
// always detected before any device work is issued.
var (
	// ErrShapeMismatch is returned when a buffer does not have the extent the
	// tile size and illumination count require.
	ErrShapeMismatch = errors.New("fpmrecon: shape mismatch")

	// ErrOddTileSize is returned when the tile size is not a positive even number.
	ErrOddTileSize = errors.New("fpmrecon: tile size must be a positive even number")

	// ErrIlluminationCount is returned when the amplitude stack and the offset
	// table disagree on the number of illuminations.
	ErrIlluminationCount = errors.New("fpmrecon: illumination count mismatch")

	// ErrOffsetOutOfBounds is returned when a sub-aperture does not fit inside
	// the spectral canvas.
	ErrOffsetOutOfBounds = errors.New("fpmrecon: illumination offset out of bounds")

	// ErrInvalidGamma is returned for a gamma outside the accepted range.
	ErrInvalidGamma = errors.New("fpmrecon: gamma out of range")

	// ErrUnsupportedLayout is returned when a raw capture layout cannot feed
	// the requested stage.
	ErrUnsupportedLayout = errors.New("fpmrecon: unsupported raw capture layout")
)

// ValidateTileSize checks that t is a positive even number
func ValidateTileSize(t int) error {
	if t <= 0 || t%2 != 0 {
		return ErrOddTileSize
	}
	return nil
}
