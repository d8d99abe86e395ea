package models

import "fmt"

// Offset locates one illumination's sub-aperture inside the spectral canvas.
// (Kx, Ky) is the top-left corner of the T×T window.
type Offset struct {
	Kx int `yaml:"kx"`
	Ky int `yaml:"ky"`
}

// OffsetTable holds one Offset per illumination, in illumination order
type OffsetTable []Offset

// Validate checks that every sub-aperture fits inside a 2T×2T canvas
func (t OffsetTable) Validate(tileSize int) error {
	if len(t) == 0 {
		return fmt.Errorf("empty offset table: %w", ErrIlluminationCount)
	}
	limit := 2 * tileSize
	for i, o := range t {
		if o.Kx < 0 || o.Ky < 0 || o.Kx+tileSize > limit || o.Ky+tileSize > limit {
			return fmt.Errorf("illumination %d at (%d, %d) with tile %d: %w",
				i, o.Kx, o.Ky, tileSize, ErrOffsetOutOfBounds)
		}
	}
	return nil
}

// Clone returns an independent copy
func (t OffsetTable) Clone() OffsetTable {
	out := make(OffsetTable, len(t))
	copy(out, t)
	return out
}

// Centered returns n offsets that all select the central sub-aperture, the
// brightfield position of an on-axis illumination.
func Centered(tileSize, n int) OffsetTable {
	out := make(OffsetTable, n)
	for i := range out {
		out[i] = Offset{Kx: tileSize / 2, Ky: tileSize / 2}
	}
	return out
}
