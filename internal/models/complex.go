package models

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// ComplexImage is a host-side complex image with real and imaginary parts
// interleaved per pixel. It is the readback format of the reconstruction and
// the input format of the initial pupil guess.
type ComplexImage struct {
	Width  int
	Height int

	// Pix holds the pixels in row-major order, (x, y) at y*Width + x
	Pix []complex64
}

// NewComplexImage allocates a zeroed w×h image
func NewComplexImage(w, h int) ComplexImage {
	return ComplexImage{Width: w, Height: h, Pix: make([]complex64, w*h)}
}

// At returns the pixel at (x, y)
func (c ComplexImage) At(x, y int) complex64 {
	return c.Pix[y*c.Width+x]
}

// Set stores v at (x, y)
func (c ComplexImage) Set(x, y int, v complex64) {
	c.Pix[y*c.Width+x] = v
}

// Validate checks that the image is size×size
func (c ComplexImage) Validate(size int) error {
	if c.Width != size || c.Height != size || len(c.Pix) != size*size {
		return fmt.Errorf("complex image %dx%d (%d pixels), want %dx%d: %w",
			c.Width, c.Height, len(c.Pix), size, size, ErrShapeMismatch)
	}
	return nil
}

// Magnitude returns |pixel| for every pixel
func (c ComplexImage) Magnitude() []float64 {
	out := make([]float64, len(c.Pix))
	for i, v := range c.Pix {
		out[i] = cmplx.Abs(complex128(v))
	}
	return out
}

// Phase returns arg(pixel) in radians for every pixel
func (c ComplexImage) Phase() []float64 {
	out := make([]float64, len(c.Pix))
	for i, v := range c.Pix {
		out[i] = cmplx.Phase(complex128(v))
	}
	return out
}

// Matrix converts the image to a gonum complex matrix, row y column x
func (c ComplexImage) Matrix() *mat.CDense {
	data := make([]complex128, len(c.Pix))
	for i, v := range c.Pix {
		data[i] = complex128(v)
	}
	return mat.NewCDense(c.Height, c.Width, data)
}

// CircularPupil returns the ideal aberration-free pupil of a size×size
// sub-aperture: unit transmission inside a disc of the given radius centred
// on the zero frequency (size/2, size/2), zero outside.
func CircularPupil(size int, radius float64) ComplexImage {
	out := NewComplexImage(size, size)
	c := float64(size / 2)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if math.Hypot(float64(x)-c, float64(y)-c) <= radius {
				out.Pix[y*size+x] = 1
			}
		}
	}
	return out
}
