package fft

import "fmt"

// Mux interleaves a planar tile into complex64 pixels
func Mux(re, im []float32, dst []complex64) error {
	if len(re) != len(im) || len(dst) != len(re) {
		return fmt.Errorf("mux of %d/%d plane elements into %d pixels: %w",
			len(re), len(im), len(dst), ErrLengthMismatch)
	}
	for i := range dst {
		dst[i] = complex(re[i], im[i])
	}
	return nil
}

// Demux splits complex64 pixels into a real and an imaginary plane
func Demux(src []complex64, re, im []float32) error {
	if len(re) != len(im) || len(src) != len(re) {
		return fmt.Errorf("demux of %d pixels into %d/%d plane elements: %w",
			len(src), len(re), len(im), ErrLengthMismatch)
	}
	for i, v := range src {
		re[i] = real(v)
		im[i] = imag(v)
	}
	return nil
}

// Checkerboard multiplies an n×n planar tile by (-1)^(x+y). For even n this
// moves the zero frequency between the tile corner and its centre in the
// other domain, with no data movement.
func Checkerboard(p Parallel, re, im []float32, n int) error {
	if len(re) != n*n || len(im) != n*n {
		return fmt.Errorf("checkerboard of %d/%d elements on a %dx%d tile: %w",
			len(re), len(im), n, n, ErrLengthMismatch)
	}
	p.ParallelFor(n, func(y int) {
		row := y * n
		for x := (y + 1) & 1; x < n; x += 2 {
			re[row+x] = -re[row+x]
			im[row+x] = -im[row+x]
		}
	})
	return nil
}

// Sign returns (-1)^(x+y)
func Sign(x, y int) float32 {
	if (x+y)&1 == 1 {
		return -1
	}
	return 1
}

// Scale multiplies both planes by gain
func Scale(p Parallel, re, im []float32, n int, gain float32) {
	p.ParallelFor(n, func(y int) {
		row := y * n
		for x := 0; x < n; x++ {
			re[row+x] *= gain
			im[row+x] *= gain
		}
	})
}
