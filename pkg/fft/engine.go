// Package fft implements the batched two-dimensional complex FFT used by every
// stage of the reconstruction.
//
// Complex tiles are stored as two co-located float32 planes, the real plane
// followed by the imaginary plane, each n×n with x as the unit-stride axis.
// Keeping the planes apart lets kernels address real and imaginary parts
// independently with plain strides; Mux and Demux convert to and from the
// interleaved complex64 form without changing any value.
//
// Transforms are unnormalized in both directions. Forward followed by
// Inverse multiplies the input by n².
package fft

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Direction selects the sign of the transform exponent
type Direction int

const (
	// Forward computes X[k] = Σ x[j]·exp(-2πi·jk/n)
	Forward Direction = iota

	// Inverse computes x[j] = Σ X[k]·exp(+2πi·jk/n), without the 1/n factor
	Inverse
)

func (d Direction) String() string {
	if d == Inverse {
		return "inverse"
	}
	return "forward"
}

// Parallel runs fn(i) for i in [0, n), possibly concurrently.
// *device.Device satisfies it.
type Parallel interface {
	ParallelFor(n int, fn func(i int))
}

// Serial is a Parallel that runs every index on the calling goroutine
type Serial struct{}

// ParallelFor calls fn for each index in order
func (Serial) ParallelFor(n int, fn func(i int)) {
	for i := 0; i < n; i++ {
		fn(i)
	}
}

// Engine transforms n×n tiles. It holds no data between calls, only a pool of
// 1D plans and scratch lines, so one Engine may serve many kernels.
type Engine struct {
	n     int
	plans sync.Pool
}

// line is one worker's 1D plan and scratch space
type line struct {
	plan *fourier.CmplxFFT
	in   []complex128
	out  []complex128
}

// NewEngine creates an engine for n×n tiles
func NewEngine(n int) (*Engine, error) {
	if n < 1 {
		return nil, fmt.Errorf("tile size %d: %w", n, ErrInvalidLength)
	}
	e := &Engine{n: n}
	e.plans.New = func() any {
		return &line{
			plan: fourier.NewCmplxFFT(n),
			in:   make([]complex128, n),
			out:  make([]complex128, n),
		}
	}
	return e, nil
}

// Len returns the tile size n
func (e *Engine) Len() int {
	return e.n
}

// apply transforms l.in into l.out
func (l *line) apply(dir Direction) {
	if dir == Forward {
		l.plan.Coefficients(l.out, l.in)
	} else {
		l.plan.Sequence(l.out, l.in)
	}
}

// Transform computes the 2D DFT of one tile in place. re and im are the two
// planes of the tile and must each hold n² elements.
func (e *Engine) Transform(p Parallel, re, im []float32, dir Direction) error {
	n := e.n
	if len(re) != n*n || len(im) != n*n {
		return fmt.Errorf("planes of %d and %d elements for a %dx%d tile: %w",
			len(re), len(im), n, n, ErrLengthMismatch)
	}

	// Rows first, then columns. Every line is independent of the others.
	p.ParallelFor(n, func(y int) {
		l := e.plans.Get().(*line)
		defer e.plans.Put(l)

		row := y * n
		for x := 0; x < n; x++ {
			l.in[x] = complex(float64(re[row+x]), float64(im[row+x]))
		}
		l.apply(dir)
		for x := 0; x < n; x++ {
			re[row+x] = float32(real(l.out[x]))
			im[row+x] = float32(imag(l.out[x]))
		}
	})

	p.ParallelFor(n, func(x int) {
		l := e.plans.Get().(*line)
		defer e.plans.Put(l)

		for y := 0; y < n; y++ {
			l.in[y] = complex(float64(re[y*n+x]), float64(im[y*n+x]))
		}
		l.apply(dir)
		for y := 0; y < n; y++ {
			re[y*n+x] = float32(real(l.out[y]))
			im[y*n+x] = float32(imag(l.out[y]))
		}
	})

	return nil
}

// TransformBatch transforms batch consecutive tiles stored in data. Tile b
// occupies data[b*2n² : (b+1)*2n²], real plane first.
func (e *Engine) TransformBatch(p Parallel, data []float32, batch int, dir Direction) error {
	nn := e.n * e.n
	if batch < 0 || len(data) != batch*2*nn {
		return fmt.Errorf("%d elements for a batch of %d %dx%d tiles: %w",
			len(data), batch, e.n, e.n, ErrLengthMismatch)
	}
	for b := 0; b < batch; b++ {
		tile := data[b*2*nn : (b+1)*2*nn]
		if err := e.Transform(p, tile[:nn], tile[nn:], dir); err != nil {
			return err
		}
	}
	return nil
}
