// Package quality measures how far two reconstructions are apart. The CLI
// compares successive high-resolution snapshots with it to report
// convergence between passes.
package quality

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Metrics holds the comparison between a reference and a candidate image
type Metrics struct {
	// RMSE is the root mean square difference of the magnitudes
	RMSE float64

	// SSIM is the global structural similarity of the magnitudes, in [-1, 1]
	SSIM float64

	// PhaseRMSE is the root mean square of the wrapped phase difference, in
	// radians. Pixels where either magnitude is below 1% of the peak carry
	// no usable phase and are skipped.
	PhaseRMSE float64

	// RelativeChange is ‖candidate − reference‖ / ‖reference‖ over the
	// complex values
	RelativeChange float64
}

// String formats the metrics on one line
func (m Metrics) String() string {
	return fmt.Sprintf("RMSE %.6f | SSIM %.4f | phase RMSE %.4f rad | change %.3e",
		m.RMSE, m.SSIM, m.PhaseRMSE, m.RelativeChange)
}

// Compare computes the metrics of candidate against reference. Both
// matrices must have the same dimensions.
func Compare(reference, candidate *mat.CDense) (Metrics, error) {
	rr, rc := reference.Dims()
	cr, cc := candidate.Dims()
	if rr != cr || rc != cc {
		return Metrics{}, fmt.Errorf("comparing %dx%d with %dx%d", rr, rc, cr, cc)
	}

	refMag := Magnitudes(reference)
	candMag := Magnitudes(candidate)

	return Metrics{
		RMSE:           RMSE(refMag, candMag),
		SSIM:           SSIM(refMag, candMag),
		PhaseRMSE:      phaseRMSE(reference, candidate, refMag, candMag),
		RelativeChange: relativeChange(reference, candidate),
	}, nil
}

// Magnitudes returns |m(i, j)| in row-major order
func Magnitudes(m *mat.CDense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = append(out, cmplx.Abs(m.At(i, j)))
		}
	}
	return out
}

// RMSE computes the root mean square error
func RMSE(original, reconstructed []float64) float64 {
	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0
	}
	return floats.Distance(original, reconstructed, 2) / math.Sqrt(float64(n))
}

// SSIM computes the global structural similarity index. The dynamic range
// is the largest value of either input.
func SSIM(original, reconstructed []float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0
	}

	l := math.Max(floats.Max(original), floats.Max(reconstructed))
	if l <= 0 {
		// Both all zero: identical.
		return 1
	}
	c1 := (k1 * l) * (k1 * l)
	c2 := (k2 * l) * (k2 * l)

	muX := stat.Mean(original, nil)
	muY := stat.Mean(reconstructed, nil)

	var sigmaX, sigmaY, sigmaXY float64
	if n > 1 {
		sigmaX = stat.Variance(original, nil)
		sigmaY = stat.Variance(reconstructed, nil)
		sigmaXY = stat.Covariance(original, reconstructed, nil)
	}

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

func phaseRMSE(reference, candidate *mat.CDense, refMag, candMag []float64) float64 {
	floor := 0.01 * math.Max(floats.Max(refMag), floats.Max(candMag))
	_, c := reference.Dims()

	var sum float64
	var count int
	for k := range refMag {
		if refMag[k] <= floor || candMag[k] <= floor {
			continue
		}
		i, j := k/c, k%c
		// Phase of candidate·conj(reference) is the wrapped difference.
		d := cmplx.Phase(candidate.At(i, j) * cmplx.Conj(reference.At(i, j)))
		sum += d * d
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}

func relativeChange(reference, candidate *mat.CDense) float64 {
	r, c := reference.Dims()
	var diff, norm float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			a := reference.At(i, j)
			d := cmplx.Abs(candidate.At(i, j) - a)
			diff += d * d
			m := cmplx.Abs(a)
			norm += m * m
		}
	}
	if norm == 0 {
		if diff == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Sqrt(diff / norm)
}
