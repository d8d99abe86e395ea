// Package spectrum moves images in and out of the high-resolution spectral
// canvas.
//
// The canvas is the 2T×2T Fourier transform of the object being recovered,
// stored as two planes with the zero frequency at (T, T). Changing resolution
// never needs a larger transform of the sampled data:
//
//   - upsampling a T×T image by 2 (sinc interpolation) is zero-padding its
//     spectrum into the canvas (Initialize);
//   - downsampling the object by 2 is cropping the central T×T window of the
//     canvas and scaling by the ratio of transform sizes (Restore).
//
// Moving the zero frequency between the tile corner and its centre is done by
// a checkerboard sign pattern in the spatial domain.
package spectrum

import (
	"fmt"

	"fpmrecon/internal/models"
	"fpmrecon/pkg/device"
	"fpmrecon/pkg/fft"
)

// Strategy selects how the low-resolution spectrum is embedded in the canvas
type Strategy int

const (
	// ZeroPad re-indexes the spectrum around (T, T) and zeros the rest
	ZeroPad Strategy = iota

	// PeriodicRepeat tiles a pre-centred spectrum over the canvas and masks it
	// to the ±T/2 passband
	PeriodicRepeat
)

func (s Strategy) String() string {
	switch s {
	case ZeroPad:
		return "zero-pad"
	case PeriodicRepeat:
		return "periodic"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy accepts "zero-pad" or "periodic"
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "zero-pad", "zeropad", "pad":
		return ZeroPad, nil
	case "periodic", "periodic-repeat", "repeat":
		return PeriodicRepeat, nil
	}
	return 0, fmt.Errorf("unknown spectrum strategy %q", name)
}

// CanvasShape is the extent of the spectral canvas for tile size t
func CanvasShape(t int) device.Shape {
	return device.Shape{X: 2 * t, Y: 2 * t, Z: 2}
}

// TileShape is the extent of one planar complex T×T tile
func TileShape(t int) device.Shape {
	return device.Shape{X: t, Y: t, Z: 2}
}

// DefaultGain is the inverse-transform normalization 1/T²
func DefaultGain(t int) float32 {
	return 1 / float32(t*t)
}

func checkEngine(engine *fft.Engine, t int) error {
	if err := models.ValidateTileSize(t); err != nil {
		return err
	}
	if engine == nil || engine.Len() != t {
		return fmt.Errorf("fft engine does not match tile size %d: %w", t, models.ErrShapeMismatch)
	}
	return nil
}

// Initialize builds the initial canvas from slice 0 of an amplitude stack
// (T×T×N). The canvas buffer must have CanvasShape(T).
func Initialize(dev *device.Device, engine *fft.Engine, amplitude, canvas *device.Buffer, strategy Strategy) error {
	as := amplitude.Shape()
	t := as.X
	if as.Y != t || as.Z < 1 {
		return fmt.Errorf("amplitude stack %v is not square: %w", as, models.ErrShapeMismatch)
	}
	if err := checkEngine(engine, t); err != nil {
		return err
	}
	if canvas.Shape() != CanvasShape(t) {
		return fmt.Errorf("canvas %v for tile size %d: %w", canvas.Shape(), t, models.ErrShapeMismatch)
	}
	if strategy != ZeroPad && strategy != PeriodicRepeat {
		return fmt.Errorf("%v: %w", strategy, models.ErrUnsupportedLayout)
	}

	lowRes, err := dev.NewBuffer(TileShape(t))
	if err != nil {
		return fmt.Errorf("failed to allocate low-res spectrum: %w", err)
	}
	defer lowRes.Free()

	nn := t * t

	// Select the first frame and promote it to complex. The periodic strategy
	// applies the checkerboard here so that its spectrum comes out centred.
	err = dev.Launch(device.Kernel{
		Name:   "cx_low_res",
		Reads:  []*device.Buffer{amplitude},
		Writes: []*device.Buffer{lowRes},
		Run: func() {
			src := amplitude.DeviceData()[:nn]
			dst := lowRes.DeviceData()
			dev.ParallelFor(t, func(y int) {
				for x := 0; x < t; x++ {
					v := src[y*t+x]
					if strategy == PeriodicRepeat {
						v *= fft.Sign(x, y)
					}
					dst[y*t+x] = v
					dst[nn+y*t+x] = 0
				}
			})
		},
	})
	if err != nil {
		return err
	}

	err = dev.Launch(device.Kernel{
		Name:   "f_low_res",
		Writes: []*device.Buffer{lowRes},
		Run: func() {
			data := lowRes.DeviceData()
			// lowRes has the engine's tile shape, checked before issue.
			engine.Transform(dev, data[:nn], data[nn:], fft.Forward)
		},
	})
	if err != nil {
		return err
	}

	t2 := 2 * t
	return dev.Launch(device.Kernel{
		Name:   "f_high_res",
		Reads:  []*device.Buffer{lowRes},
		Writes: []*device.Buffer{canvas},
		Run: func() {
			spec := lowRes.DeviceData()
			out := canvas.DeviceData()
			dev.ParallelFor(t2, func(v int) {
				for u := 0; u < t2; u++ {
					dst := v*t2 + u
					if !inPassband(u, t) || !inPassband(v, t) {
						out[dst] = 0
						out[t2*t2+dst] = 0
						continue
					}
					var src int
					if strategy == PeriodicRepeat {
						// Repeat the centred spectrum with period T, origin at T/2.
						src = mod(v-t/2, t)*t + mod(u-t/2, t)
					} else {
						// Frequency (u-T, v-T) of the uncentred spectrum.
						src = mod(v-t, t)*t + mod(u-t, t)
					}
					out[dst] = spec[src]
					out[t2*t2+dst] = spec[nn+src]
				}
			})
		},
	})
}

// inPassband reports whether canvas coordinate c lies in [T/2, 3T/2)
func inPassband(c, t int) bool {
	return c >= t/2 && c < t+t/2
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}

// Restore returns the spatial-domain complex image of the canvas at tile
// resolution. It reads the canvas and never writes it. gain scales the
// cropped spectrum; pass DefaultGain(T) for the plain inverse transform.
func Restore(dev *device.Device, engine *fft.Engine, canvas *device.Buffer, gain float32) (models.ComplexImage, error) {
	cs := canvas.Shape()
	if cs.X != cs.Y || cs.Z != 2 || cs.X%2 != 0 {
		return models.ComplexImage{}, fmt.Errorf("canvas %v: %w", cs, models.ErrShapeMismatch)
	}
	t := cs.X / 2
	if err := checkEngine(engine, t); err != nil {
		return models.ComplexImage{}, err
	}

	cropped, err := dev.NewBuffer(TileShape(t))
	if err != nil {
		return models.ComplexImage{}, fmt.Errorf("failed to allocate cropped spectrum: %w", err)
	}
	defer cropped.Free()

	// Interleaved output: (re, im) pairs, x then y.
	highRes, err := dev.NewBuffer(device.Shape{X: 2, Y: t, Z: t})
	if err != nil {
		return models.ComplexImage{}, fmt.Errorf("failed to allocate high-res image: %w", err)
	}
	defer highRes.Free()

	nn := t * t
	t2 := 2 * t

	// Without darkfield captures the recovered band is far below 4x the raw
	// band, so the central window carries all of it.
	err = dev.Launch(device.Kernel{
		Name:   "cropped",
		Reads:  []*device.Buffer{canvas},
		Writes: []*device.Buffer{cropped},
		Run: func() {
			src := canvas.DeviceData()
			dst := cropped.DeviceData()
			dev.ParallelFor(t, func(y int) {
				for x := 0; x < t; x++ {
					s := (y+t/2)*t2 + x + t/2
					dst[y*t+x] = src[s]
					dst[nn+y*t+x] = src[t2*t2+s]
				}
			})
			fft.Scale(dev, dst[:nn], dst[nn:], t, gain)
		},
	})
	if err != nil {
		return models.ComplexImage{}, err
	}

	err = dev.Launch(device.Kernel{
		Name:   "ifft_transformed",
		Writes: []*device.Buffer{cropped},
		Run: func() {
			data := cropped.DeviceData()
			// cropped has the engine's tile shape, checked before issue.
			engine.Transform(dev, data[:nn], data[nn:], fft.Inverse)
			// Inverse shift in frequency is a phase ramp in space.
			fft.Checkerboard(dev, data[:nn], data[nn:], t)
		},
	})
	if err != nil {
		return models.ComplexImage{}, err
	}

	err = dev.Launch(device.Kernel{
		Name:   "high_res",
		Reads:  []*device.Buffer{cropped},
		Writes: []*device.Buffer{highRes},
		Run: func() {
			src := cropped.DeviceData()
			dst := highRes.DeviceData()
			dev.ParallelFor(t, func(y int) {
				for x := 0; x < t; x++ {
					i := y*t + x
					dst[2*i] = src[i]
					dst[2*i+1] = src[nn+i]
				}
			})
		},
	})
	if err != nil {
		return models.ComplexImage{}, err
	}

	pairs, err := highRes.Download()
	if err != nil {
		return models.ComplexImage{}, err
	}
	out := models.NewComplexImage(t, t)
	for i := range out.Pix {
		out.Pix[i] = complex(pairs[2*i], pairs[2*i+1])
	}
	return out, nil
}
