// Package amplitude converts raw sensor captures into amplitude tiles.
//
// The sensor records intensity; the reconstruction works on amplitude. Every
// sample is clamped to the 8-bit range, mapped onto [0, 1] and raised to a
// gamma close to 0.5 (a gamma of exactly 0.5 is the square root, the exact
// intensity-to-amplitude conversion; 0.6 is the rig default).
//
// Two sensor layouts are supported:
//
//   - a stack of T×T frames, one per illumination, whose brightness is first
//     equalized against frame 0 to cancel LED intensity differences;
//   - a single RGGB mosaic frame, from which one colour channel is
//     deinterleaved to full resolution.
package amplitude

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"fpmrecon/internal/models"
	"fpmrecon/pkg/device"
)

const (
	// DefaultGamma is the rig's intensity-to-amplitude exponent
	DefaultGamma = 0.6

	// MinGamma and MaxGamma bound the accepted exponent
	MinGamma = 0.2
	MaxGamma = 1.0

	// maxLevel is the full-scale value of an 8-bit sample
	maxLevel = 255.0
)

// Options selects the preprocessing parameters
type Options struct {
	// Gamma is the exponent applied after normalization
	Gamma float64

	// Channel is the mosaic colour plane to extract (mosaic layout only)
	Channel models.Channel
}

// DefaultOptions returns gamma 0.6 and the green channel
func DefaultOptions() Options {
	return Options{Gamma: DefaultGamma, Channel: models.ChannelGreen}
}

// ValidateGamma checks that gamma lies in [MinGamma, MaxGamma]
func ValidateGamma(gamma float64) error {
	if math.IsNaN(gamma) || gamma < MinGamma || gamma > MaxGamma {
		return fmt.Errorf("gamma %g not in [%g, %g]: %w", gamma, MinGamma, MaxGamma, models.ErrInvalidGamma)
	}
	return nil
}

// StackShape is the amplitude buffer extent for a stack of count size×size frames
func StackShape(size, count int) device.Shape {
	return device.Shape{X: size, Y: size, Z: count}
}

// MosaicShape is the amplitude buffer extent for a w×h mosaic: one complex
// tile, real plane then a zero imaginary plane.
func MosaicShape(w, h int) device.Shape {
	return device.Shape{X: w, Y: h, Z: 2}
}

// Preprocess allocates an amplitude buffer for raw and fills it, choosing
// the variant from the capture layout. The caller owns the returned buffer.
func Preprocess(dev *device.Device, raw models.RawCapture, opts Options) (*device.Buffer, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateGamma(opts.Gamma); err != nil {
		return nil, err
	}

	var shape device.Shape
	switch raw.Layout {
	case models.LayoutStack:
		shape = StackShape(raw.Stack.Size, raw.Stack.Count)
	case models.LayoutMosaic:
		shape = MosaicShape(raw.Mosaic.Width, raw.Mosaic.Height)
	}

	dst, err := dev.NewBuffer(shape)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate amplitude buffer: %w", err)
	}

	switch raw.Layout {
	case models.LayoutStack:
		err = FromStack(dev, raw.Stack, opts.Gamma, dst)
	case models.LayoutMosaic:
		err = FromMosaic(dev, raw.Mosaic, opts.Channel, opts.Gamma, dst)
	}
	if err != nil {
		dst.Free()
		return nil, err
	}
	return dst, nil
}

// gammaCorrect maps a raw level onto [0, 1] amplitude
func gammaCorrect(v, gamma float64) float32 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= maxLevel {
		return 1
	}
	return float32(math.Pow(v/maxLevel, gamma))
}

// brightnessRatio is the factor that equalizes a frame of mean m against the
// reference mean. A dark frame keeps its levels.
func brightnessRatio(reference, m float64) float64 {
	if m <= 0 {
		return 1
	}
	return reference / m
}

// uploadLevels copies 8-bit samples into a fresh float32 device buffer
func uploadLevels(dev *device.Device, pix []uint8, shape device.Shape) (*device.Buffer, error) {
	buf, err := dev.NewBuffer(shape)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate raw buffer: %w", err)
	}
	host := buf.HostData()
	for i, v := range pix {
		host[i] = float32(v)
	}
	if err := buf.CopyToDevice(); err != nil {
		buf.Free()
		return nil, err
	}
	return buf, nil
}

// FromStack fills dst (T×T×N) with the brightness-equalized, gamma-corrected
// amplitude of every frame of stack.
func FromStack(dev *device.Device, stack *models.RawStack, gamma float64, dst *device.Buffer) error {
	if err := stack.Validate(); err != nil {
		return err
	}
	if err := ValidateGamma(gamma); err != nil {
		return err
	}
	shape := StackShape(stack.Size, stack.Count)
	if dst.Shape() != shape {
		return fmt.Errorf("amplitude buffer %v for a %v stack: %w", dst.Shape(), shape, models.ErrShapeMismatch)
	}

	raw, err := uploadLevels(dev, stack.Pix, shape)
	if err != nil {
		return err
	}
	defer raw.Free()

	t := stack.Size
	n := stack.Count
	means := make([]float64, n)

	err = dev.Launch(device.Kernel{
		Name:  "average_brightness",
		Reads: []*device.Buffer{raw},
		Run: func() {
			levels := raw.DeviceData()
			dev.ParallelFor(n, func(k int) {
				frame := make([]float64, t*t)
				for i, v := range levels[k*t*t : (k+1)*t*t] {
					frame[i] = float64(v)
				}
				means[k] = stat.Mean(frame, nil)
			})
		},
	})
	if err != nil {
		return err
	}

	return dev.Launch(device.Kernel{
		Name:   "normalize_gamma",
		Reads:  []*device.Buffer{raw},
		Writes: []*device.Buffer{dst},
		Run: func() {
			levels := raw.DeviceData()
			out := dst.DeviceData()
			dev.ParallelFor(n*t, func(row int) {
				k := row / t
				ratio := brightnessRatio(means[0], means[k])
				base := row * t
				for x := 0; x < t; x++ {
					out[base+x] = gammaCorrect(ratio*float64(levels[base+x]), gamma)
				}
			})
		},
	})
}

// FromMosaic fills dst (W×H×2) with the gamma-corrected amplitude of one
// colour channel of an RGGB frame. The imaginary plane is zeroed.
func FromMosaic(dev *device.Device, frame *models.MosaicFrame, channel models.Channel, gamma float64, dst *device.Buffer) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if err := ValidateGamma(gamma); err != nil {
		return err
	}
	if channel < models.ChannelRed || channel > models.ChannelBlue {
		return fmt.Errorf("mosaic channel %d: %w", channel, models.ErrUnsupportedLayout)
	}
	shape := MosaicShape(frame.Width, frame.Height)
	if dst.Shape() != shape {
		return fmt.Errorf("amplitude buffer %v for a %dx%d mosaic: %w",
			dst.Shape(), frame.Width, frame.Height, models.ErrShapeMismatch)
	}

	w, h := frame.Width, frame.Height
	raw, err := uploadLevels(dev, frame.Pix, device.Shape{X: w, Y: h, Z: 1})
	if err != nil {
		return err
	}
	defer raw.Free()

	return dev.Launch(device.Kernel{
		Name:   "deinterleave_gamma",
		Reads:  []*device.Buffer{raw},
		Writes: []*device.Buffer{dst},
		Run: func() {
			levels := raw.DeviceData()
			out := dst.DeviceData()
			dev.ParallelFor(h, func(y int) {
				for x := 0; x < w; x++ {
					v := channelSample(levels, w, h, x, y, channel)
					out[y*w+x] = gammaCorrect(v, gamma)
					out[w*h+y*w+x] = 0
				}
			})
		},
	})
}

// channelSample returns the channel value of the 2×2 RGGB cell containing
// (x, y). A site past the last row or column repeats the nearest site of the
// same colour, one cell back.
func channelSample(levels []float32, w, h, x, y int, channel models.Channel) float64 {
	px := func(cx, cy int) float64 {
		if cx >= w {
			cx -= 2
		}
		if cy >= h {
			cy -= 2
		}
		return float64(levels[cy*w+cx])
	}

	cx, cy := x&^1, y&^1
	switch channel {
	case models.ChannelRed:
		return px(cx, cy)
	case models.ChannelBlue:
		return px(cx+1, cy+1)
	default:
		return (px(cx+1, cy) + px(cx, cy+1)) / 2
	}
}
