// Package epry implements the per-round phase-retrieval update.
//
// The runner treats the update as an injected function: it hands over the
// amplitude stack, the spectral canvas, the pupil and the offset table, and
// expects the canvas and pupil to be updated in place with every illumination
// visited exactly once. Update is the default rule, embedded pupil recovery
// (Ou, Zheng and Yang, 2014).
//
// For illumination i at offset (kx, ky), with O the T×T canvas window at that
// offset and P the pupil:
//
//	φ  = O·P
//	ψ  = IFFT(φ)
//	ψ' = I_i·ψ/|ψ|
//	Δ  = FFT(ψ') − φ
//	O += conj(P)/max|P|² · Δ
//	P += conj(O)/max|O|² · Δ
//
// The pupil step uses the window as it was before the object step.
package epry

import (
	"fmt"
	"math"

	"fpmrecon/internal/models"
	"fpmrecon/pkg/device"
	"fpmrecon/pkg/fft"
)

// State is everything one update round reads and writes
type State struct {
	// Amplitude is the T×T×N measured amplitude stack
	Amplitude *device.Buffer

	// Canvas is the 2T×2T planar spectral canvas, updated in place
	Canvas *device.Buffer

	// Pupil is the T×T planar pupil, updated in place
	Pupil *device.Buffer

	// Offsets holds one canvas window corner per illumination
	Offsets models.OffsetTable

	// TileSize is T
	TileSize int

	// Engine transforms T×T tiles
	Engine *fft.Engine
}

// UpdateFunc performs one round over every illumination. It validates its
// inputs synchronously and then only issues device work; it must not wait
// for that work to finish.
type UpdateFunc func(dev *device.Device, s State) error

// Validate checks that the buffers agree with the tile size and offset table
func (s State) Validate() error {
	t := s.TileSize
	if err := models.ValidateTileSize(t); err != nil {
		return err
	}
	if s.Engine == nil || s.Engine.Len() != t {
		return fmt.Errorf("fft engine does not match tile size %d: %w", t, models.ErrShapeMismatch)
	}
	if s.Amplitude == nil || s.Canvas == nil || s.Pupil == nil {
		return fmt.Errorf("missing update buffer: %w", models.ErrShapeMismatch)
	}
	if err := s.Offsets.Validate(t); err != nil {
		return err
	}

	want := device.Shape{X: t, Y: t, Z: len(s.Offsets)}
	if s.Amplitude.Shape() != want {
		return fmt.Errorf("amplitude %v for %d illuminations: %w",
			s.Amplitude.Shape(), len(s.Offsets), models.ErrIlluminationCount)
	}
	if s.Canvas.Shape() != (device.Shape{X: 2 * t, Y: 2 * t, Z: 2}) {
		return fmt.Errorf("canvas %v for tile size %d: %w", s.Canvas.Shape(), t, models.ErrShapeMismatch)
	}
	if s.Pupil.Shape() != (device.Shape{X: t, Y: t, Z: 2}) {
		return fmt.Errorf("pupil %v for tile size %d: %w", s.Pupil.Shape(), t, models.ErrShapeMismatch)
	}
	return nil
}

// Update is the default UpdateFunc. It issues one group of kernels per
// illumination, in index order.
func Update(dev *device.Device, s State) error {
	if err := s.Validate(); err != nil {
		return err
	}

	t := s.TileSize
	tile := device.Shape{X: t, Y: t, Z: 2}

	// window holds O for the current illumination, wave holds φ then ψ then Φ'.
	window, err := dev.NewBuffer(tile)
	if err != nil {
		return fmt.Errorf("failed to allocate update window: %w", err)
	}
	defer window.Free()
	wave, err := dev.NewBuffer(tile)
	if err != nil {
		return fmt.Errorf("failed to allocate exit wave: %w", err)
	}
	defer wave.Free()

	offsets := s.Offsets.Clone()
	for i, off := range offsets {
		if err := step(dev, s, i, off, window, wave); err != nil {
			return fmt.Errorf("illumination %d: %w", i, err)
		}
	}
	return nil
}

// step issues the kernels for illumination i
func step(dev *device.Device, s State, i int, off models.Offset, window, wave *device.Buffer) error {
	t := s.TileSize
	nn := t * t
	t2 := 2 * t
	cplane := t2 * t2
	gain := 1 / float32(nn)

	err := dev.Launch(device.Kernel{
		Name:   "exit_wave",
		Reads:  []*device.Buffer{s.Canvas, s.Pupil},
		Writes: []*device.Buffer{window, wave},
		Run: func() {
			canvas := s.Canvas.DeviceData()
			pupil := s.Pupil.DeviceData()
			o := window.DeviceData()
			w := wave.DeviceData()
			dev.ParallelFor(t, func(y int) {
				for x := 0; x < t; x++ {
					src := (y+off.Ky)*t2 + x + off.Kx
					j := y*t + x
					ov := complex(canvas[src], canvas[cplane+src])
					o[j], o[nn+j] = real(ov), imag(ov)
					phi := ov * complex(pupil[j], pupil[nn+j])
					w[j], w[nn+j] = real(phi), imag(phi)
				}
			})
		},
	})
	if err != nil {
		return err
	}

	err = dev.Launch(device.Kernel{
		Name:   "amplitude_constraint",
		Reads:  []*device.Buffer{s.Amplitude},
		Writes: []*device.Buffer{wave},
		Run: func() {
			w := wave.DeviceData()
			measured := s.Amplitude.DeviceData()[i*nn : (i+1)*nn]
			// Plane lengths were checked by Validate when the round was issued,
			// so the transforms below cannot fail.
			s.Engine.Transform(dev, w[:nn], w[nn:], fft.Inverse)
			fft.Checkerboard(dev, w[:nn], w[nn:], t)
			dev.ParallelFor(t, func(y int) {
				for x := 0; x < t; x++ {
					j := y*t + x
					re, im := w[j]*gain, w[nn+j]*gain
					mag := float32(math.Hypot(float64(re), float64(im)))
					a := measured[j]
					if mag == 0 {
						// Unknown phase: take it as zero.
						w[j], w[nn+j] = a, 0
						continue
					}
					w[j], w[nn+j] = a*re/mag, a*im/mag
				}
			})
			fft.Checkerboard(dev, w[:nn], w[nn:], t)
			s.Engine.Transform(dev, w[:nn], w[nn:], fft.Forward)
		},
	})
	if err != nil {
		return err
	}

	return dev.Launch(device.Kernel{
		Name:   "update_spectrum",
		Reads:  []*device.Buffer{window, wave},
		Writes: []*device.Buffer{s.Canvas, s.Pupil},
		Run: func() {
			canvas := s.Canvas.DeviceData()
			pupil := s.Pupil.DeviceData()
			o := window.DeviceData()
			w := wave.DeviceData()

			pmax := maxPower(dev, pupil, t)
			omax := maxPower(dev, o, t)

			dev.ParallelFor(t, func(y int) {
				for x := 0; x < t; x++ {
					j := y*t + x
					ov := complex(o[j], o[nn+j])
					pv := complex(pupil[j], pupil[nn+j])
					delta := complex(w[j], w[nn+j]) - ov*pv

					if pmax > 0 {
						nv := ov + conj(pv)*delta/complex(pmax, 0)
						dst := (y+off.Ky)*t2 + x + off.Kx
						canvas[dst], canvas[cplane+dst] = real(nv), imag(nv)
					}
					if omax > 0 {
						np := pv + conj(ov)*delta/complex(omax, 0)
						pupil[j], pupil[nn+j] = real(np), imag(np)
					}
				}
			})
		},
	})
}

// maxPower returns max |z|² over a planar T×T tile
func maxPower(dev *device.Device, data []float32, t int) float32 {
	nn := t * t
	rows := make([]float32, t)
	dev.ParallelFor(t, func(y int) {
		var m float32
		for j := y * t; j < (y+1)*t; j++ {
			p := data[j]*data[j] + data[nn+j]*data[nn+j]
			if p > m {
				m = p
			}
		}
		rows[y] = m
	})
	var m float32
	for _, v := range rows {
		if v > m {
			m = v
		}
	}
	return m
}

func conj(z complex64) complex64 {
	return complex(real(z), -imag(z))
}
