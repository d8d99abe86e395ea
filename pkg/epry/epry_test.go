package epry

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"fpmrecon/internal/models"
	"fpmrecon/pkg/device"
	"fpmrecon/pkg/fft"
	"fpmrecon/pkg/spectrum"
)

const tileSize = 8

// newState builds a consistent state: the canvas is the spectrum of slice 0,
// every slice holds the same amplitude and every offset is centred.
func newState(t *testing.T, dev *device.Device, n int, pupil complex64) State {
	t.Helper()
	engine, err := fft.NewEngine(tileSize)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	nn := tileSize * tileSize
	rng := rand.New(rand.NewSource(21))
	frame := make([]float32, nn)
	for i := range frame {
		frame[i] = float32(0.2 + 0.8*rng.Float64())
	}

	amp, _ := dev.NewBuffer(device.Shape{X: tileSize, Y: tileSize, Z: n})
	host := amp.HostData()
	for k := 0; k < n; k++ {
		copy(host[k*nn:], frame)
	}

	canvas, _ := dev.NewBuffer(spectrum.CanvasShape(tileSize))
	if err := spectrum.Initialize(dev, engine, amp, canvas, spectrum.ZeroPad); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	p, _ := dev.NewBuffer(spectrum.TileShape(tileSize))
	ph := p.HostData()
	for j := 0; j < nn; j++ {
		ph[j], ph[nn+j] = real(pupil), imag(pupil)
	}

	t.Cleanup(func() {
		amp.Free()
		canvas.Free()
		p.Free()
	})
	return State{
		Amplitude: amp,
		Canvas:    canvas,
		Pupil:     p,
		Offsets:   models.Centered(tileSize, n),
		TileSize:  tileSize,
		Engine:    engine,
	}
}

func newDevice(t *testing.T) *device.Device {
	t.Helper()
	dev := device.New(device.Options{Workers: 3})
	t.Cleanup(dev.Close)
	return dev
}

func download(t *testing.T, b *device.Buffer) []float32 {
	t.Helper()
	out, err := b.Download()
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	return out
}

// TestConsistentStateIsFixedPoint checks that a canvas already matching the
// measurements is left where it is
func TestConsistentStateIsFixedPoint(t *testing.T) {
	dev := newDevice(t)
	s := newState(t, dev, 3, 1)

	canvasBefore := download(t, s.Canvas)
	pupilBefore := download(t, s.Pupil)

	if err := Update(dev, s); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	canvasAfter := download(t, s.Canvas)
	for i := range canvasBefore {
		if math.Abs(float64(canvasAfter[i]-canvasBefore[i])) > 1e-2 {
			t.Fatalf("canvas element %d moved from %f to %f", i, canvasBefore[i], canvasAfter[i])
		}
	}
	pupilAfter := download(t, s.Pupil)
	for i := range pupilBefore {
		if math.Abs(float64(pupilAfter[i]-pupilBefore[i])) > 1e-3 {
			t.Fatalf("pupil element %d moved from %f to %f", i, pupilBefore[i], pupilAfter[i])
		}
	}
}

// TestZeroPupilStaysFinite checks the degenerate normalizer guard
func TestZeroPupilStaysFinite(t *testing.T) {
	dev := newDevice(t)
	s := newState(t, dev, 4, 0)
	canvasBefore := download(t, s.Canvas)

	for round := 0; round < 3; round++ {
		if err := Update(dev, s); err != nil {
			t.Fatalf("round %d: Update failed: %v", round, err)
		}
	}

	canvas := download(t, s.Canvas)
	pupil := download(t, s.Pupil)
	for i, v := range canvas {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("canvas element %d is %f", i, v)
		}
	}
	for i, v := range pupil {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("pupil element %d is %f", i, v)
		}
	}

	// The first illumination leaves the canvas alone but recovers a pupil.
	var energy float64
	for _, v := range pupil {
		energy += float64(v) * float64(v)
	}
	if energy == 0 {
		t.Error("pupil was not updated from zero")
	}
	if len(canvas) != len(canvasBefore) {
		t.Fatalf("canvas length changed")
	}
}

// TestEveryIlluminationOnce counts the per-illumination kernels of one round
func TestEveryIlluminationOnce(t *testing.T) {
	dev := newDevice(t)
	const n = 5
	s := newState(t, dev, n, 1)
	dev.Synchronize()

	var waves, updates atomic.Int32
	dev.SetTrace(func(name string) {
		switch name {
		case "exit_wave":
			waves.Add(1)
		case "update_spectrum":
			updates.Add(1)
		}
	})
	if err := Update(dev, s); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	dev.Synchronize()
	dev.SetTrace(nil)

	if waves.Load() != n || updates.Load() != n {
		t.Errorf("expected %d exit waves and updates, got %d and %d", n, waves.Load(), updates.Load())
	}
}

// TestScratchHeldWhileQueued checks the round's scratch tiles stay accounted
// until its kernels have run
func TestScratchHeldWhileQueued(t *testing.T) {
	dev := newDevice(t)
	s := newState(t, dev, 2, 1)
	dev.Synchronize()
	base := dev.Allocated()

	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	defer release()
	var first sync.Once
	dev.SetTrace(func(string) { first.Do(func() { <-gate }) })

	if err := Update(dev, s); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	// Window and exit wave: two planar tiles, device copy plus host mirror.
	scratch := int64(2 * tileSize * tileSize * 2 * 4 * 2)
	if got := dev.Allocated(); got != base+scratch {
		t.Errorf("expected %d bytes while the round is queued, got %d", base+scratch, got)
	}

	release()
	dev.Synchronize()
	dev.SetTrace(nil)
	if got := dev.Allocated(); got != base {
		t.Errorf("expected %d bytes after the round, got %d", base, got)
	}
}

// TestOffCentreWindowOnlyTouchesWindow checks that canvas outside the
// sub-apertures is untouched
func TestOffCentreWindowOnlyTouchesWindow(t *testing.T) {
	dev := newDevice(t)
	s := newState(t, dev, 1, 1)
	s.Offsets = models.OffsetTable{{Kx: 0, Ky: tileSize}}

	before := download(t, s.Canvas)
	if err := Update(dev, s); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	after := download(t, s.Canvas)

	t2 := 2 * tileSize
	for plane := 0; plane < 2; plane++ {
		for v := 0; v < t2; v++ {
			for u := 0; u < t2; u++ {
				inside := u < tileSize && v >= tileSize
				i := plane*t2*t2 + v*t2 + u
				if !inside && after[i] != before[i] {
					t.Fatalf("element (%d,%d) outside the window changed", u, v)
				}
			}
		}
	}
}

// TestValidation verifies rejected states issue no work
func TestValidation(t *testing.T) {
	dev := newDevice(t)
	s := newState(t, dev, 3, 1)
	other, _ := fft.NewEngine(4)

	testCases := []struct {
		name   string
		mutate func(*State)
		want   error
	}{
		{"count mismatch", func(s *State) { s.Offsets = models.Centered(tileSize, 2) }, models.ErrIlluminationCount},
		{"empty offsets", func(s *State) { s.Offsets = nil }, models.ErrIlluminationCount},
		{"out of bounds", func(s *State) { s.Offsets[1] = models.Offset{Kx: tileSize + 1, Ky: 0} }, models.ErrOffsetOutOfBounds},
		{"negative offset", func(s *State) { s.Offsets[0] = models.Offset{Kx: -1, Ky: 0} }, models.ErrOffsetOutOfBounds},
		{"odd tile", func(s *State) { s.TileSize = 7 }, models.ErrOddTileSize},
		{"engine mismatch", func(s *State) { s.Engine = other }, models.ErrShapeMismatch},
		{"pupil as canvas", func(s *State) { s.Canvas = s.Pupil }, models.ErrShapeMismatch},
	}

	var launched atomic.Int32
	dev.Synchronize()
	dev.SetTrace(func(string) { launched.Add(1) })
	defer dev.SetTrace(nil)

	for _, tc := range testCases {
		bad := s
		bad.Offsets = s.Offsets.Clone()
		tc.mutate(&bad)
		if err := Update(dev, bad); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	dev.Synchronize()
	if launched.Load() != 0 {
		t.Errorf("rejected updates launched %d kernels", launched.Load())
	}
}
