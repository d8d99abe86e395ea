// Package reconstruction drives Fourier ptychographic reconstruction on a
// device.
//
// A Runner owns every piece of cross-iteration state: the amplitude stack,
// the spectral canvas and the pupil estimate. It is built either fresh from a
// raw capture and an initial pupil, or by resuming from a previous Runner, in
// which case the canvas and pupil move over and only the amplitude stack is
// recomputed from the new capture.
//
// The process consists of the following steps:
//  1. Preprocess the raw stack into amplitudes (package amplitude)
//  2. Initialize the canvas from the first illumination (package spectrum)
//  3. Run update rounds over every illumination (package epry)
//  4. Read back the object at tile resolution and the pupil
package reconstruction

import (
	"errors"
	"fmt"
	"time"

	"fpmrecon/internal/models"
	"fpmrecon/pkg/amplitude"
	"fpmrecon/pkg/device"
	"fpmrecon/pkg/epry"
	"fpmrecon/pkg/fft"
	"fpmrecon/pkg/spectrum"
)

var (
	// ErrRunnerConsumed is returned by a Runner whose state moved to a
	// resumed Runner.
	ErrRunnerConsumed = errors.New("fpmrecon: runner state moved to a resumed runner")

	// ErrRunnerClosed is returned by a Runner after Close.
	ErrRunnerClosed = errors.New("fpmrecon: runner closed")
)

// DefaultTileSize matches the capture rig's 256×256 region of interest
const DefaultTileSize = 256

// Options holds the reconstruction parameters
type Options struct {
	// TileSize is the side T of every raw frame and of the pupil. The canvas
	// is 2T×2T. Must be positive and even.
	TileSize int

	// Gamma is the intensity-to-amplitude exponent used by the preprocessor
	Gamma float64

	// Strategy selects how the first frame is embedded in the canvas
	Strategy spectrum.Strategy

	// Update is the per-round phase-retrieval step. Nil means epry.Update.
	Update epry.UpdateFunc

	// Verbose prints step banners and a progress bar when no progress
	// callback is installed
	Verbose bool
}

// DefaultOptions returns the rig defaults
func DefaultOptions() Options {
	return Options{
		TileSize: DefaultTileSize,
		Gamma:    amplitude.DefaultGamma,
		Strategy: spectrum.ZeroPad,
		Update:   epry.Update,
	}
}

type runnerState int

const (
	stateActive runnerState = iota
	stateConsumed
	stateClosed
)

// Runner holds the device state of one reconstruction
type Runner struct {
	dev    *device.Device
	engine *fft.Engine
	opts   Options

	// offsets is a private copy of the illumination table
	offsets models.OffsetTable

	// amplitude is T×T×N, canvas 2T×2T×2, pupil T×T×2
	amplitude *device.Buffer
	canvas    *device.Buffer
	pupil     *device.Buffer

	rounds int
	state  runnerState

	progressCallback ProgressCallback
	startTime        time.Time
}

// validateInputs checks everything a runner needs before any allocation
func validateInputs(t int, offsets models.OffsetTable, raw *models.RawStack) error {
	if err := models.ValidateTileSize(t); err != nil {
		return err
	}
	if err := offsets.Validate(t); err != nil {
		return err
	}
	if err := raw.Validate(); err != nil {
		return err
	}
	if raw.Size != t {
		return fmt.Errorf("raw frames are %dx%d, tile size is %d: %w", raw.Size, raw.Size, t, models.ErrShapeMismatch)
	}
	if raw.Count != len(offsets) {
		return fmt.Errorf("%d raw frames for %d offsets: %w", raw.Count, len(offsets), models.ErrIlluminationCount)
	}
	return nil
}

// NewRunner creates a runner from a raw capture.
//
// Parameters:
//   - dev: The device every buffer is allocated on
//   - opts: Tile size, gamma, initialization strategy and update rule
//   - offsets: One canvas window corner per illumination
//   - pupil: The initial T×T pupil estimate
//   - raw: N frames of T×T 8-bit samples, N = len(offsets)
//
// Returns:
//   - A runner whose canvas holds the spectrum of the first frame, or an
//     error if any input is inconsistent. Nothing stays allocated on error.
func NewRunner(dev *device.Device, opts Options, offsets models.OffsetTable, pupil models.ComplexImage, raw *models.RawStack) (*Runner, error) {
	t := opts.TileSize
	if err := validateInputs(t, offsets, raw); err != nil {
		return nil, err
	}
	if err := pupil.Validate(t); err != nil {
		return nil, err
	}
	if err := amplitude.ValidateGamma(opts.Gamma); err != nil {
		return nil, err
	}
	if opts.Update == nil {
		opts.Update = epry.Update
	}

	engine, err := fft.NewEngine(t)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		dev:     dev,
		engine:  engine,
		opts:    opts,
		offsets: offsets.Clone(),
	}
	if err := r.init(pupil, raw); err != nil {
		r.free()
		return nil, err
	}
	r.reportProgress(0, 0, fmt.Sprintf("Initialized %dx%d canvas from %d illuminations (%v)",
		2*t, 2*t, len(offsets), opts.Strategy))
	return r, nil
}

// init allocates and fills the three state buffers
func (r *Runner) init(pupil models.ComplexImage, raw *models.RawStack) error {
	t := r.opts.TileSize
	var err error

	r.amplitude, err = amplitude.Preprocess(r.dev, models.StackCapture(raw), amplitude.Options{Gamma: r.opts.Gamma})
	if err != nil {
		return fmt.Errorf("failed to preprocess raw stack: %w", err)
	}

	r.canvas, err = r.dev.NewBuffer(spectrum.CanvasShape(t))
	if err != nil {
		return fmt.Errorf("failed to allocate canvas: %w", err)
	}
	if err := spectrum.Initialize(r.dev, r.engine, r.amplitude, r.canvas, r.opts.Strategy); err != nil {
		return fmt.Errorf("failed to initialize canvas: %w", err)
	}

	r.pupil, err = r.dev.NewBuffer(spectrum.TileShape(t))
	if err != nil {
		return fmt.Errorf("failed to allocate pupil: %w", err)
	}
	host := r.pupil.HostData()
	if err := fft.Demux(pupil.Pix, host[:t*t], host[t*t:]); err != nil {
		return err
	}
	if err := r.pupil.CopyToDevice(); err != nil {
		return err
	}

	r.dev.Synchronize()
	return nil
}

// Resume creates a runner that continues from prev with a new capture.
//
// The canvas and pupil of prev move to the new runner unchanged; the
// amplitude stack is recomputed from raw with the given gamma. The new
// capture must have prev's tile size and illumination count. All checks run
// before prev is touched: if Resume fails, prev is still usable. On success
// prev only returns ErrRunnerConsumed.
func Resume(prev *Runner, offsets models.OffsetTable, raw *models.RawStack, gamma float64) (*Runner, error) {
	if err := prev.check(); err != nil {
		return nil, err
	}
	t := prev.opts.TileSize
	if err := validateInputs(t, offsets, raw); err != nil {
		return nil, err
	}
	if raw.Count != prev.Illuminations() {
		return nil, fmt.Errorf("%d raw frames, previous runner has %d illuminations: %w",
			raw.Count, prev.Illuminations(), models.ErrIlluminationCount)
	}
	if err := amplitude.ValidateGamma(gamma); err != nil {
		return nil, err
	}

	// Fails before any kernel is issued, leaving prev's amplitudes intact.
	if err := amplitude.FromStack(prev.dev, raw, gamma, prev.amplitude); err != nil {
		return nil, fmt.Errorf("failed to preprocess raw stack: %w", err)
	}

	opts := prev.opts
	opts.Gamma = gamma
	r := &Runner{
		dev:              prev.dev,
		engine:           prev.engine,
		opts:             opts,
		offsets:          offsets.Clone(),
		amplitude:        prev.amplitude,
		canvas:           prev.canvas,
		pupil:            prev.pupil,
		rounds:           prev.rounds,
		progressCallback: prev.progressCallback,
	}
	prev.amplitude, prev.canvas, prev.pupil = nil, nil, nil
	prev.state = stateConsumed

	r.dev.Synchronize()
	r.reportProgress(0, 0, fmt.Sprintf("Resumed after %d rounds with %d new illuminations", r.rounds, len(offsets)))
	return r, nil
}

// check reports why the runner cannot be used, if it cannot
func (r *Runner) check() error {
	if r == nil {
		return fmt.Errorf("nil runner: %w", ErrRunnerClosed)
	}
	switch r.state {
	case stateConsumed:
		return ErrRunnerConsumed
	case stateClosed:
		return ErrRunnerClosed
	}
	return nil
}

// Reconstruct runs maxIterations update rounds, each over every
// illumination, updating canvas and pupil in place. With blocking false the
// rounds may still be executing when Reconstruct returns; the next readback
// waits for them.
func (r *Runner) Reconstruct(maxIterations int, blocking bool) error {
	if err := r.check(); err != nil {
		return err
	}
	if maxIterations < 0 {
		return fmt.Errorf("negative iteration count %d", maxIterations)
	}

	state := epry.State{
		Amplitude: r.amplitude,
		Canvas:    r.canvas,
		Pupil:     r.pupil,
		Offsets:   r.offsets,
		TileSize:  r.opts.TileSize,
		Engine:    r.engine,
	}

	r.startTime = time.Now()
	for i := 0; i < maxIterations; i++ {
		if err := r.opts.Update(r.dev, state); err != nil {
			return fmt.Errorf("round %d: %w", r.rounds+1, err)
		}
		r.rounds++
		r.reportProgress(i+1, maxIterations, "")
	}

	if blocking {
		r.dev.Synchronize()
	}
	return nil
}

// ComputeHighRes returns the current object estimate at tile resolution.
// The result is a snapshot; later rounds do not change it.
func (r *Runner) ComputeHighRes() (models.ComplexImage, error) {
	if err := r.check(); err != nil {
		return models.ComplexImage{}, err
	}
	return spectrum.Restore(r.dev, r.engine, r.canvas, spectrum.DefaultGain(r.opts.TileSize))
}

// DownloadPupil returns a snapshot of the current pupil estimate
func (r *Runner) DownloadPupil() (models.ComplexImage, error) {
	if err := r.check(); err != nil {
		return models.ComplexImage{}, err
	}
	data, err := r.pupil.Download()
	if err != nil {
		return models.ComplexImage{}, err
	}
	t := r.opts.TileSize
	out := models.NewComplexImage(t, t)
	if err := fft.Mux(data[:t*t], data[t*t:], out.Pix); err != nil {
		return models.ComplexImage{}, err
	}
	return out, nil
}

// DownloadSpectrum returns a snapshot of the full 2T×2T canvas, zero
// frequency at (T, T)
func (r *Runner) DownloadSpectrum() (models.ComplexImage, error) {
	if err := r.check(); err != nil {
		return models.ComplexImage{}, err
	}
	data, err := r.canvas.Download()
	if err != nil {
		return models.ComplexImage{}, err
	}
	n := 2 * r.opts.TileSize
	out := models.NewComplexImage(n, n)
	if err := fft.Mux(data[:n*n], data[n*n:], out.Pix); err != nil {
		return models.ComplexImage{}, err
	}
	return out, nil
}

// Illuminations returns N, the number of illuminations per round
func (r *Runner) Illuminations() int {
	return len(r.offsets)
}

// TileSize returns T
func (r *Runner) TileSize() int {
	return r.opts.TileSize
}

// Rounds returns how many update rounds have been issued, including those
// of the runners this one resumed from
func (r *Runner) Rounds() int {
	return r.rounds
}

// Offsets returns a copy of the illumination table
func (r *Runner) Offsets() models.OffsetTable {
	return r.offsets.Clone()
}

// Close waits for outstanding work and releases the runner's buffers.
// Closing a consumed or closed runner does nothing.
func (r *Runner) Close() {
	if r == nil || r.state != stateActive {
		return
	}
	r.dev.Synchronize()
	r.free()
	// Let the queued releases land so the memory is back when Close returns.
	r.dev.Synchronize()
	r.state = stateClosed
}

func (r *Runner) free() {
	r.amplitude.Free()
	r.canvas.Free()
	r.pupil.Free()
	r.amplitude, r.canvas, r.pupil = nil, nil, nil
}
