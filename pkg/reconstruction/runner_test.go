package reconstruction

import (
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"strings"
	"testing"

	"fpmrecon/internal/models"
	"fpmrecon/pkg/device"
	"fpmrecon/pkg/epry"
)

const testTile = 8

func newDevice(t *testing.T, limit int64) *device.Device {
	t.Helper()
	dev := device.New(device.Options{Workers: 4, MemoryLimit: limit})
	t.Cleanup(dev.Close)
	return dev
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.TileSize = testTile
	return opts
}

// uniformStack returns n frames filled with level
func uniformStack(n int, level uint8) *models.RawStack {
	s := models.NewRawStack(testTile, n)
	for i := range s.Pix {
		s.Pix[i] = level
	}
	return s
}

// randomStack returns n frames of noise around a bright background
func randomStack(seed int64, n int) *models.RawStack {
	rng := rand.New(rand.NewSource(seed))
	s := models.NewRawStack(testTile, n)
	for i := range s.Pix {
		s.Pix[i] = uint8(60 + rng.Intn(150))
	}
	return s
}

// spreadOffsets places n sub-apertures on a small grid around the centre
func spreadOffsets(n int) models.OffsetTable {
	out := make(models.OffsetTable, n)
	for i := range out {
		out[i] = models.Offset{Kx: testTile/2 + (i%3 - 1), Ky: testTile/2 + (i/3%3 - 1)}
	}
	return out
}

func openPupil() models.ComplexImage {
	return models.CircularPupil(testTile, float64(testTile))
}

func newRunner(t *testing.T, dev *device.Device, offsets models.OffsetTable, raw *models.RawStack) *Runner {
	t.Helper()
	r, err := NewRunner(dev, testOptions(), offsets, openPupil(), raw)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func highRes(t *testing.T, r *Runner) models.ComplexImage {
	t.Helper()
	img, err := r.ComputeHighRes()
	if err != nil {
		t.Fatalf("ComputeHighRes failed: %v", err)
	}
	return img
}

func pupil(t *testing.T, r *Runner) models.ComplexImage {
	t.Helper()
	img, err := r.DownloadPupil()
	if err != nil {
		t.Fatalf("DownloadPupil failed: %v", err)
	}
	return img
}

func assertClose(t *testing.T, what string, a, b models.ComplexImage, tol float64) {
	t.Helper()
	if len(a.Pix) != len(b.Pix) {
		t.Fatalf("%s: %d vs %d pixels", what, len(a.Pix), len(b.Pix))
	}
	for i := range a.Pix {
		if cmplx.Abs(complex128(a.Pix[i]-b.Pix[i])) > tol {
			t.Fatalf("%s pixel %d: %v vs %v", what, i, a.Pix[i], b.Pix[i])
		}
	}
}

func assertFinite(t *testing.T, what string, img models.ComplexImage) {
	t.Helper()
	for i, v := range img.Pix {
		if cmplx.IsNaN(complex128(v)) || cmplx.IsInf(complex128(v)) {
			t.Fatalf("%s pixel %d is %v", what, i, v)
		}
	}
}

// TestSmoke runs a zero pupil with identical frames and offsets at the corner
func TestSmoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end run in short mode")
	}
	dev := newDevice(t, 0)
	offsets := make(models.OffsetTable, 25)

	r, err := NewRunner(dev, testOptions(), offsets, models.NewComplexImage(testTile, testTile), uniformStack(25, 128))
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	defer r.Close()

	if err := r.Reconstruct(5, true); err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	img := highRes(t, r)
	if img.Width != testTile || img.Height != testTile {
		t.Fatalf("expected %dx%d image, got %dx%d", testTile, testTile, img.Width, img.Height)
	}
	assertFinite(t, "high-res", img)
	assertFinite(t, "pupil", pupil(t, r))
	if r.Rounds() != 5 || r.Illuminations() != 25 || r.TileSize() != testTile {
		t.Errorf("unexpected counters: rounds %d, illuminations %d, tile %d",
			r.Rounds(), r.Illuminations(), r.TileSize())
	}
}

// TestConsistentCaptureIsStable checks that identical on-axis frames are
// already a solution
func TestConsistentCaptureIsStable(t *testing.T) {
	dev := newDevice(t, 0)
	r := newRunner(t, dev, models.Centered(testTile, 4), uniformStack(4, 128))

	before := highRes(t, r)
	want := math.Pow(128.0/255.0, testOptions().Gamma)
	for i, v := range before.Pix {
		if math.Abs(float64(real(v))-want) > 1e-4 || math.Abs(float64(imag(v))) > 1e-4 {
			t.Fatalf("initial pixel %d: expected %f, got %v", i, want, v)
		}
	}

	if err := r.Reconstruct(3, true); err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	assertClose(t, "high-res", before, highRes(t, r), 1e-3)
	assertClose(t, "pupil", openPupil(), pupil(t, r), 1e-3)
}

// TestSplitRoundsMatchSingleRun checks 5+5 rounds equal 10 rounds
func TestSplitRoundsMatchSingleRun(t *testing.T) {
	dev := newDevice(t, 0)
	offsets := spreadOffsets(9)

	split := newRunner(t, dev, offsets, randomStack(3, 9))
	whole := newRunner(t, dev, offsets, randomStack(3, 9))

	if err := split.Reconstruct(5, false); err != nil {
		t.Fatalf("first half failed: %v", err)
	}
	if err := split.Reconstruct(5, true); err != nil {
		t.Fatalf("second half failed: %v", err)
	}
	if err := whole.Reconstruct(10, true); err != nil {
		t.Fatalf("single run failed: %v", err)
	}

	assertClose(t, "high-res", highRes(t, split), highRes(t, whole), 1e-5)
	assertClose(t, "pupil", pupil(t, split), pupil(t, whole), 1e-5)
	if split.Rounds() != 10 {
		t.Errorf("expected 10 rounds, got %d", split.Rounds())
	}
}

// TestResumeCarriesCanvasAndPupil checks that resuming alone changes nothing
// but the amplitudes
func TestResumeCarriesCanvasAndPupil(t *testing.T) {
	dev := newDevice(t, 0)
	prev := newRunner(t, dev, spreadOffsets(6), randomStack(5, 6))
	if err := prev.Reconstruct(3, false); err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	wantImg := highRes(t, prev)
	wantPupil := pupil(t, prev)

	next, err := Resume(prev, models.Centered(testTile, 6), randomStack(6, 6), 0.5)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	defer next.Close()

	assertClose(t, "high-res", wantImg, highRes(t, next), 0)
	assertClose(t, "pupil", wantPupil, pupil(t, next), 0)
	if next.Rounds() != 3 {
		t.Errorf("expected 3 inherited rounds, got %d", next.Rounds())
	}
	if err := next.Reconstruct(2, true); err != nil {
		t.Fatalf("Reconstruct after resume failed: %v", err)
	}
	assertFinite(t, "resumed high-res", highRes(t, next))

	if _, err := prev.ComputeHighRes(); !errors.Is(err, ErrRunnerConsumed) {
		t.Errorf("ComputeHighRes on consumed runner: expected ErrRunnerConsumed, got %v", err)
	}
	if err := prev.Reconstruct(1, true); !errors.Is(err, ErrRunnerConsumed) {
		t.Errorf("Reconstruct on consumed runner: expected ErrRunnerConsumed, got %v", err)
	}
	if _, err := Resume(prev, models.Centered(testTile, 6), randomStack(6, 6), 0.5); !errors.Is(err, ErrRunnerConsumed) {
		t.Errorf("second Resume: expected ErrRunnerConsumed, got %v", err)
	}
}

// TestRejectedResumeLeavesRunnerUsable checks that validation happens before
// the prior runner is consumed
func TestRejectedResumeLeavesRunnerUsable(t *testing.T) {
	dev := newDevice(t, 0)
	prev := newRunner(t, dev, spreadOffsets(4), randomStack(8, 4))
	if err := prev.Reconstruct(1, true); err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	want := highRes(t, prev)

	testCases := []struct {
		name    string
		offsets models.OffsetTable
		raw     *models.RawStack
		gamma   float64
		err     error
	}{
		{"fewer frames", models.Centered(testTile, 3), randomStack(1, 3), 0.6, models.ErrIlluminationCount},
		{"count mismatch", models.Centered(testTile, 4), randomStack(1, 5), 0.6, models.ErrIlluminationCount},
		{"out of bounds", models.OffsetTable{{}, {}, {Kx: testTile + 1}, {}}, randomStack(1, 4), 0.6, models.ErrOffsetOutOfBounds},
		{"bad gamma", models.Centered(testTile, 4), randomStack(1, 4), 2, models.ErrInvalidGamma},
		{"wrong frame size", models.Centered(testTile, 4), models.NewRawStack(testTile*2, 4), 0.6, models.ErrShapeMismatch},
	}
	for _, tc := range testCases {
		if _, err := Resume(prev, tc.offsets, tc.raw, tc.gamma); !errors.Is(err, tc.err) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.err, err)
		}
	}

	assertClose(t, "high-res", want, highRes(t, prev), 0)
	if err := prev.Reconstruct(1, true); err != nil {
		t.Errorf("Reconstruct after rejected resumes failed: %v", err)
	}
}

// TestInvalidInputs verifies that NewRunner rejects inconsistent input and
// leaves nothing allocated
func TestInvalidInputs(t *testing.T) {
	dev := newDevice(t, 0)

	odd := testOptions()
	odd.TileSize = 7
	badGamma := testOptions()
	badGamma.Gamma = 0.1

	testCases := []struct {
		name    string
		opts    Options
		offsets models.OffsetTable
		pupil   models.ComplexImage
		raw     *models.RawStack
		err     error
	}{
		{"offset past canvas", testOptions(), models.OffsetTable{{Kx: testTile + 1}}, openPupil(), uniformStack(1, 10), models.ErrOffsetOutOfBounds},
		{"negative offset", testOptions(), models.OffsetTable{{Ky: -1}}, openPupil(), uniformStack(1, 10), models.ErrOffsetOutOfBounds},
		{"count mismatch", testOptions(), models.Centered(testTile, 2), openPupil(), uniformStack(3, 10), models.ErrIlluminationCount},
		{"no offsets", testOptions(), nil, openPupil(), uniformStack(1, 10), models.ErrIlluminationCount},
		{"odd tile", odd, models.Centered(7, 1), openPupil(), uniformStack(1, 10), models.ErrOddTileSize},
		{"pupil size", testOptions(), models.Centered(testTile, 1), models.NewComplexImage(4, 4), uniformStack(1, 10), models.ErrShapeMismatch},
		{"bad gamma", badGamma, models.Centered(testTile, 1), openPupil(), uniformStack(1, 10), models.ErrInvalidGamma},
		{"nil raw", testOptions(), models.Centered(testTile, 1), openPupil(), nil, models.ErrShapeMismatch},
	}
	for _, tc := range testCases {
		if _, err := NewRunner(dev, tc.opts, tc.offsets, tc.pupil, tc.raw); !errors.Is(err, tc.err) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.err, err)
		}
	}
	dev.Synchronize()
	if dev.Allocated() != 0 {
		t.Errorf("rejected runners left %d bytes allocated", dev.Allocated())
	}
}

// TestOutOfMemory checks that a failed allocation releases earlier buffers
func TestOutOfMemory(t *testing.T) {
	// Amplitudes fit (2 KiB plus a 2 KiB staging copy); the 4 KiB canvas does not.
	dev := newDevice(t, 6000)
	_, err := NewRunner(dev, testOptions(), models.Centered(testTile, 4), openPupil(), uniformStack(4, 50))
	if !errors.Is(err, device.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	dev.Synchronize()
	if dev.Allocated() != 0 {
		t.Errorf("failed runner left %d bytes allocated", dev.Allocated())
	}
}

// TestSnapshotsAreNotLive checks readback results do not follow later rounds
func TestSnapshotsAreNotLive(t *testing.T) {
	dev := newDevice(t, 0)
	r := newRunner(t, dev, spreadOffsets(9), randomStack(12, 9))

	img := highRes(t, r)
	p := pupil(t, r)
	imgCopy := models.ComplexImage{Width: img.Width, Height: img.Height, Pix: append([]complex64(nil), img.Pix...)}
	pCopy := models.ComplexImage{Width: p.Width, Height: p.Height, Pix: append([]complex64(nil), p.Pix...)}

	if err := r.Reconstruct(2, false); err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	after := highRes(t, r)

	assertClose(t, "snapshot", imgCopy, img, 0)
	assertClose(t, "pupil snapshot", pCopy, p, 0)

	var moved bool
	for i := range after.Pix {
		if after.Pix[i] != img.Pix[i] {
			moved = true
			break
		}
	}
	if !moved {
		t.Error("two rounds over shifted sub-apertures left the object unchanged")
	}
}

// TestClose checks that a closed runner releases memory and rejects work
func TestClose(t *testing.T) {
	dev := newDevice(t, 0)
	r, err := NewRunner(dev, testOptions(), models.Centered(testTile, 2), openPupil(), uniformStack(2, 90))
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	if err := r.Reconstruct(1, false); err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	r.Close()
	r.Close()

	if dev.Allocated() != 0 {
		t.Errorf("closed runner left %d bytes allocated", dev.Allocated())
	}
	if err := r.Reconstruct(1, true); !errors.Is(err, ErrRunnerClosed) {
		t.Errorf("Reconstruct: expected ErrRunnerClosed, got %v", err)
	}
	if _, err := r.DownloadPupil(); !errors.Is(err, ErrRunnerClosed) {
		t.Errorf("DownloadPupil: expected ErrRunnerClosed, got %v", err)
	}
	if _, err := Resume(r, models.Centered(testTile, 2), uniformStack(2, 90), 0.6); !errors.Is(err, ErrRunnerClosed) {
		t.Errorf("Resume: expected ErrRunnerClosed, got %v", err)
	}
}

// TestInjectedUpdate checks the runner calls the update once per round with
// its own state
func TestInjectedUpdate(t *testing.T) {
	dev := newDevice(t, 0)
	offsets := spreadOffsets(5)

	var calls int
	opts := testOptions()
	opts.Update = func(d *device.Device, s epry.State) error {
		calls++
		if d != dev {
			t.Error("update received a different device")
		}
		if len(s.Offsets) != 5 || s.TileSize != testTile {
			t.Errorf("update received %d offsets, tile %d", len(s.Offsets), s.TileSize)
		}
		return s.Validate()
	}

	r, err := NewRunner(dev, opts, offsets, openPupil(), randomStack(2, 5))
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	defer r.Close()

	// The runner keeps its own copy of the table.
	offsets[0] = models.Offset{Kx: -100, Ky: -100}

	if err := r.Reconstruct(3, true); err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 update calls, got %d", calls)
	}

	failing := errors.New("solver diverged")
	r.opts.Update = func(*device.Device, epry.State) error { return failing }
	if err := r.Reconstruct(2, true); !errors.Is(err, failing) {
		t.Errorf("expected update error to propagate, got %v", err)
	}
	if r.Rounds() != 3 {
		t.Errorf("failed round was counted: %d rounds", r.Rounds())
	}
	if err := r.Reconstruct(-1, true); err == nil {
		t.Error("negative iteration count was accepted")
	}
}

// TestProgressCallback checks one report per issued round
func TestProgressCallback(t *testing.T) {
	dev := newDevice(t, 0)
	r := newRunner(t, dev, models.Centered(testTile, 2), uniformStack(2, 100))

	var reports [][2]int
	r.SetProgressCallback(func(completed, total int, message string) {
		if total > 0 {
			reports = append(reports, [2]int{completed, total})
		}
	})
	if err := r.Reconstruct(3, true); err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	want := [][2]int{{1, 3}, {2, 3}, {3, 3}}
	if len(reports) != len(want) {
		t.Fatalf("expected %v, got %v", want, reports)
	}
	for i := range want {
		if reports[i] != want[i] {
			t.Errorf("report %d: expected %v, got %v", i, want[i], reports[i])
		}
	}
}

func TestProgressLine(t *testing.T) {
	line := progressLine(2, 4, 0, "epry")
	if want := "50.0% (2/4)"; !strings.Contains(line, want) {
		t.Errorf("expected %q in %q", want, line)
	}
	if !strings.Contains(line, "| epry") {
		t.Errorf("message missing from %q", line)
	}
}
