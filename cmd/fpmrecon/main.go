package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"fpmrecon/internal/models"
	"fpmrecon/pkg/amplitude"
	"fpmrecon/pkg/config"
	"fpmrecon/pkg/dataset"
	"fpmrecon/pkg/device"
	"fpmrecon/pkg/fft"
	"fpmrecon/pkg/quality"
	"fpmrecon/pkg/reconstruction"
	"fpmrecon/pkg/spectrum"
	"fpmrecon/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "fpmrecon.yaml", "YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file and exit")
	inputDir := flag.String("input", "", "Directory containing the raw frames, one per illumination")
	offsetsFile := flag.String("offsets", "", "YAML offset table for the input frames")
	resumeDir := flag.String("resume-input", "", "Second capture directory to continue from the first reconstruction")
	resumeOffsets := flag.String("resume-offsets", "", "YAML offset table for the second capture")
	tileSize := flag.Int("tile", 0, "Tile size (overrides config)")
	iterations := flag.Int("iterations", -1, "Update rounds per pass (overrides config)")
	passes := flag.Int("passes", 0, "Reconstruct calls per capture (overrides config)")
	gamma := flag.Float64("gamma", 0, "Intensity-to-amplitude exponent (overrides config)")
	workers := flag.Int("workers", 0, "Device execution units (overrides config)")
	strategy := flag.String("strategy", "", "Canvas initialization: zero-pad or periodic (overrides config)")
	outputDir := flag.String("output", "", "Directory for exported images (overrides config)")
	mosaicFile := flag.String("mosaic", "", "RGGB frame to preprocess and export")
	channel := flag.String("channel", "", "Mosaic channel: red, green or blue (overrides config)")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command line values win over the file.
	setString(&cfg.Acquisition.InputDir, *inputDir)
	setString(&cfg.Acquisition.OffsetsFile, *offsetsFile)
	setString(&cfg.Acquisition.ResumeDir, *resumeDir)
	setString(&cfg.Acquisition.ResumeOffsetsFile, *resumeOffsets)
	setString(&cfg.Processing.Strategy, *strategy)
	setString(&cfg.Output.Dir, *outputDir)
	setString(&cfg.Mosaic.File, *mosaicFile)
	setString(&cfg.Mosaic.Channel, *channel)
	if *tileSize > 0 {
		cfg.Processing.TileSize = *tileSize
	}
	if *iterations >= 0 {
		cfg.Processing.Iterations = *iterations
	}
	if *passes > 0 {
		cfg.Processing.Passes = *passes
	}
	if *gamma > 0 {
		cfg.Processing.Gamma = *gamma
	}
	if *workers > 0 {
		cfg.Processing.Workers = *workers
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.Acquisition.InputDir == "" && cfg.Mosaic.File == "" {
		flag.Usage()
		os.Exit(1)
	}

	fmt.Println("================================")
	fmt.Println("FOURIER PTYCHOGRAPHIC MICROSCOPY RECONSTRUCTION")
	fmt.Println("Embedded pupil recovery on a data-parallel device")
	fmt.Println("================================")

	dev := device.New(device.Options{
		Workers:     cfg.Processing.Workers,
		MemoryLimit: int64(cfg.Processing.MemoryLimitMB) << 20,
	})
	defer dev.Close()
	fmt.Printf("Device: %s\n", dev.Info().Name)

	if cfg.Mosaic.File != "" {
		if err := previewMosaic(dev, cfg); err != nil {
			log.Fatalf("Mosaic preview failed: %v", err)
		}
	}

	if cfg.Acquisition.InputDir != "" {
		startTime := time.Now()
		if err := reconstruct(dev, cfg); err != nil {
			log.Fatalf("Reconstruction failed: %v", err)
		}
		fmt.Printf("\nReconstruction completed successfully in %.2f seconds!\n", time.Since(startTime).Seconds())
		if cfg.Output.SaveImages {
			fmt.Printf("Images saved to: %s\n", cfg.Output.Dir)
		}
	}
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// reconstruct runs the configured passes over the first capture and, when
// configured, over the resume capture
func reconstruct(dev *device.Device, cfg *config.Config) error {
	t := cfg.Processing.TileSize
	roi := dataset.ROI{X: cfg.Acquisition.ROIX, Y: cfg.Acquisition.ROIY}

	strategy, err := spectrum.ParseStrategy(cfg.Processing.Strategy)
	if err != nil {
		return err
	}
	opts := reconstruction.DefaultOptions()
	opts.TileSize = t
	opts.Gamma = cfg.Processing.Gamma
	opts.Strategy = strategy
	opts.Verbose = cfg.Output.Verbose

	fmt.Println("Step 1: Loading capture...")
	offsets, raw, err := loadCapture(cfg.Acquisition.InputDir, cfg.Acquisition.OffsetsFile, t, roi)
	if err != nil {
		return err
	}
	pupil, err := initialPupil(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d frames of %dx%d\n", raw.Count, t, t)

	fmt.Println("Step 2: Initializing spectrum...")
	runner, err := reconstruction.NewRunner(dev, opts, offsets, pupil, raw)
	if err != nil {
		return err
	}
	defer func() { runner.Close() }()

	if cfg.Output.SaveImages {
		if err := saveSnapshot(runner, cfg.Output.Dir, "initial"); err != nil {
			fmt.Printf("Warning: Failed to save initial images: %v\n", err)
		}
	}

	fmt.Println("Step 3: Running embedded pupil recovery...")
	if err := runPasses(runner, cfg, "capture"); err != nil {
		return err
	}

	if cfg.Acquisition.ResumeDir == "" {
		return nil
	}

	fmt.Println("Step 4: Continuing with second capture...")
	offsets, raw, err = loadCapture(cfg.Acquisition.ResumeDir, cfg.Acquisition.ResumeOffsetsFile, t, roi)
	if err != nil {
		return err
	}
	next, err := reconstruction.Resume(runner, offsets, raw, cfg.Processing.Gamma)
	if err != nil {
		return err
	}
	runner = next
	return runPasses(runner, cfg, "resume")
}

// loadCapture reads one capture directory and its offset table
func loadCapture(dir, offsetsFile string, t int, roi dataset.ROI) (models.OffsetTable, *models.RawStack, error) {
	raw, err := dataset.LoadStack(dir, t, roi)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load frames: %w", err)
	}
	if offsetsFile == "" {
		fmt.Println("Warning: no offset table, assuming on-axis illumination for every frame")
		return models.Centered(t, raw.Count), raw, nil
	}
	offsets, err := dataset.LoadOffsets(offsetsFile, t)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load offsets: %w", err)
	}
	return offsets, raw, nil
}

func initialPupil(cfg *config.Config) (models.ComplexImage, error) {
	t := cfg.Processing.TileSize
	if cfg.Acquisition.PupilFile != "" {
		return dataset.LoadPupil(cfg.Acquisition.PupilFile, t)
	}
	return models.CircularPupil(t, cfg.Acquisition.PupilRadius), nil
}

// runPasses reconstructs in passes and reports the change between them
func runPasses(runner *reconstruction.Runner, cfg *config.Config, stage string) error {
	previous, err := runner.ComputeHighRes()
	if err != nil {
		return err
	}

	for pass := 1; pass <= cfg.Processing.Passes; pass++ {
		if err := runner.Reconstruct(cfg.Processing.Iterations, cfg.Processing.Blocking); err != nil {
			return err
		}
		current, err := runner.ComputeHighRes()
		if err != nil {
			return err
		}

		metrics, err := quality.Compare(previous.Matrix(), current.Matrix())
		if err != nil {
			return err
		}
		fmt.Printf("%s pass %d/%d (%d rounds total): %v\n",
			stage, pass, cfg.Processing.Passes, runner.Rounds(), metrics)

		if cfg.Output.SaveImages {
			prefix := fmt.Sprintf("%s_pass%02d", stage, pass)
			if err := saveSnapshot(runner, cfg.Output.Dir, prefix); err != nil {
				fmt.Printf("Warning: Failed to save %s images: %v\n", prefix, err)
			}
		}
		previous = current
	}
	return nil
}

// saveSnapshot exports object magnitude and phase, pupil and spectrum
func saveSnapshot(runner *reconstruction.Runner, dir, prefix string) error {
	object, err := runner.ComputeHighRes()
	if err != nil {
		return err
	}
	if _, err := visualization.NewViewer(object).SaveComponents(dir, prefix,
		visualization.Magnitude, visualization.Phase); err != nil {
		return err
	}

	pupil, err := runner.DownloadPupil()
	if err != nil {
		return err
	}
	if _, err := visualization.NewViewer(pupil).SaveComponents(dir, prefix+"_pupil",
		visualization.Magnitude, visualization.Phase); err != nil {
		return err
	}

	canvas, err := runner.DownloadSpectrum()
	if err != nil {
		return err
	}
	_, err = visualization.NewViewer(canvas).SaveComponents(dir, prefix+"_spectrum", visualization.LogMagnitude)
	return err
}

// previewMosaic deinterleaves one channel of an RGGB frame and exports it
func previewMosaic(dev *device.Device, cfg *config.Config) error {
	ch, err := models.ParseChannel(cfg.Mosaic.Channel)
	if err != nil {
		return err
	}
	frame, err := dataset.LoadMosaic(cfg.Mosaic.File)
	if err != nil {
		return err
	}

	buf, err := amplitude.Preprocess(dev, models.MosaicCapture(frame),
		amplitude.Options{Gamma: cfg.Processing.Gamma, Channel: ch})
	if err != nil {
		return err
	}
	defer buf.Free()

	data, err := buf.Download()
	if err != nil {
		return err
	}
	n := frame.Width * frame.Height
	img := models.NewComplexImage(frame.Width, frame.Height)
	if err := fft.Mux(data[:n], data[n:], img.Pix); err != nil {
		return err
	}

	prefix := "mosaic_" + cfg.Mosaic.Channel
	paths, err := visualization.NewViewer(img).SaveComponents(cfg.Output.Dir, prefix, visualization.Real)
	if err != nil {
		return err
	}
	fmt.Printf("Mosaic %s channel (%dx%d) saved to %s\n", cfg.Mosaic.Channel, frame.Width, frame.Height, paths[0])
	return nil
}
