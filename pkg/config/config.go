// Package config provides configuration loading and management for fpmrecon.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"fpmrecon/internal/models"
	"fpmrecon/pkg/amplitude"
	"fpmrecon/pkg/spectrum"
)

// ErrInvalidConfig is returned by Validate for values no run could use
var ErrInvalidConfig = errors.New("fpmrecon: invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// TileSize is the side of the square region of interest cut from
		// every raw frame. The spectral canvas is twice as wide.
		TileSize int `yaml:"tileSize"`

		// Workers is the number of device execution units
		Workers int `yaml:"workers"`

		// Gamma is the intensity-to-amplitude exponent
		Gamma float64 `yaml:"gamma"`

		// Iterations is the number of update rounds per pass
		Iterations int `yaml:"iterations"`

		// Passes splits the rounds into this many reconstruct calls, with a
		// convergence report after each
		Passes int `yaml:"passes"`

		// Strategy is "zero-pad" or "periodic"
		Strategy string `yaml:"strategy"`

		// MemoryLimitMB caps device memory; 0 means unlimited
		MemoryLimitMB int `yaml:"memoryLimitMB"`

		// Blocking makes every pass wait for the device
		Blocking bool `yaml:"blocking"`
	} `yaml:"processing"`

	// Acquisition describes where captures come from
	Acquisition struct {
		// InputDir holds the numbered raw frames, one per illumination
		InputDir string `yaml:"inputDir"`

		// OffsetsFile is the YAML offset table for InputDir
		OffsetsFile string `yaml:"offsetsFile"`

		// ROI is the top-left corner of the crop; negative means centred
		ROIX int `yaml:"roiX"`
		ROIY int `yaml:"roiY"`

		// ResumeDir, when set, holds a second capture that continues from the
		// first reconstruction
		ResumeDir string `yaml:"resumeDir"`

		// ResumeOffsetsFile is the offset table for ResumeDir
		ResumeOffsetsFile string `yaml:"resumeOffsetsFile"`

		// PupilRadius is the radius of the initial circular pupil in pixels
		PupilRadius float64 `yaml:"pupilRadius"`

		// PupilFile, when set, replaces the circular pupil with an amplitude
		// image
		PupilFile string `yaml:"pupilFile"`
	} `yaml:"acquisition"`

	// Mosaic preview parameters
	Mosaic struct {
		// File is an optional RGGB frame to preprocess and export
		File string `yaml:"file"`

		// Channel is red, green or blue
		Channel string `yaml:"channel"`
	} `yaml:"mosaic"`

	// Output parameters
	Output struct {
		// Dir receives exported images
		Dir string `yaml:"dir"`

		// SaveImages exports magnitude, phase and pupil after every pass
		SaveImages bool `yaml:"saveImages"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.TileSize = 256
	cfg.Processing.Workers = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.Gamma = amplitude.DefaultGamma
	cfg.Processing.Iterations = 5
	cfg.Processing.Passes = 1
	cfg.Processing.Strategy = spectrum.ZeroPad.String()
	cfg.Processing.Blocking = true

	cfg.Acquisition.ROIX = -1
	cfg.Acquisition.ROIY = -1
	cfg.Acquisition.PupilRadius = 60

	cfg.Mosaic.Channel = "green"

	cfg.Output.Dir = "fpm_output"
	cfg.Output.SaveImages = true
	cfg.Output.Verbose = true

	return cfg
}

// Validate checks the values that do not depend on the data
func (c *Config) Validate() error {
	p := c.Processing
	if err := models.ValidateTileSize(p.TileSize); err != nil {
		return fmt.Errorf("processing.tileSize %d: %w", p.TileSize, err)
	}
	if err := amplitude.ValidateGamma(p.Gamma); err != nil {
		return fmt.Errorf("processing.gamma: %w", err)
	}
	if p.Workers < 0 {
		return fmt.Errorf("processing.workers %d: %w", p.Workers, ErrInvalidConfig)
	}
	if p.Iterations < 0 {
		return fmt.Errorf("processing.iterations %d: %w", p.Iterations, ErrInvalidConfig)
	}
	if p.Passes < 1 {
		return fmt.Errorf("processing.passes %d: %w", p.Passes, ErrInvalidConfig)
	}
	if p.MemoryLimitMB < 0 {
		return fmt.Errorf("processing.memoryLimitMB %d: %w", p.MemoryLimitMB, ErrInvalidConfig)
	}
	if _, err := spectrum.ParseStrategy(p.Strategy); err != nil {
		return fmt.Errorf("processing.strategy: %v: %w", err, ErrInvalidConfig)
	}
	if c.Acquisition.PupilRadius <= 0 && c.Acquisition.PupilFile == "" {
		return fmt.Errorf("acquisition.pupilRadius %g: %w", c.Acquisition.PupilRadius, ErrInvalidConfig)
	}
	if c.Acquisition.ResumeDir != "" && c.Acquisition.ResumeOffsetsFile == "" {
		return fmt.Errorf("acquisition.resumeDir needs resumeOffsetsFile: %w", ErrInvalidConfig)
	}
	if _, err := models.ParseChannel(c.Mosaic.Channel); err != nil {
		return fmt.Errorf("mosaic.channel: %v: %w", err, ErrInvalidConfig)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
