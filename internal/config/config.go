package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete looper configuration
type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Capture    CaptureConfig    `yaml:"capture"`
	Display    DisplayConfig    `yaml:"display"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Stats      StatsConfig      `yaml:"stats"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SourceConfig selects the live video source
type SourceConfig struct {
	Kind   string `yaml:"kind"`   // camera, test
	Device string `yaml:"device"` // camera device path (camera kind only)
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

// CaptureConfig tunes per-slot recording
type CaptureConfig struct {
	WindowFrames int `yaml:"window_frames"` // ring capacity per capture
}

// DisplayConfig describes the composited output
type DisplayConfig struct {
	CellWidth  int    `yaml:"cell_width"`
	CellHeight int    `yaml:"cell_height"`
	OutputFPS  int    `yaml:"output_fps"`
	Sink       string `yaml:"sink"` // auto, fake
}

// SupervisorConfig tunes transition guarding and recovery
type SupervisorConfig struct {
	TransitionTimeoutS  int `yaml:"transition_timeout_s"`  // stall timeout per graph operation
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"` // per fault class, cumulative
	BackoffInitialMS    int `yaml:"backoff_initial_ms"`
	BackoffMaxMS        int `yaml:"backoff_max_ms"`
}

// WatchdogConfig tunes live-source supervision
type WatchdogConfig struct {
	IntervalMS      int `yaml:"interval_ms"`       // check period
	MaxMissedChecks int `yaml:"max_missed_checks"` // consecutive silent checks before source-lost
}

// StatsConfig tunes periodic statistics logging
type StatsConfig struct {
	IntervalS int `yaml:"interval_s"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration an empty file would produce.
func Default() *Config {
	var cfg Config
	// Validate never fails on a zero config: every field defaults.
	_ = Validate(&cfg)
	return &cfg
}
