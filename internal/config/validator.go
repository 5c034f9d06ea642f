package config

import "fmt"

// Validate checks the configuration and fills in defaults. Omitted
// numeric fields default; negative values and unknown enum values are
// errors.
func Validate(cfg *Config) error {
	// Source
	switch cfg.Source.Kind {
	case "":
		cfg.Source.Kind = "camera"
	case "camera", "test":
	default:
		return fmt.Errorf("source.kind must be 'camera' or 'test', got '%s'", cfg.Source.Kind)
	}
	if cfg.Source.Kind == "camera" && cfg.Source.Device == "" {
		cfg.Source.Device = "/dev/video0"
	}
	if cfg.Source.Width < 0 || cfg.Source.Height < 0 {
		return fmt.Errorf("source dimensions must be positive, got %dx%d", cfg.Source.Width, cfg.Source.Height)
	}
	if cfg.Source.Width == 0 {
		cfg.Source.Width = 1280
	}
	if cfg.Source.Height == 0 {
		cfg.Source.Height = 720
	}
	if cfg.Source.FPS < 0 {
		return fmt.Errorf("source.fps must be > 0, got %d", cfg.Source.FPS)
	}
	if cfg.Source.FPS == 0 {
		cfg.Source.FPS = 30
	}

	// Capture
	if cfg.Capture.WindowFrames < 0 {
		return fmt.Errorf("capture.window_frames must be > 0, got %d", cfg.Capture.WindowFrames)
	}
	if cfg.Capture.WindowFrames == 0 {
		cfg.Capture.WindowFrames = 60 // ~2s at 30fps
	}

	// Display
	if cfg.Display.CellWidth < 0 || cfg.Display.CellHeight < 0 {
		return fmt.Errorf("display cell dimensions must be positive, got %dx%d",
			cfg.Display.CellWidth, cfg.Display.CellHeight)
	}
	if cfg.Display.CellWidth == 0 {
		cfg.Display.CellWidth = 320
	}
	if cfg.Display.CellHeight == 0 {
		cfg.Display.CellHeight = 180
	}
	if cfg.Display.OutputFPS < 0 {
		return fmt.Errorf("display.output_fps must be > 0, got %d", cfg.Display.OutputFPS)
	}
	if cfg.Display.OutputFPS == 0 {
		cfg.Display.OutputFPS = 120
	}
	switch cfg.Display.Sink {
	case "":
		cfg.Display.Sink = "auto"
	case "auto", "fake":
	default:
		return fmt.Errorf("display.sink must be 'auto' or 'fake', got '%s'", cfg.Display.Sink)
	}

	// Supervisor
	if cfg.Supervisor.TransitionTimeoutS < 0 {
		return fmt.Errorf("supervisor.transition_timeout_s must be > 0, got %d", cfg.Supervisor.TransitionTimeoutS)
	}
	if cfg.Supervisor.TransitionTimeoutS == 0 {
		cfg.Supervisor.TransitionTimeoutS = 10
	}
	if cfg.Supervisor.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("supervisor.max_recovery_attempts must be > 0, got %d", cfg.Supervisor.MaxRecoveryAttempts)
	}
	if cfg.Supervisor.MaxRecoveryAttempts == 0 {
		cfg.Supervisor.MaxRecoveryAttempts = 5
	}
	if cfg.Supervisor.BackoffInitialMS < 0 || cfg.Supervisor.BackoffMaxMS < 0 {
		return fmt.Errorf("supervisor backoff values must be > 0")
	}
	if cfg.Supervisor.BackoffInitialMS == 0 {
		cfg.Supervisor.BackoffInitialMS = 1000
	}
	if cfg.Supervisor.BackoffMaxMS == 0 {
		cfg.Supervisor.BackoffMaxMS = 30000
	}
	if cfg.Supervisor.BackoffMaxMS < cfg.Supervisor.BackoffInitialMS {
		return fmt.Errorf("supervisor.backoff_max_ms (%d) must be >= backoff_initial_ms (%d)",
			cfg.Supervisor.BackoffMaxMS, cfg.Supervisor.BackoffInitialMS)
	}

	// Watchdog
	if cfg.Watchdog.IntervalMS < 0 {
		return fmt.Errorf("watchdog.interval_ms must be > 0, got %d", cfg.Watchdog.IntervalMS)
	}
	if cfg.Watchdog.IntervalMS == 0 {
		cfg.Watchdog.IntervalMS = 500
	}
	if cfg.Watchdog.MaxMissedChecks < 0 {
		return fmt.Errorf("watchdog.max_missed_checks must be > 0, got %d", cfg.Watchdog.MaxMissedChecks)
	}
	if cfg.Watchdog.MaxMissedChecks == 0 {
		cfg.Watchdog.MaxMissedChecks = 3
	}

	// Stats
	if cfg.Stats.IntervalS < 0 {
		return fmt.Errorf("stats.interval_s must be > 0, got %d", cfg.Stats.IntervalS)
	}
	if cfg.Stats.IntervalS == 0 {
		cfg.Stats.IntervalS = 10
	}

	// Logging
	switch cfg.Logging.Level {
	case "":
		cfg.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got '%s'", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "":
		cfg.Logging.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json', got '%s'", cfg.Logging.Format)
	}

	return nil
}
