package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/config"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/engine"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/gstengine"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/input"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/looper"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/slots"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the looper",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := newLogger(cfg.Logging)
		slog.SetDefault(logger)

		logger.Info("starting loopd",
			"config", configPath,
			"source", cfg.Source.Kind,
			"sink", cfg.Display.Sink,
		)

		// Raw mode must be undone on every exit path or the shell is
		// left unusable.
		tty, err := input.OpenTerminal()
		if err != nil {
			return fmt.Errorf("opening terminal: %w", err)
		}
		defer func() {
			if err := tty.Restore(); err != nil {
				logger.Warn("terminal restore failed", "error", err)
			}
		}()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		reader := input.NewReader(os.Stdin, input.Config{}, logger)
		go func() {
			if err := reader.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("input reader stopped", "error", err)
			}
		}()

		lp := looper.New(gstengine.New(logger), reader.Events(), looperConfig(cfg), logger)

		errCh := make(chan error, 1)
		go func() {
			errCh <- lp.Run(ctx)
		}()

		// Ctrl-C arrives as a quit byte in raw mode; the signals cover
		// an external kill.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		var runErr error
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
			runErr = <-errCh
		case runErr = <-errCh:
		}

		if runErr != nil {
			logger.Error("looper failed", "error", runErr)
			return runErr
		}
		logger.Info("shutdown complete")
		return nil
	},
}

// newLogger builds the slog root the whole process logs through. Logs
// go to stderr; stdout stays free and stdin is the raw-mode key stream.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// looperConfig translates the file configuration into component
// configuration. The grid shape is fixed at 3x3: one playback cell per
// recording key.
func looperConfig(cfg *config.Config) looper.Config {
	grid := engine.DefaultGridLayout()
	grid.CellWidth = cfg.Display.CellWidth
	grid.CellHeight = cfg.Display.CellHeight

	return looper.Config{
		Supervisor: supervisor.Config{
			Graph: engine.GraphConfig{
				Source: engine.SourceConfig{
					Kind:   cfg.Source.Kind,
					Device: cfg.Source.Device,
					Width:  cfg.Source.Width,
					Height: cfg.Source.Height,
					FPS:    cfg.Source.FPS,
				},
				Grid:          grid,
				OutputFPS:     cfg.Display.OutputFPS,
				Sink:          cfg.Display.Sink,
				LiveQueue:     engine.LiveQueueProfile(),
				CaptureQueue:  engine.CaptureQueueProfile(),
				PlaybackQueue: engine.PlaybackQueueProfile(),
			},
			TransitionTimeout:   time.Duration(cfg.Supervisor.TransitionTimeoutS) * time.Second,
			MaxRecoveryAttempts: cfg.Supervisor.MaxRecoveryAttempts,
			RetryDelay:          time.Duration(cfg.Supervisor.BackoffInitialMS) * time.Millisecond,
			MaxRetryDelay:       time.Duration(cfg.Supervisor.BackoffMaxMS) * time.Millisecond,
		},
		Slots: slots.Config{
			SlotCount:    grid.Cells(),
			Capacity:     cfg.Capture.WindowFrames,
			SourcePeriod: time.Second / time.Duration(cfg.Source.FPS),
		},
		WatchdogInterval: time.Duration(cfg.Watchdog.IntervalMS) * time.Millisecond,
		MaxMissedChecks:  cfg.Watchdog.MaxMissedChecks,
		StatsInterval:    time.Duration(cfg.Stats.IntervalS) * time.Second,
	}
}
