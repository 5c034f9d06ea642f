// Package looper runs the control loop: it owns the supervisor, the
// branch controller, the slot manager and the frame-rate monitor, and
// is the only goroutine that reacts to input events. Engine callbacks
// and recovery run elsewhere; everything they share is owned by the
// component that guards it.
package looper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/branch"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/engine"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/input"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/monitor"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/slots"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/supervisor"
)

// Config assembles the per-component configurations plus the looper's
// own timers.
type Config struct {
	Supervisor supervisor.Config
	Slots      slots.Config
	Monitor    monitor.Config

	// WatchdogInterval is how often the live source is checked for
	// silence; MaxMissedChecks consecutive silent checks raise a
	// source-lost fault.
	WatchdogInterval time.Duration
	MaxMissedChecks  int

	// StatsInterval is the cadence of the periodic statistics log line.
	StatsInterval time.Duration

	// WarmupTimeout bounds the wait for the first live frame after
	// startup before the source is reported lost.
	WarmupTimeout time.Duration

	// ShutdownTimeout bounds the orderly teardown.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 500 * time.Millisecond
	}
	if c.MaxMissedChecks <= 0 {
		c.MaxMissedChecks = 3
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 10 * time.Second
	}
	if c.WarmupTimeout <= 0 {
		c.WarmupTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Looper wires the components together and runs the control loop.
type Looper struct {
	cfg Config
	log *slog.Logger

	sup  *supervisor.Supervisor
	ctrl *branch.Controller
	mgr  *slots.Manager
	mon  *monitor.Monitor

	events <-chan input.Event
}

// New assembles a looper over eng, consuming key events from events.
func New(eng engine.Engine, events <-chan input.Event, cfg Config, logger *slog.Logger) *Looper {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if cfg.Monitor.TargetFPS <= 0 {
		cfg.Monitor.TargetFPS = cfg.Supervisor.Graph.Source.FPS
	}

	mon := monitor.New(cfg.Monitor, logger)
	cfg.Supervisor.Graph.OnLiveFrame = mon.Observe

	sup := supervisor.New(eng, cfg.Supervisor, logger)
	ctrl := branch.New(sup, logger)
	mgr := slots.New(ctrl, cfg.Slots, logger)

	sup.SetHooks(supervisor.Hooks{
		Idle: func(ctx context.Context, g engine.Graph) error {
			mgr.InvalidateActive()
			return ctrl.DetachAllDynamic(ctx, g)
		},
		Reset: func() {
			mgr.InvalidateActive()
			ctrl.InvalidateAll()
			mon.Reset()
		},
	})

	return &Looper{
		cfg:    cfg,
		log:    logger.With("component", "looper"),
		sup:    sup,
		ctrl:   ctrl,
		mgr:    mgr,
		mon:    mon,
		events: events,
	}
}

// State returns the current lifecycle state.
func (l *Looper) State() engine.State {
	return l.sup.State()
}

// Run builds the graph, starts playback and processes events until the
// input stream ends, the user quits, ctx is canceled or recovery
// exhausts. Teardown is always orderly: branches first, then the graph.
func (l *Looper) Run(ctx context.Context) error {
	defer l.shutdown()

	if err := l.sup.Start(ctx); err != nil {
		return err
	}
	if err := l.sup.Transition(ctx, engine.StatePlaying); err != nil {
		// Recovery may already have restored playback.
		if l.sup.State() != engine.StatePlaying {
			return fmt.Errorf("starting playback: %w", err)
		}
	}
	l.log.Info("looper running",
		"source", l.cfg.Supervisor.Graph.Source.Kind,
		"output_fps", l.cfg.Supervisor.Graph.OutputFPS)

	started := time.Now()
	warmup := time.After(l.cfg.WarmupTimeout)
	watchdog := time.NewTicker(l.cfg.WatchdogInterval)
	defer watchdog.Stop()
	stats := time.NewTicker(l.cfg.StatsInterval)
	defer stats.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			l.log.Info("context canceled, stopping")
			return nil

		case ev, ok := <-l.events:
			if !ok {
				l.log.Info("input stream ended, stopping")
				return nil
			}
			switch ev.Kind {
			case input.KeyDown:
				_ = l.mgr.OnKeyDown(ctx, ev.Key)
			case input.KeyUp:
				_ = l.mgr.OnKeyUp(ctx, ev.Key)
			case input.Quit:
				l.log.Info("quit requested")
				return nil
			}

		case <-warmup:
			warmup = nil
			if first := l.mon.FirstFrame(); !first.IsZero() {
				l.log.Info("live source warmed up",
					"startup_latency", first.Sub(started).Round(time.Millisecond))
			} else {
				l.log.Warn("no live frames within warmup window", "timeout", l.cfg.WarmupTimeout)
				l.sup.ReportFault(engine.Fault{
					Class:   engine.FaultSourceLost,
					Source:  "warmup",
					Message: fmt.Sprintf("no live frames within %s of startup", l.cfg.WarmupTimeout),
				})
			}

		case <-watchdog.C:
			l.checkSource(&missed)

		case <-stats.C:
			l.logStats()

		case f := <-l.sup.FatalFaults():
			l.log.Error("recovery exhausted, stopping",
				"class", f.Class.String(),
				"message", f.Message)
			return fmt.Errorf("terminal engine fault (%s): %s", f.Class, f.Message)
		}
	}
}

// checkSource counts consecutive silent watchdog periods and reports
// the source lost when the limit is reached. Before the first frame the
// warmup timer owns the complaint.
func (l *Looper) checkSource(missed *int) {
	if l.sup.State() != engine.StatePlaying {
		*missed = 0
		return
	}
	last := l.mon.LastFrame()
	if last.IsZero() {
		return
	}
	if time.Since(last) <= l.cfg.WatchdogInterval {
		*missed = 0
		return
	}
	*missed++
	if *missed < l.cfg.MaxMissedChecks {
		l.log.Debug("live source silent", "missed_checks", *missed, "last_frame_age", time.Since(last))
		return
	}
	*missed = 0
	l.sup.ReportFault(engine.Fault{
		Class:   engine.FaultSourceLost,
		Source:  "watchdog",
		Message: fmt.Sprintf("no live frames for %s", time.Since(last).Round(time.Millisecond)),
	})
}

func (l *Looper) logStats() {
	s := l.mon.Stats()
	l.log.Info("session stats",
		"state", l.sup.State().String(),
		"cadence", l.mon.Validate().String(),
		"fps_avg", s.AverageFPS,
		"fps_current", s.CurrentFPS,
		"frames_total", s.TotalFrames,
		"frames_dropped", s.DroppedFrames,
		"captures", l.mgr.CompletedCaptures(),
		"captures_discarded", l.mgr.DiscardedCaptures(),
		"cells_occupied", l.ctrl.OccupiedCells(),
		"next_cell", l.mgr.NextCell(),
		"recovery_attempts", l.sup.AttemptsByClass())
}

// shutdown strips dynamic branches, then tears the graph down. Safe on
// every exit path, including failures before the graph existed.
func (l *Looper) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
	defer cancel()

	_ = l.sup.Do(ctx, "strip branches", func(opCtx context.Context, g engine.Graph) error {
		l.mgr.InvalidateActive()
		return l.ctrl.DetachAllDynamic(opCtx, g)
	})
	if err := l.sup.Shutdown(ctx); err != nil {
		l.log.Warn("graph teardown failed", "error", err)
	}
	l.log.Info("looper stopped")
}
