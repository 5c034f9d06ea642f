// Package monitor measures live frame cadence: rolling frame-rate
// statistics, gap-based drop detection and validation against a target
// rate. Observe is called from the engine's streaming thread; readers
// run on their own tickers, so all state is mutex-guarded.
package monitor

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Status is the outcome of validating measured cadence against the
// configured target.
type Status int

const (
	// StatusValid: average rate within tolerance, variance acceptable.
	StatusValid Status = iota
	// StatusLow: average rate below target minus tolerance.
	StatusLow
	// StatusHigh: average rate above target plus tolerance.
	StatusHigh
	// StatusUnstable: rate within bounds but variance too high.
	StatusUnstable
	// StatusInsufficientData: not enough samples in the window yet.
	StatusInsufficientData
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusLow:
		return "low"
	case StatusHigh:
		return "high"
	case StatusUnstable:
		return "unstable"
	case StatusInsufficientData:
		return "insufficient_data"
	default:
		return "unknown"
	}
}

// Config tunes the measurement window and validation bounds.
type Config struct {
	// TargetFPS is the rate the source is expected to sustain.
	TargetFPS int
	// ToleranceFPS widens the acceptable band around TargetFPS.
	ToleranceFPS float64
	// WindowSize caps the number of timestamps kept for analysis.
	WindowSize int
	// MinSamples is the smallest window that validation will judge.
	MinSamples int
}

func (c Config) withDefaults() Config {
	if c.TargetFPS <= 0 {
		c.TargetFPS = 120
	}
	if c.ToleranceFPS <= 0 {
		c.ToleranceFPS = 2
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 120
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 30
	}
	return c
}

// Stats is a snapshot of the measurement window.
type Stats struct {
	TotalFrames   uint64
	DroppedFrames uint64

	CurrentFPS float64
	AverageFPS float64
	MinFPS     float64
	MaxFPS     float64
	StdDevFPS  float64

	WindowFrames   int
	WindowDuration time.Duration
	LastFrame      time.Time
}

// Monitor tracks frame arrival times over a rolling window.
type Monitor struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	times   []time.Time
	total   uint64
	dropped uint64
	first   time.Time
	last    time.Time
}

// New returns a monitor with an empty window.
func New(cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg: cfg.withDefaults(),
		log: logger.With("component", "monitor"),
	}
}

// expectedInterval is the ideal gap between frames at the target rate.
func (m *Monitor) expectedInterval() time.Duration {
	return time.Second / time.Duration(m.cfg.TargetFPS)
}

// Observe records one frame arrival. Gaps wider than 1.5x the expected
// interval are counted as dropped frames: a gap of n intervals means
// n-1 frames went missing.
func (m *Monitor) Observe(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	if m.first.IsZero() {
		m.first = t
	}

	if !m.last.IsZero() {
		expected := m.expectedInterval()
		gap := t.Sub(m.last)
		if gap > expected*3/2 && gap > 0 {
			missing := uint64(gap/expected) - 1
			if missing > 0 {
				m.dropped += missing
				m.log.Warn("frame drop detected",
					"gap", gap,
					"expected", expected,
					"missing", missing)
			}
		}
	}
	m.last = t

	m.times = append(m.times, t)
	if len(m.times) > m.cfg.WindowSize {
		m.times = m.times[1:]
	}
}

// Stats computes rate statistics over the current window. With fewer
// than two samples only the counters are meaningful.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		TotalFrames:   m.total,
		DroppedFrames: m.dropped,
		WindowFrames:  len(m.times),
		LastFrame:     m.last,
	}
	n := len(m.times)
	if n < 2 {
		return s
	}

	duration := m.times[n-1].Sub(m.times[0])
	s.WindowDuration = duration
	if duration > 0 {
		s.AverageFPS = float64(n-1) / duration.Seconds()
	}

	if lastGap := m.times[n-1].Sub(m.times[n-2]); lastGap > 0 {
		s.CurrentFPS = 1.0 / lastGap.Seconds()
	}

	// Per-interval instantaneous rates give min, max and spread.
	rates := make([]float64, 0, n-1)
	sum := 0.0
	for i := 1; i < n; i++ {
		gap := m.times[i].Sub(m.times[i-1])
		if gap <= 0 {
			continue
		}
		fps := 1.0 / gap.Seconds()
		rates = append(rates, fps)
		sum += fps
	}
	if len(rates) == 0 {
		return s
	}

	mean := sum / float64(len(rates))
	sqDev := 0.0
	s.MinFPS = rates[0]
	s.MaxFPS = rates[0]
	for _, fps := range rates {
		dev := fps - mean
		sqDev += dev * dev
		if fps < s.MinFPS {
			s.MinFPS = fps
		}
		if fps > s.MaxFPS {
			s.MaxFPS = fps
		}
	}
	s.StdDevFPS = math.Sqrt(sqDev / float64(len(rates)))
	return s
}

// Validate judges the window against the target rate. Order matters:
// data sufficiency, then the average-rate band, then stability.
func (m *Monitor) Validate() Status {
	m.mu.Lock()
	samples := len(m.times)
	m.mu.Unlock()
	if samples < m.cfg.MinSamples {
		return StatusInsufficientData
	}

	s := m.Stats()
	minFPS := float64(m.cfg.TargetFPS) - m.cfg.ToleranceFPS
	maxFPS := float64(m.cfg.TargetFPS) + m.cfg.ToleranceFPS

	switch {
	case s.AverageFPS < minFPS:
		return StatusLow
	case s.AverageFPS > maxFPS:
		return StatusHigh
	case s.StdDevFPS > float64(m.cfg.TargetFPS)*0.1:
		return StatusUnstable
	default:
		return StatusValid
	}
}

// LastFrame returns the most recent arrival, or the zero time before
// the first frame. The source watchdog polls this.
func (m *Monitor) LastFrame() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// FirstFrame returns the first arrival ever observed (zero before it),
// used to measure startup latency.
func (m *Monitor) FirstFrame() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.first
}

// Reset clears the window and all counters.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.times = nil
	m.total = 0
	m.dropped = 0
	m.first = time.Time{}
	m.last = time.Time{}
}
