// Package slots maps the nine recording keys onto capture branches and
// palindrome playback loops. Key events arrive from the single control
// goroutine; recovery invalidation arrives from the supervisor's
// goroutine, so slot state is mutex-guarded.
package slots

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/branch"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/engine"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/playback"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/ring"
)

// CellAssigner hands out grid cells in strict round-robin order. The
// cursor advances only on completed captures and is never reset, so the
// tenth capture of a session reuses the cell of the first. Not safe for
// concurrent use; the manager serializes access.
type CellAssigner struct {
	next  int
	cells int
}

// NewCellAssigner returns an assigner cycling over cells starting at 0.
func NewCellAssigner(cells int) *CellAssigner {
	if cells <= 0 {
		cells = 1
	}
	return &CellAssigner{cells: cells}
}

// Next returns the current cell and advances the cursor.
func (a *CellAssigner) Next() int {
	c := a.next
	a.next = (a.next + 1) % a.cells
	return c
}

// Peek returns the cell the next completed capture will receive.
func (a *CellAssigner) Peek() int { return a.next }

// Config tunes the slot manager.
type Config struct {
	// SlotCount is the number of recording keys (and grid playback
	// cells).
	SlotCount int
	// Capacity is the ring buffer size, in frames, of each capture.
	Capacity int
	// SourcePeriod is the duration of one live source frame. A key
	// released before one period has elapsed holds the capture branch
	// open until the period passes or a frame lands, so a flowing source
	// yields at least one frame.
	SourcePeriod time.Duration
	// FloorPoll is how often the floor wait re-checks the ring.
	FloorPoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.SlotCount <= 0 {
		c.SlotCount = 9
	}
	if c.Capacity <= 0 {
		c.Capacity = 60
	}
	if c.SourcePeriod <= 0 {
		c.SourcePeriod = 33 * time.Millisecond
	}
	if c.FloorPoll <= 0 {
		c.FloorPoll = 2 * time.Millisecond
	}
	return c
}

type slot struct {
	recording bool
	handle    *branch.Handle
	buf       *ring.Buffer
	startedAt time.Time
}

// Manager owns the recording slots and the cell assigner.
type Manager struct {
	cfg  Config
	ctrl *branch.Controller
	log  *slog.Logger

	mu       sync.Mutex
	slots    []*slot // 1-based; index 0 unused
	assigner *CellAssigner
	gen      uint64 // bumped by InvalidateActive

	completed atomic.Uint64
	discarded atomic.Uint64
}

// New returns a manager with all slots idle.
func New(ctrl *branch.Controller, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		ctrl:     ctrl,
		log:      logger.With("component", "slots"),
		slots:    make([]*slot, cfg.SlotCount+1),
		assigner: NewCellAssigner(cfg.SlotCount),
	}
	for i := range m.slots {
		m.slots[i] = &slot{}
	}
	return m
}

// OnKeyDown starts a capture for key. Keys outside 1..SlotCount and
// repeats while the slot is already recording are ignored.
func (m *Manager) OnKeyDown(ctx context.Context, key int) error {
	if key < 1 || key > m.cfg.SlotCount {
		m.log.Debug("key outside slot range", "key", key)
		return nil
	}

	m.mu.Lock()
	s := m.slots[key]
	if s.recording {
		m.mu.Unlock()
		return nil
	}
	gen := m.gen
	m.mu.Unlock()

	buf, err := ring.New(m.cfg.Capacity)
	if err != nil {
		return fmt.Errorf("slot %d: %w", key, err)
	}

	h, err := m.ctrl.AttachCapture(ctx, key, engine.CaptureQueueProfile(), buf.WriteFrame)
	if err != nil {
		m.log.Warn("capture start failed", "slot", key, "error", err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		// Recovery invalidated the slots while we were attaching; the
		// branch was (or is about to be) stripped with the rest.
		m.mu.Unlock()
		_ = m.ctrl.DetachCapture(ctx, h)
		return nil
	}
	s.recording = true
	s.handle = h
	s.buf = buf
	s.startedAt = time.Now()
	m.mu.Unlock()

	m.log.Info("recording started", "slot", key)
	return nil
}

// OnKeyUp finishes a capture: it holds the branch open through the
// minimum capture window, detaches it (after which the ring is owned
// here exclusively), and either starts palindrome playback on the next
// round-robin cell or, for an empty capture, discards the ring without
// consuming a cell. Releases without a matching press are ignored.
func (m *Manager) OnKeyUp(ctx context.Context, key int) error {
	if key < 1 || key > m.cfg.SlotCount {
		return nil
	}

	m.mu.Lock()
	s := m.slots[key]
	if !s.recording {
		m.mu.Unlock()
		return nil
	}
	h := s.handle
	buf := s.buf
	startedAt := s.startedAt
	gen := m.gen
	m.mu.Unlock()

	deadline := startedAt.Add(m.cfg.SourcePeriod)
	for buf.FrameCount() == 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(m.cfg.FloorPoll)
	}

	// The measured duration never reads below one source period: the
	// floor is both operational (the wait above) and reported.
	held := time.Since(startedAt)
	if held < m.cfg.SourcePeriod {
		held = m.cfg.SourcePeriod
	}

	if err := m.ctrl.DetachCapture(ctx, h); err != nil {
		// Leave the slot recording: a later release retries, and tier-2
		// or tier-3 recovery clears it wholesale.
		m.log.Warn("capture stop deferred", "slot", key, "error", err)
		return err
	}

	m.mu.Lock()
	stale := m.gen != gen
	if !stale {
		s.recording = false
		s.handle = nil
		s.buf = nil
	}
	m.mu.Unlock()
	if stale {
		// Recovery invalidated the slots mid-release; the capture died
		// with the old branches.
		return nil
	}

	frames := buf.FrameCount()
	if frames == 0 {
		m.discarded.Add(1)
		m.log.Info("empty capture discarded", "slot", key, "held", held.Round(time.Millisecond))
		return nil
	}

	loop := playback.NewLoop(buf)

	m.mu.Lock()
	cell := m.assigner.Next()
	m.mu.Unlock()

	if err := m.ctrl.ReleaseCell(ctx, cell); err != nil {
		m.log.Warn("cell release failed, capture dropped", "slot", key, "cell", cell, "error", err)
		return err
	}
	if _, err := m.ctrl.AttachPlayback(ctx, key, cell, loop.NextFrame); err != nil {
		m.log.Warn("playback start failed, capture dropped", "slot", key, "cell", cell, "error", err)
		return err
	}

	m.completed.Add(1)
	m.log.Info("recording stopped, playback started",
		"slot", key,
		"cell", cell,
		"frames", frames,
		"held", held.Round(time.Millisecond),
		"captured", buf.Duration(),
		"overflow", buf.OverflowCount())
	return nil
}

// InvalidateActive marks every recording slot idle without engine
// calls. Recovery hooks call this after stripping or abandoning the
// graph's dynamic branches. The cell assigner cursor is left alone.
func (m *Manager) InvalidateActive() {
	m.mu.Lock()
	m.gen++
	n := 0
	for _, s := range m.slots[1:] {
		if s.recording {
			s.recording = false
			s.handle = nil
			s.buf = nil
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.log.Info("active recordings invalidated", "count", n)
	}
}

// Recording reports whether key's slot is currently capturing.
func (m *Manager) Recording(key int) bool {
	if key < 1 || key > m.cfg.SlotCount {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[key].recording
}

// NextCell returns the cell the next completed capture will occupy.
func (m *Manager) NextCell() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assigner.Peek()
}

// CompletedCaptures returns how many captures reached playback.
func (m *Manager) CompletedCaptures() uint64 { return m.completed.Load() }

// DiscardedCaptures returns how many captures ended with zero frames.
func (m *Manager) DiscardedCaptures() uint64 { return m.discarded.Load() }
