// Package branch tracks the dynamic branches linked into the shared
// graph: one capture branch per actively recording slot and one playback
// branch per occupied grid cell. Every engine operation goes through the
// supervisor's guarded Do, so a wedged attach or detach is caught by the
// stall detector rather than hanging the control goroutine forever.
package branch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/engine"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/supervisor"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/types"
)

// Kind distinguishes the branch flavors riding the shared graph.
type Kind int

const (
	// KindCapture taps the live distribution point into a ring buffer.
	KindCapture Kind = iota
	// KindPlayback feeds a palindrome loop into one compositor cell.
	KindPlayback
	// KindLivePreview labels the always-on preview feed. The preview is
	// part of the static topology, so the controller never issues
	// handles of this kind; occupancy and recovery see only the dynamic
	// two.
	KindLivePreview
)

// String returns the branch kind name.
func (k Kind) String() string {
	switch k {
	case KindCapture:
		return "capture"
	case KindPlayback:
		return "playback"
	case KindLivePreview:
		return "live-preview"
	default:
		return "unknown"
	}
}

// Handle is a tagged reference to one attached branch. Handles become
// stale when recovery strips the graph; the controller recognizes stale
// handles by identity and treats detaching them as a no-op.
type Handle struct {
	id         string
	kind       Kind
	slotID     int
	cell       int
	att        engine.Attachment
	attachedAt time.Time
}

// ID returns the unique handle identifier.
func (h *Handle) ID() string { return h.id }

// Kind returns the branch flavor.
func (h *Handle) Kind() Kind { return h.kind }

// SlotID returns the recording slot the branch serves.
func (h *Handle) SlotID() int { return h.slotID }

// Cell returns the grid cell a playback branch renders into (-1 for
// capture branches).
func (h *Handle) Cell() int { return h.cell }

// Name returns the branch name inside the graph.
func (h *Handle) Name() string { return h.att.Name() }

// AttachedAt returns when the branch was linked in.
func (h *Handle) AttachedAt() time.Time { return h.attachedAt }

// Controller owns the occupancy bookkeeping for dynamic branches. It is
// safe for concurrent use: the control goroutine attaches and detaches
// while recovery hooks strip or invalidate from the supervisor's
// goroutine.
type Controller struct {
	sup *supervisor.Supervisor
	log *slog.Logger

	mu       sync.Mutex
	captures map[int]*Handle // slot id -> capture branch
	cells    map[int]*Handle // cell index -> playback branch
}

// New returns an empty controller operating through sup.
func New(sup *supervisor.Supervisor, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sup:      sup,
		log:      logger.With("component", "branch"),
		captures: make(map[int]*Handle),
		cells:    make(map[int]*Handle),
	}
}

// AttachCapture links a capture branch for slotID, delivering every
// frame that passes the live distribution point to deliver. At most one
// capture branch per slot may be attached at a time.
func (c *Controller) AttachCapture(ctx context.Context, slotID int, qc engine.QueueConfig, deliver func(types.Frame)) (*Handle, error) {
	c.mu.Lock()
	if existing := c.captures[slotID]; existing != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("slot %d already has capture branch %s", slotID, existing.Name())
	}
	c.mu.Unlock()

	name := fmt.Sprintf("capture-slot-%d", slotID)
	var att engine.Attachment
	err := c.sup.Do(ctx, "attach "+name, func(opCtx context.Context, g engine.Graph) error {
		var aerr error
		att, aerr = g.AttachCapture(opCtx, name, qc, deliver)
		return aerr
	})
	if err != nil {
		return nil, fmt.Errorf("attaching %s: %w", name, err)
	}

	h := &Handle{
		id:         uuid.New().String(),
		kind:       KindCapture,
		slotID:     slotID,
		cell:       -1,
		att:        att,
		attachedAt: time.Now(),
	}
	c.mu.Lock()
	c.captures[slotID] = h
	c.mu.Unlock()

	c.log.Info("capture branch attached", "slot", slotID, "branch", name)
	return h, nil
}

// DetachCapture unlinks a capture branch. When it returns nil, the
// engine no longer delivers frames through the branch: the caller owns
// the ring buffer outright. Detaching a stale handle is a no-op.
func (c *Controller) DetachCapture(ctx context.Context, h *Handle) error {
	if h == nil || h.kind != KindCapture {
		return nil
	}
	c.mu.Lock()
	if c.captures[h.slotID] != h {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.sup.Do(ctx, "detach "+h.Name(), func(opCtx context.Context, g engine.Graph) error {
		return g.Detach(opCtx, h.att)
	})
	if err != nil {
		return fmt.Errorf("detaching %s: %w", h.Name(), err)
	}

	c.mu.Lock()
	if c.captures[h.slotID] == h {
		delete(c.captures, h.slotID)
	}
	c.mu.Unlock()

	c.log.Info("capture branch detached", "slot", h.slotID, "branch", h.Name())
	return nil
}

// AttachPlayback links a playback branch rendering pull's frames into
// cell. The cell must be unoccupied: callers release the previous
// occupant first, so the old branch is fully gone before the new one
// joins the graph.
func (c *Controller) AttachPlayback(ctx context.Context, slotID, cell int, pull func() (types.Frame, bool)) (*Handle, error) {
	c.mu.Lock()
	if existing := c.cells[cell]; existing != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("cell %d still occupied by %s", cell, existing.Name())
	}
	c.mu.Unlock()

	name := fmt.Sprintf("playback-cell-%d", cell)
	var att engine.Attachment
	err := c.sup.Do(ctx, "attach "+name, func(opCtx context.Context, g engine.Graph) error {
		var aerr error
		att, aerr = g.AttachPlayback(opCtx, name, cell, pull)
		return aerr
	})
	if err != nil {
		return nil, fmt.Errorf("attaching %s: %w", name, err)
	}

	h := &Handle{
		id:         uuid.New().String(),
		kind:       KindPlayback,
		slotID:     slotID,
		cell:       cell,
		att:        att,
		attachedAt: time.Now(),
	}
	c.mu.Lock()
	c.cells[cell] = h
	c.mu.Unlock()

	c.log.Info("playback branch attached", "slot", slotID, "cell", cell, "branch", name)
	return h, nil
}

// DetachPlayback unlinks a playback branch and frees its cell. Safe to
// call during active playback; detaching a nil or stale handle is a
// no-op.
func (c *Controller) DetachPlayback(ctx context.Context, h *Handle) error {
	if h == nil || h.kind != KindPlayback {
		return nil
	}
	c.mu.Lock()
	if c.cells[h.cell] != h {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.sup.Do(ctx, "detach "+h.Name(), func(opCtx context.Context, g engine.Graph) error {
		return g.Detach(opCtx, h.att)
	})
	if err != nil {
		return fmt.Errorf("detaching %s: %w", h.Name(), err)
	}

	c.mu.Lock()
	if c.cells[h.cell] == h {
		delete(c.cells, h.cell)
	}
	c.mu.Unlock()

	c.log.Info("playback branch detached", "slot", h.slotID, "cell", h.cell, "branch", h.Name())
	return nil
}

// ReleaseCell detaches whatever playback branch occupies cell, freeing
// its loop and buffer references. Releasing a free cell is a no-op.
func (c *Controller) ReleaseCell(ctx context.Context, cell int) error {
	c.mu.Lock()
	h := c.cells[cell]
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	return c.DetachPlayback(ctx, h)
}

// DetachAllDynamic strips every dynamic branch directly on g, bypassing
// the supervisor: it is the tier-2 recovery hook and runs while guarded
// operations are suspended. Detaching continues past individual
// failures; the first error is returned.
func (c *Controller) DetachAllDynamic(ctx context.Context, g engine.Graph) error {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.captures)+len(c.cells))
	for _, h := range c.captures {
		handles = append(handles, h)
	}
	for _, h := range c.cells {
		handles = append(handles, h)
	}
	c.captures = make(map[int]*Handle)
	c.cells = make(map[int]*Handle)
	c.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := g.Detach(ctx, h.att); err != nil {
			c.log.Warn("detach during recovery failed", "branch", h.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(handles) > 0 {
		c.log.Info("dynamic branches stripped", "count", len(handles))
	}
	return firstErr
}

// InvalidateAll drops all bookkeeping without touching the engine: the
// tier-3 recovery hook, called when the old graph is torn down
// wholesale and its branches die with it.
func (c *Controller) InvalidateAll() {
	c.mu.Lock()
	n := len(c.captures) + len(c.cells)
	c.captures = make(map[int]*Handle)
	c.cells = make(map[int]*Handle)
	c.mu.Unlock()
	if n > 0 {
		c.log.Info("branch handles invalidated", "count", n)
	}
}

// ActiveCaptures returns the number of attached capture branches.
func (c *Controller) ActiveCaptures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captures)
}

// OccupiedCells returns the number of cells with a playback branch.
func (c *Controller) OccupiedCells() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cells)
}

// CellOccupied reports whether cell currently has a playback branch.
func (c *Controller) CellOccupied(cell int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cells[cell] != nil
}

// CaptureFor returns the capture handle for slotID, or nil.
func (c *Controller) CaptureFor(slotID int) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures[slotID]
}
