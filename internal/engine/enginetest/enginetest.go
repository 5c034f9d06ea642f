// Package enginetest provides a scriptable in-memory engine.Graph for
// exercising the looper core without GStreamer: tests deliver live frames
// by hand, pull playback cells by hand, stall or fail state transitions on
// demand and inject asynchronous faults.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/engine"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/types"
)

// Engine builds in-memory graphs and records every build.
type Engine struct {
	mu         sync.Mutex
	graphs     []*Graph
	failBuilds int
}

// NewEngine returns an empty mock engine.
func NewEngine() *Engine {
	return &Engine{}
}

// FailBuilds makes the next n BuildGraph calls fail.
func (e *Engine) FailBuilds(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failBuilds = n
}

// BuildGraph implements engine.Engine.
func (e *Engine) BuildGraph(cfg engine.GraphConfig) (engine.Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failBuilds > 0 {
		e.failBuilds--
		return nil, fmt.Errorf("enginetest: scripted build failure")
	}

	g := &Graph{
		cfg:     cfg,
		state:   engine.StateReady,
		faultCh: make(chan engine.Fault, 16),
		closed:  make(chan struct{}),
	}
	e.graphs = append(e.graphs, g)
	return g, nil
}

// BuildCount returns how many graphs have been built.
func (e *Engine) BuildCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.graphs)
}

// LastGraph returns the most recently built graph, or nil.
func (e *Engine) LastGraph() *Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.graphs) == 0 {
		return nil
	}
	return e.graphs[len(e.graphs)-1]
}

// Attachment is the mock's engine.Attachment: one dynamic branch with its
// delivery or pull hook.
type Attachment struct {
	name    string
	capture bool
	cell    int

	deliver func(types.Frame)
	pull    func() (types.Frame, bool)
}

// Name implements engine.Attachment.
func (a *Attachment) Name() string { return a.name }

// Cell returns the playback cell index (playback attachments only).
func (a *Attachment) Cell() int { return a.cell }

// Graph is the scriptable in-memory graph.
type Graph struct {
	mu  sync.Mutex
	cfg engine.GraphConfig

	state       engine.State
	transitions []engine.State
	stallNext   int
	failNext    int
	failErr     error

	attachments []*Attachment
	attachLog   []string
	detachLog   []string

	faultCh   chan engine.Fault
	closed    chan struct{}
	closeOnce sync.Once

	liveSeq uint64
}

// --- scripting -------------------------------------------------------

// StallTransitions makes the next n SetState calls block until their
// context expires, simulating a wedged graph.
func (g *Graph) StallTransitions(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stallNext = n
}

// FailTransitions makes the next n SetState calls return err immediately.
func (g *Graph) FailTransitions(n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
	g.failErr = err
}

// InjectFault delivers an asynchronous fault as the engine bus would.
func (g *Graph) InjectFault(f engine.Fault) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Time.IsZero() {
		f.Time = time.Now()
	}
	select {
	case g.faultCh <- f:
	case <-g.closed:
	}
}

// --- engine.Graph ----------------------------------------------------

// SetState implements engine.Graph, honoring any scripted stall/failure.
func (g *Graph) SetState(ctx context.Context, s engine.State) error {
	switch s {
	case engine.StateReady, engine.StatePaused, engine.StatePlaying, engine.StateShutdown:
	default:
		return fmt.Errorf("enginetest: invalid SetState target %v", s)
	}

	g.mu.Lock()
	if g.stallNext > 0 {
		g.stallNext--
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.closed:
			return fmt.Errorf("enginetest: graph closed during transition")
		}
	}
	if g.failNext > 0 {
		g.failNext--
		err := g.failErr
		g.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("enginetest: scripted transition failure")
		}
		return err
	}

	g.state = s
	g.transitions = append(g.transitions, s)
	g.mu.Unlock()
	return nil
}

// State implements engine.Graph.
func (g *Graph) State() engine.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// AttachCapture implements engine.Graph.
func (g *Graph) AttachCapture(ctx context.Context, name string, qc engine.QueueConfig, deliver func(types.Frame)) (engine.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deliver == nil {
		return nil, fmt.Errorf("enginetest: nil deliver func")
	}

	att := &Attachment{name: name, capture: true, cell: -1, deliver: deliver}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.attachments = append(g.attachments, att)
	g.attachLog = append(g.attachLog, name)
	return att, nil
}

// AttachPlayback implements engine.Graph.
func (g *Graph) AttachPlayback(ctx context.Context, name string, cell int, pull func() (types.Frame, bool)) (engine.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pull == nil {
		return nil, fmt.Errorf("enginetest: nil pull func")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, existing := range g.attachments {
		if !existing.capture && existing.cell == cell {
			return nil, fmt.Errorf("enginetest: cell %d already driven by %q", cell, existing.name)
		}
	}

	att := &Attachment{name: name, cell: cell, pull: pull}
	g.attachments = append(g.attachments, att)
	g.attachLog = append(g.attachLog, name)
	return att, nil
}

// Detach implements engine.Graph. Detaching an attachment that is no
// longer present is a no-op; after Detach returns, the attachment's
// deliver/pull hooks are never invoked again.
func (g *Graph) Detach(ctx context.Context, att engine.Attachment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ma, ok := att.(*Attachment)
	if !ok || ma == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for i, a := range g.attachments {
		if a == ma {
			g.attachments = append(g.attachments[:i], g.attachments[i+1:]...)
			g.detachLog = append(g.detachLog, ma.name)
			return nil
		}
	}
	return nil
}

// Faults implements engine.Graph.
func (g *Graph) Faults() <-chan engine.Fault {
	return g.faultCh
}

// Close implements engine.Graph: drops all attachments, moves to
// SHUTDOWN and closes the fault channel.
func (g *Graph) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.attachments = nil
		g.state = engine.StateShutdown
		g.mu.Unlock()
		close(g.closed)
		close(g.faultCh)
	})
	return nil
}

// --- test drivers ----------------------------------------------------

// MakeFrame fabricates one live frame with the graph's source geometry.
func (g *Graph) MakeFrame() types.Frame {
	g.mu.Lock()
	g.liveSeq++
	seq := g.liveSeq
	src := g.cfg.Source
	g.mu.Unlock()

	period := src.Period()
	if period == 0 {
		period = 33 * time.Millisecond
	}
	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Duration:  period,
		Width:     src.Width,
		Height:    src.Height,
		TraceID:   uuid.New().String(),
	}
}

// DeliverLiveFrame fans one frame out to every attached capture branch,
// mirroring the distribution tee, and notifies the live-frame observer.
// Delivery order is attachment order. Returns the number of capture
// branches that received the frame.
func (g *Graph) DeliverLiveFrame(f types.Frame) int {
	g.mu.Lock()
	var targets []func(types.Frame)
	for _, a := range g.attachments {
		if a.capture {
			targets = append(targets, a.deliver)
		}
	}
	observer := g.cfg.OnLiveFrame
	g.mu.Unlock()

	for _, deliver := range targets {
		deliver(f)
	}
	if observer != nil {
		ts := f.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		observer(ts)
	}
	return len(targets)
}

// PullCell simulates one output tick for the playback branch at cell.
// Returns false when no branch drives the cell or the loop is empty.
func (g *Graph) PullCell(cell int) (types.Frame, bool) {
	g.mu.Lock()
	var pull func() (types.Frame, bool)
	for _, a := range g.attachments {
		if !a.capture && a.cell == cell {
			pull = a.pull
			break
		}
	}
	g.mu.Unlock()

	if pull == nil {
		return types.Frame{}, false
	}
	return pull()
}

// ActiveAttachments returns the names of currently attached branches, in
// attachment order.
func (g *Graph) ActiveAttachments() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.attachments))
	for _, a := range g.attachments {
		names = append(names, a.name)
	}
	return names
}

// CaptureCount returns the number of attached capture branches.
func (g *Graph) CaptureCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, a := range g.attachments {
		if a.capture {
			n++
		}
	}
	return n
}

// PlaybackCell returns the playback attachment at cell, or nil.
func (g *Graph) PlaybackCell(cell int) *Attachment {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range g.attachments {
		if !a.capture && a.cell == cell {
			return a
		}
	}
	return nil
}

// Transitions returns the acknowledged SetState targets, in order.
func (g *Graph) Transitions() []engine.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]engine.State, len(g.transitions))
	copy(out, g.transitions)
	return out
}

// AttachLog returns the names passed to successful attach calls, in order.
func (g *Graph) AttachLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.attachLog))
	copy(out, g.attachLog)
	return out
}

// DetachLog returns the names of detached branches, in order.
func (g *Graph) DetachLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.detachLog))
	copy(out, g.detachLog)
	return out
}
