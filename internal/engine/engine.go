// Package engine defines the boundary between the looper core and the
// media graph executing it: graph construction, lifecycle state changes,
// dynamic branch attach/detach and asynchronous fault delivery. The
// production implementation lives in internal/gstengine; a scriptable
// in-memory implementation for tests lives in engine/enginetest.
package engine

import (
	"context"
	"time"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/types"
)

// State is the coarse-grained lifecycle state of the shared graph.
type State int

const (
	// StateUninitialized: no graph exists yet.
	StateUninitialized State = iota
	// StateInitializing: the graph is being built.
	StateInitializing
	// StateReady: static topology built, data not flowing.
	StateReady
	// StatePlaying: live data flowing through all attached branches.
	StatePlaying
	// StatePaused: topology intact, data flow suspended.
	StatePaused
	// StateError: terminal fault state; no further automatic recovery.
	StateError
	// StateShutdown: terminal; the graph has been torn down.
	StateShutdown
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// SourceConfig selects and describes the live video source.
type SourceConfig struct {
	// Kind is "camera" or "test" (synthetic pattern source).
	Kind string
	// Device is the camera device path (camera kind only).
	Device string
	// Width, Height, FPS are the negotiated source caps.
	Width  int
	Height int
	FPS    int
}

// Period returns the duration of one source frame.
func (s SourceConfig) Period() time.Duration {
	if s.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(s.FPS)
}

// GraphConfig carries everything an Engine needs to build the static
// topology: source, grid geometry, output cadence, queue profiles and the
// optional live-frame observer used by the frame-rate monitor.
type GraphConfig struct {
	Source    SourceConfig
	Grid      GridLayout
	OutputFPS int
	// Sink is "auto" (platform video sink) or "fake" (headless).
	Sink string

	LiveQueue     QueueConfig
	CaptureQueue  QueueConfig
	PlaybackQueue QueueConfig

	// OnLiveFrame, when non-nil, is invoked from the engine's streaming
	// thread for every frame passing the live distribution point. It must
	// not block.
	OnLiveFrame func(time.Time)
}

// OutputPeriod returns the duration of one composited output frame.
func (c GraphConfig) OutputPeriod() time.Duration {
	if c.OutputFPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.OutputFPS)
}

// Attachment is an opaque reference to one dynamic branch linked into the
// graph. Implementations carry whatever they need to undo the linkage.
type Attachment interface {
	// Name is the branch name the attach call was made with.
	Name() string
}

// Engine builds graphs. One engine may build several graphs over a
// session (the recovery coordinator rebuilds after a full reset).
type Engine interface {
	BuildGraph(cfg GraphConfig) (Graph, error)
}

// Graph is a running media graph with a mutable set of dynamic branches.
//
// All methods are safe to call from the control goroutine; deliver and
// pull callbacks run on the engine's own streaming threads.
//
// SetState is synchronous: it does not return until the graph has
// acknowledged the new state or ctx expires. Valid targets are StateReady,
// StatePaused, StatePlaying and StateShutdown.
//
// Detach is idempotent: detaching an attachment that is no longer present
// returns nil.
//
// The Faults channel delivers asynchronous engine faults (bus errors,
// source loss, end of stream) and is closed by Close.
type Graph interface {
	SetState(ctx context.Context, s State) error
	State() State

	// AttachCapture taps the live distribution point through a queue with
	// the given profile and delivers every frame to deliver. The
	// distribution point is never blocked by a slow capture branch.
	AttachCapture(ctx context.Context, name string, qc QueueConfig, deliver func(types.Frame)) (Attachment, error)

	// AttachPlayback adds a branch that pulls one frame per output tick
	// and composites it at the fixed position for cell.
	AttachPlayback(ctx context.Context, name string, cell int, pull func() (types.Frame, bool)) (Attachment, error)

	Detach(ctx context.Context, att Attachment) error

	Faults() <-chan Fault
	Close() error
}
