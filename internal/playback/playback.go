// Package playback turns a completed capture's ring buffer into an
// infinite palindrome frame stream: indices run forward to the last frame,
// then backward to the first, then repeat, without emitting the turnaround
// frame twice.
package playback

import (
	"github.com/batchku/live-draw-gstreamer-sub001/internal/ring"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/types"
)

// Direction is the current traversal direction of a Sequencer.
type Direction int

const (
	// Forward walks indices 0 → N-1.
	Forward Direction = iota
	// Reverse walks indices N-1 → 0.
	Reverse
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return "unknown"
	}
}

// Sequencer produces the deterministic palindrome index stream over a
// fixed number of frames N. For N=4 the emitted indices are
//
//	0,1,2,3,2,1,0,1,2,3,2,1,0,...
//
// The last and first frames each appear once per pass, so the loop point
// never shows the same frame twice in a row.
type Sequencer struct {
	n     int
	index int
	dir   Direction
}

// NewSequencer returns a fresh sequencer at index 0, moving forward.
func NewSequencer(n int) *Sequencer {
	if n < 0 {
		n = 0
	}
	return &Sequencer{n: n, dir: Forward}
}

// Advance steps to the next index in the palindrome order. It is O(1),
// allocation-free and safe to call once per rendered output frame: with a
// 0- or 1-frame sequence the index stays 0 and the direction never
// toggles, so the boundary arithmetic below can never underflow.
func (s *Sequencer) Advance() {
	if s == nil || s.n <= 1 {
		return
	}

	if s.dir == Forward {
		s.index++
		if s.index >= s.n {
			s.dir = Reverse
			s.index = s.n - 2
		}
		return
	}

	s.index--
	if s.index < 0 {
		s.dir = Forward
		s.index = 1
	}
}

// Index returns the current frame index.
func (s *Sequencer) Index() int {
	if s == nil {
		return 0
	}
	return s.index
}

// Direction returns the current traversal direction.
func (s *Sequencer) Direction() Direction {
	if s == nil {
		return Forward
	}
	return s.dir
}

// Loop couples a sequencer with the buffer it indexes. A Loop is created
// when a capture completes and owns the buffer from that point on; it is
// released when its display cell is reassigned.
type Loop struct {
	buf     *ring.Buffer
	seq     *Sequencer
	playing bool
}

// NewLoop creates a playback loop over the completed capture's buffer.
// The frame count is frozen at creation: the buffer has already been
// detached from its capture branch and receives no further writes.
// A loop over an empty buffer is created but never plays.
func NewLoop(buf *ring.Buffer) *Loop {
	n := buf.FrameCount()
	return &Loop{
		buf:     buf,
		seq:     NewSequencer(n),
		playing: n > 0,
	}
}

// NextFrame returns the frame at the current palindrome position and
// advances. Returns false when the loop has nothing to play (empty buffer
// or nil receiver); callers treat that as "emit nothing this tick".
func (l *Loop) NextFrame() (types.Frame, bool) {
	if l == nil || !l.playing {
		return types.Frame{}, false
	}
	f, ok := l.buf.ReadFrame(l.seq.Index())
	if !ok {
		return types.Frame{}, false
	}
	l.seq.Advance()
	return f, true
}

// IsPlaying reports whether the loop has frames to emit.
func (l *Loop) IsPlaying() bool {
	return l != nil && l.playing
}

// Buffer returns the underlying ring buffer, for diagnostics and release
// accounting.
func (l *Loop) Buffer() *ring.Buffer {
	if l == nil {
		return nil
	}
	return l.buf
}

// Position returns the current index and direction, for diagnostics.
func (l *Loop) Position() (int, Direction) {
	if l == nil {
		return 0, Forward
	}
	return l.seq.Index(), l.seq.Direction()
}
