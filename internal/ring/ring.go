// Package ring implements the fixed-capacity frame store backing one
// capture slot. Writes never block and never fail: once the buffer is
// full the oldest retained frame is evicted to admit the new one.
//
// Ownership model: a buffer has exactly one writer (the capture branch)
// and, after the capture completes and the buffer is handed to a playback
// loop, exactly one reader (the playback branch). The two roles never
// overlap in time, so the frame storage itself is unsynchronized; only
// the diagnostic counters are atomic so they can be read from any
// goroutine while a capture is in flight.
package ring

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/types"
)

// Buffer is a circular frame store with drop-oldest overflow.
//
// Invariants, for any sequence of writes:
//
//	FrameCount  == min(TotalWritten, Capacity)
//	OverflowCount == max(0, TotalWritten - Capacity)
//
// TotalWritten and OverflowCount never decrease.
type Buffer struct {
	capacity int
	frames   []types.Frame
	writePos int

	frameCount    atomic.Int64
	durationNanos atomic.Int64
	totalWritten  atomic.Uint64
	overflowCount atomic.Uint64
}

// New allocates an empty buffer holding at most capacity frames.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring: capacity must be positive, got %d", capacity)
	}
	return &Buffer{
		capacity: capacity,
		frames:   make([]types.Frame, capacity),
	}, nil
}

// WriteFrame stores f at the current write position, evicting the oldest
// retained frame first when the buffer is full. Never blocks, never
// rejects. A nil receiver is a no-op.
func (b *Buffer) WriteFrame(f types.Frame) {
	if b == nil {
		return
	}

	b.totalWritten.Add(1)

	if int(b.frameCount.Load()) >= b.capacity {
		// Full: the slot at writePos holds the oldest retained frame.
		evicted := b.frames[b.writePos]
		b.durationNanos.Add(-int64(evicted.Duration))
		b.overflowCount.Add(1)
	} else {
		b.frameCount.Add(1)
	}

	b.frames[b.writePos] = f
	b.durationNanos.Add(int64(f.Duration))
	b.writePos = (b.writePos + 1) % b.capacity
}

// ReadFrame returns the frame at the given logical index, where logical 0
// is the oldest retained frame. Returns false when the index is out of
// range, the buffer is empty, or the receiver is nil.
func (b *Buffer) ReadFrame(logical int) (types.Frame, bool) {
	if b == nil {
		return types.Frame{}, false
	}
	count := int(b.frameCount.Load())
	if logical < 0 || logical >= count {
		return types.Frame{}, false
	}

	// Before the first overflow frames sit sequentially from slot 0.
	// Afterwards writePos points at the oldest retained frame.
	physical := logical
	if count >= b.capacity {
		physical = (b.writePos + logical) % b.capacity
	}
	return b.frames[physical], true
}

// FrameCount returns the number of retained frames, capped at capacity.
func (b *Buffer) FrameCount() int {
	if b == nil {
		return 0
	}
	return int(b.frameCount.Load())
}

// Capacity returns the fixed frame capacity.
func (b *Buffer) Capacity() int {
	if b == nil {
		return 0
	}
	return b.capacity
}

// Duration returns the summed duration of the retained frames.
func (b *Buffer) Duration() time.Duration {
	if b == nil {
		return 0
	}
	return time.Duration(b.durationNanos.Load())
}

// TotalWritten returns the cumulative number of writes, including frames
// that were later evicted.
func (b *Buffer) TotalWritten() uint64 {
	if b == nil {
		return 0
	}
	return b.totalWritten.Load()
}

// OverflowCount returns the cumulative number of evictions.
func (b *Buffer) OverflowCount() uint64 {
	if b == nil {
		return 0
	}
	return b.overflowCount.Load()
}
