package types

import "time"

// Frame is a single raw video frame handed between the engine, the ring
// buffers and the playback branches. The Data slice is owned by whoever
// holds the Frame value; the engine copies out of its own buffers before
// delivering.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the producer.
	Seq uint64
	// Timestamp is when the frame was captured.
	Timestamp time.Time
	// Duration is the frame's display period (one source-frame interval).
	Duration time.Duration
	// Width in pixels.
	Width int
	// Height in pixels.
	Height int
	// Data contains the raw frame bytes (I420 by default).
	Data []byte
	// TraceID uniquely identifies the frame across the pipeline for
	// correlating log lines.
	TraceID string
}

// IsZero reports whether f carries no frame data.
func (f Frame) IsZero() bool {
	return f.Data == nil && f.Seq == 0 && f.Timestamp.IsZero()
}
