package engine

// QueueConfig is the bounded buffering profile applied to a branch's
// intermediate queue. Leaky queues drop their oldest buffered frame
// instead of blocking the producer, which is how capture branches honor
// the never-block-the-distribution-point rule.
type QueueConfig struct {
	// MaxBuffers bounds the queue in frames.
	MaxBuffers int
	// Leaky drops downstream (oldest) on overflow instead of blocking.
	Leaky bool
	// Silent suppresses the queue's own signal emission to cut per-frame
	// overhead on hot paths.
	Silent bool
}

// LiveQueueProfile is the static live-preview path: latency matters, so
// the queue stays shallow and sheds frames rather than ever stalling the
// distribution point.
func LiveQueueProfile() QueueConfig {
	return QueueConfig{MaxBuffers: 6, Leaky: true, Silent: true}
}

// CaptureQueueProfile buffers one capture window (~2s at 30fps) between
// the distribution point and the ring-buffer sink. Leaky: a slow capture
// consumer sheds frames at its own boundary, never upstream.
func CaptureQueueProfile() QueueConfig {
	return QueueConfig{MaxBuffers: 60, Leaky: true, Silent: true}
}

// PlaybackQueueProfile smooths pulled frames into the compositor. Not
// leaky: playback frames are paced by the output clock and must not be
// dropped once emitted.
func PlaybackQueueProfile() QueueConfig {
	return QueueConfig{MaxBuffers: 16, Leaky: false, Silent: false}
}
