package gstengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/engine"
)

// statePollInterval paces the wait for bus-acknowledged state changes.
const statePollInterval = 10 * time.Millisecond

// graph is one live pipeline. The control goroutine drives lifecycle
// and branch mutation; the bus pump and the branch callbacks run on
// GStreamer threads and share only atomics and the fault channel.
type graph struct {
	cfg engine.GraphConfig
	log *slog.Logger

	pipeline *gst.Pipeline
	tee      *gst.Element
	comp     *gst.Element

	state    atomic.Int64 // engine.State as acknowledged to callers
	gstState atomic.Int64 // last pipeline state seen on the bus

	mu       sync.Mutex
	captures map[*attachment]struct{}
	cells    map[int]*attachment

	faults   chan engine.Fault
	stop     chan struct{}
	pumpDone chan struct{}
	closed   sync.Once
}

func (g *graph) State() engine.State {
	return engine.State(g.state.Load())
}

// SetState drives the pipeline toward the target and blocks until the
// bus acknowledges the change or ctx expires. A context deadline here
// is the deadlock signal the supervisor escalates on. Shutdown maps to
// NULL, which GStreamer completes synchronously.
func (g *graph) SetState(ctx context.Context, target engine.State) error {
	gstTarget, err := gstStateFor(target)
	if err != nil {
		return err
	}

	if target == engine.StateShutdown {
		if err := g.pipeline.SetState(gst.StateNull); err != nil {
			return fmt.Errorf("failed to stop pipeline: %w", err)
		}
		g.gstState.Store(int64(gst.StateNull))
		g.state.Store(int64(engine.StateShutdown))
		return nil
	}

	if err := g.pipeline.SetState(gstTarget); err != nil {
		return fmt.Errorf("failed to set pipeline state to %s: %w", target, err)
	}

	tick := time.NewTicker(statePollInterval)
	defer tick.Stop()
	for {
		if gst.State(g.gstState.Load()) == gstTarget {
			g.state.Store(int64(target))
			g.log.Debug("pipeline state reached", "state", target.String())
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// gstStateFor maps lifecycle states to pipeline states. Only the four
// caller-drivable targets map.
func gstStateFor(s engine.State) (gst.State, error) {
	switch s {
	case engine.StateReady:
		return gst.StateReady, nil
	case engine.StatePaused:
		return gst.StatePaused, nil
	case engine.StatePlaying:
		return gst.StatePlaying, nil
	case engine.StateShutdown:
		return gst.StateNull, nil
	default:
		return gst.StateNull, fmt.Errorf("invalid target state %s", s)
	}
}

func (g *graph) Faults() <-chan engine.Fault {
	return g.faults
}

// Close stops the bus pump, drops every branch callback, tears the
// pipeline down to NULL and closes the fault channel. Idempotent.
func (g *graph) Close() error {
	g.closed.Do(func() {
		g.state.Store(int64(engine.StateShutdown))

		g.mu.Lock()
		for att := range g.captures {
			att.active.Store(false)
		}
		for _, att := range g.cells {
			att.active.Store(false)
		}
		g.captures = make(map[*attachment]struct{})
		g.cells = make(map[int]*attachment)
		g.mu.Unlock()

		close(g.stop)
		<-g.pumpDone

		if err := g.pipeline.SetState(gst.StateNull); err != nil {
			g.log.Warn("pipeline NULL transition failed during close", "error", err)
		}
		close(g.faults)
	})
	return nil
}

// pumpBus is the pipeline's sole bus consumer. It forwards errors and
// end-of-stream as classified faults and records acknowledged pipeline
// state changes for SetState to observe.
func (g *graph) pumpBus() {
	defer close(g.pumpDone)

	bus := g.pipeline.GetPipelineBus()
	pipelineName := g.pipeline.GetName()

	for {
		select {
		case <-g.stop:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			g.log.Error("pipeline reached end of stream", "source", msg.Source())
			g.emitFault(engine.Fault{
				Class:   engine.FaultSourceLost,
				Message: "end of stream",
				Source:  msg.Source(),
			})

		case gst.MessageError:
			gerr := msg.ParseError()
			class := engine.Classify(gerr.Error(), gerr.DebugString())
			g.log.Error("pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"class", class.String(),
				"source", msg.Source())
			g.emitFault(engine.Fault{
				Class:   class,
				Message: gerr.Error(),
				Source:  msg.Source(),
			})

		case gst.MessageStateChanged:
			if msg.Source() == pipelineName {
				_, next := msg.ParseStateChanged()
				g.gstState.Store(int64(next))
			}
		}
	}
}

// emitFault delivers without ever blocking the pump. If the consumer is
// mid-recovery and the buffer fills, later faults are dropped; the
// episode in flight already owns the problem.
func (g *graph) emitFault(f engine.Fault) {
	f.ID = uuid.New().String()
	f.Time = time.Now()
	select {
	case g.faults <- f:
	default:
		g.log.Warn("fault channel full, dropping fault",
			"class", f.Class.String(), "message", f.Message)
	}
}
