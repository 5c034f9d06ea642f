package gstengine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/engine"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/types"
)

// attachment is one dynamic branch: its elements, the request pad tying
// it into the shared topology, and the flag gating its callbacks. The
// flag is cleared before teardown so a callback racing a detach sees a
// dead branch instead of a dying one.
type attachment struct {
	name    string
	capture bool
	cell    int

	elements []*gst.Element
	reqOwner *gst.Element
	reqPad   *gst.Pad

	active atomic.Bool
}

func (a *attachment) Name() string { return a.name }

// AttachCapture links tee → queue → appsink while the pipeline runs and
// hands every frame crossing the distribution point to deliver. The
// queue profile shields the tee: a slow consumer sheds frames at its
// own boundary, never upstream.
func (g *graph) AttachCapture(ctx context.Context, name string, qc engine.QueueConfig, deliver func(types.Frame)) (engine.Attachment, error) {
	if err := g.attachable(ctx); err != nil {
		return nil, err
	}
	if qc == (engine.QueueConfig{}) {
		qc = g.cfg.CaptureQueue
	}

	queue, err := newElement("queue")
	if err != nil {
		return nil, err
	}
	configureQueue(queue, qc)

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("could not create element %q: %w", "appsink", err)
	}
	sink.SetProperty("sync", false)
	maxBuffers := qc.MaxBuffers
	if maxBuffers <= 0 {
		maxBuffers = 1
	}
	sink.SetProperty("max-buffers", maxBuffers)
	sink.SetProperty("drop", false)

	att := &attachment{
		name:     name,
		capture:  true,
		cell:     -1,
		elements: []*gst.Element{queue, sink.Element},
		reqOwner: g.tee,
	}

	width := g.cfg.Source.Width
	height := g.cfg.Source.Height
	period := g.cfg.Source.Period()
	var seq uint64
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			if !att.active.Load() {
				return gst.FlowOK
			}
			sample := s.PullSample()
			if sample == nil {
				return gst.FlowOK
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowOK
			}
			mapInfo := buffer.Map(gst.MapRead)
			data := mapInfo.Bytes()
			if len(data) == 0 {
				buffer.Unmap()
				return gst.FlowOK
			}
			// Copy before unmap: the frame outlives the GStreamer
			// buffer by the whole life of its ring slot.
			frameData := make([]byte, len(data))
			copy(frameData, data)
			buffer.Unmap()

			seq++
			deliver(types.Frame{
				Seq:       seq,
				Timestamp: time.Now(),
				Duration:  period,
				Width:     width,
				Height:    height,
				Data:      frameData,
				TraceID:   uuid.New().String(),
			})
			return gst.FlowOK
		},
	})

	if err := g.pipeline.AddMany(queue, sink.Element); err != nil {
		return nil, fmt.Errorf("failed to add %s to pipeline: %w", name, err)
	}
	if err := gst.ElementLinkMany(queue, sink.Element); err != nil {
		g.removeElements(att)
		return nil, fmt.Errorf("could not link %s chain: %w", name, err)
	}
	if err := g.startElements(att); err != nil {
		g.removeElements(att)
		return nil, err
	}

	teePad := g.tee.GetRequestPad("src_%u")
	if teePad == nil {
		g.removeElements(att)
		return nil, fmt.Errorf("could not link %s: tee request pad unavailable", name)
	}
	if ret := teePad.Link(queue.GetStaticPad("sink")); ret != gst.PadLinkOK {
		g.tee.ReleaseRequestPad(teePad)
		g.removeElements(att)
		return nil, fmt.Errorf("could not link %s to tee: %v", name, ret)
	}
	att.reqPad = teePad

	att.active.Store(true)
	g.mu.Lock()
	g.captures[att] = struct{}{}
	g.mu.Unlock()

	g.log.Debug("capture branch attached", "branch", name)
	return att, nil
}

// AttachPlayback links appsrc → queue → videoconvert → videoscale →
// capsfilter → compositor at the cell's fixed canvas position. The
// appsrc pulls one frame per need-data and restamps it on a monotonic
// per-branch clock, so a palindrome sequence plays forward in time no
// matter which direction the ring is being read.
func (g *graph) AttachPlayback(ctx context.Context, name string, cell int, pull func() (types.Frame, bool)) (engine.Attachment, error) {
	if err := g.attachable(ctx); err != nil {
		return nil, err
	}
	if cell < 0 || cell >= g.cfg.Grid.Cells() {
		return nil, fmt.Errorf("cell %d out of range [0,%d)", cell, g.cfg.Grid.Cells())
	}
	g.mu.Lock()
	if prev, ok := g.cells[cell]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("cell %d already driven by %q", cell, prev.name)
	}
	g.mu.Unlock()

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("could not create element %q: %w", "appsrc", err)
	}
	// Recorded frames come back at source geometry; the branch scales
	// them down to the cell.
	src.SetProperty("caps", gst.NewCapsFromString(
		rawCapsWithRate(g.cfg.Source.Width, g.cfg.Source.Height, g.cfg.OutputFPS)))
	src.SetProperty("is-live", true)
	src.SetProperty("do-timestamp", true)
	src.SetProperty("block", false)
	src.SetProperty("format", int(gst.FormatTime))

	queue, err := newElement("queue")
	if err != nil {
		return nil, err
	}
	configureQueue(queue, g.cfg.PlaybackQueue)

	convert, err := newElement("videoconvert")
	if err != nil {
		return nil, err
	}

	scale, err := newElement("videoscale")
	if err != nil {
		return nil, err
	}
	scale.SetProperty("add-borders", false)

	cellCaps, err := newElement("capsfilter")
	if err != nil {
		return nil, err
	}
	cellCaps.SetProperty("caps", gst.NewCapsFromString(
		rawCaps(g.cfg.Grid.CellWidth, g.cfg.Grid.CellHeight)))

	att := &attachment{
		name:     name,
		cell:     cell,
		elements: []*gst.Element{src.Element, queue, convert, scale, cellCaps},
		reqOwner: g.comp,
	}

	outputPeriod := g.cfg.OutputPeriod()
	var pts time.Duration
	src.SetCallbacks(&app.SourceCallbacks{
		NeedDataFunc: func(self *app.Source, _ uint) {
			if !att.active.Load() {
				return
			}
			f, ok := pull()
			if !ok || len(f.Data) == 0 {
				return
			}
			buffer := gst.NewBufferFromBytes(f.Data)
			buffer.SetPresentationTimestamp(pts)
			buffer.SetDuration(outputPeriod)
			pts += outputPeriod
			if ret := self.PushBuffer(buffer); ret != gst.FlowOK && att.active.Load() {
				g.log.Debug("playback push rejected", "branch", att.name, "flow", int(ret))
			}
		},
	})

	if err := g.pipeline.AddMany(att.elements...); err != nil {
		return nil, fmt.Errorf("failed to add %s to pipeline: %w", name, err)
	}
	if err := gst.ElementLinkMany(att.elements...); err != nil {
		g.removeElements(att)
		return nil, fmt.Errorf("could not link %s chain: %w", name, err)
	}
	if err := g.startElements(att); err != nil {
		g.removeElements(att)
		return nil, err
	}

	compPad := g.comp.GetRequestPad("sink_%u")
	if compPad == nil {
		g.removeElements(att)
		return nil, fmt.Errorf("could not link %s: compositor request pad unavailable", name)
	}
	x, y := g.cfg.Grid.CellPosition(cell)
	compPad.SetProperty("xpos", x)
	compPad.SetProperty("ypos", y)
	compPad.SetProperty("width", g.cfg.Grid.CellWidth)
	compPad.SetProperty("height", g.cfg.Grid.CellHeight)
	compPad.SetProperty("zorder", g.cfg.Grid.CellZOrder(cell))
	if ret := cellCaps.GetStaticPad("src").Link(compPad); ret != gst.PadLinkOK {
		g.comp.ReleaseRequestPad(compPad)
		g.removeElements(att)
		return nil, fmt.Errorf("could not link %s to compositor: %v", name, ret)
	}
	att.reqPad = compPad

	att.active.Store(true)
	g.mu.Lock()
	g.cells[cell] = att
	g.mu.Unlock()

	g.log.Debug("playback branch attached", "branch", name, "cell", cell)
	return att, nil
}

// Detach stops a branch's callbacks, releases its request pad and
// removes its elements from the pipeline. Detaching a branch that is no
// longer present is a no-op.
func (g *graph) Detach(ctx context.Context, a engine.Attachment) error {
	att, ok := a.(*attachment)
	if !ok || att == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	present := false
	if att.capture {
		if _, ok := g.captures[att]; ok {
			delete(g.captures, att)
			present = true
		}
	} else if g.cells[att.cell] == att {
		delete(g.cells, att.cell)
		present = true
	}
	g.mu.Unlock()
	if !present {
		return nil
	}

	att.active.Store(false)
	// Releasing the request pad unlinks it on both ends; the tee keeps
	// flowing because of allow-not-linked, the compositor drops the
	// cell from the next composite.
	if att.reqPad != nil {
		att.reqOwner.ReleaseRequestPad(att.reqPad)
	}
	g.removeElements(att)

	g.log.Debug("branch detached", "branch", att.name)
	return nil
}

// attachable rejects branch mutation on a graph that is going away.
func (g *graph) attachable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s := g.State(); s == engine.StateShutdown || s == engine.StateError {
		return fmt.Errorf("graph is %s", s)
	}
	return nil
}

// startElements walks the branch sink-most first so no element pushes
// into a peer that has not started yet.
func (g *graph) startElements(att *attachment) error {
	target, err := gstStateFor(g.State())
	if err != nil {
		return fmt.Errorf("cannot start %s: %w", att.name, err)
	}
	for i := len(att.elements) - 1; i >= 0; i-- {
		if err := att.elements[i].SetState(target); err != nil {
			return fmt.Errorf("could not start %s element: %w", att.name, err)
		}
	}
	return nil
}

// removeElements tears a branch's elements out of the pipeline. Best
// effort: every element is stopped and removed even if a prior one
// complains.
func (g *graph) removeElements(att *attachment) {
	for _, el := range att.elements {
		if err := el.SetState(gst.StateNull); err != nil {
			g.log.Warn("branch element NULL transition failed", "branch", att.name, "error", err)
		}
	}
	for _, el := range att.elements {
		if err := g.pipeline.Remove(el); err != nil {
			g.log.Warn("branch element removal failed", "branch", att.name, "error", err)
		}
	}
}
