// Package gstengine implements the engine contract on GStreamer via
// go-gst. One shared pipeline carries everything:
//
//	source → videoconvert → videorate → capsfilter → tee
//	tee → live queue → videoscale → videoconvert → capsfilter → compositor sink_0
//	compositor → capsfilter → videoconvert → sink
//
// The tee is the distribution point. Capture branches request tee src
// pads and playback branches request compositor sink pads while the
// pipeline stays PLAYING; allow-not-linked on the tee keeps the live
// path flowing through branch churn.
package gstengine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/engine"
)

// Engine builds shared pipelines from graph configurations. One engine
// may build several pipelines over a session; recovery rebuilds after a
// full reset.
type Engine struct {
	log *slog.Logger
}

// New returns a GStreamer-backed engine.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{log: logger.With("component", "gstengine")}
}

// BuildGraph constructs the static topology and brings the pipeline to
// READY. The returned graph owns the pipeline, its bus pump and every
// dynamic branch attached later.
func (e *Engine) BuildGraph(cfg engine.GraphConfig) (engine.Graph, error) {
	// Safe to call multiple times.
	gst.Init(nil)

	if cfg.LiveQueue == (engine.QueueConfig{}) {
		cfg.LiveQueue = engine.LiveQueueProfile()
	}
	if cfg.CaptureQueue == (engine.QueueConfig{}) {
		cfg.CaptureQueue = engine.CaptureQueueProfile()
	}
	if cfg.PlaybackQueue == (engine.QueueConfig{}) {
		cfg.PlaybackQueue = engine.PlaybackQueueProfile()
	}

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	g := &graph{
		cfg:      cfg,
		log:      e.log,
		pipeline: pipeline,
		captures: make(map[*attachment]struct{}),
		cells:    make(map[int]*attachment),
		faults:   make(chan engine.Fault, 16),
		stop:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}

	if err := g.buildStatic(); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, err
	}

	// NULL→READY is synchronous: resources allocated, no data flow.
	if err := pipeline.SetState(gst.StateReady); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to bring pipeline to READY: %w", err)
	}
	g.state.Store(int64(engine.StateReady))
	g.gstState.Store(int64(gst.StateReady))

	go g.pumpBus()

	e.log.Info("pipeline built",
		"source", cfg.Source.Kind,
		"source_caps", fmt.Sprintf("%dx%d@%d", cfg.Source.Width, cfg.Source.Height, cfg.Source.FPS),
		"canvas", fmt.Sprintf("%dx%d", cfg.Grid.OutputWidth(), cfg.Grid.OutputHeight()),
		"output_fps", cfg.OutputFPS,
		"sink", cfg.Sink)
	return g, nil
}

// buildStatic assembles the source chain, the distribution tee, the
// live preview branch and the compositing output chain.
func (g *graph) buildStatic() error {
	cfg := g.cfg

	src, err := g.newSource()
	if err != nil {
		return err
	}

	srcConvert, err := newElement("videoconvert")
	if err != nil {
		return err
	}

	videorate, err := newElement("videorate")
	if err != nil {
		return err
	}
	videorate.SetProperty("drop-only", true)     // only drop frames, never duplicate
	videorate.SetProperty("skip-to-first", true) // skip to first frame on start

	srcCaps, err := newElement("capsfilter")
	if err != nil {
		return err
	}
	srcCaps.SetProperty("caps", gst.NewCapsFromString(
		rawCapsWithRate(cfg.Source.Width, cfg.Source.Height, cfg.Source.FPS)))

	tee, err := newElement("tee")
	if err != nil {
		return err
	}
	// allow-not-linked keeps the tee pushing while branch pads come and
	// go; without it a released pad can wedge the whole live path.
	tee.SetProperty("allow-not-linked", true)

	liveQueue, err := newElement("queue")
	if err != nil {
		return err
	}
	configureQueue(liveQueue, cfg.LiveQueue)

	liveScale, err := newElement("videoscale")
	if err != nil {
		return err
	}
	liveScale.SetProperty("add-borders", false)

	liveConvert, err := newElement("videoconvert")
	if err != nil {
		return err
	}

	liveCaps, err := newElement("capsfilter")
	if err != nil {
		return err
	}
	liveCaps.SetProperty("caps", gst.NewCapsFromString(
		rawCaps(cfg.Grid.CellWidth, cfg.Grid.CellHeight)))

	comp, err := newElement("compositor")
	if err != nil {
		return err
	}
	comp.SetProperty("background", 2) // white

	outCaps, err := newElement("capsfilter")
	if err != nil {
		return err
	}
	outCaps.SetProperty("caps", gst.NewCapsFromString(
		rawCapsWithRate(cfg.Grid.OutputWidth(), cfg.Grid.OutputHeight(), cfg.OutputFPS)))

	outConvert, err := newElement("videoconvert")
	if err != nil {
		return err
	}

	sink, err := g.newSink()
	if err != nil {
		return err
	}

	if err := g.pipeline.AddMany(src, srcConvert, videorate, srcCaps, tee,
		liveQueue, liveScale, liveConvert, liveCaps,
		comp, outCaps, outConvert, sink); err != nil {
		return fmt.Errorf("failed to add elements to pipeline: %w", err)
	}

	if err := gst.ElementLinkMany(src, srcConvert, videorate, srcCaps, tee); err != nil {
		return fmt.Errorf("could not link source chain: %w", err)
	}
	if err := gst.ElementLinkMany(liveQueue, liveScale, liveConvert, liveCaps); err != nil {
		return fmt.Errorf("could not link live preview chain: %w", err)
	}
	if err := gst.ElementLinkMany(comp, outCaps, outConvert, sink); err != nil {
		return fmt.Errorf("could not link output chain: %w", err)
	}

	// tee → live queue: the preview is the tee's one static consumer.
	teePad := tee.GetRequestPad("src_%u")
	if teePad == nil {
		return fmt.Errorf("could not link tee to live queue: no request pad")
	}
	if ret := teePad.Link(liveQueue.GetStaticPad("sink")); ret != gst.PadLinkOK {
		return fmt.Errorf("could not link tee to live queue: %v", ret)
	}

	// Live preview sits at the reserved canvas position, below every
	// playback cell.
	compPad := comp.GetRequestPad("sink_%u")
	if compPad == nil {
		return fmt.Errorf("could not link live preview to compositor: no request pad")
	}
	x, y := cfg.Grid.PreviewPosition()
	compPad.SetProperty("xpos", x)
	compPad.SetProperty("ypos", y)
	compPad.SetProperty("width", cfg.Grid.CellWidth)
	compPad.SetProperty("height", cfg.Grid.CellHeight)
	compPad.SetProperty("zorder", 0)
	if ret := liveCaps.GetStaticPad("src").Link(compPad); ret != gst.PadLinkOK {
		return fmt.Errorf("could not link live preview to compositor: %v", ret)
	}

	// The frame-rate monitor observes the distribution point itself,
	// before any branch queue can shed.
	if cfg.OnLiveFrame != nil {
		observer := cfg.OnLiveFrame
		probePad := tee.GetStaticPad("sink")
		if probePad == nil {
			return fmt.Errorf("could not install live frame probe: no tee sink pad")
		}
		probePad.AddProbe(gst.PadProbeTypeBuffer, func(pad *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
			observer(time.Now())
			return gst.PadProbeOK
		})
	}

	g.tee = tee
	g.comp = comp
	return nil
}

// newSource creates the configured live source element.
func (g *graph) newSource() (*gst.Element, error) {
	switch g.cfg.Source.Kind {
	case "test":
		src, err := newElement("videotestsrc")
		if err != nil {
			return nil, err
		}
		src.SetProperty("is-live", true)
		return src, nil
	case "camera", "":
		src, err := newElement("v4l2src")
		if err != nil {
			return nil, err
		}
		if g.cfg.Source.Device != "" {
			src.SetProperty("device", g.cfg.Source.Device)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", g.cfg.Source.Kind)
	}
}

// newSink creates the display sink: the platform video sink, or a
// fakesink for headless runs. Clock sync paces the composited output.
func (g *graph) newSink() (*gst.Element, error) {
	var factory string
	switch g.cfg.Sink {
	case "fake":
		factory = "fakesink"
	case "auto", "":
		factory = "autovideosink"
	default:
		return nil, fmt.Errorf("unknown sink kind %q", g.cfg.Sink)
	}
	sink, err := newElement(factory)
	if err != nil {
		return nil, err
	}
	sink.SetProperty("sync", true)
	return sink, nil
}

func newElement(factory string) (*gst.Element, error) {
	el, err := gst.NewElement(factory)
	if err != nil {
		return nil, fmt.Errorf("could not create element %q: %w", factory, err)
	}
	return el, nil
}

// configureQueue applies a branch buffering profile. Leaky profiles drop
// downstream (oldest first), so a stalled consumer sheds frames at its
// own boundary instead of backpressuring the tee.
func configureQueue(q *gst.Element, qc engine.QueueConfig) {
	if qc.MaxBuffers > 0 {
		q.SetProperty("max-size-buffers", qc.MaxBuffers)
	}
	q.SetProperty("max-size-bytes", 0)
	q.SetProperty("max-size-time", uint64(0))
	if qc.Leaky {
		q.SetProperty("leaky", 2) // downstream
	}
	q.SetProperty("silent", qc.Silent)
}

func rawCaps(width, height int) string {
	return fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d", width, height)
}

func rawCapsWithRate(width, height, fps int) string {
	return fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,framerate=%d/1", width, height, fps)
}
