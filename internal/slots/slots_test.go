package slots_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/branch"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/engine"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/engine/enginetest"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/slots"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/supervisor"
)

func newManager(t *testing.T, cfg slots.Config) (*slots.Manager, *enginetest.Graph) {
	t.Helper()
	eng := enginetest.NewEngine()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := supervisor.New(eng, supervisor.Config{
		Graph: engine.GraphConfig{
			Source:    engine.SourceConfig{Kind: "test", Width: 320, Height: 180, FPS: 30},
			Grid:      engine.DefaultGridLayout(),
			OutputFPS: 120,
			Sink:      "fake",
		},
		TransitionTimeout: 50 * time.Millisecond,
		RetryDelay:        time.Millisecond,
	}, logger)

	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sup.Transition(ctx, engine.StatePlaying); err != nil {
		t.Fatalf("transition to playing failed: %v", err)
	}

	ctrl := branch.New(sup, logger)
	return slots.New(ctrl, cfg, logger), eng.LastGraph()
}

func TestManager_CaptureToPlaybackFlow(t *testing.T) {
	ctx := context.Background()
	mgr, g := newManager(t, slots.Config{SourcePeriod: 5 * time.Millisecond})

	if err := mgr.OnKeyDown(ctx, 1); err != nil {
		t.Fatalf("OnKeyDown failed: %v", err)
	}
	if !mgr.Recording(1) {
		t.Fatal("slot 1 not recording after key down")
	}
	if n := g.CaptureCount(); n != 1 {
		t.Fatalf("capture branches = %d, want 1", n)
	}

	for i := 0; i < 5; i++ {
		g.DeliverLiveFrame(g.MakeFrame())
	}

	if err := mgr.OnKeyUp(ctx, 1); err != nil {
		t.Fatalf("OnKeyUp failed: %v", err)
	}
	if mgr.Recording(1) {
		t.Fatal("slot 1 still recording after key up")
	}
	if n := g.CaptureCount(); n != 0 {
		t.Fatalf("capture branches after key up = %d, want 0", n)
	}
	if g.PlaybackCell(0) == nil {
		t.Fatal("no playback branch on cell 0")
	}
	if n := mgr.CompletedCaptures(); n != 1 {
		t.Fatalf("completed captures = %d, want 1", n)
	}

	// Five frames play forward then fold back without repeating the
	// endpoints.
	want := []uint64{1, 2, 3, 4, 5, 4, 3, 2, 1}
	for i, w := range want {
		f, ok := g.PullCell(0)
		if !ok {
			t.Fatalf("pull %d returned no frame", i)
		}
		if f.Seq != w {
			t.Fatalf("pull %d returned seq %d, want %d", i, f.Seq, w)
		}
	}
	t.Logf("✅ capture became a palindrome loop on cell 0")
}

func TestManager_KeyEventIdempotence(t *testing.T) {
	ctx := context.Background()

	t.Run("repeated key down keeps one capture branch", func(t *testing.T) {
		mgr, g := newManager(t, slots.Config{SourcePeriod: 5 * time.Millisecond})
		for i := 0; i < 3; i++ {
			if err := mgr.OnKeyDown(ctx, 4); err != nil {
				t.Fatalf("OnKeyDown #%d failed: %v", i, err)
			}
		}
		if got := g.AttachLog(); len(got) != 1 {
			t.Fatalf("attach log = %v, want a single capture attach", got)
		}
		t.Logf("✅ auto-repeat presses collapsed into one capture")
	})

	t.Run("key up without a press is ignored", func(t *testing.T) {
		mgr, g := newManager(t, slots.Config{SourcePeriod: 5 * time.Millisecond})
		if err := mgr.OnKeyUp(ctx, 4); err != nil {
			t.Fatalf("OnKeyUp returned %v, want nil", err)
		}
		if got := g.DetachLog(); len(got) != 0 {
			t.Fatalf("detach log = %v, want empty", got)
		}
		t.Logf("✅ unmatched release ignored")
	})

	t.Run("second key up is a no-op", func(t *testing.T) {
		mgr, g := newManager(t, slots.Config{SourcePeriod: 5 * time.Millisecond})
		if err := mgr.OnKeyDown(ctx, 2); err != nil {
			t.Fatalf("OnKeyDown failed: %v", err)
		}
		g.DeliverLiveFrame(g.MakeFrame())
		if err := mgr.OnKeyUp(ctx, 2); err != nil {
			t.Fatalf("OnKeyUp failed: %v", err)
		}
		if err := mgr.OnKeyUp(ctx, 2); err != nil {
			t.Fatalf("second OnKeyUp returned %v, want nil", err)
		}
		if got := g.DetachLog(); len(got) != 1 || got[0] != "capture-slot-2" {
			t.Fatalf("detach log = %v, want [capture-slot-2]", got)
		}
		t.Logf("✅ duplicate release did nothing")
	})

	t.Run("keys outside the slot range are ignored", func(t *testing.T) {
		mgr, g := newManager(t, slots.Config{SourcePeriod: 5 * time.Millisecond})
		for _, key := range []int{0, -3, 10, 42} {
			if err := mgr.OnKeyDown(ctx, key); err != nil {
				t.Fatalf("OnKeyDown(%d) returned %v, want nil", key, err)
			}
			if err := mgr.OnKeyUp(ctx, key); err != nil {
				t.Fatalf("OnKeyUp(%d) returned %v, want nil", key, err)
			}
		}
		if got := g.AttachLog(); len(got) != 0 {
			t.Fatalf("attach log = %v, want empty", got)
		}
		t.Logf("✅ out-of-range keys silently dropped")
	})
}

func TestManager_EmptyCaptureConsumesNoCell(t *testing.T) {
	ctx := context.Background()
	mgr, g := newManager(t, slots.Config{
		SourcePeriod: 10 * time.Millisecond,
		FloorPoll:    time.Millisecond,
	})

	// Press and release with a source that never delivers.
	if err := mgr.OnKeyDown(ctx, 3); err != nil {
		t.Fatalf("OnKeyDown failed: %v", err)
	}
	if err := mgr.OnKeyUp(ctx, 3); err != nil {
		t.Fatalf("OnKeyUp failed: %v", err)
	}

	if g.PlaybackCell(0) != nil {
		t.Fatal("empty capture produced a playback branch")
	}
	if got := mgr.NextCell(); got != 0 {
		t.Fatalf("next cell = %d, want 0 (no cell consumed)", got)
	}
	if n := mgr.DiscardedCaptures(); n != 1 {
		t.Fatalf("discarded captures = %d, want 1", n)
	}

	// The next real capture takes the cell the empty one skipped.
	if err := mgr.OnKeyDown(ctx, 5); err != nil {
		t.Fatalf("OnKeyDown failed: %v", err)
	}
	g.DeliverLiveFrame(g.MakeFrame())
	if err := mgr.OnKeyUp(ctx, 5); err != nil {
		t.Fatalf("OnKeyUp failed: %v", err)
	}
	if g.PlaybackCell(0) == nil {
		t.Fatal("following capture did not land on cell 0")
	}
	t.Logf("✅ zero-frame capture skipped playback and kept the cell")
}

func TestManager_MinimumCaptureWindow(t *testing.T) {
	// Property: a tap shorter than one source period still captures at
	// least one frame from a flowing source, because the branch is held
	// open through the minimum window.
	ctx := context.Background()
	mgr, g := newManager(t, slots.Config{
		SourcePeriod: 2 * time.Second,
		FloorPoll:    time.Millisecond,
	})

	if err := mgr.OnKeyDown(ctx, 7); err != nil {
		t.Fatalf("OnKeyDown failed: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		g.DeliverLiveFrame(g.MakeFrame())
	}()

	start := time.Now()
	if err := mgr.OnKeyUp(ctx, 7); err != nil {
		t.Fatalf("OnKeyUp failed: %v", err)
	}
	waited := time.Since(start)

	if g.PlaybackCell(0) == nil {
		t.Fatal("instant release lost the capture")
	}
	f, ok := g.PullCell(0)
	if !ok || f.Seq != 1 {
		t.Fatalf("pulled frame = (%v, %v), want the single captured frame", f.Seq, ok)
	}
	if waited >= 2*time.Second {
		t.Fatalf("release blocked for the full window (%v); want early exit on first frame", waited)
	}
	t.Logf("✅ floor held the branch open %v and captured one frame", waited)
}

func TestManager_RoundRobinCellReuse(t *testing.T) {
	// Property: after nine completed captures fill cells 0..8, the tenth
	// reuses cell 0, and the old branch is fully released before the new
	// one attaches.
	ctx := context.Background()
	mgr, g := newManager(t, slots.Config{SourcePeriod: 5 * time.Millisecond})

	capture := func(key int) {
		t.Helper()
		if err := mgr.OnKeyDown(ctx, key); err != nil {
			t.Fatalf("OnKeyDown(%d) failed: %v", key, err)
		}
		g.DeliverLiveFrame(g.MakeFrame())
		if err := mgr.OnKeyUp(ctx, key); err != nil {
			t.Fatalf("OnKeyUp(%d) failed: %v", key, err)
		}
	}

	for key := 1; key <= 9; key++ {
		capture(key)
	}
	for cell := 0; cell < 9; cell++ {
		if g.PlaybackCell(cell) == nil {
			t.Fatalf("cell %d unoccupied after nine captures", cell)
		}
	}

	first := g.PlaybackCell(0)
	capture(1) // tenth capture wraps around

	second := g.PlaybackCell(0)
	if second == nil {
		t.Fatal("cell 0 unoccupied after tenth capture")
	}
	if first == second {
		t.Fatal("cell 0 still driven by the first capture's branch")
	}
	// The graph rejects double occupancy, so reaching here proves the
	// release preceded the attach. The detach log confirms it.
	released := 0
	for _, name := range g.DetachLog() {
		if name == "playback-cell-0" {
			released++
		}
	}
	if released != 1 {
		t.Fatalf("playback-cell-0 released %d times, want 1", released)
	}
	if got := mgr.NextCell(); got != 1 {
		t.Fatalf("next cell = %d, want 1", got)
	}
	if n := mgr.CompletedCaptures(); n != 10 {
		t.Fatalf("completed captures = %d, want 10", n)
	}

	// The wrapped cell plays the tenth capture's frame.
	f, ok := g.PullCell(0)
	if !ok || f.Seq != 10 {
		t.Fatalf("cell 0 pull = (%v, %v), want seq 10", f.Seq, ok)
	}
	t.Logf("✅ tenth capture reused cell 0 with full release first")
}

func TestManager_InvalidateActiveClearsRecordings(t *testing.T) {
	ctx := context.Background()
	mgr, g := newManager(t, slots.Config{SourcePeriod: 5 * time.Millisecond})

	if err := mgr.OnKeyDown(ctx, 6); err != nil {
		t.Fatalf("OnKeyDown failed: %v", err)
	}
	mgr.InvalidateActive()

	if mgr.Recording(6) {
		t.Fatal("slot 6 still recording after invalidation")
	}
	// The release that follows must not touch the engine: the handle is
	// stale and the branch was torn down with the graph.
	if err := mgr.OnKeyUp(ctx, 6); err != nil {
		t.Fatalf("OnKeyUp after invalidation returned %v, want nil", err)
	}
	if got := g.DetachLog(); len(got) != 0 {
		t.Fatalf("detach log = %v, want empty", got)
	}
	t.Logf("✅ invalidation left no live slot state behind")
}
