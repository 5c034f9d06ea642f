package supervisor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/engine"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/engine/enginetest"
	"github.com/batchku/live-draw-gstreamer-sub001/internal/supervisor"
)

func testConfig() supervisor.Config {
	return supervisor.Config{
		Graph: engine.GraphConfig{
			Source:    engine.SourceConfig{Kind: "test", Width: 320, Height: 180, FPS: 30},
			Grid:      engine.DefaultGridLayout(),
			OutputFPS: 120,
			Sink:      "fake",
		},
		TransitionTimeout:   25 * time.Millisecond,
		MaxRecoveryAttempts: 5,
		RetryDelay:          time.Millisecond,
		MaxRetryDelay:       4 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T) (*supervisor.Supervisor, *enginetest.Engine) {
	t.Helper()
	eng := enginetest.NewEngine()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return supervisor.New(eng, testConfig(), logger), eng
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupervisor_StartupAndTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("start builds one graph and reaches ready", func(t *testing.T) {
		sup, eng := newTestSupervisor(t)

		if err := sup.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if got := sup.State(); got != engine.StateReady {
			t.Fatalf("state after Start = %s, want ready", got)
		}
		if n := eng.BuildCount(); n != 1 {
			t.Fatalf("BuildCount = %d, want 1", n)
		}
		t.Logf("✅ started into ready with a single graph build")
	})

	t.Run("play and pause round-trip", func(t *testing.T) {
		sup, eng := newTestSupervisor(t)
		if err := sup.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		if err := sup.Transition(ctx, engine.StatePlaying); err != nil {
			t.Fatalf("transition to playing failed: %v", err)
		}
		if got := sup.State(); got != engine.StatePlaying {
			t.Fatalf("state = %s, want playing", got)
		}
		if err := sup.Transition(ctx, engine.StatePaused); err != nil {
			t.Fatalf("transition to paused failed: %v", err)
		}
		if got := sup.State(); got != engine.StatePaused {
			t.Fatalf("state = %s, want paused", got)
		}

		wantSeq := []engine.State{engine.StateReady, engine.StatePlaying, engine.StatePaused}
		got := eng.LastGraph().Transitions()
		if len(got) != len(wantSeq) {
			t.Fatalf("graph saw %d transitions (%v), want %d", len(got), got, len(wantSeq))
		}
		for i, want := range wantSeq {
			if got[i] != want {
				t.Errorf("transition[%d] = %s, want %s", i, got[i], want)
			}
		}
		t.Logf("✅ transitions acknowledged in order: %v", got)
	})

	t.Run("second start is rejected", func(t *testing.T) {
		sup, _ := newTestSupervisor(t)
		if err := sup.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := sup.Start(ctx); err == nil {
			t.Fatal("second Start succeeded, want error")
		}
		t.Logf("✅ double start rejected")
	})

	t.Run("build failure is terminal", func(t *testing.T) {
		sup, eng := newTestSupervisor(t)
		eng.FailBuilds(1)
		if err := sup.Start(ctx); err == nil {
			t.Fatal("Start succeeded despite scripted build failure")
		}
		if got := sup.State(); got != engine.StateError {
			t.Fatalf("state after failed build = %s, want error", got)
		}
		t.Logf("✅ failed build leaves lifecycle in error")
	})
}

func TestSupervisor_DeadlockRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("wedged transition escalates to rebuild and restores last good state", func(t *testing.T) {
		sup, eng := newTestSupervisor(t)
		if err := sup.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := sup.Transition(ctx, engine.StatePlaying); err != nil {
			t.Fatalf("transition to playing failed: %v", err)
		}

		// Every transition on the current graph wedges from here on, so
		// tiers 1 and 2 cannot succeed and recovery must rebuild.
		eng.LastGraph().StallTransitions(100)

		err := sup.Transition(ctx, engine.StatePaused)
		if err == nil {
			t.Fatal("transition on wedged graph succeeded, want timeout error")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("transition error = %v, want deadline exceeded", err)
		}

		if n := eng.BuildCount(); n != 2 {
			t.Fatalf("BuildCount = %d, want 2 (one rebuild)", n)
		}
		if got := sup.State(); got != engine.StatePlaying {
			t.Fatalf("state after recovery = %s, want playing (last good)", got)
		}
		if n := sup.Attempts(engine.FaultDeadlock); n != 1 {
			t.Fatalf("deadlock attempts = %d, want 1", n)
		}
		t.Logf("✅ deadlock recovered by rebuild, playback state restored")
	})

	t.Run("guarded operation timeout counts as deadlock", func(t *testing.T) {
		sup, _ := newTestSupervisor(t)
		if err := sup.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := sup.Transition(ctx, engine.StatePlaying); err != nil {
			t.Fatalf("transition to playing failed: %v", err)
		}

		err := sup.Do(ctx, "attach probe", func(opCtx context.Context, g engine.Graph) error {
			<-opCtx.Done()
			return opCtx.Err()
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Do error = %v, want deadline exceeded", err)
		}
		if n := sup.Attempts(engine.FaultDeadlock); n != 1 {
			t.Fatalf("deadlock attempts = %d, want 1", n)
		}
		if got := sup.State(); got != engine.StatePlaying {
			t.Fatalf("state after recovery = %s, want playing", got)
		}
		t.Logf("✅ wedged guarded op recovered without losing playback state")
	})
}

func TestSupervisor_RecoveryTiers(t *testing.T) {
	ctx := context.Background()

	t.Run("tier two strips branches when revert fails", func(t *testing.T) {
		sup, eng := newTestSupervisor(t)
		idleCalls := 0
		resetCalls := 0
		sup.SetHooks(supervisor.Hooks{
			Idle: func(context.Context, engine.Graph) error {
				idleCalls++
				return nil
			},
			Reset: func() { resetCalls++ },
		})
		if err := sup.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := sup.Transition(ctx, engine.StatePlaying); err != nil {
			t.Fatalf("transition to playing failed: %v", err)
		}

		// Exactly one wedged transition: tier 1's revert consumes it and
		// fails, tier 2 then succeeds.
		eng.LastGraph().StallTransitions(1)
		sup.ReportFault(engine.Fault{Class: engine.FaultNegotiation, Source: "test", Message: "caps mismatch"})

		if idleCalls != 1 {
			t.Fatalf("idle hook calls = %d, want 1", idleCalls)
		}
		if resetCalls != 0 {
			t.Fatalf("reset hook calls = %d, want 0", resetCalls)
		}
		if n := eng.BuildCount(); n != 1 {
			t.Fatalf("BuildCount = %d, want 1 (no rebuild)", n)
		}
		if got := sup.State(); got != engine.StatePlaying {
			t.Fatalf("state = %s, want playing", got)
		}
		t.Logf("✅ tier 2 recovered with idle hook, no rebuild")
	})

	t.Run("tier three invokes reset hook and rebuilds", func(t *testing.T) {
		sup, eng := newTestSupervisor(t)
		idleCalls := 0
		resetCalls := 0
		sup.SetHooks(supervisor.Hooks{
			Idle: func(context.Context, engine.Graph) error {
				idleCalls++
				return nil
			},
			Reset: func() { resetCalls++ },
		})
		if err := sup.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := sup.Transition(ctx, engine.StatePlaying); err != nil {
			t.Fatalf("transition to playing failed: %v", err)
		}

		// Two wedged transitions: tier 1's revert, then tier 2's forced
		// ready. Tier 3 must reset and rebuild.
		eng.LastGraph().StallTransitions(2)
		sup.ReportFault(engine.Fault{Class: engine.FaultResource, Source: "test", Message: "out of memory"})

		if idleCalls != 1 {
			t.Fatalf("idle hook calls = %d, want 1", idleCalls)
		}
		if resetCalls != 1 {
			t.Fatalf("reset hook calls = %d, want 1", resetCalls)
		}
		if n := eng.BuildCount(); n != 2 {
			t.Fatalf("BuildCount = %d, want 2", n)
		}
		if got := sup.State(); got != engine.StatePlaying {
			t.Fatalf("state = %s, want playing", got)
		}
		t.Logf("✅ tier 3 reset branch state and rebuilt the graph")
	})

	t.Run("classified transition failure recovers in place", func(t *testing.T) {
		sup, eng := newTestSupervisor(t)
		if err := sup.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := sup.Transition(ctx, engine.StatePlaying); err != nil {
			t.Fatalf("transition to playing failed: %v", err)
		}

		eng.LastGraph().FailTransitions(1, errors.New("streaming stopped, reason not-negotiated"))
		if err := sup.Transition(ctx, engine.StatePaused); err == nil {
			t.Fatal("transition succeeded despite scripted failure")
		}

		if n := sup.Attempts(engine.FaultNegotiation); n != 1 {
			t.Fatalf("negotiation attempts = %d, want 1", n)
		}
		if n := sup.Attempts(engine.FaultDeadlock); n != 0 {
			t.Fatalf("deadlock attempts = %d, want 0", n)
		}
		if got := sup.State(); got != engine.StatePlaying {
			t.Fatalf("state = %s, want playing (tier 1 revert)", got)
		}
		t.Logf("✅ refusal classified as negotiation and recovered at tier 1")
	})
}

func TestSupervisor_BusFaultsAndClassCounters(t *testing.T) {
	ctx := context.Background()

	t.Run("asynchronous engine fault triggers recovery", func(t *testing.T) {
		sup, eng := newTestSupervisor(t)
		if err := sup.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := sup.Transition(ctx, engine.StatePlaying); err != nil {
			t.Fatalf("transition to playing failed: %v", err)
		}

		eng.LastGraph().InjectFault(engine.Fault{
			Class:   engine.FaultSourceLost,
			Source:  "camera-src",
			Message: "device disconnected",
		})

		waitFor(t, 2*time.Second, "source-lost recovery episode", func() bool {
			return sup.Attempts(engine.FaultSourceLost) == 1
		})
		waitFor(t, 2*time.Second, "return to playing", func() bool {
			return sup.State() == engine.StatePlaying
		})
		t.Logf("✅ bus fault consumed by pump and recovered")
	})

	t.Run("fault classes count independently", func(t *testing.T) {
		sup, _ := newTestSupervisor(t)
		if err := sup.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := sup.Transition(ctx, engine.StatePlaying); err != nil {
			t.Fatalf("transition to playing failed: %v", err)
		}

		sup.ReportFault(engine.Fault{Class: engine.FaultSourceLost, Source: "watchdog", Message: "no frames"})
		sup.ReportFault(engine.Fault{Class: engine.FaultNegotiation, Source: "test", Message: "caps mismatch"})
		sup.ReportFault(engine.Fault{Class: engine.FaultSourceLost, Source: "watchdog", Message: "no frames"})

		if n := sup.Attempts(engine.FaultSourceLost); n != 2 {
			t.Errorf("source-lost attempts = %d, want 2", n)
		}
		if n := sup.Attempts(engine.FaultNegotiation); n != 1 {
			t.Errorf("negotiation attempts = %d, want 1", n)
		}
		if n := sup.Attempts(engine.FaultDeadlock); n != 0 {
			t.Errorf("deadlock attempts = %d, want 0", n)
		}
		t.Logf("✅ per-class counters stayed independent")
	})
}

func TestSupervisor_RecoveryCapIsTerminal(t *testing.T) {
	// Property: recovery attempt counters are cumulative per fault class
	// and are not reset by successful recoveries. With a cap of five, the
	// sixth fault of a class moves the lifecycle to ERROR without a sixth
	// recovery episode.
	ctx := context.Background()
	sup, eng := newTestSupervisor(t)
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sup.Transition(ctx, engine.StatePlaying); err != nil {
		t.Fatalf("transition to playing failed: %v", err)
	}

	for round := 1; round <= 5; round++ {
		eng.LastGraph().StallTransitions(100)
		if err := sup.Transition(ctx, engine.StatePaused); err == nil {
			t.Fatalf("round %d: transition on wedged graph succeeded", round)
		}
		if n := sup.Attempts(engine.FaultDeadlock); n != round {
			t.Fatalf("round %d: deadlock attempts = %d, want %d", round, n, round)
		}
		if got := sup.State(); got != engine.StatePlaying {
			t.Fatalf("round %d: state = %s, want playing after recovery", round, got)
		}
		// Each episode ends with a tier-3 rebuild: one extra graph per round.
		if n := eng.BuildCount(); n != 1+round {
			t.Fatalf("round %d: BuildCount = %d, want %d", round, n, 1+round)
		}
	}

	// Sixth deadlock: the cap is checked before any episode starts.
	eng.LastGraph().StallTransitions(100)
	if err := sup.Transition(ctx, engine.StatePaused); err == nil {
		t.Fatal("sixth wedged transition succeeded, want error")
	}

	if got := sup.State(); got != engine.StateError {
		t.Fatalf("state after sixth deadlock = %s, want error", got)
	}
	if n := sup.Attempts(engine.FaultDeadlock); n != 5 {
		t.Fatalf("deadlock attempts = %d, want 5 (no sixth episode)", n)
	}
	if n := eng.BuildCount(); n != 6 {
		t.Fatalf("BuildCount = %d, want 6 (no rebuild for the sixth fault)", n)
	}

	select {
	case f := <-sup.FatalFaults():
		if f.Class != engine.FaultDeadlock {
			t.Fatalf("fatal fault class = %s, want deadlock", f.Class)
		}
	case <-time.After(time.Second):
		t.Fatal("no fatal fault published")
	}

	// Terminal state is stable and inspectable.
	if err := sup.Transition(ctx, engine.StatePlaying); !errors.Is(err, supervisor.ErrFatal) {
		t.Fatalf("transition in error state returned %v, want ErrFatal", err)
	}
	if err := sup.Do(ctx, "attach", func(context.Context, engine.Graph) error { return nil }); !errors.Is(err, supervisor.ErrFatal) {
		t.Fatalf("Do in error state returned %v, want ErrFatal", err)
	}
	t.Logf("✅ sixth consecutive deadlock became terminal without a sixth episode")
}

func TestSupervisor_Shutdown(t *testing.T) {
	ctx := context.Background()

	t.Run("shutdown closes the graph and blocks further ops", func(t *testing.T) {
		sup, eng := newTestSupervisor(t)
		if err := sup.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := sup.Transition(ctx, engine.StatePlaying); err != nil {
			t.Fatalf("transition to playing failed: %v", err)
		}

		if err := sup.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
		if got := sup.State(); got != engine.StateShutdown {
			t.Fatalf("state = %s, want shutdown", got)
		}
		if got := eng.LastGraph().State(); got != engine.StateShutdown {
			t.Fatalf("graph state = %s, want shutdown", got)
		}
		if err := sup.Transition(ctx, engine.StatePlaying); !errors.Is(err, supervisor.ErrShutdown) {
			t.Fatalf("transition after shutdown returned %v, want ErrShutdown", err)
		}
		if err := sup.Shutdown(ctx); err != nil {
			t.Fatalf("second Shutdown returned %v, want nil", err)
		}
		t.Logf("✅ shutdown is terminal and idempotent")
	})

	t.Run("operations before start are rejected", func(t *testing.T) {
		sup, _ := newTestSupervisor(t)
		err := sup.Do(ctx, "attach", func(context.Context, engine.Graph) error { return nil })
		if !errors.Is(err, supervisor.ErrNotStarted) {
			t.Fatalf("Do before Start returned %v, want ErrNotStarted", err)
		}
		t.Logf("✅ guarded ops require a started supervisor")
	})
}
