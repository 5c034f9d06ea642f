// Package supervisor owns the shared media graph: it serializes every
// graph operation, wraps lifecycle transitions in a stall timeout, and
// runs the tiered recovery ladder when the graph faults or wedges.
//
// All graph access from the rest of the process goes through Do or
// Transition. The supervisor never hands the graph out.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/batchku/live-draw-gstreamer-sub001/internal/engine"
)

// Operational errors returned by guarded operations. Callers treat these
// as "try again later", not as graph faults.
var (
	// ErrNotStarted: Start has not completed yet.
	ErrNotStarted = errors.New("supervisor: not started")
	// ErrRecovering: a recovery episode is in progress.
	ErrRecovering = errors.New("supervisor: recovery in progress")
	// ErrFatal: recovery is exhausted and the lifecycle is terminal ERROR.
	ErrFatal = errors.New("supervisor: terminal error state")
	// ErrShutdown: the supervisor has been shut down.
	ErrShutdown = errors.New("supervisor: shut down")
)

// Config tunes transition guarding and the recovery ladder.
type Config struct {
	// Graph is handed to the engine on every build, including tier-3
	// rebuilds.
	Graph engine.GraphConfig

	// TransitionTimeout bounds every guarded graph operation. An
	// operation that overruns it is treated as a wedged graph.
	TransitionTimeout time.Duration

	// MaxRecoveryAttempts caps recovery episodes per fault class. The
	// counters are cumulative for the life of the process: they are not
	// reset by successful recoveries.
	MaxRecoveryAttempts int

	// RetryDelay is the backoff before the first recovery episode of a
	// class; it doubles per episode up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.TransitionTimeout <= 0 {
		c.TransitionTimeout = 10 * time.Second
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	return c
}

// Hooks let the supervisor clear dynamic branch state during recovery
// without importing the controller that owns it. Both run on the
// recovering goroutine.
type Hooks struct {
	// Idle detaches every dynamic branch directly on g (tier 2). It must
	// not call back into the supervisor.
	Idle func(ctx context.Context, g engine.Graph) error

	// Reset invalidates all branch bookkeeping without touching the
	// engine (tier 3: the old graph is about to be torn down wholesale).
	Reset func()
}

// Supervisor serializes graph operations and coordinates recovery.
type Supervisor struct {
	eng engine.Engine
	cfg Config
	log *slog.Logger

	state atomic.Int64 // engine.State, lock-free reads

	mu         sync.Mutex
	graph      engine.Graph
	lastGood   engine.State
	attempts   map[engine.FaultClass]int
	recovering bool
	hooks      Hooks

	fatalCh chan engine.Fault
}

// New returns an unstarted supervisor. Call SetHooks before Start.
func New(eng engine.Engine, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		eng:      eng,
		cfg:      cfg.withDefaults(),
		log:      logger.With("component", "supervisor"),
		attempts: make(map[engine.FaultClass]int),
		lastGood: engine.StateReady,
		fatalCh:  make(chan engine.Fault, 1),
	}
	s.state.Store(int64(engine.StateUninitialized))
	return s
}

// SetHooks installs the recovery hooks. Must be called before Start.
func (s *Supervisor) SetHooks(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

// State returns the current lifecycle state without locking.
func (s *Supervisor) State() engine.State {
	return engine.State(s.state.Load())
}

func (s *Supervisor) setState(st engine.State) {
	s.state.Store(int64(st))
}

// FatalFaults delivers at most one fault: the one that exhausted
// recovery and moved the lifecycle to ERROR.
func (s *Supervisor) FatalFaults() <-chan engine.Fault {
	return s.fatalCh
}

// Attempts returns the cumulative recovery episode count for a class.
func (s *Supervisor) Attempts(class engine.FaultClass) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[class]
}

// AttemptsByClass returns the non-zero cumulative recovery counters,
// keyed by class name.
func (s *Supervisor) AttemptsByClass() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.attempts))
	for class, n := range s.attempts {
		if n > 0 {
			out[class.String()] = n
		}
	}
	return out
}

// Start builds the graph and brings it to READY.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.State() != engine.StateUninitialized {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already started (state %s)", s.State())
	}
	s.setState(engine.StateInitializing)

	g, err := s.eng.BuildGraph(s.cfg.Graph)
	if err != nil {
		s.setState(engine.StateError)
		s.mu.Unlock()
		return fmt.Errorf("building media graph: %w", err)
	}
	s.graph = g
	s.mu.Unlock()

	s.startPump(g)
	s.log.Info("media graph built")

	if err := s.Transition(ctx, engine.StateReady); err != nil {
		return fmt.Errorf("initial transition to ready: %w", err)
	}
	return nil
}

// Transition moves the graph to target under the stall timeout. A
// timeout is treated as a deadlock fault; any other graph refusal is
// classified by message. Both start a recovery episode before the error
// is returned.
func (s *Supervisor) Transition(ctx context.Context, target engine.State) error {
	s.mu.Lock()
	if err := s.opErrLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	g := s.graph

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.TransitionTimeout)
	err := g.SetState(opCtx, target)
	cancel()

	if err == nil {
		s.setState(target)
		switch target {
		case engine.StateReady, engine.StatePaused, engine.StatePlaying:
			s.lastGood = target
		}
		s.mu.Unlock()
		s.log.Info("lifecycle transition", "state", target.String())
		return nil
	}
	s.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		// Caller gave up; not a graph fault.
		return fmt.Errorf("transition to %s: %w", target, err)
	}

	s.beginEpisode(g, s.faultFromOpError("transition to "+target.String(), err))
	return fmt.Errorf("transition to %s: %w", target, err)
}

// Do runs one guarded graph operation. fn receives a context bounded by
// the transition timeout; overrunning it is treated as a wedged graph
// and starts a deadlock recovery episode. Any other error from fn is
// returned to the caller untouched.
func (s *Supervisor) Do(ctx context.Context, op string, fn func(ctx context.Context, g engine.Graph) error) error {
	s.mu.Lock()
	if err := s.opErrLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	g := s.graph

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.TransitionTimeout)
	err := fn(opCtx, g)
	cancel()
	s.mu.Unlock()

	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(ctx.Err(), context.Canceled) {
		s.beginEpisode(g, s.faultFromOpError(op, err))
	}
	return err
}

// ReportFault feeds an externally detected fault (for example the
// source watchdog) into the recovery ladder.
func (s *Supervisor) ReportFault(f engine.Fault) {
	s.mu.Lock()
	g := s.graph
	s.mu.Unlock()
	if g == nil {
		return
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Time.IsZero() {
		f.Time = time.Now()
	}
	s.log.Warn("fault reported",
		"fault_id", f.ID,
		"class", f.Class.String(),
		"source", f.Source,
		"message", f.Message)
	s.beginEpisode(g, f)
}

// Shutdown moves the lifecycle to SHUTDOWN and tears the graph down.
// Safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.State() == engine.StateShutdown {
		s.mu.Unlock()
		return nil
	}
	g := s.graph
	s.graph = nil
	s.setState(engine.StateShutdown)
	s.mu.Unlock()

	if g == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.TransitionTimeout)
	_ = g.SetState(opCtx, engine.StateShutdown)
	cancel()
	if err := g.Close(); err != nil {
		return fmt.Errorf("closing media graph: %w", err)
	}
	s.log.Info("media graph closed")
	return nil
}

// opErrLocked maps the current lifecycle state to the operational error
// callers receive, or nil when operations may proceed.
func (s *Supervisor) opErrLocked() error {
	if s.recovering {
		return ErrRecovering
	}
	switch s.State() {
	case engine.StateError:
		return ErrFatal
	case engine.StateShutdown:
		return ErrShutdown
	}
	if s.graph == nil {
		return ErrNotStarted
	}
	return nil
}

func (s *Supervisor) faultFromOpError(op string, err error) engine.Fault {
	f := engine.Fault{
		ID:     uuid.New().String(),
		Source: "supervisor",
		Time:   time.Now(),
	}
	if errors.Is(err, context.DeadlineExceeded) {
		f.Class = engine.FaultDeadlock
		f.Message = fmt.Sprintf("%s exceeded %s transition timeout", op, s.cfg.TransitionTimeout)
	} else {
		f.Class = engine.Classify(err.Error(), "")
		f.Message = fmt.Sprintf("%s failed: %v", op, err)
	}
	return f
}

// --- fault pump ------------------------------------------------------

// startPump drains g's fault channel until the graph is closed. One
// pump runs per graph; after a tier-3 rebuild the old pump exits on its
// closed channel and any leftover faults are dropped by the generation
// check in beginEpisode.
func (s *Supervisor) startPump(g engine.Graph) {
	go func() {
		for f := range g.Faults() {
			s.log.Warn("engine fault",
				"fault_id", f.ID,
				"class", f.Class.String(),
				"source", f.Source,
				"message", f.Message)
			s.beginEpisode(g, f)
		}
	}()
}

// --- recovery ladder -------------------------------------------------

// beginEpisode runs one recovery episode for f, synchronously on the
// calling goroutine. Faults from a graph that is no longer current, or
// arriving while an episode is already running, are dropped. The
// attempt cap is checked before the episode: a fault beyond the cap
// moves the lifecycle straight to ERROR.
func (s *Supervisor) beginEpisode(g engine.Graph, f engine.Fault) {
	s.mu.Lock()
	if g != s.graph || s.recovering {
		s.mu.Unlock()
		s.log.Debug("fault dropped", "class", f.Class.String(), "reason", "stale or already recovering")
		return
	}
	switch s.State() {
	case engine.StateError, engine.StateShutdown, engine.StateUninitialized:
		s.mu.Unlock()
		return
	}
	if s.attempts[f.Class] >= s.cfg.MaxRecoveryAttempts {
		s.failFatalLocked(f)
		s.mu.Unlock()
		return
	}
	s.attempts[f.Class]++
	attempt := s.attempts[f.Class]
	s.recovering = true
	s.mu.Unlock()

	ok := s.runEpisode(attempt, f)

	s.mu.Lock()
	s.recovering = false
	if !ok && s.State() != engine.StateShutdown {
		s.failFatalLocked(f)
	}
	s.mu.Unlock()
}

// runEpisode backs off, then escalates through the tiers until one
// restores a working graph. Returns false when all tiers failed.
func (s *Supervisor) runEpisode(attempt int, f engine.Fault) bool {
	delay := s.backoffDelay(attempt)
	s.log.Warn("starting recovery",
		"class", f.Class.String(),
		"attempt", attempt,
		"max_attempts", s.cfg.MaxRecoveryAttempts,
		"backoff", delay)
	time.Sleep(delay)

	if s.State() == engine.StateShutdown {
		return true
	}
	if s.tierRevert() {
		s.log.Info("recovery succeeded", "tier", 1, "class", f.Class.String(), "attempt", attempt)
		return true
	}
	if s.State() == engine.StateShutdown {
		return true
	}
	if s.tierIdle() {
		s.log.Info("recovery succeeded", "tier", 2, "class", f.Class.String(), "attempt", attempt)
		return true
	}
	if s.State() == engine.StateShutdown {
		return true
	}
	if s.tierReset() {
		s.log.Info("recovery succeeded", "tier", 3, "class", f.Class.String(), "attempt", attempt)
		return true
	}
	return s.State() == engine.StateShutdown
}

// backoffDelay doubles the base delay per attempt, capped.
func (s *Supervisor) backoffDelay(attempt int) time.Duration {
	delay := s.cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > s.cfg.MaxRetryDelay {
		delay = s.cfg.MaxRetryDelay
	}
	return delay
}

// tierRevert retries the last known good state on the existing graph.
func (s *Supervisor) tierRevert() bool {
	s.mu.Lock()
	g := s.graph
	target := s.lastGood
	s.mu.Unlock()
	if g == nil {
		return false
	}

	if !s.setRecoveryState(g, target) {
		return false
	}
	s.finishEpisode(g, target)
	return true
}

// tierIdle strips every dynamic branch, forces READY, then resumes the
// last good state with live preview only.
func (s *Supervisor) tierIdle() bool {
	s.mu.Lock()
	g := s.graph
	target := s.lastGood
	idle := s.hooks.Idle
	s.mu.Unlock()
	if g == nil {
		return false
	}

	if idle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TransitionTimeout)
		err := idle(ctx, g)
		cancel()
		if err != nil {
			s.log.Warn("idle hook failed", "error", err)
			return false
		}
	}
	if !s.setRecoveryState(g, engine.StateReady) {
		return false
	}
	if target != engine.StateReady && !s.setRecoveryState(g, target) {
		return false
	}
	s.finishEpisode(g, target)
	return true
}

// tierReset tears the graph down entirely and rebuilds it from scratch.
func (s *Supervisor) tierReset() bool {
	s.mu.Lock()
	old := s.graph
	target := s.lastGood
	reset := s.hooks.Reset
	s.mu.Unlock()

	if reset != nil {
		reset()
	}
	if old != nil {
		_ = old.Close()
	}

	g, err := s.eng.BuildGraph(s.cfg.Graph)
	if err != nil {
		s.log.Error("graph rebuild failed", "error", err)
		return false
	}

	s.mu.Lock()
	if s.State() == engine.StateShutdown {
		s.mu.Unlock()
		_ = g.Close()
		return true
	}
	s.graph = g
	s.mu.Unlock()
	s.startPump(g)
	s.log.Info("media graph rebuilt")

	if !s.setRecoveryState(g, engine.StateReady) {
		return false
	}
	if target != engine.StateReady && !s.setRecoveryState(g, target) {
		return false
	}
	s.finishEpisode(g, target)
	return true
}

// setRecoveryState performs one timeout-guarded SetState on behalf of a
// recovery tier.
func (s *Supervisor) setRecoveryState(g engine.Graph, target engine.State) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TransitionTimeout)
	err := g.SetState(ctx, target)
	cancel()
	if err != nil {
		s.log.Warn("recovery transition failed", "state", target.String(), "error", err)
		return false
	}
	return true
}

// finishEpisode records the restored state if the graph is still the
// current one.
func (s *Supervisor) finishEpisode(g engine.Graph, target engine.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g != s.graph {
		return
	}
	s.setState(target)
	s.lastGood = target
}

// failFatalLocked moves the lifecycle to its terminal ERROR state and
// publishes the exhausting fault. Caller holds s.mu.
func (s *Supervisor) failFatalLocked(f engine.Fault) {
	s.setState(engine.StateError)
	s.log.Error("recovery exhausted, entering terminal error state",
		"class", f.Class.String(),
		"attempts", s.attempts[f.Class],
		"message", f.Message)
	select {
	case s.fatalCh <- f:
	default:
	}
}
