// Package input turns a raw terminal byte stream into key press and
// release events. A TTY delivers only bytes: holding a digit produces
// auto-repeat bytes, and nothing marks the release. The reader treats
// the first byte of a digit as a press and synthesizes the release when
// the repeat stream goes quiet for longer than the repeat gap.
package input

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"
)

// EventKind classifies input events.
type EventKind int

const (
	// KeyDown: a recording key was pressed.
	KeyDown EventKind = iota
	// KeyUp: a recording key was released (synthesized).
	KeyUp
	// Quit: the user asked to exit (q, Esc or Ctrl-C).
	Quit
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case KeyDown:
		return "key_down"
	case KeyUp:
		return "key_up"
	case Quit:
		return "quit"
	default:
		return "unknown"
	}
}

// Event is one input event. Key is 1..9 for KeyDown and KeyUp.
type Event struct {
	Kind EventKind
	Key  int
	Time time.Time
}

// Config tunes release synthesis.
type Config struct {
	// RepeatGap is how long the repeat stream may go quiet before the
	// held key counts as released. It must exceed the terminal's
	// auto-repeat interval.
	RepeatGap time.Duration
}

func (c Config) withDefaults() Config {
	if c.RepeatGap <= 0 {
		c.RepeatGap = 150 * time.Millisecond
	}
	return c
}

// Reader parses key events out of a byte stream.
type Reader struct {
	r      io.Reader
	cfg    Config
	log    *slog.Logger
	events chan Event
}

// NewReader wraps r, which is usually the raw-mode terminal.
func NewReader(r io.Reader, cfg Config, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		r:      r,
		cfg:    cfg.withDefaults(),
		log:    logger.With("component", "input"),
		events: make(chan Event, 16),
	}
}

// Events delivers parsed events. The channel is closed when Run
// returns.
func (kr *Reader) Events() <-chan Event {
	return kr.events
}

// Run parses bytes until the stream ends, a quit key arrives or ctx is
// canceled. A key still held at stream end is released first.
func (kr *Reader) Run(ctx context.Context) error {
	defer close(kr.events)

	byteCh := make(chan byte, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(byteCh)
		buf := make([]byte, 64)
		for {
			n, err := kr.r.Read(buf)
			for _, b := range buf[:n] {
				select {
				case byteCh <- b:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					readErr <- err
				}
				return
			}
		}
	}()

	held := 0
	release := time.NewTimer(kr.cfg.RepeatGap)
	release.Stop()
	defer release.Stop()

	releaseHeld := func() {
		if held == 0 {
			return
		}
		kr.emit(ctx, Event{Kind: KeyUp, Key: held, Time: time.Now()})
		held = 0
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-release.C:
			releaseHeld()

		case b, ok := <-byteCh:
			if !ok {
				releaseHeld()
				select {
				case err := <-readErr:
					return fmt.Errorf("reading input: %w", err)
				default:
					return nil
				}
			}
			switch {
			case b >= '1' && b <= '9':
				key := int(b - '0')
				if key == held {
					// Auto-repeat of the held key.
					release.Reset(kr.cfg.RepeatGap)
					continue
				}
				// A TTY reports one key at a time: a new digit implies
				// the old one was released.
				releaseHeld()
				held = key
				kr.emit(ctx, Event{Kind: KeyDown, Key: key, Time: time.Now()})
				release.Reset(kr.cfg.RepeatGap)

			case b == 'q' || b == 'Q' || b == 0x1b || b == 0x03:
				releaseHeld()
				kr.emit(ctx, Event{Kind: Quit, Time: time.Now()})
				return nil

			default:
				kr.log.Debug("ignoring input byte", "byte", b)
			}
		}
	}
}

func (kr *Reader) emit(ctx context.Context, ev Event) {
	select {
	case kr.events <- ev:
	case <-ctx.Done():
	}
}

// Terminal holds the controlling TTY in raw mode so key bytes arrive
// unbuffered and unechoed.
type Terminal struct {
	fd    int
	state *term.State
}

// OpenTerminal switches stdin to raw mode. Callers must Restore before
// the process exits or the shell is left unusable.
func OpenTerminal() (*Terminal, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("entering raw mode: %w", err)
	}
	return &Terminal{fd: fd, state: state}, nil
}

// Restore returns the terminal to its previous mode.
func (t *Terminal) Restore() error {
	if t == nil || t.state == nil {
		return nil
	}
	return term.Restore(t.fd, t.state)
}
