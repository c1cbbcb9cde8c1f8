// Package conductor implements the engine's single-threaded cooperative
// scheduler: one loop drives every RecordingSession and ReplaySession's
// DoWork() in turn, with no session running its own goroutine. Each DoWork
// performs a bounded amount of work and returns; logical suspension happens
// only at tick boundaries.
package conductor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/migue/arkive/internal/archive/archerrors"
	"github.com/migue/arkive/internal/observability"
)

// Session is anything the conductor can drive: RecordingSession and
// ReplaySession both satisfy it.
type Session interface {
	DoWork() (int, error)
	IsDone() bool
	Close() error
}

// IdleStrategy is invoked once per tick with the work count from that tick,
// so the conductor can back off when there's nothing to do instead of
// busy-spinning. Nil is accepted and treated as Backoff(time.Millisecond).
type IdleStrategy func(workCount int)

// Backoff returns an IdleStrategy that sleeps d whenever a tick does no
// work, matching the "drive all sessions; sleep only when idle" shape a
// single-threaded conductor needs to stay responsive under load without
// pinning a CPU core when quiet.
func Backoff(d time.Duration) IdleStrategy {
	return func(workCount int) {
		if workCount == 0 {
			time.Sleep(d)
		}
	}
}

// Conductor owns the list of live sessions and drives them one DoWork call
// at a time, in registration order, once per tick. No session's DoWork ever
// runs concurrently with another's.
type Conductor struct {
	mu       sync.Mutex
	sessions []Session
}

// New constructs an empty Conductor.
func New() *Conductor {
	return &Conductor{}
}

// AddSession registers a session to be driven starting on the next tick.
func (c *Conductor) AddSession(s Session) {
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
}

// SessionCount returns the number of currently registered sessions,
// including ones pending close.
func (c *Conductor) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// DoWork runs exactly one tick: every registered session's DoWork is
// invoked once, in order; any session reporting IsDone is Closed and
// dropped from the roster. It returns the total work count across all
// sessions this tick, for use by an IdleStrategy.
func (c *Conductor) DoWork() int {
	c.mu.Lock()
	sessions := append([]Session(nil), c.sessions...)
	c.mu.Unlock()

	total := 0
	live := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		n, err := s.DoWork()
		total += n
		if err != nil {
			observability.SessionErrorsTotal.WithLabelValues(errorKind(err)).Inc()
			slog.Warn("session reported an error", slog.Any("error", err))
		}
		if s.IsDone() {
			if err := s.Close(); err != nil {
				slog.Warn("session close failed", slog.Any("error", err))
			}
			continue
		}
		live = append(live, s)
	}

	// Preserve any session registered while the tick was running.
	c.mu.Lock()
	c.sessions = append(live, c.sessions[len(sessions):]...)
	c.mu.Unlock()

	observability.ConductorTickWorkCount.Observe(float64(total))
	return total
}

var errorKinds = []error{
	archerrors.ErrOutOfOrderStart,
	archerrors.ErrNonContiguous,
	archerrors.ErrCrossesTerm,
	archerrors.ErrIoFailure,
	archerrors.ErrNotFound,
	archerrors.ErrBeforeStart,
	archerrors.ErrPastEnd,
	archerrors.ErrCursorOpenFailed,
	archerrors.ErrReplayPeerGone,
}

var errorKindNames = map[error]string{
	archerrors.ErrOutOfOrderStart:  "out_of_order_start",
	archerrors.ErrNonContiguous:    "non_contiguous",
	archerrors.ErrCrossesTerm:      "crosses_term",
	archerrors.ErrIoFailure:        "io_failure",
	archerrors.ErrNotFound:         "not_found",
	archerrors.ErrBeforeStart:      "before_start",
	archerrors.ErrPastEnd:          "past_end",
	archerrors.ErrCursorOpenFailed: "cursor_open_failed",
	archerrors.ErrReplayPeerGone:   "replay_peer_gone",
}

func errorKind(err error) string {
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return errorKindNames[kind]
		}
	}
	return "unknown"
}

// Run ticks the conductor until ctx is cancelled, applying idle between
// ticks that did no work. It closes every remaining session before
// returning.
func (c *Conductor) Run(ctx context.Context, idle IdleStrategy) {
	if idle == nil {
		idle = Backoff(time.Millisecond)
	}
	for {
		select {
		case <-ctx.Done():
			c.closeAll()
			return
		default:
			idle(c.DoWork())
		}
	}
}

func (c *Conductor) closeAll() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			slog.Warn("session close failed during shutdown", slog.Any("error", err))
		}
	}
}
