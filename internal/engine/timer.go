package engine

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// TimerState is the synchronized timer's derived state. It is computed from
// the persisted Turn record and the store clock, never stored, so every
// observer derives the same answer.
type TimerState string

const (
	TimerIdle    TimerState = "idle"
	TimerRunning TimerState = "running"
	TimerPaused  TimerState = "paused"
	TimerExpired TimerState = "expired"
)

// Elapsed returns the turn's effective elapsed open-window time at the given
// store-clock instant: the accumulated consumed time plus the currently-open
// window (frozen at PausedAt while paused).
func Elapsed(t Turn, now time.Time) time.Duration {
	accum := time.Duration(t.ElapsedAccumMs) * time.Millisecond
	if t.RevealedAt == 0 {
		return accum
	}
	endMs := now.UnixMilli()
	if t.PausedAt != 0 {
		endMs = t.PausedAt
	}
	open := endMs - t.RevealedAt
	if open < 0 {
		open = 0
	}
	return accum + time.Duration(open)*time.Millisecond
}

// Remaining returns how much open-window time the turn has left.
func Remaining(t Turn, now time.Time) time.Duration {
	left := t.Duration() - Elapsed(t, now)
	if left < 0 {
		return 0
	}
	return left
}

// StateOf derives the timer state from a turn record.
func StateOf(t Turn, now time.Time) TimerState {
	switch {
	case t.RevealedAt == 0:
		return TimerIdle
	case Elapsed(t, now) >= t.Duration():
		return TimerExpired
	case t.PausedAt != 0:
		return TimerPaused
	default:
		return TimerRunning
	}
}

// turnTicker drives the local display tick between store pushes. It never
// writes to the store itself; the engine decides per tick whether to persist
// the display seconds (controller only) or fire the expiry handler.
type turnTicker struct {
	clock    clockwork.Clock
	interval time.Duration
}

// run calls tick on every interval until ctx is done. tick receives the
// current store-clock time from the caller's clock-sync projection.
func (tt *turnTicker) run(ctx context.Context, tick func()) {
	ticker := tt.clock.NewTicker(tt.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			tick()
		}
	}
}
