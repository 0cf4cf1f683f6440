package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElapsedPauseResumeScenario(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	ms := func(d time.Duration) time.Time { return t0.Add(d) }

	// Turn opens at t0 with a 30s duration.
	turn := Turn{Index: 1, RevealedAt: t0.UnixMilli(), DurationMs: 30_000}
	assert.Equal(t, TimerRunning, StateOf(turn, ms(5*time.Second)))
	assert.Equal(t, 5*time.Second, Elapsed(turn, ms(5*time.Second)))

	// Pause at t0+12s: the timer freezes regardless of how late anyone
	// looks at it.
	turn.PausedAt = ms(12 * time.Second).UnixMilli()
	assert.Equal(t, TimerPaused, StateOf(turn, ms(19*time.Second)))
	assert.Equal(t, 12*time.Second, Elapsed(turn, ms(19*time.Second)))

	// Resume at t0+20s (8s paused): consumed time folds into the
	// accumulator and the window re-bases.
	turn.ElapsedAccumMs = 12_000
	turn.RevealedAt = ms(20 * time.Second).UnixMilli()
	turn.PausedAt = 0

	// 30s of open time means expiry lands at wall clock t0+38s.
	assert.Equal(t, TimerRunning, StateOf(turn, ms(37*time.Second)))
	assert.Equal(t, time.Second, Remaining(turn, ms(37*time.Second)))
	assert.Equal(t, TimerExpired, StateOf(turn, ms(38*time.Second)))
	assert.Equal(t, time.Duration(0), Remaining(turn, ms(38*time.Second)))
}

func TestElapsedMonotonicAcrossPauseCycles(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	turn := Turn{Index: 1, RevealedAt: t0.UnixMilli(), DurationMs: 300_000}

	now := t0
	var prev time.Duration
	// Five pause/resume cycles of 3s open + 7s paused each; elapsed must
	// never regress and must count only the open segments.
	for cycle := 0; cycle < 5; cycle++ {
		now = now.Add(3 * time.Second)
		e := Elapsed(turn, now)
		require.GreaterOrEqual(t, e, prev)
		prev = e

		turn.PausedAt = now.UnixMilli()
		now = now.Add(7 * time.Second)
		e = Elapsed(turn, now)
		require.GreaterOrEqual(t, e, prev)
		prev = e

		// Resume, same fold the engine applies.
		open := turn.PausedAt - turn.RevealedAt
		turn.ElapsedAccumMs += open
		turn.RevealedAt = now.UnixMilli()
		turn.PausedAt = 0
	}
	assert.Equal(t, 15*time.Second, Elapsed(turn, now), "only open-window time accumulates")
}

func TestElapsedIdleTurn(t *testing.T) {
	turn := Turn{Index: 1, DurationMs: 30_000}
	now := time.Unix(1_700_000_000, 0)
	assert.Equal(t, TimerIdle, StateOf(turn, now))
	assert.Equal(t, time.Duration(0), Elapsed(turn, now))
	assert.Equal(t, 30*time.Second, Remaining(turn, now))
}

func TestElapsedClockSkewClamped(t *testing.T) {
	// A reveal stamped slightly ahead of the observer's projected store
	// clock must not produce negative elapsed time.
	t0 := time.Unix(1_700_000_000, 0)
	turn := Turn{Index: 1, RevealedAt: t0.Add(time.Second).UnixMilli(), DurationMs: 30_000}
	assert.Equal(t, time.Duration(0), Elapsed(turn, t0))
}

func TestPointsCurveEndpoints(t *testing.T) {
	for _, d := range []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard} {
		c := CurveFor(d)
		assert.Equal(t, c.Start, c.Available(0), "full points at reveal for %s", d)
		assert.Equal(t, c.Floor, c.Available(c.Window), "floor at window end for %s", d)
		assert.Equal(t, c.Floor, c.Available(c.Window+time.Minute), "floor beyond window for %s", d)
	}
}

func TestPointsCurveMonotonicNonIncreasing(t *testing.T) {
	c := CurveFor(DifficultyMedium)
	prev := c.Available(0)
	for e := time.Duration(0); e <= c.Window; e += 100 * time.Millisecond {
		cur := c.Available(e)
		require.LessOrEqual(t, cur, prev, "points must never increase (elapsed=%v)", e)
		prev = cur
	}
}

func TestCurveForUnknownTierFallsBack(t *testing.T) {
	assert.Equal(t, CurveFor(DifficultyEasy), CurveFor(Difficulty("nightmare")))
}
