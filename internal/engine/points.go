package engine

import "time"

// Difficulty selects the (start, floor, window) triple for the points
// decay curve.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// PointsCurve decays linearly from Start to Floor over Window as a function
// of the turn's effective elapsed time.
type PointsCurve struct {
	Start  int
	Floor  int
	Window time.Duration
}

var pointsTiers = map[Difficulty]PointsCurve{
	DifficultyEasy:   {Start: 100, Floor: 20, Window: 30 * time.Second},
	DifficultyMedium: {Start: 150, Floor: 30, Window: 25 * time.Second},
	DifficultyHard:   {Start: 200, Floor: 40, Window: 20 * time.Second},
}

// CurveFor returns the decay curve for a difficulty tier. Unknown tiers get
// the easy curve rather than failing mid-turn.
func CurveFor(d Difficulty) PointsCurve {
	if c, ok := pointsTiers[d]; ok {
		return c
	}
	return pointsTiers[DifficultyEasy]
}

// Available returns the points still on offer after elapsed open-window
// time: Start at zero, Floor at or beyond Window, non-increasing between.
func (c PointsCurve) Available(elapsed time.Duration) int {
	if elapsed <= 0 {
		return c.Start
	}
	if elapsed >= c.Window {
		return c.Floor
	}
	span := c.Start - c.Floor
	consumed := int(int64(span) * int64(elapsed) / int64(c.Window))
	return c.Start - consumed
}
