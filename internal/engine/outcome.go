package engine

// Verdict is the closed set of ways a turn can resolve. Observers never see
// a raw error; every failure mode inside the engine surfaces as one of
// these legitimate game-state outcomes.
type Verdict string

const (
	VerdictCorrect   Verdict = "correct"
	VerdictIncorrect Verdict = "incorrect"
	VerdictTimeout   Verdict = "timeout"
	VerdictTiebreak  Verdict = "tiebreak"
	VerdictSkipped   Verdict = "skipped"
)

// Outcome is the resolution record for one turn. Mode-specific detail rides
// in the tagged payload fields rather than a loose map, one set per game
// mode sharing the generic envelope.
type Outcome struct {
	TurnIndex int     `json:"turnIndex"`
	Verdict   Verdict `json:"verdict"`

	// Winner is the lock holder for racing turns, or the tiebreak winner's
	// option owner for voting turns when one exists.
	Winner string `json:"winner,omitempty"`

	// Points is what the decay curve was worth at resolution time.
	Points int `json:"points,omitempty"`

	Quiz  *QuizOutcome  `json:"quiz,omitempty"`
	Rule  *RuleOutcome  `json:"rule,omitempty"`
	Alibi *AlibiOutcome `json:"alibi,omitempty"`
}

// QuizOutcome is the buzz-in mode payload.
type QuizOutcome struct {
	Question string `json:"question,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

// RuleOutcome is the guess-the-rule mode payload.
type RuleOutcome struct {
	Option   string   `json:"option"`
	Tied     []string `json:"tied,omitempty"`
	Tiebreak bool     `json:"tiebreak,omitempty"`
}

// AlibiOutcome is the interrogation mode payload.
type AlibiOutcome struct {
	SuspectID string `json:"suspectId,omitempty"`
	Question  string `json:"question,omitempty"`
}
