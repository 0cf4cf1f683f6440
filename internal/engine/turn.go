package engine

import "time"

// Turn is the unit the arbitration machine operates on: one buzz-in
// question, one guess attempt, one interrogation question. It lives in the
// store as a JSON document; all timestamps are store-clock unix millis.
type Turn struct {
	Index int `json:"index"`

	// Kind selects which sub-resolver this turn activates.
	Kind TurnKind `json:"kind"`

	// RevealedAt marks when the current open window began, 0 if the turn
	// has not been revealed yet. Resume re-bases it.
	RevealedAt int64 `json:"revealedAt,omitempty"`

	// ElapsedAccumMs is the open-window time consumed before RevealedAt.
	// It only ever grows within a turn and is zero at turn creation, so
	// pauses never lose or double-count time.
	ElapsedAccumMs int64 `json:"elapsedAccumMs"`

	// LockHolder is the arbitration winner, "" while unclaimed. Set once
	// per turn via compare-and-swap; cleared only by resolution actions.
	LockHolder string `json:"lockHolder,omitempty"`

	// PausedAt freezes the timer when non-zero.
	PausedAt int64 `json:"pausedAt,omitempty"`

	DurationMs int64      `json:"durationMs"`
	Difficulty Difficulty `json:"difficulty"`

	// SecondsRemaining is the controller-persisted display value so idle
	// rejoiners recover a sane countdown without recomputing history.
	SecondsRemaining int `json:"secondsRemaining"`
}

// TurnKind discriminates racing turns from voting turns.
type TurnKind string

const (
	TurnRacing TurnKind = "racing"
	TurnVoting TurnKind = "voting"
)

// Duration returns the turn's configured duration.
func (t Turn) Duration() time.Duration {
	return time.Duration(t.DurationMs) * time.Millisecond
}

// RaceEvent is an ephemeral multi-writer fact: one actor's attempt to win a
// turn. Each actor writes only their own entry; the whole collection is
// deleted once arbitration completes.
type RaceEvent struct {
	ActorID          string `json:"actorId"`
	LocalTimestampMs int64  `json:"localTimestampMs"`
	ClockOffsetMs    int64  `json:"clockOffsetMs"`
}

// AdjustedMs normalizes the actor's local click instant onto the store's
// clock: local timestamp minus the actor's offset estimate at emission.
func (ev RaceEvent) AdjustedMs() int64 {
	return ev.LocalTimestampMs - ev.ClockOffsetMs
}

// ProposalKind distinguishes binary yes/no proposals from multi-candidate
// ones. The tally rule is the same maximum-count rule either way; with all
// eligible votes in, a unique maximum over two options is exactly a strict
// majority.
type ProposalKind string

const (
	ProposalBinary ProposalKind = "binary"
	ProposalMulti  ProposalKind = "multi"
)

// Proposal is the thing being voted on in a consensus turn. Votes live in a
// sibling collection, one path per voter, and are cleared when a new
// proposal opens.
type Proposal struct {
	ID             string       `json:"id"`
	Kind           ProposalKind `json:"kind"`
	Statement      string       `json:"statement"`
	Options        []string     `json:"options"`
	EligibleVoters []string     `json:"eligibleVoters"`

	// Resolved is the monotonically-consumed tally guard: once true, late
	// duplicate vote observations can never re-trigger resolution.
	Resolved bool     `json:"resolved"`
	Outcome  string   `json:"outcome,omitempty"`
	Tied     []string `json:"tied,omitempty"`
}

// Vote is one voter's entry for the current proposal.
type Vote struct {
	VoterID    string `json:"voterId"`
	ProposalID string `json:"proposalId"`
	Choice     string `json:"choice"`
}

// Store path layout for one room. Actors only ever write under their own
// leaf in the race and vote collections; everything else is controller-only.
func roomPath(code string) string      { return "rooms/" + code }
func turnPath(code string) string      { return "rooms/" + code + "/turn" }
func racePath(code, actor string) string { return "rooms/" + code + "/race/" + actor }
func racePrefix(code string) string    { return "rooms/" + code + "/race/" }
func proposalPath(code string) string  { return "rooms/" + code + "/proposal" }
func votePath(code, voter string) string { return "rooms/" + code + "/votes/" + voter }
func votesPrefix(code string) string   { return "rooms/" + code + "/votes/" }
func outcomePath(code string) string   { return "rooms/" + code + "/outcome" }
