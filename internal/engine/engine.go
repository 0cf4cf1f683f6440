// Package engine implements the turn arbitration and synchronized timing
// core: race window collection, lock arbitration, the pausable store-clock
// timer, vote consensus with tiebreak, and the guarded phase machine that
// sequences them.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mkarlsen/parlor/internal/statestore"
)

// DefaultTickInterval is how often the local display tick recomputes the
// remaining time between store pushes.
const DefaultTickInterval = time.Second

// Callbacks are the observer hooks the engine exposes to its game-mode
// layer. All of them are invoked without internal locks held and may be nil.
type Callbacks struct {
	OnPhaseChange func(Phase)
	OnLockChange  func(holder string)
	OnTimerTick   func(remaining time.Duration, points int)
	OnResolution  func(Outcome)

	// OnAction receives the engine's audit records (turn opened, lock
	// claimed, verdicts) for the history queue. index increments per
	// action within the session.
	OnAction func(index int, actionType, actorID string, payload map[string]interface{})
}

// Config tunes one engine instance. Zero values fall back to defaults.
type Config struct {
	RaceWindow    time.Duration
	TickInterval  time.Duration
	TiebreakDelay time.Duration
	TurnDuration  time.Duration
	Difficulty    Difficulty
}

func (c *Config) applyDefaults() {
	if c.RaceWindow <= 0 {
		c.RaceWindow = DefaultRaceWindow
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.TiebreakDelay <= 0 {
		c.TiebreakDelay = DefaultTiebreakDelay
	}
	if c.TurnDuration <= 0 {
		c.TurnDuration = 30 * time.Second
	}
	if c.Difficulty == "" {
		c.Difficulty = DifficultyEasy
	}
}

// Engine is one participant session's view of a room, plus the resolvers it
// drives while that participant holds the controller role. Non-controller
// sessions run the same loop as pure observers.
type Engine struct {
	ec  EngineContext
	cfg Config
	cb  Callbacks

	collector *raceCollector
	arb       arbiter

	mu             sync.Mutex
	phase          Phase
	havePhase      bool
	controller     bool
	turn           Turn
	haveTurn       bool
	proposal       Proposal
	haveProposal   bool
	votes          map[string]string
	seenRaceActors map[string]bool
	seenVoters     map[string]bool
	expiredHandled map[int]bool
	outcomeSeen    map[int]bool
	tiebreakTimer  clockwork.Timer
	actionIndex    int
	detail         OutcomeDetail
}

// OutcomeDetail carries the mode-specific payload the controller attaches
// to the current turn at open time; it rides on whatever outcome the turn
// eventually produces.
type OutcomeDetail struct {
	Quiz  *QuizOutcome
	Alibi *AlibiOutcome
}

// New builds an engine for one room session. Run must be called for the
// engine to observe anything.
func New(ec EngineContext, cfg Config, cb Callbacks) (*Engine, error) {
	if err := ec.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	e := &Engine{
		ec:             ec,
		cfg:            cfg,
		cb:             cb,
		arb:            arbiter{store: ec.Store, code: ec.RoomCode},
		votes:          make(map[string]string),
		seenRaceActors: make(map[string]bool),
		seenVoters:     make(map[string]bool),
		expiredHandled: make(map[int]bool),
		outcomeSeen:    make(map[int]bool),
	}
	e.collector = newRaceCollector(ec.Clock, cfg.RaceWindow, e.resolveRaceBatch)
	return e, nil
}

// InitRoom writes the root room record with this session as controller and
// the phase at lobby. Called once by the creating controller.
func (e *Engine) InitRoom(ctx context.Context) error {
	_, err := e.ec.Store.Transact(ctx, roomPath(e.ec.RoomCode), func(cur []byte, now time.Time) ([]byte, error) {
		if cur != nil {
			// Room already initialized; a rejoining controller must not
			// reset it.
			return cur, nil
		}
		return json.Marshal(RoomRecord{
			Phase:         PhaseLobby,
			ControllerRef: e.ec.SelfID,
			CreatedAt:     now.UnixMilli(),
		})
	})
	if err != nil {
		return err
	}
	e.logAction("room_init", e.ec.SelfID, nil)
	return nil
}

// Run subscribes to the room's store prefix and dispatches pushes until ctx
// is cancelled. It also owns the local display ticker.
func (e *Engine) Run(ctx context.Context) error {
	// Subscribe on the root record's path, not the child prefix: the room
	// record itself lives at rooms/<code> and carries the phase and
	// controller fields every session must observe. Codes are fixed-length,
	// so the path prefix cannot bleed into another room.
	ch, err := e.ec.Store.Subscribe(ctx, roomPath(e.ec.RoomCode))
	if err != nil {
		return fmt.Errorf("engine: subscribe room %s: %w", e.ec.RoomCode, err)
	}

	tick := &turnTicker{clock: e.ec.Clock, interval: e.cfg.TickInterval}
	go tick.run(ctx, func() { e.onTick(ctx) })

	for ev := range ch {
		e.dispatch(ctx, ev)
	}
	e.collector.cancel()
	return nil
}

// --- store push dispatch ---

func (e *Engine) dispatch(ctx context.Context, ev statestore.Event) {
	code := e.ec.RoomCode
	switch {
	case ev.Path == roomPath(code):
		e.onRoomPush(ev.Value)
	case ev.Path == turnPath(code):
		e.onTurnPush(ev.Value)
	case ev.Path == proposalPath(code):
		e.onProposalPush(ctx, ev.Value)
	case ev.Path == outcomePath(code):
		e.onOutcomePush(ev.Value)
	case strings.HasPrefix(ev.Path, racePrefix(code)):
		e.onRacePush(ev.Path, ev.Value)
	case strings.HasPrefix(ev.Path, votesPrefix(code)):
		e.onVotePush(ctx, ev.Path, ev.Value)
	}
}

func (e *Engine) onRoomPush(value []byte) {
	if value == nil {
		return
	}
	var rec RoomRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		e.ec.Log.Warnf("engine: bad room record for %s: %v", e.ec.RoomCode, err)
		return
	}

	e.mu.Lock()
	prev, had := e.phase, e.havePhase
	e.phase = rec.Phase
	e.havePhase = true
	e.controller = rec.ControllerRef == e.ec.SelfID
	leftRacing := had && prev == PhaseRacing && rec.Phase != PhaseRacing
	leftVoting := had && prev == PhaseVoting && rec.Phase != PhaseVoting
	if leftVoting {
		e.votes = make(map[string]string)
		if e.tiebreakTimer != nil {
			e.tiebreakTimer.Stop()
			e.tiebreakTimer = nil
		}
	}
	changed := !had || prev != rec.Phase
	cb := e.cb.OnPhaseChange
	e.mu.Unlock()

	if leftRacing {
		e.collector.cancel()
	}
	if changed && cb != nil {
		cb(rec.Phase)
	}
}

func (e *Engine) onTurnPush(value []byte) {
	e.mu.Lock()
	if value == nil {
		e.haveTurn = false
		e.mu.Unlock()
		return
	}
	var t Turn
	if err := json.Unmarshal(value, &t); err != nil {
		e.mu.Unlock()
		e.ec.Log.Warnf("engine: bad turn record for %s: %v", e.ec.RoomCode, err)
		return
	}
	prevHolder := e.turn.LockHolder
	prevIndex := e.turn.Index
	had := e.haveTurn
	e.turn = t
	e.haveTurn = true
	lockChanged := !had || prevHolder != t.LockHolder || prevIndex != t.Index
	cb := e.cb.OnLockChange
	e.mu.Unlock()

	if lockChanged && cb != nil {
		cb(t.LockHolder)
	}
}

func (e *Engine) onRacePush(path string, value []byte) {
	actor := strings.TrimPrefix(path, racePrefix(e.ec.RoomCode))

	e.mu.Lock()
	if value == nil {
		delete(e.seenRaceActors, actor)
		e.mu.Unlock()
		return
	}
	e.seenRaceActors[actor] = true
	active := e.controller && e.phase == PhaseRacing
	e.mu.Unlock()

	if !active {
		return
	}
	var ev RaceEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		e.ec.Log.Warnf("engine: bad race event at %s: %v", path, err)
		return
	}
	e.collector.add(ev)
}

func (e *Engine) onVotePush(ctx context.Context, path string, value []byte) {
	voter := strings.TrimPrefix(path, votesPrefix(e.ec.RoomCode))

	e.mu.Lock()
	if value == nil {
		delete(e.votes, voter)
		delete(e.seenVoters, voter)
		e.mu.Unlock()
		return
	}
	e.seenVoters[voter] = true
	var v Vote
	if err := json.Unmarshal(value, &v); err != nil {
		e.mu.Unlock()
		e.ec.Log.Warnf("engine: bad vote at %s: %v", path, err)
		return
	}
	if !e.haveProposal || v.ProposalID != e.proposal.ID {
		// Vote for a previous proposal; ignore.
		e.mu.Unlock()
		return
	}
	e.votes[voter] = v.Choice
	shouldTally := e.controller && e.phase == PhaseVoting
	e.mu.Unlock()

	if shouldTally {
		e.maybeTally(ctx)
	}
}

func (e *Engine) onProposalPush(ctx context.Context, value []byte) {
	e.mu.Lock()
	if value == nil {
		e.haveProposal = false
		e.mu.Unlock()
		return
	}
	var p Proposal
	if err := json.Unmarshal(value, &p); err != nil {
		e.mu.Unlock()
		e.ec.Log.Warnf("engine: bad proposal for %s: %v", e.ec.RoomCode, err)
		return
	}
	newProposal := !e.haveProposal || e.proposal.ID != p.ID
	if newProposal {
		e.votes = make(map[string]string)
	}
	e.proposal = p
	e.haveProposal = true
	scheduleTiebreak := e.controller && e.phase == PhaseVoting &&
		!p.Resolved && len(p.Tied) > 0 && e.tiebreakTimer == nil
	if scheduleTiebreak {
		tied := append([]string(nil), p.Tied...)
		e.tiebreakTimer = e.ec.Clock.AfterFunc(e.cfg.TiebreakDelay, func() {
			e.finishTiebreak(ctx, tied)
		})
	}
	e.mu.Unlock()
}

func (e *Engine) onOutcomePush(value []byte) {
	if value == nil {
		return
	}
	var o Outcome
	if err := json.Unmarshal(value, &o); err != nil {
		e.ec.Log.Warnf("engine: bad outcome for %s: %v", e.ec.RoomCode, err)
		return
	}

	e.mu.Lock()
	if e.outcomeSeen[o.TurnIndex] {
		e.mu.Unlock()
		return
	}
	e.outcomeSeen[o.TurnIndex] = true
	cb := e.cb.OnResolution
	e.mu.Unlock()

	if cb != nil {
		cb(o)
	}
}

// --- race resolution (controller only) ---

// resolveRaceBatch runs when the collector's window closes. A lost CAS is a
// normal outcome, not an error.
func (e *Engine) resolveRaceBatch(batch []RaceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	winner, err := e.arb.resolveRace(ctx, batch)
	switch {
	case errors.Is(err, ErrLockHeld), errors.Is(err, ErrStaleGuard):
		return
	case err != nil:
		e.ec.Log.Warnf("engine: race resolution for %s: %v", e.ec.RoomCode, err)
		return
	case winner == "":
		return
	}
	e.logAction("lock_claimed", winner, map[string]interface{}{"candidates": len(batch)})
}

// --- vote resolution (controller only) ---

func (e *Engine) maybeTally(ctx context.Context) {
	e.mu.Lock()
	if !e.haveProposal || e.proposal.Resolved || len(e.proposal.Tied) > 0 {
		e.mu.Unlock()
		return
	}
	p := e.proposal
	votes := make(map[string]string, len(e.votes))
	for k, v := range e.votes {
		votes[k] = v
	}
	e.mu.Unlock()

	if !voteComplete(p, votes) {
		return
	}
	winner, tied := tally(p, votes)
	switch {
	case winner != "":
		e.finishVote(ctx, winner, nil, false)
	case len(tied) > 1:
		if err := markTied(ctx, e.ec.Store, e.ec.RoomCode, tied); err != nil && !errors.Is(err, ErrTallyConsumed) {
			e.ec.Log.Warnf("engine: mark tied for %s: %v", e.ec.RoomCode, err)
		}
		// The tiebreak timer is scheduled when the tied proposal comes
		// back around on the subscription, so a promoted controller sees
		// it too.
	}
}

func (e *Engine) finishTiebreak(ctx context.Context, tied []string) {
	e.mu.Lock()
	e.tiebreakTimer = nil
	stale := !e.controller || e.phase != PhaseVoting || !e.haveProposal || e.proposal.Resolved
	var pick string
	if !stale {
		pick = pickTiebreak(e.ec.Rand, tied)
	}
	e.mu.Unlock()

	if stale {
		return
	}
	e.finishVote(ctx, pick, tied, true)
}

func (e *Engine) finishVote(ctx context.Context, option string, tied []string, tiebreak bool) {
	p, err := consumeTally(ctx, e.ec.Store, e.ec.RoomCode, option, tied)
	if errors.Is(err, ErrTallyConsumed) {
		return
	}
	if err != nil {
		e.ec.Log.Warnf("engine: consume tally for %s: %v", e.ec.RoomCode, err)
		return
	}

	e.mu.Lock()
	turnIndex := e.turn.Index
	e.mu.Unlock()

	verdict := VerdictCorrect
	if tiebreak {
		verdict = VerdictTiebreak
	}
	out := Outcome{
		TurnIndex: turnIndex,
		Verdict:   verdict,
		Rule:      &RuleOutcome{Option: option, Tied: tied, Tiebreak: tiebreak},
	}
	e.writeOutcome(ctx, out)
	e.logAction("vote_resolved", "", map[string]interface{}{
		"proposal": p.ID,
		"option":   option,
		"tiebreak": tiebreak,
	})
}

// --- timer tick ---

func (e *Engine) onTick(ctx context.Context) {
	e.mu.Lock()
	if !e.haveTurn || (e.phase != PhaseRacing && e.phase != PhaseVoting) {
		e.mu.Unlock()
		return
	}
	t := e.turn
	controller := e.controller
	cb := e.cb.OnTimerTick
	e.mu.Unlock()

	now := e.ec.Sync.ServerNow()
	remaining := Remaining(t, now)
	points := CurveFor(t.Difficulty).Available(Elapsed(t, now))
	if cb != nil {
		cb(remaining, points)
	}
	if !controller {
		return
	}

	secs := int(remaining / time.Second)
	if StateOf(t, now) == TimerRunning && secs != t.SecondsRemaining {
		e.persistSecondsRemaining(ctx, t.Index, secs)
	}

	if StateOf(t, now) == TimerExpired {
		e.mu.Lock()
		handled := e.expiredHandled[t.Index]
		e.expiredHandled[t.Index] = true
		e.mu.Unlock()
		if !handled {
			e.resolveTimeout(ctx, t)
		}
	}
}

// persistSecondsRemaining stores the integer display value for observers and
// idle rejoins. Guarded on the turn index so a stale tick cannot touch the
// next turn.
func (e *Engine) persistSecondsRemaining(ctx context.Context, index, secs int) {
	_, err := e.ec.Store.Transact(ctx, turnPath(e.ec.RoomCode), func(cur []byte, _ time.Time) ([]byte, error) {
		if cur == nil {
			return nil, statestore.ErrAborted
		}
		var t Turn
		if err := json.Unmarshal(cur, &t); err != nil {
			return nil, err
		}
		if t.Index != index || t.SecondsRemaining == secs {
			return nil, statestore.ErrAborted
		}
		t.SecondsRemaining = secs
		return json.Marshal(t)
	})
	if err != nil && !errors.Is(err, statestore.ErrAborted) {
		e.ec.Log.Warnf("engine: persist seconds for %s: %v", e.ec.RoomCode, err)
	}
}

// resolveTimeout is the automatic time's-up resolution, distinct from a
// manually validated outcome. Expiry also cancels whatever race or vote
// sub-phase was in flight.
func (e *Engine) resolveTimeout(ctx context.Context, t Turn) {
	e.collector.cancel()
	e.mu.Lock()
	detail := e.detail
	e.mu.Unlock()
	out := Outcome{TurnIndex: t.Index, Verdict: VerdictTimeout, Winner: t.LockHolder,
		Quiz: detail.Quiz, Alibi: detail.Alibi}
	e.writeOutcome(ctx, out)
	e.clearLock(ctx)
	e.logAction("turn_timeout", t.LockHolder, map[string]interface{}{"turn": t.Index})
}

// --- controller operations ---

// ErrNotController guards the controller-only surface.
var ErrNotController = errors.New("engine: session does not hold the controller role")

func (e *Engine) requireController() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.controller {
		return ErrNotController
	}
	return nil
}

// StartRoom moves lobby -> setup.
func (e *Engine) StartRoom(ctx context.Context) error {
	if err := e.requireController(); err != nil {
		return err
	}
	_, _, err := transitionPhase(ctx, e.ec.Store, e.ec.RoomCode, PhaseSetup)
	if errors.Is(err, ErrStaleGuard) {
		return nil
	}
	if err == nil {
		e.logAction("room_start", e.ec.SelfID, nil)
	}
	return err
}

// OpenTurn advances to turnOpen and writes a fresh turn record with a reset
// elapsed accumulator. Leftover race events and votes from the previous
// turn are swept here.
func (e *Engine) OpenTurn(ctx context.Context) (Turn, error) {
	if err := e.requireController(); err != nil {
		return Turn{}, err
	}
	if _, _, err := transitionPhase(ctx, e.ec.Store, e.ec.RoomCode, PhaseTurnOpen); err != nil {
		if errors.Is(err, ErrStaleGuard) {
			return Turn{}, ErrStaleGuard
		}
		return Turn{}, err
	}

	e.sweepEphemeral(ctx)
	e.mu.Lock()
	e.detail = OutcomeDetail{}
	e.mu.Unlock()

	var created Turn
	_, err := e.ec.Store.Transact(ctx, turnPath(e.ec.RoomCode), func(cur []byte, _ time.Time) ([]byte, error) {
		index := 1
		if cur != nil {
			var prev Turn
			if err := json.Unmarshal(cur, &prev); err == nil {
				index = prev.Index + 1
			}
		}
		created = Turn{
			Index:            index,
			ElapsedAccumMs:   0,
			DurationMs:       e.cfg.TurnDuration.Milliseconds(),
			Difficulty:       e.cfg.Difficulty,
			SecondsRemaining: int(e.cfg.TurnDuration / time.Second),
		}
		return json.Marshal(created)
	})
	if err != nil {
		return Turn{}, err
	}
	e.logAction("turn_open", e.ec.SelfID, map[string]interface{}{"turn": created.Index})
	return created, nil
}

// OpenRace reveals the turn for buzzing: phase -> racing and the timer's
// open window starts at the store's commit time.
func (e *Engine) OpenRace(ctx context.Context) error {
	if err := e.requireController(); err != nil {
		return err
	}
	if _, _, err := transitionPhase(ctx, e.ec.Store, e.ec.RoomCode, PhaseRacing); err != nil {
		if errors.Is(err, ErrStaleGuard) {
			return nil
		}
		return err
	}
	return e.revealTurn(ctx, TurnRacing)
}

// OpenProposal opens a consensus turn: phase -> voting, the proposal is
// published with cleared votes, and the timer window opens.
func (e *Engine) OpenProposal(ctx context.Context, p Proposal) error {
	if err := e.requireController(); err != nil {
		return err
	}
	if p.ID == "" || len(p.Options) == 0 {
		return errors.New("engine: proposal requires an id and options")
	}
	if _, _, err := transitionPhase(ctx, e.ec.Store, e.ec.RoomCode, PhaseVoting); err != nil {
		if errors.Is(err, ErrStaleGuard) {
			return nil
		}
		return err
	}

	e.clearVotes(ctx)
	p.Resolved = false
	p.Outcome = ""
	p.Tied = nil
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := e.ec.Store.Put(ctx, proposalPath(e.ec.RoomCode), raw); err != nil {
		return err
	}
	if err := e.revealTurn(ctx, TurnVoting); err != nil {
		return err
	}
	e.logAction("proposal_open", e.ec.SelfID, map[string]interface{}{"proposal": p.ID})
	return nil
}

// revealTurn stamps RevealedAt with the store clock and tags the turn kind.
func (e *Engine) revealTurn(ctx context.Context, kind TurnKind) error {
	_, err := e.ec.Store.Transact(ctx, turnPath(e.ec.RoomCode), func(cur []byte, now time.Time) ([]byte, error) {
		if cur == nil {
			return nil, statestore.ErrAborted
		}
		var t Turn
		if err := json.Unmarshal(cur, &t); err != nil {
			return nil, err
		}
		if t.RevealedAt != 0 {
			// Already revealed; duplicate call no-ops.
			return cur, nil
		}
		t.Kind = kind
		t.RevealedAt = now.UnixMilli()
		t.PausedAt = 0
		return json.Marshal(t)
	})
	if errors.Is(err, statestore.ErrAborted) {
		return ErrStaleGuard
	}
	return err
}

// Pause freezes the timer at the store's commit time. Idempotent.
func (e *Engine) Pause(ctx context.Context) error {
	if err := e.requireController(); err != nil {
		return err
	}
	_, err := e.ec.Store.Transact(ctx, turnPath(e.ec.RoomCode), func(cur []byte, now time.Time) ([]byte, error) {
		if cur == nil {
			return nil, statestore.ErrAborted
		}
		var t Turn
		if err := json.Unmarshal(cur, &t); err != nil {
			return nil, err
		}
		if t.RevealedAt == 0 || t.PausedAt != 0 {
			return cur, nil
		}
		t.PausedAt = now.UnixMilli()
		return json.Marshal(t)
	})
	if errors.Is(err, statestore.ErrAborted) {
		return ErrStaleGuard
	}
	if err == nil {
		e.logAction("turn_pause", e.ec.SelfID, nil)
	}
	return err
}

// Resume folds the consumed window into the accumulator and re-bases the
// window start at the store's commit time, so drift never accumulates
// across repeated pause/resume cycles.
func (e *Engine) Resume(ctx context.Context) error {
	if err := e.requireController(); err != nil {
		return err
	}
	_, err := e.ec.Store.Transact(ctx, turnPath(e.ec.RoomCode), func(cur []byte, now time.Time) ([]byte, error) {
		if cur == nil {
			return nil, statestore.ErrAborted
		}
		var t Turn
		if err := json.Unmarshal(cur, &t); err != nil {
			return nil, err
		}
		if t.PausedAt == 0 {
			return cur, nil
		}
		open := t.PausedAt - t.RevealedAt
		if open < 0 {
			open = 0
		}
		t.ElapsedAccumMs += open
		t.RevealedAt = now.UnixMilli()
		t.PausedAt = 0
		return json.Marshal(t)
	})
	if errors.Is(err, statestore.ErrAborted) {
		return ErrStaleGuard
	}
	if err == nil {
		e.logAction("turn_resume", e.ec.SelfID, nil)
	}
	return err
}

// Validate records the controller's verdict for the current turn, clears
// the lock, and moves the room to resolved. Points for a correct verdict
// come from the decay curve at the moment of the lock claim pause.
func (e *Engine) Validate(ctx context.Context, verdict Verdict) error {
	if err := e.requireController(); err != nil {
		return err
	}

	e.mu.Lock()
	// Guard on the phase as well as the turn: writing an outcome while
	// still in turnOpen would notify observers of a resolution the
	// resolved transition then refuses.
	if !e.haveTurn || (e.phase != PhaseRacing && e.phase != PhaseVoting) {
		e.mu.Unlock()
		return ErrStaleGuard
	}
	t := e.turn
	detail := e.detail
	e.mu.Unlock()

	out := Outcome{TurnIndex: t.Index, Verdict: verdict, Winner: t.LockHolder,
		Quiz: detail.Quiz, Alibi: detail.Alibi}
	if verdict == VerdictCorrect {
		out.Points = CurveFor(t.Difficulty).Available(Elapsed(t, e.ec.Sync.ServerNow()))
	}

	e.collector.cancel()
	e.writeOutcome(ctx, out)
	e.clearLock(ctx)
	e.logAction("turn_validate", t.LockHolder, map[string]interface{}{
		"turn":    t.Index,
		"verdict": string(verdict),
		"points":  out.Points,
	})
	return nil
}

// Skip resolves the turn with no winner.
func (e *Engine) Skip(ctx context.Context) error {
	if err := e.requireController(); err != nil {
		return err
	}

	e.mu.Lock()
	t := e.turn
	have := e.haveTurn && (e.phase == PhaseRacing || e.phase == PhaseVoting)
	e.mu.Unlock()
	if !have {
		return ErrStaleGuard
	}

	e.collector.cancel()
	e.writeOutcome(ctx, Outcome{TurnIndex: t.Index, Verdict: VerdictSkipped})
	e.clearLock(ctx)
	e.logAction("turn_skip", e.ec.SelfID, map[string]interface{}{"turn": t.Index})
	return nil
}

// EndRoom is terminal; consumers move to their results screen.
func (e *Engine) EndRoom(ctx context.Context) error {
	if err := e.requireController(); err != nil {
		return err
	}
	_, _, err := transitionPhase(ctx, e.ec.Store, e.ec.RoomCode, PhaseEnded)
	if errors.Is(err, ErrStaleGuard) {
		return nil
	}
	if err == nil {
		e.logAction("room_end", e.ec.SelfID, nil)
	}
	return err
}

// AbortToLobby cancels the round: ephemeral collections are cleared and
// every observer returns to the lobby when the phase push lands.
func (e *Engine) AbortToLobby(ctx context.Context) error {
	if err := e.requireController(); err != nil {
		return err
	}
	e.collector.cancel()
	e.sweepEphemeral(ctx)
	_ = e.ec.Store.Delete(ctx, proposalPath(e.ec.RoomCode))
	_, _, err := transitionPhase(ctx, e.ec.Store, e.ec.RoomCode, PhaseLobby)
	if errors.Is(err, ErrStaleGuard) {
		return nil
	}
	if err == nil {
		e.logAction("room_abort", e.ec.SelfID, nil)
	}
	return err
}

// SetTurnDetail registers the mode-specific payload for the current turn.
// Called by the controller's session after OpenTurn; OpenTurn clears it.
func (e *Engine) SetTurnDetail(d OutcomeDetail) {
	e.mu.Lock()
	e.detail = d
	e.mu.Unlock()
}

// --- actor operations ---

// EmitAction writes the actor's race event: their local click instant plus
// their clock-offset estimate at emission. Each actor owns exactly one leaf
// in the collection, so concurrent writers never clobber each other and a
// duplicate buzz overwrites rather than duplicates.
func (e *Engine) EmitAction(ctx context.Context, actorID string, localTs time.Time, offset time.Duration) error {
	ev := RaceEvent{
		ActorID:          actorID,
		LocalTimestampMs: localTs.UnixMilli(),
		ClockOffsetMs:    offset.Milliseconds(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return e.ec.Store.Put(ctx, racePath(e.ec.RoomCode, actorID), raw)
}

// CastVote writes the voter's entry for the current proposal.
func (e *Engine) CastVote(ctx context.Context, voterID, choice string) error {
	e.mu.Lock()
	if !e.haveProposal {
		e.mu.Unlock()
		return ErrStaleGuard
	}
	proposalID := e.proposal.ID
	e.mu.Unlock()

	raw, err := json.Marshal(Vote{VoterID: voterID, ProposalID: proposalID, Choice: choice})
	if err != nil {
		return err
	}
	return e.ec.Store.Put(ctx, votePath(e.ec.RoomCode, voterID), raw)
}

// --- snapshots ---

// Phase returns the last observed phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// CurrentTurn returns the last observed turn record.
func (e *Engine) CurrentTurn() (Turn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turn, e.haveTurn
}

// IsController reports whether this session currently holds the controller
// role.
func (e *Engine) IsController() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.controller
}

// --- helpers ---

func (e *Engine) writeOutcome(ctx context.Context, out Outcome) {
	raw, err := json.Marshal(out)
	if err != nil {
		e.ec.Log.Warnf("engine: marshal outcome: %v", err)
		return
	}
	if err := e.ec.Store.Put(ctx, outcomePath(e.ec.RoomCode), raw); err != nil {
		e.ec.Log.Warnf("engine: write outcome for %s: %v", e.ec.RoomCode, err)
		return
	}
	if _, _, err := transitionPhase(ctx, e.ec.Store, e.ec.RoomCode, PhaseResolved); err != nil && !errors.Is(err, ErrStaleGuard) {
		e.ec.Log.Warnf("engine: resolve transition for %s: %v", e.ec.RoomCode, err)
	}
}

// clearLock empties LockHolder after a resolution action. The append-only
// invariant holds between claim and resolution; this is the resolution.
func (e *Engine) clearLock(ctx context.Context) {
	_, err := e.ec.Store.Transact(ctx, turnPath(e.ec.RoomCode), func(cur []byte, _ time.Time) ([]byte, error) {
		if cur == nil {
			return nil, statestore.ErrAborted
		}
		var t Turn
		if err := json.Unmarshal(cur, &t); err != nil {
			return nil, err
		}
		if t.LockHolder == "" {
			return cur, nil
		}
		t.LockHolder = ""
		return json.Marshal(t)
	})
	if err != nil && !errors.Is(err, statestore.ErrAborted) {
		e.ec.Log.Warnf("engine: clear lock for %s: %v", e.ec.RoomCode, err)
	}
}

// sweepEphemeral deletes leftover race events and votes seen so far.
func (e *Engine) sweepEphemeral(ctx context.Context) {
	e.mu.Lock()
	actors := make([]string, 0, len(e.seenRaceActors))
	for a := range e.seenRaceActors {
		actors = append(actors, a)
	}
	e.mu.Unlock()
	for _, a := range actors {
		_ = e.ec.Store.Delete(ctx, racePath(e.ec.RoomCode, a))
	}
	e.clearVotes(ctx)
}

func (e *Engine) clearVotes(ctx context.Context) {
	e.mu.Lock()
	voters := make([]string, 0, len(e.seenVoters))
	for v := range e.seenVoters {
		voters = append(voters, v)
	}
	e.mu.Unlock()
	for _, v := range voters {
		_ = e.ec.Store.Delete(ctx, votePath(e.ec.RoomCode, v))
	}
}

func (e *Engine) logAction(actionType, actorID string, payload map[string]interface{}) {
	e.mu.Lock()
	e.actionIndex++
	index := e.actionIndex
	cb := e.cb.OnAction
	e.mu.Unlock()
	if cb != nil {
		cb(index, actionType, actorID, payload)
	}
}
