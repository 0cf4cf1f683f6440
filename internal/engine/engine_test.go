package engine

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/parlor/internal/clocksync"
	"github.com/mkarlsen/parlor/internal/statestore"
)

// recorder captures callback invocations for assertions.
type recorder struct {
	mu       sync.Mutex
	phases   []Phase
	locks    []string
	outcomes []Outcome
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnPhaseChange: func(p Phase) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.phases = append(r.phases, p)
		},
		OnLockChange: func(holder string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.locks = append(r.locks, holder)
		},
		OnResolution: func(o Outcome) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.outcomes = append(r.outcomes, o)
		},
	}
}

func (r *recorder) sawPhase(p Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.phases {
		if q == p {
			return true
		}
	}
	return false
}

func (r *recorder) lastOutcome() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return Outcome{}, false
	}
	return r.outcomes[len(r.outcomes)-1], true
}

func (r *recorder) outcomeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

type testSession struct {
	eng *Engine
	rec *recorder
}

// startSession spins up one participant engine against the shared store with
// a real clock and short test durations, and tears it down with the test.
func startSession(t *testing.T, store statestore.Store, code, selfID string, cfg Config) *testSession {
	t.Helper()
	clock := clockwork.NewRealClock()
	est := clocksync.New(store, clock)
	require.NoError(t, est.Sync(context.Background(), 1))

	rec := &recorder{}
	eng, err := New(EngineContext{
		Store:    store,
		Clock:    clock,
		Sync:     est,
		Log:      logrus.New(),
		Rand:     rand.New(rand.NewSource(1)),
		RoomCode: code,
		SelfID:   selfID,
	}, cfg, rec.callbacks())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = eng.Run(ctx) }()
	return &testSession{eng: eng, rec: rec}
}

func testConfig() Config {
	return Config{
		RaceWindow:    60 * time.Millisecond,
		TickInterval:  20 * time.Millisecond,
		TiebreakDelay: 60 * time.Millisecond,
		TurnDuration:  10 * time.Second,
		Difficulty:    DifficultyEasy,
	}
}

const eventually = 3 * time.Second
const pollEvery = 5 * time.Millisecond

// startRoom walks the host through init -> setup and waits until every
// listed session has observed the setup phase.
func startRoom(t *testing.T, host *testSession, observers ...*testSession) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, host.eng.InitRoom(ctx))
	require.Eventually(t, host.eng.IsController, eventually, pollEvery)
	require.NoError(t, host.eng.StartRoom(ctx))
	for _, s := range observers {
		s := s
		require.Eventually(t, func() bool { return s.eng.Phase() == PhaseSetup }, eventually, pollEvery)
	}
}

func TestEngineRacingTurnEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore(clockwork.NewRealClock())
	cfg := testConfig()

	host := startSession(t, store, "RACE", "host", cfg)
	ann := startSession(t, store, "RACE", "ann", cfg)
	ben := startSession(t, store, "RACE", "ben", cfg)
	startRoom(t, host, ann, ben)

	turn, err := host.eng.OpenTurn(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, turn.Index)

	require.NoError(t, host.eng.OpenRace(ctx))
	require.Eventually(t, func() bool { return ann.eng.Phase() == PhaseRacing }, eventually, pollEvery)

	// Ben's event is written first but Ann acted 50ms earlier by her own
	// clock; the arbiter must rank by adjusted action time, not store
	// arrival order.
	now := time.Now()
	require.NoError(t, ben.eng.EmitAction(ctx, "ben", now, 0))
	require.NoError(t, ann.eng.EmitAction(ctx, "ann", now.Add(-50*time.Millisecond), 0))

	require.Eventually(t, func() bool {
		cur, ok := host.eng.CurrentTurn()
		return ok && cur.LockHolder == "ann"
	}, eventually, pollEvery)

	require.NoError(t, host.eng.Validate(ctx, VerdictCorrect))
	require.Eventually(t, func() bool {
		out, ok := ben.rec.lastOutcome()
		return ok && out.Verdict == VerdictCorrect
	}, eventually, pollEvery)

	out, _ := ben.rec.lastOutcome()
	assert.Equal(t, 1, out.TurnIndex)
	assert.Equal(t, "ann", out.Winner)
	assert.Positive(t, out.Points, "a correct verdict awards decay-curve points")
	assert.True(t, ben.rec.sawPhase(PhaseResolved))

	cur, ok := host.eng.CurrentTurn()
	require.True(t, ok)
	assert.Empty(t, cur.LockHolder, "validation releases the lock")
}

func TestEngineVotingTurnEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore(clockwork.NewRealClock())
	cfg := testConfig()

	host := startSession(t, store, "VOTE", "host", cfg)
	v1 := startSession(t, store, "VOTE", "v1", cfg)
	v2 := startSession(t, store, "VOTE", "v2", cfg)
	startRoom(t, host, v1, v2)

	_, err := host.eng.OpenTurn(ctx)
	require.NoError(t, err)
	require.NoError(t, host.eng.OpenProposal(ctx, Proposal{
		ID:             "prop-1",
		Kind:           "rule",
		Statement:      "whose rule is in play",
		Options:        []string{"alice", "bob"},
		EligibleVoters: []string{"v1", "v2"},
	}))

	// CastVote needs the proposal push to have landed on each voter first.
	require.Eventually(t, func() bool { return v1.eng.CastVote(ctx, "v1", "bob") == nil }, eventually, pollEvery)
	require.Eventually(t, func() bool { return v2.eng.CastVote(ctx, "v2", "bob") == nil }, eventually, pollEvery)

	require.Eventually(t, func() bool {
		out, ok := v1.rec.lastOutcome()
		return ok && out.Verdict == VerdictCorrect
	}, eventually, pollEvery)

	out, _ := v1.rec.lastOutcome()
	require.NotNil(t, out.Rule)
	assert.Equal(t, "bob", out.Rule.Option)
	assert.False(t, out.Rule.Tiebreak)
	assert.True(t, v2.rec.sawPhase(PhaseResolved))
	assert.Equal(t, 1, host.rec.outcomeCount(), "tally consumed exactly once")
}

func TestEngineVoteTieResolvesByTiebreak(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore(clockwork.NewRealClock())
	cfg := testConfig()

	host := startSession(t, store, "TIED", "host", cfg)
	v1 := startSession(t, store, "TIED", "v1", cfg)
	v2 := startSession(t, store, "TIED", "v2", cfg)
	startRoom(t, host, v1, v2)

	_, err := host.eng.OpenTurn(ctx)
	require.NoError(t, err)
	require.NoError(t, host.eng.OpenProposal(ctx, Proposal{
		ID:             "prop-1",
		Kind:           "rule",
		Options:        []string{"alice", "bob"},
		EligibleVoters: []string{"v1", "v2"},
	}))

	require.Eventually(t, func() bool { return v1.eng.CastVote(ctx, "v1", "alice") == nil }, eventually, pollEvery)
	require.Eventually(t, func() bool { return v2.eng.CastVote(ctx, "v2", "bob") == nil }, eventually, pollEvery)

	// Split vote: the controller marks the tie, waits the tiebreak delay,
	// then settles at random among the tied options.
	require.Eventually(t, func() bool {
		out, ok := v1.rec.lastOutcome()
		return ok && out.Verdict == VerdictTiebreak
	}, eventually, pollEvery)

	out, _ := v1.rec.lastOutcome()
	require.NotNil(t, out.Rule)
	assert.True(t, out.Rule.Tiebreak)
	assert.Contains(t, []string{"alice", "bob"}, out.Rule.Option)
	assert.ElementsMatch(t, []string{"alice", "bob"}, out.Rule.Tied)
}

func TestEnginePauseResumeFoldsElapsed(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore(clockwork.NewRealClock())
	cfg := testConfig()

	host := startSession(t, store, "PAUS", "host", cfg)
	startRoom(t, host)

	_, err := host.eng.OpenTurn(ctx)
	require.NoError(t, err)
	require.NoError(t, host.eng.OpenRace(ctx))

	require.NoError(t, host.eng.Pause(ctx))
	paused := readTurn(t, store, "PAUS")
	require.NotZero(t, paused.PausedAt)

	// Pausing again must not move the freeze point.
	require.NoError(t, host.eng.Pause(ctx))
	assert.Equal(t, paused.PausedAt, readTurn(t, store, "PAUS").PausedAt)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, host.eng.Resume(ctx))
	resumed := readTurn(t, store, "PAUS")
	assert.Zero(t, resumed.PausedAt)
	assert.GreaterOrEqual(t, resumed.RevealedAt, paused.PausedAt, "window re-bases at resume commit time")
	assert.Equal(t, paused.PausedAt-paused.RevealedAt, resumed.ElapsedAccumMs,
		"exactly the consumed open window folds into the accumulator")

	// Resuming a running timer is a no-op.
	require.NoError(t, host.eng.Resume(ctx))
	assert.Equal(t, resumed.ElapsedAccumMs, readTurn(t, store, "PAUS").ElapsedAccumMs)
}

func TestEngineTimeoutAutoResolves(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore(clockwork.NewRealClock())
	cfg := testConfig()
	cfg.TurnDuration = 100 * time.Millisecond

	host := startSession(t, store, "TIME", "host", cfg)
	watcher := startSession(t, store, "TIME", "watcher", cfg)
	startRoom(t, host, watcher)

	_, err := host.eng.OpenTurn(ctx)
	require.NoError(t, err)
	require.NoError(t, host.eng.OpenRace(ctx))

	require.Eventually(t, func() bool {
		out, ok := watcher.rec.lastOutcome()
		return ok && out.Verdict == VerdictTimeout
	}, eventually, pollEvery)

	out, _ := watcher.rec.lastOutcome()
	assert.Equal(t, 1, out.TurnIndex)
	assert.Empty(t, out.Winner, "nobody claimed the lock before expiry")
	assert.True(t, watcher.rec.sawPhase(PhaseResolved))

	// Expiry fires the resolution exactly once even though ticks keep coming.
	time.Sleep(3 * cfg.TickInterval)
	assert.Equal(t, 1, watcher.rec.outcomeCount())
}

func TestEngineAbortReturnsEveryoneToLobby(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore(clockwork.NewRealClock())
	cfg := testConfig()

	host := startSession(t, store, "ABRT", "host", cfg)
	actor := startSession(t, store, "ABRT", "actor", cfg)
	startRoom(t, host, actor)

	_, err := host.eng.OpenTurn(ctx)
	require.NoError(t, err)
	require.NoError(t, host.eng.OpenRace(ctx))
	require.Eventually(t, func() bool { return actor.eng.Phase() == PhaseRacing }, eventually, pollEvery)

	require.NoError(t, host.eng.AbortToLobby(ctx))
	require.Eventually(t, func() bool { return actor.eng.Phase() == PhaseLobby }, eventually, pollEvery)

	// The aborted round leaves nothing behind and the room can start over.
	raw, err := store.Get(ctx, proposalPath("ABRT"))
	require.NoError(t, err)
	assert.Nil(t, raw)
	require.NoError(t, host.eng.StartRoom(ctx))
	require.Eventually(t, func() bool { return actor.eng.Phase() == PhaseSetup }, eventually, pollEvery)
}

func TestEngineControllerOnlySurface(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore(clockwork.NewRealClock())
	cfg := testConfig()

	host := startSession(t, store, "CTRL", "host", cfg)
	actor := startSession(t, store, "CTRL", "actor", cfg)
	startRoom(t, host, actor)

	assert.ErrorIs(t, actor.eng.StartRoom(ctx), ErrNotController)
	_, err := actor.eng.OpenTurn(ctx)
	assert.ErrorIs(t, err, ErrNotController)
	assert.ErrorIs(t, actor.eng.Pause(ctx), ErrNotController)
	assert.ErrorIs(t, actor.eng.EndRoom(ctx), ErrNotController)
}

func TestEngineObservesRootRoomRecord(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore(clockwork.NewRealClock())
	cfg := testConfig()

	// The room record lives at the subscription root, not under a child
	// path; every session must still see it pushed.
	host := startSession(t, store, "ROOT", "host", cfg)
	require.NoError(t, host.eng.InitRoom(ctx))
	require.Eventually(t, host.eng.IsController, eventually, pollEvery)
	require.Eventually(t, func() bool { return host.eng.Phase() == PhaseLobby }, eventually, pollEvery)

	// A session joining later gets the record via the snapshot.
	observer := startSession(t, store, "ROOT", "late", cfg)
	require.Eventually(t, func() bool { return observer.eng.Phase() == PhaseLobby }, eventually, pollEvery)
	assert.False(t, observer.eng.IsController())
}

func TestEngineInvalidVoteChoiceDoesNotResolve(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore(clockwork.NewRealClock())
	cfg := testConfig()

	host := startSession(t, store, "BADV", "host", cfg)
	v1 := startSession(t, store, "BADV", "v1", cfg)
	v2 := startSession(t, store, "BADV", "v2", cfg)
	startRoom(t, host, v1, v2)

	_, err := host.eng.OpenTurn(ctx)
	require.NoError(t, err)
	require.NoError(t, host.eng.OpenProposal(ctx, Proposal{
		ID:             "prop-bad",
		Kind:           "rule",
		Statement:      "whose rule is in play",
		Options:        []string{"alice", "bob"},
		EligibleVoters: []string{"v1", "v2"},
	}))

	require.Eventually(t, func() bool { return v1.eng.CastVote(ctx, "v1", "mallory") == nil }, eventually, pollEvery)
	require.Eventually(t, func() bool { return v2.eng.CastVote(ctx, "v2", "bob") == nil }, eventually, pollEvery)

	// One eligible voter is in with a choice the proposal does not offer,
	// so the set is not complete and no outcome may appear.
	require.Never(t, func() bool { return host.rec.outcomeCount() > 0 }, 250*time.Millisecond, pollEvery)

	// Re-casting a real choice completes the vote.
	require.NoError(t, v1.eng.CastVote(ctx, "v1", "bob"))
	require.Eventually(t, func() bool {
		out, ok := host.rec.lastOutcome()
		return ok && out.Verdict == VerdictCorrect
	}, eventually, pollEvery)
	out, _ := host.rec.lastOutcome()
	require.NotNil(t, out.Rule)
	assert.Equal(t, "bob", out.Rule.Option)
}

func TestEngineValidateBeforeRaceIsStale(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore(clockwork.NewRealClock())
	cfg := testConfig()

	host := startSession(t, store, "EARL", "host", cfg)
	actor := startSession(t, store, "EARL", "actor", cfg)
	startRoom(t, host, actor)

	_, err := host.eng.OpenTurn(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return host.eng.Phase() == PhaseTurnOpen }, eventually, pollEvery)

	// No race or proposal is open yet, so a verdict has nothing to
	// resolve: no outcome reaches any observer and the phase holds.
	assert.ErrorIs(t, host.eng.Validate(ctx, VerdictCorrect), ErrStaleGuard)
	assert.ErrorIs(t, host.eng.Skip(ctx), ErrStaleGuard)
	require.Never(t, func() bool { return actor.rec.outcomeCount() > 0 }, 250*time.Millisecond, pollEvery)
	assert.Equal(t, PhaseTurnOpen, host.eng.Phase())
}
