package engine

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/parlor/internal/statestore"
)

func testProposal() Proposal {
	return Proposal{
		ID:             "prop-1",
		Kind:           "rule",
		Statement:      "no saying player names",
		Options:        []string{"alice", "bob", "cara"},
		EligibleVoters: []string{"v1", "v2", "v3"},
	}
}

func TestTallyUniqueWinner(t *testing.T) {
	p := testProposal()
	winner, tied := tally(p, map[string]string{
		"v1": "bob",
		"v2": "bob",
		"v3": "alice",
	})
	assert.Equal(t, "bob", winner)
	assert.Nil(t, tied)
}

func TestTallyTieReturnsOptionOrder(t *testing.T) {
	p := testProposal()
	winner, tied := tally(p, map[string]string{
		"v1": "cara",
		"v2": "alice",
	})
	assert.Empty(t, winner)
	// Tied set follows proposal option order, not map iteration order.
	assert.Equal(t, []string{"alice", "cara"}, tied)
}

func TestTallyIgnoresIneligibleAndInvalid(t *testing.T) {
	p := testProposal()
	winner, tied := tally(p, map[string]string{
		"v1":       "alice",
		"stranger": "bob", // not in the eligible set
		"v2":       "dio", // not an option
	})
	assert.Equal(t, "alice", winner)
	assert.Nil(t, tied)
}

func TestTallyNoValidVotes(t *testing.T) {
	p := testProposal()
	winner, tied := tally(p, map[string]string{"stranger": "bob"})
	assert.Empty(t, winner)
	assert.Nil(t, tied)
}

func TestVoteComplete(t *testing.T) {
	p := testProposal()
	assert.False(t, voteComplete(p, map[string]string{"v1": "alice", "v2": "bob"}))
	assert.True(t, voteComplete(p, map[string]string{
		"v1": "alice", "v2": "bob", "v3": "cara",
	}))
}

func TestVoteCompleteIgnoresInvalidChoices(t *testing.T) {
	p := testProposal()
	// The tally discards out-of-options choices, so completeness must not
	// count them either; otherwise a binary proposal could resolve on
	// fewer than a majority of the eligible set.
	votes := map[string]string{"v1": "alice", "v2": "bob", "v3": "zelda"}
	assert.False(t, voteComplete(p, votes))

	votes["v3"] = "cara"
	assert.True(t, voteComplete(p, votes))
}

func TestVoteCompleteZeroEligibleVoters(t *testing.T) {
	p := testProposal()
	p.EligibleVoters = nil
	// An empty electorate never completes; the engine auto-advances instead
	// of waiting forever.
	assert.False(t, voteComplete(p, map[string]string{"v1": "alice"}))
}

func putProposal(t *testing.T, store statestore.Store, code string, p Proposal) {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), proposalPath(code), raw))
}

func readProposal(t *testing.T, store statestore.Store, code string) Proposal {
	t.Helper()
	raw, err := store.Get(context.Background(), proposalPath(code))
	require.NoError(t, err)
	require.NotNil(t, raw)
	var p Proposal
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func TestConsumeTallyOnce(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore(clockwork.NewFakeClock())
	putProposal(t, store, "QXZR", testProposal())

	p, err := consumeTally(ctx, store, "QXZR", "bob", nil)
	require.NoError(t, err)
	assert.True(t, p.Resolved)
	assert.Equal(t, "bob", p.Outcome)

	// A second consumer observing the same completed vote must lose the CAS.
	_, err = consumeTally(ctx, store, "QXZR", "alice", nil)
	assert.ErrorIs(t, err, ErrTallyConsumed)

	stored := readProposal(t, store, "QXZR")
	assert.Equal(t, "bob", stored.Outcome, "first consumer's outcome sticks")
}

func TestConsumeTallyMissingProposal(t *testing.T) {
	store := statestore.NewMemoryStore(clockwork.NewFakeClock())
	_, err := consumeTally(context.Background(), store, "QXZR", "bob", nil)
	assert.ErrorIs(t, err, ErrTallyConsumed)
}

func TestMarkTiedGuards(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore(clockwork.NewFakeClock())
	putProposal(t, store, "QXZR", testProposal())

	require.NoError(t, markTied(ctx, store, "QXZR", []string{"alice", "cara"}))
	stored := readProposal(t, store, "QXZR")
	assert.Equal(t, []string{"alice", "cara"}, stored.Tied)
	assert.False(t, stored.Resolved)

	// Already marked: the second marker no-ops.
	assert.ErrorIs(t, markTied(ctx, store, "QXZR", []string{"alice"}), ErrTallyConsumed)

	// Tiebreak consumption still goes through and records the survivor.
	p, err := consumeTally(ctx, store, "QXZR", "cara", []string{"alice", "cara"})
	require.NoError(t, err)
	assert.Equal(t, "cara", p.Outcome)

	// Resolved proposals reject a late tie marking.
	assert.ErrorIs(t, markTied(ctx, store, "QXZR", []string{"bob"}), ErrTallyConsumed)
}

func TestPickTiebreakCoversCandidates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tiedSet := []string{"alice", "cara"}
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		pick := pickTiebreak(rng, tiedSet)
		assert.Contains(t, tiedSet, pick)
		seen[pick] = true
	}
	assert.Len(t, seen, 2, "both candidates reachable")
}
