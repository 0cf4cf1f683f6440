package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/mkarlsen/parlor/internal/statestore"
)

// DefaultTiebreakDelay is the dramatic pause before a tied vote is settled
// at random.
const DefaultTiebreakDelay = 3 * time.Second

// ErrTallyConsumed reports that this proposal already produced an outcome.
// Late duplicate vote observations hit this and no-op.
var ErrTallyConsumed = errors.New("engine: proposal tally already consumed")

// tally counts eligible votes per option and returns either the unique
// maximum or the tied set. Votes from voters outside the eligible set, or
// for options outside the proposal, are ignored rather than rejected.
func tally(p Proposal, votes map[string]string) (winner string, tied []string) {
	eligible := make(map[string]bool, len(p.EligibleVoters))
	for _, v := range p.EligibleVoters {
		eligible[v] = true
	}
	valid := make(map[string]bool, len(p.Options))
	for _, o := range p.Options {
		valid[o] = true
	}

	counts := make(map[string]int)
	for voter, choice := range votes {
		if !eligible[voter] || !valid[choice] {
			continue
		}
		counts[choice]++
	}

	max := 0
	for _, n := range counts {
		if n > max {
			max = n
		}
	}
	if max == 0 {
		return "", nil
	}
	// Iterate options, not the counts map, for deterministic order.
	for _, o := range p.Options {
		if counts[o] == max {
			tied = append(tied, o)
		}
	}
	if len(tied) == 1 {
		return tied[0], nil
	}
	return "", tied
}

// voteComplete reports whether every eligible voter has a valid entry in.
// An entry for an option the proposal does not offer counts as not yet
// voted: the tally discards it, so treating it as "in" would let a binary
// proposal resolve on fewer than a majority of the eligible set.
func voteComplete(p Proposal, votes map[string]string) bool {
	if len(p.EligibleVoters) == 0 {
		// Zero eligible voters never tally; the caller must fall back
		// (auto-advance) instead.
		return false
	}
	valid := make(map[string]bool, len(p.Options))
	for _, o := range p.Options {
		valid[o] = true
	}
	for _, voter := range p.EligibleVoters {
		choice, ok := votes[voter]
		if !ok || !valid[choice] {
			return false
		}
	}
	return true
}

// consumeTally marks the proposal resolved with the given outcome, exactly
// once. The Resolved flag is checked inside the transaction so two racing
// controller instances cannot both claim the tally.
func consumeTally(ctx context.Context, store statestore.Store, code, outcome string, tiedSet []string) (Proposal, error) {
	var p Proposal
	applied, err := store.Transact(ctx, proposalPath(code), func(cur []byte, _ time.Time) ([]byte, error) {
		if cur == nil {
			return nil, statestore.ErrAborted
		}
		if err := json.Unmarshal(cur, &p); err != nil {
			return nil, err
		}
		if p.Resolved {
			return nil, statestore.ErrAborted
		}
		p.Resolved = true
		p.Outcome = outcome
		p.Tied = tiedSet
		return json.Marshal(p)
	})
	if errors.Is(err, statestore.ErrAborted) {
		return Proposal{}, ErrTallyConsumed
	}
	if err != nil {
		return Proposal{}, err
	}
	if err := json.Unmarshal(applied, &p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// markTied records the tied set on the proposal without consuming it, so
// observers can present the tiebreak sub-phase. Guarded the same way.
func markTied(ctx context.Context, store statestore.Store, code string, tiedSet []string) error {
	_, err := store.Transact(ctx, proposalPath(code), func(cur []byte, _ time.Time) ([]byte, error) {
		if cur == nil {
			return nil, statestore.ErrAborted
		}
		var p Proposal
		if err := json.Unmarshal(cur, &p); err != nil {
			return nil, err
		}
		if p.Resolved || len(p.Tied) > 0 {
			return nil, statestore.ErrAborted
		}
		p.Tied = tiedSet
		return json.Marshal(p)
	})
	if errors.Is(err, statestore.ErrAborted) {
		return ErrTallyConsumed
	}
	return err
}

// pickTiebreak selects uniformly at random among the tied candidates.
func pickTiebreak(rng *rand.Rand, tiedSet []string) string {
	return tiedSet[rng.Intn(len(tiedSet))]
}
