package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mkarlsen/parlor/internal/statestore"
)

// Phase is the room's top-level state. Transitions form a DAG whose only
// cycle is the explicit repeat-turn edge resolved -> turnOpen, plus the
// abort edges back to lobby.
type Phase string

const (
	PhaseLobby    Phase = "lobby"
	PhaseSetup    Phase = "setup"
	PhaseTurnOpen Phase = "turnOpen"
	PhaseRacing   Phase = "racing"
	PhaseVoting   Phase = "voting"
	PhaseResolved Phase = "resolved"
	PhaseEnded    Phase = "ended"
)

// phaseEdges lists the legal forward transitions. Every phase except ended
// may additionally abort back to lobby; observers seeing lobby mid-round
// treat the round as aborted.
var phaseEdges = map[Phase][]Phase{
	PhaseLobby:    {PhaseSetup},
	PhaseSetup:    {PhaseTurnOpen, PhaseEnded},
	PhaseTurnOpen: {PhaseRacing, PhaseVoting, PhaseEnded},
	PhaseRacing:   {PhaseResolved, PhaseEnded},
	PhaseVoting:   {PhaseResolved, PhaseEnded},
	PhaseResolved: {PhaseTurnOpen, PhaseEnded},
	PhaseEnded:    {},
}

// CanTransitionTo reports whether p -> next is a legal edge.
func (p Phase) CanTransitionTo(next Phase) bool {
	if next == PhaseLobby {
		return p != PhaseEnded && p != PhaseLobby
	}
	for _, q := range phaseEdges[p] {
		if q == next {
			return true
		}
	}
	return false
}

// RoomRecord is the root room document in the store. Only the current
// controller writes it.
type RoomRecord struct {
	Phase         Phase  `json:"phase"`
	ControllerRef string `json:"controllerRef"`
	CreatedAt     int64  `json:"createdAt"`
	TurnIndex     int    `json:"turnIndex"`
}

// ErrStaleGuard reports that a transition handler fired after the room had
// already moved past the expected state. It is a no-op condition, never
// logged as an error.
var ErrStaleGuard = errors.New("engine: guard is stale, state already advanced")

// transitionPhase moves the room to next with an idempotent guarded write.
// The guard is re-read inside the transaction, so a handler firing twice
// (duplicate push delivery, overlapping controller instances) produces the
// same store end-state as firing once. It returns the applied record and
// whether this call performed the write.
func transitionPhase(ctx context.Context, store statestore.Store, code string, next Phase) (RoomRecord, bool, error) {
	var rec RoomRecord
	changed := false

	applied, err := store.Transact(ctx, roomPath(code), func(cur []byte, _ time.Time) ([]byte, error) {
		changed = false
		if cur == nil {
			return nil, fmt.Errorf("engine: room %s has no record", code)
		}
		if err := json.Unmarshal(cur, &rec); err != nil {
			return nil, fmt.Errorf("engine: decode room record: %w", err)
		}
		if rec.Phase == next {
			// Duplicate firing: already there, keep the record as-is.
			return cur, nil
		}
		if !rec.Phase.CanTransitionTo(next) {
			return nil, statestore.ErrAborted
		}
		rec.Phase = next
		changed = true
		return json.Marshal(rec)
	})
	if errors.Is(err, statestore.ErrAborted) {
		return rec, false, ErrStaleGuard
	}
	if err != nil {
		return RoomRecord{}, false, err
	}
	if err := json.Unmarshal(applied, &rec); err != nil {
		return RoomRecord{}, false, err
	}
	return rec, changed, nil
}
