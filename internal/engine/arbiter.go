package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/mkarlsen/parlor/internal/statestore"
)

// ErrLockHeld reports that another resolver claimed the turn lock first.
// Expected under contention; callers abort the batch without retrying.
var ErrLockHeld = errors.New("engine: turn lock already held")

// arbiter converts a closed race window into at most one lock holder.
type arbiter struct {
	store statestore.Store
	code  string
}

// resolveRace ranks the batch by adjusted time and claims the turn lock for
// the minimum via compare-and-swap. On success it writes the pause marker in
// the same transaction and clears the consumed race events. An empty batch
// no-ops; a lost CAS returns ErrLockHeld.
func (a *arbiter) resolveRace(ctx context.Context, batch []RaceEvent) (string, error) {
	if len(batch) == 0 {
		return "", nil
	}

	// Sub-millisecond adjusted-time ties break on actor id: arbitrary but
	// deterministic across controller instances.
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].AdjustedMs() != batch[j].AdjustedMs() {
			return batch[i].AdjustedMs() < batch[j].AdjustedMs()
		}
		return batch[i].ActorID < batch[j].ActorID
	})
	provisional := batch[0].ActorID

	// Fresh read before the claim: if a racing controller instance already
	// resolved this turn, abort without touching the record.
	cur, err := a.store.Get(ctx, turnPath(a.code))
	if err != nil {
		return "", err
	}
	if cur == nil {
		return "", ErrStaleGuard
	}
	var peek Turn
	if err := json.Unmarshal(cur, &peek); err != nil {
		return "", err
	}
	if peek.LockHolder != "" {
		return "", ErrLockHeld
	}

	_, err = a.store.Transact(ctx, turnPath(a.code), func(cur []byte, now time.Time) ([]byte, error) {
		if cur == nil {
			return nil, statestore.ErrAborted
		}
		var t Turn
		if err := json.Unmarshal(cur, &t); err != nil {
			return nil, err
		}
		if t.LockHolder != "" {
			// Lost the swap. Never overwrite.
			return nil, statestore.ErrAborted
		}
		t.LockHolder = provisional
		t.PausedAt = now.UnixMilli()
		return json.Marshal(t)
	})
	if errors.Is(err, statestore.ErrAborted) {
		return "", ErrLockHeld
	}
	if err != nil {
		return "", err
	}

	a.clearRace(ctx, batch)
	return provisional, nil
}

// clearRace deletes the consumed race events. Best effort: a leftover entry
// is also swept when the next turn opens.
func (a *arbiter) clearRace(ctx context.Context, batch []RaceEvent) {
	for _, ev := range batch {
		_ = a.store.Delete(ctx, racePath(a.code, ev.ActorID))
	}
}
