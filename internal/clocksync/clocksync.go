// Package clocksync estimates the offset between a process-local clock and
// the shared store's authoritative clock. Every timestamp the engine
// compares across participants is first normalized through this estimate.
package clocksync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mkarlsen/parlor/internal/statestore"
)

// DefaultProbes is how many round trips Sync performs. The sample with the
// smallest round trip carries the least queueing noise and wins.
const DefaultProbes = 5

// probeRecord is what a probe writes into the store. Only the server stamp
// matters; the nonce keeps concurrent estimators off each other's paths.
type probeRecord struct {
	Nonce    string `json:"nonce"`
	ServerMs int64  `json:"serverMs"`
}

// Estimator measures and caches the local-minus-server clock offset.
type Estimator struct {
	store statestore.Store
	clock clockwork.Clock

	mu     sync.Mutex
	offset time.Duration
	rtt    time.Duration
	synced bool
}

// New builds an estimator. clock is the process-local clock being measured.
func New(store statestore.Store, clock clockwork.Clock) *Estimator {
	return &Estimator{store: store, clock: clock}
}

// Sync runs probes round trips against the store and records the offset from
// the lowest-latency sample. It may be called again later to re-estimate;
// drift within a room's lifetime is small enough that once at join is the
// normal pattern.
func (e *Estimator) Sync(ctx context.Context, probes int) error {
	if probes <= 0 {
		probes = DefaultProbes
	}
	path := "clock/probes/" + uuid.NewString()
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.store.Delete(cleanupCtx, path)
	}()

	bestRTT := time.Duration(-1)
	var bestOffset time.Duration

	for i := 0; i < probes; i++ {
		sent := e.clock.Now()
		var serverStamp time.Time
		_, err := e.store.Transact(ctx, path, func(_ []byte, now time.Time) ([]byte, error) {
			serverStamp = now
			return json.Marshal(probeRecord{Nonce: path, ServerMs: now.UnixMilli()})
		})
		if err != nil {
			return fmt.Errorf("clocksync: probe %d: %w", i, err)
		}
		received := e.clock.Now()

		rtt := received.Sub(sent)
		// The server stamped the record roughly halfway through the round
		// trip; compare it against the local midpoint.
		midpoint := sent.Add(rtt / 2)
		if bestRTT < 0 || rtt < bestRTT {
			bestRTT = rtt
			bestOffset = midpoint.Sub(serverStamp)
		}
	}

	e.mu.Lock()
	e.offset = bestOffset
	e.rtt = bestRTT
	e.synced = true
	e.mu.Unlock()
	return nil
}

// Offset reports the estimated local-minus-server offset. Zero until the
// first successful Sync.
func (e *Estimator) Offset() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// Synced reports whether at least one Sync has completed.
func (e *Estimator) Synced() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced
}

// ServerNow projects the store's clock from the local clock and the cached
// offset, with no network round trip.
func (e *Estimator) ServerNow() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock.Now().Add(-e.offset)
}
