// Package statestore defines the shared hierarchical key-value store the
// arbitration engine runs against: path-scoped push subscriptions, atomic
// read-modify-write transactions, and a server-authoritative clock.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrAborted is returned by a TxnFunc that declines to write. Transact
// passes it through without retrying; callers treat it as an expected
// contention loss, not a failure.
var ErrAborted = errors.New("statestore: transaction aborted")

// Event is one push from a subscription. Value is nil when the path was
// deleted. Delivery is at-least-once, last-value-wins per path.
type Event struct {
	Path  string
	Value []byte
}

// TxnFunc computes the next value for a path from its current value and the
// store's authoritative commit time. current is nil when the path does not
// exist. Returning a nil next value deletes the path. The function must be
// pure: the store may invoke it multiple times under contention.
type TxnFunc func(current []byte, serverNow time.Time) (next []byte, err error)

// Store is the contract the engine consumes. Any hierarchical KV store with
// push subscriptions and atomic compare-and-apply satisfies it.
type Store interface {
	// Get returns the current value at path, or nil if the path is unset.
	Get(ctx context.Context, path string) ([]byte, error)

	// Put unconditionally sets the value at path.
	Put(ctx context.Context, path string, value []byte) error

	// Delete removes the path. Deleting an absent path is not an error.
	Delete(ctx context.Context, path string) error

	// Transact atomically applies fn to the value at path. The applied
	// value is returned. If fn returns an error the transaction is not
	// applied and the error is returned as-is.
	Transact(ctx context.Context, path string, fn TxnFunc) ([]byte, error)

	// Subscribe returns a channel of events for every path under prefix.
	// The current values under the prefix are pushed first as an initial
	// snapshot. The channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context, prefix string) (<-chan Event, error)

	// ServerNow reports the store's authoritative clock.
	ServerNow(ctx context.Context) (time.Time, error)
}
