package clocksync

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/parlor/internal/statestore"
)

// laggyStore wraps a store and burns wall time on both clocks around every
// transaction, simulating symmetric network latency around the commit.
type laggyStore struct {
	statestore.Store
	local  *clockwork.FakeClock
	server *clockwork.FakeClock
	oneWay time.Duration
}

func (l *laggyStore) Transact(ctx context.Context, path string, fn statestore.TxnFunc) ([]byte, error) {
	l.local.Advance(l.oneWay)
	l.server.Advance(l.oneWay)
	v, err := l.Store.Transact(ctx, path, fn)
	l.local.Advance(l.oneWay)
	l.server.Advance(l.oneWay)
	return v, err
}

func TestSyncRecoversSkew(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	serverClock := clockwork.NewFakeClockAt(base)
	// Local clock runs 2.5s ahead of the store.
	localClock := clockwork.NewFakeClockAt(base.Add(2500 * time.Millisecond))

	store := &laggyStore{
		Store:  statestore.NewMemoryStore(serverClock),
		local:  localClock,
		server: serverClock,
		oneWay: 40 * time.Millisecond,
	}

	est := New(store, localClock)
	require.False(t, est.Synced())
	require.NoError(t, est.Sync(context.Background(), 3))
	require.True(t, est.Synced())

	// Symmetric latency cancels out exactly; the midpoint correction leaves
	// only the genuine skew.
	assert.Equal(t, 2500*time.Millisecond, est.Offset())
	assert.Equal(t, serverClock.Now(), est.ServerNow())
}

func TestSyncZeroSkewZeroLatency(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := statestore.NewMemoryStore(clock)

	est := New(store, clock)
	require.NoError(t, est.Sync(context.Background(), 0))
	assert.Equal(t, time.Duration(0), est.Offset())
}

func TestServerNowTracksLocalClock(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	serverClock := clockwork.NewFakeClockAt(base)
	localClock := clockwork.NewFakeClockAt(base.Add(-time.Second))
	store := statestore.NewMemoryStore(serverClock)

	est := New(store, localClock)
	require.NoError(t, est.Sync(context.Background(), 1))
	require.Equal(t, -time.Second, est.Offset())

	// Advancing only the local clock still projects the server clock
	// forward by the same amount.
	localClock.Advance(10 * time.Second)
	assert.Equal(t, base.Add(10*time.Second), est.ServerNow())
}
