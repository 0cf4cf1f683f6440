package statestore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "subscription closed early")
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(events))
		}
	}
	return events
}

func TestMemoryStorePutGetDelete(t *testing.T) {
	s := NewMemoryStore(clockwork.NewFakeClock())
	ctx := context.Background()

	v, err := s.Get(ctx, "rooms/ABCD")
	require.NoError(t, err)
	assert.Nil(t, v, "missing path should read as nil")

	require.NoError(t, s.Put(ctx, "rooms/ABCD", []byte(`{"phase":"lobby"}`)))
	v, err = s.Get(ctx, "rooms/ABCD")
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"lobby"}`, string(v))

	require.NoError(t, s.Delete(ctx, "rooms/ABCD"))
	v, err = s.Get(ctx, "rooms/ABCD")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemoryStoreSubscribeSnapshotThenPush(t *testing.T) {
	s := NewMemoryStore(clockwork.NewFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Put(ctx, "rooms/ABCD/race/a", []byte(`1`)))
	require.NoError(t, s.Put(ctx, "rooms/ABCD/race/b", []byte(`2`)))
	require.NoError(t, s.Put(ctx, "rooms/OTHER/race/x", []byte(`9`)))

	ch, err := s.Subscribe(ctx, "rooms/ABCD/")
	require.NoError(t, err)

	snap := collectEvents(t, ch, 2)
	assert.Equal(t, "rooms/ABCD/race/a", snap[0].Path, "snapshot should arrive in path order")
	assert.Equal(t, "rooms/ABCD/race/b", snap[1].Path)

	require.NoError(t, s.Put(ctx, "rooms/ABCD/turn", []byte(`{"index":1}`)))
	require.NoError(t, s.Delete(ctx, "rooms/ABCD/race/a"))

	live := collectEvents(t, ch, 2)
	assert.Equal(t, "rooms/ABCD/turn", live[0].Path)
	assert.Equal(t, "rooms/ABCD/race/a", live[1].Path)
	assert.Nil(t, live[1].Value, "deletion pushes a nil value")
}

func TestMemoryStoreSubscribePrefixCoversExactPath(t *testing.T) {
	s := NewMemoryStore(clockwork.NewFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A subscriber on "rooms/ABCD" must see the record at that exact path
	// as well as everything beneath it; sessions watch their room's root
	// record this way.
	ch, err := s.Subscribe(ctx, "rooms/ABCD")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "rooms/ABCD", []byte(`{"phase":"lobby"}`)))
	require.NoError(t, s.Put(ctx, "rooms/ABCD/turn", []byte(`{"index":1}`)))

	live := collectEvents(t, ch, 2)
	assert.Equal(t, "rooms/ABCD", live[0].Path)
	assert.Equal(t, "rooms/ABCD/turn", live[1].Path)
}

func TestMemoryStoreSubscribeClosedOnCancel(t *testing.T) {
	s := NewMemoryStore(clockwork.NewFakeClock())
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.Subscribe(ctx, "rooms/")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after context cancellation")
	}
}

func TestMemoryStoreTransactAppliesServerTime(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	s := NewMemoryStore(clock)
	ctx := context.Background()

	applied, err := s.Transact(ctx, "rooms/ABCD/turn", func(cur []byte, now time.Time) ([]byte, error) {
		require.Nil(t, cur)
		return json.Marshal(map[string]int64{"revealedAt": now.UnixMilli()})
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"revealedAt":1700000000000}`, string(applied))
}

func TestMemoryStoreTransactAbort(t *testing.T) {
	s := NewMemoryStore(clockwork.NewFakeClock())
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte(`"held"`)))

	cur, err := s.Transact(ctx, "k", func(cur []byte, _ time.Time) ([]byte, error) {
		return nil, ErrAborted
	})
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, `"held"`, string(cur), "aborted transaction returns the unchanged value")

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `"held"`, string(v), "aborted transaction must not write")
}

func TestMemoryStoreTransactDeleteViaNil(t *testing.T) {
	s := NewMemoryStore(clockwork.NewFakeClock())
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte(`1`)))

	_, err := s.Transact(ctx, "k", func(cur []byte, _ time.Time) ([]byte, error) {
		return nil, nil
	})
	require.NoError(t, err)

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, v)
}
