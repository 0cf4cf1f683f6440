package statestore

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// subscriberBuffer is the per-subscriber channel capacity. Pushes beyond a
// full buffer are dropped; the store contract is last-value-wins, so a
// dropped intermediate value is recovered by the next push for that path.
const subscriberBuffer = 256

// MemoryStore is an in-process Store used by tests and single-process
// deployments. Its clock is the authoritative "server" clock, which makes
// skew scenarios reproducible with a fake clockwork clock.
type MemoryStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	data    map[string][]byte
	subs    map[int]*memSub
	nextSub int
}

type memSub struct {
	prefix string
	ch     chan Event
	closed bool
}

// NewMemoryStore builds an empty store whose authoritative clock is clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock: clock,
		data:  make(map[string][]byte),
		subs:  make(map[int]*memSub),
	}
}

func (s *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[path]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *MemoryStore) Put(ctx context.Context, path string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setUnsafe(path, value)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setUnsafe(path, nil)
	return nil
}

func (s *MemoryStore) Transact(ctx context.Context, path string, fn TxnFunc) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur []byte
	if v, ok := s.data[path]; ok {
		cur = make([]byte, len(v))
		copy(cur, v)
	}
	next, err := fn(cur, s.clock.Now())
	if err != nil {
		return cur, err
	}
	s.setUnsafe(path, next)
	return next, nil
}

// Subscribe registers a prefix watcher. Existing values under the prefix are
// queued as an initial snapshot in path order before any live pushes.
func (s *MemoryStore) Subscribe(ctx context.Context, prefix string) (<-chan Event, error) {
	s.mu.Lock()
	sub := &memSub{prefix: prefix, ch: make(chan Event, subscriberBuffer)}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub

	snapshot := make([]string, 0)
	for p := range s.data {
		if strings.HasPrefix(p, prefix) {
			snapshot = append(snapshot, p)
		}
	}
	sort.Strings(snapshot)
	for _, p := range snapshot {
		sub.push(Event{Path: p, Value: append([]byte(nil), s.data[p]...)})
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.subs[id]; ok {
			delete(s.subs, id)
			cur.closed = true
			close(cur.ch)
		}
	}()

	return sub.ch, nil
}

func (s *MemoryStore) ServerNow(ctx context.Context) (time.Time, error) {
	return s.clock.Now(), nil
}

// setUnsafe applies a write and fans it out to matching subscribers.
// Assumes lock is held. value == nil deletes the path.
func (s *MemoryStore) setUnsafe(path string, value []byte) {
	if value == nil {
		delete(s.data, path)
	} else {
		cp := make([]byte, len(value))
		copy(cp, value)
		s.data[path] = cp
	}
	for _, sub := range s.subs {
		if strings.HasPrefix(path, sub.prefix) {
			var cp []byte
			if value != nil {
				cp = append([]byte(nil), value...)
			}
			sub.push(Event{Path: path, Value: cp})
		}
	}
}

// push is non-blocking. A full subscriber loses the event rather than
// stalling every other writer.
func (m *memSub) push(ev Event) {
	if m.closed {
		return
	}
	select {
	case m.ch <- ev:
	default:
		log.Printf("statestore: subscriber for prefix %q full, dropped push for %q", m.prefix, ev.Path)
	}
}
