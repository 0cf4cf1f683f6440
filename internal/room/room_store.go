package room

import (
	"errors"
	"log"
	"math/rand"
	"sync"
)

// codeAlphabet avoids lookalike characters so a code read off someone's
// screen types correctly.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// CodeLength is the join-code length.
const CodeLength = 4

// ErrNoFreeCode is returned when code generation keeps colliding, which in
// practice means the store is near alphabet capacity.
var ErrNoFreeCode = errors.New("room: could not allocate a free join code")

// Store is the in-memory registry of active rooms keyed by join code.
type Store struct {
	mu    sync.Mutex
	rooms map[string]*Room
	rng   *rand.Rand
}

// NewStore initializes an empty room registry. rng may be nil for a
// time-seeded source; tests inject a fixed seed.
func NewStore(rng *rand.Rand) *Store {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Store{
		rooms: make(map[string]*Room),
		rng:   rng,
	}
}

// NewCode allocates a join code not currently in use.
func (s *Store) NewCode() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, CodeLength)
	for attempt := 0; attempt < 64; attempt++ {
		for i := range buf {
			buf[i] = codeAlphabet[s.rng.Intn(len(codeAlphabet))]
		}
		code := string(buf)
		if _, taken := s.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", ErrNoFreeCode
}

// Add registers a room under its code.
func (s *Store) Add(r *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[r.Code]; exists {
		log.Printf("room store: room %s already exists, not overwriting", r.Code)
		return
	}
	s.rooms[r.Code] = r
	log.Printf("room store: added room %s", r.Code)
}

// Delete removes a room by code, typically via the room's OnEmpty callback.
func (s *Store) Delete(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[code]; exists {
		delete(s.rooms, code)
		log.Printf("room store: deleted room %s", code)
	}
}

// Get retrieves a room by code.
func (s *Store) Get(code string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[code]
	return r, ok
}

// List returns a snapshot of all active rooms. The copy keeps callers from
// iterating the live map while another goroutine mutates the store.
func (s *Store) List() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}
