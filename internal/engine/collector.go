package engine

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultRaceWindow is how long the collector waits after the first race
// event before resolving. Network jitter means the first write observed is
// not reliably the first action taken; a short collection window plus
// event-carried local timestamps approximates real-world ordering instead
// of a store-ordering artifact.
const DefaultRaceWindow = 150 * time.Millisecond

// raceCollector buffers competing race events arriving within the window
// and hands the batch to resolve exactly once per window. Events landing
// while a resolution is in flight are kept for a possible fresh window.
type raceCollector struct {
	clock   clockwork.Clock
	window  time.Duration
	resolve func(batch []RaceEvent)

	mu         sync.Mutex
	cache      map[string]RaceEvent
	windowOpen bool
	resolving  bool
	timer      clockwork.Timer
}

func newRaceCollector(clock clockwork.Clock, window time.Duration, resolve func([]RaceEvent)) *raceCollector {
	if window <= 0 {
		window = DefaultRaceWindow
	}
	return &raceCollector{
		clock:   clock,
		window:  window,
		resolve: resolve,
		cache:   make(map[string]RaceEvent),
	}
}

// add records one actor's event. Last write per actor wins, so a duplicate
// buzz never produces two entries. The first event while no window is open
// and no resolution is in flight opens the window.
func (c *raceCollector) add(ev RaceEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[ev.ActorID] = ev
	if c.windowOpen || c.resolving {
		return
	}
	c.windowOpen = true
	c.timer = c.clock.AfterFunc(c.window, c.fire)
}

// fire closes the window and runs the resolver on the batch. The resolving
// flag blocks a re-entrant second resolution until done is called.
func (c *raceCollector) fire() {
	c.mu.Lock()
	if !c.windowOpen {
		// Cancelled while the timer was in flight.
		c.mu.Unlock()
		return
	}
	c.windowOpen = false
	c.resolving = true
	batch := make([]RaceEvent, 0, len(c.cache))
	for _, ev := range c.cache {
		batch = append(batch, ev)
	}
	c.cache = make(map[string]RaceEvent)
	c.mu.Unlock()

	c.resolve(batch)
	c.done()
}

// done clears the resolving guard. Events that arrived mid-resolution get a
// fresh window of their own.
func (c *raceCollector) done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolving = false
	if len(c.cache) > 0 && !c.windowOpen {
		c.windowOpen = true
		c.timer = c.clock.AfterFunc(c.window, c.fire)
	}
}

// cancel drops the pending window, the cache, and the guards. An in-flight
// timer that fires afterwards sees windowOpen false and no-ops.
func (c *raceCollector) cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.windowOpen = false
	c.resolving = false
	c.cache = make(map[string]RaceEvent)
}
