package engine

import (
	"errors"
	"math/rand"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/mkarlsen/parlor/internal/clocksync"
	"github.com/mkarlsen/parlor/internal/statestore"
)

// EngineContext carries everything one room session's engine needs. It is
// constructed once per session and torn down on room close; nothing in the
// engine reaches for package-level state.
type EngineContext struct {
	Store statestore.Store
	Clock clockwork.Clock
	Sync  *clocksync.Estimator
	Log   logrus.FieldLogger
	Rand  *rand.Rand

	RoomCode string

	// SelfID is this session's participant identity. The session acts as
	// controller only while the room record's controllerRef matches it.
	SelfID string
}

func (ec *EngineContext) validate() error {
	switch {
	case ec.Store == nil:
		return errors.New("engine: context requires a store")
	case ec.Clock == nil:
		return errors.New("engine: context requires a clock")
	case ec.Sync == nil:
		return errors.New("engine: context requires a clock-sync estimator")
	case ec.RoomCode == "":
		return errors.New("engine: context requires a room code")
	case ec.SelfID == "":
		return errors.New("engine: context requires a participant id")
	}
	if ec.Log == nil {
		ec.Log = logrus.StandardLogger()
	}
	if ec.Rand == nil {
		ec.Rand = rand.New(rand.NewSource(ec.Clock.Now().UnixNano()))
	}
	return nil
}
