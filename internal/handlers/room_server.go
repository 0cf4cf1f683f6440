// internal/handlers/room_server.go
package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/mkarlsen/parlor/internal/auth"
	"github.com/mkarlsen/parlor/internal/clocksync"
	"github.com/mkarlsen/parlor/internal/engine"
	"github.com/mkarlsen/parlor/internal/history"
	"github.com/mkarlsen/parlor/internal/room"
	"github.com/mkarlsen/parlor/internal/statestore"
)

// RoomServer holds the room registry, the shared state store, and one
// running engine per room. The server session itself is each room's
// controller in the store; which human may drive controller operations is a
// room-role question answered at the WS boundary.
type RoomServer struct {
	Rooms  *room.Store
	State  statestore.Store
	Clock  clockwork.Clock
	Logger *logrus.Logger

	mu      sync.Mutex
	engines map[string]*engineSession
}

type engineSession struct {
	eng    *engine.Engine
	cancel context.CancelFunc
}

// NewRoomServer wires an empty registry over the given shared state store.
func NewRoomServer(state statestore.Store, clock clockwork.Clock, logger *logrus.Logger) *RoomServer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RoomServer{
		Rooms:   room.NewStore(nil),
		State:   state,
		Clock:   clock,
		Logger:  logger,
		engines: make(map[string]*engineSession),
	}
}

// modeConfig maps a game mode onto the engine's timing and difficulty tier.
func modeConfig(mode room.Mode) engine.Config {
	switch mode {
	case room.ModeRuleHunt:
		return engine.Config{Difficulty: engine.DifficultyMedium, TurnDuration: 25 * time.Second}
	case room.ModeAlibi:
		return engine.Config{Difficulty: engine.DifficultyHard, TurnDuration: 20 * time.Second}
	default:
		return engine.Config{Difficulty: engine.DifficultyEasy, TurnDuration: 30 * time.Second}
	}
}

// CreateRoom allocates a code, registers the room, and starts its engine.
// A non-empty passcode makes the room private.
func (s *RoomServer) CreateRoom(ctx context.Context, hostID uuid.UUID, mode room.Mode, passcode string) (*room.Room, error) {
	code, err := s.Rooms.NewCode()
	if err != nil {
		return nil, err
	}

	r := room.NewRoom(code, hostID, mode, s.Clock)
	if passcode != "" {
		hash, err := auth.HashPasscode(passcode, nil)
		if err != nil {
			return nil, fmt.Errorf("hash passcode: %w", err)
		}
		r.PasscodeHash = hash
	}
	r.OnEmpty = func(code string) {
		s.TeardownRoom(code)
	}

	if err := s.startEngine(ctx, r); err != nil {
		return nil, err
	}
	s.Rooms.Add(r)
	s.Logger.WithFields(logrus.Fields{"room": code, "mode": mode, "host": hostID}).Info("room created")
	return r, nil
}

// startEngine boots the room's engine session: clock sync against the
// store, init of the root record, and the subscription loop.
func (s *RoomServer) startEngine(ctx context.Context, r *room.Room) error {
	est := clocksync.New(s.State, s.Clock)
	if err := est.Sync(ctx, clocksync.DefaultProbes); err != nil {
		return fmt.Errorf("clock sync for room %s: %w", r.Code, err)
	}

	eng, err := engine.New(engine.EngineContext{
		Store:    s.State,
		Clock:    s.Clock,
		Sync:     est,
		Log:      s.Logger,
		RoomCode: r.Code,
		SelfID:   "server:" + r.Code,
	}, modeConfig(r.Mode), s.engineCallbacks(r))
	if err != nil {
		return err
	}
	if err := eng.InitRoom(ctx); err != nil {
		return fmt.Errorf("init room %s: %w", r.Code, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.engines[r.Code] = &engineSession{eng: eng, cancel: cancel}
	s.mu.Unlock()

	go func() {
		if err := eng.Run(runCtx); err != nil {
			s.Logger.Warnf("engine for room %s exited: %v", r.Code, err)
		}
	}()
	return nil
}

// engineCallbacks fan engine events out to the room's connections, credit
// scores, and feed the historian queue.
func (s *RoomServer) engineCallbacks(r *room.Room) engine.Callbacks {
	return engine.Callbacks{
		OnPhaseChange: func(p engine.Phase) {
			r.BroadcastAll(map[string]interface{}{
				"type":  "phase_update",
				"phase": string(p),
			})
		},
		OnLockChange: func(holder string) {
			r.BroadcastAll(map[string]interface{}{
				"type":   "lock_update",
				"holder": holder,
			})
		},
		OnTimerTick: func(remaining time.Duration, points int) {
			r.BroadcastAll(map[string]interface{}{
				"type":              "timer_tick",
				"seconds_remaining": int(remaining / time.Second),
				"points_available":  points,
			})
		},
		OnResolution: func(out engine.Outcome) {
			msg := map[string]interface{}{
				"type":    "turn_outcome",
				"turn":    out.TurnIndex,
				"verdict": string(out.Verdict),
			}
			if out.Winner != "" {
				msg["winner"] = out.Winner
			}
			if out.Points > 0 {
				msg["points"] = out.Points
			}
			if out.Quiz != nil {
				msg["quiz"] = out.Quiz
			}
			if out.Rule != nil {
				msg["rule"] = out.Rule
			}
			if out.Alibi != nil {
				msg["alibi"] = out.Alibi
			}
			r.BroadcastAll(msg)

			if out.Verdict == engine.VerdictCorrect && out.Points > 0 && out.Winner != "" {
				if winnerID, err := uuid.Parse(out.Winner); err == nil {
					r.AddScore(winnerID, out.Points)
				}
			}
		},
		OnAction: func(index int, actionType, actorID string, payload map[string]interface{}) {
			if history.Rdb == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err := history.PublishRoomAction(ctx, history.RoomActionRecord{
				RoomCode:      r.Code,
				ActionIndex:   index,
				ActorID:       actorID,
				ActionType:    actionType,
				ActionPayload: payload,
				Timestamp:     s.Clock.Now().UnixMilli(),
			})
			if err != nil {
				s.Logger.Warnf("publish action for room %s: %v", r.Code, err)
			}
		},
	}
}

// Engine returns the running engine for a room code.
func (s *RoomServer) Engine(code string) (*engine.Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.engines[code]
	if !ok {
		return nil, false
	}
	return sess.eng, true
}

// TeardownRoom stops the room's engine and removes it from the registry.
func (s *RoomServer) TeardownRoom(code string) {
	s.mu.Lock()
	sess, ok := s.engines[code]
	delete(s.engines, code)
	s.mu.Unlock()
	if ok {
		sess.cancel()
	}
	s.Rooms.Delete(code)
	s.Logger.WithField("room", code).Info("room torn down")
}
