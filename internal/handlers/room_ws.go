// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/mkarlsen/parlor/internal/auth"
	"github.com/mkarlsen/parlor/internal/engine"
	"github.com/mkarlsen/parlor/internal/middleware"
	"github.com/mkarlsen/parlor/internal/room"
)

// Subprotocol is the only websocket subprotocol the room endpoint speaks.
const Subprotocol = "parlor"

// RoomWSHandler upgrades /room/ws/{code} to a websocket, attaches the guest
// to the room, and routes their messages until disconnect.
func (s *RoomServer) RoomWSHandler(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/room/ws/"))
	if code == "" || strings.Contains(code, "/") {
		http.Error(w, "invalid room code", http.StatusBadRequest)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.Logger.Warnf("websocket accept failed: %v", err)
		return
	}
	if c.Subprotocol() != Subprotocol {
		c.Close(websocket.StatusCode(BadSubprotocolError), "client must speak the parlor subprotocol")
		return
	}

	// WS connects never mint identities; the HTTP endpoints do that. A
	// missing or stale token gets its own close code so the client knows
	// to re-establish a session rather than retry the socket.
	guestID, guestName, err := GuestFromRequest(r)
	if err != nil {
		c.Close(websocket.StatusCode(InvalidAuthTokenError), "invalid session token")
		return
	}

	rm, ok := s.Rooms.Get(code)
	if !ok {
		c.Close(websocket.StatusCode(InvalidRoomCodeError), "room not found")
		return
	}

	if rm.PasscodeHash != "" {
		okPass, err := verifyRoomPasscode(rm, r.URL.Query().Get("passcode"))
		if err != nil || !okPass {
			c.Close(websocket.StatusCode(InvalidPasscodeError), "wrong passcode")
			return
		}
	}

	eng, ok := s.Engine(code)
	if !ok {
		c.Close(websocket.StatusCode(InvalidRoomCodeError), "room is shutting down")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn := &room.RoomConnection{
		UserID:  guestID,
		Name:    guestName,
		Cancel:  cancel,
		OutChan: make(chan map[string]interface{}, 64),
		IsHost:  guestID == rm.HostID,
	}

	if err := rm.AddConnection(guestID, conn); err != nil {
		c.Close(websocket.StatusInternalError, "could not join room")
		return
	}

	middleware.LogRoomConnect(s.Logger, r.RemoteAddr, code, guestID.String())

	go s.writePump(ctx, c, conn)
	s.readPump(ctx, c, rm, eng, conn)

	rm.RemoveUser(guestID)
	cancel()
	middleware.LogRoomDisconnect(s.Logger, r.RemoteAddr, code, guestID.String(), nil)
	c.Close(websocket.StatusNormalClosure, "bye")
}

// writePump drains the connection's out channel onto the socket and keeps
// the connection alive with periodic pings.
func (s *RoomServer) writePump(ctx context.Context, c *websocket.Conn, conn *room.RoomConnection) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-conn.OutChan:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, c, msg)
			cancel()
			if err != nil {
				conn.Cancel()
				return
			}
		case <-pingTicker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Cancel()
				return
			}
		}
	}
}

// readPump reads client messages until the socket dies, dispatching each one
// by its "type" field.
func (s *RoomServer) readPump(ctx context.Context, c *websocket.Conn, rm *room.Room, eng *engine.Engine, conn *room.RoomConnection) {
	for {
		var msg map[string]interface{}
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			return
		}
		s.routeMessage(ctx, rm, eng, conn, msg)
	}
}

func (s *RoomServer) routeMessage(ctx context.Context, rm *room.Room, eng *engine.Engine, conn *room.RoomConnection, msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)

	switch msgType {
	case "ready":
		rm.Mu.Lock()
		allReady := rm.MarkUserReadyUnsafe(conn.UserID)
		rm.Mu.Unlock()
		if allReady {
			s.beginStartCountdown(rm, eng)
		}

	case "unready":
		rm.Mu.Lock()
		rm.MarkUserUnreadyUnsafe(conn.UserID)
		rm.Mu.Unlock()

	case "chat":
		text, _ := msg["msg"].(string)
		if text == "" {
			return
		}
		rm.Mu.Lock()
		rm.BroadcastChatUnsafe(conn, text)
		rm.Mu.Unlock()

	case "leave":
		conn.Cancel()

	case "clock_probe":
		// Echo with the store's notion of now so the client can estimate
		// its offset the same way the server sessions do.
		clientMs, _ := msg["client_ms"].(float64)
		serverNow, err := s.State.ServerNow(ctx)
		if err != nil {
			conn.WriteError("clock probe failed")
			return
		}
		conn.Write(map[string]interface{}{
			"type":      "clock_probe_result",
			"client_ms": clientMs,
			"server_ms": serverNow.UnixMilli(),
		})

	case "buzz":
		if role := rm.RoleOf(conn.UserID); role != room.RoleActor && role != room.RoleController {
			conn.WriteError("spectators cannot buzz")
			return
		}
		clientMs, ok := msg["client_ms"].(float64)
		if !ok {
			conn.WriteError("buzz needs client_ms")
			return
		}
		offsetMs, _ := msg["offset_ms"].(float64)
		err := eng.EmitAction(ctx, conn.UserID.String(),
			time.UnixMilli(int64(clientMs)), time.Duration(offsetMs)*time.Millisecond)
		if err != nil {
			conn.WriteError(err.Error())
		}

	case "vote":
		choice, _ := msg["choice"].(string)
		if choice == "" {
			conn.WriteError("vote needs a choice")
			return
		}
		if err := eng.CastVote(ctx, conn.UserID.String(), choice); err != nil {
			conn.WriteError(err.Error())
		}

	case "start_room":
		s.controllerOp(rm, eng, conn, func() error { return eng.StartRoom(ctx) })

	case "open_turn":
		s.controllerOp(rm, eng, conn, func() error {
			eng.SetTurnDetail(turnDetailFrom(rm.Mode, msg))
			_, err := eng.OpenTurn(ctx)
			return err
		})

	case "open_race":
		s.controllerOp(rm, eng, conn, func() error { return eng.OpenRace(ctx) })

	case "open_proposal":
		s.controllerOp(rm, eng, conn, func() error {
			p, err := proposalFrom(rm, msg)
			if err != nil {
				return err
			}
			return eng.OpenProposal(ctx, p)
		})

	case "pause":
		s.controllerOp(rm, eng, conn, func() error { return eng.Pause(ctx) })

	case "resume":
		s.controllerOp(rm, eng, conn, func() error { return eng.Resume(ctx) })

	case "validate":
		verdict, _ := msg["verdict"].(string)
		s.controllerOp(rm, eng, conn, func() error {
			return eng.Validate(ctx, engine.Verdict(verdict))
		})

	case "skip":
		s.controllerOp(rm, eng, conn, func() error { return eng.Skip(ctx) })

	case "end_room":
		s.controllerOp(rm, eng, conn, func() error { return eng.EndRoom(ctx) })

	case "abort":
		s.controllerOp(rm, eng, conn, func() error { return eng.AbortToLobby(ctx) })

	default:
		conn.WriteError("unknown message type: " + msgType)
	}
}

// controllerOp runs an engine operation only for the room's controller.
func (s *RoomServer) controllerOp(rm *room.Room, eng *engine.Engine, conn *room.RoomConnection, op func() error) {
	if rm.RoleOf(conn.UserID) != room.RoleController {
		conn.WriteError("only the controller can do that")
		return
	}
	if err := op(); err != nil {
		conn.WriteError(err.Error())
	}
}

// beginStartCountdown arms the lobby countdown; when it fires the engine
// leaves the lobby and every ready check is consumed.
func (s *RoomServer) beginStartCountdown(rm *room.Room, eng *engine.Engine) {
	rm.StartCountdown(5, func(r *room.Room) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.StartRoom(ctx); err != nil {
			s.Logger.Warnf("countdown start for room %s: %v", r.Code, err)
		}
	})
}

// turnDetailFrom builds the mode payload the resolution will carry, from the
// controller's open_turn message.
func turnDetailFrom(mode room.Mode, msg map[string]interface{}) engine.OutcomeDetail {
	switch mode {
	case room.ModeQuiz:
		question, _ := msg["question"].(string)
		answer, _ := msg["answer"].(string)
		if question == "" && answer == "" {
			return engine.OutcomeDetail{}
		}
		return engine.OutcomeDetail{Quiz: &engine.QuizOutcome{Question: question, Answer: answer}}
	case room.ModeAlibi:
		suspect, _ := msg["suspect_id"].(string)
		question, _ := msg["question"].(string)
		if suspect == "" && question == "" {
			return engine.OutcomeDetail{}
		}
		return engine.OutcomeDetail{Alibi: &engine.AlibiOutcome{SuspectID: suspect, Question: question}}
	default:
		return engine.OutcomeDetail{}
	}
}

// proposalFrom builds a vote proposal from the controller's message. The
// room's actors are the eligible voters.
func proposalFrom(rm *room.Room, msg map[string]interface{}) (engine.Proposal, error) {
	statement, _ := msg["statement"].(string)

	var options []string
	if raw, ok := msg["options"].([]interface{}); ok {
		for _, o := range raw {
			if s, ok := o.(string); ok && s != "" {
				options = append(options, s)
			}
		}
	}
	kind := engine.ProposalMulti
	if len(options) == 0 {
		kind = engine.ProposalBinary
		options = []string{"yes", "no"}
	} else if len(options) == 2 {
		kind = engine.ProposalBinary
	}

	return engine.Proposal{
		ID:             uuid.New().String(),
		Kind:           kind,
		Statement:      statement,
		Options:        options,
		EligibleVoters: rm.ActorIDs(),
	}, nil
}

func verifyRoomPasscode(rm *room.Room, passcode string) (bool, error) {
	if passcode == "" {
		return false, nil
	}
	return auth.VerifyPasscode(passcode, rm.PasscodeHash)
}
