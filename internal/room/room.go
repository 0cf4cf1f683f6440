// Package room holds the ephemeral in-memory rooms: who is present, their
// roles and ready states, running scores, and the live WebSocket
// connections. Durable turn state lives in the shared store, not here.
package room

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Role is a participant's capability level in the room.
type Role string

const (
	// RoleController drives the room: opens turns, validates answers.
	RoleController Role = "controller"
	// RoleActor plays: buzzes and votes.
	RoleActor Role = "actor"
	// RoleSpectator observes only.
	RoleSpectator Role = "spectator"
)

// Mode selects the party-game flavor the room runs.
type Mode string

const (
	ModeQuiz     Mode = "quiz"
	ModeRuleHunt Mode = "rulehunt"
	ModeAlibi    Mode = "alibi"
)

// Room is an ephemeral grouping of participants joined under a short code.
type Room struct {
	Code      string    `json:"code"`
	HostID    uuid.UUID `json:"hostId"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"createdAt"`

	// PasscodeHash is the argon2id hash of the join passcode, empty for
	// open rooms.
	PasscodeHash string `json:"-"`

	// Connections holds the live WebSocket connections by participant.
	Connections map[uuid.UUID]*RoomConnection `json:"-"`
	// Roles maps participant -> capability. The host is the controller
	// until a handoff changes the mapping.
	Roles map[uuid.UUID]Role `json:"-"`
	// ReadyStates maps participant -> "is ready" for the lobby screen.
	ReadyStates map[uuid.UUID]bool `json:"-"`
	// Scores accumulates decay-curve points across turns.
	Scores map[uuid.UUID]int `json:"-"`

	Started bool `json:"started"`

	// OnEmpty is called after the last connection leaves, typically wired
	// to the store's delete.
	OnEmpty func(code string) `json:"-"`

	clock          clockwork.Clock
	countdownTimer clockwork.Timer

	Mu sync.Mutex
}

// RoomConnection is a single participant's presence in the room.
type RoomConnection struct {
	UserID  uuid.UUID
	Name    string
	Cancel  func()
	OutChan chan map[string]interface{}
	IsHost  bool

	mu     sync.Mutex
	closed bool
}

// Write pushes a message onto the participant's OutChan without blocking.
// A full channel drops the message and logs it. The closed flag is checked
// under the connection's own lock: a broadcaster holding a snapshot of this
// connection must never send on a channel closeOut has already closed.
func (conn *RoomConnection) Write(msg map[string]interface{}) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return
	}
	select {
	case conn.OutChan <- msg:
	default:
		msgType, _ := msg["type"].(string)
		log.Printf("room: OutChan for %s full, dropped %q", conn.UserID, msgType)
	}
}

// closeOut closes the out channel exactly once and cancels the connection.
func (conn *RoomConnection) closeOut() {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	close(conn.OutChan)
	conn.mu.Unlock()
	if conn.Cancel != nil {
		conn.Cancel()
	}
}

// WriteError is a convenience to send an error object.
func (conn *RoomConnection) WriteError(msg string) {
	conn.Write(map[string]interface{}{
		"type":    "error",
		"message": msg,
	})
}

// NewRoom creates a room under the given code with the host as controller.
func NewRoom(code string, hostID uuid.UUID, mode Mode, clock clockwork.Clock) *Room {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Room{
		Code:        code,
		HostID:      hostID,
		Mode:        mode,
		CreatedAt:   clock.Now(),
		Connections: make(map[uuid.UUID]*RoomConnection),
		Roles:       make(map[uuid.UUID]Role),
		ReadyStates: make(map[uuid.UUID]bool),
		Scores:      make(map[uuid.UUID]int),
		clock:       clock,
	}
}

// AddConnection registers a participant's live connection, replacing any
// previous one for the same participant. The joiner receives the full room
// state and everyone else a join notice.
func (r *Room) AddConnection(userID uuid.UUID, conn *RoomConnection) error {
	r.Mu.Lock()

	if r.Started && r.Roles[userID] == "" {
		// Late arrivals to a started room watch rather than play.
		r.Roles[userID] = RoleSpectator
	}

	if old, ok := r.Connections[userID]; ok && old != conn {
		// Rejoin replaces the previous connection.
		old.closeOut()
	}

	if _, ok := r.Roles[userID]; !ok {
		if userID == r.HostID {
			r.Roles[userID] = RoleController
		} else {
			r.Roles[userID] = RoleActor
		}
	}
	conn.IsHost = userID == r.HostID
	r.Connections[userID] = conn
	r.ReadyStates[userID] = false
	if _, ok := r.Scores[userID]; !ok {
		r.Scores[userID] = 0
	}

	log.Printf("room %s: %s (%s) connected as %s", r.Code, userID, conn.Name, r.Roles[userID])

	statePayload := r.statePayloadUnsafe(userID)
	joinPayload := r.joinPayloadUnsafe(userID)
	r.Mu.Unlock()

	conn.Write(statePayload)
	r.BroadcastAll(joinPayload)
	return nil
}

// RemoveUser drops a participant's connection and presence. The last one
// out triggers OnEmpty.
func (r *Room) RemoveUser(userID uuid.UUID) {
	r.Mu.Lock()
	conn, ok := r.Connections[userID]
	if !ok {
		r.Mu.Unlock()
		return
	}
	log.Printf("room %s: removing %s", r.Code, userID)

	conn.closeOut()
	delete(r.Connections, userID)
	delete(r.ReadyStates, userID)
	// Scores and role survive a disconnect so a rejoin picks them back up.

	leavePayload := r.leavePayloadUnsafe(userID, conn.Name)
	isEmpty := len(r.Connections) == 0
	onEmpty := r.OnEmpty
	r.cancelCountdownUnsafe()
	r.Mu.Unlock()

	r.BroadcastAll(leavePayload)
	if isEmpty && onEmpty != nil {
		log.Printf("room %s is empty, triggering OnEmpty", r.Code)
		onEmpty(r.Code)
	}
}

// SetRole reassigns a participant's role. Used for controller handoff and
// spectator toggles.
func (r *Room) SetRole(userID uuid.UUID, role Role) {
	r.Mu.Lock()
	if _, ok := r.Roles[userID]; !ok {
		r.Mu.Unlock()
		return
	}
	r.Roles[userID] = role
	payload := map[string]interface{}{
		"type":    "role_update",
		"user_id": userID.String(),
		"role":    string(role),
	}
	r.Mu.Unlock()
	r.BroadcastAll(payload)
}

// RoleOf returns the participant's current role.
func (r *Room) RoleOf(userID uuid.UUID) Role {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	return r.Roles[userID]
}

// ActorIDs returns the participants currently holding the actor role, for
// building vote eligibility sets.
func (r *Room) ActorIDs() []string {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	ids := make([]string, 0, len(r.Roles))
	for id, role := range r.Roles {
		if role == RoleActor {
			ids = append(ids, id.String())
		}
	}
	return ids
}

// MarkUserReadyUnsafe sets a participant ready. Assumes the lock is held.
// Returns true when every connected participant is ready and a start
// countdown should begin.
func (r *Room) MarkUserReadyUnsafe(userID uuid.UUID) bool {
	conn, ok := r.Connections[userID]
	if !ok || r.ReadyStates[userID] {
		return false
	}
	r.ReadyStates[userID] = true
	r.BroadcastAllUnsafe(map[string]interface{}{
		"type":     "ready_update",
		"user_id":  userID.String(),
		"name":     conn.Name,
		"is_ready": true,
	})
	return r.AreAllReadyUnsafe() && !r.Started
}

// MarkUserUnreadyUnsafe clears a participant's ready state and cancels any
// running countdown. Assumes the lock is held.
func (r *Room) MarkUserUnreadyUnsafe(userID uuid.UUID) {
	conn, ok := r.Connections[userID]
	if !ok || !r.ReadyStates[userID] {
		return
	}
	r.ReadyStates[userID] = false
	r.BroadcastAllUnsafe(map[string]interface{}{
		"type":     "ready_update",
		"user_id":  userID.String(),
		"name":     conn.Name,
		"is_ready": false,
	})
	r.cancelCountdownUnsafe()
}

// AreAllReadyUnsafe reports whether every connected participant is ready.
// A room needs at least two people to start. Assumes the lock is held.
func (r *Room) AreAllReadyUnsafe() bool {
	if len(r.Connections) < 2 {
		return false
	}
	for id := range r.Connections {
		if !r.ReadyStates[id] {
			return false
		}
	}
	return true
}

// AreAllReady reports readiness, acquiring the lock.
func (r *Room) AreAllReady() bool {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	return r.AreAllReadyUnsafe()
}

// StartCountdown begins a start countdown and calls back when it elapses.
// Only one countdown runs at a time; a stale timer that fires after a
// cancel is ignored by identity check.
func (r *Room) StartCountdown(seconds int, callback func(*Room)) bool {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	if r.Started || r.countdownTimer != nil || len(r.Connections) < 2 {
		return false
	}
	log.Printf("room %s: starting %d second countdown", r.Code, seconds)
	r.BroadcastAllUnsafe(map[string]interface{}{
		"type":    "countdown_start",
		"seconds": seconds,
	})

	var timer clockwork.Timer
	timer = r.clock.AfterFunc(time.Duration(seconds)*time.Second, func() {
		r.Mu.Lock()
		if r.countdownTimer != timer {
			// Cancelled and possibly restarted while this was in flight.
			r.Mu.Unlock()
			return
		}
		r.countdownTimer = nil
		r.Started = true
		r.Mu.Unlock()
		callback(r)
	})
	r.countdownTimer = timer
	return true
}

// CancelCountdown stops the running countdown if any.
func (r *Room) CancelCountdown() {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	r.cancelCountdownUnsafe()
}

func (r *Room) cancelCountdownUnsafe() {
	if r.countdownTimer == nil {
		return
	}
	if r.countdownTimer.Stop() {
		r.BroadcastAllUnsafe(map[string]interface{}{
			"type": "countdown_cancel",
		})
	}
	r.countdownTimer = nil
}

// AddScore credits points to a participant and broadcasts the scoreboard.
func (r *Room) AddScore(userID uuid.UUID, points int) {
	if points == 0 {
		return
	}
	r.Mu.Lock()
	r.Scores[userID] += points
	payload := map[string]interface{}{
		"type":   "score_update",
		"scores": r.scoresPayloadUnsafe(),
	}
	r.Mu.Unlock()
	r.BroadcastAll(payload)
}

// BroadcastAll sends msg to every connected participant.
func (r *Room) BroadcastAll(msg map[string]interface{}) {
	r.Mu.Lock()
	conns := make([]*RoomConnection, 0, len(r.Connections))
	for _, conn := range r.Connections {
		conns = append(conns, conn)
	}
	r.Mu.Unlock()
	for _, conn := range conns {
		conn.Write(msg)
	}
}

// BroadcastAllUnsafe sends msg to every connection. Assumes the lock is
// held; individual writes never block.
func (r *Room) BroadcastAllUnsafe(msg map[string]interface{}) {
	for _, conn := range r.Connections {
		conn.Write(msg)
	}
}

// BroadcastChatUnsafe relays a chat line from the sender. Assumes the lock
// is held.
func (r *Room) BroadcastChatUnsafe(sender *RoomConnection, msg string) {
	r.BroadcastAllUnsafe(map[string]interface{}{
		"type":    "chat",
		"user_id": sender.UserID.String(),
		"name":    sender.Name,
		"msg":     msg,
		"ts":      r.clock.Now().Unix(),
	})
}

// SendState pushes the full room state to one participant. Assumes the
// lock is held.
func (r *Room) SendState(userID uuid.UUID) {
	conn, ok := r.Connections[userID]
	if !ok {
		return
	}
	conn.Write(r.statePayloadUnsafe(userID))
}

// --- payloads (lock held) ---

func (r *Room) statusPayloadUnsafe() []map[string]interface{} {
	users := make([]map[string]interface{}, 0, len(r.Connections))
	for id, conn := range r.Connections {
		users = append(users, map[string]interface{}{
			"id":       id.String(),
			"name":     conn.Name,
			"role":     string(r.Roles[id]),
			"is_host":  conn.IsHost,
			"is_ready": r.ReadyStates[id],
			"score":    r.Scores[id],
		})
	}
	return users
}

func (r *Room) scoresPayloadUnsafe() map[string]int {
	scores := make(map[string]int, len(r.Scores))
	for id, s := range r.Scores {
		scores[id.String()] = s
	}
	return scores
}

func (r *Room) statePayloadUnsafe(userID uuid.UUID) map[string]interface{} {
	return map[string]interface{}{
		"type":      "room_state",
		"code":      r.Code,
		"mode":      string(r.Mode),
		"host_id":   r.HostID.String(),
		"your_id":   userID.String(),
		"your_role": string(r.Roles[userID]),
		"started":   r.Started,
		"private":   r.PasscodeHash != "",
		"users":     r.statusPayloadUnsafe(),
	}
}

func (r *Room) joinPayloadUnsafe(userID uuid.UUID) map[string]interface{} {
	name := ""
	if conn, ok := r.Connections[userID]; ok {
		name = conn.Name
	}
	return map[string]interface{}{
		"type":      "room_update",
		"user_join": userID.String(),
		"name":      name,
		"users":     r.statusPayloadUnsafe(),
	}
}

func (r *Room) leavePayloadUnsafe(userID uuid.UUID, name string) map[string]interface{} {
	return map[string]interface{}{
		"type":      "room_update",
		"user_left": userID.String(),
		"name":      name,
		"users":     r.statusPayloadUnsafe(),
	}
}

// String implements fmt.Stringer for log lines.
func (r *Room) String() string {
	return fmt.Sprintf("room(%s mode=%s)", r.Code, r.Mode)
}
