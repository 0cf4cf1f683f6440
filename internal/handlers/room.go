// internal/handlers/room.go
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/sirupsen/logrus"

	"github.com/mkarlsen/parlor/internal/room"
)

type createRoomRequest struct {
	Mode     string `json:"mode"`
	Passcode string `json:"passcode,omitempty"`
}

type createRoomResponse struct {
	Code    string `json:"code"`
	Mode    string `json:"mode"`
	Private bool   `json:"private"`
}

// CreateRoomHandler mints a new room for the requesting guest. The guest
// becomes the room's host and gets the controller role on connect.
func (s *RoomServer) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	guestID, _, err := EnsureGuest(w, r)
	if err != nil {
		http.Error(w, "invalid session", http.StatusUnauthorized)
		return
	}

	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	mode := room.Mode(req.Mode)
	switch mode {
	case room.ModeQuiz, room.ModeRuleHunt, room.ModeAlibi:
	case "":
		mode = room.ModeQuiz
	default:
		http.Error(w, "unknown mode", http.StatusBadRequest)
		return
	}

	rm, err := s.CreateRoom(r.Context(), guestID, mode, req.Passcode)
	if err != nil {
		s.Logger.WithError(err).Error("create room failed")
		http.Error(w, "could not create room", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(createRoomResponse{
		Code:    rm.Code,
		Mode:    string(rm.Mode),
		Private: rm.PasscodeHash != "",
	})
}

// ListRoomsHandler returns a summary of every open room.
func (s *RoomServer) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rooms := s.Rooms.List()
	summaries := make([]map[string]interface{}, 0, len(rooms))
	for _, rm := range rooms {
		rm.Mu.Lock()
		summaries = append(summaries, map[string]interface{}{
			"code":    rm.Code,
			"mode":    string(rm.Mode),
			"players": len(rm.Connections),
			"started": rm.Started,
			"private": rm.PasscodeHash != "",
		})
		rm.Mu.Unlock()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summaries)
}

// RoomQRHandler serves a PNG QR code that encodes the room's join URL, for
// showing on a shared screen so phones can scan in.
func (s *RoomServer) RoomQRHandler(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimPrefix(r.URL.Path, "/room/qr/")
	if code == "" || strings.Contains(code, "/") {
		http.Error(w, "invalid room code", http.StatusBadRequest)
		return
	}
	code = strings.ToUpper(code)

	if _, ok := s.Rooms.Get(code); !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	base := os.Getenv("PUBLIC_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	joinURL := strings.TrimRight(base, "/") + "/join/" + code

	png, err := qrcode.Encode(joinURL, qrcode.Medium, 256)
	if err != nil {
		s.Logger.WithFields(logrus.Fields{"room": code}).WithError(err).Error("qr encode failed")
		http.Error(w, "could not render qr code", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}
