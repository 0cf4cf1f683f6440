// internal/handlers/guest.go
package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mkarlsen/parlor/internal/auth"
)

// EnsureGuest authenticates the request's session cookie, minting a fresh
// ephemeral guest identity when the cookie is missing or invalid. Guests
// live only as long as their token; there is no account store behind them.
func EnsureGuest(w http.ResponseWriter, r *http.Request) (uuid.UUID, string, error) {
	if id, name, err := GuestFromRequest(r); err == nil {
		return id, name, nil
	}
	// Missing or bad token: mint a new identity.

	id := uuid.New()
	name := guestName(r)
	token, err := auth.CreateGuestToken(id.String(), name)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("failed to create guest token: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
	})
	return id, name, nil
}

// GuestFromRequest returns the identity carried by the session cookie
// without minting one. The WS endpoint requires an existing identity, so a
// missing or stale token surfaces there as a distinct close code instead of
// a silent re-mint that would swap the participant's id mid-room.
func GuestFromRequest(r *http.Request) (uuid.UUID, string, error) {
	cookie, err := r.Cookie("auth_token")
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("no session cookie: %w", err)
	}
	idStr, name, err := auth.VerifyGuestToken(cookie.Value)
	if err != nil {
		return uuid.Nil, "", err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid guest id in token: %w", err)
	}
	return id, name, nil
}

// guestName picks the display name from the request, defaulting to a short
// anonymous handle.
func guestName(r *http.Request) string {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		return "Guest"
	}
	if len(name) > 24 {
		name = name[:24]
	}
	return name
}
