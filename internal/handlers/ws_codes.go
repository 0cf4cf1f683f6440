// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used within the room handlers. These provide
// more specific reasons for closure than standard codes.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Provided session token was invalid or expired.
	InvalidRoomCodeError  = 3003 // Target room code in the WS URL does not exist.
	InvalidPasscodeError  = 3004 // Wrong passcode for a private room.
)
