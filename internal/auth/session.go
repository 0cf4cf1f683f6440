// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// privateKey and publicKey sign and verify guest session tokens.
var (
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	// SESSION_EXPIRE_TIME_SEC indicates how many seconds until session
	// expiration (0 => never).
	SESSION_EXPIRE_TIME_SEC int
)

// parseSessionExpireTime reads the SESSION_EXPIRE_TIME env var and sets
// SESSION_EXPIRE_TIME_SEC accordingly.
func parseSessionExpireTime() {
	duration := os.Getenv("SESSION_EXPIRE_TIME")
	if duration == "never" || duration == "0" || duration == "" {
		SESSION_EXPIRE_TIME_SEC = 0
	} else {
		d, err := time.ParseDuration(duration)
		if err != nil {
			fmt.Printf("failed to parse session expire time: %v\n", err)
			os.Exit(1)
		}
		SESSION_EXPIRE_TIME_SEC = int(d.Seconds())
	}
}

// Init generates a fresh ed25519 key pair at runtime and sets the session
// expiration. Guest identities are as ephemeral as the rooms they join, so
// tokens not surviving a restart is acceptable.
func Init() {
	var err error
	publicKey, privateKey, err = ed25519.GenerateKey(nil)
	if err != nil {
		fmt.Printf("failed to generate ed25519 key pair: %v\n", err)
		os.Exit(1)
	}
	parseSessionExpireTime()
}

// InitFromPath reads ed25519 private/public keys from file, for deployments
// that want sessions to survive restarts.
func InitFromPath(privatePath, publicPath string) error {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return fmt.Errorf("failed to read public key file: %w", err)
	}

	privateKey = ed25519.PrivateKey(privateKeyData)
	publicKey = ed25519.PublicKey(publicKeyData)
	parseSessionExpireTime()
	return nil
}

// CreateGuestToken signs a session token carrying the guest's id and
// display name.
func CreateGuestToken(guestID, name string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  guestID,
		"name": name,
	}
	if SESSION_EXPIRE_TIME_SEC > 0 {
		claims["exp"] = time.Now().Add(time.Duration(SESSION_EXPIRE_TIME_SEC) * time.Second).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(privateKey)
}

// VerifyGuestToken checks a session token and returns the guest id and
// display name it carries.
func VerifyGuestToken(tokenString string) (guestID, name string, err error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return publicKey, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return "", "", fmt.Errorf("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("invalid jwt claims")
	}
	guestID, ok = claims["sub"].(string)
	if !ok {
		return "", "", fmt.Errorf("missing sub in jwt")
	}
	name, _ = claims["name"].(string)
	return guestID, name, nil
}
