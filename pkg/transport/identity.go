package transport

import (
	"github.com/golang-jwt/jwt/v5"
)

// userIDFromToken reads the subject (or a userId/user_id claim) from a JWT without
// verifying it. The server verifies the token during authenticate; the client only
// needs the id to stamp outgoing subscriptions and recognize its own echoes.
// Returns "" for opaque tokens.
func userIDFromToken(token string) string {
	if token == "" {
		return ""
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}

	for _, key := range []string{"userId", "user_id"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
