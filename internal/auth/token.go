package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/listening-room-system/pkg/apperr"
	"github.com/listening-room-system/pkg/redis"
)

// Identity is what the authentication boundary yields for a valid token.
type Identity struct {
	UserID   string
	Username string
}

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens issued by the external auth service. The
// token must parse against the shared secret and the session must still be
// live in Redis.
type Verifier struct {
	secret   []byte
	sessions *redis.SessionStore
}

func NewVerifier(secret string, sessions *redis.SessionStore) *Verifier {
	return &Verifier{secret: []byte(secret), sessions: sessions}
}

func (v *Verifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, apperr.AuthFailure("token required")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperr.AuthFailure("invalid or expired token")
	}

	userID := claims.Subject
	if userID == "" {
		return nil, apperr.AuthFailure("token missing subject")
	}

	session, err := v.sessions.GetSession(ctx, userID)
	if err != nil {
		return nil, apperr.AuthFailure("no live session for token")
	}

	username := claims.Username
	if username == "" {
		username = session.Username
	}

	return &Identity{UserID: userID, Username: username}, nil
}
