package oauth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionCookie is the dashboard session cookie checked by /authorize.
const SessionCookie = "sl_session"

const sessionTTL = 24 * time.Hour

var errInvalidSession = errors.New("invalid session")

type sessionClaims struct {
	jwt.RegisteredClaims
}

// MintSession signs a dashboard session token for the user. Exposed for
// the dashboard login flow and for tests driving /authorize.
func (h *Handler) MintSession(userID uuid.UUID) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    h.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.sessionKey)
}

// parseSession verifies the cookie and returns the signed-in user id.
func (h *Handler) parseSession(raw string) (uuid.UUID, error) {
	var claims sessionClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidSession
		}
		return h.sessionKey, nil
	}, jwt.WithIssuer(h.issuer), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return uuid.Nil, errInvalidSession
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, errInvalidSession
	}
	return id, nil
}
