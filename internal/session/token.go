package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type claims struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// IssueToken signs a {userId, sessionId} token. The login collaborator
// calls this; tests use it to authenticate user channels.
func IssueToken(secret []byte, userID, sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID:    userID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(secret)
}

// ParseToken verifies signature and expiry and returns the identifiers.
func ParseToken(secret []byte, raw string) (userID, sessionID string, err error) {
	var c claims
	_, err = jwt.ParseWithClaims(raw, &c,
		func(t *jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", "", fmt.Errorf("parsing token: %w", err)
	}
	if c.UserID == "" || c.SessionID == "" {
		return "", "", errors.New("token payload incomplete")
	}
	return c.UserID, c.SessionID, nil
}
