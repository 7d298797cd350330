package session_test

import (
	"testing"
	"time"

	"github.com/trafficbuster/conductor/internal/session"

	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()
	token, err := session.IssueToken(secret, "user_1", "sess_1", time.Hour)
	require.NoError(t, err)

	userID, sessionID, err := session.ParseToken(secret, token)
	require.NoError(t, err)
	require.Equal(t, "user_1", userID)
	require.Equal(t, "sess_1", sessionID)
}

func TestParseTokenRejects(t *testing.T) {
	t.Parallel()

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		token, err := session.IssueToken(secret, "user_1", "sess_1", time.Hour)
		require.NoError(t, err)

		_, _, err = session.ParseToken([]byte("other-secret"), token)
		require.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		token, err := session.IssueToken(secret, "user_1", "sess_1", -time.Minute)
		require.NoError(t, err)

		_, _, err = session.ParseToken(secret, token)
		require.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		_, _, err := session.ParseToken(secret, "not.a.token")
		require.Error(t, err)
	})

	t.Run("empty identifiers", func(t *testing.T) {
		t.Parallel()
		token, err := session.IssueToken(secret, "", "", time.Hour)
		require.NoError(t, err)

		_, _, err = session.ParseToken(secret, token)
		require.Error(t, err)
	})
}
