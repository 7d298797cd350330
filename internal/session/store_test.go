package session_test

import (
	"testing"

	"github.com/trafficbuster/conductor/internal/session"

	"github.com/stretchr/testify/require"
)

func TestCreateReplacesPriorActive(t *testing.T) {
	t.Parallel()
	store := session.NewStore()

	store.Create("user_1", "sess_1")
	store.Create("user_1", "sess_2")
	store.Create("user_2", "sess_3")

	old, ok := store.Get("user_1", "sess_1")
	require.True(t, ok)
	require.Equal(t, session.StatusReplaced, old.Status)

	current, ok := store.Get("user_1", "sess_2")
	require.True(t, ok)
	require.Equal(t, session.StatusActive, current.Status)

	other, ok := store.Get("user_2", "sess_3")
	require.True(t, ok)
	require.Equal(t, session.StatusActive, other.Status)
}

func TestClearAll(t *testing.T) {
	t.Parallel()
	store := session.NewStore()
	store.Create("user_1", "sess_1")
	store.ClearAll()

	_, ok := store.Get("user_1", "sess_1")
	require.False(t, ok)
}

func TestTouchUnknownSessionIsNoop(t *testing.T) {
	t.Parallel()
	store := session.NewStore()
	store.Touch("user_1", "sess_missing")
	_, ok := store.Get("user_1", "sess_missing")
	require.False(t, ok)
}
