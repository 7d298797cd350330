package history_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/trafficbuster/conductor/internal/history"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	store, err := history.Open(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestAddAndGet(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()

	rec := history.Record{
		ID:        "hist_1",
		UserID:    "user_1",
		JobID:     "job_1",
		StartTime: time.Now().Add(-time.Minute),
		Status:    "running",
		Stats:     history.Stats{TotalFlow: 10},
		Config: history.ConfigSummary{
			TargetSet:       "main",
			SettingsProfile: "default",
			InstanceCount:   2,
		},
	}
	require.NoError(t, store.Add(ctx, rec))

	got, err := store.Get(ctx, "hist_1")
	require.NoError(t, err)
	require.Equal(t, "job_1", got.JobID)
	require.Equal(t, "running", got.Status)
	require.Nil(t, got.StopTime)
	require.Equal(t, 10, got.Stats.TotalFlow)
	require.Equal(t, "main", got.Config.TargetSet)
}

func TestFinalize(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()

	require.NoError(t, store.Add(ctx, history.Record{
		ID:        "hist_1",
		UserID:    "user_1",
		JobID:     "job_1",
		StartTime: time.Now().Add(-time.Minute),
		Status:    "running",
	}))

	stats := history.Stats{TotalFlow: 10, FlowDone: 10, Impressions: 10, Clicks: 3, FailedFlow: 2}
	require.NoError(t, store.Finalize(ctx, "hist_1", "stopped", 58, stats))

	got, err := store.Get(ctx, "hist_1")
	require.NoError(t, err)
	require.Equal(t, "stopped", got.Status)
	require.Equal(t, 58, got.DurationSec)
	require.NotNil(t, got.StopTime)
	require.Equal(t, stats, got.Stats)
}

func TestFinalizeUnknownRecord(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	err := store.Finalize(t.Context(), "hist_missing", "stopped", 0, history.Stats{})
	require.ErrorIs(t, err, history.ErrNotFound)
}

func TestGetUnknownRecord(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	_, err := store.Get(t.Context(), "hist_missing")
	require.ErrorIs(t, err, history.ErrNotFound)
}

func TestListForUser(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := t.Context()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"hist_1", "hist_2"} {
		require.NoError(t, store.Add(ctx, history.Record{
			ID:        id,
			UserID:    "user_1",
			JobID:     "job_" + id,
			StartTime: base.Add(time.Duration(i) * time.Minute),
			Status:    "running",
		}))
	}
	require.NoError(t, store.Add(ctx, history.Record{
		ID:        "hist_other",
		UserID:    "user_2",
		JobID:     "job_x",
		StartTime: base,
		Status:    "running",
	}))

	got, err := store.ListForUser(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	// newest first
	require.Equal(t, "hist_2", got[0].ID)
	require.Equal(t, "hist_1", got[1].ID)

	empty, err := store.ListForUser(ctx, "user_3")
	require.NoError(t, err)
	require.Empty(t, empty)
}
