package sched_test

import (
	"context"
	"sync"
	"testing"

	"github.com/trafficbuster/conductor/internal/dataset"
	"github.com/trafficbuster/conductor/internal/job"
	"github.com/trafficbuster/conductor/internal/model"
	"github.com/trafficbuster/conductor/internal/sched"

	"github.com/stretchr/testify/require"
)

type fakeCreator struct {
	mu    sync.Mutex
	calls []model.DatasetRefs
	users []string
}

func (f *fakeCreator) Create(_ context.Context, userID string, _ model.Entitlements, refs model.DatasetRefs) (job.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, refs)
	f.users = append(f.users, userID)
	return job.Snapshot{JobID: "job_1", UserID: userID, Status: job.StateRunning}, nil
}

type fixedMatrix struct{}

func (fixedMatrix) MatrixFor(context.Context, string) (model.Entitlements, error) {
	return model.Entitlements{MaxInstances: 1}, nil
}

var _ dataset.MatrixSource = fixedMatrix{}

func entry() model.Schedule {
	return model.Schedule{
		Name:   "nightly",
		Cron:   "0 3 * * *",
		UserID: "user_1",
		Refs:   model.DatasetRefs{TargetSet: "main", SettingsProfile: "default"},
	}
}

func TestAddValidation(t *testing.T) {
	t.Parallel()

	newScheduler := func(t *testing.T) *sched.Scheduler {
		t.Helper()
		s, err := sched.New(&fakeCreator{}, fixedMatrix{})
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.Shutdown()
		})
		return s
	}

	t.Run("valid entry", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, newScheduler(t).Add(entry()))
	})

	t.Run("invalid cron expression", func(t *testing.T) {
		t.Parallel()
		e := entry()
		e.Cron = "every tuesday"
		require.Error(t, newScheduler(t).Add(e))
	})

	t.Run("missing name", func(t *testing.T) {
		t.Parallel()
		e := entry()
		e.Name = ""
		require.Error(t, newScheduler(t).Add(e))
	})

	t.Run("missing user", func(t *testing.T) {
		t.Parallel()
		e := entry()
		e.UserID = ""
		require.Error(t, newScheduler(t).Add(e))
	})
}
