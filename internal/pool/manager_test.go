package pool_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trafficbuster/conductor/internal/model"
	"github.com/trafficbuster/conductor/internal/pool"
	"github.com/trafficbuster/conductor/internal/protocol"

	"github.com/stretchr/testify/require"
)

// fakeSender records everything written to the runner's channel.
type fakeSender struct {
	mu   sync.Mutex
	sent []any
	err  error
}

func (f *fakeSender) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSender) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

func newJobMsg(jobID string) protocol.NewJob {
	return protocol.NewJob{
		Type:      protocol.TypeNewJob,
		JobConfig: protocol.JobDescriptor{JobID: jobID},
	}
}

func TestRegisterDefaults(t *testing.T) {
	t.Parallel()
	m := pool.NewManager(nil, nil)

	snap := m.Register(&fakeSender{}, protocol.Register{Type: protocol.TypeRegister})
	require.NotEmpty(t, snap.ID)
	require.Equal(t, "unknown", snap.OS)
	require.Equal(t, "chrome", snap.Browser)
	require.Equal(t, pool.StatusIdle, snap.Status)
	require.Empty(t, snap.CurrentJobID)
}

func TestFindAvailable(t *testing.T) {
	t.Parallel()
	m := pool.NewManager(nil, nil)
	win := m.Register(&fakeSender{}, protocol.Register{OS: "Windows", Browser: "Chrome"})
	mac := m.Register(&fakeSender{}, protocol.Register{OS: "macos", Browser: "safari"})

	t.Run("nil request matches any idle runner", func(t *testing.T) {
		snap, ok := m.FindAvailable(nil)
		require.True(t, ok)
		require.Contains(t, []string{win.ID, mac.ID}, snap.ID)
	})

	t.Run("os and browser match case-insensitively", func(t *testing.T) {
		snap, ok := m.FindAvailable(&model.PlatformRequest{OS: "windows", Browser: "CHROME"})
		require.True(t, ok)
		require.Equal(t, win.ID, snap.ID)
	})

	t.Run("os match alone when browser empty", func(t *testing.T) {
		snap, ok := m.FindAvailable(&model.PlatformRequest{OS: "MACOS"})
		require.True(t, ok)
		require.Equal(t, mac.ID, snap.ID)
	})

	t.Run("no runner for the platform", func(t *testing.T) {
		_, ok := m.FindAvailable(&model.PlatformRequest{OS: "linux"})
		require.False(t, ok)
	})

	t.Run("busy runners are not candidates", func(t *testing.T) {
		require.NoError(t, m.Dispatch(win.ID, newJobMsg("job_1")))
		_, ok := m.FindAvailable(&model.PlatformRequest{OS: "windows"})
		require.False(t, ok)

		m.MarkIdle(win.ID)
		_, ok = m.FindAvailable(&model.PlatformRequest{OS: "windows"})
		require.True(t, ok)
	})
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	t.Run("writes descriptor and flips to busy", func(t *testing.T) {
		t.Parallel()
		m := pool.NewManager(nil, nil)
		conn := &fakeSender{}
		snap := m.Register(conn, protocol.Register{OS: "windows"})

		require.NoError(t, m.Dispatch(snap.ID, newJobMsg("job_1")))
		require.Equal(t, 1, m.BusyCount())

		msgs := conn.messages()
		require.Len(t, msgs, 1)
		require.Equal(t, "job_1", msgs[0].(protocol.NewJob).JobConfig.JobID)
	})

	t.Run("unknown runner", func(t *testing.T) {
		t.Parallel()
		m := pool.NewManager(nil, nil)
		err := m.Dispatch("runner_missing", newJobMsg("job_1"))
		require.ErrorIs(t, err, model.ErrRunnerNotFound)
	})

	t.Run("busy runner refused", func(t *testing.T) {
		t.Parallel()
		m := pool.NewManager(nil, nil)
		snap := m.Register(&fakeSender{}, protocol.Register{OS: "windows"})
		require.NoError(t, m.Dispatch(snap.ID, newJobMsg("job_1")))

		err := m.Dispatch(snap.ID, newJobMsg("job_2"))
		require.ErrorIs(t, err, model.ErrRunnerNotIdle)
	})

	t.Run("send failure rolls back to idle", func(t *testing.T) {
		t.Parallel()
		m := pool.NewManager(nil, nil)
		conn := &fakeSender{err: errors.New("broken pipe")}
		snap := m.Register(conn, protocol.Register{OS: "windows"})

		err := m.Dispatch(snap.ID, newJobMsg("job_1"))
		require.ErrorIs(t, err, model.ErrDispatchSend)
		require.Zero(t, m.BusyCount())

		// still dispatchable after the connection recovers
		conn.mu.Lock()
		conn.err = nil
		conn.mu.Unlock()
		require.NoError(t, m.Dispatch(snap.ID, newJobMsg("job_1")))
	})
}

func TestRemoveReturnsHeldJob(t *testing.T) {
	t.Parallel()
	m := pool.NewManager(nil, nil)
	snap := m.Register(&fakeSender{}, protocol.Register{OS: "windows"})
	require.NoError(t, m.Dispatch(snap.ID, newJobMsg("job_1")))

	jobID, ok := m.Remove(snap.ID)
	require.True(t, ok)
	require.Equal(t, "job_1", jobID)

	_, ok = m.Remove(snap.ID)
	require.False(t, ok)
	require.Empty(t, m.List())
}

func TestSendStop(t *testing.T) {
	t.Parallel()
	m := pool.NewManager(nil, nil)
	conn := &fakeSender{}
	snap := m.Register(conn, protocol.Register{OS: "windows"})

	require.NoError(t, m.SendStop(snap.ID, "job_1"))
	msgs := conn.messages()
	require.Len(t, msgs, 1)
	stop := msgs[0].(protocol.StopJob)
	require.Equal(t, protocol.TypeStopJob, stop.Type)
	require.Equal(t, "job_1", stop.JobID)

	err := m.SendStop("runner_missing", "job_1")
	require.ErrorIs(t, err, model.ErrRunnerNotFound)
}

func TestAvailablePlatforms(t *testing.T) {
	t.Parallel()
	catalog := []model.Platform{
		{OS: "windows", Browser: "chrome", UserAgent: "UA-win"},
		{OS: "windows", Browser: "firefox", UserAgent: "UA-win-ff"},
		{OS: "linux", Browser: "chrome", UserAgent: "UA-linux"},
	}
	m := pool.NewManager(nil, catalog)

	t.Run("no runners means no platforms", func(t *testing.T) {
		require.Empty(t, m.AvailablePlatforms())
	})

	t.Run("only online os survive", func(t *testing.T) {
		m.Register(&fakeSender{}, protocol.Register{OS: "Windows"})
		got := m.AvailablePlatforms()
		require.Len(t, got, 2)
		for _, p := range got {
			require.Equal(t, "windows", p.OS)
		}
	})
}

func TestStrategies(t *testing.T) {
	t.Parallel()

	t.Run("roundrobin cycles", func(t *testing.T) {
		t.Parallel()
		candidates := []*pool.Runner{{ID: "runner_a"}, {ID: "runner_b"}}
		s := pool.NewRoundRobin()
		require.Equal(t, "runner_a", s.Pick(candidates).ID)
		require.Equal(t, "runner_b", s.Pick(candidates).ID)
		require.Equal(t, "runner_a", s.Pick(candidates).ID)
	})

	t.Run("lru picks the quietest", func(t *testing.T) {
		t.Parallel()
		now := time.Now()
		candidates := []*pool.Runner{
			{ID: "runner_a", LastSeen: now},
			{ID: "runner_b", LastSeen: now.Add(-time.Minute)},
			{ID: "runner_c", LastSeen: now.Add(-time.Second)},
		}
		require.Equal(t, "runner_b", pool.NewLeastRecentlyUsed().Pick(candidates).ID)
	})

	t.Run("by name falls back to random", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, "roundrobin", pool.StrategyByName("roundrobin").Name())
		require.Equal(t, "lru", pool.StrategyByName("lru").Name())
		require.Equal(t, "random", pool.StrategyByName("").Name())
		require.Equal(t, "random", pool.StrategyByName("fastest").Name())
	})
}
