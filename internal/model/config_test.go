package model_test

import (
	"strings"
	"testing"

	"github.com/trafficbuster/conductor/internal/model"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("minimal yaml gets defaults", func(t *testing.T) {
		t.Parallel()
		cfg, err := model.LoadConfig(strings.NewReader("version: 0\n"))
		require.NoError(t, err)
		require.Equal(t, ":5252", cfg.Server.Listen)
		require.Equal(t, "15s", cfg.Server.PingInterval)
		require.Equal(t, 1, cfg.Jobs.PerUserCap)
		require.Equal(t, "500ms", cfg.Jobs.StopGrace)
		require.Equal(t, "2s", cfg.Jobs.CreateWait)
		require.Equal(t, "random", cfg.Pool.Strategy)
		require.Equal(t, "5m", cfg.Sessions.GracePeriod)
		require.Equal(t, "data", cfg.Data.Root)
	})

	t.Run("explicit values override defaults", func(t *testing.T) {
		t.Parallel()
		yaml := `
version: 0
server:
  listen: ":8443"
  pingInterval: 30s
auth:
  jwtSecret: super-secret
  runnerKey: runner-key
jobs:
  perUserCap: 2
  stopGrace: 1s
pool:
  strategy: lru
`
		cfg, err := model.LoadConfig(strings.NewReader(yaml))
		require.NoError(t, err)
		require.Equal(t, ":8443", cfg.Server.Listen)
		require.Equal(t, "30s", cfg.Server.PingInterval)
		require.Equal(t, "super-secret", cfg.Auth.JWTSecret)
		require.Equal(t, 2, cfg.Jobs.PerUserCap)
		require.Equal(t, "1s", cfg.Jobs.StopGrace)
		require.Equal(t, "lru", cfg.Pool.Strategy)
	})

	t.Run("schedules require refs", func(t *testing.T) {
		t.Parallel()
		yaml := `
version: 0
schedules:
  - name: nightly
    cron: "0 3 * * *"
    userId: user_1
    refs:
      targetSet: main
      settingsProfile: default
`
		cfg, err := model.LoadConfig(strings.NewReader(yaml))
		require.NoError(t, err)
		require.Len(t, cfg.Schedules, 1)
		require.Equal(t, "nightly", cfg.Schedules[0].Name)
		require.Equal(t, "main", cfg.Schedules[0].Refs.TargetSet)
	})

	t.Run("rejects bad duration", func(t *testing.T) {
		t.Parallel()
		yaml := "version: 0\nserver:\n  pingInterval: often\n"
		_, err := model.LoadConfig(strings.NewReader(yaml))
		require.Error(t, err)
	})

	t.Run("rejects unknown strategy", func(t *testing.T) {
		t.Parallel()
		yaml := "version: 0\npool:\n  strategy: fastest\n"
		_, err := model.LoadConfig(strings.NewReader(yaml))
		require.Error(t, err)
	})

	t.Run("rejects zero perUserCap", func(t *testing.T) {
		t.Parallel()
		yaml := "version: 0\njobs:\n  perUserCap: 0\n"
		_, err := model.LoadConfig(strings.NewReader(yaml))
		require.Error(t, err)
	})

	t.Run("schedule without name fails", func(t *testing.T) {
		t.Parallel()
		yaml := `
version: 0
schedules:
  - cron: "0 3 * * *"
    userId: user_1
    refs:
      targetSet: main
      settingsProfile: default
`
		_, err := model.LoadConfig(strings.NewReader(yaml))
		require.Error(t, err)
		details := model.CueErrDetails(err)
		require.NotEmpty(t, details)
	})
}

func TestDefaultConfigValidates(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	require.Equal(t, ":5252", cfg.Server.Listen)

	for _, d := range []string{
		cfg.Server.PingInterval,
		cfg.Jobs.StopGrace,
		cfg.Jobs.CreateWait,
		cfg.Sessions.GracePeriod,
		cfg.Sessions.CleanEvery,
	} {
		_, err := model.ParseDuration(d)
		require.NoError(t, err, d)
	}
}
