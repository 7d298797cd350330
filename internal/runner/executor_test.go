package runner_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/trafficbuster/conductor/internal/model"
	"github.com/trafficbuster/conductor/internal/protocol"
	"github.com/trafficbuster/conductor/internal/runner"

	"github.com/stretchr/testify/require"
)

func TestHTTPExecutor(t *testing.T) {
	t.Parallel()

	t.Run("fetches with the platform user agent", func(t *testing.T) {
		t.Parallel()
		var gotUA atomic.Value
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUA.Store(r.UserAgent())
		}))
		t.Cleanup(srv.Close)

		exec := runner.NewHTTPExecutor(0)
		_, err := exec.Execute(t.Context(), runner.Flow{
			JobID:    "job_1",
			Target:   model.Target{ID: "t1", URL: srv.URL, FlowTarget: 1},
			Platform: &model.Platform{OS: "windows", Browser: "chrome", UserAgent: "UA-test"},
		})
		require.NoError(t, err)
		require.Equal(t, "UA-test", gotUA.Load())
	})

	t.Run("server error is a failed flow", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		t.Cleanup(srv.Close)

		exec := runner.NewHTTPExecutor(0)
		_, err := exec.Execute(t.Context(), runner.Flow{
			Target: model.Target{ID: "t1", URL: srv.URL},
		})
		require.Error(t, err)
	})

	t.Run("click ratio one always clicks", func(t *testing.T) {
		t.Parallel()
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
		}))
		t.Cleanup(srv.Close)

		exec := runner.NewHTTPExecutor(0)
		res, err := exec.Execute(t.Context(), runner.Flow{
			Target: model.Target{ID: "t1", URL: srv.URL, ClickTarget: 1},
			Settings: protocol.JobSettings{
				HumanSurfing: model.HumanSurfing{AutoClick: true, ClickRatio: 1.0},
			},
		})
		require.NoError(t, err)
		require.True(t, res.Clicked)
		require.Equal(t, int32(2), hits.Load())
	})

	t.Run("unreachable target", func(t *testing.T) {
		t.Parallel()
		exec := runner.NewHTTPExecutor(0)
		_, err := exec.Execute(t.Context(), runner.Flow{
			Target: model.Target{ID: "t1", URL: "http://127.0.0.1:1"},
		})
		require.Error(t, err)
	})
}
