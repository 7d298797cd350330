package protocol_test

import (
	"testing"

	"github.com/trafficbuster/conductor/internal/protocol"

	"github.com/stretchr/testify/require"
)

func TestPeek(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		want     protocol.Type
		wantErr  bool
	}{
		{"new_job", `{"type":"newJob","jobConfig":{}}`, protocol.TypeNewJob, false},
		{"heartbeat", `{"type":"heartbeat"}`, protocol.TypeHeartbeat, false},
		{"extra_fields_ignored", `{"type":"log","jobId":"job_1","level":"info"}`, protocol.TypeLog, false},
		{"missing_type", `{"jobId":"job_1"}`, "", true},
		{"not_json", `type=log`, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			got, err := protocol.Peek([]byte(tc.given))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	t.Run("register", func(t *testing.T) {
		t.Parallel()
		raw := `{"type":"register","os":"windows","browser":"chrome","capabilities":{"headless":true}}`
		msg, err := protocol.Decode(protocol.TypeRegister, []byte(raw))
		require.NoError(t, err)
		reg := msg.(*protocol.Register)
		require.Equal(t, "windows", reg.OS)
		require.Equal(t, true, reg.Capabilities["headless"])
	})

	t.Run("flow done update", func(t *testing.T) {
		t.Parallel()
		raw := `{"type":"flowDoneUpdate","jobId":"job_1","targetId":"t1","newFlowDone":7}`
		msg, err := protocol.Decode(protocol.TypeFlowDone, []byte(raw))
		require.NoError(t, err)
		upd := msg.(*protocol.FlowDoneUpdate)
		require.Equal(t, "job_1", upd.JobID)
		require.Equal(t, "t1", upd.TargetID)
		require.Equal(t, 7, upd.NewFlowDone)
	})

	t.Run("job complete with stats", func(t *testing.T) {
		t.Parallel()
		raw := `{"type":"jobComplete","jobId":"job_1","status":"completed","stats":{"total":10,"done":10,"success":8,"fail":2,"clicks":3}}`
		msg, err := protocol.Decode(protocol.TypeJobComplete, []byte(raw))
		require.NoError(t, err)
		jc := msg.(*protocol.JobComplete)
		require.Equal(t, "completed", jc.Status)
		require.Equal(t, 8, jc.Stats.Success)
		require.Equal(t, 2, jc.Stats.Fail)
		require.Equal(t, 3, jc.Stats.Clicks)
		require.False(t, jc.Stopped)
	})

	t.Run("new job round trip fields", func(t *testing.T) {
		t.Parallel()
		raw := `{"type":"newJob","jobConfig":{"jobId":"job_1","userId":"user_1","targets":[{"id":"t1","url":"https://example.com","flowTarget":5}],"settings":{"instanceCount":2,"sessionDuration":{"min":1000,"max":3000}}}}`
		msg, err := protocol.Decode(protocol.TypeNewJob, []byte(raw))
		require.NoError(t, err)
		nj := msg.(*protocol.NewJob)
		require.Equal(t, "job_1", nj.JobConfig.JobID)
		require.Len(t, nj.JobConfig.Targets, 1)
		require.Equal(t, 5, nj.JobConfig.Targets[0].FlowTarget)
		require.Equal(t, 2, nj.JobConfig.Settings.InstanceCount)
	})

	t.Run("unsupported type", func(t *testing.T) {
		t.Parallel()
		_, err := protocol.Decode(protocol.Type("selfDestruct"), []byte(`{"type":"selfDestruct"}`))
		require.Error(t, err)
	})
}
