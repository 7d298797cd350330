package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/trafficbuster/conductor/internal/model"
	"github.com/trafficbuster/conductor/internal/protocol"
)

// HandleRunner upgrades a runner channel. Runners authenticate with the
// pre-shared key, then stay inert until their register message arrives;
// only registered runners enter the pool.
func (g *Gateway) HandleRunner(w http.ResponseWriter, r *http.Request) {
	raw, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("runner channel upgrade failed", "error", err)
		return
	}
	c := newConn(raw)

	key := r.URL.Query().Get("key")
	if key == "" {
		key = r.Header.Get("X-Runner-Key")
	}
	if !equalKey(key, g.opts.RunnerKey) {
		slog.Warn("runner channel rejected", "remote", r.RemoteAddr, "error", model.ErrAuthRejected)
		_ = c.Send(protocol.Reject{Success: false, Code: protocol.CodeAuthFailed, Message: "Invalid runner key"})
		c.CloseWith(websocket.ClosePolicyViolation, protocol.CodeAuthFailed)
		return
	}

	err = c.Send(protocol.Connected{
		Success: true,
		Type:    protocol.TypeConnected,
		Message: "Awaiting registration",
	})
	if err != nil {
		c.Close()
		return
	}
	slog.Info("runner channel connected", "remote", r.RemoteAddr)

	interval := g.runnerPing()
	armDeadline(raw, interval)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go g.keepalive(ctx, c, interval)

	runnerID := g.runnerReadLoop(ctx, c, raw)

	c.Close()
	if runnerID == "" {
		return
	}
	// Channel gone: pull the runner from the pool and fail whatever job
	// was assigned to it.
	jobID, ok := g.pool.Remove(runnerID)
	if !ok {
		return
	}
	slog.Info("runner channel closed", "runner", runnerID, "job", jobID)
	if jobID != "" {
		g.jobs.FailFromRunnerLoss(context.WithoutCancel(ctx), jobID, runnerID)
	}
}

// runnerReadLoop reads until the channel dies, returning the runner id
// once registered (empty when the runner never registered).
func (g *Gateway) runnerReadLoop(ctx context.Context, c *wsConn, raw *websocket.Conn) (runnerID string) {
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return runnerID
		}

		t, err := protocol.Peek(data)
		if err != nil {
			slog.Debug("dropping malformed runner message", "runner", runnerID, "error", err)
			continue
		}
		msg, err := protocol.Decode(t, data)
		if err != nil {
			slog.Warn("dropping undecodable runner message", "runner", runnerID, "type", string(t), "error", err)
			continue
		}

		if runnerID == "" {
			reg, ok := msg.(*protocol.Register)
			if !ok {
				slog.Debug("ignoring pre-registration runner message", "type", string(t))
				continue
			}
			snap := g.pool.Register(c, *reg)
			runnerID = snap.ID
			_ = c.Send(protocol.Registered{
				Success:  true,
				Type:     protocol.TypeRegistered,
				RunnerID: runnerID,
			})
			continue
		}

		g.routeRunnerMessage(ctx, c, runnerID, msg)
	}
}

func (g *Gateway) routeRunnerMessage(ctx context.Context, c *wsConn, runnerID string, msg any) {
	switch m := msg.(type) {
	case *protocol.Register:
		// Re-registering an open channel is a protocol error the runner
		// recovers from by reconnecting.
		slog.Warn("runner sent duplicate register", "runner", runnerID)
	case *protocol.JobAck:
		g.jobs.HandleAck(m.JobID, m.Status)
	case *protocol.FlowDoneUpdate:
		g.jobs.HandleFlowDone(m.JobID, m.TargetID, m.NewFlowDone)
	case *protocol.JobComplete:
		g.jobs.HandleComplete(ctx, m.JobID, m.Stats)
	case *protocol.Log:
		g.jobs.HandleLog(m.JobID, m.Level, m.Message, m.Meta)
	case *protocol.Heartbeat:
		g.pool.Heartbeat(runnerID)
		_ = c.Send(protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck})
	case *protocol.HeartbeatAck:
		g.pool.Heartbeat(runnerID)
	default:
		slog.Debug("ignoring runner message", "runner", runnerID)
	}
}
