// Package gateway terminates both websocket populations: user channels
// authenticated by session token and runner channels authenticated by a
// pre-shared key. It routes runner reports into the job manager and is
// the sole subscriber to the job event stream, fanning events out to
// the owning user's connections.
package gateway

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trafficbuster/conductor/internal/job"
	"github.com/trafficbuster/conductor/internal/pool"
	"github.com/trafficbuster/conductor/internal/protocol"
	"github.com/trafficbuster/conductor/internal/session"
)

// Jobs is what the gateway needs from the lifecycle manager: routing
// runner reports and user status queries.
type Jobs interface {
	HandleAck(jobID, status string)
	HandleFlowDone(jobID, targetID string, newFlowDone int)
	HandleComplete(ctx context.Context, jobID string, stats protocol.JobStats)
	HandleLog(jobID, level, message string, meta map[string]any)
	FailFromRunnerLoss(ctx context.Context, jobID, runnerID string)
	ListForUser(userID string) []job.Snapshot
}

// Pool is the runner registry surface the gateway drives.
type Pool interface {
	Register(conn pool.Sender, reg protocol.Register) pool.Snapshot
	Remove(runnerID string) (jobID string, ok bool)
	Heartbeat(runnerID string)
}

type Options struct {
	JWTSecret []byte
	RunnerKey string
	// UserPing is the user channel ping interval; the runner interval is
	// twice that. One missed pong terminates the connection.
	UserPing time.Duration
}

func (o Options) withDefaults() Options {
	if o.UserPing <= 0 {
		o.UserPing = 15 * time.Second
	}
	return o
}

type Gateway struct {
	jobs     Jobs
	pool     Pool
	sessions *session.Store
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.Mutex
	users map[string]map[*wsConn]struct{}
}

func New(jobs Jobs, runners Pool, sessions *session.Store, opts Options) *Gateway {
	return &Gateway{
		jobs:     jobs,
		pool:     runners,
		sessions: sessions,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The channel is authenticated by token or key, not origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		users: make(map[string]map[*wsConn]struct{}),
	}
}

func (g *Gateway) runnerPing() time.Duration {
	return 2 * g.opts.UserPing
}

// Deliver implements job.Sink: each event becomes one user-bound
// message sent to every live connection of the owning user. Users with
// no connection lose the event; state is re-queryable over the API.
func (g *Gateway) Deliver(userID string, ev job.Event) {
	var msg any
	switch ev.Type {
	case job.EventStatus:
		msg = jobStatusUpdate{Type: protocol.TypeJobStatusUpdate, Job: *ev.Status}
	case job.EventLog:
		msg = jobLog{
			Type:    protocol.TypeLog,
			JobID:   ev.JobID,
			Level:   ev.Log.Level,
			Message: ev.Log.Message,
			Meta:    ev.Log.Meta,
			TS:      ev.Log.TS,
		}
	case job.EventProgress:
		msg = flowDone{
			Type:     protocol.TypeFlowDone,
			JobID:    ev.JobID,
			TargetID: ev.Progress.TargetID,
			FlowDone: ev.Progress.FlowDone,
		}
	default:
		return
	}

	g.mu.Lock()
	conns := make([]*wsConn, 0, len(g.users[userID]))
	for c := range g.users[userID] {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			slog.Warn("delivering event to user channel failed", "user", userID, "error", err)
		}
	}
}

// user-bound message shapes; runner-bound ones live in protocol.

type jobStatusUpdate struct {
	Type protocol.Type `json:"type"`
	Job  job.Snapshot  `json:"job"`
}

type jobLog struct {
	Type    protocol.Type  `json:"type"`
	JobID   string         `json:"jobId"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
	TS      time.Time      `json:"ts"`
}

type flowDone struct {
	Type     protocol.Type `json:"type"`
	JobID    string        `json:"jobId"`
	TargetID string        `json:"targetId"`
	FlowDone int           `json:"flowDone"`
}

type statusReply struct {
	Type protocol.Type  `json:"type"`
	Jobs []job.Snapshot `json:"jobs"`
}

func (g *Gateway) addUser(userID string, c *wsConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.users[userID]
	if !ok {
		set = make(map[*wsConn]struct{})
		g.users[userID] = set
	}
	set[c] = struct{}{}
}

func (g *Gateway) removeUser(userID string, c *wsConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.users[userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(g.users, userID)
		}
	}
}

// UserConnCount reports live user connections, all users combined.
func (g *Gateway) UserConnCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, set := range g.users {
		n += len(set)
	}
	return n
}

func equalKey(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// keepalive pings the connection on a fixed interval until ctx ends.
// The read loop owns the deadline; a peer that stops answering pings
// times out there.
func (g *Gateway) keepalive(ctx context.Context, c *wsConn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(5 * time.Second); err != nil {
				c.Close()
				return
			}
		}
	}
}

// armDeadline configures the pong-driven read deadline: interval plus
// slack, refreshed on every pong.
func armDeadline(conn *websocket.Conn, interval time.Duration) {
	window := interval + interval/2
	_ = conn.SetReadDeadline(time.Now().Add(window))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(window))
	})
}
