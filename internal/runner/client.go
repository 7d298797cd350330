// Package runner is the agent that connects to the orchestrator,
// registers its platform and executes dispatched jobs. One job at a
// time; the connection reconnects forever with a fixed backoff and a
// job does not survive its channel.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trafficbuster/conductor/internal/protocol"
)

type Options struct {
	// URL is the orchestrator's runner endpoint, e.g.
	// ws://host:5252/ws/runner.
	URL     string
	Key     string
	OS      string // defaults to the host OS
	Browser string
	Caps    map[string]any

	Heartbeat time.Duration
	Reconnect time.Duration
	Executor  FlowExecutor
}

func (o Options) withDefaults() Options {
	if o.OS == "" {
		o.OS = detectOS()
	}
	if o.Browser == "" {
		o.Browser = "chrome"
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.Reconnect <= 0 {
		o.Reconnect = 5 * time.Second
	}
	if o.Executor == nil {
		o.Executor = NewHTTPExecutor(0)
	}
	return o
}

func detectOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "macos"
	default:
		return runtime.GOOS
	}
}

type Client struct {
	opts Options

	writeMu sync.Mutex
	conn    *websocket.Conn

	jobMu   sync.Mutex
	jobID   string
	jobStop chan struct{}
}

func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if _, err := url.Parse(opts.URL); err != nil || opts.URL == "" {
		return nil, fmt.Errorf("invalid orchestrator url %q", opts.URL)
	}
	return &Client{opts: opts}, nil
}

// Run connects and serves until ctx ends, reconnecting after every
// connection loss.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.session(ctx); err != nil {
			slog.Warn("orchestrator session ended", "error", err)
		}
		c.abortJob()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.Reconnect):
		}
	}
}

// session runs one connection lifetime: dial, register, then read until
// the channel dies.
func (c *Client) session(ctx context.Context) error {
	u, _ := url.Parse(c.opts.URL)
	q := u.Query()
	q.Set("key", c.opts.Key)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dialing orchestrator: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	err = c.send(protocol.Register{
		Type:         protocol.TypeRegister,
		OS:           c.opts.OS,
		Browser:      c.opts.Browser,
		Capabilities: c.opts.Caps,
	})
	if err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	slog.Info("registration sent", "os", c.opts.OS, "browser", c.opts.Browser)

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(hbCtx)

	return c.readLoop(ctx, conn)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		t, err := protocol.Peek(data)
		if err != nil {
			slog.Debug("dropping malformed orchestrator message", "error", err)
			continue
		}

		switch t {
		case protocol.TypeNewJob:
			msg, err := protocol.Decode(t, data)
			if err != nil {
				slog.Warn("dropping undecodable job dispatch", "error", err)
				continue
			}
			c.startJob(ctx, msg.(*protocol.NewJob).JobConfig)
		case protocol.TypeStopJob:
			msg, err := protocol.Decode(t, data)
			if err != nil {
				continue
			}
			c.stopJob(msg.(*protocol.StopJob).JobID)
		case protocol.TypeHeartbeat:
			_ = c.send(protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck})
		case protocol.TypeHeartbeatAck, protocol.TypeRegister:
			// heartbeatAck answers our own ticker; nothing to do.
		default:
			// connected/registered control frames and anything newer.
			slog.Debug("ignoring orchestrator message", "type", string(t))
		}
	}
}

// startJob accepts a dispatch and runs it on its own goroutine. A
// dispatch while busy is refused with an immediate failed completion;
// the orchestrator treats dispatch-to-busy as its own bug.
func (c *Client) startJob(ctx context.Context, desc protocol.JobDescriptor) {
	c.jobMu.Lock()
	if c.jobID != "" {
		c.jobMu.Unlock()
		slog.Warn("refusing dispatch while busy", "job", desc.JobID, "active", c.jobID)
		_ = c.send(protocol.JobComplete{
			Type:   protocol.TypeJobComplete,
			JobID:  desc.JobID,
			Status: "failed",
			Error:  "runner is busy",
		})
		return
	}
	stop := make(chan struct{})
	c.jobID = desc.JobID
	c.jobStop = stop
	c.jobMu.Unlock()

	_ = c.send(protocol.JobAck{Type: protocol.TypeJobAck, JobID: desc.JobID, Status: "accepted"})
	c.sendLog(desc.JobID, "info", fmt.Sprintf("Executing %d targets with %d instances",
		len(desc.Targets), desc.Settings.InstanceCount))

	go func() {
		stats := executeJob(ctx, c.opts.Executor, desc, stop, func(targetID string, newFlowDone int) {
			_ = c.send(protocol.FlowDoneUpdate{
				Type:        protocol.TypeFlowDone,
				JobID:       desc.JobID,
				TargetID:    targetID,
				NewFlowDone: newFlowDone,
			})
		})

		stopped := false
		select {
		case <-stop:
			stopped = true
		default:
		}
		status := "completed"
		if stopped {
			status = "stopped"
		}

		_ = c.send(protocol.JobComplete{
			Type:    protocol.TypeJobComplete,
			JobID:   desc.JobID,
			Status:  status,
			Stats:   stats,
			Stopped: stopped,
		})
		slog.Info("job finished", "job", desc.JobID, "status", status,
			"success", stats.Success, "fail", stats.Fail)

		c.jobMu.Lock()
		if c.jobID == desc.JobID {
			c.jobID = ""
			c.jobStop = nil
		}
		c.jobMu.Unlock()
	}()
}

// stopJob interrupts the active job; its goroutine sends the single
// jobComplete once the workers have drained.
func (c *Client) stopJob(jobID string) {
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	if c.jobID != jobID || c.jobStop == nil {
		slog.Debug("stop for unknown job", "job", jobID)
		return
	}
	slog.Info("stopping job", "job", jobID)
	close(c.jobStop)
	c.jobStop = nil
}

// abortJob kills the active job on connection loss. No completion is
// sent: the channel is gone and the orchestrator already failed the job.
func (c *Client) abortJob() {
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	if c.jobStop != nil {
		close(c.jobStop)
		c.jobStop = nil
	}
	c.jobID = ""
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(protocol.Heartbeat{Type: protocol.TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendLog(jobID, level, message string) {
	_ = c.send(protocol.Log{
		Type:    protocol.TypeLog,
		JobID:   jobID,
		Level:   level,
		Message: message,
	})
}

func (c *Client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}
