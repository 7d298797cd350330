// Package protocol defines the JSON message contract spoken over both
// channel populations: runner connections and user connections. Every
// message carries a `type` discriminator; runner-originated messages
// other than register and heartbeat also carry a `jobId`.
package protocol

import (
	"github.com/trafficbuster/conductor/internal/model"
)

type Type string

const (
	// orchestrator -> runner
	TypeNewJob  Type = "newJob"
	TypeStopJob Type = "stopJob"

	// runner -> orchestrator
	TypeRegister    Type = "register"
	TypeJobAck      Type = "jobAck"
	TypeFlowDone    Type = "flowDoneUpdate"
	TypeJobComplete Type = "jobComplete"
	TypeLog         Type = "log"

	// both directions, liveness only
	TypeHeartbeat    Type = "heartbeat"
	TypeHeartbeatAck Type = "heartbeatAck"

	// connection control
	TypeConnected  Type = "connected"
	TypeRegistered Type = "registered"
	TypeStatus     Type = "status"

	// orchestrator -> user
	TypeJobStatusUpdate Type = "jobStatusUpdate"
)

// JobSettings is the entitlement-capped settings subset shipped to a
// runner; InstanceCount never exceeds the owner's license limit.
type JobSettings struct {
	InstanceCount     int                `json:"instanceCount"`
	HumanSurfing      model.HumanSurfing `json:"humanSurfing"`
	SessionDuration   model.Range        `json:"sessionDuration"`
	DelayBetweenFlows model.Range        `json:"delayBetweenFlows"`
}

// JobDescriptor is everything a runner needs to execute a job.
type JobDescriptor struct {
	JobID     string           `json:"jobId"`
	UserID    string           `json:"userId"`
	Targets   []model.Target   `json:"targets"`
	Proxies   []model.Proxy    `json:"proxies"`
	Platforms []model.Platform `json:"platforms"`
	Settings  JobSettings      `json:"settings"`
}

type NewJob struct {
	Type      Type          `json:"type"`
	JobConfig JobDescriptor `json:"jobConfig"`
}

type StopJob struct {
	Type  Type   `json:"type"`
	JobID string `json:"jobId"`
}

type Register struct {
	Type         Type           `json:"type"`
	OS           string         `json:"os"`
	Browser      string         `json:"browser"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

type JobAck struct {
	Type   Type   `json:"type"`
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// FlowDoneUpdate reports progress mid-job. NewFlowDone is the job-level
// running total of completed flows, not a per-target count; TargetID
// only labels which target advanced it.
type FlowDoneUpdate struct {
	Type        Type   `json:"type"`
	JobID       string `json:"jobId"`
	TargetID    string `json:"targetId"`
	NewFlowDone int    `json:"newFlowDone"`
}

// JobStats is the aggregate a runner reports. Done counts both outcomes,
// so Done == Success+Fail when the runner drained its whole queue.
type JobStats struct {
	Total   int `json:"total"`
	Done    int `json:"done"`
	Success int `json:"success"`
	Fail    int `json:"fail"`
	Clicks  int `json:"clicks,omitempty"`
}

type JobComplete struct {
	Type    Type     `json:"type"`
	JobID   string   `json:"jobId"`
	Status  string   `json:"status"` // completed | failed | stopped
	Stats   JobStats `json:"stats"`
	Stopped bool     `json:"stopped,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type Log struct {
	Type    Type           `json:"type"`
	JobID   string         `json:"jobId"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

type Heartbeat struct {
	Type Type `json:"type"`
}

type HeartbeatAck struct {
	Type Type `json:"type"`
}

// Connected greets an authenticated connection before registration.
type Connected struct {
	Success bool   `json:"success"`
	Type    Type   `json:"type"`
	Message string `json:"message,omitempty"`
}

type Registered struct {
	Success  bool   `json:"success"`
	Type     Type   `json:"type"`
	RunnerID string `json:"runnerId"`
	Message  string `json:"message,omitempty"`
}

// Reject is the structured close frame for failed authentication:
// TOKEN_MISSING, TOKEN_INVALID, SESSION_INVALID, AUTH_FAILED.
type Reject struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	CodeTokenMissing   = "TOKEN_MISSING"
	CodeTokenInvalid   = "TOKEN_INVALID"
	CodeSessionInvalid = "SESSION_INVALID"
	CodeAuthFailed     = "AUTH_FAILED"
)

// UserHello confirms a user channel after session validation.
type UserHello struct {
	Success   bool   `json:"success"`
	Type      Type   `json:"type"`
	Status    string `json:"status"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}
