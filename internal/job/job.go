// Package job owns the job entity, its state machine and the lifecycle
// manager that creates, delegates and reconciles jobs. State moves only
// forward: pending, loading, running, stopping, stopped, with failed
// reachable from loading, running or a dispatch failure. There is no
// resume from a terminal state; a new request always creates a new job.
package job

import (
	"sync"
	"time"

	"github.com/trafficbuster/conductor/internal/model"
)

type State string

const (
	StatePending  State = "pending"
	StateLoading  State = "loading"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

type Stats struct {
	TotalFlows  int       `json:"totalFlows"`
	DoneFlows   int       `json:"doneFlows"`
	TotalClicks int       `json:"totalClicks"`
	DoneClicks  int       `json:"doneClicks"`
	Success     int       `json:"success"`
	Fail        int       `json:"fail"`
	StartTime   time.Time `json:"startTime,omitzero"`
}

// Config is the resolved configuration snapshot a job runs with: the
// merged settings plus the loaded datasets. Never shared by reference
// outside the package.
type Config struct {
	model.Settings
	Targets   []model.Target   `json:"targets"`
	Proxies   []model.Proxy    `json:"proxies"`
	Platforms []model.Platform `json:"platforms"`
}

type ConfigSummary struct {
	InstanceCount int    `json:"instanceCount"`
	Targets       string `json:"targets"`
	Proxies       string `json:"proxies"`
	Platforms     string `json:"platforms"`
	Settings      string `json:"settings"`
}

// Snapshot is the read-only projection exposed to callers; internal
// mutable state stays behind the job's lock.
type Snapshot struct {
	JobID            string        `json:"jobId"`
	UserID           string        `json:"userId"`
	Status           State         `json:"status"`
	Stats            Stats         `json:"stats"`
	HistoryID        string        `json:"historyId,omitempty"`
	AssignedRunnerID string        `json:"assignedRunnerId,omitempty"`
	ConfigSummary    ConfigSummary `json:"configSummary"`
}

// Job is exclusively owned by the Manager. All field access goes through
// mu; the pool references a job only by id.
type Job struct {
	id     string
	userID string
	matrix model.Entitlements
	refs   model.DatasetRefs

	mu        sync.Mutex
	state     State
	config    *Config
	stats     Stats
	historyID string
	runnerID  string

	// confirmed is closed when the runner reports jobComplete, letting a
	// pending stop finalize before its grace delay expires.
	confirmed   chan struct{}
	confirmOnce sync.Once

	events chan Event
	closed bool
}

func (j *Job) snapshotLocked() Snapshot {
	summary := ConfigSummary{
		Targets:   j.refs.TargetSet,
		Proxies:   orNone(j.refs.ProxySet),
		Platforms: orNone(j.refs.PlatformSet),
		Settings:  j.refs.SettingsProfile,
	}
	if j.config != nil {
		summary.InstanceCount = j.config.InstanceCount
	}
	return Snapshot{
		JobID:            j.id,
		UserID:           j.userID,
		Status:           j.state,
		Stats:            j.stats,
		HistoryID:        j.historyID,
		AssignedRunnerID: j.runnerID,
		ConfigSummary:    summary,
	}
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

// Events is the job's subscription point. The channel is buffered and
// closed once on cleanup; slow consumers lose events rather than block
// the lifecycle.
func (j *Job) Events() <-chan Event {
	return j.events
}

// publishLocked requires j.mu held, which also serializes sends against
// the close in cleanup.
func (j *Job) publishLocked(ev Event) {
	if j.closed {
		return
	}
	ev.JobID = j.id
	ev.UserID = j.userID
	select {
	case j.events <- ev:
	default:
	}
}

func (j *Job) emitStatusLocked() {
	snap := j.snapshotLocked()
	j.publishLocked(Event{Type: EventStatus, Status: &snap})
}

func (j *Job) emitLogLocked(level, message string) {
	j.publishLocked(Event{Type: EventLog, Log: &LogEvent{
		Level:   level,
		Message: message,
		TS:      time.Now(),
	}})
}

func (j *Job) confirmCompletion() {
	j.confirmOnce.Do(func() {
		close(j.confirmed)
	})
}

// durationSecLocked computes the history duration; zero when the job
// never started running.
func (j *Job) durationSecLocked() int {
	if j.stats.StartTime.IsZero() {
		return 0
	}
	return int(time.Since(j.stats.StartTime) / time.Second)
}
