package job

import (
	"time"
)

type EventType string

const (
	EventStatus   EventType = "statusUpdate"
	EventLog      EventType = "log"
	EventProgress EventType = "progress"
)

// Event is one entry of a job's typed event stream. Exactly one of the
// payload fields is set, matching Type.
type Event struct {
	Type   EventType
	JobID  string
	UserID string

	Status   *Snapshot
	Log      *LogEvent
	Progress *ProgressEvent
}

type LogEvent struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
	TS      time.Time      `json:"ts"`
}

type ProgressEvent struct {
	TargetID string `json:"targetId"`
	FlowDone int    `json:"flowDone"`
}

// Sink receives every event of every job, keyed by the owning user. The
// gateway is the only implementation; it fans events out to that user's
// channels.
type Sink interface {
	Deliver(userID string, ev Event)
}

// discardSink keeps jobs working when no gateway is attached (tests).
type discardSink struct{}

func (discardSink) Deliver(string, Event) {}
