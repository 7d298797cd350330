// Package pool tracks the live set of connected runners and performs
// capability matching and dispatch. It never blocks on a runner's
// response: dispatch is a single channel write, everything else the
// runner reports comes back asynchronously through the gateway.
package pool

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trafficbuster/conductor/internal/model"
	"github.com/trafficbuster/conductor/internal/protocol"
)

type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// Sender is the live channel handle attached to a registered runner.
// The gateway's connection type implements it.
type Sender interface {
	Send(v any) error
}

// Runner is the pool's record of one connected runner. Status is busy
// iff CurrentJobID is non-empty.
type Runner struct {
	ID           string
	OS           string
	Browser      string
	Capabilities map[string]any
	Status       Status
	RegisteredAt time.Time
	LastSeen     time.Time
	CurrentJobID string

	conn Sender
}

// Snapshot is the connection-free projection handed to callers.
type Snapshot struct {
	ID           string         `json:"id"`
	OS           string         `json:"os"`
	Browser      string         `json:"browser"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	Status       Status         `json:"status"`
	RegisteredAt time.Time      `json:"registeredAt"`
	LastSeen     time.Time      `json:"lastSeen"`
	CurrentJobID string         `json:"currentJobId,omitempty"`
}

func (r *Runner) snapshot() Snapshot {
	return Snapshot{
		ID:           r.ID,
		OS:           r.OS,
		Browser:      r.Browser,
		Capabilities: r.Capabilities,
		Status:       r.Status,
		RegisteredAt: r.RegisteredAt,
		LastSeen:     r.LastSeen,
		CurrentJobID: r.CurrentJobID,
	}
}

type Manager struct {
	mu           sync.Mutex
	runners      map[string]*Runner
	strategy     Strategy
	fingerprints []model.Platform
}

// NewManager builds an empty pool. A nil strategy defaults to random
// selection; fingerprints is the master capability catalog and may be
// empty.
func NewManager(strategy Strategy, fingerprints []model.Platform) *Manager {
	if strategy == nil {
		strategy = NewRandom()
	}
	return &Manager{
		runners:      make(map[string]*Runner),
		strategy:     strategy,
		fingerprints: fingerprints,
	}
}

// Register creates a record for an authenticated, registered connection
// and returns its snapshot. The caller attaches the id to the channel
// for later correlation.
func (m *Manager) Register(conn Sender, reg protocol.Register) Snapshot {
	osName := reg.OS
	if osName == "" {
		osName = "unknown"
	}
	browser := reg.Browser
	if browser == "" {
		browser = "chrome"
	}

	now := time.Now()
	r := &Runner{
		ID:           "runner_" + uuid.NewString(),
		OS:           osName,
		Browser:      browser,
		Capabilities: reg.Capabilities,
		Status:       StatusIdle,
		RegisteredAt: now,
		LastSeen:     now,
		conn:         conn,
	}

	m.mu.Lock()
	m.runners[r.ID] = r
	total := len(m.runners)
	m.mu.Unlock()

	slog.Info("runner registered", "runner", r.ID, "os", r.OS, "browser", r.Browser, "online", total)
	return r.snapshot()
}

// Remove drops a runner record on channel close or liveness timeout and
// returns the job id it was holding, if any. Failing that job is the
// gateway's responsibility, not the pool's.
func (m *Manager) Remove(runnerID string) (jobID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[runnerID]
	if !ok {
		return "", false
	}
	delete(m.runners, runnerID)
	slog.Info("runner removed", "runner", runnerID, "os", r.OS, "online", len(m.runners))
	return r.CurrentJobID, true
}

// FindAvailable picks an idle runner for the request. A nil request
// matches any idle runner; otherwise the OS must match case-insensitively
// and, when the request names a browser, so must the browser. Selection
// among matches follows the configured strategy.
func (m *Manager) FindAvailable(req *model.PlatformRequest) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*Runner
	for _, r := range m.runners {
		if r.Status != StatusIdle {
			continue
		}
		if req != nil && req.OS != "" {
			if !strings.EqualFold(r.OS, req.OS) {
				continue
			}
			if req.Browser != "" && !strings.EqualFold(r.Browser, req.Browser) {
				continue
			}
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return Snapshot{}, false
	}

	picked := m.strategy.Pick(candidates)
	return picked.snapshot(), true
}

// Dispatch flips the runner to busy and writes the job descriptor to its
// channel in one critical section, so no second caller can target the
// same runner in between. A failed write rolls the runner back to idle.
func (m *Manager) Dispatch(runnerID string, msg protocol.NewJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[runnerID]
	if !ok {
		return fmt.Errorf("runner %s: %w", runnerID, model.ErrRunnerNotFound)
	}
	if r.Status != StatusIdle {
		return fmt.Errorf("runner %s is %s: %w", runnerID, r.Status, model.ErrRunnerNotIdle)
	}

	r.Status = StatusBusy
	r.CurrentJobID = msg.JobConfig.JobID
	r.LastSeen = time.Now()

	if err := r.conn.Send(msg); err != nil {
		r.Status = StatusIdle
		r.CurrentJobID = ""
		return fmt.Errorf("sending job %s to runner %s: %w: %w",
			msg.JobConfig.JobID, runnerID, model.ErrDispatchSend, err)
	}
	return nil
}

// SendStop writes a stop message to the runner's channel, best effort.
func (m *Manager) SendStop(runnerID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[runnerID]
	if !ok {
		return fmt.Errorf("runner %s: %w", runnerID, model.ErrRunnerNotFound)
	}
	return r.conn.Send(protocol.StopJob{Type: protocol.TypeStopJob, JobID: jobID})
}

// MarkIdle clears the current job and flips the runner back to idle.
// Both the job cleanup path and the completion path call this, so it is
// idempotent.
func (m *Manager) MarkIdle(runnerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[runnerID]
	if !ok {
		return
	}
	r.Status = StatusIdle
	r.CurrentJobID = ""
	r.LastSeen = time.Now()
}

// Heartbeat refreshes last-seen only; it never changes status.
func (m *Manager) Heartbeat(runnerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.runners[runnerID]; ok {
		r.LastSeen = time.Now()
	}
}

// AvailablePlatforms intersects the fingerprint catalog with the OS
// values currently online. No runners means no platforms.
func (m *Manager) AvailablePlatforms() []model.Platform {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.runners) == 0 {
		return nil
	}
	online := make(map[string]struct{}, len(m.runners))
	for _, r := range m.runners {
		online[strings.ToLower(r.OS)] = struct{}{}
	}

	var out []model.Platform
	for _, fp := range m.fingerprints {
		if _, ok := online[strings.ToLower(fp.OS)]; ok {
			out = append(out, fp)
		}
	}
	return out
}

// List returns snapshots of every connected runner for monitoring.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r.snapshot())
	}
	return out
}

// BusyCount reports how many runners currently hold a job.
func (m *Manager) BusyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.runners {
		if r.Status == StatusBusy {
			n++
		}
	}
	return n
}
