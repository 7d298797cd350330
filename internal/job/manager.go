package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trafficbuster/conductor/internal/dataset"
	"github.com/trafficbuster/conductor/internal/history"
	"github.com/trafficbuster/conductor/internal/log"
	"github.com/trafficbuster/conductor/internal/model"
	"github.com/trafficbuster/conductor/internal/pool"
	"github.com/trafficbuster/conductor/internal/protocol"
)

// RunnerPool is what the lifecycle needs from the pool: matching,
// dispatch, best-effort stop and idle release.
type RunnerPool interface {
	FindAvailable(req *model.PlatformRequest) (pool.Snapshot, bool)
	Dispatch(runnerID string, msg protocol.NewJob) error
	SendStop(runnerID, jobID string) error
	MarkIdle(runnerID string)
}

// History is the external audit collaborator.
type History interface {
	Add(ctx context.Context, rec history.Record) error
	Finalize(ctx context.Context, id, status string, durationSec int, stats history.Stats) error
}

type Options struct {
	PerUserCap  int           // concurrent non-terminal jobs per user
	StopGrace   time.Duration // fallback delay when no completion confirmation arrives
	CreateWait  time.Duration // wait after stopping a user's previous jobs; exceeds StopGrace
	SnapshotDir string        // resolved config snapshots for audit, empty disables
}

func (o Options) withDefaults() Options {
	if o.PerUserCap < 1 {
		o.PerUserCap = 1
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 500 * time.Millisecond
	}
	if o.CreateWait <= 0 {
		o.CreateWait = 2 * time.Second
	}
	return o
}

// Manager owns every live job. Jobs leave the registry exactly once, at
// cleanup, and are never resurrected.
type Manager struct {
	datasets dataset.Store
	hist     History
	runners  RunnerPool
	sink     Sink
	opts     Options

	mu       sync.Mutex
	jobs     map[string]*Job
	userJobs map[string]map[string]struct{}
}

func NewManager(datasets dataset.Store, hist History, runners RunnerPool, sink Sink, opts Options) *Manager {
	if sink == nil {
		sink = discardSink{}
	}
	return &Manager{
		datasets: datasets,
		hist:     hist,
		runners:  runners,
		sink:     sink,
		opts:     opts.withDefaults(),
		jobs:     make(map[string]*Job),
		userJobs: make(map[string]map[string]struct{}),
	}
}

// SetSink attaches the event consumer. Called once during wiring,
// before any job exists; the gateway and the manager reference each
// other, so one side has to bind late.
func (m *Manager) SetSink(sink Sink) {
	if sink != nil {
		m.sink = sink
	}
}

// Create builds, loads and delegates a new job for the user. When the
// user already has non-terminal jobs they are stopped first and the call
// waits a fixed interval before proceeding; the race between the old
// job's runner going idle and the new dispatch is resolved by that
// interval, not by synchronization.
func (m *Manager) Create(ctx context.Context, userID string, matrix model.Entitlements, refs model.DatasetRefs) (Snapshot, error) {
	ctx = log.ContextAttrs(ctx, slog.String("user", userID))

	existing := m.ListForUser(userID)
	if len(existing) > 0 {
		slog.InfoContext(ctx, "stopping active jobs before create", "count", len(existing))
		for _, snap := range existing {
			if j := m.get(snap.JobID); j != nil {
				m.stopJob(ctx, j)
			}
		}
		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-time.After(m.opts.CreateWait):
		}
	}

	j := &Job{
		id:        "job_" + uuid.NewString(),
		userID:    userID,
		matrix:    matrix,
		refs:      refs,
		state:     StatePending,
		confirmed: make(chan struct{}),
		events:    make(chan Event, 64),
	}
	if err := m.register(j); err != nil {
		return Snapshot{}, err
	}
	ctx = log.ContextAttrs(ctx, slog.String("job", j.id))
	go m.forward(j)

	if err := m.load(ctx, j); err != nil {
		m.cleanup(j)
		return Snapshot{}, err
	}

	m.addHistory(ctx, j)
	m.startDelegated(ctx, j)

	return m.snapshot(j), nil
}

// Stop requests a stop for the user's job. It reports true when the job
// was in a stoppable state; a stop on an already terminalizing job is a
// no-op.
func (m *Manager) Stop(ctx context.Context, userID, jobID string) (Snapshot, bool) {
	j := m.get(jobID)
	if j == nil || j.userID != userID {
		return Snapshot{}, false
	}

	j.mu.Lock()
	stoppable := j.state == StateRunning || j.state == StateLoading
	j.mu.Unlock()

	if stoppable {
		m.stopJob(ctx, j)
	}
	return m.snapshot(j), stoppable
}

// StopAllForUser stops every stoppable job of the user, returning how
// many stops were issued.
func (m *Manager) StopAllForUser(ctx context.Context, userID string) int {
	n := 0
	for _, snap := range m.ListForUser(userID) {
		if _, ok := m.Stop(ctx, userID, snap.JobID); ok {
			n++
		}
	}
	return n
}

func (m *Manager) Status(userID, jobID string) (Snapshot, bool) {
	j := m.get(jobID)
	if j == nil || j.userID != userID {
		return Snapshot{}, false
	}
	return m.snapshot(j), true
}

func (m *Manager) ListForUser(userID string) []Snapshot {
	m.mu.Lock()
	ids := make([]string, 0, len(m.userJobs[userID]))
	for id := range m.userJobs[userID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if j := m.get(id); j != nil {
			out = append(out, m.snapshot(j))
		}
	}
	return out
}

// ActiveCount reports live (non-terminal) jobs across all users.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// ---- runner-originated reconciliation, called by the gateway ----
// Every handler resolves the job by id and silently drops the message
// when the job is already gone.

func (m *Manager) HandleAck(jobID, status string) {
	j := m.get(jobID)
	if j == nil {
		return
	}
	j.mu.Lock()
	j.emitLogLocked("info", "Runner acknowledged job execution: "+status)
	j.mu.Unlock()
}

// HandleFlowDone merges a progress update; newFlowDone is the runner's
// job-level running total, so merging is a monotonic max. Late updates
// after stopping or stopped still land in stats; the state machine is
// not reopened.
func (m *Manager) HandleFlowDone(jobID, targetID string, newFlowDone int) {
	j := m.get(jobID)
	if j == nil {
		return
	}
	j.mu.Lock()
	if newFlowDone > j.stats.DoneFlows {
		j.stats.DoneFlows = newFlowDone
	}
	j.publishLocked(Event{Type: EventProgress, Progress: &ProgressEvent{
		TargetID: targetID,
		FlowDone: newFlowDone,
	}})
	j.mu.Unlock()
}

// HandleComplete merges the runner's final stats, confirms any pending
// stop and drives the job to its terminal state.
func (m *Manager) HandleComplete(ctx context.Context, jobID string, stats protocol.JobStats) {
	j := m.get(jobID)
	if j == nil {
		return
	}

	j.mu.Lock()
	j.emitLogLocked("info", "Job completed by runner")
	if stats != (protocol.JobStats{}) {
		j.stats.Success = stats.Success
		j.stats.Fail = stats.Fail
		if stats.Done > 0 {
			j.stats.DoneFlows = stats.Done
		} else {
			j.stats.DoneFlows = stats.Success + stats.Fail
		}
		if stats.Clicks > 0 {
			j.stats.DoneClicks = stats.Clicks
		}
	}
	j.mu.Unlock()

	j.confirmCompletion()
	m.stopJob(ctx, j)
}

func (m *Manager) HandleLog(jobID, level, message string, meta map[string]any) {
	j := m.get(jobID)
	if j == nil {
		return
	}
	if level == "" {
		level = "info"
	}
	j.mu.Lock()
	j.publishLocked(Event{Type: EventLog, Log: &LogEvent{
		Level:   level,
		Message: message,
		Meta:    meta,
		TS:      time.Now(),
	}})
	j.mu.Unlock()
}

// FailFromRunnerLoss fails a job whose runner channel closed while the
// job was assigned. A job already stopping just has its stop confirmed
// so it finalizes without waiting out the grace delay.
func (m *Manager) FailFromRunnerLoss(ctx context.Context, jobID, runnerID string) {
	j := m.get(jobID)
	if j == nil {
		return
	}

	j.mu.Lock()
	if j.state == StateStopping {
		j.mu.Unlock()
		j.confirmCompletion()
		return
	}
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.emitLogLocked("error", "Runner "+runnerID+" disconnected while the job was assigned")
	j.mu.Unlock()

	slog.WarnContext(ctx, "failing job after runner loss", "job", jobID, "runner", runnerID)
	m.finalize(ctx, j, StateFailed)
}

// ---- lifecycle internals ----

// load resolves the configuration snapshot: settings and targets are
// mandatory, proxies and platforms optional and entitlement gated. A
// missing optional dataset downgrades to a warning.
func (m *Manager) load(ctx context.Context, j *Job) error {
	// the job is already registered, so a stop can land while it loads;
	// never overwrite a stop-driven state here
	j.mu.Lock()
	if j.state == StatePending {
		j.state = StateLoading
		j.emitStatusLocked()
	}
	j.mu.Unlock()

	cfg, err := m.resolve(ctx, j)
	if err != nil {
		j.mu.Lock()
		if j.state == StateLoading {
			j.state = StateFailed
			j.emitStatusLocked()
		}
		j.emitLogLocked("error", "Failed to load job data: "+err.Error())
		j.mu.Unlock()
		return err
	}

	j.mu.Lock()
	j.config = cfg
	for _, t := range cfg.Targets {
		j.stats.TotalFlows += t.FlowTarget
		j.stats.TotalClicks += t.ClickTarget
	}
	j.mu.Unlock()

	m.persistSnapshot(ctx, j.id, cfg)
	return nil
}

func (m *Manager) resolve(ctx context.Context, j *Job) (*Config, error) {
	settings, err := m.datasets.Settings(ctx, j.userID, j.refs.SettingsProfile)
	if err != nil {
		return nil, err
	}
	targets, err := m.datasets.Targets(ctx, j.userID, j.refs.TargetSet)
	if err != nil {
		return nil, err
	}

	var proxies []model.Proxy
	if j.refs.ProxySet != "" {
		if !j.matrix.AllowProxies {
			return nil, fmt.Errorf("proxy set %q requires the allowProxies feature: %w",
				j.refs.ProxySet, model.ErrEntitlementDenied)
		}
		proxies, err = m.datasets.Proxies(ctx, j.userID, j.refs.ProxySet)
		if errors.Is(err, model.ErrDatasetNotFound) {
			m.warnMissing(j, "Proxy set", j.refs.ProxySet)
			proxies, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	var platforms []model.Platform
	if j.refs.PlatformSet != "" {
		if !j.matrix.AllowPlatformCustom {
			return nil, fmt.Errorf("platform set %q requires the allowPlatformCustom feature: %w",
				j.refs.PlatformSet, model.ErrEntitlementDenied)
		}
		platforms, err = m.datasets.Platforms(ctx, j.userID, j.refs.PlatformSet)
		if errors.Is(err, model.ErrDatasetNotFound) {
			m.warnMissing(j, "Platform set", j.refs.PlatformSet)
			platforms, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	return &Config{
		Settings:  settings.Merge(j.refs.Overrides),
		Targets:   targets,
		Proxies:   proxies,
		Platforms: platforms,
	}, nil
}

func (m *Manager) warnMissing(j *Job, what, name string) {
	j.mu.Lock()
	j.emitLogLocked("warn", fmt.Sprintf("%s %q not found, continuing without it", what, name))
	j.mu.Unlock()
}

// startDelegated derives the platform request, asks the pool for a
// runner and hands the descriptor over. Every failure here is terminal
// for the job, never for the process.
func (m *Manager) startDelegated(ctx context.Context, j *Job) {
	j.mu.Lock()
	if j.state != StateLoading {
		// stopped or failed while loading; never resurrect it
		j.mu.Unlock()
		return
	}
	j.state = StateRunning
	j.stats.StartTime = time.Now()
	j.emitStatusLocked()
	j.emitLogLocked("info", "Job started - delegating to runner")
	j.emitLogLocked("info", fmt.Sprintf("Total flows to execute: %d", j.stats.TotalFlows))
	j.emitLogLocked("info", fmt.Sprintf("Total clicks to execute: %d", j.stats.TotalClicks))

	var req *model.PlatformRequest
	if len(j.config.Platforms) > 0 {
		first := j.config.Platforms[0]
		req = &model.PlatformRequest{OS: first.OS, Browser: first.Browser}
		if req.OS == "" {
			req.OS = "windows"
		}
		if req.Browser == "" {
			req.Browser = "chrome"
		}
		j.emitLogLocked("info", fmt.Sprintf("Requesting runner: %s/%s", req.OS, req.Browser))
	}
	j.mu.Unlock()

	runner, ok := m.runners.FindAvailable(req)
	if !ok {
		err := fmt.Errorf("no runners online: %w", model.ErrNoRunnerAvailable)
		if req != nil {
			err = fmt.Errorf("no %s/%s runner online: %w", req.OS, req.Browser, model.ErrNoRunnerAvailable)
		}
		m.failDelegation(ctx, j, err)
		return
	}

	j.mu.Lock()
	j.runnerID = runner.ID
	j.emitLogLocked("info", fmt.Sprintf("Job assigned to runner: %s (%s/%s)", runner.ID, runner.OS, runner.Browser))
	desc := m.descriptorLocked(j)
	j.mu.Unlock()

	err := m.runners.Dispatch(runner.ID, protocol.NewJob{Type: protocol.TypeNewJob, JobConfig: desc})
	if err != nil {
		m.failDelegation(ctx, j, fmt.Errorf("dispatch to runner %s failed: %w", runner.ID, err))
		return
	}

	j.mu.Lock()
	j.emitLogLocked("info", "Job dispatched to runner successfully")
	j.mu.Unlock()
	slog.InfoContext(ctx, "job dispatched", "runner", runner.ID)
}

func (m *Manager) failDelegation(ctx context.Context, j *Job, err error) {
	j.mu.Lock()
	j.emitLogLocked("error", "Job delegation failed: "+err.Error())
	j.mu.Unlock()
	slog.WarnContext(ctx, "job delegation failed", "error", err)
	m.finalize(ctx, j, StateFailed)
}

// descriptorLocked builds the wire descriptor; instanceCount is capped
// by the entitlement matrix. Requires j.mu held.
func (m *Manager) descriptorLocked(j *Job) protocol.JobDescriptor {
	cfg := j.config
	instances := cfg.InstanceCount
	if instances < 1 {
		instances = 1
	}
	maxInstances := j.matrix.MaxInstances
	if maxInstances < 1 {
		maxInstances = 1
	}
	if instances > maxInstances {
		instances = maxInstances
	}

	sessionDuration := model.Range{Min: 1000, Max: 3000}
	if cfg.SessionDuration != nil {
		sessionDuration = *cfg.SessionDuration
	}
	delayBetween := model.Range{Min: 1000, Max: 2000}
	if cfg.DelayBetweenFlows != nil {
		delayBetween = *cfg.DelayBetweenFlows
	}

	return protocol.JobDescriptor{
		JobID:     j.id,
		UserID:    j.userID,
		Targets:   cfg.Targets,
		Proxies:   cfg.Proxies,
		Platforms: cfg.Platforms,
		Settings: protocol.JobSettings{
			InstanceCount:     instances,
			HumanSurfing:      cfg.HumanSurfing,
			SessionDuration:   sessionDuration,
			DelayBetweenFlows: delayBetween,
		},
	}
}

// stopJob transitions to stopping, tells the runner best-effort and
// finalizes either on the runner's completion confirmation or after the
// grace delay, whichever comes first. Idempotent.
func (m *Manager) stopJob(ctx context.Context, j *Job) {
	j.mu.Lock()
	if j.state == StateStopping || j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.state = StateStopping
	j.emitStatusLocked()
	j.emitLogLocked("info", "Job stopping...")
	runnerID := j.runnerID
	j.mu.Unlock()

	if runnerID != "" {
		if err := m.runners.SendStop(runnerID, j.id); err != nil {
			slog.WarnContext(ctx, "failed to send stop signal", "job", j.id, "runner", runnerID, "error", err)
		} else {
			j.mu.Lock()
			j.emitLogLocked("info", "Stop signal sent to runner")
			j.mu.Unlock()
		}
	}

	waitCtx := context.WithoutCancel(ctx)
	go func() {
		timer := time.NewTimer(m.opts.StopGrace)
		defer timer.Stop()
		select {
		case <-j.confirmed:
		case <-timer.C:
		}
		m.finalize(waitCtx, j, StateStopped)
	}()
}

// finalize applies the terminal state once, closes the history record
// and runs cleanup. Concurrent finalizations collapse into one.
func (m *Manager) finalize(ctx context.Context, j *Job, terminal State) {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.state = terminal
	j.emitStatusLocked()
	if terminal == StateStopped {
		j.emitLogLocked("info", "Job stopped.")
	}
	histID := j.historyID
	duration := j.durationSecLocked()
	stats := history.Stats{
		TotalFlow:   j.stats.TotalFlows,
		FlowDone:    j.stats.DoneFlows,
		Impressions: j.stats.DoneFlows,
		Clicks:      j.stats.DoneClicks,
		FailedFlow:  j.stats.Fail,
	}
	j.mu.Unlock()

	if histID != "" {
		if err := m.hist.Finalize(ctx, histID, string(terminal), duration, stats); err != nil {
			slog.WarnContext(ctx, "finalizing history failed", "job", j.id, "history", histID, "error", err)
		}
	}
	m.cleanup(j)
	slog.InfoContext(ctx, "job finalized", "job", j.id, "status", string(terminal))
}

// cleanup removes the job from the registry and the per-user index,
// releases its runner and detaches subscribers. Runs at most once per
// job because registry removal is idempotent and events close under the
// job lock.
func (m *Manager) cleanup(j *Job) {
	m.mu.Lock()
	delete(m.jobs, j.id)
	if set, ok := m.userJobs[j.userID]; ok {
		delete(set, j.id)
		if len(set) == 0 {
			delete(m.userJobs, j.userID)
		}
	}
	m.mu.Unlock()

	j.mu.Lock()
	runnerID := j.runnerID
	j.runnerID = ""
	j.mu.Unlock()

	if runnerID != "" {
		m.runners.MarkIdle(runnerID)
	}
	m.closeEvents(j)
}

func (m *Manager) closeEvents(j *Job) {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.events)
	}
	j.mu.Unlock()
}

// forward pumps the job's event stream into the sink until cleanup
// closes it.
func (m *Manager) forward(j *Job) {
	for ev := range j.events {
		m.sink.Deliver(ev.UserID, ev)
	}
}

func (m *Manager) addHistory(ctx context.Context, j *Job) {
	j.mu.Lock()
	rec := history.Record{
		ID:         "hist_" + uuid.NewString(),
		UserID:     j.userID,
		JobID:      j.id,
		ScheduleID: j.refs.ScheduleID,
		StartTime:  time.Now(),
		Status:     string(StateRunning),
		Stats:      history.Stats{TotalFlow: j.stats.TotalFlows},
		Config: history.ConfigSummary{
			TargetSet:       j.refs.TargetSet,
			ProxySet:        j.refs.ProxySet,
			PlatformSet:     j.refs.PlatformSet,
			SettingsProfile: j.refs.SettingsProfile,
			InstanceCount:   j.config.InstanceCount,
		},
	}
	j.historyID = rec.ID
	j.mu.Unlock()

	if err := m.hist.Add(ctx, rec); err != nil {
		slog.WarnContext(ctx, "adding history record failed", "job", j.id, "error", err)
	}
}

// register inserts the job under the per-user cap. The check and the
// insert share one critical section, so concurrent creates for the same
// user cannot both slip past the cap; the loser sees ErrJobLimitReached.
func (m *Manager) register(j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.userJobs[j.userID]) >= m.opts.PerUserCap {
		return fmt.Errorf("user %s: %w", j.userID, model.ErrJobLimitReached)
	}
	m.jobs[j.id] = j
	set, ok := m.userJobs[j.userID]
	if !ok {
		set = make(map[string]struct{})
		m.userJobs[j.userID] = set
	}
	set[j.id] = struct{}{}
	return nil
}

func (m *Manager) get(jobID string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID]
}

func (m *Manager) snapshot(j *Job) Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

// persistSnapshot stores the resolved config for audit and debugging;
// failures only warn.
func (m *Manager) persistSnapshot(ctx context.Context, jobID string, cfg *Config) {
	if m.opts.SnapshotDir == "" {
		return
	}
	if err := os.MkdirAll(m.opts.SnapshotDir, 0o755); err != nil {
		slog.WarnContext(ctx, "creating snapshot dir failed", "error", err)
		return
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		slog.WarnContext(ctx, "encoding config snapshot failed", "job", jobID, "error", err)
		return
	}
	path := filepath.Join(m.opts.SnapshotDir, jobID+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		slog.WarnContext(ctx, "saving config snapshot failed", "job", jobID, "error", err)
	}
}
