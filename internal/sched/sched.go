// Package sched runs configured cron schedules, each creating a job for
// its user when the expression fires. A firing that fails to create a
// job logs and waits for the next tick; schedules never retry.
package sched

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"github.com/trafficbuster/conductor/internal/dataset"
	"github.com/trafficbuster/conductor/internal/job"
	"github.com/trafficbuster/conductor/internal/log"
	"github.com/trafficbuster/conductor/internal/model"
)

type JobCreator interface {
	Create(ctx context.Context, userID string, matrix model.Entitlements, refs model.DatasetRefs) (job.Snapshot, error)
}

type Scheduler struct {
	sched  gocron.Scheduler
	jobs   JobCreator
	matrix dataset.MatrixSource
}

func New(jobs JobCreator, matrix dataset.MatrixSource) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	return &Scheduler{sched: s, jobs: jobs, matrix: matrix}, nil
}

// Add registers one schedule entry. The cron expression is validated
// up front so a config typo fails at startup, not at first fire.
func (s *Scheduler) Add(entry model.Schedule) error {
	if entry.Name == "" {
		return fmt.Errorf("schedule needs a name")
	}
	if entry.UserID == "" {
		return fmt.Errorf("schedule %q: userId required", entry.Name)
	}
	if _, err := cron.ParseStandard(entry.Cron); err != nil {
		return fmt.Errorf("schedule %q: invalid cron expression %q: %w", entry.Name, entry.Cron, err)
	}

	_, err := s.sched.NewJob(
		gocron.CronJob(entry.Cron, false),
		gocron.NewTask(s.fire, entry),
		gocron.WithName(entry.Name),
	)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", entry.Name, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.sched.Start()
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

func (s *Scheduler) fire(entry model.Schedule) {
	ctx := log.ContextAttrs(context.Background(),
		slog.String("schedule", entry.Name),
		slog.String("user", entry.UserID),
	)
	slog.InfoContext(ctx, "schedule fired")

	matrix, err := s.matrix.MatrixFor(ctx, entry.UserID)
	if err != nil {
		slog.ErrorContext(ctx, "resolving entitlements for schedule failed", "error", err)
		return
	}

	refs := entry.Refs
	refs.ScheduleID = entry.Name

	snap, err := s.jobs.Create(ctx, entry.UserID, matrix, refs)
	if err != nil {
		slog.ErrorContext(ctx, "scheduled job creation failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "scheduled job created", "job", snap.JobID, "status", string(snap.Status))
}
