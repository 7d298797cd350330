// Package history persists the audit record of every job lifetime: when
// it ran, for whom, how it ended and with what stats. Records outlive
// the in-memory job registry.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Stats is the final aggregate stored with a finished record. Field
// names follow the reporting schema the admin panel reads.
type Stats struct {
	TotalFlow   int `json:"totalFlow"`
	FlowDone    int `json:"flowDone"`
	Impressions int `json:"impressions"`
	Clicks      int `json:"clicks"`
	FailedFlow  int `json:"failedFlow"`
}

// ConfigSummary names the datasets a job was built from.
type ConfigSummary struct {
	TargetSet       string `json:"targetSet"`
	ProxySet        string `json:"proxySet,omitempty"`
	PlatformSet     string `json:"platformSet,omitempty"`
	SettingsProfile string `json:"settingsProfile"`
	InstanceCount   int    `json:"instanceCount"`
}

type Record struct {
	ID          string
	UserID      string
	JobID       string
	ScheduleID  string
	StartTime   time.Time
	StopTime    *time.Time
	DurationSec int
	Status      string
	Stats       Stats
	Config      ConfigSummary
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			schedule_id TEXT NOT NULL DEFAULT '',
			start_time TIMESTAMP NOT NULL,
			stop_time TIMESTAMP DEFAULT NULL,
			duration_sec INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			stats TEXT NOT NULL,
			config TEXT NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating history table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores a freshly created record in status running.
func (s *Store) Add(ctx context.Context, rec Record) error {
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return fmt.Errorf("encoding history stats: %w", err)
	}
	config, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("encoding history config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO history (id, user_id, job_id, schedule_id, start_time, status, stats, config)
		 VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.UserID, rec.JobID, rec.ScheduleID, rec.StartTime.UTC(), rec.Status,
		string(stats), string(config),
	)
	if err != nil {
		return fmt.Errorf("inserting history record: %w", err)
	}
	return nil
}

// Finalize closes a record with its terminal status, duration and final
// stats. Finalizing an unknown id returns ErrNotFound.
func (s *Store) Finalize(ctx context.Context, id, status string, durationSec int, stats Stats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding history stats: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE history SET stop_time=?, status=?, duration_sec=?, stats=? WHERE id=?`,
		time.Now().UTC(), status, durationSec, string(raw), id,
	)
	if err != nil {
		return fmt.Errorf("updating history record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating history record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, job_id, schedule_id, start_time, stop_time, duration_sec, status, stats, config
		 FROM history WHERE id=?`, id,
	)
	return scanRecord(row)
}

func (s *Store) ListForUser(ctx context.Context, userID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, job_id, schedule_id, start_time, stop_time, duration_sec, status, stats, config
		 FROM history WHERE user_id=? ORDER BY start_time DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var stopTime sql.NullTime
	var stats, config string

	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.JobID, &rec.ScheduleID,
		&rec.StartTime, &stopTime, &rec.DurationSec, &rec.Status,
		&stats, &config,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, ErrNotFound
	case err != nil:
		return Record{}, fmt.Errorf("scanning history record: %w", err)
	}

	if stopTime.Valid {
		t := stopTime.Time
		rec.StopTime = &t
	}
	if err := json.Unmarshal([]byte(stats), &rec.Stats); err != nil {
		return Record{}, fmt.Errorf("decoding history stats: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &rec.Config); err != nil {
		return Record{}, fmt.Errorf("decoding history config: %w", err)
	}
	return rec, nil
}
