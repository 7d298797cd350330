// Package httpapi is the REST surface next to the websocket endpoints:
// job control, history, runner visibility and session issuance. All
// job routes are scoped to the authenticated user; cross-user access
// is indistinguishable from not-found.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/trafficbuster/conductor/internal/dataset"
	"github.com/trafficbuster/conductor/internal/history"
	"github.com/trafficbuster/conductor/internal/job"
	"github.com/trafficbuster/conductor/internal/model"
	"github.com/trafficbuster/conductor/internal/pool"
	"github.com/trafficbuster/conductor/internal/session"
)

type Jobs interface {
	Create(ctx context.Context, userID string, matrix model.Entitlements, refs model.DatasetRefs) (job.Snapshot, error)
	Stop(ctx context.Context, userID, jobID string) (job.Snapshot, bool)
	Status(userID, jobID string) (job.Snapshot, bool)
	ListForUser(userID string) []job.Snapshot
	ActiveCount() int
}

type Runners interface {
	List() []pool.Snapshot
	AvailablePlatforms() []model.Platform
	BusyCount() int
}

type HistoryReader interface {
	Get(ctx context.Context, id string) (history.Record, error)
	ListForUser(ctx context.Context, userID string) ([]history.Record, error)
}

type Options struct {
	JWTSecret []byte
	// AdminKey guards session issuance; the trusted frontend exchanges
	// it for user tokens.
	AdminKey   string
	SessionTTL time.Duration
}

type API struct {
	jobs     Jobs
	runners  Runners
	matrix   dataset.MatrixSource
	hist     HistoryReader
	sessions *session.Store
	opts     Options
	started  time.Time
}

func New(jobs Jobs, runners Runners, matrix dataset.MatrixSource, hist HistoryReader, sessions *session.Store, opts Options) *API {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	return &API{
		jobs:     jobs,
		runners:  runners,
		matrix:   matrix,
		hist:     hist,
		sessions: sessions,
		opts:     opts,
		started:  time.Now(),
	}
}

// Router mounts all REST routes. Websocket endpoints are mounted by the
// caller on the same mux.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", a.health)
	r.Post("/api/session", a.createSession)

	r.Group(func(r chi.Router) {
		r.Use(a.auth)
		r.Route("/api/jobs", func(r chi.Router) {
			r.Post("/", a.createJob)
			r.Get("/", a.listJobs)
			r.Get("/{jobID}", a.getJob)
			r.Delete("/{jobID}", a.stopJob)
		})
		r.Get("/api/history", a.listHistory)
		r.Get("/api/history/{recordID}", a.getHistory)
		r.Get("/api/runners", a.listRunners)
		r.Get("/api/platforms", a.listPlatforms)
	})
	return r
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"startedAt":   a.started.UTC().Format(time.RFC3339),
		"uptimeSec":   int(time.Since(a.started) / time.Second),
		"activeJobs":  a.jobs.ActiveCount(),
		"busyRunners": a.runners.BusyCount(),
	})
}

// createSession is called by the trusted frontend after it verified the
// user's credentials. It opens a session and returns the channel token.
func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Admin-Key") != a.opts.AdminKey {
		writeErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin key required")
		return
	}

	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "userId required")
		return
	}

	sessionID := uuid.NewString()
	token, err := session.IssueToken(a.opts.JWTSecret, req.UserID, sessionID, a.opts.SessionTTL)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL", "issuing token failed")
		return
	}
	a.sessions.Create(req.UserID, sessionID)

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":     token,
		"userId":    req.UserID,
		"sessionId": sessionID,
	})
}

type createJobRequest struct {
	TargetSet       string          `json:"targetSet"`
	ProxySet        string          `json:"proxySet,omitempty"`
	PlatformSet     string          `json:"platformSet,omitempty"`
	SettingsProfile string          `json:"settingsProfile"`
	Overrides       *model.Settings `json:"overrides,omitempty"`
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.TargetSet == "" || req.SettingsProfile == "" {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "targetSet and settingsProfile required")
		return
	}

	matrix, err := a.matrix.MatrixFor(r.Context(), userID)
	if err != nil {
		slog.ErrorContext(r.Context(), "resolving entitlements failed", "user", userID, "error", err)
		writeErr(w, http.StatusInternalServerError, "INTERNAL", "resolving entitlements failed")
		return
	}

	snap, err := a.jobs.Create(r.Context(), userID, matrix, model.DatasetRefs{
		TargetSet:       req.TargetSet,
		ProxySet:        req.ProxySet,
		PlatformSet:     req.PlatformSet,
		SettingsProfile: req.SettingsProfile,
		Overrides:       req.Overrides,
	})
	switch {
	case errors.Is(err, model.ErrDatasetNotFound):
		writeErr(w, http.StatusNotFound, "DATASET_NOT_FOUND", err.Error())
	case errors.Is(err, model.ErrEntitlementDenied):
		writeErr(w, http.StatusForbidden, "ENTITLEMENT_DENIED", err.Error())
	case errors.Is(err, model.ErrJobLimitReached):
		writeErr(w, http.StatusConflict, "JOB_LIMIT_REACHED", err.Error())
	case err != nil:
		slog.ErrorContext(r.Context(), "creating job failed", "user", userID, "error", err)
		writeErr(w, http.StatusInternalServerError, "INTERNAL", "creating job failed")
	default:
		writeJSON(w, http.StatusCreated, snap)
	}
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.jobs.ListForUser(userFrom(r)))
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.jobs.Status(userFrom(r), chi.URLParam(r, "jobID"))
	if !ok {
		writeErr(w, http.StatusNotFound, "JOB_NOT_FOUND", model.ErrJobNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) stopJob(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	jobID := chi.URLParam(r, "jobID")
	snap, stopped := a.jobs.Stop(r.Context(), userID, jobID)
	if snap.JobID == "" {
		writeErr(w, http.StatusNotFound, "JOB_NOT_FOUND", model.ErrJobNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped, "job": snap})
}

func (a *API) listHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := a.hist.ListForUser(r.Context(), userFrom(r))
	if err != nil {
		slog.ErrorContext(r.Context(), "listing history failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "INTERNAL", "listing history failed")
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := a.hist.Get(r.Context(), chi.URLParam(r, "recordID"))
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeErr(w, http.StatusNotFound, "HISTORY_NOT_FOUND", "no such record")
		return
	case err != nil:
		slog.ErrorContext(r.Context(), "reading history failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "INTERNAL", "reading history failed")
		return
	}
	if rec.UserID != userFrom(r) {
		writeErr(w, http.StatusNotFound, "HISTORY_NOT_FOUND", "no such record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) listRunners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.runners.List())
}

func (a *API) listPlatforms(w http.ResponseWriter, r *http.Request) {
	platforms := a.runners.AvailablePlatforms()
	if platforms == nil {
		platforms = []model.Platform{}
	}
	writeJSON(w, http.StatusOK, platforms)
}
