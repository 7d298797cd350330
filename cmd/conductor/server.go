package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trafficbuster/conductor/internal/dataset"
	"github.com/trafficbuster/conductor/internal/gateway"
	"github.com/trafficbuster/conductor/internal/history"
	"github.com/trafficbuster/conductor/internal/httpapi"
	"github.com/trafficbuster/conductor/internal/job"
	"github.com/trafficbuster/conductor/internal/log"
	"github.com/trafficbuster/conductor/internal/model"
	"github.com/trafficbuster/conductor/internal/pool"
	"github.com/trafficbuster/conductor/internal/sched"
	"github.com/trafficbuster/conductor/internal/session"
)

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = log.ContextAttrs(ctx, slog.Group("conductor",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))
	return runServer(ctx, config)
}

func runServer(ctx context.Context, cfg model.Config) error {
	// the CUE schema already rejected malformed durations at load time
	pingEvery := model.MustDuration(cfg.Server.PingInterval)
	stopGrace := model.MustDuration(cfg.Jobs.StopGrace)
	createWait := model.MustDuration(cfg.Jobs.CreateWait)
	gracePeriod := model.MustDuration(cfg.Sessions.GracePeriod)
	cleanEvery := model.MustDuration(cfg.Sessions.CleanEvery)

	datasets, err := dataset.NewFSStore(cfg.Data.Root)
	if err != nil {
		return fmt.Errorf("opening dataset store: %w", err)
	}
	defer func() {
		_ = datasets.Close()
	}()

	matrix, err := dataset.NewFSMatrix(cfg.Data.Root)
	if err != nil {
		return fmt.Errorf("opening license store: %w", err)
	}
	defer func() {
		_ = matrix.Close()
	}()

	hist, err := history.Open(ctx, cfg.Data.HistoryDB)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer func() {
		_ = hist.Close()
	}()

	var fingerprints []model.Platform
	if cfg.Data.Fingerprints != "" {
		fingerprints, err = pool.LoadFingerprints(cfg.Data.Fingerprints)
		if err != nil {
			return fmt.Errorf("loading fingerprint catalog: %w", err)
		}
		slog.InfoContext(ctx, "fingerprint catalog loaded", "platforms", len(fingerprints))
	}

	// Runner and session state is in-memory only: a restart starts from
	// an empty pool and forces every user through a fresh login.
	sessions := session.NewStore()
	sessions.ClearAll()

	runners := pool.NewManager(pool.StrategyByName(cfg.Pool.Strategy), fingerprints)

	jobs := job.NewManager(datasets, hist, runners, nil, job.Options{
		PerUserCap:  cfg.Jobs.PerUserCap,
		StopGrace:   stopGrace,
		CreateWait:  createWait,
		SnapshotDir: cfg.Jobs.SnapshotDir,
	})

	gw := gateway.New(jobs, runners, sessions, gateway.Options{
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		RunnerKey: cfg.Auth.RunnerKey,
		UserPing:  pingEvery,
	})
	jobs.SetSink(gw)

	api := httpapi.New(jobs, runners, matrix, hist, sessions, httpapi.Options{
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		AdminKey:  cfg.Auth.RunnerKey,
	})

	scheduler, err := sched.New(jobs, matrix)
	if err != nil {
		return err
	}
	for _, entry := range cfg.Schedules {
		if err := scheduler.Add(entry); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer func() {
		_ = scheduler.Shutdown()
	}()

	go sessions.RunCleaner(ctx, cleanEvery, gracePeriod)

	r := chi.NewRouter()
	r.Mount("/", api.Router())
	r.Get("/ws", gw.HandleUser)
	r.Get("/ws/runner", gw.HandleRunner)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "conductor listening",
			"addr", cfg.Server.Listen,
			"tls", cfg.Server.TLSCert != "",
			"strategy", cfg.Pool.Strategy,
			"schedules", len(cfg.Schedules),
		)
		var err error
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.InfoContext(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
