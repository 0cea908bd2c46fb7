package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/planwright/backend"
	"github.com/GoCodeAlone/planwright/config"
	"github.com/GoCodeAlone/planwright/engine"
	"github.com/GoCodeAlone/planwright/events"
	"github.com/GoCodeAlone/planwright/fingerprint"
	"github.com/GoCodeAlone/planwright/internal/logging"
	"github.com/GoCodeAlone/planwright/internal/sqlite"
	"github.com/GoCodeAlone/planwright/internal/version"
	"github.com/GoCodeAlone/planwright/metrics"
	"github.com/GoCodeAlone/planwright/planner"
	"github.com/GoCodeAlone/planwright/recovery"
	"github.com/GoCodeAlone/planwright/scheduler"
	"github.com/GoCodeAlone/planwright/server"
	"github.com/GoCodeAlone/planwright/task"
	"github.com/GoCodeAlone/planwright/work"
)

const shutdownTimeout = 30 * time.Second

// app is the assembled daemon.
type app struct {
	logger  *slog.Logger
	engine  *engine.Engine
	events  *events.Service
	server  *server.Server
	closers []io.Closer
	stop    context.CancelFunc
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	logger.Info("starting planwrightd", "version", version.Version, "commit", version.Commit)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		a.shutdown()
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
		if err != nil {
			logger.Error("server stopped", "error", err)
		}
	}
	a.shutdown()
	logger.Info("shutdown complete")
	return err
}

// build wires every component from cfg. ctx bounds background loops such as
// cache sweeping.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	ctx, a.stop = context.WithCancel(ctx)
	fail := func(err error) (*app, error) {
		a.shutdown()
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fail(fmt.Errorf("create data dir: %w", err))
	}
	db, err := sqlite.Open(cfg.DBPath())
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, db)

	store, err := task.NewSQLiteStore(db)
	if err != nil {
		return fail(err)
	}
	outbox, err := events.NewSQLiteOutbox(db)
	if err != nil {
		return fail(err)
	}

	var cache fingerprint.Cache
	switch cfg.Cache.Backend {
	case "badger":
		bc, err := fingerprint.OpenBadger(cfg.CachePath(), false, cfg.Cache.TTL, logger)
		if err != nil {
			return fail(err)
		}
		go bc.Run(ctx, cfg.Cache.SweepInterval)
		// Closed before the database so late puts still land.
		a.closers = append([]io.Closer{bc}, a.closers...)
		cache = bc
	default:
		mc := fingerprint.NewMemoryCache(cfg.Cache.TTL)
		go mc.Run(ctx, cfg.Cache.SweepInterval)
		cache = mc
	}

	_, m := metrics.NewRegistry()

	srv := server.New(*cfg, version.Version, logger)
	srv.SetMetricsHandler(m.Handler())

	var sink events.Sink = events.NewLogSink(logger)
	if cfg.Events.SinkURL != "" {
		sink = events.NewHTTPSink(cfg.Events.SinkURL, cfg.Events.RequestTimeout)
	}
	secret := []byte(cfg.Events.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
		logger.Warn("events.secret not set, using a random signing key")
	}
	a.events = events.NewService(events.Config{
		Rate:           cfg.Events.Rate,
		Burst:          cfg.Events.Burst,
		MaxAttempts:    cfg.Events.MaxAttempts,
		InitialBackoff: cfg.Events.InitialBackoff,
	}, outbox, events.Tee(sink, srv.Hub()), events.NewSigner(secret), logger)
	a.events.SetMetrics(m)
	if err := a.events.Start(ctx); err != nil {
		return fail(err)
	}

	be, err := newBackend(cfg, logger)
	if err != nil {
		return fail(err)
	}
	fs, err := work.Workspace(cfg.WorkspaceRoot())
	if err != nil {
		return fail(err)
	}

	sched := scheduler.New(scheduler.Config{
		Workers:     cfg.Scheduler.Workers,
		TaskTimeout: cfg.Scheduler.TaskTimeout,
		PlanTimeout: cfg.Scheduler.PlanTimeout,
	}, work.NewDispatcher(work.Defaults(fs)...), cache, store, a.events, logger)
	sched.SetMetrics(m)

	ladder := recovery.New(recovery.Config{
		MaxDropPasses:   cfg.Recovery.MaxDropPasses,
		BackendRepair:   cfg.Recovery.BackendRepair,
		LinearFallback:  cfg.Recovery.LinearFallback,
		RequireApproval: cfg.Recovery.RequireApproval,
	}, be, logger)

	a.engine = engine.New(store, planner.New(be, store, a.events, logger), ladder, sched, a.events, logger)
	a.engine.SetMetrics(m)
	if err := a.engine.Start(ctx); err != nil {
		return fail(err)
	}

	srv.SetPlanManager(a.engine)
	srv.SetEventAdmin(a.events)
	a.server = srv
	if cfg.Auth.AdminPassHash == "" {
		logger.Warn("auth.admin_pass_hash not set, the API is unauthenticated")
	}
	return a, nil
}

func newBackend(cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	return backend.FromConfig(cfg.Backend.Provider, cfg.Backend.Model, cfg.Backend.APIKey, cfg.Backend.BaseURL, logger)
}

// shutdown stops components in reverse dependency order: HTTP first, then
// plans, then event delivery, then storage.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			a.logger.Error("server stop", "error", err)
		}
	}
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			a.logger.Error("engine close", "error", err)
		}
	}
	if a.events != nil {
		if err := a.events.Close(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.logger.Error("events close", "error", err)
		}
	}
	if a.stop != nil {
		a.stop()
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Error("close", "error", err)
		}
	}
}
