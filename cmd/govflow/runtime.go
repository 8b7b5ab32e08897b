package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/govflow/internal/actions"
	"github.com/rendis/govflow/internal/definition"
	"github.com/rendis/govflow/internal/engine"
	"github.com/rendis/govflow/internal/metrics"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/internal/store/redisstore"
	"github.com/rendis/govflow/internal/streaming"
	"github.com/rendis/govflow/internal/tracing"
	"github.com/rendis/govflow/internal/validation"
)

// auditLog is the event log of the selected backend.
type auditLog interface {
	store.EventAppender
	store.EventReader
}

// runtime holds the wired collaborators shared by every command.
type runtime struct {
	cfg      Config
	logger   *slog.Logger
	db       *store.LibSQLStore
	actions  store.ActionStore
	events   auditLog
	hub      *streaming.WatermillHub
	registry *actions.Registry
	loader   *definition.Loader
	engine   engine.Engine
	gatherer *prometheus.Registry
	metrics  *metrics.Recorder

	closers []func(context.Context) error
}

// openRuntime opens the stores and builds the engine. Callers must Close it.
func openRuntime(ctx context.Context, cfg Config, logger *slog.Logger) (_ *runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	rt.db, err = store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return rt.db.Close() })
	if err := rt.db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rt.actions, rt.events = rt.db, rt.db
	if cfg.Backend == BackendRedis {
		rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		rt.closers = append(rt.closers, func(context.Context) error { return rs.Close() })
		if err := rs.Ping(ctx); err != nil {
			return nil, err
		}
		rt.actions, rt.events = rs, rs
	}
	logger.Info("stores opened", "db_path", cfg.DBPath, "backend", cfg.Backend)

	if cfg.Tracing {
		shutdown, err := tracing.Setup(ctx, "govflow")
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		rt.closers = append(rt.closers, shutdown)
	}

	rt.hub = streaming.NewGoChannelHub(logger)
	rt.closers = append(rt.closers, func(context.Context) error { return rt.hub.Close() })

	rt.gatherer = prometheus.NewRegistry()
	rt.gatherer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = metrics.NewRecorder(rt.gatherer)

	rt.registry = actions.NewRegistry()
	if err := actions.RegisterBuiltins(rt.registry); err != nil {
		return nil, err
	}
	if err := rt.registry.Publish(ctx, rt.db); err != nil {
		return nil, fmt.Errorf("publish executors: %w", err)
	}

	validator, err := validation.NewProcessValidator(rt.registry)
	if err != nil {
		return nil, err
	}
	rt.loader = definition.NewLoader(rt.db, validator, logger, definition.WithSkipExisting())

	rt.engine = engine.New(rt.db, rt.actions, engine.Config{
		Events:  rt.events,
		Hub:     rt.hub,
		Metrics: rt.metrics,
		Logger:  logger,
	})

	if cfg.DefinitionsDir != "" {
		results, err := rt.loader.LoadDir(ctx, cfg.DefinitionsDir)
		if err != nil {
			return nil, fmt.Errorf("load definitions: %w", err)
		}
		logger.Info("process definitions ready", "dir", cfg.DefinitionsDir, "count", len(results))
	}
	return rt, nil
}

// serveMetrics exposes /metrics and /healthz until ctx is cancelled. An
// empty address disables the listener.
func (rt *runtime) serveMetrics(ctx context.Context) {
	if rt.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(rt.gatherer))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: rt.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server failed", "error", err)
		}
	}()
	rt.closers = append(rt.closers, srv.Shutdown)
	rt.logger.Info("metrics listening", "addr", rt.cfg.MetricsAddr)
}

// Close releases everything in reverse order of acquisition.
func (rt *runtime) Close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Warn("shutdown step failed", "error", err)
		}
	}
	rt.closers = nil
}
