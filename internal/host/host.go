// Package host runs engine actions. A host polls for ready actions of the
// engines it serves, claims them and drives them to completion through the
// executors in its registry.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/govflow/internal/actions"
	"github.com/rendis/govflow/internal/engine"
	"github.com/rendis/govflow/internal/logging"
	"github.com/rendis/govflow/internal/metrics"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/schema"
)

// Defaults for Config.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultPoolSize     = 4
	DefaultBatchSize    = 32
)

// Config controls a Host.
type Config struct {
	// WorkerID identifies this host as the owner of the actions it claims.
	WorkerID string
	// Engines restricts polling to these engine names. Empty means every
	// engine in the registry.
	Engines      []string
	PollInterval time.Duration
	PoolSize     int
	BatchSize    int
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Host claims and executes engine actions.
type Host struct {
	eng      engine.Engine
	registry *actions.Registry
	pool     *Pool
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a Host. The registry supplies the executors for claimed actions.
func New(eng engine.Engine, registry *actions.Registry, cfg Config) (*Host, error) {
	if cfg.WorkerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "host worker id is required")
	}
	if len(cfg.Engines) == 0 {
		cfg.Engines = registry.Engines()
	}
	if len(cfg.Engines) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "host has no engines to serve")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Host{
		eng:      eng,
		registry: registry,
		pool:     NewPool(cfg.PoolSize),
		cfg:      cfg,
		logger:   logging.OrDefault(cfg.Logger).With("worker_id", cfg.WorkerID),
		inflight: make(map[string]struct{}),
	}, nil
}

// WorkerID returns the identity the host claims actions under.
func (h *Host) WorkerID() string { return h.cfg.WorkerID }

// Engines returns the engine names the host serves.
func (h *Host) Engines() []string { return h.cfg.Engines }

// Stats returns the host's pool counters.
func (h *Host) Stats() PoolStats { return h.pool.Stats() }

// Run re-attaches to actions this host already owns and then polls until
// ctx is cancelled. Running executions are awaited before Run returns.
func (h *Host) Run(ctx context.Context) error {
	defer h.pool.Shutdown()

	h.logger.InfoContext(ctx, "engine host started", "engines", h.cfg.Engines, "poll_interval", h.cfg.PollInterval)
	if n, err := h.Reattach(ctx); err != nil {
		h.logger.WarnContext(ctx, "reattach failed", "error", err)
	} else if n > 0 {
		h.logger.InfoContext(ctx, "reattached to owned actions", "count", n)
	}

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := h.Poll(ctx); err != nil && ctx.Err() == nil {
			h.logger.WarnContext(ctx, "poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			h.logger.InfoContext(ctx, "engine host stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Reattach resumes every non-terminal action owned by this host. It is how
// a restarted host picks up work it claimed before it stopped.
func (h *Host) Reattach(ctx context.Context) (int, error) {
	owned, err := h.eng.ListActiveClaimedBy(ctx, h.cfg.WorkerID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range owned {
		if h.dispatch(ctx, a) {
			n++
		}
	}
	return n, nil
}

// Poll makes one pass over the ready actions of the served engines, claiming
// unowned ones and resuming owned ones that are not running. It returns the
// number of actions dispatched.
func (h *Host) Poll(ctx context.Context) (int, error) {
	ready, err := h.eng.ListActive(ctx, engine.ActiveFilter{
		EngineNames: h.cfg.Engines,
		ReadyOnly:   true,
		Limit:       h.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, a := range ready {
		if ctx.Err() != nil {
			break
		}
		switch owner := a.Owner(); {
		case owner == h.cfg.WorkerID:
		case owner != "" || a.Status != schema.ActionStatusApproved:
			continue
		default:
			if h.isInflight(a.GUID) {
				continue
			}
			claimed, err := h.eng.Claim(ctx, a.GUID, h.cfg.WorkerID)
			if err != nil {
				if !schema.IsCode(err, schema.ErrCodeInvalidState) {
					h.logger.WarnContext(ctx, "claim failed", "action_id", a.GUID, "error", err)
				}
				continue
			}
			a = claimed
		}
		if h.dispatch(ctx, a) {
			n++
		}
	}
	return n, nil
}

// dispatch submits an owned action to the pool unless it is already running.
func (h *Host) dispatch(ctx context.Context, a *store.EngineAction) bool {
	h.mu.Lock()
	if _, running := h.inflight[a.GUID]; running {
		h.mu.Unlock()
		return false
	}
	h.inflight[a.GUID] = struct{}{}
	h.mu.Unlock()

	err := h.pool.Submit(ctx, func(ctx context.Context) error {
		defer h.release(a.GUID)
		return h.execute(ctx, a)
	})
	if err != nil {
		h.release(a.GUID)
		if !errors.Is(err, ErrPoolShutdown) && ctx.Err() == nil {
			h.logger.WarnContext(ctx, "dispatch failed", "action_id", a.GUID, "error", err)
		}
		return false
	}
	return true
}

func (h *Host) isInflight(guid string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.inflight[guid]
	return ok
}

func (h *Host) release(guid string) {
	h.mu.Lock()
	delete(h.inflight, guid)
	h.mu.Unlock()
}

// execute drives one owned action to a terminal status. Executor errors and
// panics complete the action as FAILED.
func (h *Host) execute(ctx context.Context, a *store.EngineAction) error {
	ctx = logging.WithWorkerID(logging.WithAction(ctx, a.ProcessName, a.GUID), h.cfg.WorkerID)
	key := schema.ExecutorKey(a.EngineName, a.RequestType)

	started, err := h.start(ctx, a)
	if err != nil {
		h.logger.WarnContext(ctx, "start action", "status", a.Status, "error", err)
		return err
	}
	a = started

	outcome, runErr := h.run(ctx, a)
	req := engine.CompletionRequest{
		ActionGUID: a.GUID,
		WorkerID:   h.cfg.WorkerID,
		Status:     outcome.FinalStatus(),
	}
	if runErr != nil {
		req.Status = schema.ActionStatusFailed
		req.Message = runErr.Error()
		h.logger.WarnContext(ctx, "executor failed", "executor", key, "error", runErr)
	} else {
		req.Guards = outcome.Guards
		req.Message = outcome.Message
		req.NewTargets = outcome.NewTargets
		req.Parameters = outcome.Parameters
	}
	h.cfg.Metrics.Execution(key, req.Status)

	res, err := h.eng.RecordCompletion(ctx, req)
	switch {
	case schema.IsCode(err, schema.ErrCodePartialFanOut):
		h.logger.WarnContext(ctx, "action completed with fan-out failures",
			"status", req.Status, "failed_edges", len(res.Failed()))
		return nil
	case err != nil:
		h.logger.ErrorContext(ctx, "record completion", "status", req.Status, "error", err)
		return err
	}
	h.logger.InfoContext(ctx, "action completed", "status", req.Status, "guards", req.Guards, "scheduled", len(res.Edges))
	return runErr
}

// start walks a claimed action through ACTIVATING to IN_PROGRESS, resuming
// from wherever a previous run of this host left it.
func (h *Host) start(ctx context.Context, a *store.EngineAction) (*store.EngineAction, error) {
	for a.Status != schema.ActionStatusInProgress {
		next := schema.ActionStatusActivating
		if a.Status == schema.ActionStatusActivating {
			next = schema.ActionStatusInProgress
		}
		moved, err := h.eng.UpdateStatus(ctx, engine.StatusUpdate{
			ActionGUID: a.GUID,
			WorkerID:   h.cfg.WorkerID,
			Status:     next,
		})
		if err != nil {
			return nil, err
		}
		a = moved
	}
	return a, nil
}

// run invokes the bound executor, turning a panic into an error.
func (h *Host) run(ctx context.Context, a *store.EngineAction) (out *actions.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, schema.NewErrorf(schema.ErrCodeExecution, "executor panic: %v", r).WithAction(a.GUID)
		}
	}()

	ex, err := h.registry.Get(a.EngineName, a.RequestType)
	if err != nil {
		return nil, err
	}
	if err := ex.Validate(a.RequestParameters); err != nil {
		return nil, err
	}
	out, err = ex.Execute(ctx, a)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &actions.Outcome{}
	}
	if s := out.FinalStatus(); !s.IsTerminal() {
		return nil, fmt.Errorf("executor reported non-terminal status %s", s)
	}
	return out, nil
}
