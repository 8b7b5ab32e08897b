// Package scheduler initiates processes on cron schedules stored in a
// JobStore.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/govflow/internal/engine"
	"github.com/rendis/govflow/internal/logging"
	"github.com/rendis/govflow/internal/metrics"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/schema"
)

// Run statuses written to ScheduledJob.LastRunStatus.
const (
	RunSuccess = "success"
	RunError   = "error"
)

// SourceScheduledJob names the request source attached to actions started
// by a scheduled job. Its element GUID is the job ID.
const SourceScheduledJob = "scheduled_job"

const defaultInterval = time.Minute

// Initiator starts process instances. Satisfied by engine.Engine.
type Initiator interface {
	InitiateProcess(ctx context.Context, req engine.InitiateRequest) (*engine.PrepareResult, error)
}

// Config tunes a Scheduler.
type Config struct {
	// Interval between due-job scans. Defaults to one minute.
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// ScheduleRequest describes a new cron job.
type ScheduleRequest struct {
	ProcessName    string            `json:"process_name"`
	CronExpression string            `json:"cron_expression"`
	Params         map[string]string `json:"params,omitempty"`
	RequestedBy    string            `json:"requested_by"`
}

// Scheduler polls the job store for due jobs and initiates their processes.
type Scheduler struct {
	jobs      store.JobStore
	initiator Initiator
	parser    cron.Parser
	interval  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler.
func NewScheduler(jobs store.JobStore, initiator Initiator, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Scheduler{
		jobs:      jobs,
		initiator: initiator,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval:  cfg.Interval,
		logger:    logging.OrDefault(cfg.Logger),
		metrics:   cfg.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  make(map[string]struct{}),
	}
}

// Schedule validates the cron expression and stores an enabled job whose
// first run is the next occurrence after now.
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (*store.ScheduledJob, error) {
	if req.ProcessName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "process_name is required")
	}
	if req.RequestedBy == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "requested_by is required")
	}
	now := s.now()
	next, err := s.CalculateNextRun(req.CronExpression, now)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	job := &store.ScheduledJob{
		ID:             uuid.New().String(),
		ProcessName:    req.ProcessName,
		CronExpression: req.CronExpression,
		Params:         req.Params,
		RequestedBy:    req.RequestedBy,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.jobs.CreateScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "scheduled job created",
		"job_id", job.ID, "process", job.ProcessName, "cron", job.CronExpression, "next_run_at", next)
	return job, nil
}

// SetEnabled pauses or resumes a job. Resuming schedules the next run from
// now, so runs missed while paused are skipped.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	job, err := s.jobs.GetScheduledJob(ctx, id)
	if err != nil {
		return err
	}
	update := store.ScheduledJobUpdate{Enabled: &enabled}
	if enabled {
		next, err := s.CalculateNextRun(job.CronExpression, s.now())
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
		}
		update.NextRunAt = &next
	}
	return s.jobs.UpdateScheduledJob(ctx, id, update)
}

// Unschedule deletes a job.
func (s *Scheduler) Unschedule(ctx context.Context, id string) error {
	return s.jobs.DeleteScheduledJob(ctx, id)
}

// List returns the stored jobs matching filter.
func (s *Scheduler) List(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	return s.jobs.ListScheduledJobs(ctx, filter)
}

// Start launches the background scan loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled job whose next run is due. A job without a next
// run time is treated as overdue.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.jobs.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", "error", err)
		return
	}

	now := s.now()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job", "job_id", job.ID, "error", err)
		}
		s.releaseJob(job.ID)
	}
}

// runJob initiates the job's process and moves its next run forward. An
// initiation failure is recorded on the job, not returned.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	ctx = logging.WithProcess(ctx, job.ProcessName)
	s.logger.InfoContext(ctx, "running scheduled job", "job_id", job.ID)

	status := RunSuccess
	res, err := s.initiator.InitiateProcess(ctx, engine.InitiateRequest{
		ProcessName: job.ProcessName,
		Parameters:  job.Params,
		Originator:  job.RequestedBy,
		Sources:     []store.RequestSource{{SourceName: SourceScheduledJob, ElementGUID: job.ID}},
	})
	if err != nil {
		status = RunError
		s.logger.ErrorContext(ctx, "scheduled initiation failed", "job_id", job.ID, "error", err)
	} else {
		s.logger.InfoContext(logging.WithActionID(ctx, res.ActionGUID), "scheduled initiation done", "job_id", job.ID)
	}
	s.metrics.ScheduledRun(status)

	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	return s.jobs.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun returns the first activation of cronExpr after from.
// Five-field expressions and descriptors such as @hourly are accepted.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop cancels the scan loop and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs once every enabled job whose next run passed while the
// scheduler was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.jobs.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
		if err != nil {
			s.logger.Error("failed to recover missed job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", "count", recovered)
	}
	return nil
}
