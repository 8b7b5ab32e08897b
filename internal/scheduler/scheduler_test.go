package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/govflow/internal/engine"
	"github.com/rendis/govflow/internal/metrics"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/schema"
)

// mockJobStore is an in-memory store.JobStore.
type mockJobStore struct {
	mu   sync.Mutex
	jobs map[string]*store.ScheduledJob
}

func newMockJobStore() *mockJobStore {
	return &mockJobStore{jobs: make(map[string]*store.ScheduledJob)}
}

func (m *mockJobStore) CreateScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockJobStore) GetScheduledJob(_ context.Context, id string) (*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled_job %q not found", id)
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled_job %q not found", id)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockJobStore) ListScheduledJobs(_ context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		if filter.ProcessName != "" && j.ProcessName != filter.ProcessName {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockJobStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled_job %q not found", id)
	}
	delete(m.jobs, id)
	return nil
}

// mockInitiator records InitiateProcess calls.
type mockInitiator struct {
	mu    sync.Mutex
	calls []engine.InitiateRequest
	err   error
}

func (i *mockInitiator) InitiateProcess(_ context.Context, req engine.InitiateRequest) (*engine.PrepareResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, req)
	if i.err != nil {
		return nil, i.err
	}
	return &engine.PrepareResult{ActionGUID: "a-1", AnchorGUID: "a-1", Created: true, Approved: true}, nil
}

func (i *mockInitiator) callCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.calls)
}

func (i *mockInitiator) processes() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.calls))
	for n, c := range i.calls {
		out[n] = c.ProcessName
	}
	return out
}

func newTestScheduler(js store.JobStore, starter Initiator) *Scheduler {
	return NewScheduler(js, starter, Config{})
}

func addJob(t *testing.T, js *mockJobStore, job store.ScheduledJob) {
	t.Helper()
	if job.CronExpression == "" {
		job.CronExpression = "0 * * * *"
	}
	if job.RequestedBy == "" {
		job.RequestedBy = "system"
	}
	require.NoError(t, js.CreateScheduledJob(context.Background(), &job))
}

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockJobStore(), &mockInitiator{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestSchedule(t *testing.T) {
	js := newMockJobStore()
	sched := newTestScheduler(js, &mockInitiator{})
	sched.now = func() time.Time { return time.Date(2026, 2, 10, 12, 5, 0, 0, time.UTC) }
	ctx := context.Background()

	job, err := sched.Schedule(ctx, ScheduleRequest{
		ProcessName:    "nightly-audit",
		CronExpression: "0 2 * * *",
		Params:         map[string]string{"scope": "all"},
		RequestedBy:    "ops",
	})
	require.NoError(t, err)
	assert.True(t, job.Enabled)
	require.NotNil(t, job.NextRunAt)
	assert.Equal(t, time.Date(2026, 2, 11, 2, 0, 0, 0, time.UTC), *job.NextRunAt)

	stored, err := js.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "all", stored.Params["scope"])

	_, err = sched.Schedule(ctx, ScheduleRequest{ProcessName: "p", CronExpression: "nope", RequestedBy: "ops"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = sched.Schedule(ctx, ScheduleRequest{CronExpression: "@hourly", RequestedBy: "ops"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = sched.Schedule(ctx, ScheduleRequest{ProcessName: "p", CronExpression: "@hourly"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestSetEnabledAndUnschedule(t *testing.T) {
	js := newMockJobStore()
	sched := newTestScheduler(js, &mockInitiator{})
	ctx := context.Background()
	past := time.Now().UTC().Add(-3 * time.Hour)
	addJob(t, js, store.ScheduledJob{ID: "job-1", ProcessName: "p", Enabled: true, NextRunAt: &past})

	require.NoError(t, sched.SetEnabled(ctx, "job-1", false))
	got, _ := js.GetScheduledJob(ctx, "job-1")
	assert.False(t, got.Enabled)

	require.NoError(t, sched.SetEnabled(ctx, "job-1", true))
	got, _ = js.GetScheduledJob(ctx, "job-1")
	assert.True(t, got.Enabled)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()), "resume skips missed runs")

	jobs, err := sched.List(ctx, store.ScheduledJobFilter{ProcessName: "p"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, sched.Unschedule(ctx, "job-1"))
	assert.True(t, schema.IsCode(sched.SetEnabled(ctx, "job-1", true), schema.ErrCodeNotFound))
}

func TestTickInitiatesDueJobs(t *testing.T) {
	js := newMockJobStore()
	starter := &mockInitiator{}
	reg := prometheus.NewRegistry()
	sched := NewScheduler(js, starter, Config{Metrics: metrics.NewRecorder(reg)})
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	addJob(t, js, store.ScheduledJob{
		ID:          "job-1",
		ProcessName: "onboard-file",
		Params:      map[string]string{"folder": "inbox"},
		RequestedBy: "ops",
		Enabled:     true,
		NextRunAt:   &past,
	})

	sched.tick(ctx)

	require.Equal(t, 1, starter.callCount())
	call := starter.calls[0]
	assert.Equal(t, "onboard-file", call.ProcessName)
	assert.Equal(t, "ops", call.Originator)
	assert.Equal(t, "inbox", call.Parameters["folder"])
	require.Len(t, call.Sources, 1)
	assert.Equal(t, SourceScheduledJob, call.Sources[0].SourceName)
	assert.Equal(t, "job-1", call.Sources[0].ElementGUID)

	got, _ := js.GetScheduledJob(ctx, "job-1")
	assert.NotNil(t, got.LastRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
	assert.Equal(t, RunSuccess, got.LastRunStatus)
}

func TestTickSkipsNotDueAndDisabledJobs(t *testing.T) {
	js := newMockJobStore()
	starter := &mockInitiator{}
	sched := newTestScheduler(js, starter)
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	addJob(t, js, store.ScheduledJob{ID: "future", ProcessName: "beta", Enabled: true, NextRunAt: &future})
	addJob(t, js, store.ScheduledJob{ID: "disabled", ProcessName: "delta", Enabled: false, NextRunAt: &past})
	addJob(t, js, store.ScheduledJob{ID: "due", ProcessName: "alpha", Enabled: true, NextRunAt: &past})
	addJob(t, js, store.ScheduledJob{ID: "never-run", ProcessName: "gamma", Enabled: true})

	sched.tick(context.Background())

	assert.ElementsMatch(t, []string{"alpha", "gamma"}, starter.processes())
}

func TestInitiationFailureIsRecorded(t *testing.T) {
	js := newMockJobStore()
	starter := &mockInitiator{err: schema.NewError(schema.ErrCodeNotFound, "process not found").WithReason(schema.ReasonUnknownProcess)}
	sched := newTestScheduler(js, starter)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	addJob(t, js, store.ScheduledJob{ID: "job-fail", ProcessName: "gone", Enabled: true, NextRunAt: &past})

	sched.tick(ctx)

	got, _ := js.GetScheduledJob(ctx, "job-fail")
	assert.Equal(t, RunError, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestRecoverMissed(t *testing.T) {
	js := newMockJobStore()
	starter := &mockInitiator{}
	sched := newTestScheduler(js, starter)
	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)

	addJob(t, js, store.ScheduledJob{ID: "job-missed", ProcessName: "cleanup", Enabled: true, NextRunAt: &past})
	addJob(t, js, store.ScheduledJob{ID: "job-unset", ProcessName: "other", Enabled: true})

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, []string{"cleanup"}, starter.processes())
	got, _ := js.GetScheduledJob(ctx, "job-missed")
	assert.Equal(t, RunSuccess, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestInflightJobIsSkipped(t *testing.T) {
	js := newMockJobStore()
	starter := &mockInitiator{}
	sched := newTestScheduler(js, starter)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	addJob(t, js, store.ScheduledJob{ID: "job-dedup", ProcessName: "p", Enabled: true, NextRunAt: &past})

	require.True(t, sched.tryAcquire("job-dedup"))
	sched.tick(ctx)
	assert.Equal(t, 0, starter.callCount())

	sched.releaseJob("job-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, starter.callCount())

	again := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, js.UpdateScheduledJob(ctx, "job-dedup", store.ScheduledJobUpdate{NextRunAt: &again}))
	sched.tick(ctx)
	assert.Equal(t, 2, starter.callCount())
}

func TestStartStop(t *testing.T) {
	sched := NewScheduler(newMockJobStore(), &mockInitiator{}, Config{Interval: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
