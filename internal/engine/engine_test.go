package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/govflow/internal/metrics"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/internal/streaming"
	"github.com/rendis/govflow/pkg/schema"
)

// harness wires an engine to a libsql action store and an in-memory graph.
type harness struct {
	t     *testing.T
	ctx   context.Context
	graph *store.MemoryGraph
	db    *store.LibSQLStore
	hub   *streaming.WatermillHub
	eng   Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(func() { _ = db.Close() })

	hub := streaming.NewGoChannelHub(nil)
	t.Cleanup(func() { _ = hub.Close() })

	graph := store.NewMemoryGraph()
	require.NoError(t, graph.RegisterExecutor(ctx, schema.ExecutorRef{
		EngineName: "rules", RequestType: "cel",
		RequestParameters: map[string]string{"expression": "true", "timeout": "5s"},
	}))

	h := &harness{t: t, ctx: ctx, graph: graph, db: db, hub: hub}
	h.eng = New(graph, db, Config{
		Events:  db,
		Hub:     hub,
		Metrics: metrics.NewRecorder(prometheus.NewRegistry()),
	})
	return h
}

func (h *harness) process(name string) *schema.ProcessDefinition {
	h.t.Helper()
	p := &schema.ProcessDefinition{GUID: uuid.New().String(), QualifiedName: name}
	require.NoError(h.t, h.graph.SaveProcess(h.ctx, p))
	return p
}

func (h *harness) step(p *schema.ProcessDefinition, name string, ignoreMultiple bool) *schema.ProcessStep {
	h.t.Helper()
	st := &schema.ProcessStep{
		GUID:                   uuid.New().String(),
		ProcessGUID:            p.GUID,
		QualifiedName:          name,
		DisplayName:            "Step " + name,
		Domain:                 2,
		Executor:               schema.ExecutorRef{EngineName: "rules", RequestType: "cel", RequestParameters: map[string]string{"step": name}},
		IgnoreMultipleTriggers: ignoreMultiple,
	}
	require.NoError(h.t, h.graph.SaveStep(h.ctx, st))
	return st
}

func (h *harness) first(p *schema.ProcessDefinition, st *schema.ProcessStep) {
	h.t.Helper()
	require.NoError(h.t, h.graph.SetFirstStep(h.ctx, p.GUID, st.GUID))
}

func (h *harness) edge(from, to *schema.ProcessStep, guard *string, mandatory bool) *schema.StepEdge {
	h.t.Helper()
	e := &schema.StepEdge{GUID: uuid.New().String(), FromStepGUID: from.GUID, ToStepGUID: to.GUID, Guard: guard, Mandatory: mandatory}
	require.NoError(h.t, h.graph.SaveEdge(h.ctx, e))
	return e
}

func (h *harness) action(guid string) *store.EngineAction {
	h.t.Helper()
	a, err := h.eng.GetAction(h.ctx, guid)
	require.NoError(h.t, err)
	return a
}

// start moves an action claimed by worker to IN_PROGRESS.
func (h *harness) start(guid, worker string) {
	h.t.Helper()
	for _, s := range []schema.ActionStatus{schema.ActionStatusActivating, schema.ActionStatusInProgress} {
		_, err := h.eng.UpdateStatus(h.ctx, StatusUpdate{ActionGUID: guid, WorkerID: worker, Status: s})
		require.NoError(h.t, err)
	}
}

// complete claims, starts and completes an action as worker.
func (h *harness) complete(guid, worker string, guards ...string) *CompletionResult {
	h.t.Helper()
	_, err := h.eng.Claim(h.ctx, guid, worker)
	require.NoError(h.t, err)
	h.start(guid, worker)
	res, err := h.eng.RecordCompletion(h.ctx, CompletionRequest{
		ActionGUID: guid, WorkerID: worker, Status: schema.ActionStatusActioned, Guards: guards,
	})
	require.NoError(h.t, err)
	return res
}

func createdBy(res *CompletionResult) []string {
	var out []string
	for _, e := range res.Edges {
		if e.Result != nil && e.Result.Created {
			out = append(out, e.Result.ActionGUID)
		}
	}
	return out
}

// --- CreateEngineAction ---

func TestCreateEngineAction(t *testing.T) {
	h := newHarness(t)

	a, err := h.eng.CreateEngineAction(h.ctx, CreateActionRequest{
		QualifiedNameBase: "adhoc-check",
		EngineName:        "rules",
		RequestType:       "cel",
		RequestParameters: map[string]string{"expression": "size(files) > 0"},
		Sources:           []store.RequestSource{{SourceName: "operator", ElementGUID: "user-1"}},
		Targets:           []store.ActionTarget{{TargetName: "folder", ElementGUID: "folder-1"}},
	})
	require.NoError(t, err)

	assert.Contains(t, a.QualifiedName, "adhoc-check::")
	assert.Equal(t, schema.ActionStatusApproved, a.Status, "no mandatory guards means immediately runnable")
	assert.Equal(t, "size(files) > 0", a.RequestParameters["expression"])
	assert.Equal(t, "5s", a.RequestParameters["timeout"], "executor defaults fill the gaps")
	assert.Empty(t, a.AnchorGUID)
	assert.Empty(t, a.ProcessStepGUID)
	require.Len(t, a.Targets, 1)
	require.Len(t, a.Sources, 1)

	history, err := store.NewEventLog(h.db).History(h.ctx, a.GUID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, schema.ActionStatusRequested, history[0].To)
	assert.Equal(t, schema.ActionStatusApproved, history[1].To)
}

func TestCreateEngineAction_WaitsForMandatoryGuards(t *testing.T) {
	h := newHarness(t)

	a, err := h.eng.CreateEngineAction(h.ctx, CreateActionRequest{
		QualifiedNameBase: "gated",
		EngineName:        "rules",
		RequestType:       "cel",
		MandatoryGuards:   []string{"signed-off"},
		ReceivedGuards:    []string{"reviewed"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusRequested, a.Status)

	_, err = h.eng.Claim(h.ctx, a.GUID, "w1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))
}

func TestCreateEngineAction_UnknownExecutor(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.CreateEngineAction(h.ctx, CreateActionRequest{
		QualifiedNameBase: "x", EngineName: "provisioning", RequestType: "copy-file",
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsReason(err, schema.ReasonUnknownExecutor))
}

func TestCreateEngineAction_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.CreateEngineAction(h.ctx, CreateActionRequest{EngineName: "rules", RequestType: "cel"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = h.eng.CreateEngineAction(h.ctx, CreateActionRequest{
		QualifiedNameBase: "x", EngineName: "rules", RequestType: "cel",
		Targets: []store.ActionTarget{{TargetName: "file"}},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

// --- Claim ---

func TestClaim_ConcurrentHasOneWinner(t *testing.T) {
	h := newHarness(t)
	a, err := h.eng.CreateEngineAction(h.ctx, CreateActionRequest{QualifiedNameBase: "race", EngineName: "rules", RequestType: "cel"})
	require.NoError(t, err)

	const workers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			_, err := h.eng.Claim(h.ctx, a.GUID, worker)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, worker)
				return
			}
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState), "loser error: %v", err)
			losers++
		}(uuid.New().String())
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, workers-1, losers)
	got := h.action(a.GUID)
	assert.Equal(t, schema.ActionStatusWaiting, got.Status)
	assert.Equal(t, winners[0], got.Owner())
}

func TestClaim_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.Claim(h.ctx, "missing", "w1")
	assert.True(t, schema.IsReason(err, schema.ReasonUnknownAction))

	_, err = h.eng.Claim(h.ctx, "", "w1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	a, err := h.eng.CreateEngineAction(h.ctx, CreateActionRequest{QualifiedNameBase: "c", EngineName: "rules", RequestType: "cel"})
	require.NoError(t, err)
	_, err = h.eng.Claim(h.ctx, a.GUID, "w1")
	require.NoError(t, err)

	_, err = h.eng.Claim(h.ctx, a.GUID, "w1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState), "already owned, even by the caller")
}

// --- UpdateStatus / RecordCompletion ---

func TestUpdateStatus_OwnerOnly(t *testing.T) {
	h := newHarness(t)
	a, err := h.eng.CreateEngineAction(h.ctx, CreateActionRequest{QualifiedNameBase: "u", EngineName: "rules", RequestType: "cel"})
	require.NoError(t, err)
	_, err = h.eng.Claim(h.ctx, a.GUID, "owner")
	require.NoError(t, err)

	_, err = h.eng.UpdateStatus(h.ctx, StatusUpdate{ActionGUID: a.GUID, WorkerID: "intruder", Status: schema.ActionStatusActivating})
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthorized))
	assert.Equal(t, schema.ActionStatusWaiting, h.action(a.GUID).Status, "state unchanged")

	got, err := h.eng.UpdateStatus(h.ctx, StatusUpdate{ActionGUID: a.GUID, WorkerID: "owner", Status: schema.ActionStatusActivating})
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusActivating, got.Status)
	assert.Equal(t, "owner", got.Owner())

	got, err = h.eng.UpdateStatus(h.ctx, StatusUpdate{ActionGUID: a.GUID, WorkerID: "owner", Status: schema.ActionStatusInProgress})
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusInProgress, got.Status)

	_, err = h.eng.UpdateStatus(h.ctx, StatusUpdate{ActionGUID: a.GUID, WorkerID: "owner", Status: schema.ActionStatusWaiting})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))
}

func TestUpdateStatus_RetireUnclaimed(t *testing.T) {
	h := newHarness(t)
	a, err := h.eng.CreateEngineAction(h.ctx, CreateActionRequest{
		QualifiedNameBase: "r", EngineName: "rules", RequestType: "cel", MandatoryGuards: []string{"never"},
	})
	require.NoError(t, err)

	got, err := h.eng.UpdateStatus(h.ctx, StatusUpdate{ActionGUID: a.GUID, Status: schema.ActionStatusIgnored, Message: "superseded"})
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusIgnored, got.Status)
	assert.Equal(t, "superseded", got.CompletionMessage)
	require.NotNil(t, got.CompletionTime)

	_, err = h.eng.UpdateStatus(h.ctx, StatusUpdate{ActionGUID: a.GUID, Status: schema.ActionStatusFailed})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState), "terminal states are final")
}

func TestRecordCompletion_Rules(t *testing.T) {
	h := newHarness(t)
	a, err := h.eng.CreateEngineAction(h.ctx, CreateActionRequest{QualifiedNameBase: "rc", EngineName: "rules", RequestType: "cel"})
	require.NoError(t, err)
	_, err = h.eng.Claim(h.ctx, a.GUID, "owner")
	require.NoError(t, err)

	_, err = h.eng.RecordCompletion(h.ctx, CompletionRequest{ActionGUID: a.GUID, WorkerID: "owner", Status: schema.ActionStatusInProgress})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = h.eng.RecordCompletion(h.ctx, CompletionRequest{ActionGUID: a.GUID, WorkerID: "owner", Status: schema.ActionStatusActioned})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState), "a claimed action must be started first")

	_, err = h.eng.RecordCompletion(h.ctx, CompletionRequest{ActionGUID: a.GUID, WorkerID: "intruder", Status: schema.ActionStatusActioned})
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthorized))
	assert.Equal(t, schema.ActionStatusWaiting, h.action(a.GUID).Status)

	h.start(a.GUID, "owner")

	res, err := h.eng.RecordCompletion(h.ctx, CompletionRequest{
		ActionGUID: a.GUID, WorkerID: "owner", Status: schema.ActionStatusActioned,
		Guards: []string{"done"}, Message: "ok",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Edges, "standalone actions do not fan out")
	assert.Equal(t, []string{"done"}, res.Action.CompletionGuards)

	_, err = h.eng.RecordCompletion(h.ctx, CompletionRequest{ActionGUID: a.GUID, WorkerID: "owner", Status: schema.ActionStatusFailed})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))
}

func TestRecordCompletion_TargetsFollowStatus(t *testing.T) {
	h := newHarness(t)
	a, err := h.eng.CreateEngineAction(h.ctx, CreateActionRequest{
		QualifiedNameBase: "batch", EngineName: "rules", RequestType: "cel",
		Targets: []store.ActionTarget{
			{TargetName: "file", ElementGUID: "f-1"},
			{TargetName: "file", ElementGUID: "f-2"},
		},
	})
	require.NoError(t, err)
	_, err = h.eng.Claim(h.ctx, a.GUID, "owner")
	require.NoError(t, err)
	h.start(a.GUID, "owner")

	var f2 string
	for _, tgt := range h.action(a.GUID).Targets {
		if tgt.ElementGUID == "f-2" {
			f2 = tgt.GUID
		}
	}
	require.NotEmpty(t, f2)

	_, err = h.eng.UpdateActionTargetStatus(h.ctx, TargetStatusUpdate{
		ActionGUID: a.GUID, TargetGUID: f2, WorkerID: "intruder", Status: schema.ActionStatusFailed,
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthorized))

	_, err = h.eng.UpdateActionTargetStatus(h.ctx, TargetStatusUpdate{
		ActionGUID: a.GUID, TargetGUID: "nope", WorkerID: "owner", Status: schema.ActionStatusFailed,
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = h.eng.UpdateActionTargetStatus(h.ctx, TargetStatusUpdate{
		ActionGUID: a.GUID, TargetGUID: f2, WorkerID: "owner", Status: schema.ActionStatusFailed, CompletionMessage: "checksum mismatch",
	})
	require.NoError(t, err)

	res, err := h.eng.RecordCompletion(h.ctx, CompletionRequest{
		ActionGUID: a.GUID, WorkerID: "owner", Status: schema.ActionStatusActioned,
		NewTargets: []store.ActionTarget{{TargetName: "report", ElementGUID: "r-1"}},
	})
	require.NoError(t, err)

	status := map[string]schema.ActionStatus{}
	for _, tgt := range res.Action.Targets {
		status[tgt.ElementGUID] = tgt.Status
	}
	assert.Equal(t, schema.ActionStatusActioned, status["f-1"])
	assert.Equal(t, schema.ActionStatusFailed, status["f-2"], "individually set status is kept")
	assert.Equal(t, schema.ActionStatusActioned, status["r-1"])
}

// --- Fan-out ---

func TestFanOut_SelectsEdgesByGuard(t *testing.T) {
	h := newHarness(t)
	p := h.process("review")
	a := h.step(p, "A", false)
	approved := h.step(p, "Approved", false)
	always := h.step(p, "Always", false)
	rejected := h.step(p, "Rejected", false)
	h.first(p, a)
	h.edge(a, approved, schema.Guard("APPROVED"), false)
	h.edge(a, always, nil, false)
	h.edge(a, rejected, schema.Guard("REJECTED"), false)

	start, err := h.eng.InitiateProcess(h.ctx, InitiateRequest{ProcessName: "review"})
	require.NoError(t, err)

	res := h.complete(start.ActionGUID, "w1", "APPROVED", "NOTIFY")
	require.NoError(t, res.Err())
	require.Len(t, res.Edges, 2)

	steps := map[string]bool{}
	for _, guid := range createdBy(res) {
		steps[h.action(guid).ProcessStepGUID] = true
	}
	assert.True(t, steps[approved.GUID])
	assert.True(t, steps[always.GUID])
	assert.False(t, steps[rejected.GUID])
}

func TestFanOut_MergesCallerParameters(t *testing.T) {
	h := newHarness(t)
	p := h.process("params")
	a := h.step(p, "A", false)
	b := h.step(p, "B", false)
	h.first(p, a)
	h.edge(a, b, nil, false)

	start, err := h.eng.InitiateProcess(h.ctx, InitiateRequest{
		ProcessName: "params",
		Targets:     []store.ActionTarget{{TargetName: "file", ElementGUID: "f-9"}},
	})
	require.NoError(t, err)
	_, err = h.eng.Claim(h.ctx, start.ActionGUID, "w1")
	require.NoError(t, err)
	h.start(start.ActionGUID, "w1")
	res, err := h.eng.RecordCompletion(h.ctx, CompletionRequest{
		ActionGUID: start.ActionGUID, WorkerID: "w1", Status: schema.ActionStatusActioned,
		Parameters: map[string]string{"step": "override", "extra": "1"},
	})
	require.NoError(t, err)

	next := h.action(createdBy(res)[0])
	assert.Equal(t, "override", next.RequestParameters["step"])
	assert.Equal(t, "1", next.RequestParameters["extra"])
	assert.Equal(t, "true", next.RequestParameters["expression"])
	require.Len(t, next.Targets, 1)
	assert.Equal(t, "f-9", next.Targets[0].ElementGUID)
	assert.Empty(t, next.Targets[0].Status)

	links, err := h.db.ListLinks(h.ctx, next.GUID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, start.ActionGUID, links[0].FromActionGUID)
}

func TestFanOut_EdgeFailuresAreIsolated(t *testing.T) {
	h := newHarness(t)
	p := h.process("isolated")
	a := h.step(p, "A", false)
	good := h.step(p, "Good", false)
	broken := &schema.ProcessStep{GUID: uuid.New().String(), ProcessGUID: p.GUID, QualifiedName: "Broken"}
	require.NoError(t, h.graph.SaveStep(h.ctx, broken))
	h.first(p, a)
	h.edge(a, good, nil, false)
	h.edge(a, broken, nil, false)

	start, err := h.eng.InitiateProcess(h.ctx, InitiateRequest{ProcessName: "isolated"})
	require.NoError(t, err)
	_, err = h.eng.Claim(h.ctx, start.ActionGUID, "w1")
	require.NoError(t, err)
	h.start(start.ActionGUID, "w1")

	res, err := h.eng.RecordCompletion(h.ctx, CompletionRequest{
		ActionGUID: start.ActionGUID, WorkerID: "w1", Status: schema.ActionStatusActioned,
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePartialFanOut))
	require.NotNil(t, res)
	require.Len(t, res.Edges, 2)
	require.Len(t, res.Failed(), 1)
	assert.Equal(t, broken.GUID, res.Failed()[0].ToStepGUID)
	assert.True(t, schema.IsCode(res.Failed()[0].Err, schema.ErrCodeConfiguration))
	assert.Len(t, createdBy(res), 1)

	assert.Equal(t, schema.ActionStatusActioned, h.action(start.ActionGUID).Status, "completion is never rolled back")
}

func TestFanOut_DeletedJoinPredecessor(t *testing.T) {
	h := newHarness(t)
	p := h.process("deleted")
	a := h.step(p, "A", false)
	b := h.step(p, "B", false)
	gone := h.step(p, "Gone", false)
	c := h.step(p, "C", true)
	h.first(p, a)
	h.edge(a, c, schema.Guard("done"), true)
	h.edge(gone, c, schema.Guard("done"), true)
	h.edge(a, b, nil, false)
	require.NoError(t, h.graph.DeleteStep(h.ctx, gone.GUID))

	start, err := h.eng.InitiateProcess(h.ctx, InitiateRequest{ProcessName: "deleted"})
	require.NoError(t, err)
	_, err = h.eng.Claim(h.ctx, start.ActionGUID, "w1")
	require.NoError(t, err)
	h.start(start.ActionGUID, "w1")

	res, err := h.eng.RecordCompletion(h.ctx, CompletionRequest{
		ActionGUID: start.ActionGUID, WorkerID: "w1", Status: schema.ActionStatusActioned, Guards: []string{"done"},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodePartialFanOut))
	require.Len(t, res.Failed(), 1)
	assert.True(t, schema.IsCode(res.Failed()[0].Err, schema.ErrCodeConfiguration))
	assert.Len(t, createdBy(res), 1, "the edge to B still fires")
}

// --- Single-trigger dedupe ---

func TestPrepareFromStep_IgnoreMultipleTriggers(t *testing.T) {
	h := newHarness(t)
	p := h.process("dedupe")
	gate := h.step(p, "Gate", false)
	s := h.step(p, "S", true)
	h.edge(gate, s, schema.Guard("go"), true)

	first, err := h.eng.PrepareFromStep(h.ctx, PrepareRequest{ProcessName: "dedupe", StepGUID: s.GUID, TriggerGuard: "ping"})
	require.NoError(t, err)
	require.True(t, first.Created)

	for i := 0; i < 3; i++ {
		again, err := h.eng.PrepareFromStep(h.ctx, PrepareRequest{
			ProcessName: "dedupe", StepGUID: s.GUID, TriggerGuard: "ping", PreviousActionGUID: uuid.New().String(),
		})
		require.NoError(t, err)
		assert.Equal(t, first.ActionGUID, again.ActionGUID)
		assert.False(t, again.Created)
		assert.True(t, again.Deduplicated)
	}

	found, err := h.eng.FindBySubstring(h.ctx, "dedupe::S::")
	require.NoError(t, err)
	assert.Len(t, found, 1, "no new actions while one is REQUESTED")
	assert.Equal(t, schema.ActionStatusRequested, found[0].Status)
	assert.Len(t, found[0].ReceivedGuards, 4)
}

func TestPrepareFromStep_ConcurrentTriggersCreateOne(t *testing.T) {
	h := newHarness(t)
	p := h.process("burst")
	gate := h.step(p, "Gate", false)
	s := h.step(p, "S", true)
	h.edge(gate, s, schema.Guard("go"), true)

	const triggers = 8
	results := make([]*PrepareResult, triggers)
	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.eng.PrepareFromStep(h.ctx, PrepareRequest{
				ProcessName: "burst", StepGUID: s.GUID, TriggerGuard: "ping", PreviousActionGUID: uuid.New().String(),
			})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].ActionGUID, r.ActionGUID)
		if r.Created {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestPrepareFromStep_NoOpOnceMatchLeftRequested(t *testing.T) {
	h := newHarness(t)
	p := h.process("noop")
	s := h.step(p, "S", true)

	// A stale REQUESTED lookup: simulate the race by merging into an action
	// that was approved after the lookup.
	res, err := h.eng.PrepareFromStep(h.ctx, PrepareRequest{ProcessName: "noop", StepGUID: s.GUID})
	require.NoError(t, err)
	require.True(t, res.Approved)

	impl := h.eng.(*engineImpl)
	merged, err := impl.mergeTrigger(h.ctx, PrepareRequest{ProcessName: "noop", StepGUID: s.GUID, TriggerGuard: "late"}, res.ActionGUID)
	require.NoError(t, err)
	assert.True(t, merged.NoOp)
	assert.Equal(t, res.ActionGUID, merged.ActionGUID)
	assert.Empty(t, h.action(res.ActionGUID).ReceivedGuards)

	// Once the matching action has left REQUESTED a fresh trigger creates a new one.
	again, err := h.eng.PrepareFromStep(h.ctx, PrepareRequest{ProcessName: "noop", StepGUID: s.GUID})
	require.NoError(t, err)
	assert.True(t, again.Created)
	assert.NotEqual(t, res.ActionGUID, again.ActionGUID)
}

func TestPrepareFromStep_Errors(t *testing.T) {
	h := newHarness(t)
	p := h.process("errs")
	noExec := &schema.ProcessStep{GUID: uuid.New().String(), ProcessGUID: p.GUID, QualifiedName: "NoExec"}
	require.NoError(t, h.graph.SaveStep(h.ctx, noExec))
	unbound := &schema.ProcessStep{
		GUID: uuid.New().String(), ProcessGUID: p.GUID, QualifiedName: "Unbound",
		Executor: schema.ExecutorRef{EngineName: "provisioning", RequestType: "copy"},
	}
	require.NoError(t, h.graph.SaveStep(h.ctx, unbound))

	_, err := h.eng.PrepareFromStep(h.ctx, PrepareRequest{ProcessName: "errs", StepGUID: "missing"})
	assert.True(t, schema.IsReason(err, schema.ReasonUnknownStep))

	_, err = h.eng.PrepareFromStep(h.ctx, PrepareRequest{ProcessName: "errs", StepGUID: noExec.GUID})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))

	_, err = h.eng.PrepareFromStep(h.ctx, PrepareRequest{ProcessName: "errs", StepGUID: unbound.GUID})
	assert.True(t, schema.IsReason(err, schema.ReasonUnknownExecutor))

	_, err = h.eng.PrepareFromStep(h.ctx, PrepareRequest{StepGUID: noExec.GUID})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestPrepareFromStep_WaitTime(t *testing.T) {
	h := newHarness(t)
	p := h.process("delayed")
	s := h.step(p, "S", false)
	s.WaitTime = time.Hour
	require.NoError(t, h.graph.SaveStep(h.ctx, s))

	before := time.Now()
	res, err := h.eng.PrepareFromStep(h.ctx, PrepareRequest{ProcessName: "delayed", StepGUID: s.GUID})
	require.NoError(t, err)
	a := h.action(res.ActionGUID)
	assert.WithinDuration(t, before.Add(time.Hour), a.StartTime, time.Minute)

	ready, err := h.eng.ListActive(h.ctx, ActiveFilter{ReadyOnly: true})
	require.NoError(t, err)
	assert.Empty(t, ready)

	all, err := h.eng.ListActive(h.ctx, ActiveFilter{EngineNames: []string{"rules"}})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	override := time.Now().Add(-time.Minute)
	res, err = h.eng.PrepareFromStep(h.ctx, PrepareRequest{ProcessName: "delayed", StepGUID: s.GUID, StartTime: &override})
	require.NoError(t, err)
	assert.WithinDuration(t, override, h.action(res.ActionGUID).StartTime, time.Millisecond)
}

// --- Initiator ---

func TestInitiateProcess_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.InitiateProcess(h.ctx, InitiateRequest{ProcessName: "nope"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsReason(err, schema.ReasonUnknownProcess))

	h.process("headless")
	_, err = h.eng.InitiateProcess(h.ctx, InitiateRequest{ProcessName: "headless"})
	assert.True(t, schema.IsReason(err, schema.ReasonNoFirstStep))

	_, err = h.eng.InitiateProcess(h.ctx, InitiateRequest{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestInitiateProcess_RepeatedNamesNeverCollide(t *testing.T) {
	h := newHarness(t)
	p := h.process("repeat")
	h.first(p, h.step(p, "A", false))

	one, err := h.eng.InitiateProcess(h.ctx, InitiateRequest{ProcessName: "repeat"})
	require.NoError(t, err)
	two, err := h.eng.InitiateProcess(h.ctx, InitiateRequest{ProcessName: "repeat"})
	require.NoError(t, err)

	a1, a2 := h.action(one.ActionGUID), h.action(two.ActionGUID)
	assert.NotEqual(t, a1.QualifiedName, a2.QualifiedName)
	assert.Equal(t, a1.GUID, a1.AnchorGUID)
	assert.Equal(t, a2.GUID, a2.AnchorGUID)
	assert.Contains(t, a1.QualifiedName, "repeat::A::")

	found, err := h.eng.FindByName(h.ctx, a1.QualifiedName)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, a1.GUID, found[0].GUID)
}

// --- End to end ---

func TestOnboardFile_JoinAndAnchor(t *testing.T) {
	h := newHarness(t)
	p := h.process("onboard-file")
	a := h.step(p, "A", false)
	b := h.step(p, "B", false)
	b2 := h.step(p, "B2", false)
	c := h.step(p, "C", true)
	h.first(p, a)
	h.edge(a, b, schema.Guard("done"), false)
	h.edge(a, b2, schema.Guard("done"), false)
	h.edge(b, c, schema.Guard("done"), true)
	h.edge(b2, c, schema.Guard("done"), true)

	events, cancel, err := h.hub.Subscribe(h.ctx, streaming.EventFilter{
		ProcessName: "onboard-file", EventTypes: []string{schema.EventActionApproved},
	})
	require.NoError(t, err)
	defer cancel()

	start, err := h.eng.InitiateProcess(h.ctx, InitiateRequest{ProcessName: "onboard-file", Originator: "tester"})
	require.NoError(t, err)
	require.True(t, start.Created)
	require.True(t, start.Approved)
	anchor := start.ActionGUID
	assert.Equal(t, anchor, start.AnchorGUID)

	res := h.complete(anchor, "w1", "done")
	require.NoError(t, res.Err())
	next := createdBy(res)
	require.Len(t, next, 2, "one action for B and one for B2")

	byStep := map[string]string{}
	for _, guid := range next {
		act := h.action(guid)
		assert.Equal(t, schema.ActionStatusApproved, act.Status)
		byStep[act.ProcessStepGUID] = guid
	}
	require.Contains(t, byStep, b.GUID)
	require.Contains(t, byStep, b2.GUID)

	res = h.complete(byStep[b.GUID], "w2", "done")
	require.NoError(t, res.Err())
	require.Len(t, res.Edges, 1)
	join := res.Edges[0].Result
	require.True(t, join.Created)
	assert.False(t, join.Approved)

	c1 := h.action(join.ActionGUID)
	assert.Equal(t, schema.ActionStatusRequested, c1.Status, "C waits for B2")
	assert.Equal(t, []string{"done", "done"}, c1.MandatoryGuards)

	res = h.complete(byStep[b2.GUID], "w3", "done")
	require.NoError(t, res.Err())
	require.Len(t, res.Edges, 1)
	merged := res.Edges[0].Result
	assert.Equal(t, join.ActionGUID, merged.ActionGUID)
	assert.True(t, merged.Deduplicated)
	assert.True(t, merged.Approved)
	assert.Equal(t, schema.ActionStatusApproved, h.action(join.ActionGUID).Status)

	links, err := h.db.ListLinks(h.ctx, join.ActionGUID)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	instance, err := h.eng.FindBySubstring(h.ctx, "onboard-file::")
	require.NoError(t, err)
	require.Len(t, instance, 4)
	for _, act := range instance {
		assert.Equal(t, anchor, act.AnchorGUID, "action %s", act.QualifiedName)
		assert.Equal(t, "onboard-file", act.ProcessName)
	}

	approved := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(approved) < 4 {
		select {
		case ev := <-events:
			approved[ev.ActionID] = true
		case <-deadline:
			t.Fatalf("saw approvals for %d actions, want 4", len(approved))
		}
	}
	assert.True(t, approved[join.ActionGUID])
}

// onboardFile builds A -> {B, B2} -> C where C joins B and B2 on "done".
func (h *harness) onboardFile(joinIgnoresMultiple bool) (b, b2, c *schema.ProcessStep) {
	h.t.Helper()
	p := h.process("onboard-file")
	a := h.step(p, "A", false)
	b = h.step(p, "B", false)
	b2 = h.step(p, "B2", false)
	c = h.step(p, "C", joinIgnoresMultiple)
	h.first(p, a)
	h.edge(a, b, schema.Guard("done"), false)
	h.edge(a, b2, schema.Guard("done"), false)
	h.edge(b, c, schema.Guard("done"), true)
	h.edge(b2, c, schema.Guard("done"), true)
	return b, b2, c
}

// startOnboardFile initiates onboard-file and completes A. It returns the
// anchor and the actions created for each step.
func (h *harness) startOnboardFile() (string, map[string]string) {
	h.t.Helper()
	start, err := h.eng.InitiateProcess(h.ctx, InitiateRequest{ProcessName: "onboard-file", Originator: "tester"})
	require.NoError(h.t, err)
	res := h.complete(start.ActionGUID, "w1", "done")
	require.NoError(h.t, res.Err())
	byStep := map[string]string{}
	for _, guid := range createdBy(res) {
		byStep[h.action(guid).ProcessStepGUID] = guid
	}
	return start.ActionGUID, byStep
}

func TestOnboardFile_JoinWithoutIgnoreMultiple(t *testing.T) {
	h := newHarness(t)
	b, b2, c := h.onboardFile(false)
	anchor, byStep := h.startOnboardFile()

	res := h.complete(byStep[b.GUID], "w2", "done")
	require.NoError(t, res.Err())
	require.Len(t, res.Edges, 1)
	join := res.Edges[0].Result
	require.True(t, join.Created)
	assert.Equal(t, schema.ActionStatusRequested, h.action(join.ActionGUID).Status)

	res = h.complete(byStep[b2.GUID], "w3", "done")
	require.NoError(t, res.Err())
	require.Len(t, res.Edges, 1)
	merged := res.Edges[0].Result
	assert.Equal(t, join.ActionGUID, merged.ActionGUID, "B2 reaches the join B created")
	assert.True(t, merged.Deduplicated)
	assert.True(t, merged.Approved)

	joined := h.action(join.ActionGUID)
	assert.Equal(t, schema.ActionStatusApproved, joined.Status)
	assert.Equal(t, []string{"done", "done"}, joined.ReceivedGuards)

	instance, err := h.eng.FindBySubstring(h.ctx, "onboard-file::C::")
	require.NoError(t, err)
	require.Len(t, instance, 1, "one C per instance")
	assert.Equal(t, c.GUID, instance[0].ProcessStepGUID)
	assert.Equal(t, anchor, instance[0].AnchorGUID)
}

func TestOnboardFile_JoinsStaySeparatePerInstance(t *testing.T) {
	h := newHarness(t)
	b, _, _ := h.onboardFile(false)
	_, first := h.startOnboardFile()
	_, second := h.startOnboardFile()

	r1 := h.complete(first[b.GUID], "w2", "done")
	r2 := h.complete(second[b.GUID], "w2", "done")
	require.Len(t, r1.Edges, 1)
	require.Len(t, r2.Edges, 1)
	assert.True(t, r1.Edges[0].Result.Created)
	assert.True(t, r2.Edges[0].Result.Created)
	assert.NotEqual(t, r1.Edges[0].Result.ActionGUID, r2.Edges[0].Result.ActionGUID)
}

func TestRecordCompletion_UnownedJoinRejected(t *testing.T) {
	h := newHarness(t)
	p := h.process("onboard-file")
	a := h.step(p, "A", false)
	b := h.step(p, "B", false)
	b2 := h.step(p, "B2", false)
	c := h.step(p, "C", true)
	d := h.step(p, "D", false)
	h.first(p, a)
	h.edge(a, b, schema.Guard("done"), false)
	h.edge(a, b2, schema.Guard("done"), false)
	h.edge(b, c, schema.Guard("done"), true)
	h.edge(b2, c, schema.Guard("done"), true)
	h.edge(c, d, nil, false)
	_, byStep := h.startOnboardFile()

	res := h.complete(byStep[b.GUID], "w2", "done")
	require.Len(t, res.Edges, 1)
	join := res.Edges[0].Result.ActionGUID
	require.Equal(t, schema.ActionStatusRequested, h.action(join).Status)

	for _, caller := range []string{"intruder", "w2"} {
		_, err := h.eng.RecordCompletion(h.ctx, CompletionRequest{
			ActionGUID: join, WorkerID: caller, Status: schema.ActionStatusFailed, Guards: []string{"done"},
		})
		assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthorized), "caller %q", caller)
	}

	assert.Equal(t, schema.ActionStatusRequested, h.action(join).Status)
	assert.Empty(t, h.action(join).Owner())
	successors, err := h.eng.FindBySubstring(h.ctx, "onboard-file::D::")
	require.NoError(t, err)
	assert.Empty(t, successors, "no fan-out from a rejected completion")
}

func TestListActiveClaimedBy_Reattach(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		_, err := h.eng.CreateEngineAction(h.ctx, CreateActionRequest{QualifiedNameBase: "job", EngineName: "rules", RequestType: "cel"})
		require.NoError(t, err)
	}
	active, err := h.eng.ListActive(h.ctx, ActiveFilter{ReadyOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 3)

	_, err = h.eng.Claim(h.ctx, active[0].GUID, "host-1")
	require.NoError(t, err)
	_, err = h.eng.Claim(h.ctx, active[1].GUID, "host-1")
	require.NoError(t, err)
	h.complete(active[2].GUID, "host-2")

	mine, err := h.eng.ListActiveClaimedBy(h.ctx, "host-1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	theirs, err := h.eng.ListActiveClaimedBy(h.ctx, "host-2")
	require.NoError(t, err)
	assert.Empty(t, theirs, "completed actions are not active")

	_, err = h.eng.ListActiveClaimedBy(h.ctx, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

// --- Store failures ---

// downStore fails every read with a collaborator I/O error.
type downStore struct {
	store.ActionStore
}

func (downStore) GetAction(context.Context, string) (*store.EngineAction, error) {
	return nil, schema.StoreUnavailable("get action", errors.New("connection refused"))
}

func TestStoreUnavailablePropagates(t *testing.T) {
	h := newHarness(t)
	eng := New(h.graph, downStore{ActionStore: h.db}, Config{})

	_, err := eng.Claim(h.ctx, "any", "w1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeStoreUnavailable))

	_, err = eng.RecordCompletion(h.ctx, CompletionRequest{ActionGUID: "any", WorkerID: "w1", Status: schema.ActionStatusFailed})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStoreUnavailable))
}
