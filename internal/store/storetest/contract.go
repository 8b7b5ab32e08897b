// Package storetest holds behavioural contracts shared by every store backend.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/schema"
)

// NewAction builds an action on engine rules/cel in process "onboard-file".
func NewAction(status schema.ActionStatus) *store.EngineAction {
	return &store.EngineAction{
		GUID:              uuid.New().String(),
		QualifiedName:     "review::" + uuid.New().String()[:8],
		EngineName:        "rules",
		RequestType:       "cel",
		RequestParameters: map[string]string{"expression": "true"},
		Status:            status,
		StartTime:         time.Now().UTC().Add(-time.Second),
		ProcessName:       "onboard-file",
	}
}

// RunActionStoreContract verifies the conditional-write guarantees of an
// ActionStore. newStore must return an empty store on each call.
func RunActionStoreContract(t *testing.T, newStore func(t *testing.T) store.ActionStore) {
	ctx := context.Background()

	seed := func(t *testing.T, s store.ActionStore, a *store.EngineAction) *store.EngineAction {
		t.Helper()
		require.NoError(t, s.CreateAction(ctx, a))
		return a
	}

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		a := NewAction(schema.ActionStatusRequested)
		a.MandatoryGuards = []string{"done"}
		a.Targets = []store.ActionTarget{{TargetName: "file", ElementGUID: "elem-1"}}
		a.Sources = []store.RequestSource{{SourceName: "trigger", ElementGUID: "src-1"}}
		seed(t, s, a)

		got, err := s.GetAction(ctx, a.GUID)
		require.NoError(t, err)
		assert.Equal(t, a.QualifiedName, got.QualifiedName)
		assert.Equal(t, schema.ActionStatusRequested, got.Status)
		assert.Equal(t, []string{"done"}, got.MandatoryGuards)
		assert.Empty(t, got.ReceivedGuards)
		assert.Equal(t, "", got.Owner())
		assert.WithinDuration(t, a.StartTime, got.StartTime, time.Millisecond)
		require.Len(t, got.Targets, 1)
		assert.NotEmpty(t, got.Targets[0].GUID)
		require.Len(t, got.Sources, 1)
		assert.Equal(t, "src-1", got.Sources[0].ElementGUID)

		_, err = s.GetAction(ctx, "missing")
		assert.True(t, schema.IsReason(err, schema.ReasonUnknownAction))
	})

	t.Run("dedupe requested per step", func(t *testing.T) {
		s := newStore(t)
		first := NewAction(schema.ActionStatusRequested)
		first.ProcessStepGUID = "step-c"
		first.IgnoreMultipleTriggers = true
		seed(t, s, first)

		dup := NewAction(schema.ActionStatusRequested)
		dup.ProcessStepGUID = "step-c"
		dup.IgnoreMultipleTriggers = true
		assert.True(t, schema.IsCode(s.CreateAction(ctx, dup), schema.ErrCodeConflict))

		guid, err := s.FindRequestedActionForStep(ctx, "onboard-file", "step-c")
		require.NoError(t, err)
		assert.Equal(t, first.GUID, guid)

		guid, err = s.FindRequestedActionForStep(ctx, "onboard-file", "other")
		require.NoError(t, err)
		assert.Empty(t, guid)

		ok, err := s.CASUpdateStatus(ctx, first.GUID, schema.ActionStatusRequested, "", schema.ActionStatusApproved, "")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.CreateAction(ctx, dup), "slot frees once the first leaves REQUESTED")
	})

	t.Run("dedupe requested join per instance", func(t *testing.T) {
		s := newStore(t)
		join := func(anchor string) *store.EngineAction {
			a := NewAction(schema.ActionStatusRequested)
			a.ProcessStepGUID = "step-c"
			a.MandatoryGuards = []string{"done", "done"}
			a.AnchorGUID = anchor
			return a
		}
		first := seed(t, s, join("anchor-1"))
		seed(t, s, join("anchor-2"))

		dup := join("anchor-1")
		assert.True(t, schema.IsCode(s.CreateAction(ctx, dup), schema.ErrCodeConflict))

		plain := NewAction(schema.ActionStatusRequested)
		plain.ProcessStepGUID = "step-c"
		plain.AnchorGUID = "anchor-1"
		require.NoError(t, s.CreateAction(ctx, plain), "steps without mandatory guards never merge")

		guid, err := s.FindRequestedJoinAction(ctx, "onboard-file", "step-c", "anchor-1")
		require.NoError(t, err)
		assert.Equal(t, first.GUID, guid)

		guid, err = s.FindRequestedJoinAction(ctx, "onboard-file", "step-c", "anchor-3")
		require.NoError(t, err)
		assert.Empty(t, guid)

		ok, err := s.CASUpdateStatus(ctx, first.GUID, schema.ActionStatusRequested, "", schema.ActionStatusApproved, "")
		require.NoError(t, err)
		require.True(t, ok)
		guid, err = s.FindRequestedJoinAction(ctx, "onboard-file", "step-c", "anchor-1")
		require.NoError(t, err)
		assert.Empty(t, guid, "an approved join no longer collects triggers")
		require.NoError(t, s.CreateAction(ctx, dup))
	})

	t.Run("received guards merge once per predecessor", func(t *testing.T) {
		s := newStore(t)
		a := seed(t, s, NewAction(schema.ActionStatusRequested))

		got, ok, err := s.AddReceivedGuard(ctx, a.GUID, store.ActionLink{FromActionGUID: "prev-1", Guard: "done", Mandatory: true})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []string{"done"}, got.ReceivedGuards)

		got, ok, err = s.AddReceivedGuard(ctx, a.GUID, store.ActionLink{FromActionGUID: "prev-1", Guard: "done", Mandatory: true})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []string{"done"}, got.ReceivedGuards)

		got, ok, err = s.AddReceivedGuard(ctx, a.GUID, store.ActionLink{FromActionGUID: "prev-2", Guard: "done", Mandatory: true})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []string{"done", "done"}, got.ReceivedGuards)

		links, err := s.ListLinks(ctx, a.GUID)
		require.NoError(t, err)
		assert.Len(t, links, 2)
	})

	t.Run("received guard rejected once approved", func(t *testing.T) {
		s := newStore(t)
		a := seed(t, s, NewAction(schema.ActionStatusApproved))

		got, ok, err := s.AddReceivedGuard(ctx, a.GUID, store.ActionLink{FromActionGUID: "p", Guard: "g"})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, schema.ActionStatusApproved, got.Status)
	})

	t.Run("cas status and owner", func(t *testing.T) {
		s := newStore(t)
		a := seed(t, s, NewAction(schema.ActionStatusApproved))

		ok, err := s.CASUpdateStatus(ctx, a.GUID, schema.ActionStatusApproved, "", schema.ActionStatusWaiting, "worker-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.CASUpdateStatus(ctx, a.GUID, schema.ActionStatusApproved, "", schema.ActionStatusWaiting, "worker-2")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CASUpdateStatus(ctx, a.GUID, schema.ActionStatusWaiting, "worker-2", schema.ActionStatusInProgress, "worker-2")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetAction(ctx, a.GUID)
		require.NoError(t, err)
		assert.Equal(t, schema.ActionStatusWaiting, got.Status)
		assert.Equal(t, "worker-1", got.Owner())
	})

	t.Run("concurrent claim has one winner", func(t *testing.T) {
		s := newStore(t)
		a := seed(t, s, NewAction(schema.ActionStatusApproved))

		const workers = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CASUpdateStatus(ctx, a.GUID, schema.ActionStatusApproved, "", schema.ActionStatusWaiting, uuid.New().String())
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("completion propagates to targets", func(t *testing.T) {
		s := newStore(t)
		a := NewAction(schema.ActionStatusInProgress)
		a.ProcessingEngineUserID = "worker-1"
		a.Targets = []store.ActionTarget{
			{TargetName: "file", ElementGUID: "f-1"},
			{TargetName: "file", ElementGUID: "f-2", Status: schema.ActionStatusFailed},
		}
		seed(t, s, a)

		ok, err := s.RecordCompletion(ctx, a.GUID, schema.ActionStatusInProgress, "worker-2", store.Completion{Status: schema.ActionStatusActioned})
		require.NoError(t, err)
		assert.False(t, ok, "non-owner must not complete")

		ok, err = s.RecordCompletion(ctx, a.GUID, schema.ActionStatusInProgress, "worker-1", store.Completion{
			Status:     schema.ActionStatusActioned,
			Guards:     []string{"done"},
			Message:    "all good",
			NewTargets: []store.ActionTarget{{TargetName: "report", ElementGUID: "r-1"}},
		})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.GetAction(ctx, a.GUID)
		require.NoError(t, err)
		assert.Equal(t, schema.ActionStatusActioned, got.Status)
		assert.Equal(t, []string{"done"}, got.CompletionGuards)
		assert.Equal(t, "all good", got.CompletionMessage)
		require.NotNil(t, got.CompletionTime)
		require.Len(t, got.Targets, 3)

		byElem := map[string]store.ActionTarget{}
		for _, tgt := range got.Targets {
			byElem[tgt.ElementGUID] = tgt
		}
		assert.Equal(t, schema.ActionStatusActioned, byElem["f-1"].Status)
		assert.Equal(t, schema.ActionStatusFailed, byElem["f-2"].Status)
		assert.Equal(t, schema.ActionStatusActioned, byElem["r-1"].Status)

		ok, err = s.RecordCompletion(ctx, a.GUID, schema.ActionStatusInProgress, "worker-1", store.Completion{Status: schema.ActionStatusFailed})
		require.NoError(t, err)
		assert.False(t, ok, "second completion loses")
	})

	t.Run("target update owner only", func(t *testing.T) {
		s := newStore(t)
		a := NewAction(schema.ActionStatusInProgress)
		a.ProcessingEngineUserID = "worker-1"
		a.Targets = []store.ActionTarget{{TargetName: "file", ElementGUID: "f-1"}}
		seed(t, s, a)
		targetGUID := a.Targets[0].GUID

		ok, err := s.UpdateTargetStatus(ctx, a.GUID, targetGUID, "intruder", store.TargetUpdate{Status: schema.ActionStatusFailed})
		require.NoError(t, err)
		assert.False(t, ok)

		now := time.Now().UTC()
		ok, err = s.UpdateTargetStatus(ctx, a.GUID, targetGUID, "worker-1", store.TargetUpdate{
			Status: schema.ActionStatusInProgress, StartTime: &now, CompletionMessage: "copying",
		})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetAction(ctx, a.GUID)
		require.NoError(t, err)
		assert.Equal(t, schema.ActionStatusInProgress, got.Targets[0].Status)
		assert.Equal(t, "copying", got.Targets[0].CompletionMessage)
		assert.NotNil(t, got.Targets[0].StartTime)
	})

	t.Run("list by status and owner", func(t *testing.T) {
		s := newStore(t)
		approved := seed(t, s, NewAction(schema.ActionStatusApproved))
		future := NewAction(schema.ActionStatusApproved)
		future.StartTime = time.Now().Add(time.Hour)
		seed(t, s, future)
		other := NewAction(schema.ActionStatusApproved)
		other.EngineName = "provisioning"
		seed(t, s, other)
		claimed := NewAction(schema.ActionStatusWaiting)
		claimed.ProcessingEngineUserID = "worker-1"
		seed(t, s, claimed)
		seed(t, s, NewAction(schema.ActionStatusActioned))

		now := time.Now()
		ready, err := s.ListByStatuses(ctx, []schema.ActionStatus{schema.ActionStatusApproved},
			store.ActionFilter{EngineNames: []string{"rules"}, StartBefore: &now})
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, approved.GUID, ready[0].GUID)

		active, err := s.ListByStatuses(ctx, schema.ActiveStatuses, store.ActionFilter{})
		require.NoError(t, err)
		assert.Len(t, active, 4)

		limited, err := s.ListByStatuses(ctx, schema.ActiveStatuses, store.ActionFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		mine, err := s.ListByOwner(ctx, "worker-1", schema.ClaimedStatuses)
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, claimed.GUID, mine[0].GUID)
	})

	t.Run("find by name", func(t *testing.T) {
		s := newStore(t)
		a := NewAction(schema.ActionStatusRequested)
		a.QualifiedName = "onboard-file::A::1234"
		seed(t, s, a)
		b := NewAction(schema.ActionStatusRequested)
		b.QualifiedName = "offboard_user::X::99"
		seed(t, s, b)

		exact, err := s.FindByName(ctx, "onboard-file::A::1234")
		require.NoError(t, err)
		require.Len(t, exact, 1)

		none, err := s.FindByName(ctx, "onboard-file")
		require.NoError(t, err)
		assert.Empty(t, none)

		sub, err := s.FindByNameSubstring(ctx, "board")
		require.NoError(t, err)
		assert.Len(t, sub, 2)

		sub, err = s.FindByNameSubstring(ctx, "d_u")
		require.NoError(t, err)
		require.Len(t, sub, 1)
		assert.Equal(t, b.GUID, sub[0].GUID)
	})
}
