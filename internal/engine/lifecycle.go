package engine

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/govflow/internal/logging"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/internal/tracing"
	"github.com/rendis/govflow/pkg/schema"
)

// maxCASAttempts bounds the read-check-write loops below. A loop repeats
// only when the action changed between read and write without the change
// making the request illegal.
const maxCASAttempts = 3

func (e *engineImpl) UpdateStatus(ctx context.Context, req StatusUpdate) (a *store.EngineAction, err error) {
	ctx, done := e.start(ctx, "UpdateStatus",
		attribute.String(tracing.ActionIDKey, req.ActionGUID),
		attribute.String(tracing.StatusKey, string(req.Status)))
	defer func() { done(err) }()

	if err := e.check(req); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		a, err = e.actions.GetAction(ctx, req.ActionGUID)
		if err != nil {
			return nil, err
		}
		if err := CheckTransition(a, req.Status, req.WorkerID); err != nil {
			return nil, err
		}
		from, owner := a.Status, a.Owner()

		var ok bool
		if req.Status.IsTerminal() {
			ok, err = e.actions.RecordCompletion(ctx, a.GUID, from, owner, store.Completion{
				Status:         req.Status,
				Message:        req.Message,
				CompletionTime: e.now(),
			})
		} else {
			ok, err = e.actions.CASUpdateStatus(ctx, a.GUID, from, owner, req.Status, owner)
		}
		if err != nil {
			return nil, err
		}
		if ok {
			ctx = logging.WithWorkerID(logging.WithAction(ctx, a.ProcessName, a.GUID), req.WorkerID)
			e.transitioned(ctx, a, from, req.Status, req.WorkerID, nil, req.Message)
			return e.actions.GetAction(ctx, a.GUID)
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict, "action %s kept changing during status update", req.ActionGUID).
		WithAction(req.ActionGUID)
}

func (e *engineImpl) RecordCompletion(ctx context.Context, req CompletionRequest) (res *CompletionResult, err error) {
	ctx, done := e.start(ctx, "RecordCompletion",
		attribute.String(tracing.ActionIDKey, req.ActionGUID),
		attribute.String(tracing.WorkerIDKey, req.WorkerID),
		attribute.String(tracing.StatusKey, string(req.Status)))
	defer func() { done(err) }()

	if err := e.check(req); err != nil {
		return nil, err
	}
	if !req.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "completion status %s is not terminal", req.Status).
			WithAction(req.ActionGUID)
	}

	var a *store.EngineAction
	recorded := false
	for attempt := 0; attempt < maxCASAttempts && !recorded; attempt++ {
		a, err = e.actions.GetAction(ctx, req.ActionGUID)
		if err != nil {
			return nil, err
		}
		if err := CheckCompletion(a, req.Status, req.WorkerID); err != nil {
			return nil, err
		}
		recorded, err = e.actions.RecordCompletion(ctx, a.GUID, a.Status, a.Owner(), store.Completion{
			Status:         req.Status,
			Guards:         req.Guards,
			Message:        req.Message,
			CompletionTime: e.now(),
			NewTargets:     req.NewTargets,
		})
		if err != nil {
			return nil, err
		}
	}
	if !recorded {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "action %s kept changing during completion", req.ActionGUID).
			WithAction(req.ActionGUID)
	}

	ctx = logging.WithWorkerID(logging.WithAction(ctx, a.ProcessName, a.GUID), req.WorkerID)
	e.transitioned(ctx, a, a.Status, req.Status, req.WorkerID, req.Guards, req.Message)

	completed, err := e.actions.GetAction(ctx, a.GUID)
	if err != nil {
		// The completion is stored; fan out from what was written.
		completed = a
		completed.Status = req.Status
		completed.CompletionGuards = req.Guards
		completed.CompletionMessage = req.Message
	}

	res = e.fanOut(ctx, completed, maps.Clone(req.Parameters), req.WorkerID)
	return res, res.Err()
}

func (e *engineImpl) UpdateActionTargetStatus(ctx context.Context, req TargetStatusUpdate) (a *store.EngineAction, err error) {
	ctx, done := e.start(ctx, "UpdateActionTargetStatus",
		attribute.String(tracing.ActionIDKey, req.ActionGUID),
		attribute.String(tracing.WorkerIDKey, req.WorkerID))
	defer func() { done(err) }()

	if err := e.check(req); err != nil {
		return nil, err
	}
	if !req.Status.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", req.Status)
	}

	a, err = e.actions.GetAction(ctx, req.ActionGUID)
	if err != nil {
		return nil, err
	}
	if a.Status.IsTerminal() {
		return nil, invalidState(a, "action is already %s", a.Status)
	}
	if a.Owner() != req.WorkerID {
		return nil, unauthorized(a, req.WorkerID)
	}
	if !hasTarget(a, req.TargetGUID) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "target %s not found on action", req.TargetGUID).
			WithAction(a.GUID)
	}

	ok, err := e.actions.UpdateTargetStatus(ctx, a.GUID, req.TargetGUID, req.WorkerID, store.TargetUpdate{
		Status:            req.Status,
		StartTime:         req.StartTime,
		CompletionTime:    req.CompletionTime,
		CompletionMessage: req.CompletionMessage,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Ownership moved between the read and the write.
		return nil, unauthorized(a, req.WorkerID)
	}

	ctx = logging.WithWorkerID(logging.WithAction(ctx, a.ProcessName, a.GUID), req.WorkerID)
	e.emit(ctx, a, schema.EventTargetUpdated, req.WorkerID, map[string]string{
		"target": req.TargetGUID, "status": string(req.Status), "message": req.CompletionMessage,
	})
	return e.actions.GetAction(ctx, a.GUID)
}

func hasTarget(a *store.EngineAction, targetGUID string) bool {
	for _, t := range a.Targets {
		if t.GUID == targetGUID {
			return true
		}
	}
	return false
}
