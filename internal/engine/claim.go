package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/govflow/internal/logging"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/internal/tracing"
	"github.com/rendis/govflow/pkg/schema"
)

// Claim is a single compare-and-swap in the action store
// (APPROVED, no owner) -> (WAITING, workerID). Concurrent claims on one
// action have exactly one winner; the others get INVALID_STATE.
func (e *engineImpl) Claim(ctx context.Context, actionGUID, workerID string) (a *store.EngineAction, err error) {
	ctx, done := e.start(ctx, "Claim",
		attribute.String(tracing.ActionIDKey, actionGUID),
		attribute.String(tracing.WorkerIDKey, workerID))
	defer func() { done(err) }()

	if actionGUID == "" || workerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "action guid and worker id are required")
	}
	a, err = e.actions.GetAction(ctx, actionGUID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithWorkerID(logging.WithAction(ctx, a.ProcessName, a.GUID), workerID)

	if a.Status != schema.ActionStatusApproved || a.Owner() != "" {
		e.metrics.Claim(false)
		return nil, invalidState(a, "action is not claimable")
	}
	ok, err := e.actions.CASUpdateStatus(ctx, actionGUID, schema.ActionStatusApproved, "", schema.ActionStatusWaiting, workerID)
	if err != nil {
		return nil, err
	}
	e.metrics.Claim(ok)
	if !ok {
		e.logger.DebugContext(ctx, "claim lost")
		return nil, invalidState(a, "action was claimed concurrently")
	}

	a.Status = schema.ActionStatusWaiting
	a.ProcessingEngineUserID = workerID
	e.transitioned(ctx, a, schema.ActionStatusApproved, schema.ActionStatusWaiting, workerID, nil, "")
	return a, nil
}
