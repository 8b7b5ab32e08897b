package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/govflow/internal/metrics"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/schema"
)

// EdgeOutcome is the result of following one selected edge.
type EdgeOutcome struct {
	EdgeGUID   string         `json:"edge_guid"`
	ToStepGUID string         `json:"to_step_guid"`
	Guard      string         `json:"guard,omitempty"`
	Result     *PrepareResult `json:"result,omitempty"`
	Err        error          `json:"-"`
}

// CompletionResult is the outcome of RecordCompletion.
type CompletionResult struct {
	Action *store.EngineAction `json:"action"`
	Edges  []EdgeOutcome       `json:"edges,omitempty"`
	// FanOutErr is set when the outgoing edges could not be listed at all.
	FanOutErr error `json:"-"`
}

// Failed returns the outcomes whose preparation failed.
func (r *CompletionResult) Failed() []EdgeOutcome {
	var failed []EdgeOutcome
	for _, o := range r.Edges {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err returns a PARTIAL_FANOUT error naming every edge that failed, or nil.
// The completion itself is recorded either way.
func (r *CompletionResult) Err() error {
	if r == nil {
		return nil
	}
	if r.FanOutErr != nil {
		return schema.NewErrorf(schema.ErrCodePartialFanOut, "fan-out aborted: %s", r.FanOutErr.Error()).
			WithAction(r.Action.GUID).
			WithCause(r.FanOutErr)
	}
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}

	edges := make(map[string]any, len(failed))
	msgs := make([]string, 0, len(failed))
	for _, o := range failed {
		edges[o.EdgeGUID] = o.Err.Error()
		msgs = append(msgs, fmt.Sprintf("%s: %s", o.ToStepGUID, o.Err.Error()))
	}
	return schema.NewErrorf(schema.ErrCodePartialFanOut, "%d of %d edges failed: %s",
		len(failed), len(r.Edges), strings.Join(msgs, "; ")).
		WithAction(r.Action.GUID).
		WithDetails(map[string]any{"failed_edges": edges}).
		WithCause(failed[0].Err)
}

// fanOut schedules the successors of a completed action. Each selected edge
// is prepared independently; one failure does not stop the others.
func (e *engineImpl) fanOut(ctx context.Context, a *store.EngineAction, params map[string]string, originator string) *CompletionResult {
	res := &CompletionResult{Action: a}
	if a.ProcessStepGUID == "" {
		return res
	}

	edges, err := e.graph.GetOutgoingEdges(ctx, a.ProcessStepGUID)
	if err != nil {
		e.logger.ErrorContext(ctx, "list outgoing edges", "step", a.ProcessStepGUID, "error", err)
		e.emit(ctx, a, schema.EventFanOutFailed, originator, map[string]string{"error": err.Error()})
		res.FanOutErr = err
		return res
	}

	anchor := a.AnchorGUID
	if anchor == "" {
		anchor = a.GUID
	}
	for _, edge := range edges {
		if !SelectsEdge(edge, a.CompletionGuards) {
			continue
		}
		out := EdgeOutcome{EdgeGUID: edge.GUID, ToStepGUID: edge.ToStepGUID, Guard: edge.GuardValue()}
		out.Result, out.Err = e.PrepareFromStep(ctx, PrepareRequest{
			ProcessName:        a.ProcessName,
			StepGUID:           edge.ToStepGUID,
			AnchorGUID:         anchor,
			PreviousActionGUID: a.GUID,
			TriggerGuard:       edge.GuardValue(),
			Mandatory:          edge.Mandatory,
			Parameters:         params,
			Sources:            a.Sources,
			Targets:            a.Targets,
			Originator:         originator,
		})
		e.metrics.FanOut(edgeOutcome(out))
		if out.Err != nil {
			e.logger.WarnContext(ctx, "fan-out edge failed", "edge", edge.GUID, "to", edge.ToStepGUID, "error", out.Err)
			e.emit(ctx, a, schema.EventFanOutFailed, originator, map[string]string{
				"edge": edge.GUID, "to_step": edge.ToStepGUID, "error": out.Err.Error(),
			})
		}
		res.Edges = append(res.Edges, out)
	}
	return res
}

func edgeOutcome(o EdgeOutcome) string {
	switch {
	case o.Err != nil:
		return metrics.OutcomeFailed
	case o.Result.NoOp:
		return metrics.OutcomeNoOp
	case o.Result.Deduplicated:
		return metrics.OutcomeDeduplicated
	default:
		return metrics.OutcomeCreated
	}
}
