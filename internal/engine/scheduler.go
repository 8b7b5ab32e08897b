package engine

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/govflow/internal/logging"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/internal/tracing"
	"github.com/rendis/govflow/pkg/schema"
)

// nameSeparator joins the parts of an action's qualified name.
const nameSeparator = "::"

func (e *engineImpl) CreateEngineAction(ctx context.Context, req CreateActionRequest) (a *store.EngineAction, err error) {
	ctx, done := e.start(ctx, "CreateEngineAction", attribute.String(tracing.ProcessNameKey, req.ProcessName))
	defer func() { done(err) }()

	if err := e.check(req); err != nil {
		return nil, err
	}
	ref, err := e.graph.ResolveExecutor(ctx, req.EngineName, req.RequestType)
	if err != nil {
		return nil, err
	}

	params := maps.Clone(ref.RequestParameters)
	if params == nil {
		params = make(map[string]string, len(req.RequestParameters))
	}
	maps.Copy(params, req.RequestParameters)

	guid := uuid.New().String()
	start := e.now()
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}
	a = &store.EngineAction{
		GUID:              guid,
		QualifiedName:     req.QualifiedNameBase + nameSeparator + uuid.New().String(),
		Domain:            req.Domain,
		DisplayName:       req.DisplayName,
		Description:       req.Description,
		EngineName:        req.EngineName,
		RequestType:       req.RequestType,
		RequestParameters: params,
		MandatoryGuards:   req.MandatoryGuards,
		ReceivedGuards:    req.ReceivedGuards,
		Status:            schema.ActionStatusRequested,
		StartTime:         start,
		ProcessStepGUID:   req.ProcessStepGUID,
		ProcessStepName:   req.ProcessStepName,
		ProcessName:       req.ProcessName,
		AnchorGUID:        req.AnchorGUID,
		Sources:           req.Sources,
		Targets:           req.Targets,
	}
	if _, err := e.insert(ctx, a, nil, req.Originator); err != nil {
		return nil, err
	}
	return e.actions.GetAction(ctx, guid)
}

// insert stores a new REQUESTED action, links it to the action that
// triggered it, if any, and evaluates its readiness.
func (e *engineImpl) insert(ctx context.Context, a *store.EngineAction, link *store.ActionLink, originator string) (bool, error) {
	if err := e.actions.CreateAction(ctx, a); err != nil {
		return false, err
	}
	if link != nil {
		if err := e.actions.LinkActions(ctx, *link); err != nil {
			return false, err
		}
	}

	ctx = logging.WithAction(ctx, a.ProcessName, a.GUID)
	e.metrics.ActionCreated(a.EngineName)
	e.logger.InfoContext(ctx, "engine action created",
		"qualified_name", a.QualifiedName,
		"executor", schema.ExecutorKey(a.EngineName, a.RequestType),
		"anchor", a.AnchorGUID,
		"mandatory", a.MandatoryGuards,
		"start", a.StartTime.Format(time.RFC3339))
	e.emit(ctx, a, schema.EventActionCreated, originator, store.TransitionPayload{
		To:     a.Status,
		Guards: a.ReceivedGuards,
	})
	return e.evaluateReadiness(ctx, a)
}

// evaluateReadiness approves a REQUESTED, unowned action whose received
// guards satisfy its mandatory guards. It reports whether this call did so.
func (e *engineImpl) evaluateReadiness(ctx context.Context, a *store.EngineAction) (bool, error) {
	if a.Status != schema.ActionStatusRequested || a.Owner() != "" {
		return false, nil
	}
	if !IsReady(a.MandatoryGuards, a.ReceivedGuards) {
		e.logger.DebugContext(ctx, "action waiting for guards",
			"mandatory", a.MandatoryGuards, "received", a.ReceivedGuards)
		return false, nil
	}
	ok, err := e.actions.CASUpdateStatus(ctx, a.GUID, schema.ActionStatusRequested, "", schema.ActionStatusApproved, "")
	if err != nil || !ok {
		return false, err
	}
	a.Status = schema.ActionStatusApproved
	e.transitioned(ctx, a, schema.ActionStatusRequested, schema.ActionStatusApproved, "", a.ReceivedGuards, "")
	return true, nil
}

func (e *engineImpl) PrepareFromStep(ctx context.Context, req PrepareRequest) (res *PrepareResult, err error) {
	ctx, done := e.start(ctx, "PrepareFromStep",
		attribute.String(tracing.ProcessNameKey, req.ProcessName),
		attribute.String(tracing.StepIDKey, req.StepGUID))
	defer func() { done(err) }()

	if err := e.check(req); err != nil {
		return nil, err
	}
	ctx = logging.WithProcess(ctx, req.ProcessName)

	step, err := e.graph.GetStep(ctx, req.StepGUID)
	if err != nil {
		return nil, err
	}
	if step.Executor.IsZero() {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "step %s has no bound executor", step.GUID)
	}
	ref, err := e.graph.ResolveExecutor(ctx, step.Executor.EngineName, step.Executor.RequestType)
	if err != nil {
		return nil, err
	}
	mandatory, err := MandatoryGuards(ctx, e.graph, step.GUID)
	if err != nil {
		return nil, err
	}

	find := e.requestedLookup(req, step, mandatory)
	if find == nil {
		return e.createForStep(ctx, req, step, ref, mandatory)
	}

	for attempt := 0; attempt < e.attempts; attempt++ {
		existing, err := find(ctx)
		if err != nil {
			return nil, err
		}
		if existing != "" {
			return e.mergeTrigger(ctx, req, existing)
		}

		res, err := e.createForStep(ctx, req, step, ref, mandatory)
		if schema.IsCode(err, schema.ErrCodeConflict) {
			// Another trigger created the REQUESTED action first.
			continue
		}
		return res, err
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict,
		"could not settle the REQUESTED action for step %s after %d attempts", step.GUID, e.attempts)
}

// requestedLookup finds the REQUESTED action a trigger of step merges into,
// or is nil when every trigger creates its own action. A step that ignores
// multiple triggers keeps one REQUESTED action per process. Any other join
// keeps one per process instance, so that each predecessor of the instance
// delivers its guard to the same action.
func (e *engineImpl) requestedLookup(req PrepareRequest, step *schema.ProcessStep, mandatory []string) func(context.Context) (string, error) {
	switch {
	case step.IgnoreMultipleTriggers:
		return func(ctx context.Context) (string, error) {
			return e.actions.FindRequestedActionForStep(ctx, req.ProcessName, step.GUID)
		}
	case len(mandatory) > 0 && req.AnchorGUID != "":
		return func(ctx context.Context) (string, error) {
			return e.actions.FindRequestedJoinAction(ctx, req.ProcessName, step.GUID, req.AnchorGUID)
		}
	}
	return nil
}

// mergeTrigger delivers the triggering guard to an existing REQUESTED action.
func (e *engineImpl) mergeTrigger(ctx context.Context, req PrepareRequest, actionGUID string) (*PrepareResult, error) {
	link := store.ActionLink{
		FromActionGUID: req.PreviousActionGUID,
		ToActionGUID:   actionGUID,
		Guard:          req.TriggerGuard,
		Mandatory:      req.Mandatory,
		CreatedAt:      e.now(),
	}
	a, merged, err := e.actions.AddReceivedGuard(ctx, actionGUID, link)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithActionID(ctx, actionGUID)
	res := &PrepareResult{ActionGUID: actionGUID, AnchorGUID: a.AnchorGUID}
	if !merged {
		e.logger.InfoContext(ctx, "trigger suppressed, matching action already left REQUESTED", "status", a.Status)
		res.NoOp = true
		return res, nil
	}

	res.Deduplicated = true
	e.emit(ctx, a, schema.EventTriggerDeduplicated, req.Originator, link)
	if req.TriggerGuard != "" {
		e.emit(ctx, a, schema.EventGuardReceived, req.Originator, link)
	}
	res.Approved, err = e.evaluateReadiness(ctx, a)
	return res, err
}

func (e *engineImpl) createForStep(ctx context.Context, req PrepareRequest, step *schema.ProcessStep, ref *schema.ExecutorRef, mandatory []string) (*PrepareResult, error) {
	params := maps.Clone(ref.RequestParameters)
	if params == nil {
		params = make(map[string]string)
	}
	maps.Copy(params, step.Executor.RequestParameters)
	maps.Copy(params, req.Parameters)

	guid := uuid.New().String()
	anchor := req.AnchorGUID
	if anchor == "" && req.PreviousActionGUID == "" {
		anchor = guid
	}
	start := e.now().Add(step.WaitTime)
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}
	base := req.QualifiedNameBase
	if base == "" {
		base = req.ProcessName + nameSeparator + step.QualifiedName
	}
	var received []string
	if req.TriggerGuard != "" {
		received = []string{req.TriggerGuard}
	}

	a := &store.EngineAction{
		GUID:                   guid,
		QualifiedName:          base + nameSeparator + uuid.New().String(),
		Domain:                 step.Domain,
		DisplayName:            step.DisplayName,
		Description:            step.Description,
		EngineName:             step.Executor.EngineName,
		RequestType:            step.Executor.RequestType,
		RequestParameters:      params,
		MandatoryGuards:        mandatory,
		ReceivedGuards:         received,
		Status:                 schema.ActionStatusRequested,
		StartTime:              start,
		ProcessStepGUID:        step.GUID,
		ProcessStepName:        step.QualifiedName,
		ProcessName:            req.ProcessName,
		AnchorGUID:             anchor,
		IgnoreMultipleTriggers: step.IgnoreMultipleTriggers,
		Sources:                req.Sources,
		Targets:                freshTargets(req.Targets),
	}
	var link *store.ActionLink
	if req.PreviousActionGUID != "" {
		link = &store.ActionLink{
			FromActionGUID: req.PreviousActionGUID,
			ToActionGUID:   guid,
			Guard:          req.TriggerGuard,
			Mandatory:      req.Mandatory,
			CreatedAt:      e.now(),
		}
	}
	approved, err := e.insert(ctx, a, link, req.Originator)
	if err != nil {
		return nil, err
	}
	return &PrepareResult{ActionGUID: guid, AnchorGUID: anchor, Created: true, Approved: approved}, nil
}

// freshTargets copies targets for a new action, dropping identity and
// progress carried over from a previous action.
func freshTargets(targets []store.ActionTarget) []store.ActionTarget {
	if len(targets) == 0 {
		return nil
	}
	out := make([]store.ActionTarget, len(targets))
	for i, t := range targets {
		out[i] = store.ActionTarget{TargetName: t.TargetName, ElementGUID: t.ElementGUID}
	}
	return out
}
