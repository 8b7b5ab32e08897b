package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/govflow/internal/logging"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/internal/tracing"
	"github.com/rendis/govflow/pkg/schema"
)

// InitiateProcess resolves the named process and its first step, then
// prepares that step with no previous action so the new action anchors the
// instance. Qualified names carry a random suffix, so repeated initiations
// never collide.
func (e *engineImpl) InitiateProcess(ctx context.Context, req InitiateRequest) (res *PrepareResult, err error) {
	ctx, done := e.start(ctx, "InitiateProcess", attribute.String(tracing.ProcessNameKey, req.ProcessName))
	defer func() { done(err) }()

	if err := e.check(req); err != nil {
		return nil, err
	}
	def, err := e.graph.GetProcessDefinition(ctx, req.ProcessName)
	if err != nil {
		return nil, err
	}
	first, err := e.graph.GetFirstStep(ctx, def.GUID)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithProcess(ctx, def.QualifiedName)
	res, err = e.PrepareFromStep(ctx, PrepareRequest{
		ProcessName:       def.QualifiedName,
		StepGUID:          first.GUID,
		StartTime:         req.StartTime,
		Parameters:        req.Parameters,
		QualifiedNameBase: def.QualifiedName + nameSeparator + first.QualifiedName,
		Sources:           req.Sources,
		Targets:           req.Targets,
		Originator:        req.Originator,
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(logging.WithActionID(ctx, res.ActionGUID), "process initiated",
		"first_step", first.QualifiedName, "created", res.Created)
	e.emit(ctx, &store.EngineAction{GUID: res.ActionGUID, ProcessName: def.QualifiedName},
		schema.EventProcessInitiated, req.Originator, map[string]string{
			"process":    def.QualifiedName,
			"first_step": first.GUID,
			"anchor":     res.AnchorGUID,
		})
	return res, nil
}
