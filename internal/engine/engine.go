package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/govflow/internal/logging"
	"github.com/rendis/govflow/internal/metrics"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/internal/streaming"
	"github.com/rendis/govflow/internal/tracing"
	"github.com/rendis/govflow/pkg/schema"
)

// Engine is the governance action execution surface. It holds no per-action
// state: every invariant is enforced by conditional writes in the stores, so
// any number of Engine values may serve the same stores concurrently.
type Engine interface {
	// InitiateProcess starts a new instance of a named process at its first step.
	InitiateProcess(ctx context.Context, req InitiateRequest) (*PrepareResult, error)

	// CreateEngineAction creates a standalone action bound to an executor.
	CreateEngineAction(ctx context.Context, req CreateActionRequest) (*store.EngineAction, error)

	// PrepareFromStep schedules an action for a process step, honouring
	// single-trigger dedupe and mandatory-guard joins.
	PrepareFromStep(ctx context.Context, req PrepareRequest) (*PrepareResult, error)

	// Claim gives workerID exclusive ownership of an APPROVED action.
	Claim(ctx context.Context, actionGUID, workerID string) (*store.EngineAction, error)

	// UpdateStatus moves an action along its lifecycle without fan-out.
	UpdateStatus(ctx context.Context, req StatusUpdate) (*store.EngineAction, error)

	// RecordCompletion stores the terminal outcome of an owned action and
	// schedules the steps its guards select. A non-nil result may accompany
	// a PARTIAL_FANOUT error.
	RecordCompletion(ctx context.Context, req CompletionRequest) (*CompletionResult, error)

	// UpdateActionTargetStatus reports progress on one target of an owned action.
	UpdateActionTargetStatus(ctx context.Context, req TargetStatusUpdate) (*store.EngineAction, error)

	GetAction(ctx context.Context, actionGUID string) (*store.EngineAction, error)
	ListActive(ctx context.Context, filter ActiveFilter) ([]*store.EngineAction, error)
	ListActiveClaimedBy(ctx context.Context, workerID string) ([]*store.EngineAction, error)
	FindByName(ctx context.Context, qualifiedName string) ([]*store.EngineAction, error)
	FindBySubstring(ctx context.Context, fragment string) ([]*store.EngineAction, error)
}

// CreateActionRequest describes a standalone engine action.
type CreateActionRequest struct {
	QualifiedNameBase string                `json:"qualified_name" validate:"required"`
	Domain            int                   `json:"domain"`
	DisplayName       string                `json:"display_name,omitempty"`
	Description       string                `json:"description,omitempty"`
	EngineName        string                `json:"engine_name" validate:"required"`
	RequestType       string                `json:"request_type" validate:"required"`
	RequestParameters map[string]string     `json:"request_parameters,omitempty"`
	MandatoryGuards   []string              `json:"mandatory_guards,omitempty" validate:"dive,required"`
	ReceivedGuards    []string              `json:"received_guards,omitempty" validate:"dive,required"`
	StartTime         *time.Time            `json:"start_time,omitempty"`
	AnchorGUID        string                `json:"anchor_guid,omitempty"`
	ProcessStepGUID   string                `json:"process_step_guid,omitempty"`
	ProcessStepName   string                `json:"process_step_name,omitempty"`
	ProcessName       string                `json:"process_name,omitempty"`
	Sources           []store.RequestSource `json:"sources,omitempty" validate:"dive"`
	Targets           []store.ActionTarget  `json:"targets,omitempty" validate:"dive"`
	Originator        string                `json:"originator,omitempty"`
}

// PrepareRequest schedules the step StepGUID of process ProcessName.
type PrepareRequest struct {
	ProcessName string `json:"process_name" validate:"required"`
	StepGUID    string `json:"step_guid" validate:"required"`
	// AnchorGUID is the first action of the process instance. Empty when
	// PreviousActionGUID is empty: the new action anchors the instance.
	AnchorGUID         string `json:"anchor_guid,omitempty"`
	PreviousActionGUID string `json:"previous_action_guid,omitempty"`
	// TriggerGuard and Mandatory describe the edge that fired.
	TriggerGuard string     `json:"trigger_guard,omitempty"`
	Mandatory    bool       `json:"mandatory,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	// Parameters are laid over the step's executor parameters.
	Parameters        map[string]string     `json:"parameters,omitempty"`
	QualifiedNameBase string                `json:"qualified_name,omitempty"`
	Sources           []store.RequestSource `json:"sources,omitempty" validate:"dive"`
	Targets           []store.ActionTarget  `json:"targets,omitempty" validate:"dive"`
	Originator        string                `json:"originator,omitempty"`
}

// PrepareResult tells the caller what PrepareFromStep did.
type PrepareResult struct {
	ActionGUID string `json:"action_guid,omitempty"`
	AnchorGUID string `json:"anchor_guid,omitempty"`
	// Created is set when a new action was stored.
	Created bool `json:"created"`
	// Deduplicated is set when the trigger was merged into an existing
	// REQUESTED action of a single-trigger step.
	Deduplicated bool `json:"deduplicated"`
	// NoOp is set when the matching action left REQUESTED before the trigger
	// could be merged and creation was suppressed.
	NoOp bool `json:"noop"`
	// Approved is set when this call moved the action to APPROVED.
	Approved bool `json:"approved"`
}

// InitiateRequest starts a process instance.
type InitiateRequest struct {
	ProcessName string                `json:"process_name" validate:"required"`
	Sources     []store.RequestSource `json:"sources,omitempty" validate:"dive"`
	Targets     []store.ActionTarget  `json:"targets,omitempty" validate:"dive"`
	Parameters  map[string]string     `json:"parameters,omitempty"`
	StartTime   *time.Time            `json:"start_time,omitempty"`
	Originator  string                `json:"originator,omitempty"`
}

// StatusUpdate is a lifecycle move requested by a worker or an operator.
type StatusUpdate struct {
	ActionGUID string              `json:"action_guid" validate:"required"`
	WorkerID   string              `json:"worker_id"`
	Status     schema.ActionStatus `json:"status" validate:"required"`
	Message    string              `json:"message,omitempty"`
}

// CompletionRequest reports the terminal outcome of an owned action.
type CompletionRequest struct {
	ActionGUID string               `json:"action_guid" validate:"required"`
	WorkerID   string               `json:"worker_id" validate:"required"`
	Status     schema.ActionStatus  `json:"status" validate:"required"`
	Guards     []string             `json:"guards,omitempty" validate:"dive,required"`
	NewTargets []store.ActionTarget `json:"new_targets,omitempty" validate:"dive"`
	// Parameters are passed to the actions scheduled by fan-out.
	Parameters map[string]string `json:"parameters,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// TargetStatusUpdate reports progress on one action target.
type TargetStatusUpdate struct {
	ActionGUID        string              `json:"action_guid" validate:"required"`
	TargetGUID        string              `json:"target_guid" validate:"required"`
	WorkerID          string              `json:"worker_id" validate:"required"`
	Status            schema.ActionStatus `json:"status" validate:"required"`
	StartTime         *time.Time          `json:"start_time,omitempty"`
	CompletionTime    *time.Time          `json:"completion_time,omitempty"`
	CompletionMessage string              `json:"completion_message,omitempty"`
}

// ActiveFilter narrows ListActive.
type ActiveFilter struct {
	EngineNames []string `json:"engine_names,omitempty"`
	// ReadyOnly drops actions whose start time has not been reached.
	ReadyOnly bool `json:"ready_only,omitempty"`
	Limit     int  `json:"limit,omitempty"`
}

// DefaultDedupeAttempts bounds the find-or-create loop of single-trigger steps.
const DefaultDedupeAttempts = 3

// Config holds the optional collaborators of an engine.
type Config struct {
	// Events receives the audit log. Nil disables auditing.
	Events store.EventAppender
	// Hub publishes live action events. Nil disables streaming.
	Hub     streaming.EventHub
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Tracer  trace.Tracer
	// Now overrides the clock.
	Now            func() time.Time
	DedupeAttempts int
}

type engineImpl struct {
	graph    store.GraphStore
	actions  store.ActionStore
	events   store.EventAppender
	hub      streaming.EventHub
	metrics  *metrics.Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
	validate *validator.Validate
	now      func() time.Time
	attempts int
}

// New creates an Engine over the given stores.
func New(graph store.GraphStore, actions store.ActionStore, cfg Config) Engine {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/rendis/govflow/internal/engine")
	}
	if cfg.DedupeAttempts <= 0 {
		cfg.DedupeAttempts = DefaultDedupeAttempts
	}
	return &engineImpl{
		graph:    graph,
		actions:  actions,
		events:   cfg.Events,
		hub:      cfg.Hub,
		metrics:  cfg.Metrics,
		logger:   logging.OrDefault(cfg.Logger),
		tracer:   cfg.Tracer,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      cfg.Now,
		attempts: cfg.DedupeAttempts,
	}
}

// start opens a span and a duration measurement for op.
func (e *engineImpl) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	began := time.Now()
	ctx, span := tracing.Start(ctx, e.tracer, "engine."+op, attrs...)
	return ctx, func(err error) {
		e.metrics.Observe(op, began)
		tracing.End(span, err)
	}
}

func (e *engineImpl) check(req any) error {
	err := e.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid request: %s", strings.Join(fields, ", ")).
		WithDetails(map[string]any{"fields": fields})
}

// emit appends an audit event and publishes it. The state change it
// describes is already stored, so failures are logged and swallowed.
func (e *engineImpl) emit(ctx context.Context, a *store.EngineAction, eventType, workerID string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			e.logger.WarnContext(ctx, "marshal event payload", "event", eventType, "error", err)
		} else {
			raw = b
		}
	}

	event := &store.Event{
		ActionID:    a.GUID,
		ProcessName: a.ProcessName,
		Type:        eventType,
		Payload:     raw,
		WorkerID:    workerID,
		Timestamp:   e.now(),
	}
	if e.events != nil {
		if err := e.events.AppendEvent(ctx, event); err != nil {
			e.logger.WarnContext(ctx, "append audit event", "event", eventType, "error", err)
		}
	}
	if e.hub != nil {
		err := e.hub.Publish(ctx, streaming.StreamEvent{
			ActionID:    event.ActionID,
			ProcessName: event.ProcessName,
			EventType:   event.Type,
			WorkerID:    event.WorkerID,
			Payload:     event.Payload,
			Timestamp:   event.Timestamp,
		})
		if err != nil {
			e.logger.DebugContext(ctx, "publish action event", "event", eventType, "error", err)
		}
	}
}

// transitioned records an accepted status change.
func (e *engineImpl) transitioned(ctx context.Context, a *store.EngineAction, from, to schema.ActionStatus, workerID string, guards []string, message string) {
	e.metrics.Transition(from, to)
	e.logger.InfoContext(ctx, "action transition", "from", from, "to", to)
	e.emit(ctx, a, transitionEvent(to), workerID, store.TransitionPayload{From: from, To: to, Guards: guards, Message: message})
}

func (e *engineImpl) GetAction(ctx context.Context, actionGUID string) (a *store.EngineAction, err error) {
	ctx, done := e.start(ctx, "GetAction", attribute.String(tracing.ActionIDKey, actionGUID))
	defer func() { done(err) }()
	return e.actions.GetAction(ctx, actionGUID)
}

func (e *engineImpl) ListActive(ctx context.Context, filter ActiveFilter) (actions []*store.EngineAction, err error) {
	ctx, done := e.start(ctx, "ListActive")
	defer func() { done(err) }()

	f := store.ActionFilter{EngineNames: filter.EngineNames, Limit: filter.Limit}
	if filter.ReadyOnly {
		now := e.now()
		f.StartBefore = &now
	}
	return e.actions.ListByStatuses(ctx, schema.ActiveStatuses, f)
}

func (e *engineImpl) ListActiveClaimedBy(ctx context.Context, workerID string) (actions []*store.EngineAction, err error) {
	ctx, done := e.start(ctx, "ListActiveClaimedBy", attribute.String(tracing.WorkerIDKey, workerID))
	defer func() { done(err) }()
	if workerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "worker id is required")
	}
	return e.actions.ListByOwner(ctx, workerID, schema.ClaimedStatuses)
}

func (e *engineImpl) FindByName(ctx context.Context, qualifiedName string) (actions []*store.EngineAction, err error) {
	ctx, done := e.start(ctx, "FindByName")
	defer func() { done(err) }()
	return e.actions.FindByName(ctx, qualifiedName)
}

func (e *engineImpl) FindBySubstring(ctx context.Context, fragment string) (actions []*store.EngineAction, err error) {
	ctx, done := e.start(ctx, "FindBySubstring")
	defer func() { done(err) }()
	if fragment == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "search fragment is required")
	}
	return e.actions.FindByNameSubstring(ctx, fragment)
}
