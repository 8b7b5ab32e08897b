package store

import (
	"context"

	"github.com/rendis/govflow/pkg/schema"
)

// GraphStore is the read side of process definitions used by the engine,
// plus the write side used by the definition loader.
// All implementations must be safe for concurrent use.
type GraphStore interface {
	GetProcessDefinition(ctx context.Context, qualifiedName string) (*schema.ProcessDefinition, error)
	// GetFirstStep returns NOT_FOUND with reason no_first_step when the
	// process has no designated first step.
	GetFirstStep(ctx context.Context, processGUID string) (*schema.ProcessStep, error)
	GetStep(ctx context.Context, stepGUID string) (*schema.ProcessStep, error)
	GetOutgoingEdges(ctx context.Context, stepGUID string) ([]schema.StepEdge, error)
	GetIncomingMandatoryEdges(ctx context.Context, stepGUID string) ([]schema.StepEdge, error)
	// ResolveExecutor returns NOT_FOUND with reason unknown_executor when no
	// implementation is bound to the engine and request type.
	ResolveExecutor(ctx context.Context, engineName, requestType string) (*schema.ExecutorRef, error)

	SaveProcess(ctx context.Context, p *schema.ProcessDefinition) error
	SaveStep(ctx context.Context, step *schema.ProcessStep) error
	SaveEdge(ctx context.Context, edge *schema.StepEdge) error
	SetFirstStep(ctx context.Context, processGUID, stepGUID string) error
	RegisterExecutor(ctx context.Context, ref schema.ExecutorRef) error
}

// ActionStore persists engine actions. Every mutation that changes status or
// ownership is a single conditional write so that concurrent callers across
// processes cannot violate the claim and dedupe invariants.
type ActionStore interface {
	// CreateAction inserts a new action. A second REQUESTED action for the
	// same (process, step) with IgnoreMultipleTriggers set is rejected with
	// CONFLICT, as is a second REQUESTED join for the same (process, step,
	// anchor) (see EngineAction.CollectsJoinTriggers).
	CreateAction(ctx context.Context, a *EngineAction) error
	GetAction(ctx context.Context, guid string) (*EngineAction, error)
	// FindRequestedActionForStep returns "" when no REQUESTED action exists.
	FindRequestedActionForStep(ctx context.Context, processName, stepGUID string) (string, error)
	// FindRequestedJoinAction returns the REQUESTED join of one process
	// instance for the step, or "" when there is none.
	FindRequestedJoinAction(ctx context.Context, processName, stepGUID, anchorGUID string) (string, error)
	LinkActions(ctx context.Context, link ActionLink) error
	// AddReceivedGuard links a predecessor to a REQUESTED action and appends
	// the link's guard to its received guards in one write. It returns false
	// when the action is no longer REQUESTED. A predecessor already linked
	// does not deliver its guard twice.
	AddReceivedGuard(ctx context.Context, actionGUID string, link ActionLink) (*EngineAction, bool, error)
	// CASUpdateStatus moves an action from (expectStatus, expectOwner) to
	// (newStatus, newOwner). An empty owner means unclaimed.
	CASUpdateStatus(ctx context.Context, guid string, expectStatus schema.ActionStatus, expectOwner string, newStatus schema.ActionStatus, newOwner string) (bool, error)
	// RecordCompletion writes a terminal outcome if the action is still in
	// (expectStatus, expectOwner). Targets without an individual status take
	// the completion status.
	RecordCompletion(ctx context.Context, guid string, expectStatus schema.ActionStatus, expectOwner string, c Completion) (bool, error)
	// UpdateTargetStatus changes one target if owner still owns the action.
	UpdateTargetStatus(ctx context.Context, actionGUID, targetGUID, owner string, u TargetUpdate) (bool, error)
	ListByOwner(ctx context.Context, owner string, statuses []schema.ActionStatus) ([]*EngineAction, error)
	ListByStatuses(ctx context.Context, statuses []schema.ActionStatus, filter ActionFilter) ([]*EngineAction, error)
	FindByName(ctx context.Context, qualifiedName string) ([]*EngineAction, error)
	FindByNameSubstring(ctx context.Context, fragment string) ([]*EngineAction, error)
	ListLinks(ctx context.Context, toActionGUID string) ([]ActionLink, error)
}

// EventAppender is the audit-log contract the engine writes to.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *Event) error
}

// EventReader reads the audit log back.
type EventReader interface {
	GetEvents(ctx context.Context, actionID string, since int64) ([]*Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
}

// HostStore registers engine hosts.
type HostStore interface {
	RegisterHost(ctx context.Context, h *Host) error
	GetHost(ctx context.Context, id string) (*Host, error)
	UpdateHostSeen(ctx context.Context, id string) error
	ListHosts(ctx context.Context) ([]*Host, error)
}

// JobStore persists cron-scheduled process initiations.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// Store is the full contract of a single-database backend.
type Store interface {
	GraphStore
	ActionStore
	EventAppender
	EventReader
	HostStore
	JobStore

	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}
