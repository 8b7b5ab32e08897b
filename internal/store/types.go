package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/govflow/pkg/schema"
)

// EngineAction is one auditable unit of governance work. Status and owner
// change only through the conditional writes of ActionStore.
type EngineAction struct {
	GUID              string              `json:"guid"`
	QualifiedName     string              `json:"qualified_name"`
	Domain            int                 `json:"domain"`
	DisplayName       string              `json:"display_name,omitempty"`
	Description       string              `json:"description,omitempty"`
	EngineName        string              `json:"engine_name"`
	RequestType       string              `json:"request_type"`
	RequestParameters map[string]string   `json:"request_parameters,omitempty"`
	MandatoryGuards   []string            `json:"mandatory_guards,omitempty"`
	ReceivedGuards    []string            `json:"received_guards,omitempty"`
	Status            schema.ActionStatus `json:"status"`
	StartTime         time.Time           `json:"start_time"`
	// ProcessingEngineUserID is the owning worker. Empty means unclaimed.
	ProcessingEngineUserID string     `json:"processing_engine_user_id,omitempty"`
	CompletionTime         *time.Time `json:"completion_time,omitempty"`
	CompletionGuards       []string   `json:"completion_guards,omitempty"`
	CompletionMessage      string     `json:"completion_message,omitempty"`

	ProcessStepGUID        string `json:"process_step_guid,omitempty"`
	ProcessStepName        string `json:"process_step_name,omitempty"`
	ProcessName            string `json:"process_name,omitempty"`
	AnchorGUID             string `json:"anchor_guid,omitempty"`
	IgnoreMultipleTriggers bool   `json:"ignore_multiple_triggers,omitempty"`

	Targets   []ActionTarget  `json:"targets,omitempty"`
	Sources   []RequestSource `json:"sources,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Owner returns the claiming worker ID, or "" when unclaimed.
func (a *EngineAction) Owner() string { return a.ProcessingEngineUserID }

// CollectsJoinTriggers reports whether a is a join that merges the triggers
// of its own process instance while REQUESTED. Steps that set
// IgnoreMultipleTriggers merge across instances instead.
func (a *EngineAction) CollectsJoinTriggers() bool {
	return !a.IgnoreMultipleTriggers && len(a.MandatoryGuards) > 0 &&
		a.ProcessStepGUID != "" && a.AnchorGUID != ""
}

// ActionTarget is an external element an action operates on. An empty
// Status means the target follows the action's own status.
type ActionTarget struct {
	GUID              string              `json:"guid"`
	ActionGUID        string              `json:"action_guid"`
	TargetName        string              `json:"target_name" validate:"required"`
	ElementGUID       string              `json:"element_guid" validate:"required"`
	Status            schema.ActionStatus `json:"status,omitempty"`
	StartTime         *time.Time          `json:"start_time,omitempty"`
	CompletionTime    *time.Time          `json:"completion_time,omitempty"`
	CompletionMessage string              `json:"completion_message,omitempty"`
}

// RequestSource references the element that caused an action to be requested.
type RequestSource struct {
	ActionGUID  string `json:"action_guid"`
	SourceName  string `json:"source_name" validate:"required"`
	ElementGUID string `json:"element_guid" validate:"required"`
}

// ActionLink is the "previous action" edge between two engine actions,
// carrying the guard that triggered the successor.
type ActionLink struct {
	FromActionGUID string    `json:"from_action_guid"`
	ToActionGUID   string    `json:"to_action_guid"`
	Guard          string    `json:"guard,omitempty"`
	Mandatory      bool      `json:"mandatory"`
	CreatedAt      time.Time `json:"created_at"`
}

// Completion is the terminal outcome written by ActionStore.RecordCompletion.
type Completion struct {
	Status         schema.ActionStatus
	Guards         []string
	Message        string
	CompletionTime time.Time
	// NewTargets are attached to the action alongside the completion.
	NewTargets []ActionTarget
}

// TargetUpdate is a per-target status change made by the owning worker.
type TargetUpdate struct {
	Status            schema.ActionStatus
	StartTime         *time.Time
	CompletionTime    *time.Time
	CompletionMessage string
}

// ActionFilter narrows ListByStatuses.
type ActionFilter struct {
	// EngineNames restricts results to actions bound to these engines.
	EngineNames []string
	// StartBefore excludes actions whose start time is still in the future.
	StartBefore *time.Time
	Limit       int
}

// Event is an immutable entry in the action audit log.
type Event struct {
	ID          int64           `json:"id"`
	ActionID    string          `json:"action_id"`
	ProcessName string          `json:"process_name,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ActionID    string     `json:"action_id,omitempty"`
	ProcessName string     `json:"process_name,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// Host is a registered engine host process.
type Host struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Engines    []string        `json:"engines"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	LastSeenAt *time.Time      `json:"last_seen_at,omitempty"`
}

// ScheduledJob initiates a process on a cron schedule.
type ScheduledJob struct {
	ID             string            `json:"id"`
	ProcessName    string            `json:"process_name"`
	CronExpression string            `json:"cron_expression"`
	Params         map[string]string `json:"params,omitempty"`
	RequestedBy    string            `json:"requested_by"`
	Enabled        bool              `json:"enabled"`
	LastRunAt      *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time        `json:"next_run_at,omitempty"`
	LastRunStatus  string            `json:"last_run_status,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// RequestedConflict is the CONFLICT a store answers when a would be a second
// REQUESTED action where only one may exist.
func RequestedConflict(a *EngineAction) *schema.GovError {
	if a.CollectsJoinTriggers() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"a REQUESTED join already exists for step %q of process %q in instance %q",
			a.ProcessStepGUID, a.ProcessName, a.AnchorGUID)
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"a REQUESTED action already exists for step %q of process %q", a.ProcessStepGUID, a.ProcessName)
}
