package schema

// Event type constants for the engine-action audit log.
const (
	EventActionCreated    = "action_created"
	EventActionApproved   = "action_approved"
	EventActionClaimed    = "action_claimed"
	EventActionActivating = "action_activating"
	EventActionStarted    = "action_started"
	EventActionCompleted  = "action_completed"
	EventActionInvalid    = "action_invalid"
	EventActionIgnored    = "action_ignored"
	EventActionFailed     = "action_failed"

	EventGuardReceived       = "guard_received"
	EventTriggerDeduplicated = "trigger_deduplicated"
	EventTargetUpdated       = "target_updated"
	EventFanOutFailed        = "fanout_failed"
	EventProcessInitiated    = "process_initiated"
)

// ActionStatus is the lifecycle state of an engine action.
type ActionStatus string

const (
	ActionStatusRequested  ActionStatus = "REQUESTED"
	ActionStatusApproved   ActionStatus = "APPROVED"
	ActionStatusWaiting    ActionStatus = "WAITING"
	ActionStatusActivating ActionStatus = "ACTIVATING"
	ActionStatusInProgress ActionStatus = "IN_PROGRESS"
	ActionStatusActioned   ActionStatus = "ACTIONED"
	ActionStatusInvalid    ActionStatus = "INVALID"
	ActionStatusIgnored    ActionStatus = "IGNORED"
	ActionStatusFailed     ActionStatus = "FAILED"
)

// AllActionStatuses lists every status in lifecycle order.
var AllActionStatuses = []ActionStatus{
	ActionStatusRequested,
	ActionStatusApproved,
	ActionStatusWaiting,
	ActionStatusActivating,
	ActionStatusInProgress,
	ActionStatusActioned,
	ActionStatusInvalid,
	ActionStatusIgnored,
	ActionStatusFailed,
}

// ActiveStatuses are the statuses an engine host polls for.
var ActiveStatuses = []ActionStatus{
	ActionStatusApproved,
	ActionStatusWaiting,
	ActionStatusActivating,
	ActionStatusInProgress,
}

// ClaimedStatuses are the statuses in which an action has an owner.
var ClaimedStatuses = []ActionStatus{
	ActionStatusWaiting,
	ActionStatusActivating,
	ActionStatusInProgress,
}

// IsTerminal reports whether no further transition is accepted from s.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionStatusActioned, ActionStatusInvalid, ActionStatusIgnored, ActionStatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s ActionStatus) Valid() bool {
	for _, known := range AllActionStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s ActionStatus) String() string { return string(s) }

// ParseActionStatus converts a string into an ActionStatus.
func ParseActionStatus(v string) (ActionStatus, error) {
	s := ActionStatus(v)
	if !s.Valid() {
		return "", NewErrorf(ErrCodeValidation, "unknown action status %q", v)
	}
	return s, nil
}
