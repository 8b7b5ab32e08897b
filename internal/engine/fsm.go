package engine

import (
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/schema"
)

// ValidActionTransitions defines the allowed status transitions for engine actions.
var ValidActionTransitions = map[schema.ActionStatus][]schema.ActionStatus{
	schema.ActionStatusRequested:  {schema.ActionStatusApproved, schema.ActionStatusInvalid, schema.ActionStatusIgnored, schema.ActionStatusFailed},
	schema.ActionStatusApproved:   {schema.ActionStatusWaiting, schema.ActionStatusInvalid, schema.ActionStatusIgnored, schema.ActionStatusFailed},
	schema.ActionStatusWaiting:    {schema.ActionStatusActivating, schema.ActionStatusInvalid, schema.ActionStatusIgnored, schema.ActionStatusFailed},
	schema.ActionStatusActivating: {schema.ActionStatusInProgress, schema.ActionStatusInvalid, schema.ActionStatusIgnored, schema.ActionStatusFailed},
	schema.ActionStatusInProgress: {schema.ActionStatusActioned, schema.ActionStatusInvalid, schema.ActionStatusIgnored, schema.ActionStatusFailed},
	schema.ActionStatusActioned:   {},
	schema.ActionStatusInvalid:    {},
	schema.ActionStatusIgnored:    {},
	schema.ActionStatusFailed:     {},
}

// IsValidTransition reports whether the table allows from -> to.
func IsValidTransition(from, to schema.ActionStatus) bool {
	for _, a := range ValidActionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// CheckTransition decides whether caller may move a to status to.
//
// REQUESTED->APPROVED belongs to guard evaluation and APPROVED->WAITING to
// Claim, so neither is accepted here. An owned action only moves at its
// owner's request. An unclaimed action may be retired (INVALID, IGNORED,
// FAILED) by any caller, but only through a status update: completions are
// checked by CheckCompletion.
func CheckTransition(a *store.EngineAction, to schema.ActionStatus, caller string) error {
	from := a.Status
	if from.IsTerminal() {
		return invalidState(a, "action is already %s", from)
	}
	if !to.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", to).WithAction(a.GUID)
	}
	if !IsValidTransition(from, to) {
		return invalidState(a, "invalid action transition: %s -> %s", from, to)
	}
	switch to {
	case schema.ActionStatusApproved:
		return invalidState(a, "approval is decided by received guards")
	case schema.ActionStatusWaiting:
		return invalidState(a, "actions are claimed through Claim")
	}
	if owner := a.Owner(); owner != "" {
		if caller != owner {
			return unauthorized(a, caller)
		}
		return nil
	}
	if from != schema.ActionStatusRequested && from != schema.ActionStatusApproved {
		return invalidState(a, "%s action has no owner", from)
	}
	return nil
}

// CheckCompletion decides whether caller may report a completion of a.
// A completion fans out to successors, so it is only accepted from the
// worker that owns the action; an unclaimed action has no such worker.
func CheckCompletion(a *store.EngineAction, to schema.ActionStatus, caller string) error {
	if a.Status.IsTerminal() {
		return invalidState(a, "action is already %s", a.Status)
	}
	if owner := a.Owner(); owner == "" || owner != caller {
		return unauthorized(a, caller)
	}
	return CheckTransition(a, to, caller)
}

func invalidState(a *store.EngineAction, format string, args ...any) *schema.GovError {
	return schema.NewErrorf(schema.ErrCodeInvalidState, format, args...).
		WithAction(a.GUID).
		WithDetails(map[string]any{"status": string(a.Status), "owner": a.Owner()})
}

func unauthorized(a *store.EngineAction, caller string) *schema.GovError {
	return schema.NewErrorf(schema.ErrCodeUnauthorized, "worker %q does not own the action", caller).
		WithAction(a.GUID).
		WithDetails(map[string]any{"owner": a.Owner()})
}

// transitionEvent names the audit event for a status change.
func transitionEvent(to schema.ActionStatus) string {
	switch to {
	case schema.ActionStatusApproved:
		return schema.EventActionApproved
	case schema.ActionStatusWaiting:
		return schema.EventActionClaimed
	case schema.ActionStatusActivating:
		return schema.EventActionActivating
	case schema.ActionStatusInProgress:
		return schema.EventActionStarted
	case schema.ActionStatusActioned:
		return schema.EventActionCompleted
	case schema.ActionStatusInvalid:
		return schema.EventActionInvalid
	case schema.ActionStatusIgnored:
		return schema.EventActionIgnored
	case schema.ActionStatusFailed:
		return schema.EventActionFailed
	default:
		return ""
	}
}
