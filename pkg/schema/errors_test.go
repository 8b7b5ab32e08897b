package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGovError_FormatsActionID(t *testing.T) {
	err := NewError(ErrCodeUnauthorized, "caller is not the owner").WithAction("a-1")
	assert.Equal(t, "[UNAUTHORIZED] action a-1: caller is not the owner", err.Error())
}

func TestIsCode_SeesThroughWrapping(t *testing.T) {
	inner := NewError(ErrCodeInvalidState, "already claimed")
	wrapped := fmt.Errorf("claim: %w", inner)

	assert.True(t, IsCode(wrapped, ErrCodeInvalidState))
	assert.False(t, IsCode(wrapped, ErrCodeNotFound))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeInvalidState))
}

func TestIsReason(t *testing.T) {
	err := NewError(ErrCodeNotFound, "process missing").WithReason(ReasonUnknownProcess)
	assert.True(t, IsReason(err, ReasonUnknownProcess))
	assert.False(t, IsReason(err, ReasonNoFirstStep))
}

func TestStoreUnavailable(t *testing.T) {
	assert.NoError(t, StoreUnavailable("get action", nil))

	cause := errors.New("connection refused")
	err := StoreUnavailable("get action", cause)
	assert.True(t, IsCode(err, ErrCodeStoreUnavailable))
	assert.ErrorIs(t, err, cause)

	notFound := NewError(ErrCodeNotFound, "missing")
	assert.Same(t, notFound, StoreUnavailable("get action", notFound))
}

func TestActionStatus(t *testing.T) {
	for _, s := range []ActionStatus{ActionStatusActioned, ActionStatusInvalid, ActionStatusIgnored, ActionStatusFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []ActionStatus{ActionStatusRequested, ActionStatusApproved, ActionStatusWaiting, ActionStatusActivating, ActionStatusInProgress} {
		assert.False(t, s.IsTerminal(), s)
	}

	s, err := ParseActionStatus("IN_PROGRESS")
	assert.NoError(t, err)
	assert.Equal(t, ActionStatusInProgress, s)

	_, err = ParseActionStatus("DONE")
	assert.True(t, IsCode(err, ErrCodeValidation))
}
