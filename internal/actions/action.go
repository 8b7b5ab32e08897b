package actions

import (
	"context"

	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/schema"
)

// Executor is the implementation behind one engine/requestType pair. An
// engine host runs the actions it claims through the matching executor.
type Executor interface {
	// Ref names the executor and carries its default request parameters.
	Ref() schema.ExecutorRef
	Info() ExecutorInfo
	// Validate checks merged request parameters before execution.
	Validate(params map[string]string) error
	Execute(ctx context.Context, a *store.EngineAction) (*Outcome, error)
}

// Outcome is what an executor reports for a finished action.
type Outcome struct {
	// Status is the terminal status to record. Empty means ACTIONED.
	Status schema.ActionStatus `json:"status,omitempty"`
	// Guards are emitted on completion and select the outgoing edges.
	Guards     []string             `json:"guards,omitempty"`
	Message    string               `json:"message,omitempty"`
	NewTargets []store.ActionTarget `json:"new_targets,omitempty"`
	// Parameters are passed on to the actions scheduled by fan-out.
	Parameters map[string]string `json:"parameters,omitempty"`
}

// FinalStatus returns the outcome's status, defaulting to ACTIONED.
func (o *Outcome) FinalStatus() schema.ActionStatus {
	if o == nil || o.Status == "" {
		return schema.ActionStatusActioned
	}
	return o.Status
}

// ExecutorInfo is a summary of a registered executor for listing.
type ExecutorInfo struct {
	Key         string `json:"key"`
	EngineName  string `json:"engine_name"`
	RequestType string `json:"request_type"`
	Description string `json:"description,omitempty"`
}

// ExecutorFunc adapts a function into an Executor.
type ExecutorFunc struct {
	EngineName  string
	RequestType string
	Defaults    map[string]string
	Description string
	Fn          func(ctx context.Context, a *store.EngineAction) (*Outcome, error)
}

func (f *ExecutorFunc) Ref() schema.ExecutorRef {
	return schema.ExecutorRef{EngineName: f.EngineName, RequestType: f.RequestType, RequestParameters: f.Defaults}
}

func (f *ExecutorFunc) Info() ExecutorInfo {
	return ExecutorInfo{
		Key:         schema.ExecutorKey(f.EngineName, f.RequestType),
		EngineName:  f.EngineName,
		RequestType: f.RequestType,
		Description: f.Description,
	}
}

func (f *ExecutorFunc) Validate(map[string]string) error { return nil }

func (f *ExecutorFunc) Execute(ctx context.Context, a *store.EngineAction) (*Outcome, error) {
	return f.Fn(ctx, a)
}
