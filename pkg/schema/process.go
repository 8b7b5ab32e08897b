package schema

import "time"

// ExecutorRef binds a process step to the governance engine service that runs it.
type ExecutorRef struct {
	EngineName        string            `json:"engine_name" yaml:"engine"`
	RequestType       string            `json:"request_type" yaml:"request_type"`
	RequestParameters map[string]string `json:"request_parameters,omitempty" yaml:"request_parameters,omitempty"`
}

// Key is the catalog key of the executor, "engine/requestType".
func (r ExecutorRef) Key() string {
	return ExecutorKey(r.EngineName, r.RequestType)
}

// IsZero reports whether no executor is bound.
func (r ExecutorRef) IsZero() bool {
	return r.EngineName == "" && r.RequestType == ""
}

// ExecutorKey builds the catalog key for an engine and request type.
func ExecutorKey(engineName, requestType string) string {
	return engineName + "/" + requestType
}

// ProcessDefinition is a named, read-only process graph header.
type ProcessDefinition struct {
	GUID          string    `json:"guid"`
	QualifiedName string    `json:"qualified_name"`
	DisplayName   string    `json:"display_name,omitempty"`
	Description   string    `json:"description,omitempty"`
	FirstStepGUID string    `json:"first_step_guid,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ProcessStep is one node of a process graph.
type ProcessStep struct {
	GUID                   string        `json:"guid"`
	ProcessGUID            string        `json:"process_guid"`
	QualifiedName          string        `json:"qualified_name"`
	Domain                 int           `json:"domain"`
	DisplayName            string        `json:"display_name,omitempty"`
	Description            string        `json:"description,omitempty"`
	Executor               ExecutorRef   `json:"executor"`
	WaitTime               time.Duration `json:"wait_time,omitempty"`
	IgnoreMultipleTriggers bool          `json:"ignore_multiple_triggers"`
}

// StepEdge links two steps. A nil Guard means the edge always fires. A
// mandatory edge makes its guard a join condition for the target step.
type StepEdge struct {
	GUID         string  `json:"guid"`
	FromStepGUID string  `json:"from_step_guid"`
	ToStepGUID   string  `json:"to_step_guid"`
	Guard        *string `json:"guard,omitempty"`
	Mandatory    bool    `json:"mandatory"`
}

// GuardValue returns the edge guard or "" when the edge is unguarded.
func (e StepEdge) GuardValue() string {
	if e.Guard == nil {
		return ""
	}
	return *e.Guard
}

// Guard returns a pointer to g, for building edges inline.
func Guard(g string) *string {
	return &g
}

// --- Definition documents (YAML/JSON files loaded into the graph store) ---

// ProcessDocument is the file format of a process definition. Steps and
// edges refer to each other by their local IDs.
type ProcessDocument struct {
	Name        string         `json:"name" yaml:"name"`
	DisplayName string         `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	FirstStep   string         `json:"first_step" yaml:"first_step"`
	Steps       []StepDocument `json:"steps" yaml:"steps"`
	Edges       []EdgeDocument `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// StepDocument describes one step in a ProcessDocument.
type StepDocument struct {
	ID                     string       `json:"id" yaml:"id"`
	DisplayName            string       `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Description            string       `json:"description,omitempty" yaml:"description,omitempty"`
	Domain                 int          `json:"domain,omitempty" yaml:"domain,omitempty"`
	Executor               *ExecutorRef `json:"executor,omitempty" yaml:"executor,omitempty"`
	WaitTime               string       `json:"wait_time,omitempty" yaml:"wait_time,omitempty"`
	IgnoreMultipleTriggers bool         `json:"ignore_multiple_triggers,omitempty" yaml:"ignore_multiple_triggers,omitempty"`
}

// EdgeDocument describes one guarded edge in a ProcessDocument.
type EdgeDocument struct {
	From      string  `json:"from" yaml:"from"`
	To        string  `json:"to" yaml:"to"`
	Guard     *string `json:"guard,omitempty" yaml:"guard,omitempty"`
	Mandatory bool    `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`
}
