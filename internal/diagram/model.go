// Package diagram renders process graphs as Mermaid flowcharts and
// graphviz images, optionally overlaid with live action status.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep  NodeKind = "step"
	NodeKindWait  NodeKind = "wait"
	NodeKindJoin  NodeKind = "join"
	NodeKindStart NodeKind = "start"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one process step.
type Node struct {
	ID       string
	GUID     string
	Label    string
	Kind     NodeKind
	Executor string
	Status   *StatusOverlay
}

// StatusOverlay summarises the actions seen for a step.
type StatusOverlay struct {
	// Status is the status of the most recently updated action.
	Status string
	Count  int
	Owner  string
}

// Edge links two nodes. Mandatory edges are drawn as join conditions.
type Edge struct {
	From      string
	To        string
	Label     string
	Mandatory bool
}
