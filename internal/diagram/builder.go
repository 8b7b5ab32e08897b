package diagram

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/schema"
)

const startNodeID = "__start__"

// GraphReader is the part of the graph store the builder walks.
type GraphReader interface {
	GetProcessDefinition(ctx context.Context, qualifiedName string) (*schema.ProcessDefinition, error)
	GetFirstStep(ctx context.Context, processGUID string) (*schema.ProcessStep, error)
	GetStep(ctx context.Context, stepGUID string) (*schema.ProcessStep, error)
	GetOutgoingEdges(ctx context.Context, stepGUID string) ([]schema.StepEdge, error)
}

// Build walks the process graph breadth first from its first step. Steps
// unreachable from the first step are not drawn. actions, when given,
// overlay each step with the status of its latest action.
func Build(ctx context.Context, graph GraphReader, processName string, actions []*store.EngineAction) (*DiagramModel, error) {
	proc, err := graph.GetProcessDefinition(ctx, processName)
	if err != nil {
		return nil, err
	}
	first, err := graph.GetFirstStep(ctx, proc.GUID)
	if err != nil {
		return nil, err
	}

	model := &DiagramModel{Title: titleOf(proc)}
	model.Nodes = append(model.Nodes, &Node{ID: startNodeID, Label: "Start", Kind: NodeKindStart})
	model.Edges = append(model.Edges, Edge{From: startNodeID, To: stepID(first)})

	overlays := overlayByStep(actions)
	seen := map[string]bool{first.GUID: true}
	ids := map[string]string{first.GUID: stepID(first)}
	queue := []*schema.ProcessStep{first}
	var pending []schema.StepEdge

	for len(queue) > 0 {
		step := queue[0]
		queue = queue[1:]

		node := stepToNode(step)
		node.Status = overlays[step.GUID]
		model.Nodes = append(model.Nodes, node)

		edges, err := graph.GetOutgoingEdges(ctx, step.GUID)
		if err != nil {
			return nil, fmt.Errorf("diagram: edges of %s: %w", step.QualifiedName, err)
		}
		for _, e := range edges {
			pending = append(pending, e)
			if seen[e.ToStepGUID] {
				continue
			}
			next, err := graph.GetStep(ctx, e.ToStepGUID)
			if err != nil {
				return nil, fmt.Errorf("diagram: step %s: %w", e.ToStepGUID, err)
			}
			seen[next.GUID] = true
			ids[next.GUID] = stepID(next)
			queue = append(queue, next)
		}
	}

	joins := make(map[string]bool)
	for _, e := range pending {
		model.Edges = append(model.Edges, Edge{
			From:      ids[e.FromStepGUID],
			To:        ids[e.ToStepGUID],
			Label:     guardLabel(e.Guard),
			Mandatory: e.Mandatory,
		})
		if e.Mandatory {
			joins[ids[e.ToStepGUID]] = true
		}
	}
	for _, n := range model.Nodes {
		if joins[n.ID] {
			n.Kind = NodeKindJoin
		}
	}
	return model, nil
}

func stepToNode(step *schema.ProcessStep) *Node {
	kind := NodeKindStep
	if step.WaitTime > 0 {
		kind = NodeKindWait
	}
	label := step.DisplayName
	if label == "" {
		label = stepID(step)
	}
	if step.WaitTime > 0 {
		label += " (wait " + step.WaitTime.String() + ")"
	}
	return &Node{
		ID:       stepID(step),
		GUID:     step.GUID,
		Label:    label,
		Kind:     kind,
		Executor: step.Executor.EngineName + "/" + step.Executor.RequestType,
	}
}

// stepID is the short step name, the last segment of its qualified name.
func stepID(step *schema.ProcessStep) string {
	name := step.QualifiedName
	if i := strings.LastIndex(name, "::"); i >= 0 {
		name = name[i+2:]
	}
	if name == "" {
		return step.GUID
	}
	return name
}

func guardLabel(guard *string) string {
	if guard == nil {
		return ""
	}
	return *guard
}

func overlayByStep(actions []*store.EngineAction) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	latest := make(map[string]*store.EngineAction)
	for _, a := range actions {
		if a.ProcessStepGUID == "" {
			continue
		}
		o, ok := out[a.ProcessStepGUID]
		if !ok {
			o = &StatusOverlay{}
			out[a.ProcessStepGUID] = o
		}
		o.Count++
		if prev := latest[a.ProcessStepGUID]; prev == nil || a.UpdatedAt.After(prev.UpdatedAt) {
			latest[a.ProcessStepGUID] = a
			o.Status = string(a.Status)
			o.Owner = a.Owner()
		}
	}
	return out
}

func titleOf(proc *schema.ProcessDefinition) string {
	if proc.DisplayName != "" {
		return proc.DisplayName
	}
	return proc.QualifiedName
}

// firstLine returns the first line of s.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
