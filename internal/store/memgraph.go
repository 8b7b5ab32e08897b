package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/govflow/pkg/schema"
)

// MemoryGraph is an in-process GraphStore: an arena of steps keyed by GUID
// with edge adjacency lists. It backs dry-run loads and tests.
type MemoryGraph struct {
	mu        sync.RWMutex
	processes map[string]*schema.ProcessDefinition // by qualified name
	byGUID    map[string]string                    // process GUID -> qualified name
	steps     map[string]*schema.ProcessStep
	edges     map[string]*schema.StepEdge
	outgoing  map[string][]string // step GUID -> edge GUIDs
	incoming  map[string][]string
	executors map[string]schema.ExecutorRef
}

// NewMemoryGraph returns an empty MemoryGraph.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		processes: make(map[string]*schema.ProcessDefinition),
		byGUID:    make(map[string]string),
		steps:     make(map[string]*schema.ProcessStep),
		edges:     make(map[string]*schema.StepEdge),
		outgoing:  make(map[string][]string),
		incoming:  make(map[string][]string),
		executors: make(map[string]schema.ExecutorRef),
	}
}

func (g *MemoryGraph) SaveProcess(_ context.Context, p *schema.ProcessDefinition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.processes[p.QualifiedName]; ok && existing.GUID != p.GUID {
		return schema.NewErrorf(schema.ErrCodeConflict, "process %q already exists", p.QualifiedName)
	}
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if old, ok := g.byGUID[p.GUID]; ok && old != p.QualifiedName {
		delete(g.processes, old)
	}
	g.processes[p.QualifiedName] = &cp
	g.byGUID[p.GUID] = p.QualifiedName
	return nil
}

func (g *MemoryGraph) GetProcessDefinition(_ context.Context, qualifiedName string) (*schema.ProcessDefinition, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.processes[qualifiedName]
	if !ok {
		return nil, storeNotFound("process", qualifiedName).WithReason(schema.ReasonUnknownProcess)
	}
	cp := *p
	return &cp, nil
}

func (g *MemoryGraph) SetFirstStep(_ context.Context, processGUID, stepGUID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	name, ok := g.byGUID[processGUID]
	if !ok {
		return storeNotFound("process", processGUID)
	}
	g.processes[name].FirstStepGUID = stepGUID
	return nil
}

func (g *MemoryGraph) GetFirstStep(ctx context.Context, processGUID string) (*schema.ProcessStep, error) {
	g.mu.RLock()
	name, ok := g.byGUID[processGUID]
	var first string
	if ok {
		first = g.processes[name].FirstStepGUID
	}
	g.mu.RUnlock()

	if !ok {
		return nil, storeNotFound("process", processGUID).WithReason(schema.ReasonUnknownProcess)
	}
	if first == "" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "process %q has no first step", processGUID).
			WithReason(schema.ReasonNoFirstStep)
	}
	step, err := g.GetStep(ctx, first)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "first step %q of process %q does not exist", first, processGUID).
			WithReason(schema.ReasonNoFirstStep).WithCause(err)
	}
	return step, nil
}

func (g *MemoryGraph) SaveStep(_ context.Context, step *schema.ProcessStep) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byGUID[step.ProcessGUID]; !ok {
		return storeNotFound("process", step.ProcessGUID)
	}
	cp := *step
	g.steps[step.GUID] = &cp
	return nil
}

// DeleteStep removes a step. Edges that reference it are left in place.
func (g *MemoryGraph) DeleteStep(_ context.Context, stepGUID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.steps[stepGUID]; !ok {
		return storeNotFound("step", stepGUID)
	}
	delete(g.steps, stepGUID)
	return nil
}

func (g *MemoryGraph) GetStep(_ context.Context, stepGUID string) (*schema.ProcessStep, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.steps[stepGUID]
	if !ok {
		return nil, storeNotFound("step", stepGUID).WithReason(schema.ReasonUnknownStep)
	}
	cp := *s
	return &cp, nil
}

func (g *MemoryGraph) SaveEdge(_ context.Context, edge *schema.StepEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.edges[edge.GUID]; ok {
		g.outgoing[old.FromStepGUID] = without(g.outgoing[old.FromStepGUID], edge.GUID)
		g.incoming[old.ToStepGUID] = without(g.incoming[old.ToStepGUID], edge.GUID)
	}
	cp := *edge
	g.edges[edge.GUID] = &cp
	g.outgoing[edge.FromStepGUID] = append(g.outgoing[edge.FromStepGUID], edge.GUID)
	g.incoming[edge.ToStepGUID] = append(g.incoming[edge.ToStepGUID], edge.GUID)
	return nil
}

func (g *MemoryGraph) GetOutgoingEdges(_ context.Context, stepGUID string) ([]schema.StepEdge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.collect(g.outgoing[stepGUID], false), nil
}

func (g *MemoryGraph) GetIncomingMandatoryEdges(_ context.Context, stepGUID string) ([]schema.StepEdge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.collect(g.incoming[stepGUID], true), nil
}

func (g *MemoryGraph) collect(ids []string, mandatoryOnly bool) []schema.StepEdge {
	var out []schema.StepEdge
	for _, id := range ids {
		e := g.edges[id]
		if mandatoryOnly && !e.Mandatory {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GUID < out[j].GUID })
	return out
}

func (g *MemoryGraph) RegisterExecutor(_ context.Context, ref schema.ExecutorRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executors[ref.Key()] = ref
	return nil
}

func (g *MemoryGraph) ResolveExecutor(_ context.Context, engineName, requestType string) (*schema.ExecutorRef, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ref, ok := g.executors[schema.ExecutorKey(engineName, requestType)]
	if !ok {
		return nil, storeNotFound("executor", schema.ExecutorKey(engineName, requestType)).
			WithReason(schema.ReasonUnknownExecutor)
	}
	return &ref, nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
