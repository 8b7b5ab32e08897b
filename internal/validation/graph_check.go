package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/govflow/pkg/schema"
)

// validateGraph analyses the step graph. None of its findings block a load:
// guard-driven processes may loop back (rework), and a step unreachable from
// the first step can still be scheduled directly.
func validateGraph(doc *schema.ProcessDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	out := make(map[string][]string, len(doc.Steps))
	inDegree := make(map[string]int, len(doc.Steps))
	for _, s := range doc.Steps {
		inDegree[s.ID] = 0
	}
	for _, e := range doc.Edges {
		if e.From == e.To {
			if e.Mandatory {
				result.AddWarning(fmt.Sprintf("steps[%s]", e.From), schema.ErrCodeValidation,
					"mandatory self-loop is ignored when computing join guards")
			}
			continue
		}
		out[e.From] = append(out[e.From], e.To)
		inDegree[e.To]++
	}

	// Kahn's algorithm: any step never dequeued sits on a cycle.
	queue := make([]string, 0, len(doc.Steps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range out[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(inDegree) {
		result.AddWarning("edges", schema.ErrCodeCycleDetected,
			"process graph contains a cycle; every pass through it schedules new actions")
	}

	reachable := map[string]bool{doc.FirstStep: true}
	frontier := []string{doc.FirstStep}
	for len(frontier) > 0 {
		node := frontier[0]
		frontier = frontier[1:]
		for _, next := range out[node] {
			if !reachable[next] {
				reachable[next] = true
				frontier = append(frontier, next)
			}
		}
	}

	for _, s := range doc.Steps {
		path := fmt.Sprintf("steps[%s]", s.ID)
		if !reachable[s.ID] {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from the first step", s.ID))
		}
	}

	return result
}
