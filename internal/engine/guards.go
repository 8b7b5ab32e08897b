package engine

import (
	"context"
	"sort"

	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/schema"
)

// MandatoryGuards returns the guards a step must receive before its actions
// may run: one entry per mandatory edge feeding the step. Self-loops are
// ignored. Each predecessor step must still exist and every mandatory edge
// must carry a guard, otherwise the definition is broken and a
// CONFIGURATION_ERROR is returned.
func MandatoryGuards(ctx context.Context, graph store.GraphStore, stepGUID string) ([]string, error) {
	edges, err := graph.GetIncomingMandatoryEdges(ctx, stepGUID)
	if err != nil {
		return nil, err
	}

	var guards []string
	for _, edge := range edges {
		if edge.FromStepGUID == stepGUID {
			continue
		}
		if edge.Guard == nil || *edge.Guard == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"mandatory edge %s into step %s has no guard", edge.GUID, stepGUID)
		}
		if _, err := graph.GetStep(ctx, edge.FromStepGUID); err != nil {
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
					"mandatory edge %s into step %s references missing step %s", edge.GUID, stepGUID, edge.FromStepGUID).
					WithCause(err)
			}
			return nil, err
		}
		guards = append(guards, *edge.Guard)
	}
	sort.Strings(guards)
	return guards, nil
}

// IsReady reports whether received satisfies mandatory. Guards are counted,
// so a guard required by two mandatory edges must be received twice. With
// distinct guards this is plain set inclusion.
func IsReady(mandatory, received []string) bool {
	if len(mandatory) == 0 {
		return true
	}
	have := make(map[string]int, len(received))
	for _, g := range received {
		have[g]++
	}
	for _, g := range mandatory {
		if have[g] == 0 {
			return false
		}
		have[g]--
	}
	return true
}

// SelectsEdge reports whether a completion emitting outputGuards follows edge.
func SelectsEdge(edge schema.StepEdge, outputGuards []string) bool {
	if edge.Guard == nil {
		return true
	}
	for _, g := range outputGuards {
		if g == *edge.Guard {
			return true
		}
	}
	return false
}
