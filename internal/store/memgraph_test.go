package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/govflow/pkg/schema"
)

func TestMemoryGraph_Lookups(t *testing.T) {
	g := NewMemoryGraph()
	ctx := context.Background()

	p := seedProcess(t, g, "onboard-file")
	a := seedStep(t, g, p.GUID, "A", false)
	c := seedStep(t, g, p.GUID, "C", true)

	_, err := g.GetFirstStep(ctx, p.GUID)
	assert.True(t, schema.IsReason(err, schema.ReasonNoFirstStep))
	require.NoError(t, g.SetFirstStep(ctx, p.GUID, a.GUID))

	first, err := g.GetFirstStep(ctx, p.GUID)
	require.NoError(t, err)
	assert.Equal(t, a.GUID, first.GUID)

	require.NoError(t, g.SaveEdge(ctx, &schema.StepEdge{GUID: "e2", FromStepGUID: a.GUID, ToStepGUID: c.GUID, Guard: schema.Guard("x"), Mandatory: true}))
	require.NoError(t, g.SaveEdge(ctx, &schema.StepEdge{GUID: "e1", FromStepGUID: a.GUID, ToStepGUID: c.GUID}))

	out, err := g.GetOutgoingEdges(ctx, a.GUID)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "e1", out[0].GUID)

	in, err := g.GetIncomingMandatoryEdges(ctx, c.GUID)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "x", in[0].GuardValue())
}

func TestMemoryGraph_SaveEdgeReplaces(t *testing.T) {
	g := NewMemoryGraph()
	ctx := context.Background()
	p := seedProcess(t, g, "p")
	a := seedStep(t, g, p.GUID, "A", false)
	b := seedStep(t, g, p.GUID, "B", false)
	c := seedStep(t, g, p.GUID, "C", false)

	require.NoError(t, g.SaveEdge(ctx, &schema.StepEdge{GUID: "e", FromStepGUID: a.GUID, ToStepGUID: b.GUID}))
	require.NoError(t, g.SaveEdge(ctx, &schema.StepEdge{GUID: "e", FromStepGUID: a.GUID, ToStepGUID: c.GUID}))

	out, err := g.GetOutgoingEdges(ctx, a.GUID)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, c.GUID, out[0].ToStepGUID)
}

func TestMemoryGraph_Errors(t *testing.T) {
	g := NewMemoryGraph()
	ctx := context.Background()

	_, err := g.GetProcessDefinition(ctx, "nope")
	assert.True(t, schema.IsReason(err, schema.ReasonUnknownProcess))

	err = g.SaveStep(ctx, &schema.ProcessStep{GUID: "s", ProcessGUID: "missing"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	p := seedProcess(t, g, "dup")
	err = g.SaveProcess(ctx, &schema.ProcessDefinition{GUID: "other", QualifiedName: "dup"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	st := seedStep(t, g, p.GUID, "A", false)
	require.NoError(t, g.DeleteStep(ctx, st.GUID))
	_, err = g.GetStep(ctx, st.GUID)
	assert.True(t, schema.IsReason(err, schema.ReasonUnknownStep))

	_, err = g.ResolveExecutor(ctx, "rules", "cel")
	assert.True(t, schema.IsReason(err, schema.ReasonUnknownExecutor))
}
