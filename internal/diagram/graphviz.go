package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Image formats supported by RenderImage.
const (
	FormatPNG = "png"
	FormatSVG = "svg"
)

// RenderImage renders a DiagramModel with graphviz in the given format.
func RenderImage(ctx context.Context, model *DiagramModel, format string) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatPNG:
		gvFormat = graphviz.PNG
	case FormatSVG:
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		gvNode.SetLabel(firstLine(node.Label))
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range model.Edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		if edge.Mandatory {
			e.SetStyle(cgraph.BoldEdgeStyle)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindStep:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindJoin:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindWait:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindStart:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}
	if node.Status != nil {
		applyStatusColor(gvNode, statusClass(node.Status.Status))
	}
}

func applyStatusColor(gvNode *cgraph.Node, class string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch class {
	case "done":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "running":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "ready":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case "requested":
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case "ignored":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
