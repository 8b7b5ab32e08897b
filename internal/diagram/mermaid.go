package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/govflow/pkg/schema"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Mandatory {
			arrow = "==>"
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef done fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef ready fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef requested fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef ignored fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := statusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))
	if node.Status != nil && node.Status.Count > 1 {
		label = fmt.Sprintf("%s x%d", label, node.Status.Count)
	}

	switch node.Kind {
	case NodeKindStart:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindJoin:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindWait:
		return fmt.Sprintf("%s([%q])", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel replaces characters that terminate Mermaid labels.
func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "'", "|", "/")
	return r.Replace(s)
}

// statusClass maps an action status to a style class shared by renderers.
func statusClass(status string) string {
	switch schema.ActionStatus(status) {
	case schema.ActionStatusActioned:
		return "done"
	case schema.ActionStatusFailed, schema.ActionStatusInvalid:
		return "failed"
	case schema.ActionStatusWaiting, schema.ActionStatusActivating, schema.ActionStatusInProgress:
		return "running"
	case schema.ActionStatusApproved:
		return "ready"
	case schema.ActionStatusRequested:
		return "requested"
	case schema.ActionStatusIgnored:
		return "ignored"
	default:
		return ""
	}
}
