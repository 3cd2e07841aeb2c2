package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	// Render nodes with shapes based on kind.
	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	// Render edges, remembering critical link indexes for styling.
	var criticalLinks []int
	for i, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
		if edge.Critical {
			criticalLinks = append(criticalLinks, i)
		}
	}

	// Status class definitions.
	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef disabled fill:#2b2b2b,stroke:#444,color:#777,stroke-dasharray:3 3\n")
	b.WriteString("    classDef critical stroke:#e74c3c,stroke-width:3px\n")

	// Apply status classes.
	for _, node := range model.Nodes {
		if node.Disabled {
			b.WriteString(fmt.Sprintf("    class %s disabled\n", mermaidSafeID(node.ID)))
			continue
		}
		if node.Status != nil {
			cls := mermaidStatusClass(node.Status.Status)
			if cls != "" {
				b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
			}
		}
	}

	// Highlight the critical path.
	for _, node := range model.Nodes {
		if node.Critical {
			b.WriteString(fmt.Sprintf("    class %s critical\n", mermaidSafeID(node.ID)))
		}
	}
	for _, idx := range criticalLinks {
		b.WriteString(fmt.Sprintf("    linkStyle %d stroke:#e74c3c,stroke-width:2px\n", idx))
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindTrigger:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindWait:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default: // task
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
// Replaces dots, dashes, and spaces with underscores.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidStatusClass maps a node run status to a Mermaid class name.
func mermaidStatusClass(status string) string {
	switch status {
	case "completed":
		return "completed"
	case "failed":
		return "failed"
	case "running":
		return "running"
	case "waiting":
		return "waiting"
	case "pending":
		return "pending"
	case "skipped":
		return "skipped"
	default:
		return ""
	}
}
