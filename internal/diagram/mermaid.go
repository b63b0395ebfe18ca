package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
// Branches become nested subgraphs.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	writeNodes(&b, model.Nodes, "    ")

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	model.walk(func(node *Node) {
		if node.Status == nil {
			return
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	})

	return b.String()
}

func writeNodes(b *strings.Builder, nodes []*Node, indent string) {
	for _, node := range nodes {
		b.WriteString(indent + mermaidNodeDef(node) + "\n")
		for _, sg := range node.Branches {
			if len(sg.Nodes) == 0 {
				continue
			}
			b.WriteString(fmt.Sprintf("%ssubgraph %s[\"%s: %s\"]\n",
				indent, mermaidSafeID(node.ID+"_"+sg.Label), node.ID, sg.Label))
			writeNodes(b, sg.Nodes, indent+"    ")
			b.WriteString(indent + "end\n")
		}
	}
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindAIPrompt:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default: // action
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "success", "failed", "running", "pending", "skipped":
		return status
	default:
		return ""
	}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
