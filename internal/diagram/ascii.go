package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "success":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

var kindTag = map[NodeKind]string{
	NodeKindAIPrompt:  "AI",
	NodeKindCondition: "IF",
	NodeKindAction:    "DO",
}

// RenderASCII renders a DiagramModel as an indented tree, one line per
// step, with branches nested under their condition.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n", model.Title))
	}
	renderTree(&b, model.Nodes, "")
	return b.String()
}

func renderTree(b *strings.Builder, nodes []*Node, prefix string) {
	for i, node := range nodes {
		last := i == len(nodes)-1
		branch, next := "├─ ", "│  "
		if last {
			branch, next = "└─ ", "   "
		}
		b.WriteString(prefix + branch + asciiLine(node) + "\n")

		for j, sg := range node.Branches {
			sgBranch, sgNext := "├─ ", "│  "
			if j == len(node.Branches)-1 {
				sgBranch, sgNext = "└─ ", "   "
			}
			b.WriteString(prefix + next + sgBranch + sg.Label + "\n")
			if len(sg.Nodes) == 0 {
				b.WriteString(prefix + next + sgNext + "└─ (nothing)\n")
				continue
			}
			renderTree(b, sg.Nodes, prefix+next+sgNext)
		}
	}
}

func asciiLine(node *Node) string {
	var parts []string
	switch node.Kind {
	case NodeKindStart, NodeKindEnd:
		return "(" + strings.ToLower(node.Label) + ")"
	default:
		parts = append(parts, "["+kindTag[node.Kind]+"]", node.ID+":", firstLine(node.Label))
	}
	if s := node.Status; s != nil {
		if tag := statusTag(s.Status); tag != "" {
			parts = append(parts, tag)
		}
		if s.Attempts > 1 {
			parts = append(parts, fmt.Sprintf("x%d", s.Attempts))
		}
		if s.DurationMs > 0 {
			parts = append(parts, fmt.Sprintf("%dms", s.DurationMs))
		}
	}
	return strings.Join(parts, " ")
}
