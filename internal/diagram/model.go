// Package diagram renders a workflow's step plan, optionally overlaid with
// the statuses of one run, as Mermaid or plain text.
package diagram

// NodeKind classifies a diagram node by its step type.
type NodeKind string

const (
	NodeKindAIPrompt  NodeKind = "ai_prompt"
	NodeKindCondition NodeKind = "condition"
	NodeKindAction    NodeKind = "action"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// IDs of the virtual trigger and end nodes.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes is the root path between the start and end nodes; Edges holds
// every edge, branch edges included.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Branches []*SubGraph // true branch first, CONDITION nodes only
}

// SubGraph holds the steps of one branch of a CONDITION node.
type SubGraph struct {
	Label string
	Nodes []*Node
}

// StatusOverlay carries the state of a step in one run. Attempts counts
// every log of the step; the other fields come from the latest one.
type StatusOverlay struct {
	Status     string
	Attempts   int
	DurationMs int64
	Error      string
}

// Edge represents a transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// walk visits every node of the model depth first.
func (m *DiagramModel) walk(visit func(*Node)) {
	var rec func([]*Node)
	rec = func(nodes []*Node) {
		for _, n := range nodes {
			visit(n)
			for _, sg := range n.Branches {
				rec(sg.Nodes)
			}
		}
	}
	rec(m.Nodes)
}
