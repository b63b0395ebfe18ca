package diagram

import (
	"fmt"

	"github.com/rendis/autoflow/internal/graph"
	"github.com/rendis/autoflow/pkg/schema"
)

// Build constructs a DiagramModel from a plan. logs, when given, are the
// execution logs of one run and overlay each step's latest status.
func Build(plan *graph.Plan, title string, logs []*schema.ExecutionLog) *DiagramModel {
	overlays := overlayIndex(logs)
	if title == "" {
		title = "Workflow"
	}
	model := &DiagramModel{Title: title}

	start := &Node{ID: StartID, Label: "Trigger", Kind: NodeKindStart}
	model.Nodes = append(model.Nodes, start)
	model.Nodes = append(model.Nodes, buildNodes(plan.Root, overlays)...)
	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	ends := link(&model.Edges, plan.Root, []pendingEdge{{from: StartID}})
	for _, p := range ends {
		model.Edges = append(model.Edges, Edge{From: p.from, To: EndID, Label: p.label})
	}
	return model
}

func buildNodes(nodes []*graph.Node, overlays map[string]*StatusOverlay) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		node := &Node{ID: n.ID, Label: nodeLabel(n), Kind: kindOf(n.Type()), Status: overlays[n.ID]}
		if n.Type() == schema.StepTypeCondition {
			for _, b := range []schema.Branch{schema.BranchTrue, schema.BranchFalse} {
				node.Branches = append(node.Branches, &SubGraph{
					Label: string(b),
					Nodes: buildNodes(n.Children(b), overlays),
				})
			}
		}
		out = append(out, node)
	}
	return out
}

// pendingEdge is an edge waiting for its target: the node that runs next.
type pendingEdge struct {
	from  string
	label string
}

// link chains nodes in run order and returns the edges left dangling at
// the end of the sequence. A branch rejoins the sequence after its
// CONDITION step, so an empty branch leaves the condition itself dangling.
func link(edges *[]Edge, nodes []*graph.Node, pending []pendingEdge) []pendingEdge {
	for _, n := range nodes {
		for _, p := range pending {
			*edges = append(*edges, Edge{From: p.from, To: n.ID, Label: p.label})
		}
		if n.Type() != schema.StepTypeCondition {
			pending = []pendingEdge{{from: n.ID}}
			continue
		}
		pending = nil
		for _, b := range []schema.Branch{schema.BranchTrue, schema.BranchFalse} {
			pending = append(pending, link(edges, n.Children(b), []pendingEdge{{from: n.ID, label: string(b)}})...)
		}
	}
	return pending
}

func kindOf(t schema.StepType) NodeKind {
	switch t {
	case schema.StepTypeAIPrompt:
		return NodeKindAIPrompt
	case schema.StepTypeCondition:
		return NodeKindCondition
	default:
		return NodeKindAction
	}
}

// nodeLabel creates a human-readable label for a node.
func nodeLabel(n *graph.Node) string {
	name := n.Name
	if name == "" {
		name = n.ID
	}
	var label string
	switch spec := n.Spec.(type) {
	case *graph.AIPromptSpec:
		label = fmt.Sprintf("%s (prompt %s)", name, spec.PromptName)
	case *graph.ActionSpec:
		label = fmt.Sprintf("%s (%s)", name, spec.Action)
	default:
		label = name
	}
	if n.Delay > 0 {
		label += fmt.Sprintf(" +%s", n.Delay)
	}
	if !n.Config.IsEnabled() {
		label += " [disabled]"
	}
	return label
}

func overlayIndex(logs []*schema.ExecutionLog) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	for _, l := range logs {
		if l.IsRoot() {
			continue
		}
		o, ok := out[l.StepID]
		if !ok {
			o = &StatusOverlay{}
			out[l.StepID] = o
		}
		o.Attempts++
		o.Status = string(l.Status)
		o.DurationMs = l.DurationMs
		o.Error = l.ErrorMessage
	}
	return out
}
