// Package graph rebuilds a workflow's flat, branch-annotated step records
// into an ordered execution plan.
package graph

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Spec is the kind-specific part of a plan node. Exactly one of
// *AIPromptSpec, *ConditionSpec or *ActionSpec.
type Spec interface {
	stepType() schema.StepType
}

// AIPromptSpec carries what an AI_PROMPT step needs.
type AIPromptSpec struct {
	PromptName    string
	PromptVersion int               // 0 = latest active
	Extract       map[string]string // output field -> jq expression
}

// ConditionSpec carries a CONDITION step's rules.
type ConditionSpec struct {
	Rules schema.ConditionRules
}

// ActionSpec carries an ACTION step's handler name and parameters.
type ActionSpec struct {
	Action string
	Params map[string]any
}

func (*AIPromptSpec) stepType() schema.StepType  { return schema.StepTypeAIPrompt }
func (*ConditionSpec) stepType() schema.StepType { return schema.StepTypeCondition }
func (*ActionSpec) stepType() schema.StepType    { return schema.StepTypeAction }

// Node is one step of the plan.
type Node struct {
	ID       string
	Name     string
	Order    int
	Key      string // context namespace for the step's output
	ParentID string
	Branch   schema.Branch
	Delay    time.Duration
	Config   schema.StepConfig
	Spec     Spec
	Step     *schema.WorkflowStep

	children map[schema.Branch][]*Node
}

// Type returns the node's step type.
func (n *Node) Type() schema.StepType {
	return n.Spec.stepType()
}

// Children returns the ordered children of a CONDITION node on branch b.
func (n *Node) Children(b schema.Branch) []*Node {
	return n.children[b]
}

// Plan is the branch-aware execution plan of one workflow.
type Plan struct {
	WorkflowID string
	Root       []*Node

	nodes map[string]*Node
}

// Node returns the node with the given step ID.
func (p *Plan) Node(id string) (*Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Len returns the number of steps in the plan.
func (p *Plan) Len() int {
	return len(p.nodes)
}

// Walk visits the nodes a run would visit, in execution order. choose picks
// the branch taken at each CONDITION node.
func (p *Plan) Walk(choose func(*Node) schema.Branch, visit func(*Node)) {
	walk(p.Root, choose, visit)
}

func walk(nodes []*Node, choose func(*Node) schema.Branch, visit func(*Node)) {
	for _, n := range nodes {
		visit(n)
		if n.Type() == schema.StepTypeCondition {
			walk(n.Children(choose(n)), choose, visit)
		}
	}
}

// Build indexes the workflow's live steps into a Plan. Structural problems
// (unknown types, dangling or cyclic parent pointers, missing kind-specific
// configuration) are reported as configuration errors.
func Build(wf *schema.Workflow) (*Plan, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "workflow is nil")
	}

	plan := &Plan{
		WorkflowID: wf.ID,
		nodes:      make(map[string]*Node, len(wf.Steps)),
	}
	keys := make(map[string]string, len(wf.Steps))

	// First pass: register nodes.
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.DeletedAt != nil {
			continue
		}
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "step at index %d has empty ID", i)
		}
		if _, exists := plan.nodes[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "duplicate step ID: %s", step.ID)
		}

		n, err := newNode(step)
		if err != nil {
			return nil, err
		}
		for _, k := range []string{n.Key, "step_" + n.ID} {
			if other, taken := keys[k]; taken && other != n.ID {
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
					"step %s: context key %q already used by step %s", n.ID, k, other).WithStep(n.ID)
			}
			keys[k] = n.ID
		}
		plan.nodes[n.ID] = n
	}

	if err := detectCycles(plan.nodes); err != nil {
		return nil, err
	}

	// Second pass: attach children to their CONDITION parents.
	for _, n := range plan.nodes {
		if n.ParentID == "" {
			if n.Branch != schema.BranchNone {
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
					"step %s has branch %q but no parent_step_id", n.ID, n.Branch).WithStep(n.ID)
			}
			plan.Root = append(plan.Root, n)
			continue
		}
		if n.ParentID == n.ID {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s is its own parent", n.ID).WithStep(n.ID)
		}
		parent, ok := plan.nodes[n.ParentID]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"step %s points at unknown parent step %s", n.ID, n.ParentID).WithStep(n.ID)
		}
		if parent.Type() != schema.StepTypeCondition {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"step %s: parent step %s is %s, only CONDITION steps have branches", n.ID, parent.ID, parent.Type()).WithStep(n.ID)
		}
		if n.Branch != schema.BranchTrue && n.Branch != schema.BranchFalse {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"step %s: branch must be \"true\" or \"false\", got %q", n.ID, n.Branch).WithStep(n.ID)
		}
		parent.children[n.Branch] = append(parent.children[n.Branch], n)
	}

	sortNodes(plan.Root)
	for _, n := range plan.nodes {
		for _, children := range n.children {
			sortNodes(children)
		}
	}
	return plan, nil
}

func newNode(step *schema.WorkflowStep) (*Node, error) {
	if !step.Type.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "step %s has unknown type: %q", step.ID, step.Type).WithStep(step.ID)
	}
	if step.DelayMinutes < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "step %s has negative delay_minutes", step.ID).WithStep(step.ID)
	}
	cfg, err := step.DecodeConfig()
	if err != nil {
		return nil, err
	}

	n := &Node{
		ID:       step.ID,
		Name:     step.Name,
		Order:    step.StepOrder,
		Key:      cfg.Key,
		ParentID: cfg.ParentStepID,
		Branch:   cfg.Branch,
		Delay:    time.Duration(step.DelayMinutes) * time.Minute,
		Config:   cfg,
		Step:     step,
		children: make(map[schema.Branch][]*Node),
	}
	if n.Key == "" {
		n.Key = "step_" + step.ID
	}

	switch step.Type {
	case schema.StepTypeAIPrompt:
		if step.PromptName == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "AI_PROMPT step %s has no prompt", step.ID).WithStep(step.ID)
		}
		n.Spec = &AIPromptSpec{PromptName: step.PromptName, PromptVersion: cfg.PromptVersion, Extract: cfg.Extract}
	case schema.StepTypeCondition:
		var rules schema.ConditionRules
		if len(step.ConditionRules) > 0 {
			if err := json.Unmarshal(step.ConditionRules, &rules); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
					"CONDITION step %s has invalid condition_rules: %s", step.ID, err.Error()).WithStep(step.ID).WithCause(err)
			}
		}
		n.Spec = &ConditionSpec{Rules: rules}
	case schema.StepTypeAction:
		if cfg.Action == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "ACTION step %s has no action", step.ID).WithStep(step.ID)
		}
		n.Spec = &ActionSpec{Action: cfg.Action, Params: cfg.Params}
	}
	return n, nil
}

// detectCycles follows parent pointers from every node. Each node has at
// most one parent, so a cycle shows up as a revisit on the current chain.
func detectCycles(nodes map[string]*Node) error {
	const (
		unvisited = iota
		onChain
		done
	)
	state := make(map[string]int, len(nodes))

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		var chain []string
		cur := id
		for cur != "" && state[cur] == unvisited {
			n, ok := nodes[cur]
			if !ok {
				break // dangling pointer, reported by the caller
			}
			state[cur] = onChain
			chain = append(chain, cur)
			cur = n.ParentID
		}
		if cur != "" && state[cur] == onChain {
			return schema.NewErrorf(schema.ErrCodeCycleDetected,
				"branch pointers form a cycle through step %s", cur).WithStep(cur)
		}
		for _, c := range chain {
			state[c] = done
		}
	}
	return nil
}

func sortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Order != nodes[j].Order {
			return nodes[i].Order < nodes[j].Order
		}
		return nodes[i].ID < nodes[j].ID
	})
}
