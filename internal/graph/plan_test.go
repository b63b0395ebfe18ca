package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func actionStep(t *testing.T, id string, order int, parent string, branch schema.Branch) schema.WorkflowStep {
	return schema.WorkflowStep{
		ID: id, StepOrder: order, Name: id, Type: schema.StepTypeAction,
		Config: rawJSON(t, schema.StepConfig{Action: "log", ParentStepID: parent, Branch: branch}),
	}
}

func conditionStep(t *testing.T, id string, order int, parent string, branch schema.Branch) schema.WorkflowStep {
	return schema.WorkflowStep{
		ID: id, StepOrder: order, Name: id, Type: schema.StepTypeCondition,
		Config:         rawJSON(t, schema.StepConfig{ParentStepID: parent, Branch: branch}),
		ConditionRules: json.RawMessage(`{"rules":[{"field":"trigger.x","type":"boolean","operator":"is_true"}]}`),
	}
}

func aiStep(id string, order int) schema.WorkflowStep {
	return schema.WorkflowStep{ID: id, StepOrder: order, Name: id, Type: schema.StepTypeAIPrompt, PromptName: "classify"}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var e *schema.Error
	require.True(t, errors.As(err, &e), "expected *schema.Error, got %T", err)
	assert.Equal(t, code, e.Code)
}

func ids(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestBuild_RootOrderedByStepOrder(t *testing.T) {
	wf := &schema.Workflow{ID: "wf", Steps: []schema.WorkflowStep{
		actionStep(t, "c", 3, "", ""),
		actionStep(t, "a", 1, "", ""),
		aiStep("b", 2),
	}}
	plan, err := Build(wf)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(plan.Root))
	assert.Equal(t, 3, plan.Len())
}

func TestBuild_BranchPartitions(t *testing.T) {
	wf := &schema.Workflow{ID: "wf", Steps: []schema.WorkflowStep{
		aiStep("s1", 1),
		conditionStep(t, "s2", 2, "", ""),
		actionStep(t, "s3", 1, "s2", schema.BranchTrue),
		actionStep(t, "s4", 1, "s2", schema.BranchFalse),
		actionStep(t, "s5", 0, "s2", schema.BranchTrue),
		actionStep(t, "s6", 3, "", ""),
	}}
	plan, err := Build(wf)
	require.NoError(t, err)

	assert.Equal(t, []string{"s1", "s2", "s6"}, ids(plan.Root))
	cond, ok := plan.Node("s2")
	require.True(t, ok)
	assert.Equal(t, schema.StepTypeCondition, cond.Type())
	assert.Equal(t, []string{"s5", "s3"}, ids(cond.Children(schema.BranchTrue)))
	assert.Equal(t, []string{"s4"}, ids(cond.Children(schema.BranchFalse)))
}

func TestBuild_NestedConditions(t *testing.T) {
	wf := &schema.Workflow{ID: "wf", Steps: []schema.WorkflowStep{
		conditionStep(t, "outer", 1, "", ""),
		conditionStep(t, "inner", 1, "outer", schema.BranchTrue),
		actionStep(t, "deep", 1, "inner", schema.BranchFalse),
	}}
	plan, err := Build(wf)
	require.NoError(t, err)

	inner, _ := plan.Node("inner")
	assert.Equal(t, []string{"deep"}, ids(inner.Children(schema.BranchFalse)))
}

func TestBuild_KindSpecs(t *testing.T) {
	wf := &schema.Workflow{ID: "wf", Steps: []schema.WorkflowStep{
		aiStep("ai", 1),
		conditionStep(t, "cond", 2, "", ""),
		actionStep(t, "act", 3, "", ""),
	}}
	wf.Steps[0].DelayMinutes = 5
	plan, err := Build(wf)
	require.NoError(t, err)

	ai, _ := plan.Node("ai")
	spec, ok := ai.Spec.(*AIPromptSpec)
	require.True(t, ok)
	assert.Equal(t, "classify", spec.PromptName)
	assert.Equal(t, 5*time.Minute, ai.Delay)
	assert.Equal(t, "step_ai", ai.Key)

	cond, _ := plan.Node("cond")
	cs, ok := cond.Spec.(*ConditionSpec)
	require.True(t, ok)
	require.Len(t, cs.Rules.Rules, 1)

	act, _ := plan.Node("act")
	as, ok := act.Spec.(*ActionSpec)
	require.True(t, ok)
	assert.Equal(t, "log", as.Action)
}

func TestBuild_SkipsDeletedSteps(t *testing.T) {
	now := time.Now()
	deleted := actionStep(t, "gone", 1, "", "")
	deleted.DeletedAt = &now
	wf := &schema.Workflow{ID: "wf", Steps: []schema.WorkflowStep{deleted, actionStep(t, "kept", 2, "", "")}}

	plan, err := Build(wf)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, ids(plan.Root))
}

func TestBuild_RejectsCycles(t *testing.T) {
	t.Run("self parent", func(t *testing.T) {
		wf := &schema.Workflow{Steps: []schema.WorkflowStep{conditionStep(t, "a", 1, "a", schema.BranchTrue)}}
		_, err := Build(wf)
		assertCode(t, err, schema.ErrCodeCycleDetected)
	})

	t.Run("two node cycle", func(t *testing.T) {
		wf := &schema.Workflow{Steps: []schema.WorkflowStep{
			conditionStep(t, "a", 1, "b", schema.BranchTrue),
			conditionStep(t, "b", 1, "a", schema.BranchFalse),
		}}
		_, err := Build(wf)
		assertCode(t, err, schema.ErrCodeCycleDetected)
	})

	t.Run("cycle hanging off a valid chain", func(t *testing.T) {
		wf := &schema.Workflow{Steps: []schema.WorkflowStep{
			conditionStep(t, "root", 1, "", ""),
			conditionStep(t, "x", 1, "z", schema.BranchTrue),
			conditionStep(t, "y", 1, "x", schema.BranchTrue),
			conditionStep(t, "z", 1, "y", schema.BranchTrue),
			actionStep(t, "leaf", 1, "x", schema.BranchFalse),
		}}
		_, err := Build(wf)
		assertCode(t, err, schema.ErrCodeCycleDetected)
	})
}

func TestBuild_ConfigurationErrors(t *testing.T) {
	cases := map[string][]schema.WorkflowStep{
		"unknown parent": {actionStep(t, "a", 1, "missing", schema.BranchTrue)},
		"parent not a condition": {
			actionStep(t, "a", 1, "", ""),
			actionStep(t, "b", 1, "a", schema.BranchTrue),
		},
		"child without branch": {
			conditionStep(t, "a", 1, "", ""),
			actionStep(t, "b", 1, "a", ""),
		},
		"branch without parent": {actionStep(t, "a", 1, "", schema.BranchTrue)},
		"unknown type":          {{ID: "a", Type: "LOOP"}},
		"ai without prompt":     {{ID: "a", Type: schema.StepTypeAIPrompt}},
		"action without name":   {{ID: "a", Type: schema.StepTypeAction}},
		"negative delay":        {{ID: "a", Type: schema.StepTypeAIPrompt, PromptName: "p", DelayMinutes: -1}},
		"bad config json":       {{ID: "a", Type: schema.StepTypeAction, Config: json.RawMessage(`{"action":`)}},
		"duplicate ids":         {actionStep(t, "a", 1, "", ""), actionStep(t, "a", 2, "", "")},
	}
	for name, steps := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(&schema.Workflow{Steps: steps})
			assertCode(t, err, schema.ErrCodeConfiguration)
		})
	}
}

func TestBuild_DuplicateKeys(t *testing.T) {
	a := actionStep(t, "a", 1, "", "")
	a.Config = rawJSON(t, schema.StepConfig{Action: "log", Key: "shared"})
	b := actionStep(t, "b", 2, "", "")
	b.Config = rawJSON(t, schema.StepConfig{Action: "log", Key: "shared"})
	_, err := Build(&schema.Workflow{Steps: []schema.WorkflowStep{a, b}})
	assertCode(t, err, schema.ErrCodeConfiguration)
}

// A walk visits every reachable step exactly once whichever branches are
// taken, and the union over all branch choices covers the whole plan.
func TestWalk_VisitsEachStepOnce(t *testing.T) {
	var steps []schema.WorkflowStep
	steps = append(steps, conditionStep(t, "c0", 0, "", ""))
	parent := "c0"
	for depth := 1; depth <= 4; depth++ {
		id := fmt.Sprintf("c%d", depth)
		steps = append(steps,
			conditionStep(t, id, 0, parent, schema.BranchTrue),
			actionStep(t, fmt.Sprintf("f%d", depth), 0, parent, schema.BranchFalse),
			actionStep(t, fmt.Sprintf("t%d", depth), 1, parent, schema.BranchTrue),
		)
		parent = id
	}
	steps = append(steps, actionStep(t, "tail", 1, "", ""))

	plan, err := Build(&schema.Workflow{Steps: steps})
	require.NoError(t, err)

	covered := make(map[string]bool)
	for mask := 0; mask < 1<<5; mask++ {
		seen := make(map[string]int)
		i := 0
		plan.Walk(func(n *Node) schema.Branch {
			b := schema.BranchFor(mask&(1<<i) != 0)
			i++
			return b
		}, func(n *Node) {
			seen[n.ID]++
			covered[n.ID] = true
		})
		for id, count := range seen {
			assert.Equal(t, 1, count, "step %s visited %d times", id, count)
		}
		assert.Equal(t, 1, seen["tail"])
	}
	assert.Len(t, covered, plan.Len())
}
