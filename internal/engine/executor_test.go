package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/ai"
	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/graph"
	"github.com/rendis/autoflow/internal/prompts"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

func planNode(t *testing.T, step schema.WorkflowStep) *graph.Node {
	t.Helper()
	plan, err := graph.Build(&schema.Workflow{ID: "wf", Steps: []schema.WorkflowStep{step}})
	require.NoError(t, err)
	n, ok := plan.Node(step.ID)
	require.True(t, ok)
	return n
}

func stepRun(n *graph.Node, data map[string]any) *StepRun {
	return &StepRun{Node: n, Context: expressions.NewContext(data), Meta: actions.Meta{StepID: n.ID, Attempt: 1}}
}

func ticketContext() map[string]any {
	return map[string]any{"trigger": map[string]any{"subject": "server down"}}
}

func TestAIExecutor_ParsesAndExtracts(t *testing.T) {
	var seen *prompts.Request
	completer := ai.CompleterFunc(func(_ context.Context, req *prompts.Request) (*ai.Response, error) {
		seen = req
		return &ai.Response{
			Text:  "Here you go:\n```json\n{\"category\":\"urgent\",\"labels\":[\"infra\",\"p1\"]}\n```",
			Usage: schema.TokenUsage{Input: 12, Output: 8, Total: 20},
			Cost:  0.002,
		}, nil
	})
	p := promptMap{"classify": {Name: "classify", Version: 2, ModelName: "m-1",
		SystemPromptText: "Classify: {{trigger.subject}}", ResponseVariables: []string{"category"}}}
	exec := NewAIExecutor(p, completer, nil, nil)

	step := aiStep("s1", 1)
	step.Config = rawJSON(t, schema.StepConfig{Extract: map[string]string{"first_label": ".labels[0]"}})
	res, err := exec.Execute(context.Background(), stepRun(planNode(t, step), ticketContext()))
	require.NoError(t, err)

	assert.Contains(t, seen.System, "Classify: server down")
	assert.Equal(t, "m-1", res.Model)
	assert.Equal(t, int64(20), res.Usage.Total)
	out := res.Output.(map[string]any)
	assert.Equal(t, "urgent", out["category"])
	assert.Equal(t, "infra", out["first_label"])
}

func TestAIExecutor_ExtractFromText(t *testing.T) {
	p := promptMap{"summarize": {Name: "summarize", ModelName: "m-1", SystemPromptText: "Summarize"}}
	exec := NewAIExecutor(p, fixedAnswer("  all systems nominal \n"), nil, nil)

	step := schema.WorkflowStep{ID: "s1", Type: schema.StepTypeAIPrompt, PromptName: "summarize",
		Config: rawJSON(t, schema.StepConfig{Extract: map[string]string{"upper": "ascii_upcase"}})}
	res, err := exec.Execute(context.Background(), stepRun(planNode(t, step), nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "all systems nominal", "upper": "ALL SYSTEMS NOMINAL"}, res.Output)
}

func TestAIExecutor_SchemaViolationKeepsSpend(t *testing.T) {
	validator, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	p := promptMap{"score": {Name: "score", ModelName: "m-1", SystemPromptText: "Score it",
		ResponseJSONTemplate: json.RawMessage(`{"type":"object","properties":{"score":{"type":"number"}},"required":["score"]}`)}}
	completer := ai.CompleterFunc(func(context.Context, *prompts.Request) (*ai.Response, error) {
		return &ai.Response{Text: `{"score":"high"}`, Usage: schema.TokenUsage{Total: 9}, Cost: 0.5}, nil
	})
	exec := NewAIExecutor(p, completer, nil, validator)

	step := schema.WorkflowStep{ID: "s1", Type: schema.StepTypeAIPrompt, PromptName: "score"}
	res, err := exec.Execute(context.Background(), stepRun(planNode(t, step), nil))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(9), res.Usage.Total)
	assert.Equal(t, `{"score":"high"}`, res.Raw)
	assert.Nil(t, res.Output)
}

func TestAIExecutor_MissingPromptIsConfiguration(t *testing.T) {
	exec := NewAIExecutor(promptMap{}, fixedAnswer("x"), nil, nil)
	_, err := exec.Execute(context.Background(), stepRun(planNode(t, aiStep("s1", 1)), nil))
	requireCode(t, err, schema.ErrCodeConfiguration)
	assert.True(t, schema.IsConfigurationError(err))
}

func TestAIExecutor_BreakerPerModel(t *testing.T) {
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})
	calls := 0
	completer := ai.CompleterFunc(func(context.Context, *prompts.Request) (*ai.Response, error) {
		calls++
		return nil, schema.NewError(schema.ErrCodeExecution, "model overloaded")
	})
	p := promptMap{"classify": {Name: "classify", ModelName: "m-1", SystemPromptText: "x"}}
	exec := NewAIExecutor(p, completer, breakers, nil)
	run := stepRun(planNode(t, aiStep("s1", 1)), nil)

	for i := 0; i < 2; i++ {
		_, err := exec.Execute(context.Background(), run)
		requireCode(t, err, schema.ErrCodeExecution)
	}
	_, err := exec.Execute(context.Background(), run)
	requireCode(t, err, schema.ErrCodeCircuitOpen)
	assert.Equal(t, 2, calls)
	assert.Equal(t, CircuitOpen, breakers.GetState("ai:m-1"))
}

func TestConditionExecutor(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	exec := NewConditionExecutor(conditions.NewEvaluator(expressions.NewSet(cel)))

	t.Run("true branch", func(t *testing.T) {
		rules := schema.ConditionRules{Rules: []schema.Rule{{Source: "trigger", Field: "subject", Type: schema.FieldText, Operator: conditions.OpContains, Value: "down"}}}
		res, err := exec.Execute(context.Background(), stepRun(planNode(t, conditionStep(t, "c", 1, rules)), ticketContext()))
		require.NoError(t, err)
		assert.Equal(t, schema.BranchTrue, res.Branch)
		assert.Equal(t, "true", res.Raw)
	})

	t.Run("faulty expression takes false branch", func(t *testing.T) {
		rules := schema.ConditionRules{Expression: "trigger.subject >"}
		res, err := exec.Execute(context.Background(), stepRun(planNode(t, conditionStep(t, "c", 1, rules)), ticketContext()))
		require.NoError(t, err)
		assert.Equal(t, schema.BranchFalse, res.Branch)
		assert.Contains(t, res.Output.(map[string]any), "error")
	})

	t.Run("empty rules take false branch", func(t *testing.T) {
		res, err := exec.Execute(context.Background(), stepRun(planNode(t, conditionStep(t, "c", 1, schema.ConditionRules{})), nil))
		require.NoError(t, err)
		assert.Equal(t, schema.BranchFalse, res.Branch)
	})
}

func TestActionExecutor_ResolvesParams(t *testing.T) {
	reg := actions.NewRegistry()
	var got actions.ActionInput
	require.NoError(t, reg.RegisterFunc("notify", "", func(_ context.Context, in actions.ActionInput) (*actions.ActionOutput, error) {
		got = in
		return &actions.ActionOutput{Data: json.RawMessage(`{"sent":true}`), Set: map[string]any{"notified": true}}, nil
	}))
	exec := NewActionExecutor(reg, nil)

	step := actionStep(t, "a1", 1, schema.StepConfig{Action: "notify", Params: map[string]any{
		"text": "Alert: {{trigger.subject}}",
	}})
	res, err := exec.Execute(context.Background(), stepRun(planNode(t, step), ticketContext()))
	require.NoError(t, err)

	assert.Equal(t, "Alert: server down", got.Params["text"])
	assert.Equal(t, "a1", got.Meta.StepID)
	assert.Equal(t, map[string]any{"sent": true}, res.Output)
	assert.Equal(t, `{"sent":true}`, res.Raw)
	assert.Equal(t, map[string]any{"notified": true}, res.Set)
}

func TestActionExecutor_Errors(t *testing.T) {
	reg := actions.NewRegistry()
	calls := 0
	require.NoError(t, reg.RegisterFunc("notify", "", func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		calls++
		return nil, errors.New("connection reset")
	}))
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	exec := NewActionExecutor(reg, breakers)

	_, err := exec.Execute(context.Background(), stepRun(planNode(t, actionStep(t, "a1", 1, schema.StepConfig{Action: "missing"})), nil))
	requireCode(t, err, schema.ErrCodeActionUnavailable)

	unresolved := actionStep(t, "a2", 1, schema.StepConfig{Action: "notify", Params: map[string]any{"to": "{{trigger.email}}"}})
	_, err = exec.Execute(context.Background(), stepRun(planNode(t, unresolved), ticketContext()))
	requireCode(t, err, schema.ErrCodeInterpolation)
	assert.Zero(t, calls)

	run := stepRun(planNode(t, actionStep(t, "a3", 1, schema.StepConfig{Action: "notify"})), nil)
	_, err = exec.Execute(context.Background(), run)
	require.Error(t, err)
	_, err = exec.Execute(context.Background(), run)
	requireCode(t, err, schema.ErrCodeCircuitOpen)
	assert.Equal(t, 1, calls)
}
