package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/ai"
	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/ledger"
	"github.com/rendis/autoflow/internal/prompts"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

type workflowMap map[string]*schema.Workflow

func (m workflowMap) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	wf, ok := m[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	return wf, nil
}

type promptMap map[string]*schema.Prompt

func (m promptMap) GetPrompt(_ context.Context, name string, _ int) (*schema.Prompt, error) {
	p, ok := m[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "prompt %s not found", name)
	}
	return p, nil
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// harness wires a Runner to a real ledger and in-memory definitions.
type harness struct {
	workflows workflowMap
	prompts   promptMap
	actions   *actions.Registry
	completer ai.Completer
	ledger    *ledger.Ledger
	clock     *fakeClock
	runner    *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})

	h := &harness{
		workflows: workflowMap{},
		prompts: promptMap{
			"classify": {
				Name: "classify", Version: 1, ModelName: "test-model",
				SystemPromptText:  "Classify this ticket: {{trigger.subject}}",
				ResponseVariables: []string{"category"},
				Status:            schema.PromptStatusActive,
			},
		},
		actions: actions.NewRegistry(),
		completer: ai.CompleterFunc(func(context.Context, *prompts.Request) (*ai.Response, error) {
			return &ai.Response{
				Text:  `{"category":"urgent"}`,
				Usage: schema.TokenUsage{Input: 10, Output: 5, Total: 15},
				Cost:  0.01,
			}, nil
		}),
		ledger: ledger.New(s, nil),
		clock:  newFakeClock(),
	}

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	breakers := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	completer := ai.CompleterFunc(func(ctx context.Context, req *prompts.Request) (*ai.Response, error) {
		return h.completer.Complete(ctx, req)
	})

	h.runner, err = NewRunner(RunnerConfig{
		Workflows: h.workflows,
		Ledger:    h.ledger,
		Executors: map[schema.StepType]StepExecutor{
			schema.StepTypeAIPrompt:  NewAIExecutor(h.prompts, completer, breakers, nil),
			schema.StepTypeCondition: NewConditionExecutor(conditions.NewEvaluator(expressions.NewSet(cel, expressions.NewExprEngine()))),
			schema.StepTypeAction:    NewActionExecutor(h.actions, breakers),
		},
		Clock: h.clock,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) register(t *testing.T, name string, fn actions.HandlerFunc) {
	t.Helper()
	require.NoError(t, h.actions.RegisterFunc(name, "", fn))
}

func (h *harness) run(t *testing.T, wf *schema.Workflow) *RunResult {
	t.Helper()
	h.workflows[wf.ID] = wf
	res, err := h.runner.Run(context.Background(), RunRequest{
		Workflow:     wf,
		TriggerEvent: wf.TriggerEvent,
		Trigger:      schema.TriggeringObject{Kind: "email", ID: "email-1", Payload: map[string]any{"subject": "server down"}},
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func (h *harness) logs(t *testing.T, execID string) []*schema.ExecutionLog {
	t.Helper()
	logs, err := h.ledger.Logs(context.Background(), execID)
	require.NoError(t, err)
	return logs
}

// stepLogs returns the logs of one step in insertion order.
func stepLogs(logs []*schema.ExecutionLog, stepID string) []*schema.ExecutionLog {
	var out []*schema.ExecutionLog
	for _, l := range logs {
		if l.StepID == stepID {
			out = append(out, l)
		}
	}
	return out
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func aiStep(id string, order int) schema.WorkflowStep {
	return schema.WorkflowStep{ID: id, Name: id, StepOrder: order, Type: schema.StepTypeAIPrompt, PromptName: "classify"}
}

func actionStep(t *testing.T, id string, order int, cfg schema.StepConfig) schema.WorkflowStep {
	return schema.WorkflowStep{ID: id, Name: id, StepOrder: order, Type: schema.StepTypeAction, Config: rawJSON(t, cfg)}
}

func conditionStep(t *testing.T, id string, order int, rules schema.ConditionRules) schema.WorkflowStep {
	return schema.WorkflowStep{
		ID: id, Name: id, StepOrder: order, Type: schema.StepTypeCondition,
		ConditionRules: rawJSON(t, rules),
	}
}

func okAction(calls *int) actions.HandlerFunc {
	return func(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
		*calls++
		return &actions.ActionOutput{Data: json.RawMessage(`{"ok":true}`)}, nil
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var e *schema.Error
	require.True(t, errors.As(err, &e), "expected *schema.Error, got %T: %v", err, err)
	assert.Equal(t, code, e.Code)
}

func fixedAnswer(text string) ai.Completer {
	return ai.CompleterFunc(func(context.Context, *prompts.Request) (*ai.Response, error) {
		return &ai.Response{Text: text}, nil
	})
}

func countingAnswer(calls *int, text string) ai.Completer {
	return ai.CompleterFunc(func(context.Context, *prompts.Request) (*ai.Response, error) {
		*calls++
		return &ai.Response{Text: text}, nil
	})
}
