package engine

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/ai"
	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/graph"
	"github.com/rendis/autoflow/internal/prompts"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

// StepRun is one attempt of one step as seen by an executor.
type StepRun struct {
	Node    *graph.Node
	Context *expressions.Context
	Meta    actions.Meta
}

// StepResult is what an executor produced. Output is merged into the run
// context under the step's keys; Set entries are merged at the top level.
type StepResult struct {
	Output any
	Raw    string
	Branch schema.Branch
	Set    map[string]any
	Usage  schema.TokenUsage
	Cost   float64
	Model  string
}

// StepExecutor executes one kind of step. A result may accompany an error
// when the step spent resources before failing (tokens of an unparseable
// answer).
type StepExecutor interface {
	Execute(ctx context.Context, run *StepRun) (*StepResult, error)
}

// --- AI_PROMPT ---

// PromptSource resolves prompt versions; version 0 is the latest active one.
type PromptSource interface {
	GetPrompt(ctx context.Context, name string, version int) (*schema.Prompt, error)
}

// AIExecutor renders the step's prompt, sends it to the completer and
// parses the answer.
type AIExecutor struct {
	prompts   PromptSource
	completer ai.Completer
	breakers  *CircuitBreakerRegistry
	jq        *expressions.GoJQEngine
	validator *validation.SchemaValidator
}

// NewAIExecutor creates an AIExecutor. validator may be nil to skip JSON
// Schema checks of structured answers.
func NewAIExecutor(p PromptSource, completer ai.Completer, breakers *CircuitBreakerRegistry, validator *validation.SchemaValidator) *AIExecutor {
	if completer == nil {
		completer = ai.Unavailable
	}
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	return &AIExecutor{
		prompts:   p,
		completer: completer,
		breakers:  breakers,
		jq:        expressions.NewGoJQEngine(),
		validator: validator,
	}
}

func (e *AIExecutor) Execute(ctx context.Context, run *StepRun) (*StepResult, error) {
	spec, ok := run.Node.Spec.(*graph.AIPromptSpec)
	if !ok {
		return nil, wrongSpec(run.Node)
	}

	p, err := e.prompts.GetPrompt(ctx, spec.PromptName, spec.PromptVersion)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"prompt %q (version %d) not found", spec.PromptName, spec.PromptVersion).WithStep(run.Node.ID).WithCause(err)
		}
		return nil, err
	}

	req, err := prompts.Render(p, run.Context)
	if err != nil {
		return nil, err
	}

	key := aiBreakerKey(req.Model)
	if err := e.breakers.AllowRequest(key); err != nil {
		return nil, err
	}
	resp, err := e.completer.Complete(ctx, req)
	if err != nil {
		if IsRetryableError(err) {
			e.breakers.RecordFailure(key)
		}
		return nil, err
	}
	e.breakers.RecordSuccess(key)

	res := &StepResult{Raw: resp.Text, Usage: resp.Usage, Cost: resp.Cost, Model: resp.Model}
	if res.Model == "" {
		res.Model = req.Model
	}

	parsed := resp.Parsed
	if parsed == nil {
		if parsed, err = prompts.ParseOutput(p, resp.Text); err != nil {
			return res, err
		}
	}
	if e.validator != nil && prompts.IsJSONSchema(p.ResponseJSONTemplate) {
		if err := e.validator.ValidateOutput(parsed, p.ResponseJSONTemplate); err != nil {
			return res, err
		}
	}
	if len(spec.Extract) > 0 {
		if parsed, err = e.extract(ctx, spec.Extract, parsed); err != nil {
			return res, err
		}
	}
	res.Output = parsed
	return res, nil
}

// extract adds one field per jq projection. Object answers keep their own
// fields; any other answer is kept under "value".
func (e *AIExecutor) extract(ctx context.Context, fields map[string]string, parsed any) (any, error) {
	out := make(map[string]any, len(fields)+1)
	if obj, ok := parsed.(map[string]any); ok {
		for k, v := range obj {
			out[k] = v
		}
	} else {
		out["value"] = parsed
	}
	for field, program := range fields {
		v, err := e.jq.EvaluateValue(ctx, program, parsed)
		if err != nil {
			return nil, err
		}
		out[field] = v
	}
	return out, nil
}

// --- CONDITION ---

// ConditionExecutor selects a CONDITION step's branch.
type ConditionExecutor struct {
	evaluator *conditions.Evaluator
}

// NewConditionExecutor creates a ConditionExecutor.
func NewConditionExecutor(evaluator *conditions.Evaluator) *ConditionExecutor {
	return &ConditionExecutor{evaluator: evaluator}
}

func (e *ConditionExecutor) Execute(ctx context.Context, run *StepRun) (*StepResult, error) {
	spec, ok := run.Node.Spec.(*graph.ConditionSpec)
	if !ok {
		return nil, wrongSpec(run.Node)
	}
	result, checkErr := e.evaluator.Check(ctx, spec.Rules, run.Context)
	branch := schema.BranchFor(result)

	output := map[string]any{"result": result, "branch": string(branch)}
	if checkErr != nil {
		// Faulty rules resolve to false; the reason stays on the log.
		output["error"] = checkErr.Error()
	}
	return &StepResult{Output: output, Raw: strconv.FormatBool(result), Branch: branch}, nil
}

// --- ACTION ---

// ActionInvoker runs named action handlers.
type ActionInvoker interface {
	Has(name string) bool
	Invoke(ctx context.Context, name string, input actions.ActionInput) (*actions.ActionOutput, error)
}

// ActionExecutor substitutes context tokens into an ACTION step's params
// and invokes its handler.
type ActionExecutor struct {
	actions  ActionInvoker
	breakers *CircuitBreakerRegistry
}

// NewActionExecutor creates an ActionExecutor.
func NewActionExecutor(invoker ActionInvoker, breakers *CircuitBreakerRegistry) *ActionExecutor {
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	return &ActionExecutor{actions: invoker, breakers: breakers}
}

func (e *ActionExecutor) Execute(ctx context.Context, run *StepRun) (*StepResult, error) {
	spec, ok := run.Node.Spec.(*graph.ActionSpec)
	if !ok {
		return nil, wrongSpec(run.Node)
	}
	if !e.actions.Has(spec.Action) {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", spec.Action).WithStep(run.Node.ID)
	}

	params, err := expressions.ResolveParams(spec.Params, run.Context.Lookup)
	if err != nil {
		return nil, err
	}

	key := actionBreakerKey(spec.Action)
	if err := e.breakers.AllowRequest(key); err != nil {
		return nil, err
	}
	out, err := e.actions.Invoke(ctx, spec.Action, actions.ActionInput{
		Params:  params,
		Context: run.Context.Snapshot(),
		Meta:    run.Meta,
	})
	if err != nil {
		if IsRetryableError(err) {
			e.breakers.RecordFailure(key)
		}
		return nil, err
	}
	e.breakers.RecordSuccess(key)

	res := &StepResult{Set: out.Set}
	if len(out.Data) > 0 {
		res.Raw = string(out.Data)
		var decoded any
		if err := json.Unmarshal(out.Data, &decoded); err != nil {
			decoded = string(out.Data)
		}
		res.Output = decoded
	}
	return res, nil
}

func wrongSpec(n *graph.Node) error {
	return schema.NewErrorf(schema.ErrCodeConfiguration, "step %s: no executor for %T", n.ID, n.Spec).WithStep(n.ID)
}
