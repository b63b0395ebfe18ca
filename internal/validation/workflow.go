package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/internal/graph"
	"github.com/rendis/autoflow/pkg/schema"
)

// ActionLookup reports whether an action handler is registered.
type ActionLookup interface {
	Has(name string) bool
}

// PromptLookup reports whether a prompt version can be resolved.
// version 0 means the latest active version.
type PromptLookup interface {
	HasPrompt(ctx context.Context, name string, version int) bool
}

// WorkflowValidator runs the authoring checks applied before a workflow's
// steps are saved:
//  1. structural: step_config and condition_rules against embedded schemas
//  2. semantic: actions, prompts, operators per field type, durations
//  3. plan: graph.Build (branch pointers, cycles, kind requirements)
type WorkflowValidator struct {
	schemas *SchemaValidator
	actions ActionLookup
	prompts PromptLookup
}

// NewWorkflowValidator creates a WorkflowValidator. actions and prompts may
// be nil to skip the corresponding existence checks.
func NewWorkflowValidator(actions ActionLookup, prompts PromptLookup) (*WorkflowValidator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{schemas: sv, actions: actions, prompts: prompts}, nil
}

// Schemas returns the underlying schema validator.
func (wv *WorkflowValidator) Schemas() *SchemaValidator {
	return wv.schemas
}

// Validate returns every issue found in wf. Structural errors short-circuit
// the plan stage.
func (wv *WorkflowValidator) Validate(ctx context.Context, wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if wf == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return result
	}
	if wf.Name == "" {
		result.AddError("name", schema.ErrCodeValidation, "workflow name is required")
	}
	if wf.TriggerEvent == "" {
		result.AddError("trigger_event", schema.ErrCodeValidation, "trigger_event is required")
	}

	live := 0
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.DeletedAt != nil {
			continue
		}
		live++
		wv.validateStep(ctx, step, result)
	}
	if live == 0 {
		result.AddWarning("steps", schema.ErrCodeValidation, "workflow has no steps")
	}
	if !result.Valid() {
		return result
	}

	plan, err := graph.Build(wf)
	if err != nil {
		var se *schema.Error
		if errors.As(err, &se) {
			result.AddError(pathFor(se.StepID), se.Code, se.Message)
		} else {
			result.AddError("steps", schema.ErrCodeConfiguration, err.Error())
		}
		return result
	}
	warnDeadBranches(plan, result)
	return result
}

// ValidateWorkflow runs Validate and converts the result to an error.
func (wv *WorkflowValidator) ValidateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	return wv.Validate(ctx, wf).ToError()
}

func (wv *WorkflowValidator) validateStep(ctx context.Context, step *schema.WorkflowStep, result *schema.ValidationResult) {
	if !step.Type.Valid() {
		result.AddError(schema.StepPath(step.ID, "step_type"), schema.ErrCodeValidation,
			fmt.Sprintf("unknown step type %q", step.Type))
		return
	}
	if step.DelayMinutes < 0 {
		result.AddError(schema.StepPath(step.ID, "delay_minutes"), schema.ErrCodeValidation, "delay_minutes must not be negative")
	}

	if err := wv.schemas.ValidateStepConfig(step.Config); err != nil {
		for _, v := range violations(err) {
			result.AddError(schema.StepPath(step.ID, "step_config"), schema.ErrCodeValidation, v)
		}
		return
	}
	cfg, err := step.DecodeConfig()
	if err != nil {
		result.AddError(schema.StepPath(step.ID, "step_config"), schema.ErrCodeValidation, err.Error())
		return
	}
	validateDurations(step.ID, cfg, result)

	switch step.Type {
	case schema.StepTypeAIPrompt:
		if step.PromptName == "" {
			result.AddError(schema.StepPath(step.ID, "prompt_name"), schema.ErrCodeValidation, "AI_PROMPT steps need a prompt")
		} else if wv.prompts != nil && !wv.prompts.HasPrompt(ctx, step.PromptName, cfg.PromptVersion) {
			result.AddError(schema.StepPath(step.ID, "prompt_name"), schema.ErrCodeNotFound,
				fmt.Sprintf("prompt %q (version %d) not found", step.PromptName, cfg.PromptVersion))
		}
	case schema.StepTypeCondition:
		wv.validateConditionRules(step, result)
	case schema.StepTypeAction:
		if cfg.Action == "" {
			result.AddError(schema.StepPath(step.ID, "step_config.action"), schema.ErrCodeValidation, "ACTION steps need an action")
		} else if wv.actions != nil && !wv.actions.Has(cfg.Action) {
			result.AddError(schema.StepPath(step.ID, "step_config.action"), schema.ErrCodeActionUnavailable,
				fmt.Sprintf("action %q is not registered", cfg.Action))
		}
	}

	if step.Type != schema.StepTypeCondition && len(step.ConditionRules) > 0 && string(step.ConditionRules) != "null" {
		result.AddWarning(schema.StepPath(step.ID, "condition_rules"), schema.ErrCodeValidation,
			"condition_rules are ignored on non-CONDITION steps")
	}
}

func (wv *WorkflowValidator) validateConditionRules(step *schema.WorkflowStep, result *schema.ValidationResult) {
	path := schema.StepPath(step.ID, "condition_rules")
	if err := wv.schemas.ValidateConditionRules(step.ConditionRules); err != nil {
		for _, v := range violations(err) {
			result.AddError(path, schema.ErrCodeValidation, v)
		}
		return
	}
	var rules schema.ConditionRules
	if len(step.ConditionRules) > 0 {
		if err := json.Unmarshal(step.ConditionRules, &rules); err != nil {
			result.AddError(path, schema.ErrCodeValidation, err.Error())
			return
		}
	}
	if rules.Empty() {
		result.AddWarning(path, schema.ErrCodeValidation, "no rules: the condition always selects the false branch")
		return
	}
	validateGroup(rules, path, result)
}

func validateGroup(rules schema.ConditionRules, path string, result *schema.ValidationResult) {
	for i, r := range rules.Rules {
		typ := r.Type
		if typ == "" {
			continue
		}
		ok := false
		for _, op := range conditions.Operators(typ) {
			if op == r.Operator {
				ok = true
				break
			}
		}
		if !ok {
			result.AddError(fmt.Sprintf("%s.rules[%d].operator", path, i), schema.ErrCodeValidation,
				fmt.Sprintf("operator %q is not valid for %s fields; allowed: %v", r.Operator, typ, conditions.Operators(typ)))
		}
	}
	for i, g := range rules.Groups {
		validateGroup(g, fmt.Sprintf("%s.groups[%d]", path, i), result)
	}
}

func validateDurations(stepID string, cfg schema.StepConfig, result *schema.ValidationResult) {
	check := func(field, value string) {
		if value == "" {
			return
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			result.AddError(schema.StepPath(stepID, "step_config."+field), schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", value))
		}
	}
	check("timeout", cfg.Timeout)
	if cfg.Retry != nil {
		check("retry.delay", cfg.Retry.Delay)
		check("retry.max_delay", cfg.Retry.MaxDelay)
	}
}

// warnDeadBranches flags CONDITION steps with nothing on either branch.
func warnDeadBranches(plan *graph.Plan, result *schema.ValidationResult) {
	var visit func(nodes []*graph.Node)
	visit = func(nodes []*graph.Node) {
		for _, n := range nodes {
			if n.Type() != schema.StepTypeCondition {
				continue
			}
			t, f := n.Children(schema.BranchTrue), n.Children(schema.BranchFalse)
			if len(t) == 0 && len(f) == 0 {
				result.AddWarning(schema.StepPath(n.ID, ""), schema.ErrCodeValidation, "condition has no branch steps")
			}
			visit(t)
			visit(f)
		}
	}
	visit(plan.Root)
}

func pathFor(stepID string) string {
	if stepID == "" {
		return "steps"
	}
	return schema.StepPath(stepID, "")
}
