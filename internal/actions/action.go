package actions

import (
	"context"
	"encoding/json"
)

// Action is a named side effect an ACTION step invokes.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(params map[string]any) error
}

// ActionSchema describes the input/output contract of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time. Params
// have already had their {{path}} tokens substituted.
type ActionInput struct {
	Params  map[string]any `json:"params"`
	Context map[string]any `json:"context,omitempty"`
	Meta    Meta           `json:"meta"`
}

// Meta identifies the step attempt invoking an action.
type Meta struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Attempt     int    `json:"attempt"`
}

// IdempotencyKey is stable across retries of the same step in the same run,
// so downstream systems can deduplicate side effects.
func (m Meta) IdempotencyKey() string {
	return m.ExecutionID + ":" + m.StepID
}

// ActionOutput is the result of an action execution. Set holds top-level
// context entries the run should merge in after the step succeeds.
type ActionOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
	Set  map[string]any  `json:"set,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HandlerFunc adapts a plain function into an Action with no parameter
// validation.
type HandlerFunc func(ctx context.Context, input ActionInput) (*ActionOutput, error)

type funcAction struct {
	name        string
	description string
	fn          HandlerFunc
}

func (f *funcAction) Name() string                 { return f.name }
func (f *funcAction) Schema() ActionSchema         { return ActionSchema{Description: f.description} }
func (f *funcAction) Validate(map[string]any) error { return nil }

func (f *funcAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	return f.fn(ctx, input)
}
