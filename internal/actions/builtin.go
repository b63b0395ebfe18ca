package actions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, logger *slog.Logger, validator *validation.SchemaValidator, webhookCfg WebhookConfig) error {
	if logger == nil {
		logger = slog.Default()
	}
	all := []Action{
		&logAction{logger: logger},
		&contextSetAction{},
		NewWebhookAction(webhookCfg),
	}
	all = append(all, AssertActions(validator)...)

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

func executionError(action, what string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s: %s: %v", action, what, err).WithCause(err)
}

// --- log ---

type logAction struct {
	logger *slog.Logger
}

func (a *logAction) Name() string { return "log" }

func (a *logAction) Schema() ActionSchema {
	return ActionSchema{Description: "Write a message to the engine log"}
}

func (a *logAction) Validate(params map[string]any) error {
	if _, ok := params["message"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "log requires 'message' string parameter")
	}
	switch stringParam(params, "level", "info") {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "log: unknown level %q", params["level"])
	}
}

func (a *logAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	msg := stringParam(input.Params, "message", "")
	level := parseLevel(stringParam(input.Params, "level", "info"))

	attrs := []slog.Attr{
		slog.String("workflow_id", input.Meta.WorkflowID),
		slog.String("execution_id", input.Meta.ExecutionID),
		slog.String("step_id", input.Meta.StepID),
	}
	if fields, ok := mapParam(input.Params, "fields"); ok {
		for k, v := range fields {
			attrs = append(attrs, slog.Any(k, v))
		}
	}
	a.logger.LogAttrs(ctx, level, msg, attrs...)

	return marshalOutput(a.Name(), map[string]any{"logged": true, "message": msg})
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// --- context.set ---

// contextSetAction copies its "values" parameter into the run context so
// later steps can reference them at the top level.
type contextSetAction struct{}

func (a *contextSetAction) Name() string { return "context.set" }

func (a *contextSetAction) Schema() ActionSchema {
	return ActionSchema{Description: "Set top-level values in the run context"}
}

func (a *contextSetAction) Validate(params map[string]any) error {
	values, ok := mapParam(params, "values")
	if !ok || len(values) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "context.set requires a non-empty 'values' object")
	}
	for k := range values {
		switch k {
		case expressions.KeyTrigger, expressions.KeyActor, expressions.KeyWorkflow, expressions.KeySchedule, expressions.KeySteps:
			return schema.NewErrorf(schema.ErrCodeValidation, "context.set: %q is a reserved context key", k)
		}
	}
	return nil
}

func (a *contextSetAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	values, _ := mapParam(input.Params, "values")
	out, err := marshalOutput(a.Name(), values)
	if err != nil {
		return nil, err
	}
	out.Set = values
	return out, nil
}
