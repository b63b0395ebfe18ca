package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/autoflow/pkg/schema"
)

// celVariables are the top-level names an expression may reference.
var celVariables = []string{"trigger", "actor", "workflow", "schedule", "steps", "context"}

// CELEngine evaluates Common Expression Language rules.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine. The environment exposes:
//   - trigger:  the triggering object (event, kind, id, payload fields)
//   - actor:    the explicit identity passed with the trigger
//   - workflow: workflow metadata (id, name, execution_id)
//   - schedule: schedule metadata for scheduled runs
//   - steps:    step outputs keyed by context key
//   - context:  the whole run context
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against data. data is usually a run context snapshot; it is also bound
// as the "context" variable.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation binds the declared variables. Missing keys default to
// empty maps so CEL does not fail on absent namespaces.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		if v, ok := data[key].(map[string]any); ok {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	if data != nil {
		if _, declared := data["context"]; !declared {
			activation["context"] = data
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
