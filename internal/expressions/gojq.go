package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/autoflow/pkg/schema"
)

// GoJQEngine evaluates jq programs. AI_PROMPT steps use it to project
// fields out of structured completions (the step's "extract" map).
// Thread-safe: compiled code is cached.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new jq engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq program with data as input. A single output is
// returned as is; several are collected into a []any; none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.EvaluateValue(ctx, expression, data)
}

// EvaluateValue is Evaluate for arbitrary JSON input (arrays, scalars).
// Input is normalized to jq's number model first.
func (e *GoJQEngine) EvaluateValue(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(input))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// No access to the process environment.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts Go integer types to float64; gojq only accepts
// JSON-shaped values.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
