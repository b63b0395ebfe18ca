package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/autoflow/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. Every top-level context key
// (trigger, step_<id>, aliases) is a variable, so rules read naturally:
// step_s1.category == "urgent" && trigger.priority > 2.
// Thread-safe: compiled programs are cached.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and runs it with
// data as the environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// getOrCompile compiles without a typed environment: run contexts differ in
// shape between runs, so a program must not capture the first one's types.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
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

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
