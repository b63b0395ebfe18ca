// Package conditions evaluates CONDITION step rules against a run context.
// Absent or mistyped data never raises: it makes the comparison false.
package conditions

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// Data is the read side of a run context.
type Data interface {
	Lookup(path string) (any, bool)
	Snapshot() map[string]any
}

// Evaluator evaluates structured rules and expression rules.
type Evaluator struct {
	engines *expressions.Set
	now     func() time.Time
}

// NewEvaluator creates an Evaluator. engines may be nil when only
// structured rules are used.
func NewEvaluator(engines *expressions.Set) *Evaluator {
	return &Evaluator{engines: engines, now: time.Now}
}

// WithClock overrides the clock used for the "now" date operand.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate returns the boolean value of rules against data. It never
// fails: anything that cannot be evaluated is false.
func (e *Evaluator) Evaluate(ctx context.Context, rules schema.ConditionRules, data Data) bool {
	ok, _ := e.Check(ctx, rules, data)
	return ok
}

// Check is Evaluate with diagnostics. The error explains why a branch
// resolved to false when the rules themselves are faulty (unknown operator,
// expression error); missing data is not an error. A non-nil error always
// comes with false.
func (e *Evaluator) Check(ctx context.Context, rules schema.ConditionRules, data Data) (bool, error) {
	if rules.Empty() {
		return false, nil
	}
	var snapshot map[string]any
	return e.group(ctx, rules, data, &snapshot)
}

func (e *Evaluator) group(ctx context.Context, rules schema.ConditionRules, data Data, snapshot *map[string]any) (bool, error) {
	if rules.Empty() {
		return false, nil
	}
	matchAny := rules.Match == "any"

	var firstErr error
	term := func(ok bool, err error) (decided bool) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if matchAny {
			return ok
		}
		return !ok
	}

	for _, r := range rules.Rules {
		if term(e.rule(r, data)) {
			return e.decide(matchAny, firstErr)
		}
	}
	for _, g := range rules.Groups {
		if term(e.group(ctx, g, data, snapshot)) {
			return e.decide(matchAny, firstErr)
		}
	}
	if rules.Expression != "" {
		if *snapshot == nil {
			*snapshot = data.Snapshot()
		}
		if term(e.expression(ctx, rules, *snapshot)) {
			return e.decide(matchAny, firstErr)
		}
	}

	// No term decided the group: "all" held for every term, "any" for none.
	if matchAny {
		return false, firstErr
	}
	return true, nil
}

// decide is the result when a term short-circuits the group.
func (e *Evaluator) decide(matchAny bool, err error) (bool, error) {
	if matchAny {
		return true, nil
	}
	return false, err
}

func (e *Evaluator) rule(r schema.Rule, data Data) (bool, error) {
	t := fieldType(r)
	if !supports(t, r.Operator) {
		return false, schema.NewErrorf(schema.ErrCodeConfiguration,
			"operator %q is not valid for %s fields", r.Operator, t).
			WithDetails(map[string]any{"field": r.Path(), "allowed": Operators(t)})
	}

	actual, found := data.Lookup(r.Path())
	if !found || actual == nil {
		return false, nil
	}

	switch t {
	case schema.FieldText:
		return compareText(r.Operator, actual, r.Value), nil
	case schema.FieldNumber:
		return compareNumber(r.Operator, actual, r.Value), nil
	case schema.FieldBoolean:
		return compareBoolean(r.Operator, actual), nil
	case schema.FieldDate:
		return compareDate(r.Operator, actual, r.Value, e.now()), nil
	case schema.FieldEnum:
		return compareEnum(r.Operator, actual, r.Value), nil
	}
	return false, nil
}

func (e *Evaluator) expression(ctx context.Context, rules schema.ConditionRules, snapshot map[string]any) (bool, error) {
	if e.engines == nil {
		return false, errors.New("expression rules are not enabled")
	}
	engine, err := e.engines.Get(rules.Engine)
	if err != nil {
		return false, err
	}
	out, err := engine.Evaluate(ctx, rules.Expression, snapshot)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"expression %q returned %T, want bool", rules.Expression, out)
	}
	return b, nil
}
