package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

// AssertActions returns the assertion actions. assert.schema is only
// included when a validator is supplied.
func AssertActions(validator *validation.SchemaValidator) []Action {
	acts := []Action{
		&assertEqualsAction{},
		&assertContainsAction{},
	}
	if validator != nil {
		acts = append(acts, &assertSchemaAction{validator: validator})
	}
	return acts
}

// normalizeJSON round-trips v through encoding/json so Go ints and JSON
// float64s compare equal under reflect.DeepEqual.
func normalizeJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

var passResult = json.RawMessage(`{"pass":true}`)

func assertionFailed(params map[string]any, fallback string, details map[string]any) error {
	msg := stringParam(params, "message", "")
	if msg == "" {
		msg = fallback
	}
	return schema.NewError(schema.ErrCodeStepFailed, msg).WithDetails(details)
}

// --- assert.equals ---

type assertEqualsAction struct{}

func (a *assertEqualsAction) Name() string { return "assert.equals" }

func (a *assertEqualsAction) Schema() ActionSchema {
	return ActionSchema{Description: "Fail the step unless 'actual' deep-equals 'expected'"}
}

func (a *assertEqualsAction) Validate(params map[string]any) error {
	if _, ok := params["actual"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'actual' parameter")
	}
	if _, ok := params["expected"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'expected' parameter")
	}
	return nil
}

func (a *assertEqualsAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	actual, expected := input.Params["actual"], input.Params["expected"]
	if !reflect.DeepEqual(normalizeJSON(actual), normalizeJSON(expected)) {
		return nil, assertionFailed(input.Params, "assertion failed: values are not equal",
			map[string]any{"actual": actual, "expected": expected})
	}
	return &ActionOutput{Data: passResult}, nil
}

// --- assert.contains ---

type assertContainsAction struct{}

func (a *assertContainsAction) Name() string { return "assert.contains" }

func (a *assertContainsAction) Schema() ActionSchema {
	return ActionSchema{Description: "Fail the step unless 'haystack' contains 'needle'"}
}

func (a *assertContainsAction) Validate(params map[string]any) error {
	if _, ok := params["haystack"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'haystack' parameter")
	}
	if _, ok := params["needle"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'needle' parameter")
	}
	return nil
}

func (a *assertContainsAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	haystack := input.Params["haystack"]
	needle := input.Params["needle"]
	details := map[string]any{"haystack": haystack, "needle": needle}

	switch hs := haystack.(type) {
	case string:
		if strings.Contains(hs, fmt.Sprintf("%v", needle)) {
			return &ActionOutput{Data: passResult}, nil
		}
	case []any:
		want := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), want) {
				return &ActionOutput{Data: passResult}, nil
			}
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.contains: haystack must be string or array, got %T", haystack)
	}
	return nil, assertionFailed(input.Params, "assertion failed: value not found", details)
}

// --- assert.schema ---

type assertSchemaAction struct {
	validator *validation.SchemaValidator
}

func (a *assertSchemaAction) Name() string { return "assert.schema" }

func (a *assertSchemaAction) Schema() ActionSchema {
	return ActionSchema{Description: "Fail the step unless 'data' conforms to the JSON Schema in 'schema'"}
}

func (a *assertSchemaAction) Validate(params map[string]any) error {
	if _, ok := params["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'data' parameter")
	}
	if _, ok := params["schema"].(map[string]any); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'schema' object parameter")
	}
	return nil
}

func (a *assertSchemaAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	schemaBytes, err := json.Marshal(input.Params["schema"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.schema: serialize schema: %s", err)
	}

	if err := a.validator.ValidateOutput(input.Params["data"], schemaBytes); err != nil {
		var se *schema.Error
		if errors.As(err, &se) && se.Code == schema.ErrCodeConfiguration {
			return nil, err
		}
		details := map[string]any{"error": err.Error()}
		if se != nil && se.Details != nil {
			details["violations"] = se.Details["violations"]
		}
		return nil, assertionFailed(input.Params, "assertion failed: data does not match schema", details)
	}
	return &ActionOutput{Data: passResult}, nil
}
