package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/autoflow/pkg/schema"
)

const (
	stepConfigSchemaURL     = "https://autoflow.dev/schemas/step_config.json"
	conditionRulesSchemaURL = "https://autoflow.dev/schemas/condition_rules.json"
)

// stepConfigSchemaJSON describes the step_config blob of a WorkflowStep.
const stepConfigSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://autoflow.dev/schemas/step_config.json",
  "type": "object",
  "properties": {
    "parent_step_id": { "type": "string", "minLength": 1 },
    "branch": { "type": "string", "enum": ["true", "false", ""] },
    "key": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$" },
    "action": { "type": "string", "minLength": 1 },
    "params": { "type": "object" },
    "required": { "type": "boolean" },
    "enabled": { "type": "boolean" },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0, "maximum": 20 },
        "backoff": { "type": "string", "enum": ["none", "constant", "linear", "exponential"] },
        "delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "timeout": { "$ref": "#/$defs/duration" },
    "extract": {
      "type": "object",
      "additionalProperties": { "type": "string", "minLength": 1 }
    },
    "prompt_version": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": { "type": "string", "pattern": "^([0-9]+(ns|us|µs|ms|s|m|h))+$" }
  }
}`

// conditionRulesSchemaJSON describes condition_rules, including nested groups.
const conditionRulesSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://autoflow.dev/schemas/condition_rules.json",
  "$ref": "#/$defs/group",
  "$defs": {
    "group": {
      "type": "object",
      "properties": {
        "match": { "type": "string", "enum": ["all", "any"] },
        "rules": { "type": "array", "items": { "$ref": "#/$defs/rule" } },
        "groups": { "type": "array", "items": { "$ref": "#/$defs/group" } },
        "expression": { "type": "string" },
        "engine": { "type": "string", "enum": ["cel", "expr"] }
      },
      "additionalProperties": false
    },
    "rule": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "source": { "type": "string" },
        "field": { "type": "string" },
        "type": { "type": "string", "enum": ["text", "number", "boolean", "date", "enum"] },
        "operator": { "type": "string", "minLength": 1 },
        "value": {}
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator validates step configuration blobs and AI structured
// output with JSON Schema Draft 2020-12. Safe for concurrent use.
type SchemaValidator struct {
	stepConfig     *jsonschema.Schema
	conditionRules *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator compiles the embedded schemas.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := newCompiler()
	for url, doc := range map[string]string{
		stepConfigSchemaURL:     stepConfigSchemaJSON,
		conditionRulesSchemaURL: conditionRulesSchemaJSON,
	} {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, parsed); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	stepConfig, err := c.Compile(stepConfigSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile step_config schema: %w", err)
	}
	conditionRules, err := c.Compile(conditionRulesSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile condition_rules schema: %w", err)
	}

	return &SchemaValidator{
		stepConfig:     stepConfig,
		conditionRules: conditionRules,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateStepConfig checks a step_config blob. An empty blob is valid.
func (v *SchemaValidator) ValidateStepConfig(raw json.RawMessage) error {
	return validateRaw(v.stepConfig, raw)
}

// ValidateConditionRules checks a condition_rules blob. An empty blob is valid.
func (v *SchemaValidator) ValidateConditionRules(raw json.RawMessage) error {
	return validateRaw(v.conditionRules, raw)
}

// ValidateOutput validates a parsed AI answer against a JSON Schema given
// as raw bytes. Compiled schemas are cached by content.
func (v *SchemaValidator) ValidateOutput(value any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfiguration, "invalid response schema").WithCause(err)
	}
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize output").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

func validateRaw(s *jsonschema.Schema, raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %s", err.Error()).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

func (v *SchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler and URL per schema so resources never collide.
	url := fmt.Sprintf("autoflow://response-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError flattens a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every leaf violation.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

// violations extracts the leaf messages from an error built by toSchemaError.
func violations(err error) []string {
	e, ok := err.(*schema.Error)
	if !ok {
		return []string{err.Error()}
	}
	if list, ok := e.Details["violations"].([]string); ok {
		return list
	}
	return []string{e.Message}
}
