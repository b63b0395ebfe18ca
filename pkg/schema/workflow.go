package schema

import (
	"encoding/json"
	"time"
)

// Workflow is a named, activatable automation bound to a trigger event.
type Workflow struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	TriggerEvent string         `json:"trigger_event"`
	IsActive     bool           `json:"is_active"`
	Steps        []WorkflowStep `json:"steps,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
}

// StepType enumerates the kinds of workflow steps.
type StepType string

const (
	StepTypeAIPrompt  StepType = "AI_PROMPT"
	StepTypeCondition StepType = "CONDITION"
	StepTypeAction    StepType = "ACTION"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeAIPrompt, StepTypeCondition, StepTypeAction:
		return true
	}
	return false
}

// Branch tags a child of a CONDITION step.
type Branch string

const (
	BranchNone  Branch = ""
	BranchTrue  Branch = "true"
	BranchFalse Branch = "false"
)

// BranchFor maps a condition result to its branch tag.
func BranchFor(result bool) Branch {
	if result {
		return BranchTrue
	}
	return BranchFalse
}

// WorkflowStep is one flat, branch-annotated step record.
// Branch membership lives inside Config (parent_step_id + branch).
type WorkflowStep struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	StepOrder      int             `json:"step_order"`
	Name           string          `json:"name"`
	Type           StepType        `json:"step_type"`
	PromptName     string          `json:"prompt_name,omitempty"`
	Config         json.RawMessage `json:"step_config,omitempty"`
	ConditionRules json.RawMessage `json:"condition_rules,omitempty"`
	DelayMinutes   int             `json:"delay_minutes"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

// StepConfig is the decoded form of WorkflowStep.Config.
type StepConfig struct {
	ParentStepID  string            `json:"parent_step_id,omitempty"`
	Branch        Branch            `json:"branch,omitempty"`
	Key           string            `json:"key,omitempty"`
	Action        string            `json:"action,omitempty"`
	Params        map[string]any    `json:"params,omitempty"`
	Required      bool              `json:"required,omitempty"`
	Enabled       *bool             `json:"enabled,omitempty"`
	Retry         *RetryPolicy      `json:"retry,omitempty"`
	Timeout       string            `json:"timeout,omitempty"`
	Extract       map[string]string `json:"extract,omitempty"`
	PromptVersion int               `json:"prompt_version,omitempty"`
}

// IsEnabled reports whether the step should run. Steps are enabled unless
// explicitly switched off.
func (c *StepConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// DecodeConfig parses the step's configuration blob. An empty blob yields a
// zero StepConfig.
func (s *WorkflowStep) DecodeConfig() (StepConfig, error) {
	var cfg StepConfig
	if len(s.Config) == 0 || string(s.Config) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(s.Config, &cfg); err != nil {
		return cfg, NewErrorf(ErrCodeConfiguration, "invalid step_config: %s", err.Error()).
			WithStep(s.ID).WithCause(err)
	}
	return cfg, nil
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Max      int    `json:"max"`
	Backoff  string `json:"backoff,omitempty"` // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
}

// ConditionRules is the structured boolean expression of a CONDITION step.
type ConditionRules struct {
	Match      string           `json:"match,omitempty"` // all | any (default all)
	Rules      []Rule           `json:"rules,omitempty"`
	Groups     []ConditionRules `json:"groups,omitempty"`
	Expression string           `json:"expression,omitempty"`
	Engine     string           `json:"engine,omitempty"` // cel | expr (default cel)
}

// Empty reports whether the rules contain nothing to evaluate.
func (r *ConditionRules) Empty() bool {
	return len(r.Rules) == 0 && len(r.Groups) == 0 && r.Expression == ""
}

// FieldType declares how a rule compares its operands.
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
	FieldEnum    FieldType = "enum"
)

// Rule is a single (source, field, operator, value) comparison.
// Source is "trigger" or a step key; an empty source means Field is a full
// context path.
type Rule struct {
	Source   string    `json:"source,omitempty"`
	Field    string    `json:"field"`
	Type     FieldType `json:"type,omitempty"`
	Operator string    `json:"operator"`
	Value    any       `json:"value,omitempty"`
}

// Path returns the dotted context path the rule reads.
func (r Rule) Path() string {
	if r.Source == "" {
		return r.Field
	}
	if r.Field == "" {
		return r.Source
	}
	return r.Source + "." + r.Field
}
