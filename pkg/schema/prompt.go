package schema

import (
	"encoding/json"
	"time"
)

// PromptStatus is the publication state of a prompt version.
type PromptStatus string

const (
	PromptStatusActive   PromptStatus = "active"
	PromptStatusDraft    PromptStatus = "draft"
	PromptStatusArchived PromptStatus = "archived"
)

// Prompt is a versioned template for AI_PROMPT steps. (Name, Version) is
// unique and template text is never edited in place.
type Prompt struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name"`
	Category             string             `json:"category,omitempty"`
	Version              int                `json:"version"`
	SystemPromptText     string             `json:"system_prompt_text"`
	UserPromptText       string             `json:"user_prompt_text,omitempty"`
	ModelName            string             `json:"model_name"`
	GenerationConfig     GenerationConfig   `json:"generation_config"`
	TemplateVariables    []TemplateVariable `json:"template_variables,omitempty"`
	ResponseVariables    []string           `json:"response_variables,omitempty"`
	ResponseJSONTemplate json.RawMessage    `json:"response_json_template,omitempty"`
	Status               PromptStatus       `json:"status"`
	CreatedAt            time.Time          `json:"created_at"`
}

// GenerationConfig carries model tuning parameters through to the completer.
type GenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             int      `json:"top_k,omitempty"`
	MaxOutputTokens  int      `json:"max_output_tokens,omitempty"`
	ResponseMimeType string   `json:"response_mime_type,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
}

// TemplateVariable declares one {{placeholder}} of a prompt.
// Source is the dotted context path; it defaults to Name.
type TemplateVariable struct {
	Name     string `json:"name"`
	Source   string `json:"source,omitempty"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// Path returns the context path used to resolve the variable.
func (v TemplateVariable) Path() string {
	if v.Source != "" {
		return v.Source
	}
	return v.Name
}

// UnmarshalJSON accepts either a bare string (a required variable sourced
// by name) or the full object form.
func (v *TemplateVariable) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*v = TemplateVariable{Name: name, Required: true}
		return nil
	}
	type plain TemplateVariable
	p := plain{Required: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*v = TemplateVariable(p)
	return nil
}
