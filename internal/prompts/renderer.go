// Package prompts binds prompt templates to a run context and parses the
// structured answers that come back.
package prompts

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// Lookuper resolves dotted context paths.
type Lookuper interface {
	Lookup(path string) (any, bool)
}

// Request is the literal request handed to the completion executor.
type Request struct {
	PromptName    string                  `json:"prompt_name"`
	PromptVersion int                     `json:"prompt_version"`
	Model         string                  `json:"model"`
	System        string                  `json:"system"`
	User          string                  `json:"user,omitempty"`
	Config        schema.GenerationConfig `json:"generation_config"`
	// Variables holds the value bound to each declared variable.
	Variables map[string]string `json:"variables,omitempty"`
}

// Text returns the full rendered prompt as one string.
func (r *Request) Text() string {
	if r.User == "" {
		return r.System
	}
	return r.System + "\n\n" + r.User
}

// Render substitutes the prompt's placeholders from data and appends the
// formatting instruction derived from its declared response shape.
//
// A placeholder naming a declared variable takes that variable's value; any
// other placeholder is read as a context path. A required variable with no
// value and no default, or an undeclared placeholder that does not resolve,
// is a configuration error.
func Render(p *schema.Prompt, data Lookuper) (*Request, error) {
	if p == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "prompt is nil")
	}

	vars, err := bindVariables(p, data)
	if err != nil {
		return nil, err
	}

	replace := func(path string) (string, error) {
		if v, ok := vars[path]; ok {
			return v, nil
		}
		if v, ok := data.Lookup(path); ok {
			return expressions.InlineString(v), nil
		}
		return "", schema.NewErrorf(schema.ErrCodeConfiguration,
			"prompt %s v%d: unresolved placeholder {{%s}}", p.Name, p.Version, path).
			WithDetails(map[string]any{"prompt": p.Name, "variable": path})
	}

	system, err := expressions.Substitute(p.SystemPromptText, replace)
	if err != nil {
		return nil, asConfiguration(p, err)
	}
	user, err := expressions.Substitute(p.UserPromptText, replace)
	if err != nil {
		return nil, asConfiguration(p, err)
	}

	if instr := FormatInstruction(p); instr != "" {
		system = strings.TrimRight(system, "\n") + "\n\n" + instr
	}

	return &Request{
		PromptName:    p.Name,
		PromptVersion: p.Version,
		Model:         p.ModelName,
		System:        system,
		User:          user,
		Config:        p.GenerationConfig,
		Variables:     vars,
	}, nil
}

func bindVariables(p *schema.Prompt, data Lookuper) (map[string]string, error) {
	vars := make(map[string]string, len(p.TemplateVariables))
	var missing []string
	for _, v := range p.TemplateVariables {
		if v.Name == "" {
			continue
		}
		val, ok := data.Lookup(v.Path())
		if !ok || val == nil {
			switch {
			case v.Default != nil:
				val = v.Default
			case v.Required:
				missing = append(missing, v.Name)
				continue
			default:
				val = ""
			}
		}
		vars[v.Name] = expressions.InlineString(val)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"prompt %s v%d: unresolved required template variables: %s",
			p.Name, p.Version, strings.Join(missing, ", ")).
			WithDetails(map[string]any{"prompt": p.Name, "missing": missing})
	}
	return vars, nil
}

// asConfiguration keeps placeholder syntax errors in the configuration
// class: they come from the template, not from the run.
func asConfiguration(p *schema.Prompt, err error) error {
	if schema.IsConfigurationError(err) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConfiguration, "prompt %s v%d: %s", p.Name, p.Version, err.Error()).
		WithCause(err)
}

// FormatInstruction returns the machine-readable answer format appended to
// the system text, or "" when the prompt declares no response shape.
func FormatInstruction(p *schema.Prompt) string {
	if tmpl := bytes.TrimSpace(p.ResponseJSONTemplate); len(tmpl) > 0 && string(tmpl) != "null" {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, tmpl, "", "  "); err != nil {
			pretty.Reset()
			pretty.Write(tmpl)
		}
		return "Respond only with a JSON object matching this template:\n" + pretty.String()
	}
	if len(p.ResponseVariables) > 0 {
		return "Respond only with a JSON object with the keys: " + strings.Join(p.ResponseVariables, ", ")
	}
	return ""
}
