package prompts

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

func triagePrompt() *schema.Prompt {
	temp := 0.2
	return &schema.Prompt{
		Name:             "triage",
		Version:          3,
		ModelName:        "gemini-2.0-flash",
		SystemPromptText: "You triage support email for {{client}}.",
		UserPromptText:   "Subject: {{subject}}\nBody: {{trigger.body}}",
		TemplateVariables: []schema.TemplateVariable{
			{Name: "subject", Source: "trigger.subject", Required: true},
			{Name: "client", Source: "trigger.client.name", Default: "our customer"},
		},
		GenerationConfig:     schema.GenerationConfig{Temperature: &temp, MaxOutputTokens: 256},
		ResponseJSONTemplate: json.RawMessage(`{"category":"urgent|normal","summary":"..."}`),
	}
}

func data(trigger map[string]any) *expressions.Context {
	return expressions.NewContext(map[string]any{expressions.KeyTrigger: trigger})
}

func TestRender(t *testing.T) {
	req, err := Render(triagePrompt(), data(map[string]any{
		"subject": "Server down",
		"body":    "Nothing works since 9am.",
		"client":  map[string]any{"name": "Acme"},
	}))
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.0-flash", req.Model)
	assert.Equal(t, 3, req.PromptVersion)
	assert.Equal(t, 256, req.Config.MaxOutputTokens)
	assert.True(t, strings.HasPrefix(req.System, "You triage support email for Acme."))
	assert.Contains(t, req.System, "Respond only with a JSON object matching this template:")
	assert.Contains(t, req.System, `"category": "urgent|normal"`)
	assert.Equal(t, "Subject: Server down\nBody: Nothing works since 9am.", req.User)
	assert.Equal(t, map[string]string{"subject": "Server down", "client": "Acme"}, req.Variables)
	assert.Contains(t, req.Text(), "Subject: Server down")
}

func TestRender_DefaultsAndOptional(t *testing.T) {
	p := triagePrompt()
	p.TemplateVariables = append(p.TemplateVariables, schema.TemplateVariable{Name: "note", Source: "trigger.note"})
	p.SystemPromptText += " {{note}}"

	req, err := Render(p, data(map[string]any{"subject": "s", "body": "b"}))
	require.NoError(t, err)
	assert.Contains(t, req.System, "for our customer.")
	assert.NotContains(t, req.System, "{{")
}

func TestRender_MissingRequiredVariable(t *testing.T) {
	_, err := Render(triagePrompt(), data(map[string]any{"body": "b"}))
	require.Error(t, err)
	assert.True(t, schema.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "subject")
}

func TestRender_UndeclaredPlaceholderMustResolve(t *testing.T) {
	p := triagePrompt()
	_, err := Render(p, data(map[string]any{"subject": "s"}))
	require.Error(t, err, "{{trigger.body}} is undeclared and absent")
	assert.True(t, schema.IsConfigurationError(err))
}

func TestRender_MalformedTemplate(t *testing.T) {
	p := &schema.Prompt{Name: "bad", SystemPromptText: "Hello {{name"}
	_, err := Render(p, data(nil))
	require.Error(t, err)
	assert.True(t, schema.IsConfigurationError(err))
}

func TestRender_ResponseVariablesInstruction(t *testing.T) {
	p := &schema.Prompt{Name: "p", SystemPromptText: "x", ResponseVariables: []string{"a", "b"}}
	req, err := Render(p, data(nil))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(req.System, "Respond only with a JSON object with the keys: a, b"))

	plain := &schema.Prompt{Name: "p", SystemPromptText: "x"}
	assert.Empty(t, FormatInstruction(plain))
}

// Rendering with every declared variable present leaves no placeholder.
func TestRender_NoPlaceholdersRemain(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(6)
		p := &schema.Prompt{Name: fmt.Sprintf("p%d", i)}
		trigger := make(map[string]any, n)
		var parts []string
		for j := 0; j < n; j++ {
			name := fmt.Sprintf("v%d", j)
			p.TemplateVariables = append(p.TemplateVariables,
				schema.TemplateVariable{Name: name, Source: "trigger." + name, Required: rng.Intn(2) == 0})
			switch rng.Intn(3) {
			case 0:
				trigger[name] = fmt.Sprintf("value %d", rng.Int())
			case 1:
				trigger[name] = rng.Float64()
			default:
				trigger[name] = map[string]any{"nested": j}
			}
			parts = append(parts, strings.Repeat("text ", rng.Intn(3))+"{{ "+name+" }}")
		}
		p.SystemPromptText = strings.Join(parts, " / ")

		req, err := Render(p, data(trigger))
		require.NoError(t, err)
		assert.NotContains(t, req.Text(), "{{")
	}
}
