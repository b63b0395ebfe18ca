package prompts

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rendis/autoflow/pkg/schema"
)

// ExpectsJSON reports whether answers to p are parsed as JSON.
func ExpectsJSON(p *schema.Prompt) bool {
	if len(bytes.TrimSpace(p.ResponseJSONTemplate)) > 0 || len(p.ResponseVariables) > 0 {
		return true
	}
	return strings.Contains(p.GenerationConfig.ResponseMimeType, "json")
}

// ParseOutput decodes a completion according to the prompt's declared
// response shape. Prompts without one yield the trimmed text. JSON answers
// may be wrapped in a markdown fence or surrounded by prose; the first
// JSON object or array is used. Every declared response variable, and
// every top-level key of an example-shaped template, must be present.
func ParseOutput(p *schema.Prompt, raw string) (any, error) {
	if !ExpectsJSON(p) {
		return strings.TrimSpace(raw), nil
	}

	body := extractJSON(raw)
	if body == "" {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"prompt %s: completion contains no JSON", p.Name)
	}
	var parsed any
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"prompt %s: completion is not valid JSON: %s", p.Name, err.Error()).WithCause(err)
	}

	want := expectedKeys(p)
	if len(want) == 0 {
		return parsed, nil
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"prompt %s: completion is %T, want a JSON object", p.Name, parsed)
	}
	var missing []string
	for _, k := range want {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"prompt %s: completion is missing fields: %s", p.Name, strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing": missing})
	}
	return obj, nil
}

// IsJSONSchema reports whether a response template is a JSON Schema
// document rather than an example object.
func IsJSONSchema(tmpl json.RawMessage) bool {
	var probe map[string]any
	if err := json.Unmarshal(tmpl, &probe); err != nil {
		return false
	}
	if _, ok := probe["$schema"]; ok {
		return true
	}
	_, hasProps := probe["properties"].(map[string]any)
	typ, _ := probe["type"].(string)
	return hasProps && typ == "object"
}

func expectedKeys(p *schema.Prompt) []string {
	seen := make(map[string]bool)
	for _, k := range p.ResponseVariables {
		seen[k] = true
	}
	if len(p.ResponseJSONTemplate) > 0 && !IsJSONSchema(p.ResponseJSONTemplate) {
		var tmpl map[string]any
		if err := json.Unmarshal(p.ResponseJSONTemplate, &tmpl); err == nil {
			for k := range tmpl {
				seen[k] = true
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// extractJSON returns the first balanced JSON object or array in s.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if fenced, ok := stripFence(s); ok {
		s = fenced
	}
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func stripFence(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start == -1 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
