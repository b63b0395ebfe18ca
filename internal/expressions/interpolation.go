package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/autoflow/pkg/schema"
)

// Placeholders are written {{path}}, whitespace inside the braces ignored.
const (
	openToken  = "{{"
	closeToken = "}}"
)

// LookupFunc resolves one placeholder path.
type LookupFunc func(path string) (any, bool)

// Resolve substitutes placeholders throughout v (strings, maps, slices).
// A string that consists of exactly one placeholder takes the referenced
// value with its type; placeholders embedded in longer strings are
// stringified. Every placeholder must resolve.
func Resolve(v any, lookup LookupFunc) (any, error) {
	switch val := v.(type) {
	case string:
		if path, ok := wholeToken(val); ok {
			out, found := lookup(path)
			if !found {
				return nil, unresolved(path)
			}
			return out, nil
		}
		return Substitute(val, func(path string) (string, error) {
			out, found := lookup(path)
			if !found {
				return "", unresolved(path)
			}
			return marshalInline(out), nil
		})
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := Resolve(item, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := Resolve(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveParams is Resolve for an action's parameter map.
func ResolveParams(params map[string]any, lookup LookupFunc) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out, err := Resolve(params, lookup)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// Substitute replaces every placeholder in s with replace(path).
func Substitute(s string, replace func(path string) (string, error)) (string, error) {
	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openToken)
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + len(openToken)

		end := strings.Index(s[start:], closeToken)
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed {{ placeholder")
		}
		end += start

		path := strings.TrimSpace(s[start:end])
		if path == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty placeholder {{}}")
		}
		if strings.Contains(path, openToken) {
			return "", schema.NewErrorf(schema.ErrCodeInterpolation, "nested placeholder in {{%s}}", path)
		}

		val, err := replace(path)
		if err != nil {
			return "", err
		}
		b.WriteString(val)
		i = end + len(closeToken)
	}
	return b.String(), nil
}

func wholeToken(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, openToken) || !strings.HasSuffix(t, closeToken) {
		return "", false
	}
	inner := t[len(openToken) : len(t)-len(closeToken)]
	if strings.Contains(inner, openToken) || strings.Contains(inner, closeToken) {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	return inner, inner != ""
}

func unresolved(path string) error {
	return schema.NewErrorf(schema.ErrCodeInterpolation, "unresolved placeholder {{%s}}", path).
		WithDetails(map[string]any{"path": path})
}

// marshalInline renders a resolved value for embedding in text. Strings are
// written as is; objects and lists as compact JSON.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// InlineString renders a context value the way placeholders embed it.
func InlineString(v any) string {
	return marshalInline(v)
}
