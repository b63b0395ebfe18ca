package expressions

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func lookupIn(data map[string]any) LookupFunc {
	return func(path string) (any, bool) { return LookupPath(data, path) }
}

func TestResolve_WholeTokenKeepsType(t *testing.T) {
	data := map[string]any{
		"trigger": map[string]any{"id": "t-1", "count": 4.0, "tags": []any{"a", "b"}},
	}
	out, err := ResolveParams(map[string]any{
		"id":    "{{trigger.id}}",
		"count": "{{ trigger.count }}",
		"tags":  "{{trigger.tags}}",
		"fixed": 7,
	}, lookupIn(data))
	require.NoError(t, err)

	assert.Equal(t, "t-1", out["id"])
	assert.Equal(t, 4.0, out["count"])
	assert.Equal(t, []any{"a", "b"}, out["tags"])
	assert.Equal(t, 7, out["fixed"])
}

func TestResolve_EmbeddedTokensStringify(t *testing.T) {
	data := map[string]any{
		"trigger": map[string]any{"subject": "Invoice", "amount": 12.5},
		"step_1":  map[string]any{"category": "urgent", "meta": map[string]any{"k": "v"}},
	}
	out, err := Resolve(map[string]any{
		"text": "[{{step_1.category}}] {{trigger.subject}} for {{trigger.amount}}",
		"nested": []any{
			map[string]any{"meta": "meta={{step_1.meta}}"},
		},
	}, lookupIn(data))
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "[urgent] Invoice for 12.5", m["text"])
	assert.Equal(t, `meta={"k":"v"}`, m["nested"].([]any)[0].(map[string]any)["meta"])
}

func TestResolve_Unresolved(t *testing.T) {
	_, err := ResolveParams(map[string]any{"to": "{{trigger.email}}"}, lookupIn(map[string]any{}))
	require.Error(t, err)

	var e *schema.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, schema.ErrCodeInterpolation, e.Code)
	assert.Equal(t, "trigger.email", e.Details["path"])
}

func TestSubstitute_Malformed(t *testing.T) {
	replace := func(string) (string, error) { return "x", nil }

	_, err := Substitute("hello {{name", replace)
	assert.Error(t, err)

	_, err = Substitute("hello {{  }}", replace)
	assert.Error(t, err)

	out, err := Substitute("no placeholders", replace)
	require.NoError(t, err)
	assert.Equal(t, "no placeholders", out)
}

func TestResolveParams_Nil(t *testing.T) {
	out, err := ResolveParams(nil, lookupIn(nil))
	require.NoError(t, err)
	assert.Empty(t, out)
}
