package expressions

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
)

// Top-level context namespaces.
const (
	KeyTrigger  = "trigger"
	KeyActor    = "actor"
	KeyWorkflow = "workflow"
	KeySchedule = "schedule"
	KeySteps    = "steps"
)

// Context is the accumulating data of one run: trigger data, explicit actor
// identity, workflow metadata and the outputs of completed steps.
//
// Values are stored as JSON-shaped data (maps, slices, strings, float64,
// bool, nil) and deep-copied on the way in and out, so a snapshot handed to
// a step or written to a log never changes afterwards.
type Context struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewContext creates a Context seeded with a copy of initial.
func NewContext(initial map[string]any) *Context {
	data, _ := normalize(initial).(map[string]any)
	if data == nil {
		data = make(map[string]any)
	}
	if _, ok := data[KeySteps].(map[string]any); !ok {
		data[KeySteps] = map[string]any{}
	}
	return &Context{data: data}
}

// Set stores a copy of value under a top-level key.
func (c *Context) Set(key string, value any) {
	v := normalize(value)
	c.mu.Lock()
	c.data[key] = v
	c.mu.Unlock()
}

// Get returns a copy of the value under a top-level key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return deepCopyAny(v), ok
}

// RecordStep stores a step's output under each of keys and under
// steps.<key>. Parsed object fields are promoted so later steps can read
// step_3.category as well as step_3.output.category.
func (c *Context) RecordStep(keys []string, parsed any, raw string) {
	fragment := make(map[string]any)
	if m, ok := normalize(parsed).(map[string]any); ok {
		for k, v := range m {
			fragment[k] = v
		}
	}
	fragment["output"] = normalize(parsed)
	if raw != "" {
		fragment["raw"] = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	steps, _ := c.data[KeySteps].(map[string]any)
	if steps == nil {
		steps = make(map[string]any)
		c.data[KeySteps] = steps
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		c.data[k] = deepCopyAny(fragment)
		steps[k] = deepCopyAny(fragment)
	}
}

// Lookup resolves a dotted path such as "trigger.subject" or
// "step_3.items.0.name". Numeric segments index into lists.
func (c *Context) Lookup(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := LookupPath(c.data, path)
	if !ok {
		return nil, false
	}
	return deepCopyAny(v), true
}

// Snapshot returns a deep copy of the whole context.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.data)
}

// MarshalJSON encodes the current context.
func (c *Context) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.data)
}

// LookupPath walks root along a dotted path. A key that itself contains dots
// is matched before the path is split further.
func LookupPath(root any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	current := root
	rest := path
	for rest != "" {
		switch v := current.(type) {
		case map[string]any:
			if val, ok := v[rest]; ok {
				return val, true
			}
			seg, tail, _ := strings.Cut(rest, ".")
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current, rest = val, tail
		case []any:
			seg, tail, _ := strings.Cut(rest, ".")
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			current, rest = v[i], tail
		default:
			return nil, false
		}
	}
	return current, true
}

// normalize converts v into JSON-shaped data. Maps and slices are copied;
// other composite values go through a JSON round trip.
func normalize(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case json.RawMessage:
		if len(val) == 0 {
			return nil
		}
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return string(val)
		}
		return decoded
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		var decoded any
		if err := json.Unmarshal(b, &decoded); err != nil {
			return nil
		}
		return decoded
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		// Normalized scalars are immutable.
		return v
	}
}
