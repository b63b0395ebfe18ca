package actions

import "encoding/json"

// Param helpers used by all action files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func mapParam(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key].(map[string]any)
	return v, ok
}

func marshalOutput(name string, v any) (*ActionOutput, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, executionError(name, "marshal output", err)
	}
	return &ActionOutput{Data: data}, nil
}
