package conditions

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Operators by field type.
const (
	OpIs          = "is"
	OpIsNot       = "is_not"
	OpContains    = "contains"
	OpNotContains = "not_contains"

	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpGreater        = "greater"
	OpLess           = "less"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"

	OpIsTrue  = "is_true"
	OpIsFalse = "is_false"

	OpBefore = "before"
	OpAfter  = "after"
	OpOn     = "on"
)

// operatorsByType lists the operators valid for each field type.
var operatorsByType = map[schema.FieldType][]string{
	schema.FieldText:    {OpIs, OpIsNot, OpContains, OpNotContains},
	schema.FieldNumber:  {OpEquals, OpNotEquals, OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual},
	schema.FieldBoolean: {OpIsTrue, OpIsFalse},
	schema.FieldDate:    {OpBefore, OpAfter, OpOn},
	schema.FieldEnum:    {OpIs, OpIsNot},
}

// Operators returns the operators accepted for t.
func Operators(t schema.FieldType) []string {
	return operatorsByType[t]
}

// fieldType returns the declared type, or infers one from the operator.
func fieldType(r schema.Rule) schema.FieldType {
	if r.Type != "" {
		return r.Type
	}
	switch r.Operator {
	case OpIsTrue, OpIsFalse:
		return schema.FieldBoolean
	case OpEquals, OpNotEquals, OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual:
		return schema.FieldNumber
	case OpBefore, OpAfter, OpOn:
		return schema.FieldDate
	}
	if _, isList := r.Value.([]any); isList {
		return schema.FieldEnum
	}
	return schema.FieldText
}

func supports(t schema.FieldType, op string) bool {
	for _, o := range operatorsByType[t] {
		if o == op {
			return true
		}
	}
	return false
}

// compareText: exact match for is/is_not, substring for contains.
func compareText(op string, actual, expected any) bool {
	a, ok := asText(actual)
	if !ok {
		return false
	}
	e, ok := asText(expected)
	if !ok {
		return false
	}
	switch op {
	case OpIs:
		return a == e
	case OpIsNot:
		return a != e
	case OpContains:
		return strings.Contains(a, e)
	case OpNotContains:
		return !strings.Contains(a, e)
	}
	return false
}

func compareNumber(op string, actual, expected any) bool {
	a, ok := asNumber(actual)
	if !ok {
		return false
	}
	e, ok := asNumber(expected)
	if !ok {
		return false
	}
	switch op {
	case OpEquals:
		return a == e
	case OpNotEquals:
		return a != e
	case OpGreater:
		return a > e
	case OpLess:
		return a < e
	case OpGreaterOrEqual:
		return a >= e
	case OpLessOrEqual:
		return a <= e
	}
	return false
}

func compareBoolean(op string, actual any) bool {
	b, ok := asBool(actual)
	if !ok {
		return false
	}
	switch op {
	case OpIsTrue:
		return b
	case OpIsFalse:
		return !b
	}
	return false
}

// compareDate compares instants for before/after and UTC calendar days
// for on. The expected value "now" is resolved against the evaluator clock.
func compareDate(op string, actual, expected any, now time.Time) bool {
	a, ok := asTime(actual, now)
	if !ok {
		return false
	}
	e, ok := asTime(expected, now)
	if !ok {
		return false
	}
	switch op {
	case OpBefore:
		return a.Before(e)
	case OpAfter:
		return a.After(e)
	case OpOn:
		ay, am, ad := a.UTC().Date()
		ey, em, ed := e.UTC().Date()
		return ay == ey && am == em && ad == ed
	}
	return false
}

// compareEnum matches one value or membership in a list of values.
func compareEnum(op string, actual, expected any) bool {
	a, ok := asText(actual)
	if !ok {
		return false
	}
	var options []any
	if list, isList := expected.([]any); isList {
		options = list
	} else {
		options = []any{expected}
	}
	member := false
	for _, o := range options {
		if s, ok := asText(o); ok && s == a {
			member = true
			break
		}
	}
	switch op {
	case OpIs:
		return member
	case OpIsNot:
		return !member
	}
	return false
}

func asText(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	case json.Number:
		return val.String(), true
	}
	return "", false
}

func asNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		return b, err == nil
	}
	return false, false
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, time.DateTime, time.DateOnly}

func asTime(v any, now time.Time) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		s := strings.TrimSpace(val)
		if s == "now" {
			return now, true
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	case float64:
		// Unix seconds.
		return time.Unix(int64(val), 0).UTC(), true
	}
	return time.Time{}, false
}
