package validation

import (
	"fmt"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// ExpressionChecker validates recurrence expressions.
type ExpressionChecker interface {
	Validate(expr string) error
}

// ValidateSchedule checks a schedule before it is saved. Malformed
// recurrence expressions are rejected here so the dispatcher only ever
// meets them in data written around this check.
func ValidateSchedule(s *schema.Schedule, recurrence ExpressionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if s == nil {
		result.AddError("/", schema.ErrCodeValidation, "schedule is nil")
		return result
	}
	if s.Name == "" {
		result.AddError("name", schema.ErrCodeValidation, "schedule name is required")
	}
	if !s.Item.Kind.Valid() {
		result.AddError("item.kind", schema.ErrCodeValidation,
			fmt.Sprintf("unknown item kind %q", s.Item.Kind))
	}
	if s.Item.ID == "" {
		result.AddError("item.id", schema.ErrCodeValidation, "item id is required")
	}
	if s.StartAt.IsZero() {
		result.AddError("start_at", schema.ErrCodeValidation, "start_at is required")
	}
	if s.EndAt != nil && s.EndAt.Before(s.StartAt) {
		result.AddError("end_at", schema.ErrCodeValidation, "end_at is before start_at")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			result.AddError("timezone", schema.ErrCodeValidation, fmt.Sprintf("unknown timezone %q", s.Timezone))
		}
	}

	if s.IsOnetime {
		if s.RecurrenceExpression != "" {
			result.AddWarning("recurrence_expression", schema.ErrCodeValidation,
				"recurrence_expression is ignored for one-time schedules")
		}
		return result
	}
	if err := recurrence.Validate(s.RecurrenceExpression); err != nil {
		result.AddError("recurrence_expression", schema.ErrCodeConfiguration, err.Error())
	}
	return result
}
