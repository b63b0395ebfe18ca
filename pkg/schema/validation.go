package schema

import "fmt"

// ValidationSeverity indicates whether an issue blocks saving a workflow.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one authoring problem, located by a path such as
// "steps[s2].condition_rules.rules[0].operator".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult aggregates the issues found while validating a workflow
// or schedule.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings are acceptable.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge appends other's issues to r, prefixing their paths with prefix
// when it is not empty.
func (r *ValidationResult) Merge(prefix string, other *ValidationResult) {
	if other == nil {
		return
	}
	for _, e := range other.Errors {
		if prefix != "" {
			e.Path = prefix + "." + e.Path
		}
		r.Errors = append(r.Errors, e)
	}
	for _, w := range other.Warnings {
		if prefix != "" {
			w.Path = prefix + "." + w.Path
		}
		r.Warnings = append(r.Warnings, w)
	}
}

// ToError converts the result to a VALIDATION_ERROR, or nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors (first: %s)", len(r.Errors), r.Errors[0].String())
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

// StepPath builds the issue path of a step field.
func StepPath(stepID, field string) string {
	p := fmt.Sprintf("steps[%s]", stepID)
	if field != "" {
		p += "." + field
	}
	return p
}
