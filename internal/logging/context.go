// Package logging carries run correlation IDs through context.Context and
// stamps them onto slog records.
package logging

import (
	"context"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	executionIDKey
	stepIDKey
	scheduleIDKey
)

// correlation lists the keys in the order they are attached to records.
var correlation = []struct {
	key  ctxKey
	attr string
}{
	{workflowIDKey, "workflow_id"},
	{executionIDKey, "execution_id"},
	{stepIDKey, "step_id"},
	{scheduleIDKey, "schedule_id"},
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithScheduleID returns a context with the schedule ID set.
func WithScheduleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, scheduleIDKey, id)
}

// WithRun sets the workflow and execution IDs at once.
func WithRun(ctx context.Context, workflowID, executionID string) context.Context {
	return WithExecutionID(WithWorkflowID(ctx, workflowID), executionID)
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string { return value(ctx, workflowIDKey) }

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string { return value(ctx, executionIDKey) }

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string { return value(ctx, stepIDKey) }

// ScheduleID extracts the schedule ID from the context, or "" if absent.
func ScheduleID(ctx context.Context) string { return value(ctx, scheduleIDKey) }

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, c := range correlation {
		if v := value(ctx, c.key); v != "" {
			logger = logger.With(slog.String(c.attr, v))
		}
	}
	return logger
}

// ParseLevel maps debug|info|warn|error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, c := range correlation {
		if v := value(ctx, c.key); v != "" {
			r.AddAttrs(slog.String(c.attr, v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
