package schema

import (
	"encoding/json"
	"time"
)

// LogStatus is the lifecycle state of one ExecutionLog row.
type LogStatus string

const (
	LogStatusPending LogStatus = "pending"
	LogStatusRunning LogStatus = "running"
	LogStatusSuccess LogStatus = "success"
	LogStatusFailed  LogStatus = "failed"
	LogStatusSkipped LogStatus = "skipped"
)

// Terminal reports whether the status seals a log.
func (s LogStatus) Terminal() bool {
	switch s {
	case LogStatusSuccess, LogStatusFailed, LogStatusSkipped:
		return true
	}
	return false
}

// TokenUsage is the token accounting of an AI call.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Add returns the element-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{Input: u.Input + o.Input, Output: u.Output + o.Output, Total: u.Total + o.Total}
}

// ExecutionLog records one step attempt within one run. Rows are opened at
// step start, sealed once at step end and never touched again. The run's
// root log has no StepID and no ParentID.
type ExecutionLog struct {
	ID                 int64           `json:"id"`
	WorkflowID         string          `json:"workflow_id"`
	ExecutionID        string          `json:"execution_id"`
	StepID             string          `json:"step_id,omitempty"`
	TriggeringObjectID string          `json:"triggering_object_id,omitempty"`
	ParentID           *int64          `json:"parent_execution_log_id,omitempty"`
	Status             LogStatus       `json:"status"`
	Attempt            int             `json:"attempt"`
	Branch             Branch          `json:"branch,omitempty"`
	InputContext       json.RawMessage `json:"input_context,omitempty"`
	RawOutput          string          `json:"raw_output,omitempty"`
	ParsedOutput       json.RawMessage `json:"parsed_output,omitempty"`
	ContextSet         json.RawMessage `json:"context_set,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	DurationMs         int64           `json:"duration_ms"`
	TokenUsage         TokenUsage      `json:"token_usage"`
	Cost               float64         `json:"cost"`
	ExecutedAt         time.Time       `json:"executed_at"`
}

// IsRoot reports whether the log is the trigger node of its run.
func (l *ExecutionLog) IsRoot() bool {
	return l.StepID == ""
}

// LogSeal carries the fields written when a log is sealed.
type LogSeal struct {
	Status       LogStatus       `json:"status"`
	Branch       Branch          `json:"branch,omitempty"`
	RawOutput    string          `json:"raw_output,omitempty"`
	ParsedOutput json.RawMessage `json:"parsed_output,omitempty"`
	// ContextSet holds top-level context entries the step added, so a
	// resumed run can restore them without re-running the step.
	ContextSet   json.RawMessage `json:"context_set,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
	TokenUsage   TokenUsage      `json:"token_usage"`
	Cost         float64         `json:"cost"`
}

// LogNode is one node of an execution's log tree.
type LogNode struct {
	Log      *ExecutionLog `json:"log"`
	Children []*LogNode    `json:"children,omitempty"`
}

// RunStatus is the outcome of one run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// TriggeringObject is the opaque object that caused a run.
type TriggeringObject struct {
	Kind    string         `json:"kind"`
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload,omitempty"`
	// Actor identifies who caused the trigger. It is passed explicitly so
	// the engine never reads identity from ambient state.
	Actor map[string]any `json:"actor,omitempty"`
}

// RunSummary aggregates the logs of one execution.
type RunSummary struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Status      RunStatus      `json:"status"`
	Steps       map[string]int `json:"steps"` // status -> count, root excluded
	TokenUsage  TokenUsage     `json:"token_usage"`
	Cost        float64        `json:"cost"`
	StartedAt   time.Time      `json:"started_at"`
	DurationMs  int64          `json:"duration_ms"`
	Attempts    int            `json:"attempts"`
}
