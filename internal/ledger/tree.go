package ledger

import (
	"context"
	"fmt"

	"github.com/rendis/autoflow/pkg/schema"
)

// Tree returns the log tree of an execution. The first root log is the
// tree's root; a resumed run's later roots hang off the root they resumed.
// Broken lineage (a log whose parent is missing or belongs to another
// execution) is reported as an error rather than silently re-rooted.
func (l *Ledger) Tree(ctx context.Context, executionID string) (*schema.LogNode, error) {
	logs, err := l.store.ListLogs(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return BuildTree(executionID, logs)
}

// BuildTree links logs, which must be in insertion order, into a tree.
func BuildTree(executionID string, logs []*schema.ExecutionLog) (*schema.LogNode, error) {
	if len(logs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s has no logs", executionID)
	}

	nodes := make(map[int64]*schema.LogNode, len(logs))
	var root *schema.LogNode
	for _, entry := range logs {
		n := &schema.LogNode{Log: entry}
		nodes[entry.ID] = n

		if entry.ParentID == nil {
			if !entry.IsRoot() {
				return nil, lineageError(executionID, entry, "step log without parent")
			}
			if root != nil {
				return nil, lineageError(executionID, entry, "second parentless root")
			}
			root = n
			continue
		}
		parent, ok := nodes[*entry.ParentID]
		if !ok {
			return nil, lineageError(executionID, entry, fmt.Sprintf("parent %d not found before it", *entry.ParentID))
		}
		parent.Children = append(parent.Children, n)
	}
	if root == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "execution %s has no root log", executionID)
	}
	return root, nil
}

func lineageError(executionID string, entry *schema.ExecutionLog, reason string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "execution %s: log %d: %s", executionID, entry.ID, reason).
		WithStep(entry.StepID).
		WithDetails(map[string]any{"execution_id": executionID, "log_id": entry.ID})
}

// Summary aggregates the logs of an execution.
func (l *Ledger) Summary(ctx context.Context, executionID string) (*schema.RunSummary, error) {
	logs, err := l.store.ListLogs(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s has no logs", executionID)
	}
	return Summarize(logs), nil
}

// Summarize folds an execution's logs into a RunSummary. The latest root
// log decides the run status; step counts and spend exclude root logs so
// nothing is counted twice.
func Summarize(logs []*schema.ExecutionLog) *schema.RunSummary {
	sum := &schema.RunSummary{
		Steps:  make(map[string]int),
		Status: schema.RunStatusRunning,
	}
	var latestRoot *schema.ExecutionLog
	for _, entry := range logs {
		if sum.ExecutionID == "" {
			sum.ExecutionID = entry.ExecutionID
			sum.WorkflowID = entry.WorkflowID
			sum.StartedAt = entry.ExecutedAt
		}
		if entry.IsRoot() {
			sum.Attempts++
			sum.DurationMs += entry.DurationMs
			latestRoot = entry
			continue
		}
		sum.Steps[string(entry.Status)]++
		sum.TokenUsage = sum.TokenUsage.Add(entry.TokenUsage)
		sum.Cost += entry.Cost
	}
	if latestRoot != nil {
		sum.Status = RunStatusOf(latestRoot.Status)
	}
	return sum
}

// RunStatusOf maps a root log status to the run outcome.
func RunStatusOf(s schema.LogStatus) schema.RunStatus {
	switch s {
	case schema.LogStatusSuccess:
		return schema.RunStatusCompleted
	case schema.LogStatusFailed, schema.LogStatusSkipped:
		return schema.RunStatusFailed
	default:
		return schema.RunStatusRunning
	}
}
