package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Execution logs are append-only: rows are inserted open, moved forward by
// TransitionLog, and written a final time by SealLog. Every update is
// guarded by the expected current status, so a sealed row can never change.

const logColumns = `id, workflow_id, execution_id, step_id, triggering_object_id, parent_execution_log_id,
	status, attempt, branch, input_context, raw_output, parsed_output, context_set, error_message, duration_ms,
	tokens_input, tokens_output, tokens_total, cost, executed_at`

func (s *LibSQLStore) InsertLog(ctx context.Context, l *schema.ExecutionLog) error {
	if l.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "log must be opened pending or running, got %s", l.Status)
	}
	if l.ExecutedAt.IsZero() {
		l.ExecutedAt = s.now()
	}
	if l.Attempt == 0 {
		l.Attempt = 1
	}
	var parent any
	if l.ParentID != nil {
		parent = *l.ParentID
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO execution_logs (workflow_id, execution_id, step_id, triggering_object_id, parent_execution_log_id,
		   status, attempt, branch, input_context, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		l.WorkflowID, l.ExecutionID, nullStr(l.StepID), nullStr(l.TriggeringObjectID), parent,
		string(l.Status), l.Attempt, nullStr(string(l.Branch)), nullRaw(l.InputContext), l.ExecutedAt.UTC(),
	).Scan(&l.ID)
	if err != nil {
		return storeError("insert execution log", err)
	}
	return nil
}

func (s *LibSQLStore) TransitionLog(ctx context.Context, id int64, from, to schema.LogStatus) error {
	if to.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "log %d: use SealLog to enter %s", id, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_logs SET status = ? WHERE id = ? AND status = ?`, string(to), id, string(from))
	if err != nil {
		return storeError("transition execution log", err)
	}
	return s.checkLogUpdated(ctx, res, id, fmt.Sprintf("%s -> %s", from, to))
}

func (s *LibSQLStore) SealLog(ctx context.Context, id int64, seal schema.LogSeal) error {
	if !seal.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "log %d: cannot seal with non-terminal status %s", id, seal.Status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_logs SET status = ?, branch = COALESCE(?, branch), raw_output = ?, parsed_output = ?,
		   context_set = ?, error_message = ?, duration_ms = ?, tokens_input = ?, tokens_output = ?, tokens_total = ?, cost = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(seal.Status), nullStr(string(seal.Branch)), nullStr(seal.RawOutput), nullRaw(seal.ParsedOutput),
		nullRaw(seal.ContextSet), nullStr(seal.ErrorMessage), seal.DurationMs, seal.TokenUsage.Input, seal.TokenUsage.Output,
		seal.TokenUsage.Total, seal.Cost,
		id, string(schema.LogStatusPending), string(schema.LogStatusRunning),
	)
	if err != nil {
		return storeError("seal execution log", err)
	}
	return s.checkLogUpdated(ctx, res, id, "seal as "+string(seal.Status))
}

// checkLogUpdated tells a missing row apart from a row in the wrong state.
func (s *LibSQLStore) checkLogUpdated(ctx context.Context, res sql.Result, id int64, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("rows affected", err)
	}
	if n == 1 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM execution_logs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("execution log", fmt.Sprint(id))
	}
	if err != nil {
		return storeError("read execution log status", err)
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "log %d is %s: cannot %s", id, status, what)
}

func (s *LibSQLStore) GetLog(ctx context.Context, id int64) (*schema.ExecutionLog, error) {
	l, err := scanLog(s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM execution_logs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution log", fmt.Sprint(id))
	}
	if err != nil {
		return nil, storeError("get execution log", err)
	}
	return l, nil
}

func (s *LibSQLStore) ListLogs(ctx context.Context, executionID string) ([]*schema.ExecutionLog, error) {
	return s.queryLogs(ctx, `SELECT `+logColumns+` FROM execution_logs WHERE execution_id = ? ORDER BY id`, executionID)
}

func (s *LibSQLStore) ListOpenRoots(ctx context.Context) ([]*schema.ExecutionLog, error) {
	return s.queryLogs(ctx,
		`SELECT `+logColumns+` FROM execution_logs
		 WHERE step_id IS NULL AND status IN (?, ?) ORDER BY id`,
		string(schema.LogStatusPending), string(schema.LogStatusRunning))
}

// ListExecutions returns the latest root log of each execution, newest first.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionLog, error) {
	where := []string{"step_id IS NULL", "id IN (SELECT MAX(id) FROM execution_logs WHERE step_id IS NULL GROUP BY execution_id)"}
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	query := `SELECT ` + logColumns + ` FROM execution_logs WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.queryLogs(ctx, query, args...)
}

func (s *LibSQLStore) queryLogs(ctx context.Context, query string, args ...any) ([]*schema.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("query execution logs", err)
	}
	defer rows.Close()

	var out []*schema.ExecutionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, storeError("scan execution log", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLog(row rowScanner) (*schema.ExecutionLog, error) {
	l := &schema.ExecutionLog{}
	var (
		stepID, triggerID, branch, input, raw, parsed, set, errMsg sql.NullString
		parent                                                     sql.NullInt64
		status                                                     string
		executedAt                                                 *time.Time
	)
	err := row.Scan(&l.ID, &l.WorkflowID, &l.ExecutionID, &stepID, &triggerID, &parent,
		&status, &l.Attempt, &branch, &input, &raw, &parsed, &set, &errMsg, &l.DurationMs,
		&l.TokenUsage.Input, &l.TokenUsage.Output, &l.TokenUsage.Total, &l.Cost, scanNullTime(&executedAt))
	if err != nil {
		return nil, err
	}
	l.StepID = stepID.String
	l.TriggeringObjectID = triggerID.String
	if parent.Valid {
		p := parent.Int64
		l.ParentID = &p
	}
	l.Status = schema.LogStatus(status)
	l.Branch = schema.Branch(branch.String)
	l.InputContext = rawOrNil(input)
	l.RawOutput = raw.String
	l.ParsedOutput = rawOrNil(parsed)
	l.ContextSet = rawOrNil(set)
	l.ErrorMessage = errMsg.String
	if executedAt != nil {
		l.ExecutedAt = executedAt.UTC()
	}
	return l, nil
}
