package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/autoflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Schedules ---

const scheduleColumns = `id, name, description, item_kind, item_id, start_at, end_at, recurrence_expression,
	timezone, payload, is_active, is_onetime, last_run_at, revision, created_at, updated_at, deleted_at`

func (s *LibSQLStore) SaveSchedule(ctx context.Context, sc *schema.Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	now := s.now()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, ?, ?, NULL)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description,
		   item_kind=excluded.item_kind, item_id=excluded.item_id,
		   start_at=excluded.start_at, end_at=excluded.end_at,
		   recurrence_expression=excluded.recurrence_expression, timezone=excluded.timezone,
		   payload=excluded.payload, is_active=excluded.is_active, is_onetime=excluded.is_onetime,
		   revision=schedules.revision + 1, updated_at=excluded.updated_at, deleted_at=NULL
		 RETURNING revision, created_at, last_run_at`,
		sc.ID, sc.Name, nullStr(sc.Description), string(sc.Item.Kind), sc.Item.ID,
		sc.StartAt.UTC(), nullTime(sc.EndAt), nullStr(sc.RecurrenceExpression),
		nullStr(sc.Timezone), nullRaw(sc.Payload), boolInt(sc.IsActive), boolInt(sc.IsOnetime),
		sc.CreatedAt, sc.UpdatedAt,
	).Scan(&sc.Revision, &sc.CreatedAt, scanNullTime(&sc.LastRunAt))
	if err != nil {
		return storeError("save schedule", err)
	}
	return nil
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*schema.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, storeError("get schedule", err)
	}
	return sc, nil
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*schema.Schedule, error) {
	var where []string
	var args []any

	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}
	if filter.ItemKind != "" {
		where = append(where, "item_kind = ?")
		args = append(args, string(filter.ItemKind))
	}
	if filter.ItemID != "" {
		where = append(where, "item_id = ?")
		args = append(args, filter.ItemID)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list schedules", err)
	}
	defer rows.Close()

	var out []*schema.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, storeError("scan schedule", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ClaimSchedule(ctx context.Context, id string, revision int64, runAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, revision = revision + 1, updated_at = ?
		 WHERE id = ? AND revision = ? AND is_active = 1 AND deleted_at IS NULL`,
		runAt.UTC(), s.now(), id, revision,
	)
	if err != nil {
		return false, storeError("claim schedule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeError("claim schedule", err)
	}
	return n == 1, nil
}

func (s *LibSQLStore) SetScheduleActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET is_active = ?, revision = revision + 1, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		boolInt(active), s.now(), id,
	)
	if err != nil {
		return storeError("set schedule active", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET deleted_at = ?, revision = revision + 1, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id,
	)
	if err != nil {
		return storeError("delete schedule", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*schema.Schedule, error) {
	sc := &schema.Schedule{}
	var (
		desc, recurrence, tz, payload sql.NullString
		kind                          string
	)
	err := row.Scan(&sc.ID, &sc.Name, &desc, &kind, &sc.Item.ID, &sc.StartAt,
		scanNullTime(&sc.EndAt), &recurrence, &tz, &payload, &sc.IsActive, &sc.IsOnetime,
		scanNullTime(&sc.LastRunAt), &sc.Revision, &sc.CreatedAt, &sc.UpdatedAt, scanNullTime(&sc.DeletedAt))
	if err != nil {
		return nil, err
	}
	sc.Description = desc.String
	sc.Item.Kind = schema.ItemKind(kind)
	sc.RecurrenceExpression = recurrence.String
	sc.Timezone = tz.String
	sc.Payload = rawOrNil(payload)
	sc.StartAt = sc.StartAt.UTC()
	return sc, nil
}

// --- Workflows ---

const workflowColumns = `id, name, description, trigger_event, is_active, created_at, updated_at, deleted_at`

const stepColumns = `id, workflow_id, step_order, name, step_type, prompt_name, step_config, condition_rules,
	delay_minutes, created_at, updated_at, deleted_at`

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	now := s.now()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin save workflow", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description, trigger_event=excluded.trigger_event,
		   is_active=excluded.is_active, updated_at=excluded.updated_at, deleted_at=NULL`,
		wf.ID, wf.Name, nullStr(wf.Description), wf.TriggerEvent, boolInt(wf.IsActive), wf.CreatedAt, wf.UpdatedAt,
	); err != nil {
		return storeError("save workflow", err)
	}

	keep := make([]any, 0, len(wf.Steps)+2)
	keep = append(keep, now, wf.ID)
	for i := range wf.Steps {
		st := &wf.Steps[i]
		if st.ID == "" {
			st.ID = uuid.New().String()
		}
		st.WorkflowID = wf.ID
		if st.CreatedAt.IsZero() {
			st.CreatedAt = now
		}
		st.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_steps (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
			 ON CONFLICT(id) DO UPDATE SET
			   workflow_id=excluded.workflow_id, step_order=excluded.step_order, name=excluded.name,
			   step_type=excluded.step_type, prompt_name=excluded.prompt_name, step_config=excluded.step_config,
			   condition_rules=excluded.condition_rules, delay_minutes=excluded.delay_minutes,
			   updated_at=excluded.updated_at, deleted_at=NULL`,
			st.ID, wf.ID, st.StepOrder, st.Name, string(st.Type), nullStr(st.PromptName),
			nullRaw(st.Config), nullRaw(st.ConditionRules), st.DelayMinutes, st.CreatedAt, st.UpdatedAt,
		); err != nil {
			return storeError("save step "+st.ID, err)
		}
		keep = append(keep, st.ID)
	}

	// Tombstone steps dropped from the definition; their logs keep pointing at them.
	query := `UPDATE workflow_steps SET deleted_at = ? WHERE workflow_id = ? AND deleted_at IS NULL`
	if len(wf.Steps) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(wf.Steps)) + `)`
	}
	if _, err := tx.ExecContext(ctx, query, keep...); err != nil {
		return storeError("tombstone removed steps", err)
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit save workflow", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeError("get workflow", err)
	}
	if wf.Steps, err = s.listSteps(ctx, wf.ID); err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}
	if filter.TriggerEvent != "" {
		where = append(where, "trigger_event = ?")
		args = append(args, filter.TriggerEvent)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	var out []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, storeError("scan workflow", err)
		}
		out = append(out, wf)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeError("list workflows", err)
	}

	// Steps are loaded after the cursor is closed: the pool has one connection.
	if filter.WithSteps {
		for _, wf := range out {
			if wf.Steps, err = s.listSteps(ctx, wf.ID); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (s *LibSQLStore) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET is_active = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		boolInt(active), s.now(), id,
	)
	if err != nil {
		return storeError("set workflow active", err)
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin delete workflow", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflows SET deleted_at = ?, is_active = 0, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return storeError("delete workflow", err)
	}
	if err := checkRowsAffected(res, "workflow", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_steps SET deleted_at = ? WHERE workflow_id = ? AND deleted_at IS NULL`, now, id); err != nil {
		return storeError("delete workflow steps", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit delete workflow", err)
	}
	return nil
}

func (s *LibSQLStore) listSteps(ctx context.Context, workflowID string) ([]schema.WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_id = ? AND deleted_at IS NULL ORDER BY step_order, id`,
		workflowID)
	if err != nil {
		return nil, storeError("list steps", err)
	}
	defer rows.Close()

	var steps []schema.WorkflowStep
	for rows.Next() {
		var (
			st                   schema.WorkflowStep
			stepType             string
			prompt, cfg, cond sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.WorkflowID, &st.StepOrder, &st.Name, &stepType, &prompt, &cfg, &cond,
			&st.DelayMinutes, &st.CreatedAt, &st.UpdatedAt, scanNullTime(&st.DeletedAt)); err != nil {
			return nil, storeError("scan step", err)
		}
		st.Type = schema.StepType(stepType)
		st.PromptName = prompt.String
		st.Config = rawOrNil(cfg)
		st.ConditionRules = rawOrNil(cond)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var desc sql.NullString
	if err := row.Scan(&wf.ID, &wf.Name, &desc, &wf.TriggerEvent, &wf.IsActive,
		&wf.CreatedAt, &wf.UpdatedAt, scanNullTime(&wf.DeletedAt)); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	return wf, nil
}

// --- Prompts ---

const promptColumns = `id, name, category, version, system_prompt_text, user_prompt_text, model_name,
	generation_config, template_variables, response_variables, response_json_template, status, created_at`

func (s *LibSQLStore) CreatePromptVersion(ctx context.Context, p *schema.Prompt) error {
	if p.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "prompt name is required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = schema.PromptStatusActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}

	genCfg, err := json.Marshal(p.GenerationConfig)
	if err != nil {
		return fmt.Errorf("marshal generation_config: %w", err)
	}
	vars, err := marshalOrNil(p.TemplateVariables, len(p.TemplateVariables))
	if err != nil {
		return fmt.Errorf("marshal template_variables: %w", err)
	}
	respVars, err := marshalOrNil(p.ResponseVariables, len(p.ResponseVariables))
	if err != nil {
		return fmt.Errorf("marshal response_variables: %w", err)
	}

	// The version is computed inside the INSERT so two writers can never
	// pick the same number; the UNIQUE(name, version) index backs this up.
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO prompts (`+promptColumns+`)
		 SELECT ?, ?, ?, COALESCE(MAX(version), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 FROM prompts WHERE name = ?
		 RETURNING version`,
		p.ID, p.Name, nullStr(p.Category), p.SystemPromptText, nullStr(p.UserPromptText), p.ModelName,
		string(genCfg), vars, respVars, nullRaw(p.ResponseJSONTemplate), string(p.Status), p.CreatedAt,
		p.Name,
	).Scan(&p.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "prompt %q: concurrent version write", p.Name).WithCause(err)
		}
		return storeError("create prompt version", err)
	}
	return nil
}

func (s *LibSQLStore) GetPrompt(ctx context.Context, name string, version int) (*schema.Prompt, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+promptColumns+` FROM prompts WHERE name = ? AND version = ?`, name, version)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+promptColumns+` FROM prompts WHERE name = ? AND status = ? ORDER BY version DESC LIMIT 1`,
			name, string(schema.PromptStatusActive))
	}
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("prompt", promptRef(name, version))
	}
	if err != nil {
		return nil, storeError("get prompt", err)
	}
	return p, nil
}

func (s *LibSQLStore) ListPromptVersions(ctx context.Context, name string) ([]*schema.Prompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE name = ? ORDER BY version DESC`, name)
	if err != nil {
		return nil, storeError("list prompt versions", err)
	}
	defer rows.Close()

	var out []*schema.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, storeError("scan prompt", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) SetPromptStatus(ctx context.Context, name string, version int, status schema.PromptStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prompts SET status = ? WHERE name = ? AND version = ?`, string(status), name, version)
	if err != nil {
		return storeError("set prompt status", err)
	}
	return checkRowsAffected(res, "prompt", promptRef(name, version))
}

// HasPrompt reports whether the referenced prompt version resolves.
func (s *LibSQLStore) HasPrompt(ctx context.Context, name string, version int) bool {
	_, err := s.GetPrompt(ctx, name, version)
	return err == nil
}

func scanPrompt(row rowScanner) (*schema.Prompt, error) {
	p := &schema.Prompt{}
	var (
		category, user, vars, respVars, tmpl sql.NullString
		genCfg                               sql.NullString
		status                               string
	)
	if err := row.Scan(&p.ID, &p.Name, &category, &p.Version, &p.SystemPromptText, &user, &p.ModelName,
		&genCfg, &vars, &respVars, &tmpl, &status, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Category = category.String
	p.UserPromptText = user.String
	p.Status = schema.PromptStatus(status)
	p.ResponseJSONTemplate = rawOrNil(tmpl)
	if genCfg.Valid && genCfg.String != "" {
		if err := json.Unmarshal([]byte(genCfg.String), &p.GenerationConfig); err != nil {
			return nil, fmt.Errorf("unmarshal generation_config: %w", err)
		}
	}
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &p.TemplateVariables); err != nil {
			return nil, fmt.Errorf("unmarshal template_variables: %w", err)
		}
	}
	if respVars.Valid && respVars.String != "" {
		if err := json.Unmarshal([]byte(respVars.String), &p.ResponseVariables); err != nil {
			return nil, fmt.Errorf("unmarshal response_variables: %w", err)
		}
	}
	return p, nil
}

func promptRef(name string, version int) string {
	if version <= 0 {
		return name + "@latest"
	}
	return fmt.Sprintf("%s@%d", name, version)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 || string(r) == "null" {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalOrNil(v any, n int) (any, error) {
	if n == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// nullTimeDest scans a nullable timestamp into a *time.Time field.
type nullTimeDest struct {
	dst **time.Time
}

func scanNullTime(dst **time.Time) *nullTimeDest {
	return &nullTimeDest{dst: dst}
}

func (d *nullTimeDest) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	}
	var nt sql.NullTime
	if err := nt.Scan(src); err != nil {
		return err
	}
	if !nt.Valid {
		*d.dst = nil
		return nil
	}
	t := nt.Time.UTC()
	*d.dst = &t
	return nil
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"}

func (d *nullTimeDest) parse(s string) error {
	if s == "" {
		*d.dst = nil
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			*d.dst = &t
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
