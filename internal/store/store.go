package store

import (
	"context"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	ScheduleStore
	WorkflowStore
	PromptStore
	LogStore

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SecretStore persists opaque, already encrypted secret values by name.
// LibSQLStore implements it; it is not part of Store.
type SecretStore interface {
	PutSecret(ctx context.Context, name string, value []byte) error
	GetSecret(ctx context.Context, name string) ([]byte, error)
	DeleteSecret(ctx context.Context, name string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// ScheduleStore holds Schedule records.
type ScheduleStore interface {
	// SaveSchedule inserts or updates a schedule's definition. last_run_at is
	// never changed by a save; the revision is bumped.
	SaveSchedule(ctx context.Context, s *schema.Schedule) error
	GetSchedule(ctx context.Context, id string) (*schema.Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*schema.Schedule, error)
	// ClaimSchedule sets last_run_at = runAt iff the stored revision still
	// equals revision. It reports false when another dispatcher won.
	ClaimSchedule(ctx context.Context, id string, revision int64, runAt time.Time) (bool, error)
	SetScheduleActive(ctx context.Context, id string, active bool) error
	DeleteSchedule(ctx context.Context, id string) error
}

// WorkflowStore holds workflows and their steps.
type WorkflowStore interface {
	// SaveWorkflow upserts the workflow and its steps. Live steps missing
	// from wf.Steps are tombstoned.
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	// GetWorkflow returns the workflow with its live steps.
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	SetWorkflowActive(ctx context.Context, id string, active bool) error
	// DeleteWorkflow tombstones the workflow and all of its steps.
	DeleteWorkflow(ctx context.Context, id string) error
}

// PromptStore holds versioned prompts.
type PromptStore interface {
	// CreatePromptVersion stores p as version max(version)+1 of p.Name and
	// writes the assigned version and ID back into p.
	CreatePromptVersion(ctx context.Context, p *schema.Prompt) error
	// GetPrompt returns one version, or the latest active one when version
	// is 0.
	GetPrompt(ctx context.Context, name string, version int) (*schema.Prompt, error)
	ListPromptVersions(ctx context.Context, name string) ([]*schema.Prompt, error)
	SetPromptStatus(ctx context.Context, name string, version int, status schema.PromptStatus) error
}

// LogStore is the append-only execution ledger.
type LogStore interface {
	// InsertLog appends a log row and writes the assigned ID into l.
	InsertLog(ctx context.Context, l *schema.ExecutionLog) error
	// TransitionLog moves an open log from one status to another.
	TransitionLog(ctx context.Context, id int64, from, to schema.LogStatus) error
	// SealLog writes the terminal fields of an open log. A sealed log is
	// never written again.
	SealLog(ctx context.Context, id int64, seal schema.LogSeal) error
	GetLog(ctx context.Context, id int64) (*schema.ExecutionLog, error)
	// ListLogs returns every log of an execution in insertion order.
	ListLogs(ctx context.Context, executionID string) ([]*schema.ExecutionLog, error)
	// ListOpenRoots returns root logs that were never sealed.
	ListOpenRoots(ctx context.Context) ([]*schema.ExecutionLog, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionLog, error)
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	ActiveOnly     bool
	ItemKind       schema.ItemKind
	ItemID         string
	IncludeDeleted bool
	Limit          int
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	TriggerEvent   string
	ActiveOnly     bool
	WithSteps      bool
	IncludeDeleted bool
	Limit          int
}

// ExecutionFilter narrows ListExecutions, which returns root logs newest
// first.
type ExecutionFilter struct {
	WorkflowID string
	Limit      int
}
