// Package ledger records run history: one ExecutionLog per step attempt,
// linked into a parent/child tree per execution, published live as it
// changes.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// Ledger is the append-only execution ledger.
type Ledger struct {
	store  store.LogStore
	hub    streaming.EventHub
	fsm    *LogFSM
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithHub publishes every log change on hub.
func WithHub(hub streaming.EventHub) Option {
	return func(l *Ledger) { l.hub = hub }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over s.
func New(s store.LogStore, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:  s,
		fsm:    NewLogFSM(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FSM returns the transition guard so callers can register hooks.
func (l *Ledger) FSM() *LogFSM { return l.fsm }

// OpenRequest describes a new log row.
type OpenRequest struct {
	WorkflowID         string
	ExecutionID        string
	StepID             string // empty for the run's root log
	TriggeringObjectID string
	ParentID           *int64
	Status             schema.LogStatus // pending or running; defaults to running
	Attempt            int
	Input              map[string]any
}

// Open appends a new open log. Every log except a run's first root must
// have a parent.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (*schema.ExecutionLog, error) {
	if req.WorkflowID == "" || req.ExecutionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "log requires workflow_id and execution_id")
	}
	if req.StepID != "" && req.ParentID == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step log %s has no parent", req.StepID).WithStep(req.StepID)
	}
	if req.Status == "" {
		req.Status = schema.LogStatusRunning
	}
	if req.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "log cannot be opened as %s", req.Status)
	}

	entry := &schema.ExecutionLog{
		WorkflowID:         req.WorkflowID,
		ExecutionID:        req.ExecutionID,
		StepID:             req.StepID,
		TriggeringObjectID: req.TriggeringObjectID,
		ParentID:           req.ParentID,
		Status:             req.Status,
		Attempt:            max(req.Attempt, 1),
		ExecutedAt:         l.now().UTC(),
	}
	if req.Input != nil {
		raw, err := json.Marshal(req.Input)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode input context: %s", err.Error()).
				WithStep(req.StepID).WithCause(err)
		}
		entry.InputContext = raw
	}
	if err := l.store.InsertLog(ctx, entry); err != nil {
		return nil, err
	}

	l.publish(ctx, entry, schema.EventLogOpened, map[string]any{"status": entry.Status, "attempt": entry.Attempt})
	if entry.IsRoot() {
		event := schema.EventRunStarted
		if entry.ParentID != nil {
			event = schema.EventRunResumed
		}
		l.publish(ctx, entry, event, nil)
	}
	return entry, nil
}

// Start moves a pending log to running.
func (l *Ledger) Start(ctx context.Context, entry *schema.ExecutionLog) error {
	return l.Transition(ctx, entry, schema.LogStatusRunning)
}

// Transition moves an open log to another non-terminal status.
func (l *Ledger) Transition(ctx context.Context, entry *schema.ExecutionLog, to schema.LogStatus) error {
	from := entry.Status
	err := l.fsm.Transition(ctx, entry, to, func() error {
		if to.Terminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "log %d: seal to enter %s", entry.ID, to)
		}
		return l.store.TransitionLog(ctx, entry.ID, from, to)
	})
	if err != nil {
		return err
	}
	l.publish(ctx, entry, schema.EventLogTransition, map[string]any{"from": from, "to": to})
	return nil
}

// Seal writes the terminal fields of an open log. The log is never
// written again.
func (l *Ledger) Seal(ctx context.Context, entry *schema.ExecutionLog, seal schema.LogSeal) error {
	if !seal.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "log %d: cannot seal as %s", entry.ID, seal.Status)
	}
	err := l.fsm.Transition(ctx, entry, seal.Status, func() error {
		return l.store.SealLog(ctx, entry.ID, seal)
	})
	if err != nil {
		return err
	}
	applySeal(entry, seal)

	payload := map[string]any{"status": seal.Status, "duration_ms": seal.DurationMs}
	if seal.Branch != schema.BranchNone {
		payload["branch"] = seal.Branch
	}
	if seal.ErrorMessage != "" {
		payload["error"] = seal.ErrorMessage
	}
	l.publish(ctx, entry, schema.EventLogSealed, payload)
	if entry.IsRoot() {
		event := schema.EventRunCompleted
		if seal.Status == schema.LogStatusFailed {
			event = schema.EventRunFailed
		}
		l.publish(ctx, entry, event, payload)
	}
	return nil
}

func applySeal(entry *schema.ExecutionLog, seal schema.LogSeal) {
	if seal.Branch != schema.BranchNone {
		entry.Branch = seal.Branch
	}
	entry.RawOutput = seal.RawOutput
	entry.ParsedOutput = seal.ParsedOutput
	entry.ErrorMessage = seal.ErrorMessage
	entry.DurationMs = seal.DurationMs
	entry.TokenUsage = seal.TokenUsage
	entry.Cost = seal.Cost
}

// Logs returns every log of an execution in insertion order.
func (l *Ledger) Logs(ctx context.Context, executionID string) ([]*schema.ExecutionLog, error) {
	return l.store.ListLogs(ctx, executionID)
}

// Get returns one log.
func (l *Ledger) Get(ctx context.Context, id int64) (*schema.ExecutionLog, error) {
	return l.store.GetLog(ctx, id)
}

// ListOpenRuns returns the root logs of runs that never finished.
func (l *Ledger) ListOpenRuns(ctx context.Context) ([]*schema.ExecutionLog, error) {
	return l.store.ListOpenRoots(ctx)
}

// ListRuns returns the latest root log of recent executions.
func (l *Ledger) ListRuns(ctx context.Context, filter store.ExecutionFilter) ([]*schema.ExecutionLog, error) {
	return l.store.ListExecutions(ctx, filter)
}

func (l *Ledger) publish(ctx context.Context, entry *schema.ExecutionLog, eventType string, payload map[string]any) {
	if l.hub == nil {
		return
	}
	err := l.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: entry.ExecutionID,
		WorkflowID:  entry.WorkflowID,
		StepID:      entry.StepID,
		LogID:       entry.ID,
		EventType:   eventType,
		Payload:     payload,
		Timestamp:   l.now().UTC(),
	})
	if err != nil {
		l.logger.WarnContext(ctx, "publish ledger event", "event_type", eventType, "log_id", entry.ID, "error", err)
	}
}
