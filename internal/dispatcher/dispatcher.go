// Package dispatcher turns due schedules and pushed domain events into
// workflow runs.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/recurrence"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// Dispatch results, used to label metrics.
const (
	ResultFired     = "fired"
	ResultClaimLost = "claim_lost"
	ResultError     = "error"
	ResultSkipped   = "skipped"
)

// DefaultTickInterval is the schedule evaluation period.
const DefaultTickInterval = time.Minute

// Store is the persistence the dispatcher reads schedules and workflows from.
type Store interface {
	store.ScheduleStore
	store.WorkflowStore
}

// RunStarter executes runs. Satisfied by *engine.Runner.
type RunStarter interface {
	Run(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error)
	Resume(ctx context.Context, executionID string) (*engine.RunResult, error)
}

// OpenRuns lists runs whose root log was never sealed.
type OpenRuns interface {
	ListOpenRuns(ctx context.Context) ([]*schema.ExecutionLog, error)
}

// Observer receives dispatch outcomes.
type Observer interface {
	ScheduleDispatched(result string)
}

type nopObserver struct{}

func (nopObserver) ScheduleDispatched(string) {}

// Config holds the Dispatcher's collaborators.
type Config struct {
	Store        Store
	Runner       RunStarter
	OpenRuns     OpenRuns // nil disables Recover
	Evaluator    *recurrence.Evaluator
	Pool         *engine.WorkerPool // nil = 4 workers, queue of 256
	Hub          streaming.EventHub
	Logger       *slog.Logger
	Observer     Observer
	TickInterval time.Duration
	Now          func() time.Time
	NewID        func() string
}

// Dispatcher is the TriggerDispatcher: a single periodic tick driver plus an
// event entry point. Runs execute on the worker pool so neither ticks nor
// Emit callers wait for them.
type Dispatcher struct {
	store     Store
	runner    RunStarter
	openRuns  OpenRuns
	evaluator *recurrence.Evaluator
	pool      *engine.WorkerPool
	hub       streaming.EventHub
	logger    *slog.Logger
	observer  Observer
	interval  time.Duration
	now       func() time.Time
	newID     func() string

	itemsMu sync.RWMutex
	items   map[schema.ItemKind]ItemHandler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule and execution IDs being dispatched
}

// New creates a Dispatcher with the workflow item handler registered.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Runner == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "dispatcher requires a store and a runner")
	}
	d := &Dispatcher{
		store:     cfg.Store,
		runner:    cfg.Runner,
		openRuns:  cfg.OpenRuns,
		evaluator: cfg.Evaluator,
		pool:      cfg.Pool,
		hub:       cfg.Hub,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		interval:  cfg.TickInterval,
		now:       cfg.Now,
		newID:     cfg.NewID,
		items:     make(map[schema.ItemKind]ItemHandler),
		inflight:  make(map[string]struct{}),
	}
	if d.evaluator == nil {
		d.evaluator = recurrence.NewEvaluator()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.pool == nil {
		d.pool = engine.NewWorkerPool(4, 256, d.logger)
	}
	if d.observer == nil {
		d.observer = nopObserver{}
	}
	if d.interval <= 0 {
		d.interval = DefaultTickInterval
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = func() string { return uuid.New().String() }
	}
	d.items[schema.ItemKindWorkflow] = &workflowItem{d: d}
	return d, nil
}

// RegisterItem installs the handler for one scheduled item kind, replacing
// any previous one.
func (d *Dispatcher) RegisterItem(kind schema.ItemKind, h ItemHandler) {
	d.itemsMu.Lock()
	defer d.itemsMu.Unlock()
	d.items[kind] = h
}

func (d *Dispatcher) item(kind schema.ItemKind) (ItemHandler, bool) {
	d.itemsMu.RLock()
	defer d.itemsMu.RUnlock()
	h, ok := d.items[kind]
	return h, ok
}

// Start launches the tick loop. The first tick runs immediately.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "dispatcher already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.logger.Info("dispatcher started", slog.Duration("tick_interval", d.interval))
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.Tick(ctx, d.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx, d.now())
		}
	}
}

// Stop ends the tick loop and drains in-flight runs. Runs still going when
// ctx ends are cancelled; their root logs stay open for Recover.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		<-d.done
		d.cancel = nil
		d.done = nil
	}
	d.mu.Unlock()

	err := d.pool.Shutdown(ctx)
	d.logger.Info("dispatcher stopped")
	return err
}

// TickReport counts what one tick did.
type TickReport struct {
	AsOf      time.Time `json:"as_of"`
	Evaluated int       `json:"evaluated"`
	Fired     int       `json:"fired"`
	ClaimLost int       `json:"claim_lost"`
	Skipped   int       `json:"skipped"`
	Errors    int       `json:"errors"`
}

// Tick evaluates every active schedule whose item kind has a handler at
// asOf and fires the due ones.
// Each due schedule is claimed (last_run_at = asOf, guarded by its
// revision) before its item fires, so concurrent dispatchers fire it at
// most once. Failures are logged and never stop the tick.
func (d *Dispatcher) Tick(ctx context.Context, asOf time.Time) TickReport {
	asOf = recurrence.Truncate(asOf)
	report := TickReport{AsOf: asOf}

	schedules, err := d.store.ListSchedules(ctx, store.ScheduleFilter{ActiveOnly: true})
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to list schedules", slog.String("error", err.Error()))
		report.Errors++
		return report
	}

	for _, s := range schedules {
		handler, ok := d.item(s.Item.Kind)
		if !ok {
			// Kinds served by another process, such as tasks.
			d.logger.DebugContext(ctx, "schedule item kind not handled here",
				slog.String("schedule_id", s.ID), slog.String("item_kind", string(s.Item.Kind)))
			continue
		}
		report.Evaluated++
		switch result := d.dispatch(ctx, s, handler, asOf); result {
		case ResultFired:
			report.Fired++
		case ResultClaimLost:
			report.ClaimLost++
		case ResultSkipped:
			report.Skipped++
		case ResultError:
			report.Errors++
		}
	}
	if report.Fired+report.ClaimLost+report.Skipped+report.Errors > 0 {
		d.logger.InfoContext(ctx, "tick finished",
			slog.Time("as_of", asOf),
			slog.Int("fired", report.Fired),
			slog.Int("claim_lost", report.ClaimLost),
			slog.Int("skipped", report.Skipped),
			slog.Int("errors", report.Errors),
		)
	}
	return report
}

// dispatch returns "" when the schedule is not due.
func (d *Dispatcher) dispatch(ctx context.Context, s *schema.Schedule, handler ItemHandler, asOf time.Time) string {
	ctx = logging.WithScheduleID(ctx, s.ID)
	log := logging.LogWith(ctx, d.logger).With(slog.String("item_kind", string(s.Item.Kind)))

	due, err := d.evaluator.Check(s, asOf)
	if err != nil {
		log.ErrorContext(ctx, "schedule skipped", slog.String("error", err.Error()))
		return d.record(ResultSkipped)
	}
	if !due {
		return ""
	}

	key := "schedule:" + s.ID
	if !d.tryAcquire(key) {
		return ""
	}
	defer d.release(key)

	claimed, err := d.store.ClaimSchedule(ctx, s.ID, s.Revision, asOf)
	if err != nil {
		log.ErrorContext(ctx, "schedule claim failed", slog.String("error", err.Error()))
		return d.record(ResultError)
	}
	if !claimed {
		log.InfoContext(ctx, "schedule claimed elsewhere", slog.Time("as_of", asOf))
		d.publish(ctx, streaming.StreamEvent{EventType: schema.EventScheduleClaimLost, Payload: map[string]any{
			"schedule_id": s.ID, "as_of": asOf,
		}})
		return d.record(ResultClaimLost)
	}

	executionID, err := handler.Fire(ctx, s, asOf)
	if err != nil {
		if errors.Is(err, ErrItemInactive) {
			log.WarnContext(ctx, "schedule skipped", slog.String("error", err.Error()))
			return d.record(ResultSkipped)
		}
		log.ErrorContext(ctx, "schedule dispatch failed", slog.String("error", err.Error()))
		return d.record(ResultError)
	}

	log.InfoContext(ctx, "schedule fired", slog.String("item_id", s.Item.ID), slog.String("execution_id", executionID))
	d.publish(ctx, streaming.StreamEvent{
		ExecutionID: executionID,
		WorkflowID:  workflowIDOf(s),
		EventType:   schema.EventScheduleFired,
		Payload: map[string]any{
			"schedule_id": s.ID,
			"as_of":       asOf,
			"item_kind":   string(s.Item.Kind),
			"item_id":     s.Item.ID,
		},
	})
	return d.record(ResultFired)
}

func workflowIDOf(s *schema.Schedule) string {
	if s.Item.Kind == schema.ItemKindWorkflow {
		return s.Item.ID
	}
	return ""
}

func (d *Dispatcher) record(result string) string {
	d.observer.ScheduleDispatched(result)
	return result
}

// Emit starts one run for every active workflow bound to event and returns
// the new execution IDs. A workflow whose run cannot be started is logged
// and skipped.
func (d *Dispatcher) Emit(ctx context.Context, event string, obj schema.TriggeringObject) ([]string, error) {
	if event == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger event is required")
	}
	workflows, err := d.store.ListWorkflows(ctx, store.WorkflowFilter{TriggerEvent: event, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	var started []string
	for _, wf := range workflows {
		execID, err := d.start(ctx, engine.RunRequest{
			WorkflowID:   wf.ID,
			TriggerEvent: event,
			Trigger:      obj,
			Source:       engine.SourceEvent,
		})
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to start run",
				slog.String("workflow_id", wf.ID),
				slog.String("trigger_event", event),
				slog.String("error", err.Error()),
			)
			continue
		}
		started = append(started, execID)
	}
	d.logger.InfoContext(ctx, "event dispatched", slog.String("trigger_event", event), slog.Int("runs", len(started)))
	return started, nil
}

// start submits a run to the pool and returns its execution ID. The
// execution stays in flight, and so cannot be resumed, until the run ends.
// A claimed schedule firing waits for queue room instead of being dropped.
func (d *Dispatcher) start(ctx context.Context, req engine.RunRequest) (string, error) {
	if req.ExecutionID == "" {
		req.ExecutionID = d.newID()
	}
	key := "execution:" + req.ExecutionID
	if !d.tryAcquire(key) {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running", req.ExecutionID)
	}
	submit := d.pool.Submit
	if req.Source == engine.SourceSchedule {
		submit = d.pool.SubmitWait
	}
	err := submit(ctx, "run:"+req.ExecutionID, func(ctx context.Context) error {
		defer d.release(key)
		_, err := d.runner.Run(ctx, req)
		return err
	})
	if err != nil {
		d.release(key)
		return "", schema.NewErrorf(schema.ErrCodeExecution, "start run for workflow %s: %s", req.WorkflowID, err.Error()).WithCause(err)
	}
	return req.ExecutionID, nil
}

// Recover resumes every run whose root log is still open, typically
// after a crash. It returns how many resumes were submitted.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	if d.openRuns == nil {
		return 0, nil
	}
	roots, err := d.openRuns.ListOpenRuns(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, root := range roots {
		if err := d.Resume(ctx, root.ExecutionID); err != nil {
			var se *schema.Error
			if errors.As(err, &se) && se.Code == schema.ErrCodeConflict {
				continue
			}
			d.logger.ErrorContext(ctx, "failed to recover run",
				slog.String("execution_id", root.ExecutionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		d.logger.InfoContext(ctx, "recovered interrupted runs", slog.Int("count", recovered))
	}
	return recovered, nil
}

// Resume submits a resume of executionID to the pool. An execution whose
// run or resume is still in flight is a CONFLICT.
func (d *Dispatcher) Resume(ctx context.Context, executionID string) error {
	key := "execution:" + executionID
	if !d.tryAcquire(key) {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is still in flight", executionID)
	}
	err := d.pool.Submit(ctx, "resume:"+executionID, func(ctx context.Context) error {
		defer d.release(key)
		_, err := d.runner.Resume(ctx, executionID)
		return err
	})
	if err != nil {
		d.release(key)
		return schema.NewErrorf(schema.ErrCodeExecution, "resume execution %s: %s", executionID, err.Error()).WithCause(err)
	}
	return nil
}

// ScheduleStatus reports where a schedule stands at a given instant.
type ScheduleStatus struct {
	Schedule  *schema.Schedule `json:"schedule"`
	AsOf      time.Time        `json:"as_of"`
	Due       bool             `json:"due"`
	NextRunAt *time.Time       `json:"next_run_at,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Status evaluates one schedule at asOf without touching it.
func (d *Dispatcher) Status(ctx context.Context, scheduleID string, asOf time.Time) (*ScheduleStatus, error) {
	s, err := d.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	return StatusOf(d.evaluator, s, asOf), nil
}

// StatusOf is Status for an already loaded schedule.
func StatusOf(e *recurrence.Evaluator, s *schema.Schedule, asOf time.Time) *ScheduleStatus {
	st := &ScheduleStatus{Schedule: s, AsOf: recurrence.Truncate(asOf)}
	due, err := e.Check(s, asOf)
	st.Due = due
	if err != nil {
		st.Error = err.Error()
	}
	st.NextRunAt = e.NextRunAt(s, asOf)
	return st
}

// PoolMetrics exposes the run pool's counters.
func (d *Dispatcher) PoolMetrics() engine.PoolMetrics {
	return d.pool.Metrics()
}

func (d *Dispatcher) publish(ctx context.Context, ev streaming.StreamEvent) {
	if d.hub == nil {
		return
	}
	if err := d.hub.Publish(ctx, ev); err != nil {
		d.logger.WarnContext(ctx, "failed to publish dispatch event", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) tryAcquire(key string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, ok := d.inflight[key]; ok {
		return false
	}
	d.inflight[key] = struct{}{}
	return true
}

func (d *Dispatcher) release(key string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	delete(d.inflight, key)
}

func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "schedule payload is not a JSON object: %s", err.Error()).WithCause(err)
	}
	return payload, nil
}
