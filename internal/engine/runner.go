package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/graph"
	"github.com/rendis/autoflow/internal/ledger"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/pkg/schema"
)

// Run sources, used to label metrics.
const (
	SourceSchedule = "schedule"
	SourceEvent    = "event"
	SourceResume   = "resume"
)

// WorkflowSource loads workflows with their live steps.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
}

// Observer receives run and step outcomes, typically to feed metrics.
type Observer interface {
	RunStarted(source string)
	RunFinished(status schema.RunStatus)
	StepFinished(stepType schema.StepType, status schema.LogStatus, d time.Duration)
	Completion(model string, usage schema.TokenUsage, cost float64)
}

type nopObserver struct{}

func (nopObserver) RunStarted(string)                                             {}
func (nopObserver) RunFinished(schema.RunStatus)                                  {}
func (nopObserver) StepFinished(schema.StepType, schema.LogStatus, time.Duration) {}
func (nopObserver) Completion(string, schema.TokenUsage, float64)                 {}

// RunnerConfig holds the Runner's collaborators.
type RunnerConfig struct {
	Workflows WorkflowSource
	Ledger    *ledger.Ledger
	Executors map[schema.StepType]StepExecutor
	Clock     Clock        // nil = SystemClock
	Logger    *slog.Logger // nil = slog.Default()
	Observer  Observer     // nil = no-op
	Tracer    trace.Tracer // nil = no spans
	NewID     func() string
}

// Runner executes workflow runs: it walks the step plan along the selected
// branches and records every attempt in the ledger.
//
// Step-level failures never escape Run or Resume; they are sealed into the
// ledger. Only store failures and cancellation of ctx are returned, and
// in both cases the run's root log stays open so it can be resumed.
type Runner struct {
	workflows WorkflowSource
	ledger    *ledger.Ledger
	executors map[schema.StepType]StepExecutor
	clock     Clock
	logger    *slog.Logger
	observer  Observer
	tracer    trace.Tracer
	newID     func() string

	activeMu sync.Mutex
	active   map[string]struct{} // execution IDs running in this process
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Workflows == nil || cfg.Ledger == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "runner requires a workflow source and a ledger")
	}
	r := &Runner{
		workflows: cfg.Workflows,
		ledger:    cfg.Ledger,
		executors: cfg.Executors,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		tracer:    cfg.Tracer,
		newID:     cfg.NewID,
		active:    make(map[string]struct{}),
	}
	if r.executors == nil {
		r.executors = map[schema.StepType]StepExecutor{}
	}
	if r.clock == nil {
		r.clock = SystemClock{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.observer == nil {
		r.observer = nopObserver{}
	}
	if r.tracer == nil {
		r.tracer = noop.NewTracerProvider().Tracer("")
	}
	if r.newID == nil {
		r.newID = func() string { return uuid.New().String() }
	}
	return r, nil
}

// ScheduleRef identifies the schedule firing that started a run.
type ScheduleRef struct {
	ID   string
	AsOf time.Time
}

// RunRequest starts one run of one workflow.
type RunRequest struct {
	Workflow     *schema.Workflow // loaded by WorkflowID when nil
	WorkflowID   string
	ExecutionID  string // generated when empty
	TriggerEvent string
	Trigger      schema.TriggeringObject
	Schedule     *ScheduleRef
	Source       string
}

// RunResult is the outcome of Run or Resume.
type RunResult struct {
	ExecutionID string                      `json:"execution_id"`
	WorkflowID  string                      `json:"workflow_id"`
	Status      schema.RunStatus            `json:"status"`
	RootLogID   int64                       `json:"root_log_id"`
	Error       string                      `json:"error,omitempty"`
	Steps       map[string]schema.LogStatus `json:"steps"`
	TokenUsage  schema.TokenUsage           `json:"token_usage"`
	Cost        float64                     `json:"cost"`
	DurationMs  int64                       `json:"duration_ms"`
}

type runState struct {
	wf          *schema.Workflow
	executionID string
	triggerID   string
	data        *expressions.Context
	root        *schema.ExecutionLog
	parent      int64
	usage       schema.TokenUsage
	cost        float64
	steps       map[string]schema.LogStatus
	replay      map[string]*schema.ExecutionLog
	failure     string
}

func newRunState(wf *schema.Workflow, executionID, triggerID string, data *expressions.Context) *runState {
	return &runState{
		wf:          wf,
		executionID: executionID,
		triggerID:   triggerID,
		data:        data,
		steps:       make(map[string]schema.LogStatus),
	}
}

// InitialContext builds the context a run starts from.
func InitialContext(wf *schema.Workflow, executionID string, req RunRequest) map[string]any {
	trigger := make(map[string]any, len(req.Trigger.Payload)+3)
	for k, v := range req.Trigger.Payload {
		trigger[k] = v
	}
	trigger["event"] = req.TriggerEvent
	trigger["kind"] = req.Trigger.Kind
	trigger["id"] = req.Trigger.ID

	actor := req.Trigger.Actor
	if actor == nil {
		actor = map[string]any{}
	}
	data := map[string]any{
		expressions.KeyTrigger: trigger,
		expressions.KeyActor:   actor,
		expressions.KeyWorkflow: map[string]any{
			"id":           wf.ID,
			"name":         wf.Name,
			"execution_id": executionID,
		},
	}
	if req.Schedule != nil {
		data[expressions.KeySchedule] = map[string]any{
			"id":    req.Schedule.ID,
			"as_of": req.Schedule.AsOf.UTC().Format(time.RFC3339),
		}
	}
	return data
}

// Run executes one run to completion. The returned result is non-nil
// whenever the root log was opened.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	wf := req.Workflow
	if wf == nil {
		var err error
		if wf, err = r.workflows.GetWorkflow(ctx, req.WorkflowID); err != nil {
			return nil, err
		}
	}
	execID := req.ExecutionID
	if execID == "" {
		execID = r.newID()
	}
	source := req.Source
	if source == "" {
		source = SourceEvent
	}
	if !r.claim(execID) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running", execID)
	}
	defer r.release(execID)
	ctx = logging.WithRun(ctx, wf.ID, execID)

	st := newRunState(wf, execID, req.Trigger.ID, expressions.NewContext(InitialContext(wf, execID, req)))
	root, err := r.ledger.Open(ctx, ledger.OpenRequest{
		WorkflowID:         wf.ID,
		ExecutionID:        execID,
		TriggeringObjectID: req.Trigger.ID,
		Input:              st.data.Snapshot(),
	})
	if err != nil {
		return nil, err
	}
	r.observer.RunStarted(source)
	r.logger.InfoContext(ctx, "run started", "source", source, "trigger_event", req.TriggerEvent)
	return r.execute(ctx, st, root)
}

// Resume re-enters a failed or interrupted run. Successful and skipped
// step logs are replayed into the context instead of re-executed, open
// logs left behind are sealed failed, and a new root log is opened under
// the previous one. An execution still running in this process is a
// CONFLICT.
func (r *Runner) Resume(ctx context.Context, executionID string) (*RunResult, error) {
	if !r.claim(executionID) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is still running", executionID)
	}
	defer r.release(executionID)

	logs, err := r.ledger.Logs(ctx, executionID)
	if err != nil {
		return nil, err
	}
	var first, latest *schema.ExecutionLog
	for _, l := range logs {
		if l.IsRoot() {
			if first == nil {
				first = l
			}
			latest = l
		}
	}
	if latest == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
	}
	if latest.Status == schema.LogStatusSuccess {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s already completed", executionID)
	}

	wf, err := r.workflows.GetWorkflow(ctx, latest.WorkflowID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRun(ctx, wf.ID, executionID)

	replay := make(map[string]*schema.ExecutionLog)
	for _, l := range logs {
		if !l.Status.Terminal() {
			if err := r.ledger.Seal(ctx, l, schema.LogSeal{Status: schema.LogStatusFailed, ErrorMessage: "interrupted"}); err != nil {
				return nil, err
			}
			continue
		}
		if !l.IsRoot() && (l.Status == schema.LogStatusSuccess || l.Status == schema.LogStatusSkipped) {
			replay[l.StepID] = l
		}
	}

	var initial map[string]any
	if len(first.InputContext) > 0 {
		if err := json.Unmarshal(first.InputContext, &initial); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "execution %s: decode input context: %s", executionID, err.Error()).WithCause(err)
		}
	}
	st := newRunState(wf, executionID, first.TriggeringObjectID, expressions.NewContext(initial))
	st.replay = replay

	root, err := r.ledger.Open(ctx, ledger.OpenRequest{
		WorkflowID:         wf.ID,
		ExecutionID:        executionID,
		TriggeringObjectID: first.TriggeringObjectID,
		ParentID:           &latest.ID,
		Input:              st.data.Snapshot(),
	})
	if err != nil {
		return nil, err
	}
	r.observer.RunStarted(SourceResume)
	r.logger.InfoContext(ctx, "run resumed", "replayed_steps", len(replay), "previous_root", latest.ID)
	return r.execute(ctx, st, root)
}

func (r *Runner) claim(executionID string) bool {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	if _, ok := r.active[executionID]; ok {
		return false
	}
	r.active[executionID] = struct{}{}
	return true
}

func (r *Runner) release(executionID string) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	delete(r.active, executionID)
}

// execute wraps the run in a span.
func (r *Runner) execute(ctx context.Context, st *runState, root *schema.ExecutionLog) (*RunResult, error) {
	ctx, span := r.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", st.wf.ID),
		attribute.String("execution.id", st.executionID),
		attribute.Int64("log.root_id", root.ID),
		attribute.Bool("run.resumed", st.replay != nil),
	))
	defer span.End()

	res, err := r.executePlan(ctx, st, root)
	if res != nil {
		span.SetAttributes(
			attribute.String("run.status", string(res.Status)),
			attribute.Int64("ai.tokens", res.TokenUsage.Total),
		)
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Status == schema.RunStatusFailed:
		span.SetStatus(codes.Error, res.Error)
	}
	return res, err
}

func (r *Runner) executePlan(ctx context.Context, st *runState, root *schema.ExecutionLog) (*RunResult, error) {
	st.root = root
	st.parent = root.ID
	start := r.clock.Now()

	abandoned := false
	plan, err := graph.Build(st.wf)
	if err != nil {
		abandoned = true
		st.failure = err.Error()
	} else if abandoned, err = r.walk(ctx, st, plan.Root); err != nil {
		r.logger.ErrorContext(ctx, "run interrupted", "error", err)
		return st.result(schema.RunStatusRunning, start, r.clock.Now()), err
	}

	status := schema.LogStatusSuccess
	if abandoned {
		status = schema.LogStatusFailed
	}
	end := r.clock.Now()
	err = r.ledger.Seal(ctx, root, schema.LogSeal{
		Status:       status,
		ErrorMessage: st.failure,
		DurationMs:   end.Sub(start).Milliseconds(),
		TokenUsage:   st.usage,
		Cost:         st.cost,
	})
	if err != nil {
		return st.result(schema.RunStatusRunning, start, end), err
	}

	result := st.result(ledger.RunStatusOf(status), start, end)
	r.observer.RunFinished(result.Status)
	if abandoned {
		r.logger.WarnContext(ctx, "run failed", "reason", st.failure, "duration_ms", result.DurationMs)
	} else {
		r.logger.InfoContext(ctx, "run completed", "steps", len(st.steps), "duration_ms", result.DurationMs)
	}
	return result, nil
}

func (st *runState) result(status schema.RunStatus, start, end time.Time) *RunResult {
	return &RunResult{
		ExecutionID: st.executionID,
		WorkflowID:  st.wf.ID,
		Status:      status,
		RootLogID:   st.root.ID,
		Error:       st.failure,
		Steps:       st.steps,
		TokenUsage:  st.usage,
		Cost:        st.cost,
		DurationMs:  end.Sub(start).Milliseconds(),
	}
}

// walk runs nodes in order, descending into the selected branch of each
// CONDITION step. It reports whether the run was abandoned.
func (r *Runner) walk(ctx context.Context, st *runState, nodes []*graph.Node) (bool, error) {
	for _, n := range nodes {
		out, err := r.step(ctx, st, n)
		if err != nil {
			return false, err
		}
		if out.abandon {
			return true, nil
		}
		if n.Type() == schema.StepTypeCondition && out.status == schema.LogStatusSuccess {
			abandoned, err := r.walk(ctx, st, n.Children(out.branch))
			if err != nil || abandoned {
				return abandoned, err
			}
		}
	}
	return false, nil
}

type stepOutcome struct {
	status  schema.LogStatus
	branch  schema.Branch
	abandon bool
}

// step runs one node inside a span. Replayed steps get none.
func (r *Runner) step(ctx context.Context, st *runState, n *graph.Node) (stepOutcome, error) {
	if _, ok := st.replay[n.ID]; ok {
		return r.runStep(ctx, st, n)
	}
	ctx, span := r.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("step.id", n.ID),
		attribute.String("step.type", string(n.Type())),
	))
	defer span.End()

	out, err := r.runStep(ctx, st, n)
	span.SetAttributes(attribute.String("step.status", string(out.status)))
	if out.branch != schema.BranchNone {
		span.SetAttributes(attribute.String("step.branch", string(out.branch)))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case out.status == schema.LogStatusFailed:
		span.SetStatus(codes.Error, "step failed")
	}
	return out, err
}

func (r *Runner) runStep(ctx context.Context, st *runState, n *graph.Node) (stepOutcome, error) {
	if prior, ok := st.replay[n.ID]; ok {
		return r.replayStep(st, n, prior), nil
	}
	ctx = logging.WithStepID(ctx, n.ID)

	if !n.Config.IsEnabled() {
		entry, err := r.open(ctx, st, n, st.parent, 1, schema.LogStatusPending)
		if err != nil {
			return stepOutcome{}, err
		}
		if err := r.ledger.Seal(ctx, entry, schema.LogSeal{Status: schema.LogStatusSkipped}); err != nil {
			return stepOutcome{}, err
		}
		st.record(n, entry)
		r.observer.StepFinished(n.Type(), schema.LogStatusSkipped, 0)
		return stepOutcome{status: schema.LogStatusSkipped}, nil
	}

	initial := schema.LogStatusRunning
	if n.Delay > 0 {
		initial = schema.LogStatusPending
	}
	entry, err := r.open(ctx, st, n, st.parent, 1, initial)
	if err != nil {
		return stepOutcome{}, err
	}

	exec, ok := r.executors[n.Type()]
	if !ok {
		// Fails without waiting out any delay.
		err := schema.NewErrorf(schema.ErrCodeConfiguration, "no executor registered for %s steps", n.Type()).WithStep(n.ID)
		return r.fail(ctx, st, n, entry, nil, err, 0)
	}

	if n.Delay > 0 {
		r.logger.DebugContext(ctx, "step delayed", "delay", n.Delay)
		if err := r.sleep(ctx, n.Delay); err != nil {
			return stepOutcome{}, err
		}
		if err := r.ledger.Start(ctx, entry); err != nil {
			return stepOutcome{}, err
		}
	}

	policy := n.Config.Retry
	for attempt := 1; ; attempt++ {
		res, d, execErr := r.attempt(ctx, exec, st, n, entry)
		if execErr == nil {
			return r.succeed(ctx, st, n, entry, res, d)
		}
		if ctx.Err() != nil {
			// Shutting down: the open log is sealed on resume.
			return stepOutcome{}, ctx.Err()
		}

		retry := attempt < maxAttempts(policy) && IsRetryableError(execErr) && !schema.IsConfigurationError(execErr)
		if !retry {
			return r.fail(ctx, st, n, entry, res, execErr, d)
		}
		if _, err := r.fail(ctx, st, n, entry, res, execErr, d); err != nil {
			return stepOutcome{}, err
		}

		backoff := ComputeBackoff(policy, attempt-1)
		r.logger.InfoContext(ctx, "retrying step", "attempt", attempt+1, "backoff", backoff, "error", execErr)
		if err := r.sleep(ctx, backoff); err != nil {
			return stepOutcome{}, err
		}
		if entry, err = r.open(ctx, st, n, entry.ID, attempt+1, schema.LogStatusRunning); err != nil {
			return stepOutcome{}, err
		}
	}
}

// sleep waits out d without holding a pool slot.
func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	return Park(ctx, func(ctx context.Context) error {
		return r.clock.Sleep(ctx, d)
	})
}

func (r *Runner) attempt(ctx context.Context, exec StepExecutor, st *runState, n *graph.Node, entry *schema.ExecutionLog) (*StepResult, time.Duration, error) {
	stepCtx := ctx
	var timeout time.Duration
	if n.Config.Timeout != "" {
		if d, err := time.ParseDuration(n.Config.Timeout); err == nil && d > 0 {
			timeout = d
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	start := r.clock.Now()
	res, err := exec.Execute(stepCtx, &StepRun{
		Node:    n,
		Context: st.data,
		Meta: actions.Meta{
			WorkflowID:  st.wf.ID,
			ExecutionID: st.executionID,
			StepID:      n.ID,
			Attempt:     entry.Attempt,
		},
	})
	d := r.clock.Now().Sub(start)

	if err != nil && timeout > 0 && ctx.Err() == nil && stepCtx.Err() == context.DeadlineExceeded {
		err = schema.NewErrorf(schema.ErrCodeTimeout, "step %s timed out after %s", n.ID, timeout).WithStep(n.ID).WithCause(err)
	}
	return res, d, err
}

func (r *Runner) succeed(ctx context.Context, st *runState, n *graph.Node, entry *schema.ExecutionLog, res *StepResult, d time.Duration) (stepOutcome, error) {
	if res == nil {
		res = &StepResult{}
	}
	if err := r.ledger.Seal(ctx, entry, sealFor(schema.LogStatusSuccess, res, nil, d)); err != nil {
		return stepOutcome{}, err
	}
	st.spend(res)
	st.record(n, entry)
	st.data.RecordStep(contextKeys(n), res.Output, res.Raw)
	for k, v := range res.Set {
		st.data.Set(k, v)
	}
	r.observeStep(n, schema.LogStatusSuccess, res, d)
	return stepOutcome{status: schema.LogStatusSuccess, branch: res.Branch}, nil
}

// fail seals entry as failed and decides whether the run goes on. A
// configuration error or a required step abandons the run.
func (r *Runner) fail(ctx context.Context, st *runState, n *graph.Node, entry *schema.ExecutionLog, res *StepResult, cause error, d time.Duration) (stepOutcome, error) {
	if err := r.ledger.Seal(ctx, entry, sealFor(schema.LogStatusFailed, res, cause, d)); err != nil {
		return stepOutcome{}, err
	}
	st.spend(res)
	st.record(n, entry)
	r.observeStep(n, schema.LogStatusFailed, res, d)

	out := stepOutcome{status: schema.LogStatusFailed}
	switch {
	case schema.IsConfigurationError(cause):
		out.abandon = true
		st.failure = "step " + n.ID + ": " + cause.Error()
	case n.Config.Required:
		out.abandon = true
		st.failure = "required step " + n.ID + " failed: " + cause.Error()
	}
	r.logger.WarnContext(ctx, "step failed", "attempt", entry.Attempt, "required", n.Config.Required, "abandon", out.abandon, "error", cause)
	return out, nil
}

func (r *Runner) replayStep(st *runState, n *graph.Node, prior *schema.ExecutionLog) stepOutcome {
	if prior.Status == schema.LogStatusSuccess {
		var output any
		if len(prior.ParsedOutput) > 0 {
			_ = json.Unmarshal(prior.ParsedOutput, &output)
		}
		st.data.RecordStep(contextKeys(n), output, prior.RawOutput)
		if len(prior.ContextSet) > 0 {
			var set map[string]any
			if err := json.Unmarshal(prior.ContextSet, &set); err == nil {
				for k, v := range set {
					st.data.Set(k, v)
				}
			}
		}
	}
	st.record(n, prior)
	return stepOutcome{status: prior.Status, branch: prior.Branch}
}

func (r *Runner) open(ctx context.Context, st *runState, n *graph.Node, parent int64, attempt int, status schema.LogStatus) (*schema.ExecutionLog, error) {
	return r.ledger.Open(ctx, ledger.OpenRequest{
		WorkflowID:         st.wf.ID,
		ExecutionID:        st.executionID,
		StepID:             n.ID,
		TriggeringObjectID: st.triggerID,
		ParentID:           &parent,
		Status:             status,
		Attempt:            attempt,
		Input:              st.data.Snapshot(),
	})
}

func (r *Runner) observeStep(n *graph.Node, status schema.LogStatus, res *StepResult, d time.Duration) {
	r.observer.StepFinished(n.Type(), status, d)
	if res != nil && n.Type() == schema.StepTypeAIPrompt {
		r.observer.Completion(res.Model, res.Usage, res.Cost)
	}
}

// record makes entry the parent of whatever runs next.
func (st *runState) record(n *graph.Node, entry *schema.ExecutionLog) {
	st.parent = entry.ID
	st.steps[n.ID] = entry.Status
}

func (st *runState) spend(res *StepResult) {
	if res == nil {
		return
	}
	st.usage = st.usage.Add(res.Usage)
	st.cost += res.Cost
}

func contextKeys(n *graph.Node) []string {
	keys := []string{n.Key}
	if def := "step_" + n.ID; def != n.Key {
		keys = append(keys, def)
	}
	return keys
}

func sealFor(status schema.LogStatus, res *StepResult, cause error, d time.Duration) schema.LogSeal {
	seal := schema.LogSeal{Status: status, DurationMs: d.Milliseconds()}
	if res != nil {
		seal.Branch = res.Branch
		seal.RawOutput = res.Raw
		seal.TokenUsage = res.Usage
		seal.Cost = res.Cost
		if res.Output != nil {
			if b, err := json.Marshal(res.Output); err == nil {
				seal.ParsedOutput = b
			}
		}
		if len(res.Set) > 0 {
			if b, err := json.Marshal(res.Set); err == nil {
				seal.ContextSet = b
			}
		}
	}
	if cause != nil {
		seal.ErrorMessage = cause.Error()
	}
	return seal
}
