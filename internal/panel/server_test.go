package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/dispatcher"
	"github.com/rendis/autoflow/internal/ledger"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

var now = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu      sync.Mutex
	emitted []string
	resumed []string
}

func (f *fakeDispatcher) Emit(_ context.Context, event string, obj schema.TriggeringObject) ([]string, error) {
	if event == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger event is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, event+":"+obj.ID)
	return []string{"ex-1"}, nil
}

func (f *fakeDispatcher) Status(_ context.Context, id string, asOf time.Time) (*dispatcher.ScheduleStatus, error) {
	if id != "sch-1" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %s not found", id)
	}
	return &dispatcher.ScheduleStatus{Schedule: &schema.Schedule{ID: id}, AsOf: asOf, Due: true}, nil
}

func (f *fakeDispatcher) Resume(_ context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, executionID)
	return nil
}

type testEnv struct {
	store  *store.LibSQLStore
	ledger *ledger.Ledger
	disp   *fakeDispatcher
	reg    *prometheus.Registry
	h      http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})

	env := &testEnv{
		store:  s,
		ledger: ledger.New(s, nil),
		disp:   &fakeDispatcher{},
		reg:    prometheus.NewRegistry(),
	}
	env.h = NewServer(Deps{
		Store:      s,
		Ledger:     env.ledger,
		Dispatcher: env.disp,
		Gatherer:   env.reg,
		Now:        func() time.Time { return now },
	}).Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	e, ok := decode(t, rec)["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	code, _ := e["code"].(string)
	return code
}

func TestSchedules(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveSchedule(context.Background(), &schema.Schedule{
		ID: "sch-1", Name: "daily", IsActive: true,
		Item:                 schema.ScheduledItem{Kind: schema.ItemKindWorkflow, ID: "wf"},
		StartAt:              now,
		RecurrenceExpression: "0 9 * * 1-5",
	}))

	rec := env.do(t, "GET", "/api/schedules?active=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["schedules"], 1)

	rec = env.do(t, "POST", "/api/schedules/sch-1/active", `{"active":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["is_active"])

	rec = env.do(t, "GET", "/api/schedules?active=true", "")
	assert.Empty(t, decode(t, rec)["schedules"])

	rec = env.do(t, "POST", "/api/schedules/missing/active", `{"active":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "POST", "/api/schedules/sch-1/active", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, rec))
}

func TestScheduleStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/api/schedules/sch-1/status?as_of=2025-01-07T09:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["due"])
	assert.Equal(t, "2025-01-07T09:00:00Z", body["as_of"])

	rec = env.do(t, "GET", "/api/schedules/sch-1/status", "")
	assert.Equal(t, "2025-01-06T09:00:00Z", decode(t, rec)["as_of"])

	rec = env.do(t, "GET", "/api/schedules/sch-1/status?as_of=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/api/schedules/nope/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflows(t *testing.T) {
	env := newTestEnv(t)
	cfg, _ := json.Marshal(schema.StepConfig{Action: "log"})
	require.NoError(t, env.store.SaveWorkflow(context.Background(), &schema.Workflow{
		ID: "wf", Name: "Triage", TriggerEvent: "ticket.created", IsActive: true,
		Steps: []schema.WorkflowStep{
			{ID: "s1", Name: "Classify", StepOrder: 1, Type: schema.StepTypeAIPrompt, PromptName: "classify"},
			{ID: "s2", Name: "Log", StepOrder: 2, Type: schema.StepTypeAction, Config: cfg},
		},
	}))

	rec := env.do(t, "GET", "/api/workflows?trigger_event=ticket.created", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["workflows"], 1)

	rec = env.do(t, "GET", "/api/workflows/wf/plan", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "mermaid", body["format"])
	assert.Contains(t, body["diagram"], "s1 --> s2")

	rec = env.do(t, "GET", "/api/workflows/wf/plan?format=ascii", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec)["diagram"], "[AI] s1: Classify (prompt classify)")

	rec = env.do(t, "GET", "/api/workflows/wf/plan?format=svg", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/api/workflows/missing/plan", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "POST", "/api/workflows/wf/active", `{"active":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, "GET", "/api/workflows?active=true", "")
	assert.Empty(t, decode(t, rec)["workflows"])
}

func TestEmit(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/events", `{"event":"ticket.created","object":{"kind":"ticket","id":"T-1"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []any{"ex-1"}, decode(t, rec)["execution_ids"])
	assert.Equal(t, []string{"ticket.created:T-1"}, env.disp.emitted)

	rec = env.do(t, "POST", "/api/events", `{"object":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/api/events", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func openRun(t *testing.T, l *ledger.Ledger, execID string, status schema.LogStatus) {
	t.Helper()
	ctx := context.Background()
	root, err := l.Open(ctx, ledger.OpenRequest{WorkflowID: "wf", ExecutionID: execID})
	require.NoError(t, err)
	step, err := l.Open(ctx, ledger.OpenRequest{WorkflowID: "wf", ExecutionID: execID, StepID: "s1", ParentID: &root.ID})
	require.NoError(t, err)
	require.NoError(t, l.Seal(ctx, step, schema.LogSeal{Status: status, DurationMs: 5}))
	require.NoError(t, l.Seal(ctx, root, schema.LogSeal{Status: status, DurationMs: 7}))
}

func TestExecutions(t *testing.T) {
	env := newTestEnv(t)
	openRun(t, env.ledger, "ex-failed", schema.LogStatusFailed)
	openRun(t, env.ledger, "ex-done", schema.LogStatusSuccess)

	rec := env.do(t, "GET", "/api/executions?workflow_id=wf", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["executions"], 2)

	rec = env.do(t, "GET", "/api/executions/ex-failed/tree", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tree := decode(t, rec)
	assert.Len(t, tree["children"], 1)

	rec = env.do(t, "GET", "/api/executions/ex-failed/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(schema.RunStatusFailed), decode(t, rec)["status"])

	rec = env.do(t, "POST", "/api/executions/ex-failed/resume", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"ex-failed"}, env.disp.resumed)

	rec = env.do(t, "POST", "/api/executions/ex-done/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeConflict, errorCode(t, rec))

	rec = env.do(t, "GET", "/api/executions/unknown/tree", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, "POST", "/api/executions/unknown/resume", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "autoflow_test_total", Help: "test"})
	env.reg.MustRegister(c)
	c.Inc()

	rec := env.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autoflow_test_total 1")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(schema.ErrCodeCycleDetected))
	assert.Equal(t, http.StatusInternalServerError, statusFor(schema.ErrCodeStore))
}
