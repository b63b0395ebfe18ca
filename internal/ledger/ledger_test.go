package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

func newTestLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return New(s, nil, opts...)
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var e *schema.Error
	require.True(t, errors.As(err, &e), "expected *schema.Error, got %T: %v", err, err)
	assert.Equal(t, code, e.Code)
}

func openRoot(t *testing.T, l *Ledger, execID string) *schema.ExecutionLog {
	t.Helper()
	root, err := l.Open(context.Background(), OpenRequest{
		WorkflowID: "wf-1", ExecutionID: execID, TriggeringObjectID: "email-1",
		Input: map[string]any{"trigger": map[string]any{"subject": "server down"}},
	})
	require.NoError(t, err)
	return root
}

func openStep(t *testing.T, l *Ledger, execID, stepID string, parent *schema.ExecutionLog) *schema.ExecutionLog {
	t.Helper()
	entry, err := l.Open(context.Background(), OpenRequest{
		WorkflowID: "wf-1", ExecutionID: execID, StepID: stepID, ParentID: &parent.ID,
	})
	require.NoError(t, err)
	return entry
}

func seal(t *testing.T, l *Ledger, entry *schema.ExecutionLog, status schema.LogStatus) {
	t.Helper()
	require.NoError(t, l.Seal(context.Background(), entry, schema.LogSeal{Status: status, DurationMs: 5}))
}

func TestOpen_RequiresParentForSteps(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Open(context.Background(), OpenRequest{WorkflowID: "wf", ExecutionID: "ex", StepID: "s1"})
	requireCode(t, err, schema.ErrCodeValidation)

	_, err = l.Open(context.Background(), OpenRequest{WorkflowID: "wf"})
	requireCode(t, err, schema.ErrCodeValidation)

	_, err = l.Open(context.Background(), OpenRequest{WorkflowID: "wf", ExecutionID: "ex", Status: schema.LogStatusSuccess})
	requireCode(t, err, schema.ErrCodeInvalidTransition)
}

func TestOpen_Defaults(t *testing.T) {
	now := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	l := newTestLedger(t, WithClock(func() time.Time { return now }))

	root := openRoot(t, l, "ex-1")
	assert.Equal(t, schema.LogStatusRunning, root.Status)
	assert.Equal(t, 1, root.Attempt)
	assert.True(t, root.IsRoot())
	assert.Equal(t, now, root.ExecutedAt)
	assert.JSONEq(t, `{"trigger":{"subject":"server down"}}`, string(root.InputContext))
}

func TestSeal_IsFinal(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	root := openRoot(t, l, "ex-1")

	step, err := l.Open(ctx, OpenRequest{
		WorkflowID: "wf-1", ExecutionID: "ex-1", StepID: "s1", ParentID: &root.ID, Status: schema.LogStatusPending,
	})
	require.NoError(t, err)
	require.NoError(t, l.Start(ctx, step))
	assert.Equal(t, schema.LogStatusRunning, step.Status)

	require.NoError(t, l.Seal(ctx, step, schema.LogSeal{
		Status: schema.LogStatusSuccess, RawOutput: "ok", TokenUsage: schema.TokenUsage{Input: 3, Output: 2, Total: 5},
	}))
	assert.Equal(t, "ok", step.RawOutput)

	err = l.Seal(ctx, step, schema.LogSeal{Status: schema.LogStatusFailed})
	requireCode(t, err, schema.ErrCodeInvalidTransition)

	err = l.Transition(ctx, step, schema.LogStatusRunning)
	requireCode(t, err, schema.ErrCodeInvalidTransition)

	stored, err := l.Get(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.LogStatusSuccess, stored.Status)
	assert.Equal(t, int64(5), stored.TokenUsage.Total)
}

func TestSeal_RejectsNonTerminal(t *testing.T) {
	l := newTestLedger(t)
	root := openRoot(t, l, "ex-1")
	err := l.Seal(context.Background(), root, schema.LogSeal{Status: schema.LogStatusRunning})
	requireCode(t, err, schema.ErrCodeInvalidTransition)
}

func TestPendingCanBeSkipped(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	root := openRoot(t, l, "ex-1")
	step, err := l.Open(ctx, OpenRequest{
		WorkflowID: "wf-1", ExecutionID: "ex-1", StepID: "s1", ParentID: &root.ID, Status: schema.LogStatusPending,
	})
	require.NoError(t, err)
	seal(t, l, step, schema.LogStatusSkipped)
	assert.Equal(t, schema.LogStatusSkipped, step.Status)
}

func TestFSMHooks(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var seen []string
	l.FSM().OnTransition(func(_ context.Context, e *schema.ExecutionLog, from, to schema.LogStatus) {
		seen = append(seen, e.StepID+":"+string(from)+">"+string(to))
	})

	root := openRoot(t, l, "ex-1")
	a := openStep(t, l, "ex-1", "a", root)
	seal(t, l, a, schema.LogStatusFailed)

	b, err := l.Open(ctx, OpenRequest{WorkflowID: "wf-1", ExecutionID: "ex-1", StepID: "b", ParentID: &a.ID, Status: schema.LogStatusPending})
	require.NoError(t, err)
	require.NoError(t, l.Start(ctx, b))

	// Rejected transitions reach no hook.
	requireCode(t, l.Start(ctx, a), schema.ErrCodeInvalidTransition)
	assert.Equal(t, []string{"a:running>failed", "b:pending>running"}, seen)
}

func TestTree_Lineage(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	root := openRoot(t, l, "ex-1")
	s1 := openStep(t, l, "ex-1", "s1", root)
	seal(t, l, s1, schema.LogStatusSuccess)
	s2 := openStep(t, l, "ex-1", "s2", s1)
	require.NoError(t, l.Seal(ctx, s2, schema.LogSeal{Status: schema.LogStatusSuccess, Branch: schema.BranchTrue}))
	s3 := openStep(t, l, "ex-1", "s3", s2)
	seal(t, l, s3, schema.LogStatusSuccess)
	seal(t, l, root, schema.LogStatusSuccess)

	// Another execution must not leak in.
	other := openRoot(t, l, "ex-2")
	seal(t, l, other, schema.LogStatusSuccess)

	tree, err := l.Tree(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, root.ID, tree.Log.ID)
	require.Len(t, tree.Children, 1)
	n1 := tree.Children[0]
	assert.Equal(t, "s1", n1.Log.StepID)
	require.Len(t, n1.Children, 1)
	n2 := n1.Children[0]
	assert.Equal(t, schema.BranchTrue, n2.Log.Branch)
	require.Len(t, n2.Children, 1)
	assert.Equal(t, "s3", n2.Children[0].Log.StepID)

	_, err = l.Tree(ctx, "missing")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestBuildTree_BrokenLineage(t *testing.T) {
	orphanParent := int64(99)
	cases := map[string][]*schema.ExecutionLog{
		"step without parent": {
			{ID: 1, ExecutionID: "ex"},
			{ID: 2, ExecutionID: "ex", StepID: "s1"},
		},
		"missing parent": {
			{ID: 1, ExecutionID: "ex"},
			{ID: 2, ExecutionID: "ex", StepID: "s1", ParentID: &orphanParent},
		},
		"two roots": {
			{ID: 1, ExecutionID: "ex"},
			{ID: 2, ExecutionID: "ex"},
		},
	}
	for name, logs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := BuildTree("ex", logs)
			requireCode(t, err, schema.ErrCodeValidation)
		})
	}
}

func TestSummary(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	root := openRoot(t, l, "ex-1")
	ai := openStep(t, l, "ex-1", "ai", root)
	require.NoError(t, l.Seal(ctx, ai, schema.LogSeal{
		Status: schema.LogStatusSuccess, TokenUsage: schema.TokenUsage{Input: 10, Output: 5, Total: 15}, Cost: 0.01,
	}))
	act := openStep(t, l, "ex-1", "act", ai)
	seal(t, l, act, schema.LogStatusFailed)

	sum, err := l.Summary(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, sum.Status)
	assert.Equal(t, 1, sum.Attempts)

	require.NoError(t, l.Seal(ctx, root, schema.LogSeal{Status: schema.LogStatusSuccess, DurationMs: 40}))
	sum, err = l.Summary(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, sum.Status)
	assert.Equal(t, "wf-1", sum.WorkflowID)
	assert.Equal(t, map[string]int{"success": 1, "failed": 1}, sum.Steps)
	assert.Equal(t, int64(15), sum.TokenUsage.Total)
	assert.InDelta(t, 0.01, sum.Cost, 1e-9)
	assert.Equal(t, int64(40), sum.DurationMs)
}

func TestSummary_ResumedRunUsesLatestRoot(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first := openRoot(t, l, "ex-1")
	seal(t, l, first, schema.LogStatusFailed)
	second, err := l.Open(ctx, OpenRequest{WorkflowID: "wf-1", ExecutionID: "ex-1", ParentID: &first.ID})
	require.NoError(t, err)
	seal(t, l, second, schema.LogStatusSuccess)

	sum, err := l.Summary(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, sum.Status)
	assert.Equal(t, 2, sum.Attempts)

	tree, err := l.Tree(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, second.ID, tree.Children[0].Log.ID)
}

func TestListOpenRuns(t *testing.T) {
	l := newTestLedger(t)
	done := openRoot(t, l, "ex-done")
	seal(t, l, done, schema.LogStatusSuccess)
	open := openRoot(t, l, "ex-open")

	runs, err := l.ListOpenRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, open.ID, runs[0].ID)
}

func TestPublishesEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	l := newTestLedger(t, WithHub(hub))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: "ex-1"})
	require.NoError(t, err)
	defer cancel()

	root := openRoot(t, l, "ex-1")
	step := openStep(t, l, "ex-1", "s1", root)
	require.NoError(t, l.Seal(ctx, step, schema.LogSeal{Status: schema.LogStatusFailed, ErrorMessage: "boom"}))
	require.NoError(t, l.Seal(ctx, root, schema.LogSeal{Status: schema.LogStatusFailed}))

	var types []string
	for i := 0; i < 6; i++ {
		select {
		case evt := <-ch:
			types = append(types, evt.EventType)
			assert.Equal(t, "ex-1", evt.ExecutionID)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %v", types)
		}
	}
	assert.Equal(t, []string{
		schema.EventLogOpened, schema.EventRunStarted,
		schema.EventLogOpened,
		schema.EventLogSealed,
		schema.EventLogSealed, schema.EventRunFailed,
	}, types)
}
