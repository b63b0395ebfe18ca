package mcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.IsType(t, sessionNotifier{}, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	for _, name := range []string{
		"autoflow.emit",
		"autoflow.schedule_status",
		"autoflow.execution_tree",
		"autoflow.set_active",
		"autoflow.plan",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	sessions []string
	sent     []RunNotification
}

func (n *recordingNotifier) NotifyRun(_ context.Context, sessionID string, rn RunNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions = append(n.sessions, sessionID)
	n.sent = append(n.sent, rn)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func TestWatchRuns_NotifiesWatchingAgent(t *testing.T) {
	hub := streaming.NewMemoryHub()
	notifier := &recordingNotifier{}
	s := NewServer(ServerDeps{Hub: hub, Notifier: notifier})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.WatchRuns(ctx))

	s.watches.add(runWatch{agentID: "agent-1", sessionID: "sess-1"}, []string{"ex-1"})
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{ExecutionID: "ex-2", EventType: schema.EventRunCompleted}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{ExecutionID: "ex-1", EventType: schema.EventLogSealed}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{ExecutionID: "ex-1", EventType: schema.EventRunFailed}))

	require.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 10*time.Millisecond)

	notifier.mu.Lock()
	assert.Equal(t, "sess-1", notifier.sessions[0])
	assert.Equal(t, "agent-1", notifier.sent[0].AgentID)
	assert.Equal(t, schema.EventRunFailed, notifier.sent[0].Event)
	notifier.mu.Unlock()

	assert.Zero(t, s.watches.len())
}

func TestWatchRuns_NoHub(t *testing.T) {
	s := NewServer(ServerDeps{})
	assert.NoError(t, s.WatchRuns(context.Background()))
}

func TestSessionNotifier_BestEffort(t *testing.T) {
	s := NewServer(ServerDeps{})
	n := sessionNotifier{srv: s.MCPServer()}
	rn := RunNotification{AgentID: "a", ExecutionID: "ex-1", Event: schema.EventRunCompleted}
	assert.NoError(t, n.NotifyRun(context.Background(), "", rn))
	assert.NoError(t, n.NotifyRun(context.Background(), "gone", rn))
}

func TestRunWatches(t *testing.T) {
	w := newRunWatches()
	w.add(runWatch{agentID: "a1", sessionID: "s1"}, []string{"ex-1", "ex-2"})
	w.add(runWatch{agentID: "a2", sessionID: "s2"}, []string{"ex-3"})

	got, ok := w.take("ex-1")
	require.True(t, ok)
	assert.Equal(t, "a1", got.agentID)
	_, ok = w.take("ex-1")
	assert.False(t, ok, "a watch fires once")

	w.dropSession("s1")
	_, ok = w.take("ex-2")
	assert.False(t, ok)
	assert.Equal(t, 1, w.len())
}
