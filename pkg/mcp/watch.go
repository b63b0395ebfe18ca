package mcp

import (
	"context"
	"errors"
	"sync"

	"github.com/mark3labs/mcp-go/server"
)

// RunNotificationMethod is the JSON-RPC method of run notifications.
const RunNotificationMethod = "notifications/autoflow/run_finished"

// RunNotification tells an agent that a run it started through
// autoflow.emit has finished.
type RunNotification struct {
	AgentID     string
	ExecutionID string
	WorkflowID  string
	Event       string // run_completed or run_failed
	Payload     any
}

func (n RunNotification) params() map[string]any {
	return map[string]any{
		"agent_id":     n.AgentID,
		"type":         n.Event,
		"execution_id": n.ExecutionID,
		"workflow_id":  n.WorkflowID,
		"payload":      n.Payload,
	}
}

// RunNotifier delivers run notifications to the MCP session that asked
// for them. sessionID is empty when the emit call carried no session.
type RunNotifier interface {
	NotifyRun(ctx context.Context, sessionID string, n RunNotification) error
}

// sessionNotifier pushes over the MCP server's own client sessions.
type sessionNotifier struct {
	srv *server.MCPServer
}

// NotifyRun is best effort: a missing or closed session is not an error.
func (p sessionNotifier) NotifyRun(_ context.Context, sessionID string, n RunNotification) error {
	if sessionID == "" {
		return nil
	}
	err := p.srv.SendNotificationToSpecificClient(sessionID, RunNotificationMethod, n.params())
	if errors.Is(err, server.ErrSessionNotFound) {
		return nil
	}
	return err
}

type runWatch struct {
	agentID   string
	sessionID string
}

// runWatches maps execution IDs to whoever is waiting on them. An entry is
// consumed by the first terminal event for its execution.
type runWatches struct {
	mu     sync.Mutex
	byExec map[string]runWatch
}

func newRunWatches() *runWatches {
	return &runWatches{byExec: make(map[string]runWatch)}
}

func (w *runWatches) add(watch runWatch, executionIDs []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range executionIDs {
		w.byExec[id] = watch
	}
}

func (w *runWatches) take(executionID string) (runWatch, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	watch, ok := w.byExec[executionID]
	delete(w.byExec, executionID)
	return watch, ok
}

// dropSession forgets every watch held by a closed session.
func (w *runWatches) dropSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, watch := range w.byExec {
		if watch.sessionID == sessionID {
			delete(w.byExec, id)
		}
	}
}

func (w *runWatches) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byExec)
}

func sessionIDFrom(ctx context.Context) string {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}
