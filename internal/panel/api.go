package panel

import (
	"net/http"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// handleEmit pushes a domain event. Matching workflows run in the
// background; the response carries their execution IDs.
func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Event  string                  `json:"event"`
		Object schema.TriggeringObject `json:"object"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	started, err := s.deps.Dispatcher.Emit(r.Context(), body.Event, body.Object)
	if err != nil {
		writeError(w, err)
		return
	}
	if started == nil {
		started = []string{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event": body.Event, "execution_ids": started})
}

// handleListExecutions lists root logs, newest first.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Ledger.ListRuns(r.Context(), store.ExecutionFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      queryInt(r, "limit", 50),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": runs})
}

func (s *Server) handleExecutionTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.deps.Ledger.Tree(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleExecutionSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Ledger.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleResume re-enters a failed or interrupted run in the background.
// Completed runs are rejected up front, runs still in flight by the
// dispatcher.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	execID := r.PathValue("id")

	sum, err := s.deps.Ledger.Summary(ctx, execID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sum.Status == schema.RunStatusCompleted {
		writeError(w, schema.NewErrorf(schema.ErrCodeConflict, "execution %s already completed", execID))
		return
	}
	if err := s.deps.Dispatcher.Resume(ctx, execID); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Logger.InfoContext(ctx, "resume requested", "execution_id", execID)
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": execID, "status": "resuming"})
}
