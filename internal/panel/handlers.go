package panel

import (
	"net/http"

	"github.com/rendis/autoflow/internal/diagram"
	"github.com/rendis/autoflow/internal/graph"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

type activeBody struct {
	Active *bool `json:"active"`
}

func (b activeBody) validate() error {
	if b.Active == nil {
		return schema.NewError(schema.ErrCodeValidation, "active is required")
	}
	return nil
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	schedules, err := s.deps.Store.ListSchedules(r.Context(), store.ScheduleFilter{
		ActiveOnly: queryBool(r, "active"),
		ItemKind:   schema.ItemKind(q.Get("item_kind")),
		ItemID:     q.Get("item_id"),
		Limit:      queryInt(r, "limit", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

// handleScheduleStatus evaluates a schedule without firing it.
func (s *Server) handleScheduleStatus(w http.ResponseWriter, r *http.Request) {
	at, err := s.asOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.deps.Dispatcher.Status(r.Context(), r.PathValue("id"), at)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetScheduleActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var body activeBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.SetScheduleActive(ctx, id, *body.Active); err != nil {
		writeError(w, err)
		return
	}
	sched, err := s.deps.Store.GetSchedule(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Logger.InfoContext(ctx, "schedule activation changed", "schedule_id", id, "active", *body.Active)
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.deps.Store.ListWorkflows(r.Context(), store.WorkflowFilter{
		TriggerEvent: r.URL.Query().Get("trigger_event"),
		ActiveOnly:   queryBool(r, "active"),
		WithSteps:    queryBool(r, "steps"),
		Limit:        queryInt(r, "limit", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleSetWorkflowActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var body activeBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.SetWorkflowActive(ctx, id, *body.Active); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Logger.InfoContext(ctx, "workflow activation changed", "workflow_id", id, "active", *body.Active)
	writeJSON(w, http.StatusOK, map[string]any{"workflow_id": id, "is_active": *body.Active})
}

// handleWorkflowPlan renders the workflow's step plan. With execution_id
// the statuses of that run are overlaid.
func (s *Server) handleWorkflowPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wf, err := s.deps.Store.GetWorkflow(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	plan, err := graph.Build(wf)
	if err != nil {
		writeError(w, err)
		return
	}

	var logs []*schema.ExecutionLog
	if execID := r.URL.Query().Get("execution_id"); execID != "" {
		if logs, err = s.deps.Ledger.Logs(ctx, execID); err != nil {
			writeError(w, err)
			return
		}
	}
	model := diagram.Build(plan, wf.Name, logs)

	format := r.URL.Query().Get("format")
	switch format {
	case "", "mermaid":
		format = "mermaid"
		writeJSON(w, http.StatusOK, map[string]any{"workflow_id": wf.ID, "format": format, "diagram": diagram.RenderMermaid(model)})
	case "ascii":
		writeJSON(w, http.StatusOK, map[string]any{"workflow_id": wf.ID, "format": format, "diagram": diagram.RenderASCII(model)})
	default:
		writeMessage(w, http.StatusBadRequest, "format must be mermaid or ascii")
	}
}
