package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/autoflow/internal/diagram"
	"github.com/rendis/autoflow/internal/graph"
	"github.com/rendis/autoflow/pkg/schema"
)

// handleEmit pushes a domain event through the dispatcher.
func (s *Server) handleEmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	event, err := req.RequireString("event")
	if err != nil {
		return mcp.NewToolResultError("event is required"), nil
	}
	obj := schema.TriggeringObject{
		Kind:    req.GetString("object_kind", ""),
		ID:      req.GetString("object_id", ""),
		Payload: mcp.ParseStringMap(req, "payload", nil),
		Actor:   mcp.ParseStringMap(req, "actor", nil),
	}

	started, emitErr := s.dispatcher.Emit(ctx, event, obj)
	if emitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("emit failed: %v", emitErr)), nil
	}

	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.watches.add(runWatch{agentID: agentID, sessionID: sessionIDFrom(ctx)}, started)
	}
	if started == nil {
		started = []string{}
	}
	return marshalResult(map[string]any{
		"event":         event,
		"execution_ids": started,
	})
}

// handleScheduleStatus evaluates a schedule without firing it.
func (s *Server) handleScheduleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	asOf := s.now().UTC()
	if v := req.GetString("as_of", ""); v != "" {
		t, parseErr := time.Parse(time.RFC3339, v)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid as_of: %v", parseErr)), nil
		}
		asOf = t
	}

	status, statusErr := s.dispatcher.Status(ctx, id, asOf)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(status)
}

// handleExecutionTree returns the log tree of an execution with its
// summary.
func (s *Server) handleExecutionTree(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	tree, treeErr := s.ledger.Tree(ctx, execID)
	if treeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tree query failed: %v", treeErr)), nil
	}
	summary, sumErr := s.ledger.Summary(ctx, execID)
	if sumErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("summary query failed: %v", sumErr)), nil
	}
	return marshalResult(map[string]any{
		"summary": summary,
		"tree":    tree,
	})
}

// handleSetActive toggles a schedule or workflow.
func (s *Server) handleSetActive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	active, err := req.RequireBool("active")
	if err != nil {
		return mcp.NewToolResultError("active is required"), nil
	}

	var setErr error
	switch resource {
	case "schedule":
		setErr = s.store.SetScheduleActive(ctx, id, active)
	case "workflow":
		setErr = s.store.SetWorkflowActive(ctx, id, active)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
	if setErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("set active failed: %v", setErr)), nil
	}

	s.logger.Info("activation changed", "resource", resource, "id", id, "active", active)
	return marshalResult(map[string]any{
		"ok":       true,
		"resource": resource,
		"id":       id,
		"active":   active,
	})
}

// handlePlan renders a workflow diagram in the requested format.
func (s *Server) handlePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	format := req.GetString("format", "mermaid")
	if format != "mermaid" && format != "ascii" {
		return mcp.NewToolResultError("format must be mermaid or ascii"), nil
	}

	wf, wfErr := s.store.GetWorkflow(ctx, workflowID)
	if wfErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %v", wfErr)), nil
	}
	plan, planErr := graph.Build(wf)
	if planErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid plan: %v", planErr)), nil
	}

	var logs []*schema.ExecutionLog
	if execID := req.GetString("execution_id", ""); execID != "" {
		l, logsErr := s.ledger.Logs(ctx, execID)
		if logsErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("log query failed: %v", logsErr)), nil
		}
		logs = l
	}

	model := diagram.Build(plan, wf.Name, logs)
	if format == "ascii" {
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Internal helpers ---

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
