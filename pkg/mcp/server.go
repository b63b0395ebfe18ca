// Package mcp exposes autoflow's operator surface as MCP tools: pushing
// events, inspecting schedules and execution trees, rendering plans, and
// toggling activation.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autoflow/internal/dispatcher"
	"github.com/rendis/autoflow/internal/ledger"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// Dispatcher is the part of *dispatcher.Dispatcher the tools drive.
type Dispatcher interface {
	Emit(ctx context.Context, event string, obj schema.TriggeringObject) ([]string, error)
	Status(ctx context.Context, scheduleID string, asOf time.Time) (*dispatcher.ScheduleStatus, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Store      store.Store
	Ledger     *ledger.Ledger
	Dispatcher Dispatcher
	Hub        streaming.EventHub // nil disables run notifications
	Notifier   RunNotifier        // nil pushes over the emitting MCP session
	Logger     *slog.Logger
	Now        func() time.Time
}

// Server wraps an MCP server with autoflow tool handlers.
type Server struct {
	store      store.Store
	ledger     *ledger.Ledger
	dispatcher Dispatcher
	hub        streaming.EventHub
	notifier   RunNotifier
	watches    *runWatches
	logger     *slog.Logger
	now        func() time.Time
	mcpServer  *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		store:      deps.Store,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		hub:        deps.Hub,
		watches:    newRunWatches(),
		logger:     logger,
		now:        deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.watches.dropSession(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"autoflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Autoflow runs AI-assisted workflows from schedules and domain events. Use autoflow.emit to push an event, autoflow.schedule_status to see when a schedule fires next, autoflow.execution_tree to inspect a run, autoflow.plan to render a workflow, and autoflow.set_active to pause or resume a schedule or workflow."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = sessionNotifier{srv: mcpSrv}
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Run notifications are pushed while it serves.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.WatchRuns(ctx); err != nil {
		return err
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// WatchRuns notifies agents when the runs they started finish. It returns
// once subscribed; delivery stops when ctx is done.
func (s *Server) WatchRuns(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	ch, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventRunCompleted, schema.EventRunFailed},
	})
	if err != nil {
		return err
	}
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.notifyFinished(ctx, ev)
			}
		}
	}()
	return nil
}

func (s *Server) notifyFinished(ctx context.Context, ev streaming.StreamEvent) {
	watch, ok := s.watches.take(ev.ExecutionID)
	if !ok {
		return
	}
	err := s.notifier.NotifyRun(ctx, watch.sessionID, RunNotification{
		AgentID:     watch.agentID,
		ExecutionID: ev.ExecutionID,
		WorkflowID:  ev.WorkflowID,
		Event:       ev.EventType,
		Payload:     ev.Payload,
	})
	if err != nil {
		s.logger.Warn("run notification failed", "agent_id", watch.agentID, "execution_id", ev.ExecutionID, "error", err)
	}
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: emitTool(), Handler: s.handleEmit},
		{Tool: scheduleStatusTool(), Handler: s.handleScheduleStatus},
		{Tool: executionTreeTool(), Handler: s.handleExecutionTree},
		{Tool: setActiveTool(), Handler: s.handleSetActive},
		{Tool: planTool(), Handler: s.handlePlan},
	}
}

// --- Tool definitions ---

func emitTool() mcp.Tool {
	return mcp.NewTool("autoflow.emit",
		mcp.WithDescription("Push a domain event and start every active workflow bound to it"),
		mcp.WithString("event", mcp.Required(), mcp.Description("Trigger event name, e.g. ticket.created")),
		mcp.WithString("object_kind", mcp.Description("Kind of the triggering object")),
		mcp.WithString("object_id", mcp.Description("ID of the triggering object")),
		mcp.WithObject("payload", mcp.Description("Triggering object fields, exposed to steps as trigger.*")),
		mcp.WithObject("actor", mcp.Description("Identity that caused the event, exposed to steps as actor.*")),
		mcp.WithString("agent_id", mcp.Description("Agent to notify when the started runs finish")),
	)
}

func scheduleStatusTool() mcp.Tool {
	return mcp.NewTool("autoflow.schedule_status",
		mcp.WithDescription("Report whether a schedule is due and when it fires next"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("ID of the schedule")),
		mcp.WithString("as_of", mcp.Description("Instant to evaluate at, RFC 3339 (default: now)")),
	)
}

func executionTreeTool() mcp.Tool {
	return mcp.NewTool("autoflow.execution_tree",
		mcp.WithDescription("Get the log tree and summary of one execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func setActiveTool() mcp.Tool {
	return mcp.NewTool("autoflow.set_active",
		mcp.WithDescription("Activate or deactivate a schedule or workflow"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("schedule", "workflow"),
			mcp.Description("Type of resource to change"),
		),
		mcp.WithString("id", mcp.Required(), mcp.Description("ID of the schedule or workflow")),
		mcp.WithBoolean("active", mcp.Required(), mcp.Description("New activation state")),
	)
}

func planTool() mcp.Tool {
	return mcp.NewTool("autoflow.plan",
		mcp.WithDescription("Render a workflow's step plan, optionally overlaid with the statuses of one execution"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("execution_id", mcp.Description("Execution whose step statuses are overlaid")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}
