// Package panel serves the operator HTTP API: schedules, workflows, event
// intake, execution history, live execution streams and Prometheus metrics.
package panel

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/autoflow/internal/dispatcher"
	"github.com/rendis/autoflow/internal/ledger"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// Dispatcher is the part of *dispatcher.Dispatcher the panel drives.
type Dispatcher interface {
	Emit(ctx context.Context, event string, obj schema.TriggeringObject) ([]string, error)
	Status(ctx context.Context, scheduleID string, asOf time.Time) (*dispatcher.ScheduleStatus, error)
	Resume(ctx context.Context, executionID string) error
}

// Deps holds the dependencies for the panel server.
type Deps struct {
	Store      store.Store
	Ledger     *ledger.Ledger
	Dispatcher Dispatcher
	Hub        streaming.EventHub  // nil disables /sse
	Gatherer   prometheus.Gatherer // nil disables /metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Server serves the operator API.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Schedules.
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("GET /api/schedules/{id}/status", s.handleScheduleStatus)
	mux.HandleFunc("POST /api/schedules/{id}/active", s.handleSetScheduleActive)

	// Workflows.
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows/{id}/active", s.handleSetWorkflowActive)
	mux.HandleFunc("GET /api/workflows/{id}/plan", s.handleWorkflowPlan)

	// Events and executions.
	mux.HandleFunc("POST /api/events", s.handleEmit)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}/tree", s.handleExecutionTree)
	mux.HandleFunc("GET /api/executions/{id}/summary", s.handleExecutionSummary)
	mux.HandleFunc("POST /api/executions/{id}/resume", s.handleResume)

	if s.deps.Hub != nil {
		mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)
		mux.HandleFunc("GET /sse/workflows/{id}", s.handleSSEWorkflow)
	}
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
