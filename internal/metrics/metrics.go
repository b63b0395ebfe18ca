// Package metrics exports run, step, AI spend and dispatch counters to
// Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/pkg/schema"
)

// Collector implements engine.Observer and dispatcher.Observer.
type Collector struct {
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	aiTokens     *prometheus.CounterVec
	aiCost       *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
}

// New registers the autoflow collectors on reg. A nil reg uses the default
// Prometheus registry.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		runsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_runs_started_total",
			Help: "Workflow runs started, by source (schedule, event, resume).",
		}, []string{"source"}),
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_runs_finished_total",
			Help: "Workflow runs finished, by final status.",
		}, []string{"status"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autoflow_step_duration_seconds",
			Help:    "Step attempt duration by step type and outcome.",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"step_type", "status"}),
		aiTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_ai_tokens_total",
			Help: "Tokens spent on AI completions, by model and direction (input, output).",
		}, []string{"model", "direction"}),
		aiCost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_ai_cost_total",
			Help: "Cost of AI completions, by model.",
		}, []string{"model"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_schedule_dispatch_total",
			Help: "Schedule dispatch outcomes (fired, claim_lost, error, skipped).",
		}, []string{"result"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflow_log_transitions_total",
			Help: "Persisted execution log transitions, by log kind (run, step) and statuses.",
		}, []string{"kind", "from", "to"}),
	}
}

func (c *Collector) RunStarted(source string) {
	c.runsStarted.WithLabelValues(source).Inc()
}

func (c *Collector) RunFinished(status schema.RunStatus) {
	c.runsFinished.WithLabelValues(string(status)).Inc()
}

func (c *Collector) StepFinished(stepType schema.StepType, status schema.LogStatus, d time.Duration) {
	c.stepDuration.WithLabelValues(string(stepType), string(status)).Observe(d.Seconds())
}

func (c *Collector) Completion(model string, usage schema.TokenUsage, cost float64) {
	if model == "" {
		model = "unknown"
	}
	c.aiTokens.WithLabelValues(model, "input").Add(float64(usage.Input))
	c.aiTokens.WithLabelValues(model, "output").Add(float64(usage.Output))
	if cost > 0 {
		c.aiCost.WithLabelValues(model).Add(cost)
	}
}

func (c *Collector) ScheduleDispatched(result string) {
	c.dispatches.WithLabelValues(result).Inc()
}

// LogTransition counts a ledger transition. Register it with
// ledger.LogFSM.OnTransition.
func (c *Collector) LogTransition(_ context.Context, l *schema.ExecutionLog, from, to schema.LogStatus) {
	kind := "step"
	if l.IsRoot() {
		kind = "run"
	}
	c.transitions.WithLabelValues(kind, string(from), string(to)).Inc()
}

// RegisterPool exports the run pool's counters as gauges.
func RegisterPool(reg prometheus.Registerer, poolMetrics func() engine.PoolMetrics) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	gauge := func(name, help string, read func(engine.PoolMetrics) int64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(read(poolMetrics()))
		})
	}
	gauge("autoflow_pool_active_runs", "Runs currently executing on the worker pool.",
		func(m engine.PoolMetrics) int64 { return m.Active })
	gauge("autoflow_pool_queued_runs", "Runs waiting for a worker.",
		func(m engine.PoolMetrics) int64 { return m.Queued })
	gauge("autoflow_pool_parked_runs", "Runs waiting out a step delay or retry backoff.",
		func(m engine.PoolMetrics) int64 { return m.Parked })
	gauge("autoflow_pool_panics", "Runs that panicked on the worker pool.",
		func(m engine.PoolMetrics) int64 { return m.Panics })
}

// HubStats is read by RegisterHub. Satisfied by *streaming.MemoryHub.
type HubStats interface {
	Subscribers() int
	Dropped() uint64
}

// RegisterHub exports the live event hub's subscriber count and drops.
func RegisterHub(reg prometheus.Registerer, hub HubStats) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "autoflow_stream_subscribers",
		Help: "Live event stream subscriptions (SSE clients, MCP watches).",
	}, func() float64 { return float64(hub.Subscribers()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "autoflow_stream_dropped_events_total",
		Help: "Events dropped for slow stream subscribers.",
	}, func() float64 { return float64(hub.Dropped()) })
}
