package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/ledger"
	"github.com/rendis/autoflow/pkg/schema"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.RunStarted(engine.SourceSchedule)
	c.RunStarted(engine.SourceSchedule)
	c.RunStarted(engine.SourceResume)
	c.RunFinished(schema.RunStatusCompleted)
	c.StepFinished(schema.StepTypeAction, schema.LogStatusSuccess, 120*time.Millisecond)
	c.Completion("m-1", schema.TokenUsage{Input: 100, Output: 40, Total: 140}, 0.25)
	c.Completion("", schema.TokenUsage{Input: 1}, 0)
	c.ScheduleDispatched("claim_lost")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runsStarted.WithLabelValues("schedule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsStarted.WithLabelValues("resume")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsFinished.WithLabelValues("completed")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.aiTokens.WithLabelValues("m-1", "input")))
	assert.Equal(t, 40.0, testutil.ToFloat64(c.aiTokens.WithLabelValues("m-1", "output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.aiTokens.WithLabelValues("unknown", "input")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(c.aiCost.WithLabelValues("m-1")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatches.WithLabelValues("claim_lost")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.stepDuration))
}

func TestRegisterPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterPool(reg, func() engine.PoolMetrics { return engine.PoolMetrics{Active: 3, Queued: 2, Parked: 4} })

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		values[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Equal(t, 3.0, values["autoflow_pool_active_runs"])
	assert.Equal(t, 2.0, values["autoflow_pool_queued_runs"])
	assert.Equal(t, 4.0, values["autoflow_pool_parked_runs"])
	assert.Equal(t, 0.0, values["autoflow_pool_panics"])
}

func TestLogTransition(t *testing.T) {
	c := New(prometheus.NewRegistry())
	fsm := ledger.NewLogFSM()
	fsm.OnTransition(c.LogTransition)
	ctx := context.Background()
	persist := func() error { return nil }

	parent := int64(1)
	step := &schema.ExecutionLog{ID: 2, StepID: "s1", ParentID: &parent, Status: schema.LogStatusPending}
	require.NoError(t, fsm.Transition(ctx, step, schema.LogStatusRunning, persist))
	require.NoError(t, fsm.Transition(ctx, step, schema.LogStatusSuccess, persist))
	root := &schema.ExecutionLog{ID: 1, Status: schema.LogStatusRunning}
	require.NoError(t, fsm.Transition(ctx, root, schema.LogStatusFailed, persist))
	require.Error(t, fsm.Transition(ctx, root, schema.LogStatusSuccess, persist))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("step", "pending", "running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("step", "running", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("run", "running", "failed")))
	assert.Equal(t, 3, testutil.CollectAndCount(c.transitions))
}

type hubStats struct{}

func (hubStats) Subscribers() int { return 2 }
func (hubStats) Dropped() uint64  { return 7 }

func TestRegisterHub(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterHub(reg, hubStats{})

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		m := f.GetMetric()[0]
		if m.GetGauge() != nil {
			values[f.GetName()] = m.GetGauge().GetValue()
		} else {
			values[f.GetName()] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, values["autoflow_stream_subscribers"])
	assert.Equal(t, 7.0, values["autoflow_stream_dropped_events_total"])
}
