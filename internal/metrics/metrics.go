// Package metrics exposes engine activity as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/pkg/schema"
)

const namespace = "flowgate"

// Metrics holds the flowgate collectors and the registry they live in.
// It implements engine.Observer.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionTransitions *prometheus.CounterVec
	StepsTotal           *prometheus.CounterVec
	StepDuration         *prometheus.HistogramVec
	ApprovalsTotal       *prometheus.CounterVec
	TriggersTotal        *prometheus.CounterVec
	SweepDuration        *prometheus.HistogramVec
}

var _ engine.Observer = (*Metrics)(nil)

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ExecutionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_transitions_total",
			Help:      "Execution state transitions by target status",
		}, []string{"status"}),
		StepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Recorded step results by step type and status",
		}, []string{"type", "status"}),
		// Buckets: 10ms .. 30s, matching outbound call latencies.
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of executed steps",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),
		ApprovalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Resolved approval requests by outcome",
		}, []string{"status"}),
		TriggersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Trigger calls by source and result",
		}, []string{"source", "result"}),
		SweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of schedule and timeout sweeps",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),
	}
}

// ExecutionTransition implements engine.Observer.
func (m *Metrics) ExecutionTransition(to schema.ExecutionStatus) {
	m.ExecutionTransitions.WithLabelValues(string(to)).Inc()
}

// StepRecorded implements engine.Observer. Skipped steps never ran and
// are counted without a duration sample.
func (m *Metrics) StepRecorded(stepType schema.StepType, status schema.StepStatus, elapsed time.Duration) {
	m.StepsTotal.WithLabelValues(string(stepType), string(status)).Inc()
	if status == schema.StepSkipped || status == schema.StepWaitingApproval {
		return
	}
	m.StepDuration.WithLabelValues(string(stepType)).Observe(elapsed.Seconds())
}

// ApprovalResolved implements engine.Observer.
func (m *Metrics) ApprovalResolved(status schema.ApprovalStatus) {
	m.ApprovalsTotal.WithLabelValues(string(status)).Inc()
}

// Trigger counts one trigger call. result is "ok" or the error code.
func (m *Metrics) Trigger(source schema.TriggerType, err error) {
	result := "ok"
	if err != nil {
		result = schema.DetailOf(err).Code
	}
	m.TriggersTotal.WithLabelValues(string(source), result).Inc()
}

// ObserveSweep records how long a sweep took.
func (m *Metrics) ObserveSweep(name string, took time.Duration) {
	m.SweepDuration.WithLabelValues(name).Observe(took.Seconds())
}

// RegisterPool exposes the async worker pool's counters as gauges.
func (m *Metrics) RegisterPool(snapshot func() engine.PoolMetrics) {
	gauge := func(name, help string, read func(engine.PoolMetrics) int64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(snapshot())) })
	}
	m.Registry.MustRegister(
		gauge("active", "Executions running on the async pool", func(p engine.PoolMetrics) int64 { return p.Active }),
		gauge("completed", "Async executions finished", func(p engine.PoolMetrics) int64 { return p.Completed }),
		gauge("failed", "Async executions that returned an error", func(p engine.PoolMetrics) int64 { return p.Failed }),
		gauge("panics", "Async executions that panicked", func(p engine.PoolMetrics) int64 { return p.Panics }),
	)
}
