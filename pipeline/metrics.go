package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's prometheus instruments. Constructed against
// an injected registerer so tests can use isolated registries.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	StepsTotal     *prometheus.CounterVec
	RepairAttempts *prometheus.CounterVec
	Fallbacks      prometheus.Counter
}

// NewMetrics registers the pipeline instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bioquery",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by task and terminal status.",
		}, []string{"task", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bioquery",
			Name:      "pipeline_run_duration_seconds",
			Help:      "End-to-end pipeline run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"task"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bioquery",
			Name:      "plan_steps_total",
			Help:      "Plan step executions by terminal status.",
		}, []string{"status"}),
		RepairAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bioquery",
			Name:      "query_repairs_total",
			Help:      "Query repair passes by outcome.",
		}, []string{"outcome"}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bioquery",
			Name:      "classification_fallbacks_total",
			Help:      "Classifications that fell back to the default task.",
		}),
	}
	reg.MustRegister(m.RunsTotal, m.RunDuration, m.StepsTotal, m.RepairAttempts, m.Fallbacks)
	return m
}
