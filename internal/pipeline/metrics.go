package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/commander/internal/incident"
)

// Metrics holds Prometheus metrics for the pipeline subsystem.
type Metrics struct {
	PipelinesTotal    *prometheus.CounterVec
	PipelinesInFlight prometheus.Gauge
	StageDuration     *prometheus.HistogramVec
	StageFailures     *prometheus.CounterVec
	SubmitsTotal      *prometheus.CounterVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PipelinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commander_pipelines_total",
			Help: "Total pipeline runs by outcome.",
		}, []string{"outcome"}),
		PipelinesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "commander_pipelines_in_flight",
			Help: "Pipelines currently running.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commander_stage_duration_seconds",
			Help:    "Duration of stage processing in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~82s
		}, []string{"stage"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commander_stage_failures_total",
			Help: "Total failed stage runs.",
		}, []string{"stage"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commander_submits_total",
			Help: "Total alert submissions by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.PipelinesTotal,
		m.PipelinesInFlight,
		m.StageDuration,
		m.StageFailures,
		m.SubmitsTotal,
	)

	// pre-create label values so dashboards see zeroes before the first run
	for _, s := range incident.Stages {
		m.StageDuration.WithLabelValues(string(s))
		m.StageFailures.WithLabelValues(string(s))
	}

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnStart: func() {
			m.PipelinesInFlight.Inc()
		},
		OnStage: func(stage incident.Stage, seconds float64, failed bool) {
			m.StageDuration.WithLabelValues(string(stage)).Observe(seconds)
			if failed {
				m.StageFailures.WithLabelValues(string(stage)).Inc()
			}
		},
		OnFinish: func(outcome string) {
			m.PipelinesInFlight.Dec()
			m.PipelinesTotal.WithLabelValues(outcome).Inc()
		},
	}
}
