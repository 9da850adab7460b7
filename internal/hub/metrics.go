package hub

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/commander/internal/events"
)

// Metrics holds Prometheus metrics for the broadcast hub.
type Metrics struct {
	Subscribers prometheus.Gauge
	EventsTotal *prometheus.CounterVec
	Evictions   *prometheus.CounterVec
}

// NewMetrics registers and returns hub metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "commander_hub_subscribers",
			Help: "Currently attached event subscribers.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commander_hub_events_total",
			Help: "Total events published by type.",
		}, []string{"type"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commander_hub_evictions_total",
			Help: "Total subscribers evicted by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.Subscribers, m.EventsTotal, m.Evictions)

	m.Evictions.WithLabelValues(EvictOverflow)
	m.Evictions.WithLabelValues(EvictSendError)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnAttach: m.Subscribers.Inc,
		OnDetach: m.Subscribers.Dec,
		OnPublish: func(t events.Type) {
			m.EventsTotal.WithLabelValues(string(t)).Inc()
		},
		OnEvict: func(reason string) {
			m.Evictions.WithLabelValues(reason).Inc()
		},
	}
}
