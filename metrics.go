package shopkeeper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics recorded by the Synchronizer.
type Metrics struct {
	Events   *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates the Synchronizer metrics and registers them with the
// given Registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shopkeeper",
				Name:      "webhook_events_total",
				Help:      "Total number of webhook events received, by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "shopkeeper",
				Name:      "webhook_duration_seconds",
				Help:      "Time taken to synchronize a webhook event",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
	}

	reg.MustRegister(m.Events, m.Duration)
	return m
}

func (m *Metrics) observe(typ, outcome string, start time.Time) {
	if m == nil {
		return
	}

	if typ == "" {
		typ = "unknown"
	}

	m.Events.WithLabelValues(typ, outcome).Inc()
	m.Duration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
}
