// Package metrics holds the Prometheus collectors of the sync worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "membersync"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	outcomes *prometheus.CounterVec
	dispatch *prometheus.CounterVec
	idp      *prometheus.HistogramVec
	backlog  prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_outcomes_total",
				Help:      "Reconciler decisions by handler and outcome",
			},
			[]string{"handler", "outcome"},
		),
		dispatch: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_events_total",
				Help:      "Change events handled by source and result",
			},
			[]string{"source", "result"},
		),
		idp: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "idp_request_duration_seconds",
				Help:      "Latency of identity provider calls",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5, 10},
			},
			[]string{"op"},
		),
		backlog: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_backlog",
				Help:      "Unacknowledged rows in the change outbox",
			},
		),
	}
}

func (m *Metrics) Outcome(handler, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(handler, outcome).Inc()
}

func (m *Metrics) Dispatched(source, result string) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(source, result).Inc()
}

func (m *Metrics) ObserveIdP(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.idp.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) SetBacklog(n int64) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}
