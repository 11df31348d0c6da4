// Package metrics exposes dispatcher activity as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "orderbot"

// Metrics holds every collector, registered on one registry.
type Metrics struct {
	OrdersCreated   *prometheus.CounterVec
	OrdersCompleted *prometheus.CounterVec
	OrdersPreempted prometheus.Counter
	QueuePending    *prometheus.GaugeVec
	OrdersInFlight  prometheus.Gauge
	Bots            *prometheus.GaugeVec
	Turnaround      *prometheus.HistogramVec
	HTTPRequests    *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	ShiftsApplied   *prometheus.CounterVec
}

// New registers the collectors on reg. Passing prometheus.DefaultRegisterer
// exposes them through the global handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OrdersCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Orders accepted, by class.",
		}, []string{"class"}),
		OrdersCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_completed_total",
			Help:      "Orders finished by a bot, by class.",
		}, []string{"class"}),
		OrdersPreempted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_preempted_total",
			Help:      "In-flight orders returned to the queue because their bot was removed.",
		}),
		QueuePending: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Orders waiting or in progress, by class.",
		}, []string{"class"}),
		OrdersInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orders_in_flight",
			Help:      "Orders currently held by a bot.",
		}),
		Bots: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bots",
			Help:      "Bots in the pool, by state.",
		}, []string{"state"}),
		Turnaround: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_turnaround_seconds",
			Help:      "Time from order creation to completion.",
			Buckets:   []float64{1, 5, 10, 15, 20, 30, 60, 120, 300, 600},
		}, []string{"class"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled by the API.",
		}, []string{"path", "method", "code"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Bus events lost to slow subscribers.",
		}),
		ShiftsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shifts_applied_total",
			Help:      "Scheduled pool resizes, by shift and result.",
		}, []string{"shift", "result"}),
	}
}
