// Package metrics declares the Prometheus collectors shared by the consumer
// and the publish gateway.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkbus_broker_connect_attempts_total",
			Help: "Broker connection attempts by result",
		},
		[]string{"result"},
	)

	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkbus_deliveries_total",
			Help: "Messages delivered to the consumer, per queue",
		},
		[]string{"queue"},
	)

	Dispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkbus_dispatched_total",
			Help: "Messages handled by the dispatcher, by path and result",
		},
		[]string{"path", "result"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parkbus_dispatch_duration_seconds",
			Help:    "Time spent handling one message",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"path"},
	)

	Dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkbus_dropped_total",
			Help: "Messages dropped after delivery, by reason",
		},
		[]string{"reason"},
	)

	Published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkbus_published_total",
			Help: "Publish calls by outcome segment and result",
		},
		[]string{"outcome", "result"},
	)
)

// Register adds every collector to reg.  It panics on duplicate
// registration, so call it once per process.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ConnectAttempts,
		Deliveries,
		Dispatched,
		DispatchDuration,
		Dropped,
		Published,
	)
}
