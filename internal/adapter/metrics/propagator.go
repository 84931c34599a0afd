package metrics

import "github.com/prometheus/client_golang/prometheus"

// PropagatorMetrics holds Prometheus metrics for cross-instance propagation.
type PropagatorMetrics struct {
	Published       *prometheus.CounterVec
	Received        prometheus.Counter
	Malformed       prometheus.Counter
	Reconnects      prometheus.Counter
	SubscriptionUp  prometheus.Gauge
	QueueDepth      prometheus.Gauge
	QueueDropped    prometheus.Counter
	DeliveryLatency prometheus.Histogram
}

// NewPropagatorMetrics creates and registers propagator metrics on the given registry.
func NewPropagatorMetrics(reg prometheus.Registerer) *PropagatorMetrics {
	m := &PropagatorMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "propagator",
			Name:      "published_total",
			Help:      "Total publish attempts, by result (ok, queued, rejected, error).",
		}, []string{"result"}),
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "propagator",
			Name:      "received_total",
			Help:      "Total broker messages received.",
		}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "propagator",
			Name:      "malformed_total",
			Help:      "Total broker messages dropped because they could not be decoded.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "propagator",
			Name:      "reconnects_total",
			Help:      "Total broker re-subscriptions after a lost connection.",
		}),
		SubscriptionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "propagator",
			Name:      "subscription_active",
			Help:      "Whether the broker subscription is established (1) or not (0).",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "propagator",
			Name:      "queue_depth",
			Help:      "Events waiting for the broker to come back.",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "propagator",
			Name:      "queue_dropped_total",
			Help:      "Total queued events dropped on overflow.",
		}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "propagator",
			Name:      "local_delivery_seconds",
			Help:      "Time from broker receive until local delivery completes.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
	}

	reg.MustRegister(
		m.Published, m.Received, m.Malformed, m.Reconnects, m.SubscriptionUp,
		m.QueueDepth, m.QueueDropped, m.DeliveryLatency,
	)
	return m
}
