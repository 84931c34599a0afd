package metrics

import "github.com/prometheus/client_golang/prometheus"

// CoordinationMetrics holds Prometheus metrics for the instance registry.
type CoordinationMetrics struct {
	Instances         prometheus.Gauge
	HeartbeatFailures prometheus.Counter
}

// NewCoordinationMetrics creates and registers coordination metrics on the given registry.
func NewCoordinationMetrics(reg prometheus.Registerer) *CoordinationMetrics {
	m := &CoordinationMetrics{
		Instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordination",
			Name:      "instances",
			Help:      "Number of live instances seen in the instance registry.",
		}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordination",
			Name:      "heartbeat_failures_total",
			Help:      "Total failed instance heartbeat writes.",
		}),
	}

	reg.MustRegister(m.Instances, m.HeartbeatFailures)
	return m
}
