package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryMetrics holds Prometheus metrics for the connection registry actor.
type RegistryMetrics struct {
	Users               prometheus.Gauge
	Connections         prometheus.Gauge
	Deliveries          prometheus.Counter
	DeliveryFailures    prometheus.Counter
	AdmissionsRejected  prometheus.Counter
	CommandChannelDepth prometheus.Gauge
	Panics              prometheus.Counter
	StopTimeouts        prometheus.Counter
}

// NewRegistryMetrics creates and registers registry metrics on the given registry.
func NewRegistryMetrics(reg prometheus.Registerer) *RegistryMetrics {
	m := &RegistryMetrics{
		Users: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "users",
			Help:      "Number of users with at least one live connection on this instance.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "connections",
			Help:      "Number of connections held by the registry.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "deliveries_total",
			Help:      "Total frames handed to local connections.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "delivery_failures_total",
			Help:      "Total sends that failed and evicted the connection.",
		}),
		AdmissionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "admissions_rejected_total",
			Help:      "Total connections rejected by the per-user cap.",
		}),
		CommandChannelDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "command_channel_depth",
			Help:      "Pending commands in the registry actor channel.",
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "panics_total",
			Help:      "Total panics recovered in the registry actor.",
		}),
		StopTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "stop_timeouts_total",
			Help:      "Total registry shutdowns that exceeded the stop timeout.",
		}),
	}

	reg.MustRegister(
		m.Users, m.Connections, m.Deliveries, m.DeliveryFailures,
		m.AdmissionsRejected, m.CommandChannelDepth, m.Panics, m.StopTimeouts,
	)
	return m
}
