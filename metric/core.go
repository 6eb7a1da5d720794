package metric

import "github.com/prometheus/client_golang/prometheus"

// Metrics contains the core platform metrics shared by the buses and the
// sharded delivery. Domain-specific metrics register separately through
// the Registrar interface.
type Metrics struct {
	// Bus metrics
	EnvelopesPosted     *prometheus.CounterVec
	EnvelopesDispatched *prometheus.CounterVec
	EnvelopesRejected   *prometheus.CounterVec
	EnvelopesScheduled  *prometheus.CounterVec
	DispatchDuration    *prometheus.HistogramVec

	// Delivery metrics
	ShardQueueDepth  *prometheus.GaugeVec
	ShardUtilization *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all core metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		EnvelopesPosted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corebus",
				Subsystem: "bus",
				Name:      "envelopes_posted_total",
				Help:      "Total number of envelopes posted to a bus",
			},
			[]string{"kind", "class"},
		),
		EnvelopesDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corebus",
				Subsystem: "bus",
				Name:      "envelopes_dispatched_total",
				Help:      "Total number of envelopes delivered to a target",
			},
			[]string{"kind", "class"},
		),
		EnvelopesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corebus",
				Subsystem: "bus",
				Name:      "envelopes_rejected_total",
				Help:      "Total number of envelopes rejected, by error class",
			},
			[]string{"kind", "reason"},
		),
		EnvelopesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corebus",
				Subsystem: "bus",
				Name:      "envelopes_scheduled_total",
				Help:      "Total number of envelopes accepted with a dispatch delay",
			},
			[]string{"kind"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "corebus",
				Subsystem: "bus",
				Name:      "dispatch_duration_seconds",
				Help:      "Time from dequeue to handler completion",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"kind", "status"},
		),
		ShardQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "corebus",
				Subsystem: "delivery",
				Name:      "shard_queue_depth",
				Help:      "Current queue depth per shard",
			},
			[]string{"shard"},
		),
		ShardUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "corebus",
				Subsystem: "delivery",
				Name:      "shard_utilization",
				Help:      "Shard queue utilization (0-1)",
			},
			[]string{"shard"},
		),
	}
}

func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.EnvelopesPosted,
		m.EnvelopesDispatched,
		m.EnvelopesRejected,
		m.EnvelopesScheduled,
		m.DispatchDuration,
		m.ShardQueueDepth,
		m.ShardUtilization,
	)
}
