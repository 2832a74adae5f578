package metrics

import "github.com/prometheus/client_golang/prometheus"

// BusMetrics holds Prometheus metrics for the event bus and its observers.
type BusMetrics struct {
	ObserversConnected prometheus.Gauge
	ObserversEvicted   prometheus.Counter
	EventsPublished    *prometheus.CounterVec
	CommandQueueDepth  prometheus.Gauge
}

func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		ObserversConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "observers_connected",
			Help:      "Number of registered observers.",
		}),
		ObserversEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "observers_evicted_total",
			Help:      "Observers dropped because their queue overflowed.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published to observers by type.",
		}, []string{"type"}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "command_queue_depth",
			Help:      "Pending commands in the bus actor channel.",
		}),
	}

	reg.MustRegister(m.ObserversConnected, m.ObserversEvicted, m.EventsPublished, m.CommandQueueDepth)
	return m
}
