package metrics

import "github.com/prometheus/client_golang/prometheus"

// CommandMetrics holds Prometheus metrics for observer commands.
type CommandMetrics struct {
	Total *prometheus.CounterVec
	// BreakerState per service: 0=closed, 1=half-open, 2=open.
	BreakerState *prometheus.GaugeVec
}

func NewCommandMetrics(reg prometheus.Registerer) *CommandMetrics {
	m := &CommandMetrics{
		Total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "total",
			Help:      "Observer commands by outcome (ok, malformed, rate_limited, circuit_open, error).",
		}, []string{"status"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "circuit_breaker_state",
			Help:      "Chat send circuit breaker state per service (0=closed, 1=half-open, 2=open).",
		}, []string{"service"}),
	}

	reg.MustRegister(m.Total, m.BreakerState)
	return m
}
