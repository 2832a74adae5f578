package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics holds Prometheus metrics for session establishment.
type SessionMetrics struct {
	// Outcomes counts EnsureSession results by path:
	// valid, refreshed, authorized, failed.
	Outcomes *prometheus.CounterVec
}

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "outcomes_total",
			Help:      "Session establishment outcomes by kind and path.",
		}, []string{"kind", "path"}),
	}

	reg.MustRegister(m.Outcomes)
	return m
}
