package metrics

import "github.com/prometheus/client_golang/prometheus"

// SubscriptionMetrics holds Prometheus metrics for push-event subscriptions.
type SubscriptionMetrics struct {
	// State is 1 for the current state label of each service and 0 for the rest.
	State           *prometheus.GaugeVec
	Notifications   *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
}

func NewSubscriptionMetrics(reg prometheus.Registerer) *SubscriptionMetrics {
	m := &SubscriptionMetrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "state",
			Help:      "Subscription handle state per service.",
		}, []string{"service", "state"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "notifications_total",
			Help:      "Notifications received per service and event type.",
		}, []string{"service", "type"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "handler_failures_total",
			Help:      "Notification handlers that returned an error or panicked.",
		}, []string{"service", "type"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventsub",
			Name:      "reconnects_total",
			Help:      "Platform-directed reconnects per service.",
		}, []string{"service"}),
	}

	reg.MustRegister(m.State, m.Notifications, m.HandlerFailures, m.Reconnects)
	return m
}
