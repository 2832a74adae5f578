// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mrstream"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayMetrics bundles every collector the relay touches.
type RelayMetrics struct {
	Bus          *BusMetrics
	Commands     *CommandMetrics
	Subscription *SubscriptionMetrics
	Sessions     *SessionMetrics
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	return &RelayMetrics{
		Bus:          NewBusMetrics(reg),
		Commands:     NewCommandMetrics(reg),
		Subscription: NewSubscriptionMetrics(reg),
		Sessions:     NewSessionMetrics(reg),
	}
}
