package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRelayMetrics_RegistersWithoutConflicts(t *testing.T) {
	reg := NewRegistry()
	m := NewRelayMetrics(reg)

	m.Bus.ObserversConnected.Set(2)
	m.Bus.EventsPublished.WithLabelValues("raid").Inc()
	m.Commands.Total.WithLabelValues("ok").Inc()
	m.Subscription.HandlerFailures.WithLabelValues("main", "follow").Inc()
	m.Sessions.Outcomes.WithLabelValues("twitch", "refreshed").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["mrstream_bus_observers_connected"])
	assert.True(t, names["mrstream_bus_events_published_total"])
	assert.True(t, names["mrstream_commands_total"])
	assert.True(t, names["mrstream_eventsub_handler_failures_total"])
	assert.True(t, names["mrstream_session_outcomes_total"])
	assert.True(t, names["go_goroutines"])
}

func TestNewRelayMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRelayMetrics(reg)

	assert.Panics(t, func() { NewRelayMetrics(reg) })
}

func TestSessionOutcomesCount(t *testing.T) {
	m := NewSessionMetrics(prometheus.NewRegistry())

	m.Outcomes.WithLabelValues("peertube", "authorized").Inc()
	m.Outcomes.WithLabelValues("peertube", "authorized").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("peertube", "authorized")))
}

func TestHandler_ServesExposition(t *testing.T) {
	reg := NewRegistry()
	m := NewBusMetrics(reg)
	m.ObserversEvicted.Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "mrstream_bus_observers_evicted_total 1"))
}

func TestStoreMetrics_Observe(t *testing.T) {
	m := NewStoreMetrics(prometheus.NewRegistry())

	m.Observe("redis", "hgetall", 0.002, nil)
	m.Observe("redis", "hgetall", 0.004, assert.AnError)

	assert.InDelta(t, 1, testutil.ToFloat64(m.Operations.WithLabelValues("redis", "hgetall", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Operations.WithLabelValues("redis", "hgetall", "error")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationDuration))
}
