package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/connquality"
	"courier/internal/correlate"
	"courier/internal/eventbus"
	"courier/internal/queue"
)

func TestObserveDeliveryEvents(t *testing.T) {
	m := NewMetrics()

	m.observe(eventbus.Event{Type: queue.EventDelivered, Data: queue.DeliveredEvent{
		SessionID: "s1", Attempts: 2, Elapsed: time.Second,
	}})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDelivered))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeliveryAttempts))

	m.observe(eventbus.Event{Type: queue.EventDeadLettered, Data: queue.DeadLetteredEvent{
		SessionID: "s1", Attempts: 5,
	}})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDeadLettered))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DeliveryAttempts))
}

func TestObserveCorrelationEvents(t *testing.T) {
	m := NewMetrics()

	m.observe(eventbus.Event{Type: correlate.EventStallDetected, Data: correlate.StallEvent{}})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StallsDetected))

	m.observe(eventbus.Event{Type: correlate.EventResolved, Data: correlate.ResolvedEvent{Source: "push"}})
	m.observe(eventbus.Event{Type: correlate.EventResolved, Data: correlate.ResolvedEvent{Source: "session"}})
	m.observe(eventbus.Event{Type: correlate.EventResolved, Data: correlate.ResolvedEvent{Source: "push"}})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Resolutions.WithLabelValues("push")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resolutions.WithLabelValues("session")))
}

func TestObserveTypeOnlyEvents(t *testing.T) {
	m := NewMetrics()
	m.observe(eventbus.Event{Type: "registry.primary_changed", Data: "opaque"})
	m.observe(eventbus.Event{Type: "session.state_applied", Data: "opaque"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PrimaryChanges))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastsApplied))
}

func TestSetQuality(t *testing.T) {
	m := NewMetrics()
	m.SetQuality(connquality.QualityPoor)
	assert.Equal(t, float64(connquality.QualityPoor), testutil.ToFloat64(m.ConnectionQuality))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := NewMetrics()
	m.MessagesDelivered.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "courier_messages_delivered_total 1"))
}
