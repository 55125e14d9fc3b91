package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Connect("ok")
		c.ReconnectScheduled()
		c.SessionOpened()
		c.SessionClosed()
		c.EventPublished("pong")
		c.FrameMalformed()
		c.Dispatched("ping", "transport")
		c.FallbackFailed("status")
		c.HandlerPanicked("pong")
	})
	assert.Nil(t, c.Registry())
}

func TestCountersIncrement(t *testing.T) {
	c := NewCollector()

	c.Connect("ok")
	c.Connect("ok")
	c.Connect("rejected")
	c.ReconnectScheduled()
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.Dispatched("request_status", "fallback")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.connects.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.connects.WithLabelValues("rejected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.reconnectAttempts))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.openSessions))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.sends.WithLabelValues("request_status", "fallback")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.EventPublished("workflow_status")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `invoiceflow_dispatch_events_total{type="workflow_status"} 1`))
}
