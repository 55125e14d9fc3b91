package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "invoiceflow"

// Collector holds the Prometheus instruments for one process.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	connects          *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	openSessions      prometheus.Gauge
	framesReceived    *prometheus.CounterVec
	framesMalformed   prometheus.Counter
	sends             *prometheus.CounterVec
	fallbackFailures  *prometheus.CounterVec
	handlerPanics     *prometheus.CounterVec
}

// NewCollector registers all instruments on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		connects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connects_total",
			Help:      "Connection attempts by result (ok, reused, rejected, failed).",
		}, []string{"result"}),
		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnection attempts after abnormal closure.",
		}),
		openSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "open_sessions",
			Help:      "Transport sessions currently open.",
		}),
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Canonical events published, by type.",
		}, []string{"type"}),
		framesMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "malformed_frames_total",
			Help:      "Inbound frames discarded because they could not be decoded.",
		}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "dispatched_total",
			Help:      "Outbound intents by type and route (transport, fallback, failed).",
		}, []string{"type", "route"}),
		fallbackFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "failures_total",
			Help:      "Failed HTTP fallback calls by endpoint.",
		}, []string{"endpoint"}),
		handlerPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handler_panics_total",
			Help:      "Subscriber handlers that panicked, by event type.",
		}, []string{"type"}),
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Connect(result string) {
	if c == nil {
		return
	}
	c.connects.WithLabelValues(result).Inc()
}

func (c *Collector) ReconnectScheduled() {
	if c == nil {
		return
	}
	c.reconnectAttempts.Inc()
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.openSessions.Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.openSessions.Dec()
}

func (c *Collector) EventPublished(typ string) {
	if c == nil {
		return
	}
	c.framesReceived.WithLabelValues(typ).Inc()
}

func (c *Collector) FrameMalformed() {
	if c == nil {
		return
	}
	c.framesMalformed.Inc()
}

func (c *Collector) Dispatched(typ, route string) {
	if c == nil {
		return
	}
	c.sends.WithLabelValues(typ, route).Inc()
}

func (c *Collector) FallbackFailed(endpoint string) {
	if c == nil {
		return
	}
	c.fallbackFailures.WithLabelValues(endpoint).Inc()
}

func (c *Collector) HandlerPanicked(typ string) {
	if c == nil {
		return
	}
	c.handlerPanics.WithLabelValues(typ).Inc()
}
