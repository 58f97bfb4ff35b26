// Package metrics exposes Prometheus instrumentation for sessions, frames and alert routing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the instrumentation seam used by the session, router and server packages.
type Recorder interface {
	SessionOpened(transport string)
	SessionClosed(transport string)
	SessionAuthenticated()
	SessionDeauthenticated()
	FrameRejected(reason string)
	MessageHandled(messageType string, duration time.Duration)
	AuthAttempt(kind string, success bool)
	AlertRouted(kind string, delivered, failed int)
	AlertDropped(reason string)
}

// Collector records metrics into a Prometheus registry.
type Collector struct {
	liveSessions  *prometheus.GaugeVec
	authenticated prometheus.Gauge
	framesDropped *prometheus.CounterVec
	messages      *prometheus.HistogramVec
	authAttempts  *prometheus.CounterVec
	alertsRouted  *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	alertsDropped *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		liveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memalerts_sessions_live",
			Help: "Connected sessions by transport.",
		}, []string{"transport"}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memalerts_sessions_authenticated",
			Help: "Sessions that completed login or registration.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memalerts_frames_rejected_total",
			Help: "Inbound frames dropped because they could not be decoded.",
		}, []string{"reason"}),
		messages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memalerts_message_duration_seconds",
			Help:    "Time spent dispatching an inbound message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memalerts_auth_attempts_total",
			Help: "Authentication attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		alertsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memalerts_alerts_routed_total",
			Help: "Alerts accepted for delivery by kind.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memalerts_alert_deliveries_total",
			Help: "Per-session alert deliveries by result.",
		}, []string{"result"}),
		alertsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memalerts_alerts_dropped_total",
			Help: "Alerts dropped before delivery.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.liveSessions,
		c.authenticated,
		c.framesDropped,
		c.messages,
		c.authAttempts,
		c.alertsRouted,
		c.deliveries,
		c.alertsDropped,
	)

	return c
}

func (c *Collector) SessionOpened(transport string) {
	c.liveSessions.WithLabelValues(transport).Inc()
}

func (c *Collector) SessionClosed(transport string) {
	c.liveSessions.WithLabelValues(transport).Dec()
}

func (c *Collector) SessionAuthenticated() {
	c.authenticated.Inc()
}

func (c *Collector) SessionDeauthenticated() {
	c.authenticated.Dec()
}

func (c *Collector) FrameRejected(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) MessageHandled(messageType string, duration time.Duration) {
	c.messages.WithLabelValues(messageType).Observe(duration.Seconds())
}

func (c *Collector) AuthAttempt(kind string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.authAttempts.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) AlertRouted(kind string, delivered, failed int) {
	c.alertsRouted.WithLabelValues(kind).Inc()
	c.deliveries.WithLabelValues("delivered").Add(float64(delivered))
	c.deliveries.WithLabelValues("failed").Add(float64(failed))
}

func (c *Collector) AlertDropped(reason string) {
	c.alertsDropped.WithLabelValues(reason).Inc()
}

// Handler returns the HTTP handler Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) SessionOpened(string)                 {}
func (Nop) SessionClosed(string)                 {}
func (Nop) SessionAuthenticated()                {}
func (Nop) SessionDeauthenticated()              {}
func (Nop) FrameRejected(string)                 {}
func (Nop) MessageHandled(string, time.Duration) {}
func (Nop) AuthAttempt(string, bool)             {}
func (Nop) AlertRouted(string, int, int)         {}
func (Nop) AlertDropped(string)                  {}

var _ Recorder = (*Collector)(nil)
var _ Recorder = Nop{}
