package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream proxy.
type Metrics struct {
	registry                   *prometheus.Registry
	requestsTotal              prometheus.Counter
	sessionsStartedTotal       prometheus.Counter
	upstreamErrorsTotal        prometheus.Counter
	slowClientDisconnectsTotal prometheus.Counter
	proxiedBytesTotal          prometheus.Counter
	activeSessions             prometheus.Gauge
	attachedClients            prometheus.Gauge
	errorsTotal                prometheus.Counter
}

// New creates and registers Prometheus metrics for the proxy.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ace_requests_total",
		Help: "Total number of HTTP requests received",
	})
	sessionsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ace_sessions_started_total",
		Help: "Total number of upstream sessions started",
	})
	upstreamErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ace_upstream_errors_total",
		Help: "Total number of upstream connect or mid-stream read failures",
	})
	slowClientDisconnectsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ace_slow_client_disconnects_total",
		Help: "Total number of clients disconnected for backlog overflow",
	})
	proxiedBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ace_proxied_bytes_total",
		Help: "Total number of stream bytes written to clients",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ace_active_sessions",
		Help: "Number of live upstream sessions",
	})
	attachedClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ace_attached_clients",
		Help: "Number of currently attached client subscriptions",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ace_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		sessionsStartedTotal,
		upstreamErrorsTotal,
		slowClientDisconnectsTotal,
		proxiedBytesTotal,
		activeSessions,
		attachedClients,
		errorsTotal,
	)

	return &Metrics{
		registry:                   registry,
		requestsTotal:              requestsTotal,
		sessionsStartedTotal:       sessionsStartedTotal,
		upstreamErrorsTotal:        upstreamErrorsTotal,
		slowClientDisconnectsTotal: slowClientDisconnectsTotal,
		proxiedBytesTotal:          proxiedBytesTotal,
		activeSessions:             activeSessions,
		attachedClients:            attachedClients,
		errorsTotal:                errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncSessionsStarted increments the sessions started counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStartedTotal.Inc()
}

// IncUpstreamErrors increments the upstream error counter.
func (m *Metrics) IncUpstreamErrors() {
	m.upstreamErrorsTotal.Inc()
}

// IncSlowClientDisconnects increments the slow client disconnect counter.
func (m *Metrics) IncSlowClientDisconnects() {
	m.slowClientDisconnectsTotal.Inc()
}

// AddProxiedBytes adds n to the proxied bytes counter.
func (m *Metrics) AddProxiedBytes(n int) {
	m.proxiedBytesTotal.Add(float64(n))
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// SetAttachedClients sets the attached clients gauge.
func (m *Metrics) SetAttachedClients(n int) {
	m.attachedClients.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
