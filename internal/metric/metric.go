// Package metric owns the process-local Prometheus registry and the
// instruments the rest of chatrelay records into. The registry is explicit
// rather than the library default so tests can construct isolated instances
// without collector name collisions.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Direction labels for the websocket message counter.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Metrics bundles every instrument chatrelay exposes on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Connections tracks live websocket connections per instance.
	Connections *prometheus.GaugeVec

	// Messages counts websocket messages by instance and direction.
	Messages *prometheus.CounterVec

	// HTTPRequests counts HTTP requests by method, endpoint, and status.
	HTTPRequests *prometheus.CounterVec

	// TaskDuration observes simulated background task execution time.
	TaskDuration *prometheus.HistogramVec

	// Uptime reports seconds since process start, set on scrape paths.
	Uptime prometheus.Gauge
}

// New creates a registry pre-populated with the standard Go and process
// collectors plus chatrelay's own instruments.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "websocket_connections_total",
			Help: "Number of active WebSocket connections",
		}, []string{"instance_id"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "websocket_messages_total",
			Help: "Number of WebSocket messages processed",
		}, []string{"instance_id", "direction"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests count",
		}, []string{"method", "endpoint", "status_code"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "background_task_execution_seconds",
			Help:    "Time spent executing background tasks",
			Buckets: prometheus.DefBuckets,
		}, []string{"instance_id"}),
		Uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.Messages,
		m.HTTPRequests,
		m.TaskDuration,
		m.Uptime,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
