// ABOUTME: Prometheus metrics for commands, worker health, bus, and realtime.
// ABOUTME: Own registry per instance so tests never collide on registration.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the orchestrator exports.
type Metrics struct {
	registry *prometheus.Registry

	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	WorkerHealthy   *prometheus.GaugeVec
	BusMessages     *prometheus.CounterVec
	Connections     prometheus.Gauge
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "commands_total",
			Help:      "Commands executed, by service and outcome.",
		}, []string{"service", "status"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "switchboard",
			Name:      "command_duration_seconds",
			Help:      "End-to-end command execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		WorkerHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "switchboard",
			Name:      "worker_healthy",
			Help:      "1 when the worker's last probe succeeded, else 0.",
		}, []string{"service"}),
		BusMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "bus_messages_total",
			Help:      "Messages published, by terminal publish status.",
		}, []string{"status"}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchboard",
			Name:      "realtime_connections",
			Help:      "Currently open realtime connections.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
