// Package metrics provides Prometheus metrics for the storyloom server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	GenerationsTotal   *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	AgentRunsTotal     *prometheus.CounterVec
	LibrarianRunsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		GenerationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_generations_total",
				Help: "Total generation pipeline runs by mode and status.",
			},
			[]string{"mode", "status"},
		),
		GenerationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_generation_duration_seconds",
				Help:    "Generation duration by mode.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		AgentRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_agent_runs_total",
				Help: "Total agent invocations by agent and status.",
			},
			[]string{"agent", "status"},
		),
		LibrarianRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_librarian_runs_total",
				Help: "Total librarian runs by status.",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.GenerationsTotal,
		m.GenerationDuration,
		m.AgentRunsTotal,
		m.LibrarianRunsTotal,
	)
	m.registry = reg
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
