// Package metrics exposes Prometheus collectors for the job registry.
//
// Collectors live on their own registry rather than the global default, so
// several registries (e.g. in tests) never clash. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opspool"

type Metrics struct {
	registry *prometheus.Registry

	// jobs is the number of jobs in the table.
	// Labels: status (Running, Dead)
	jobs *prometheus.GaugeVec

	// requests counts dispatched requests.
	// Labels: verb, status (OK, Empty, Refused, Failed, dropped)
	requests *prometheus.CounterVec

	// kills counts kill escalations.
	// Labels: outcome (gone, terminated, killed, unknown)
	kills *prometheus.CounterVec

	// spawnFailures counts submits whose worker could not be launched.
	spawnFailures prometheus.Counter

	// reaped counts jobs cancelled for being idle.
	reaped prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		jobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "jobs",
			Help:      "Jobs currently tracked by the registry",
		}, []string{"status"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "requests_total",
			Help:      "Total requests handled by the registry",
		}, []string{"verb", "status"}),
		kills: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "kills_total",
			Help:      "Total kill escalations by outcome",
		}, []string{"outcome"}),
		spawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "spawn_failures_total",
			Help:      "Total worker launches that failed",
		}),
		reaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "reaped_total",
			Help:      "Total jobs cancelled after exceeding the idle timeout",
		}),
	}
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

func (m *Metrics) SetJobs(running, dead int) {
	if m == nil {
		return
	}

	m.jobs.WithLabelValues("Running").Set(float64(running))
	m.jobs.WithLabelValues("Dead").Set(float64(dead))
}

func (m *Metrics) ObserveRequest(verb, status string) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(verb, status).Inc()
}

func (m *Metrics) ObserveKill(outcome string) {
	if m == nil {
		return
	}

	m.kills.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSpawnFailure() {
	if m == nil {
		return
	}

	m.spawnFailures.Inc()
}

func (m *Metrics) ObserveReaped() {
	if m == nil {
		return
	}

	m.reaped.Inc()
}
