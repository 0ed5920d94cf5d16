// Package metrics exposes a Pool's observability getters as Prometheus
// collectors, the same promauto + promhttp pairing the sibling media-server
// example in the retrieval pack uses for its own runtime metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the gauges and counters a Pool keeps up to date from
// its dispatcher loop. Each Pool gets its own Collectors registered
// against a private registry, so multiple pools in one process never
// collide on metric names.
type Collectors struct {
	Registry *prometheus.Registry

	Processes          prometheus.Gauge
	IdleProcesses       prometheus.Gauge
	BusyProcesses       prometheus.Gauge
	QueuedSubmissions   prometheus.Gauge
	ExecutorsSpawned    prometheus.Counter
	ExecutorsRetired    prometheus.Counter
	SubmissionsFailed   prometheus.Counter
	SubmissionsCancelled prometheus.Counter
}

// New registers a fresh set of collectors for one pool, labeled so metrics
// from several pools in one process stay distinguishable.
func New(poolName string) *Collectors {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := prometheus.Labels{"pool": poolName}
	return &Collectors{
		Registry: reg,
		Processes: f.NewGauge(prometheus.GaugeOpts{
			Name: "procpool_processes", Help: "Live executors owned by the pool.", ConstLabels: labels,
		}),
		IdleProcesses: f.NewGauge(prometheus.GaugeOpts{
			Name: "procpool_idle_processes", Help: "Executors currently idle.", ConstLabels: labels,
		}),
		BusyProcesses: f.NewGauge(prometheus.GaugeOpts{
			Name: "procpool_busy_processes", Help: "Executors currently running a submission.", ConstLabels: labels,
		}),
		QueuedSubmissions: f.NewGauge(prometheus.GaugeOpts{
			Name: "procpool_queued_submissions", Help: "Submissions waiting for an executor.", ConstLabels: labels,
		}),
		ExecutorsSpawned: f.NewCounter(prometheus.CounterOpts{
			Name: "procpool_executors_spawned_total", Help: "Executors launched over the pool's lifetime.", ConstLabels: labels,
		}),
		ExecutorsRetired: f.NewCounter(prometheus.CounterOpts{
			Name: "procpool_executors_retired_total", Help: "Executors retired over the pool's lifetime.", ConstLabels: labels,
		}),
		SubmissionsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "procpool_submissions_failed_total", Help: "Submissions that ended in failure.", ConstLabels: labels,
		}),
		SubmissionsCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "procpool_submissions_cancelled_total", Help: "Submissions that ended cancelled.", ConstLabels: labels,
		}),
	}
}

// HTTPHandler exposes the collectors in the Prometheus text exposition
// format. A Pool never listens on a socket itself — callers mount this on
// whatever server they already run.
func (c *Collectors) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}
