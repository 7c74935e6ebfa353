// Package metrics holds the pipeline's Prometheus collectors. They are
// exported to a node-exporter textfile after a run and, with run --listen,
// scraped from the status server's /metrics while it runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cardcatcher"

// Metrics groups the collectors updated by the pipeline.
type Metrics struct {
	Rows          *prometheus.CounterVec
	FetchAttempts prometheus.Counter
	SessionResets prometheus.Counter
	StoreRetries  prometheus.Counter
	BatchDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows processed, by value class and outcome.",
		}, []string{"class", "outcome"}),
		FetchAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "HTTP attempts issued, retries included.",
		}),
		SessionResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_resets_total",
			Help:      "HTTP session recycles.",
		}),
		StoreRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Image writes repeated after a failed verification.",
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time per batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		registry: reg,
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all collectors to path in text exposition format.
// An empty path disables the export.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
