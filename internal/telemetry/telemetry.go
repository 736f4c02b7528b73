// Package telemetry exposes Prometheus collectors for the harvester.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	artifactsTotal        *prometheus.CounterVec
	fetchedBytesTotal     prometheus.Counter
	fetchDurationSeconds  *prometheus.HistogramVec
	governorDelaySeconds  prometheus.Histogram
	activeWorkers         prometheus.Gauge
	subResourcesDiscTotal prometheus.Counter

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		artifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_artifacts_total",
				Help: "Artifacts settled per run, labeled by outcome status and category.",
			},
			[]string{"status", "category"},
		)

		fetchedBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_fetched_bytes_total",
				Help: "Total bytes fetched from the remote source.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by HTTP status class.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"class"},
		)

		governorDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_governor_delay_seconds",
				Help:    "Delay introduced by the rate governor before each request.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of fetch workers currently processing an item.",
			},
		)

		subResourcesDiscTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_subresources_discovered_total",
				Help: "Sub-resource work items enqueued by the extractor.",
			},
		)
	})
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// IncArtifact records one settled artifact outcome.
func IncArtifact(status, category string) {
	if artifactsTotal == nil {
		return
	}
	artifactsTotal.WithLabelValues(status, category).Inc()
}

// AddFetchedBytes accumulates fetched payload size.
func AddFetchedBytes(n int) {
	if fetchedBytesTotal == nil || n <= 0 {
		return
	}
	fetchedBytesTotal.Add(float64(n))
}

// ObserveFetchDuration records one fetch latency under its status class
// ("2xx", "4xx", "5xx", or "error").
func ObserveFetchDuration(class string, d time.Duration) {
	if fetchDurationSeconds == nil {
		return
	}
	fetchDurationSeconds.WithLabelValues(class).Observe(d.Seconds())
}

// ObserveGovernorDelay records the wait imposed by the rate governor.
func ObserveGovernorDelay(d time.Duration) {
	if governorDelaySeconds == nil {
		return
	}
	governorDelaySeconds.Observe(d.Seconds())
}

// WorkerStarted increments the active worker gauge.
func WorkerStarted() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// WorkerFinished decrements the active worker gauge.
func WorkerFinished() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// AddSubResourcesDiscovered counts extractor-enqueued work items.
func AddSubResourcesDiscovered(n int) {
	if subResourcesDiscTotal == nil || n <= 0 {
		return
	}
	subResourcesDiscTotal.Add(float64(n))
}
