// Package metrics exposes Prometheus instrumentation for the event loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsProcessed counts events that went through every stage.
	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ntuple_events_processed_total",
		Help: "Total number of events processed successfully",
	})

	// EventFailures counts aborted events by the stage that failed.
	EventFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ntuple_event_failures_total",
		Help: "Total number of events aborted, by failing stage",
	}, []string{"stage"})

	// ClustersProduced counts clusters per output collection (DEF, DBS, ...).
	ClustersProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ntuple_clusters_produced_total",
		Help: "Total number of clusters produced, by collection",
	}, []string{"collection"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ntuple_stage_duration_seconds",
		Help:    "Per-event stage latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"stage"})

	PoolWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ntuple_pool_workers",
		Help: "Size of the active worker pool",
	})
)

// RecordEventProcessed increments the processed counter.
func RecordEventProcessed() { EventsProcessed.Inc() }

// RecordEventFailure increments the failure counter for stage.
func RecordEventFailure(stage string) { EventFailures.WithLabelValues(stage).Inc() }

// RecordClusters adds n clusters to the collection counter.
func RecordClusters(collection string, n int) {
	if n <= 0 {
		return
	}
	ClustersProduced.WithLabelValues(collection).Add(float64(n))
}

// ObserveStage records the time elapsed since start for stage.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// SetPoolWorkers records the worker pool size; 0 when no pool is active.
func SetPoolWorkers(n int) { PoolWorkers.Set(float64(n)) }

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
