// Package metrics exposes recall activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Fetch results recorded by the fetch cache.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Collector holds every recall metric on its own registry.
type Collector struct {
	registry *prometheus.Registry

	// Tracker metrics
	TrackedCalls     *prometheus.CounterVec
	TrackingDegraded *prometheus.CounterVec

	// Fetch cache metrics
	Fetches       *prometheus.CounterVec
	FetchDuration prometheus.Histogram
}

// NewCollector creates a collector whose metrics carry the given namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	trackedCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracked_calls_total",
			Help:      "Total number of calls made through tracked operations",
		},
		[]string{"operation"},
	)

	trackingDegraded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracking_degraded_total",
			Help:      "Tracking writes skipped because the store failed",
		},
		[]string{"operation", "step"},
	)

	fetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Fetch cache requests by result",
		},
		[]string{"result"},
	)

	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Duration of upstream fetches made on cache misses",
			Buckets:   prometheus.DefBuckets,
		},
	)

	registry.MustRegister(trackedCalls, trackingDegraded, fetches, fetchDuration)

	return &Collector{
		registry:         registry,
		TrackedCalls:     trackedCalls,
		TrackingDegraded: trackingDegraded,
		Fetches:          fetches,
		FetchDuration:    fetchDuration,
	}
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveCall records one call through a tracked operation.
func (c *Collector) ObserveCall(operation string) {
	if c == nil {
		return
	}
	c.TrackedCalls.WithLabelValues(operation).Inc()
}

// ObserveDegraded records a tracking step skipped because of a store failure.
func (c *Collector) ObserveDegraded(operation, step string) {
	if c == nil {
		return
	}
	c.TrackingDegraded.WithLabelValues(operation, step).Inc()
}

// ObserveFetch records a fetch cache outcome.
func (c *Collector) ObserveFetch(result string) {
	if c == nil {
		return
	}
	c.Fetches.WithLabelValues(result).Inc()
}

// ObserveFetchDuration records the latency of an upstream fetch.
func (c *Collector) ObserveFetchDuration(seconds float64) {
	if c == nil {
		return
	}
	c.FetchDuration.Observe(seconds)
}
