// Package metrics provides access to Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rload"

// Web
var (
	HTTPResponseStatuses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "http_response_statuses_total",
		},
		[]string{"status"},
	)
	HTTPResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "http_response_time_seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"path"},
	)
)

// Loader
var (
	LoaderSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "submissions_total",
		},
		[]string{"path"}, // memory, flight, shared
	)
	LoaderOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "outcomes_total",
		},
		[]string{"status"},
	)
	LoaderFlightDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "flight_duration_seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30},
		},
	)
	LoaderFetchedSizes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "fetched_size_bytes",
			Buckets: []float64{
				16 << 10,  // 16 KiB
				64 << 10,  // 64 KiB
				256 << 10, // 256 KiB
				1 << 20,   // 1 MiB
				5 << 20,   // 5 MiB
				20 << 20,  // 20 MiB
			},
		},
	)
	LoaderDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "decode_errors_total",
		},
	)
	LoaderInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "in_flight",
		},
	)
)

// Transport
var (
	TransportResponseTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "response_time_seconds",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		},
	)
	TransportErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "errors_total",
		},
	)
)

// Binder
var (
	BinderStaleBindings = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "binder",
			Name:      "stale_bindings_total",
		},
	)
	BinderFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "binder",
			Name:      "fallbacks_total",
		},
	)
)

// Scroll
var (
	ScrollDeferrals = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scroll",
			Name:      "deferrals_total",
		},
	)
)

// Cache
var (
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
		},
		[]string{"tier"},
	)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
		},
		[]string{"tier"},
	)
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
		},
		[]string{"tier"},
	)
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "memory_evictions_total",
		},
	)
	CacheMemoryWeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "memory_weight_bytes",
		},
	)
)

// Cache tiers.
const (
	TierMemory = "memory"
	TierDisk   = "disk"
)

// Init values for common labels.
func init() {
	for _, status := range []string{"200", "400", "404", "500"} {
		HTTPResponseStatuses.With(prometheus.Labels{"status": status}).Add(0)
	}
	for _, tier := range []string{TierMemory, TierDisk} {
		CacheHits.With(prometheus.Labels{"tier": tier}).Add(0)
		CacheMisses.With(prometheus.Labels{"tier": tier}).Add(0)
		CacheErrors.With(prometheus.Labels{"tier": tier}).Add(0)
	}
}
