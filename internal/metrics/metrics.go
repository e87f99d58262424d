// Package metrics provides Prometheus metrics for monitoring the render
// service.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total /v1/render requests by outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rendercore_requests_total",
			Help: "Total number of render requests processed",
		},
		[]string{"status"},
	)

	// RequestDuration tracks render duration.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rendercore_request_duration_seconds",
			Help:    "Render request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~205s
		},
		[]string{"status"},
	)

	// BrowserPoolSize shows the current number of launched browser instances.
	BrowserPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rendercore_browser_pool_instances",
			Help: "Number of launched browser instances",
		},
	)

	// BrowserPoolLeased shows currently leased contexts.
	BrowserPoolLeased = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rendercore_browser_pool_leased_contexts",
			Help: "Currently leased browser contexts",
		},
	)

	// BrowserPoolQueued shows acquisitions waiting in the FIFO queue.
	BrowserPoolQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rendercore_browser_pool_queued_acquisitions",
			Help: "Acquisitions currently queued waiting for a context",
		},
	)

	// BrowserPoolAcquired counts total successful context acquisitions.
	BrowserPoolAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rendercore_browser_pool_acquired_total",
			Help: "Total browser context acquisitions from the pool",
		},
	)

	// DetectionOutcomes counts detector verdicts by kind/type.
	DetectionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rendercore_detection_outcomes_total",
			Help: "Detection classifier outcomes by kind and type",
		},
		[]string{"kind", "type"},
	)

	// RateLimitRejections counts requests rejected by the rate limiter.
	RateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rendercore_rate_limit_rejections_total",
			Help: "Total requests rejected by the rate limiter",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rendercore_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rendercore_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rendercore_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rendercore_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		BrowserPoolSize,
		BrowserPoolLeased,
		BrowserPoolQueued,
		BrowserPoolAcquired,
		DetectionOutcomes,
		RateLimitRejections,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

// updateMemoryMetrics updates memory-related metrics.
func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed render request.
func RecordRequest(status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(status).Inc()
	RequestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDetection records one classifier outcome.
func RecordDetection(kind, detectionType string) {
	DetectionOutcomes.WithLabelValues(kind, detectionType).Inc()
}

// RecordRateLimitRejection records one request rejected by the rate limiter.
func RecordRateLimitRejection() {
	RateLimitRejections.Inc()
}

// UpdatePoolMetrics updates browser pool gauges from a pool status snapshot.
func UpdatePoolMetrics(instances, leased, queued int) {
	BrowserPoolSize.Set(float64(instances))
	BrowserPoolLeased.Set(float64(leased))
	BrowserPoolQueued.Set(float64(queued))
}
