package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tool dispatch metrics
	ToolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundleserver_tool_invocations_total",
			Help: "Total number of tool invocations by tool name",
		},
		[]string{"tool"},
	)

	ToolErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundleserver_tool_errors_total",
			Help: "Total number of tool invocations that returned an error, by tool and error kind",
		},
		[]string{"tool", "kind"},
	)

	ToolDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bundleserver_tool_duration_seconds",
			Help:    "Duration of tool invocations from dispatch to response",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"tool"},
	)

	// Bundle lifecycle metrics
	BundleSwapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bundleserver_bundle_swaps_total",
			Help: "Total number of active bundle transitions",
		},
	)

	BundlesAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bundleserver_bundles_available",
			Help: "Number of archive files currently present in the storage directory",
		},
	)
)

// RecordToolInvocation records a completed tool call and its duration.
func RecordToolInvocation(tool string, duration time.Duration) {
	ToolInvocationsTotal.WithLabelValues(tool).Inc()
	ToolDurationSeconds.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordToolError records a tool call that produced an error response.
func RecordToolError(tool, kind string) {
	ToolErrorsTotal.WithLabelValues(tool, kind).Inc()
}

// RecordBundleSwap records an active bundle transition.
func RecordBundleSwap() {
	BundleSwapsTotal.Inc()
}

// SetBundlesAvailable updates the storage directory archive gauge.
func SetBundlesAvailable(count int) {
	BundlesAvailable.Set(float64(count))
}
