package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric definitions for the analytics engine

var (
	samplesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dta",
			Subsystem: "detection",
			Name:      "samples_processed_total",
			Help:      "Total number of telemetry samples run through the engine",
		},
	)

	anomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dta",
			Subsystem: "detection",
			Name:      "anomalies_total",
			Help:      "Total number of anomalies persisted",
		},
		[]string{"type", "severity"},
	)

	detectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dta",
			Subsystem: "detection",
			Name:      "detector_duration_seconds",
			Help:      "Per-detector evaluation latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~1.6s
		},
		[]string{"detector"},
	)

	baselineRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dta",
			Subsystem: "profiling",
			Name:      "baseline_rebuilds_total",
			Help:      "Baseline rebuild attempts by outcome",
		},
		[]string{"outcome"},
	)

	alertsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dta",
			Subsystem: "alerting",
			Name:      "alerts_delivered_total",
			Help:      "Alerts confirmed delivered by the notifier",
		},
	)

	alertsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dta",
			Subsystem: "alerting",
			Name:      "alerts_failed_total",
			Help:      "Alerts that exhausted their delivery retries",
		},
	)
)

// RecordSampleProcessed counts one engine pass
func RecordSampleProcessed() {
	samplesProcessed.Inc()
}

// RecordAnomalyDetected counts one persisted anomaly
func RecordAnomalyDetected(anomalyType, severity string) {
	anomaliesDetected.WithLabelValues(anomalyType, severity).Inc()
}

// ObserveDetectorDuration records one detector evaluation
func ObserveDetectorDuration(detector string, d time.Duration) {
	detectorDuration.WithLabelValues(detector).Observe(d.Seconds())
}

// RecordBaselineRebuild counts a rebuild attempt; outcome is one of
// "ok", "insufficient_data" or "error"
func RecordBaselineRebuild(outcome string) {
	baselineRebuilds.WithLabelValues(outcome).Inc()
}

// RecordAlertDelivered counts a confirmed notification
func RecordAlertDelivered() {
	alertsDelivered.Inc()
}

// RecordAlertFailed counts a dead-lettered notification
func RecordAlertFailed() {
	alertsFailed.Inc()
}
