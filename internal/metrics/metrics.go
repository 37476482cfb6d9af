package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Assessment metrics
var (
	// RunningAssessments tracks the number of assessments holding a concurrency slot.
	RunningAssessments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vqc",
			Name:      "running_assessments",
			Help:      "Number of assessments currently running",
		},
	)

	// AssessmentsStarted counts assessments accepted by start.
	AssessmentsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vqc",
			Name:      "assessments_started_total",
			Help:      "Total number of assessments started",
		},
	)

	// AssessmentsFinished counts assessments reaching a terminal status.
	AssessmentsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vqc",
			Name:      "assessments_finished_total",
			Help:      "Total number of assessments reaching a terminal status",
		},
		[]string{"status"},
	)

	// StartsRejected counts start requests refused before any state change.
	StartsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vqc",
			Name:      "assessment_starts_rejected_total",
			Help:      "Total number of rejected assessment starts",
		},
		[]string{"reason"},
	)

	// DriveDuration tracks wall-clock time from start to terminal status.
	DriveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vqc",
			Name:      "assessment_duration_seconds",
			Help:      "Time taken to run an assessment",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		},
	)

	// ProgressUpdates counts persisted progress increments.
	ProgressUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vqc",
			Name:      "assessment_progress_updates_total",
			Help:      "Total number of persisted progress updates",
		},
	)

	// VMAFScores tracks the distribution of pooled VMAF means.
	VMAFScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vqc",
			Name:      "vmaf_score",
			Help:      "Pooled VMAF mean of completed assessments",
			Buckets:   []float64{20, 40, 60, 70, 80, 90, 95, 100},
		},
	)

	// BatchesCreated counts created batch groups.
	BatchesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vqc",
			Name:      "batches_created_total",
			Help:      "Total number of assessment batches created",
		},
	)
)

// Engine metrics
var (
	// ProbeDuration tracks the time taken by ffprobe.
	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vqc",
			Name:      "probe_duration_seconds",
			Help:      "Time taken to probe a video",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	// CompareDuration tracks the time taken by the ffmpeg libvmaf run.
	CompareDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vqc",
			Name:      "compare_duration_seconds",
			Help:      "Time taken for the ffmpeg quality comparison",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		},
	)

	// NotificationsPublished counts terminal-transition notifications by outcome.
	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vqc",
			Name:      "notifications_published_total",
			Help:      "Total number of assessment notifications published",
		},
		[]string{"result"},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vqc",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vqc",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vqc",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// AuthLockouts counts clients locked out after repeated failures.
	AuthLockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vqc",
			Subsystem: "api",
			Name:      "auth_lockouts_total",
			Help:      "Total number of clients locked out by the login rate limiter",
		},
	)
)

// RecordFinished records an assessment reaching a terminal status.
func RecordFinished(status string) {
	AssessmentsFinished.WithLabelValues(status).Inc()
}

// RecordRejected records a refused start.
func RecordRejected(reason string) {
	StartsRejected.WithLabelValues(reason).Inc()
}

// RecordVMAF records the pooled VMAF mean of a completed assessment.
func RecordVMAF(score float64) {
	VMAFScores.Observe(score)
}
