package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumina",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lumina",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	TasksActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lumina",
		Name:      "tasks_active",
		Help:      "Number of tasks currently in a non-terminal status.",
	})

	TasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumina",
		Name:      "tasks_total",
		Help:      "Total tasks created, by requested mode.",
	}, []string{"mode"})

	TaskOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumina",
		Name:      "task_outcomes_total",
		Help:      "Total completed tasks by terminal status.",
	}, []string{"status"})

	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lumina",
		Name:      "task_duration_seconds",
		Help:      "Wall-clock time from task creation to terminal status.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"mode"})

	ExtractorInvocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumina",
		Name:      "extractor_invocations_total",
		Help:      "Total extractor process invocations by purpose (probe, download).",
	}, []string{"purpose"})

	ExtractorFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumina",
		Name:      "extractor_failures_total",
		Help:      "Total extractor failures by classified error kind.",
	}, []string{"error_kind"})

	ProbeStageAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumina",
		Name:      "probe_stage_attempts_total",
		Help:      "Total probing-ladder rung attempts by site classification and stage.",
	}, []string{"site", "stage"})

	ProbeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lumina",
		Name:      "probe_duration_seconds",
		Help:      "Duration of a full probing pipeline run.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
	}, []string{"site"})

	InfoCacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumina",
		Name:      "info_cache_hits_total",
		Help:      "Total info cache lookups by outcome (hit, miss, negative).",
	}, []string{"outcome"})

	InflightCoalescedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lumina",
		Name:      "inflight_coalesced_total",
		Help:      "Total probe requests served by joining an in-flight leader instead of starting a new probe.",
	})

	RetryRungAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumina",
		Name:      "retry_rung_attempts_total",
		Help:      "Total download retry/fallback ladder attempts by rung name.",
	}, []string{"rung"})

	DownloadDiskSpaceBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lumina",
		Name:      "download_disk_space_free_bytes",
		Help:      "Free disk space at the download directory, as last observed by the preflight check.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksActive,
		TasksTotal,
		TaskOutcomesTotal,
		TaskDuration,
		ExtractorInvocationsTotal,
		ExtractorFailuresTotal,
		ProbeStageAttemptsTotal,
		ProbeDuration,
		InfoCacheHitsTotal,
		InflightCoalescedTotal,
		RetryRungAttemptsTotal,
		DownloadDiskSpaceBytes,
	)
}
