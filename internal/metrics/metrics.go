package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsFinished tracks terminal jobs by final status
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	// FilesProcessed tracks successfully processed files
	FilesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_files_processed_total",
			Help: "Total number of files processed successfully",
		},
	)

	// FilesFailed tracks failed files by recovery category
	FilesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_files_failed_total",
			Help: "Total number of file failures",
		},
		[]string{"category"},
	)

	// QueueBacklog tracks the current admission queue depth
	QueueBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docflow_queue_backlog",
			Help: "Jobs currently waiting in the admission queue",
		},
	)

	// QueueRejected tracks enqueue attempts rejected under backpressure
	QueueRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_queue_rejected_total",
			Help: "Enqueue attempts rejected because the queue was full",
		},
	)

	// WorkerRestarts tracks workers replaced after a crash or stall
	WorkerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_worker_restarts_total",
			Help: "Workers replaced after a crash or missed heartbeat",
		},
	)

	// DBLockRetries tracks job-store writes retried under contention
	DBLockRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_db_lock_retries_total",
			Help: "Job store writes retried due to lock contention",
		},
	)

	// PipelineLatency tracks external pipeline batch call latency
	PipelineLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docflow_pipeline_latency_seconds",
			Help:    "External pipeline batch call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SessionsArchived tracks sessions archived with failures
	SessionsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_sessions_archived_total",
			Help: "Sessions archived with failure details",
		},
	)

	// ArchivesPruned tracks archived sessions removed past retention
	ArchivesPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docflow_archives_pruned_total",
			Help: "Archived sessions deleted after their retention expired",
		},
	)
)
