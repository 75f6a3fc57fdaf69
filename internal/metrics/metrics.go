// Package metrics defines the Prometheus collectors shared by the queue,
// worker pool, scheduler, sync engine, stream processor, and fan-out
// components, and exposes them on a single registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every collector the platform exports. A single instance
// is constructed at process start and threaded into each component,
// matching the platform's no-package-level-singletons convention.
type Registry struct {
	reg *prometheus.Registry

	QueueDepth        *prometheus.GaugeVec
	JobsEnqueued      *prometheus.CounterVec
	JobsCompleted     *prometheus.CounterVec
	JobsFailed        *prometheus.CounterVec
	JobsDeadLettered  *prometheus.CounterVec
	ClaimLatency      prometheus.Histogram
	WorkerBreakerOpen *prometheus.GaugeVec

	SchedulerTicks   prometheus.Counter
	SchedulerFailed  prometheus.Counter
	ScheduledRunning *prometheus.GaugeVec

	SyncRecordsProcessed *prometheus.CounterVec
	SyncConflicts        *prometheus.CounterVec
	SyncDuration         *prometheus.HistogramVec

	ChangeLogAppended *prometheus.CounterVec
	ChangeLogAcked    *prometheus.CounterVec
	ChangeLogPending  *prometheus.GaugeVec

	StreamRecordsProcessed prometheus.Counter
	StreamRecordsDropped   prometheus.Counter
	StreamRecordsErrored   prometheus.Counter
	StreamBufferUtil       prometheus.Gauge
	StreamBreakerOpen      prometheus.Gauge

	FanoutConnections prometheus.Gauge
	FanoutPushed      *prometheus.CounterVec
}

// New constructs a Registry backed by a fresh prometheus.Registry (not the
// global default registerer, so tests can build isolated instances).
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ticketsync_queue_depth",
			Help: "Number of jobs currently in each queue status set.",
		}, []string{"status"}),
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsync_jobs_enqueued_total",
			Help: "Total jobs enqueued by type.",
		}, []string{"job_type"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsync_jobs_completed_total",
			Help: "Total jobs completed by type.",
		}, []string{"job_type"}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsync_jobs_failed_total",
			Help: "Total jobs failed by type.",
		}, []string{"job_type"}),
		JobsDeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsync_jobs_dead_lettered_total",
			Help: "Total jobs moved to the dead-letter set by type.",
		}, []string{"job_type"}),
		ClaimLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ticketsync_claim_latency_seconds",
			Help:    "Time between enqueue and claim.",
			Buckets: prometheus.DefBuckets,
		}),
		WorkerBreakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ticketsync_worker_breaker_open",
			Help: "1 when the per-handler circuit breaker is open.",
		}, []string{"job_type"}),

		SchedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketsync_scheduler_ticks_total",
			Help: "Total scheduler evaluation loop ticks where this instance held the lock.",
		}),
		SchedulerFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketsync_scheduler_materialize_failed_total",
			Help: "Total scheduled-job materialisation failures.",
		}),
		ScheduledRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ticketsync_scheduled_job_enabled",
			Help: "1 when a scheduled job is enabled.",
		}, []string{"scheduled_job_id"}),

		SyncRecordsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsync_sync_records_total",
			Help: "Records processed by sync_table, partitioned by outcome.",
		}, []string{"table", "outcome"}),
		SyncConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsync_sync_conflicts_total",
			Help: "Conflicts detected by table.",
		}, []string{"table"}),
		SyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticketsync_sync_duration_seconds",
			Help:    "sync_table duration by table.",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),

		ChangeLogAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsync_changelog_appended_total",
			Help: "Events appended by topic.",
		}, []string{"topic"}),
		ChangeLogAcked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsync_changelog_acked_total",
			Help: "Events acknowledged by topic and group.",
		}, []string{"topic", "group"}),
		ChangeLogPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ticketsync_changelog_pending",
			Help: "Pending (unacked) entries by topic and group.",
		}, []string{"topic", "group"}),

		StreamRecordsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketsync_stream_records_processed_total",
			Help: "Records successfully processed by the stream processor.",
		}),
		StreamRecordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketsync_stream_records_dropped_total",
			Help: "Records dropped by backpressure.",
		}),
		StreamRecordsErrored: factory.NewCounter(prometheus.CounterOpts{
			Name: "ticketsync_stream_records_errored_total",
			Help: "Records that errored during processing.",
		}),
		StreamBufferUtil: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ticketsync_stream_buffer_utilisation",
			Help: "Fraction of pipeline buffer capacity in use.",
		}),
		StreamBreakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ticketsync_stream_breaker_open",
			Help: "1 when the stream processor's Process-stage breaker is open.",
		}),

		FanoutConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ticketsync_fanout_connections",
			Help: "Currently attached fan-out connections.",
		}),
		FanoutPushed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketsync_fanout_events_pushed_total",
			Help: "Events pushed to fan-out connections by event type.",
		}, []string{"event_type"}),
	}
}

// Gatherer exposes the underlying registry for the /metrics HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
