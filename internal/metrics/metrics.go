package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricPrefix = "balsam_"

var AcquireLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "acquire_latency_seconds",
		Help:    "Time taken to acquire jobs for a lease",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	},
	[]string{"outcome"},
)

var JobsAcquired = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "jobs_acquired_total",
		Help: "Number of jobs assigned to leases",
	},
	[]string{"site"},
)

var HeartbeatFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "heartbeat_failures_total",
		Help: "Number of lease heartbeats that could not be written to the store",
	},
	[]string{"site"},
)

var LeasesReaped = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "leases_reaped_total",
		Help: "Number of expired leases removed by the reaper",
	},
)

var JobsReverted = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "jobs_reverted_total",
		Help: "Number of jobs detached from expired leases",
	},
)

var JobsReleased = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "jobs_released_total",
		Help: "Number of jobs handed back by leases closed gracefully",
	},
)

var DependenciesResolved = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "dependencies_resolved_total",
		Help: "Number of jobs moved out of AWAITING_PARENTS",
	},
)

var PrefetchedJobs = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "prefetched_jobs",
		Help: "Number of acquired jobs waiting in the launcher's prefetch queue",
	},
)

var IdleNodes = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "idle_nodes",
		Help: "Fractional number of idle nodes available to the launcher",
	},
)

var BackgroundTaskLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "background_task_latency_seconds",
		Help:    "Background loop latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	},
	[]string{"task"},
)

var JobsExecuted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "jobs_executed_total",
		Help: "Number of jobs run to completion by this launcher",
	},
	[]string{"state"},
)
