// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	serverInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metropolis_server_info",
		Help: "Static server information.",
	}, []string{"version", "broker"})

	RunsTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metropolis_runs_triggered_total",
		Help: "Number of pipeline runs triggered.",
	})

	RunsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metropolis_runs_cancelled_total",
		Help: "Number of pipeline runs cancelled.",
	})

	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metropolis_jobs_claimed_total",
		Help: "Number of job instances claimed by workers.",
	})

	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metropolis_jobs_completed_total",
		Help: "Number of job instances completed successfully.",
	})

	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metropolis_jobs_failed_total",
		Help: "Number of task executions that returned an error.",
	})

	JobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metropolis_jobs_retried_total",
		Help: "Number of job instances parked for a retry after a failure.",
	})

	JobsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metropolis_jobs_dead_lettered_total",
		Help: "Number of job instances moved to the dead-letter set.",
	})

	// LeasesReaped counts expired leases released by the janitor. It is kept
	// separate from JobsFailed so infrastructure loss and task failure stay
	// distinguishable on dashboards.
	LeasesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metropolis_leases_reaped_total",
		Help: "Number of expired leases released back to the ready queue.",
	})

	DelayedPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metropolis_delayed_promoted_total",
		Help: "Number of delayed instances promoted to the ready queue.",
	})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metropolis_task_duration_seconds",
		Help:    "Wall clock duration of task executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"node", "outcome"})
)

// Init records static server information. Call once at startup.
func Init(version, broker string) {
	serverInfo.WithLabelValues(version, broker).Set(1)
}
