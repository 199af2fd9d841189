// Package metrics collects Prometheus metrics for admission, the approval
// gate and the worker.
//
// Counters:
//   - gpuq_submissions_total{result}: accepted and rejected submissions
//   - gpuq_quota_debited_seconds_total / gpuq_quota_refunded_seconds_total
//   - gpuq_status_changes_total{status}: approval gate decisions
//   - gpuq_jobs_deleted_total{refunded}
//   - gpuq_jobs_claimed_total, gpuq_claim_conflicts_total
//   - gpuq_jobs_finished_total{status}, gpuq_jobs_reaped_total
//   - gpuq_worker_errors_total
//
// Histogram gpuq_job_execution_seconds and gauge gpuq_jobs_in_flight describe
// the single executor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector Prometheus metrics for the service. Construct one per registry.
// A nil *Collector records nothing.
type Collector struct {
	submissions    *prometheus.CounterVec
	quotaDebited   prometheus.Counter
	quotaRefunded  prometheus.Counter
	statusChanges  *prometheus.CounterVec
	jobsDeleted    *prometheus.CounterVec
	jobsClaimed    prometheus.Counter
	claimConflicts prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	jobsReaped     prometheus.Counter
	workerErrors   prometheus.Counter

	execution prometheus.Histogram
	inFlight  prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuq_submissions_total",
			Help: "Job submissions by admission result",
		}, []string{"result"}),
		quotaDebited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuq_quota_debited_seconds_total",
			Help: "Quota seconds reserved by accepted submissions",
		}),
		quotaRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuq_quota_refunded_seconds_total",
			Help: "Quota seconds returned by deleting pending jobs",
		}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuq_status_changes_total",
			Help: "Status changes applied through the approval gate",
		}, []string{"status"}),
		jobsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuq_jobs_deleted_total",
			Help: "Deleted jobs, labelled by whether quota was refunded",
		}, []string{"refunded"}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuq_jobs_claimed_total",
			Help: "Jobs claimed by the worker (APPROVED -> RUNNING)",
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuq_claim_conflicts_total",
			Help: "Claims abandoned because the job changed underneath the worker",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuq_jobs_finished_total",
			Help: "Jobs finalized by the worker by terminal status",
		}, []string{"status"}),
		jobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuq_jobs_reaped_total",
			Help: "Stale RUNNING jobs failed by the reaper",
		}),
		workerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuq_worker_errors_total",
			Help: "Store or execution errors seen by the worker loop",
		}),
		execution: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpuq_job_execution_seconds",
			Help:    "Wall time of job executions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpuq_jobs_in_flight",
			Help: "Jobs currently executing",
		}),
	}

	reg.MustRegister(
		c.submissions, c.quotaDebited, c.quotaRefunded, c.statusChanges,
		c.jobsDeleted, c.jobsClaimed, c.claimConflicts, c.jobsFinished,
		c.jobsReaped, c.workerErrors, c.execution, c.inFlight,
	)
	return c
}

// RecordSubmission counts an admission outcome; debited is the quota reserved
// when the job was accepted.
func (c *Collector) RecordSubmission(result string, debited int64) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(result).Inc()
	if debited > 0 {
		c.quotaDebited.Add(float64(debited))
	}
}

func (c *Collector) RecordStatusChange(status string) {
	if c == nil {
		return
	}
	c.statusChanges.WithLabelValues(status).Inc()
}

func (c *Collector) RecordDelete(refunded int64) {
	if c == nil {
		return
	}
	if refunded > 0 {
		c.jobsDeleted.WithLabelValues("true").Inc()
		c.quotaRefunded.Add(float64(refunded))
		return
	}
	c.jobsDeleted.WithLabelValues("false").Inc()
}

func (c *Collector) RecordClaim() {
	if c == nil {
		return
	}
	c.jobsClaimed.Inc()
	c.inFlight.Inc()
}

func (c *Collector) RecordClaimConflict() {
	if c == nil {
		return
	}
	c.claimConflicts.Inc()
}

// RecordFinished closes an execution started by RecordClaim.
func (c *Collector) RecordFinished(status string, seconds float64) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(status).Inc()
	c.execution.Observe(seconds)
	c.inFlight.Dec()
}

func (c *Collector) RecordReaped(n int) {
	if c == nil {
		return
	}
	c.jobsReaped.Add(float64(n))
}

func (c *Collector) RecordWorkerError() {
	if c == nil {
		return
	}
	c.workerErrors.Inc()
}
