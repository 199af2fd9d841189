package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/metrics"
	"gpu-quota-service/internal/repository"
)

const staleExecution = "stale execution: worker did not report an outcome"

// Reaper fails RUNNING jobs whose worker went away. A job is stale once
// started_at + estimated_duration × TimeUnit + Grace has passed. Quota is
// not refunded.
type Reaper struct {
	store    JobStore
	timeUnit time.Duration
	grace    time.Duration
	metrics  *metrics.Collector
	log      logr.Logger
}

func NewReaper(store JobStore, timeUnit, grace time.Duration, m *metrics.Collector, log logr.Logger) *Reaper {
	if timeUnit <= 0 {
		timeUnit = time.Second
	}
	return &Reaper{
		store:    store,
		timeUnit: timeUnit,
		grace:    grace,
		metrics:  m,
		log:      log.WithName("reaper"),
	}
}

// Sweep fails every stale job as of now and returns how many it changed.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (int, error) {
	running, err := r.store.ListJobs(ctx, repository.JobFilter{Statuses: []entity.JobStatus{entity.StatusRunning}})
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}

	reaped := 0
	for _, job := range running {
		if !r.stale(job, now) {
			continue
		}
		err := r.store.CompareAndSetStatus(ctx, job.ID, repository.StatusChange{
			Expected: entity.StatusRunning,
			Next:     entity.StatusFailed,
			At:       now,
			Error:    staleExecution,
		})
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return reaped, fmt.Errorf("fail stale job %d: %w", job.ID, err)
		}
		reaped++
		r.log.Info("stale job failed", "job_id", job.ID, "started_at", job.StartedAt)
	}

	r.metrics.RecordReaped(reaped)
	return reaped, nil
}

func (r *Reaper) stale(job entity.Job, now time.Time) bool {
	if job.StartedAt == nil {
		return false
	}
	deadline := job.StartedAt.Add(time.Duration(job.EstimatedDuration)*r.timeUnit + r.grace)
	return now.After(deadline)
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx, time.Now().UTC()); err != nil {
				r.metrics.RecordWorkerError()
				r.log.Error(err, "reaper sweep")
			}
		}
	}
}
