package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/logging"
	"gpu-quota-service/internal/metrics"
	"gpu-quota-service/internal/repository"
)

// time allowed to record a job's outcome after the run context is gone
const finalizeTimeout = 10 * time.Second

// JobStore is the part of the repository the worker needs.
type JobStore interface {
	OldestJobWithStatus(ctx context.Context, status entity.JobStatus) (*entity.Job, error)
	CompareAndSetStatus(ctx context.Context, id int64, ch repository.StatusChange) error
	ListJobs(ctx context.Context, f repository.JobFilter) ([]entity.Job, error)
}

type Processor struct {
	store       JobStore
	exec        Executor
	execTimeout time.Duration
	metrics     *metrics.Collector
	log         logr.Logger
	now         func() time.Time
}

// NewProcessor builds a processor. execTimeout <= 0 lets a job run for as
// long as the executor takes.
func NewProcessor(store JobStore, exec Executor, execTimeout time.Duration, m *metrics.Collector, log logr.Logger) *Processor {
	return &Processor{
		store:       store,
		exec:        exec,
		execTimeout: execTimeout,
		metrics:     m,
		log:         log.WithName("processor"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ProcessNext claims the oldest APPROVED job, runs it and records the
// outcome. It reports false when there was nothing to claim. A claim lost to
// another consumer is not an error and reports true so the caller retries
// without waiting.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.store.OldestJobWithStatus(ctx, entity.StatusApproved)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find approved job: %w", err)
	}

	started := p.now()
	err = p.store.CompareAndSetStatus(ctx, job.ID, repository.StatusChange{
		Expected: entity.StatusApproved,
		Next:     entity.StatusRunning,
		At:       started,
	})
	if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
		p.metrics.RecordClaimConflict()
		p.log.V(logging.DEBUG).Info("claim lost", "job_id", job.ID, "reason", err.Error())
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", job.ID, err)
	}
	p.metrics.RecordClaim()
	p.log.Info("job started",
		"job_id", job.ID,
		"owner_id", job.OwnerID,
		"gpu_type", job.GPUType,
		"gpu_count", job.GPUCount,
		"estimated_duration", job.EstimatedDuration,
	)

	execErr := p.execute(ctx, *job)
	return true, p.finalize(ctx, job.ID, started, execErr)
}

func (p *Processor) execute(ctx context.Context, job entity.Job) error {
	runCtx := ctx
	if p.execTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.execTimeout)
		defer cancel()
	}

	err := p.exec.Execute(runCtx, job)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) && p.execTimeout > 0:
		return fmt.Errorf("%w: timed out after %s", ErrExecutionFailure, p.execTimeout)
	default:
		return fmt.Errorf("%w: %w", ErrExecutionFailure, err)
	}
}

func (p *Processor) finalize(ctx context.Context, id int64, started time.Time, execErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	finished := p.now()
	ch := repository.StatusChange{Expected: entity.StatusRunning, Next: entity.StatusCompleted, At: finished}
	if execErr != nil {
		ch.Next = entity.StatusFailed
		ch.Error = execErr.Error()
		if errors.Is(execErr, context.Canceled) {
			ch.Error = "interrupted: worker shutting down"
		}
	}

	elapsed := finished.Sub(started)
	p.metrics.RecordFinished(string(ch.Next), elapsed.Seconds())

	if err := p.store.CompareAndSetStatus(ctx, id, ch); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			// the reaper or a delete got there first
			p.log.Info("job outcome discarded", "job_id", id, "status", ch.Next, "reason", err.Error())
			return nil
		}
		return fmt.Errorf("finalize job %d: %w", id, err)
	}

	if execErr != nil {
		p.log.Info("job failed", "job_id", id, "duration_ms", elapsed.Milliseconds(), "error", ch.Error)
		return nil
	}
	p.log.Info("job completed", "job_id", id, "duration_ms", elapsed.Milliseconds())
	return nil
}
