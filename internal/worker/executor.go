package worker

import (
	"context"
	"errors"
	"time"

	"gpu-quota-service/internal/entity"
)

// ErrExecutionFailure marks an outcome reported by the executor. The job is
// failed and its quota stays spent.
var ErrExecutionFailure = errors.New("execution failure")

// Executor runs one claimed job. A nil error means the job completed.
type Executor interface {
	Execute(ctx context.Context, job entity.Job) error
}

type ExecutorFunc func(ctx context.Context, job entity.Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job entity.Job) error { return f(ctx, job) }

// SimulatedExecutor stands in for real GPU work: it waits
// estimated_duration × TimeUnit.
type SimulatedExecutor struct {
	TimeUnit time.Duration
}

func (e SimulatedExecutor) Execute(ctx context.Context, job entity.Job) error {
	unit := e.TimeUnit
	if unit <= 0 {
		unit = time.Second
	}

	t := time.NewTimer(time.Duration(job.EstimatedDuration) * unit)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
