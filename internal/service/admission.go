package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/ledger"
	"gpu-quota-service/internal/logging"
	"gpu-quota-service/internal/repository"
)

type SubmitRequest struct {
	GPUType           string
	GPUCount          int
	Command           string
	EstimatedDuration int64
}

// SubmitJob admits a new job. The checks run in a fixed order and the first
// failure wins; nothing is written unless every check passes. The active job
// count, the quota check, the debit and the insert happen in one transaction
// holding the principal's row lock, so concurrent submissions from the same
// principal are serialized against the committed balance.
func (s *JobService) SubmitJob(ctx context.Context, principal *entity.Principal, req SubmitRequest) (*entity.Job, error) {
	if principal == nil {
		return nil, ErrForbidden
	}

	if err := s.validate(req); err != nil {
		s.metrics.RecordSubmission(admissionResult(err), 0)
		return nil, err
	}

	job := &entity.Job{
		OwnerID:           principal.ID,
		GPUType:           req.GPUType,
		GPUCount:          req.GPUCount,
		Command:           req.Command,
		EstimatedDuration: req.EstimatedDuration,
		Status:            entity.StatusPending,
		CreatedAt:         s.now(),
	}

	var balance int64
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.LockPrincipal(ctx, principal.ID); err != nil {
			return fmt.Errorf("principal %s: %w", principal.ID, err)
		}

		active, err := tx.CountJobs(ctx, repository.JobFilter{
			OwnerID:  &principal.ID,
			Statuses: entity.ActiveStatuses,
		})
		if err != nil {
			return err
		}
		if active >= s.policy.MaxActiveJobs {
			return fmt.Errorf("%w: %d pending or running jobs, limit is %d",
				ErrTooManyActiveJobs, active, s.policy.MaxActiveJobs)
		}

		balance, err = ledger.Debit(ctx, tx, principal.ID, req.EstimatedDuration)
		if err != nil {
			return err
		}
		return tx.InsertJob(ctx, job)
	})
	if err != nil {
		s.metrics.RecordSubmission(admissionResult(err), 0)
		s.log.V(logging.DEBUG).Info("submission rejected", "principal_id", principal.ID, "reason", err.Error())
		return nil, err
	}

	s.metrics.RecordSubmission(admissionResult(nil), job.EstimatedDuration)
	s.log.Info("job submitted",
		"job_id", job.ID,
		"principal_id", principal.ID,
		"gpu_type", job.GPUType,
		"gpu_count", job.GPUCount,
		"estimated_duration", job.EstimatedDuration,
		"quota_left", balance,
	)
	return job, nil
}

func (s *JobService) validate(req SubmitRequest) error {
	if req.GPUCount < 1 || req.GPUCount > s.policy.MaxGPUCount {
		return fmt.Errorf("%w: gpu_count is %d, allowed range is 1..%d",
			ErrInvalidResourceCount, req.GPUCount, s.policy.MaxGPUCount)
	}
	for _, bad := range s.policy.CommandDenylist {
		if bad != "" && strings.Contains(req.Command, bad) {
			return fmt.Errorf("%w: command contains %q", ErrUnsafeCommand, bad)
		}
	}
	if req.EstimatedDuration <= 0 {
		return fmt.Errorf("%w: estimated_duration must be positive, got %d",
			ErrInvalidDuration, req.EstimatedDuration)
	}
	return nil
}

// admissionResult is the metrics label for a submission outcome.
func admissionResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrInvalidResourceCount):
		return "invalid_resource_count"
	case errors.Is(err, ErrUnsafeCommand):
		return "unsafe_command"
	case errors.Is(err, ErrInvalidDuration):
		return "invalid_duration"
	case errors.Is(err, ErrTooManyActiveJobs):
		return "too_many_active_jobs"
	case errors.Is(err, ErrInsufficientQuota):
		return "insufficient_quota"
	case errors.Is(err, ErrNotFound):
		return "unknown_principal"
	default:
		return "error"
	}
}
