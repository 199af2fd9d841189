package service

import (
	"context"
	"fmt"
	"strconv"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/ledger"
	"gpu-quota-service/internal/repository"
)

// SetJobStatus is the privileged approval gate. It moves a PENDING job to
// APPROVED or FAILED, or revokes an APPROVED job that the worker has not
// claimed yet. Quota is not touched: the cost was reserved at submission and
// a rejected job keeps it spent.
func (s *JobService) SetJobStatus(ctx context.Context, principal *entity.Principal, id int64, next entity.JobStatus) (*entity.Job, error) {
	if !principal.Privileged() {
		return nil, fmt.Errorf("%w: changing job status requires the privileged role", ErrForbidden)
	}
	if next != entity.StatusApproved && next != entity.StatusFailed {
		return nil, fmt.Errorf("%w: status %q cannot be set by an approver", ErrInvalidTransition, next)
	}

	var (
		updated *entity.Job
		changed bool
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		job, err := tx.LockJob(ctx, id)
		if err != nil {
			return fmt.Errorf("job %d: %w", id, err)
		}

		if job.Status == next && !next.Terminal() {
			updated = job
			return nil
		}
		// RUNNING jobs belong to the worker until it finalizes them
		if job.Status == entity.StatusRunning || !entity.CanTransition(job.Status, next) {
			return fmt.Errorf("%w: job %d is %s, cannot become %s", ErrInvalidTransition, id, job.Status, next)
		}

		ch := repository.StatusChange{Expected: job.Status, Next: next, At: s.now()}
		if next == entity.StatusFailed {
			ch.Error = "rejected by " + principal.Name
		}
		if err := tx.CompareAndSetStatus(ctx, id, ch); err != nil {
			return err
		}
		changed = true

		updated, err = tx.GetJob(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.metrics.RecordStatusChange(string(next))
		s.log.Info("job status changed", "job_id", id, "status", next, "by", principal.ID)
		if next == entity.StatusApproved {
			s.notifyApproved(ctx, id)
		}
	}
	return updated, nil
}

// DeleteJob removes a job on behalf of its owner or a privileged principal.
// A PENDING job's reservation is credited back in the same transaction as
// the delete; in any other status the quota stays consumed.
func (s *JobService) DeleteJob(ctx context.Context, principal *entity.Principal, id int64) error {
	if principal == nil {
		return ErrForbidden
	}

	var (
		refunded int64
		status   entity.JobStatus
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		job, err := tx.LockJob(ctx, id)
		if err != nil {
			return fmt.Errorf("job %d: %w", id, err)
		}
		if !principal.Privileged() && job.OwnerID != principal.ID {
			return fmt.Errorf("%w: job %d belongs to another principal", ErrForbidden, id)
		}
		status = job.Status

		if job.Status == entity.StatusPending {
			if _, err := ledger.Credit(ctx, tx, job.OwnerID, job.EstimatedDuration); err != nil {
				return err
			}
			refunded = job.EstimatedDuration
		}
		return tx.DeleteJob(ctx, id)
	})
	if err != nil {
		return err
	}

	s.metrics.RecordDelete(refunded)
	s.log.Info("job deleted",
		"job_id", id,
		"status", status,
		"by", principal.ID,
		"refunded", strconv.FormatInt(refunded, 10),
	)
	return nil
}
