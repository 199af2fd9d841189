package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/metrics"
	"gpu-quota-service/internal/repository"
)

// Policy holds the admission limits and default grants.
type Policy struct {
	MaxGPUCount     int
	MaxActiveJobs   int
	StandardQuota   int64
	PrivilegedQuota int64
	CommandDenylist []string
}

func DefaultPolicy() Policy {
	return Policy{
		MaxGPUCount:     10,
		MaxActiveJobs:   2,
		StandardQuota:   120,
		PrivilegedQuota: 1000,
		CommandDenylist: []string{";", "&&", "|", "`", "$("},
	}
}

func (p Policy) DefaultQuota(role entity.Role) int64 {
	if role == entity.RolePrivileged {
		return p.PrivilegedQuota
	}
	return p.StandardQuota
}

// JobService is the operation surface over the job store and the quota
// ledger: admission, the approval gate, deletion with refund and reads.
type JobService struct {
	store   repository.Store
	wakeup  Wakeup
	policy  Policy
	metrics *metrics.Collector
	log     logr.Logger
	now     func() time.Time
}

// NewJobService wires the service. wakeup and m may be nil.
func NewJobService(store repository.Store, wakeup Wakeup, policy Policy, m *metrics.Collector, log logr.Logger) *JobService {
	return &JobService{
		store:   store,
		wakeup:  wakeup,
		policy:  policy,
		metrics: m,
		log:     log.WithName("jobs"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ListJobs returns every job to a privileged principal and only the caller's
// own jobs otherwise. statuses narrows the result when given.
func (s *JobService) ListJobs(ctx context.Context, principal *entity.Principal, statuses ...entity.JobStatus) ([]entity.Job, error) {
	if principal == nil {
		return nil, ErrForbidden
	}

	f := repository.JobFilter{Statuses: statuses}
	if !principal.Privileged() {
		f.OwnerID = &principal.ID
	}
	jobs, err := s.store.ListJobs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobService) GetJob(ctx context.Context, principal *entity.Principal, id int64) (*entity.Job, error) {
	if principal == nil {
		return nil, ErrForbidden
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", id, err)
	}
	if !principal.Privileged() && job.OwnerID != principal.ID {
		return nil, fmt.Errorf("%w: job %d belongs to another principal", ErrForbidden, id)
	}
	return job, nil
}

// GetPrincipalQuota reads the latest committed balance rather than the copy
// carried by the authenticated principal.
func (s *JobService) GetPrincipalQuota(ctx context.Context, principal *entity.Principal) (int64, error) {
	if principal == nil {
		return 0, ErrForbidden
	}

	p, err := s.store.GetPrincipal(ctx, principal.ID)
	if err != nil {
		return 0, fmt.Errorf("principal %s: %w", principal.ID, err)
	}
	return p.Quota, nil
}

func (s *JobService) notifyApproved(ctx context.Context, jobID int64) {
	if s.wakeup == nil {
		return
	}
	if err := s.wakeup.Notify(ctx, jobID); err != nil {
		// the worker still finds the job on its next poll
		s.log.Error(err, "wakeup notify failed", "job_id", jobID)
	}
}
