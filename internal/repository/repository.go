// Package repository defines the persistence contract shared by the store
// drivers: row storage for principals and jobs, equality filters on owner and
// status, compare-and-set on job status and transactions with row locks.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"gpu-quota-service/internal/entity"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("status conflict")
	ErrDuplicate = errors.New("duplicate")
)

type JobFilter struct {
	OwnerID  *uuid.UUID
	Statuses []entity.JobStatus
}

// StatusChange is a compare-and-set request on a job's status.
// The store stamps started_at when Next is RUNNING and completed_at when a
// RUNNING job moves to a terminal status. Error is stored only when Next is FAILED.
type StatusChange struct {
	Expected entity.JobStatus
	Next     entity.JobStatus
	At       time.Time
	Error    string
}

func (c StatusChange) StampsStart() bool {
	return c.Next == entity.StatusRunning
}

func (c StatusChange) StampsCompletion() bool {
	return c.Expected == entity.StatusRunning && c.Next.Terminal()
}

type Queries interface {
	GetPrincipal(ctx context.Context, id uuid.UUID) (*entity.Principal, error)
	GetJob(ctx context.Context, id int64) (*entity.Job, error)
	// ListJobs returns jobs in ascending ID order.
	ListJobs(ctx context.Context, f JobFilter) ([]entity.Job, error)
	CountJobs(ctx context.Context, f JobFilter) (int, error)
	// OldestJobWithStatus orders by created_at, then id.
	OldestJobWithStatus(ctx context.Context, status entity.JobStatus) (*entity.Job, error)
	// CompareAndSetStatus returns ErrConflict when the job exists but its
	// current status differs from ch.Expected, ErrNotFound when it is gone.
	CompareAndSetStatus(ctx context.Context, id int64, ch StatusChange) error
}

type Tx interface {
	Queries

	// LockPrincipal reads the principal and holds a write lock on its row
	// until the transaction ends.
	LockPrincipal(ctx context.Context, id uuid.UUID) (*entity.Principal, error)
	LockJob(ctx context.Context, id int64) (*entity.Job, error)
	// AdjustQuota adds delta to the principal's quota and returns the new
	// balance. It never stores a negative balance.
	AdjustQuota(ctx context.Context, id uuid.UUID, delta int64) (int64, error)
	// InsertJob assigns job.ID.
	InsertJob(ctx context.Context, job *entity.Job) error
	DeleteJob(ctx context.Context, id int64) error
}

type Store interface {
	Queries

	CreatePrincipal(ctx context.Context, p *entity.Principal) error
	SetRole(ctx context.Context, id uuid.UUID, role entity.Role) error
	// InTx runs fn in one transaction. fn's error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// ErrNegativeQuota is returned by AdjustQuota when the delta would drive the
// balance below zero.
var ErrNegativeQuota = errors.New("quota would become negative")
