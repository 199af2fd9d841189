package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusApproved  JobStatus = "APPROVED"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
)

// ActiveStatuses count against the per-owner concurrency cap. APPROVED does not.
var ActiveStatuses = []JobStatus{StatusPending, StatusRunning}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

var transitions = map[JobStatus][]JobStatus{
	StatusPending:  {StatusApproved, StatusFailed},
	StatusApproved: {StatusRunning, StatusFailed},
	StatusRunning:  {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
// Deletion is not a status transition and is not covered here.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Job struct {
	ID                int64      `json:"id"`
	OwnerID           uuid.UUID  `json:"owner_id"`
	GPUType           string     `json:"gpu_type"`
	GPUCount          int        `json:"gpu_count"`
	Command           string     `json:"command"`
	EstimatedDuration int64      `json:"estimated_duration"`
	Status            JobStatus  `json:"status"`
	Error             *string    `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}
