package service

import (
	"errors"

	"gpu-quota-service/internal/ledger"
	"gpu-quota-service/internal/repository"
)

// Admission and gate errors. Returned errors wrap one of these with the
// detail of the rule that was violated; test with errors.Is.
var (
	ErrInvalidResourceCount = errors.New("invalid resource count")
	ErrUnsafeCommand        = errors.New("unsafe command")
	ErrInvalidDuration      = errors.New("invalid estimated duration")
	ErrTooManyActiveJobs    = errors.New("too many active jobs")
	ErrInsufficientQuota    = ledger.ErrInsufficientQuota
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = repository.ErrNotFound
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrConflict             = repository.ErrConflict
	ErrNameTaken            = errors.New("name already taken")
	ErrInvalidName          = errors.New("invalid name")
	ErrInvalidRole          = errors.New("invalid role")
)
