// Package ledger moves quota between a principal's balance and the jobs it
// funds. Every movement runs inside the caller's store transaction so that a
// debit is committed together with the job insert and a credit together with
// the job delete.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gpu-quota-service/internal/repository"
)

var (
	ErrInsufficientQuota = errors.New("insufficient quota")
	ErrInvalidAmount     = errors.New("quota amount must be positive")
)

// InsufficientQuotaError reports the balance that was seen under the row lock.
type InsufficientQuotaError struct {
	Available int64
	Required  int64
}

func (e *InsufficientQuotaError) Error() string {
	return fmt.Sprintf("insufficient quota: available %ds, required %ds", e.Available, e.Required)
}

func (e *InsufficientQuotaError) Is(target error) bool {
	return target == ErrInsufficientQuota
}

// Debit locks the principal row, checks the committed balance and takes
// amount from it. It returns the new balance.
func Debit(ctx context.Context, tx repository.Tx, principalID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	p, err := tx.LockPrincipal(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("lock principal %s: %w", principalID, err)
	}
	if p.Quota < amount {
		return 0, &InsufficientQuotaError{Available: p.Quota, Required: amount}
	}

	balance, err := tx.AdjustQuota(ctx, principalID, -amount)
	if errors.Is(err, repository.ErrNegativeQuota) {
		return 0, &InsufficientQuotaError{Available: p.Quota, Required: amount}
	}
	if err != nil {
		return 0, fmt.Errorf("debit %s: %w", principalID, err)
	}
	return balance, nil
}

// Credit returns amount to the principal and returns the new balance.
func Credit(ctx context.Context, tx repository.Tx, principalID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	balance, err := tx.AdjustQuota(ctx, principalID, amount)
	if err != nil {
		return 0, fmt.Errorf("credit %s: %w", principalID, err)
	}
	return balance, nil
}
