package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/repository"
)

const principalColumns = `id, name, role, quota, created_at`

func scanPrincipal(row pgx.Row) (*entity.Principal, error) {
	var (
		p        entity.Principal
		roleText string
	)
	if err := row.Scan(&p.ID, &p.Name, &roleText, &p.Quota, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	p.Role = entity.Role(roleText)
	return &p, nil
}

func (q queries) GetPrincipal(ctx context.Context, id uuid.UUID) (*entity.Principal, error) {
	return scanPrincipal(q.db.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1`, id))
}

func (s *Store) CreatePrincipal(ctx context.Context, p *entity.Principal) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	const sql = `INSERT INTO principals (id, name, role, quota, created_at) VALUES ($1, $2, $3, $4, $5);`
	if _, err := s.pool.Exec(ctx, sql, p.ID, p.Name, string(p.Role), p.Quota, p.CreatedAt); err != nil {
		if isPgCode(err, uniqueViolation) {
			return fmt.Errorf("principal %q: %w", p.Name, repository.ErrDuplicate)
		}
		return fmt.Errorf("insert principal: %w", err)
	}
	return nil
}

func (s *Store) SetRole(ctx context.Context, id uuid.UUID, role entity.Role) error {
	tag, err := s.pool.Exec(ctx, `UPDATE principals SET role = $2 WHERE id = $1;`, id, string(role))
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (t *txQueries) LockPrincipal(ctx context.Context, id uuid.UUID) (*entity.Principal, error) {
	return scanPrincipal(t.db.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1 FOR UPDATE`, id))
}

func (t *txQueries) AdjustQuota(ctx context.Context, id uuid.UUID, delta int64) (int64, error) {
	const sql = `UPDATE principals SET quota = quota + $2 WHERE id = $1 AND quota + $2 >= 0 RETURNING quota;`

	var balance int64
	err := t.db.QueryRow(ctx, sql, id, delta).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("adjust quota: %w", err)
	}
	if _, err := t.GetPrincipal(ctx, id); err != nil {
		return 0, err
	}
	return 0, repository.ErrNegativeQuota
}
