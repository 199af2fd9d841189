package postgresql

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS principals (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	role        TEXT NOT NULL CHECK (role IN ('standard', 'privileged')),
	quota       BIGINT NOT NULL CHECK (quota >= 0),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id                  BIGSERIAL PRIMARY KEY,
	owner_id            UUID NOT NULL REFERENCES principals (id),
	gpu_type            TEXT NOT NULL,
	gpu_count           INTEGER NOT NULL CHECK (gpu_count > 0),
	command             TEXT NOT NULL,
	estimated_duration  BIGINT NOT NULL CHECK (estimated_duration > 0),
	status              TEXT NOT NULL CHECK (status IN ('PENDING', 'APPROVED', 'RUNNING', 'COMPLETED', 'FAILED')),
	error               TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS jobs_owner_status_idx ON jobs (owner_id, status);
CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at, id);
`

// Migrate creates the tables when they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
