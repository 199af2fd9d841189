package postgresql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/repository"
)

const jobColumns = `id, owner_id, gpu_type, gpu_count, command, estimated_duration, status, error, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job        entity.Job
		statusText string
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.GPUType,
		&job.GPUCount,
		&job.Command,
		&job.EstimatedDuration,
		&statusText,
		&job.Error, // NULL => nil
		&job.CreatedAt,
		&job.StartedAt,   // NULL => nil
		&job.CompletedAt, // NULL => nil
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	job.Status = entity.JobStatus(statusText)
	return &job, nil
}

func whereJobs(f repository.JobFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.OwnerID != nil {
		args = append(args, *f.OwnerID)
		conds = append(conds, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (q queries) GetJob(ctx context.Context, id int64) (*entity.Job, error) {
	return scanJob(q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (q queries) ListJobs(ctx context.Context, f repository.JobFilter) ([]entity.Job, error) {
	where, args := whereJobs(f)
	rows, err := q.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []entity.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (q queries) CountJobs(ctx context.Context, f repository.JobFilter) (int, error) {
	where, args := whereJobs(f)
	var n int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM jobs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (q queries) OldestJobWithStatus(ctx context.Context, status entity.JobStatus) (*entity.Job, error) {
	const sql = `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at, id LIMIT 1`
	return scanJob(q.db.QueryRow(ctx, sql, string(status)))
}

func (q queries) CompareAndSetStatus(ctx context.Context, id int64, ch repository.StatusChange) error {
	const sql = `
UPDATE jobs SET
	status = $3,
	started_at = CASE WHEN $4 THEN $6::timestamptz ELSE started_at END,
	completed_at = CASE WHEN $5 THEN $6::timestamptz ELSE completed_at END,
	error = CASE WHEN $3 = 'FAILED' THEN NULLIF($7, '') ELSE error END
WHERE id = $1 AND status = $2;
`
	at := ch.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tag, err := q.db.Exec(ctx, sql,
		id, string(ch.Expected), string(ch.Next),
		ch.StampsStart(), ch.StampsCompletion(), at, ch.Error,
	)
	if err != nil {
		return fmt.Errorf("compare and set status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// nothing matched: tell a vanished job apart from a lost race
	var current string
	if err := q.db.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return fmt.Errorf("%w: job %d is %s, expected %s", repository.ErrConflict, id, current, ch.Expected)
}

func (t *txQueries) LockJob(ctx context.Context, id int64) (*entity.Job, error) {
	return scanJob(t.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
}

func (t *txQueries) InsertJob(ctx context.Context, job *entity.Job) error {
	const sql = `
INSERT INTO jobs (owner_id, gpu_type, gpu_count, command, estimated_duration, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id;
`
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = entity.StatusPending
	}

	err := t.db.QueryRow(ctx, sql,
		job.OwnerID, job.GPUType, job.GPUCount, job.Command,
		job.EstimatedDuration, string(job.Status), job.CreatedAt,
	).Scan(&job.ID)
	if err != nil {
		if isPgCode(err, foreignKeyViolation) {
			return fmt.Errorf("owner %s: %w", job.OwnerID, repository.ErrNotFound)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (t *txQueries) DeleteJob(ctx context.Context, id int64) error {
	tag, err := t.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
