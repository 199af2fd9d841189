package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/repository"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements repository.Store on a SQLite database file.
type Store struct {
	queries
	db *sql.DB
}

var _ repository.Store = (*Store)(nil)

// NewStore opens (and creates if needed) the database at path. Transactions
// are opened with BEGIN IMMEDIATE so a writer holds the database lock from
// the first statement, which also serializes an API and a worker process
// sharing the same file.
func NewStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{queries: queries{db: db}, db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS principals (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL CHECK (role IN ('standard', 'privileged')),
		quota INTEGER NOT NULL CHECK (quota >= 0),
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL REFERENCES principals(id),
		gpu_type TEXT NOT NULL,
		gpu_count INTEGER NOT NULL CHECK (gpu_count > 0),
		command TEXT NOT NULL,
		estimated_duration INTEGER NOT NULL CHECK (estimated_duration > 0),
		status TEXT NOT NULL,
		error TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_owner_status ON jobs(owner_id, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&txQueries{queries: queries{db: sqlTx}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreatePrincipal(ctx context.Context, p *entity.Principal) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO principals (id, name, role, quota, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, p.ID.String(), p.Name, string(p.Role), p.Quota, p.CreatedAt); err != nil {
		if isConstraint(err, sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("principal %q: %w", p.Name, repository.ErrDuplicate)
		}
		return fmt.Errorf("failed to create principal: %w", err)
	}
	return nil
}

func (s *Store) SetRole(ctx context.Context, id uuid.UUID, role entity.Role) error {
	res, err := s.db.ExecContext(ctx, `UPDATE principals SET role = ? WHERE id = ?`, string(role), id.String())
	if err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	return expectOneRow(res)
}

type queries struct {
	db querier
}

type txQueries struct {
	queries
}

var _ repository.Tx = (*txQueries)(nil)

const principalColumns = `id, name, role, quota, created_at`

func scanPrincipal(row *sql.Row) (*entity.Principal, error) {
	var (
		p        entity.Principal
		idText   string
		roleText string
	)
	err := row.Scan(&idText, &p.Name, &roleText, &p.Quota, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}
	if p.ID, err = uuid.Parse(idText); err != nil {
		return nil, fmt.Errorf("bad principal id %q: %w", idText, err)
	}
	p.Role = entity.Role(roleText)
	return &p, nil
}

func (q queries) GetPrincipal(ctx context.Context, id uuid.UUID) (*entity.Principal, error) {
	return scanPrincipal(q.db.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = ?`, id.String()))
}

const jobColumns = `id, owner_id, gpu_type, gpu_count, command, estimated_duration, status, error, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.Job, error) {
	var (
		job         entity.Job
		ownerText   string
		statusText  string
		errText     sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &ownerText, &job.GPUType, &job.GPUCount, &job.Command,
		&job.EstimatedDuration, &statusText, &errText,
		&job.CreatedAt, &startedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	if job.OwnerID, err = uuid.Parse(ownerText); err != nil {
		return nil, fmt.Errorf("bad owner id %q: %w", ownerText, err)
	}
	job.Status = entity.JobStatus(statusText)
	if errText.Valid {
		job.Error = &errText.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

func whereJobs(f repository.JobFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.OwnerID != nil {
		conds = append(conds, "owner_id = ?")
		args = append(args, f.OwnerID.String())
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (q queries) GetJob(ctx context.Context, id int64) (*entity.Job, error) {
	return scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func (q queries) ListJobs(ctx context.Context, f repository.JobFilter) ([]entity.Job, error) {
	where, args := whereJobs(f)
	rows, err := q.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []entity.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (q queries) CountJobs(ctx context.Context, f repository.JobFilter) (int, error) {
	where, args := whereJobs(f)
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func (q queries) OldestJobWithStatus(ctx context.Context, status entity.JobStatus) (*entity.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT 1`
	return scanJob(q.db.QueryRowContext(ctx, query, string(status)))
}

func (q queries) CompareAndSetStatus(ctx context.Context, id int64, ch repository.StatusChange) error {
	at := ch.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	sets := []string{"status = ?"}
	args := []any{string(ch.Next)}
	if ch.StampsStart() {
		sets = append(sets, "started_at = ?")
		args = append(args, at)
	}
	if ch.StampsCompletion() {
		sets = append(sets, "completed_at = ?")
		args = append(args, at)
	}
	if ch.Next == entity.StatusFailed && ch.Error != "" {
		sets = append(sets, "error = ?")
		args = append(args, ch.Error)
	}
	args = append(args, id, string(ch.Expected))

	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = q.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}
	return fmt.Errorf("%w: job %d is %s, expected %s", repository.ErrConflict, id, current, ch.Expected)
}

// The immediate transaction already holds the database write lock, so the
// lock methods are plain reads.
func (t *txQueries) LockPrincipal(ctx context.Context, id uuid.UUID) (*entity.Principal, error) {
	return t.GetPrincipal(ctx, id)
}

func (t *txQueries) LockJob(ctx context.Context, id int64) (*entity.Job, error) {
	return t.GetJob(ctx, id)
}

func (t *txQueries) AdjustQuota(ctx context.Context, id uuid.UUID, delta int64) (int64, error) {
	res, err := t.db.ExecContext(ctx,
		`UPDATE principals SET quota = quota + ? WHERE id = ? AND quota + ? >= 0`,
		delta, id.String(), delta)
	if err != nil {
		return 0, fmt.Errorf("failed to adjust quota: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := t.GetPrincipal(ctx, id); err != nil {
			return 0, err
		}
		return 0, repository.ErrNegativeQuota
	}

	var balance int64
	if err := t.db.QueryRowContext(ctx, `SELECT quota FROM principals WHERE id = ?`, id.String()).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to read quota: %w", err)
	}
	return balance, nil
}

func (t *txQueries) InsertJob(ctx context.Context, job *entity.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = entity.StatusPending
	}

	query := `INSERT INTO jobs (owner_id, gpu_type, gpu_count, command, estimated_duration, status, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := t.db.ExecContext(ctx, query,
		job.OwnerID.String(), job.GPUType, job.GPUCount, job.Command,
		job.EstimatedDuration, string(job.Status), job.CreatedAt)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return fmt.Errorf("owner %s: %w", job.OwnerID, repository.ErrNotFound)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	job.ID = id
	return nil
}

func (t *txQueries) DeleteJob(ctx context.Context, id int64) error {
	res, err := t.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var sqErr sqlite3.Error
	return errors.As(err, &sqErr) && sqErr.ExtendedCode == code
}
