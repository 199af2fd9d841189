// Package memory is a process-local implementation of repository.Store.
// A single mutex serializes every operation, and transactions work on the
// live maps with a snapshot taken at begin so a failing fn rolls back.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/repository"
)

type Store struct {
	mu sync.Mutex
	st state
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{st: state{
		principals: map[uuid.UUID]entity.Principal{},
		jobs:       map[int64]entity.Job{},
	}}
}

type state struct {
	principals map[uuid.UUID]entity.Principal
	jobs       map[int64]entity.Job
	nextJobID  int64
}

func (s *state) clone() state {
	c := state{
		principals: make(map[uuid.UUID]entity.Principal, len(s.principals)),
		jobs:       make(map[int64]entity.Job, len(s.jobs)),
		nextJobID:  s.nextJobID,
	}
	for k, v := range s.principals {
		c.principals[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	return c
}

func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.st.clone()
	if err := fn(&tx{st: &s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) CreatePrincipal(_ context.Context, p *entity.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.st.principals {
		if existing.Name == p.Name {
			return fmt.Errorf("principal %q: %w", p.Name, repository.ErrDuplicate)
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.st.principals[p.ID] = *p
	return nil
}

func (s *Store) SetRole(_ context.Context, id uuid.UUID, role entity.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.st.principals[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Role = role
	s.st.principals[id] = p
	return nil
}

func (s *Store) GetPrincipal(_ context.Context, id uuid.UUID) (*entity.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getPrincipal(id)
}

func (s *Store) GetJob(_ context.Context, id int64) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getJob(id)
}

func (s *Store) ListJobs(_ context.Context, f repository.JobFilter) ([]entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listJobs(f), nil
}

func (s *Store) CountJobs(_ context.Context, f repository.JobFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.listJobs(f)), nil
}

func (s *Store) OldestJobWithStatus(_ context.Context, status entity.JobStatus) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.oldest(status)
}

func (s *Store) CompareAndSetStatus(_ context.Context, id int64, ch repository.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.compareAndSet(id, ch)
}

// tx runs with Store.mu already held.
type tx struct {
	st *state
}

func (t *tx) GetPrincipal(_ context.Context, id uuid.UUID) (*entity.Principal, error) {
	return t.st.getPrincipal(id)
}

func (t *tx) GetJob(_ context.Context, id int64) (*entity.Job, error) {
	return t.st.getJob(id)
}

func (t *tx) ListJobs(_ context.Context, f repository.JobFilter) ([]entity.Job, error) {
	return t.st.listJobs(f), nil
}

func (t *tx) CountJobs(_ context.Context, f repository.JobFilter) (int, error) {
	return len(t.st.listJobs(f)), nil
}

func (t *tx) OldestJobWithStatus(_ context.Context, status entity.JobStatus) (*entity.Job, error) {
	return t.st.oldest(status)
}

func (t *tx) CompareAndSetStatus(_ context.Context, id int64, ch repository.StatusChange) error {
	return t.st.compareAndSet(id, ch)
}

func (t *tx) LockPrincipal(_ context.Context, id uuid.UUID) (*entity.Principal, error) {
	return t.st.getPrincipal(id)
}

func (t *tx) LockJob(_ context.Context, id int64) (*entity.Job, error) {
	return t.st.getJob(id)
}

func (t *tx) AdjustQuota(_ context.Context, id uuid.UUID, delta int64) (int64, error) {
	p, ok := t.st.principals[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	if p.Quota+delta < 0 {
		return 0, repository.ErrNegativeQuota
	}
	p.Quota += delta
	t.st.principals[id] = p
	return p.Quota, nil
}

func (t *tx) InsertJob(_ context.Context, job *entity.Job) error {
	if _, ok := t.st.principals[job.OwnerID]; !ok {
		return fmt.Errorf("owner %s: %w", job.OwnerID, repository.ErrNotFound)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = entity.StatusPending
	}
	t.st.nextJobID++
	job.ID = t.st.nextJobID
	t.st.jobs[job.ID] = *job
	return nil
}

func (t *tx) DeleteJob(_ context.Context, id int64) error {
	if _, ok := t.st.jobs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(t.st.jobs, id)
	return nil
}

func (s *state) getPrincipal(id uuid.UUID) (*entity.Principal, error) {
	p, ok := s.principals[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *state) getJob(id int64) (*entity.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &j, nil
}

func (s *state) listJobs(f repository.JobFilter) []entity.Job {
	out := []entity.Job{}
	for _, j := range s.jobs {
		if f.OwnerID != nil && j.OwnerID != *f.OwnerID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status) {
			continue
		}
		out = append(out, j)
	}
	slices.SortFunc(out, func(a, b entity.Job) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (s *state) oldest(status entity.JobStatus) (*entity.Job, error) {
	var best *entity.Job
	for _, j := range s.jobs {
		if j.Status != status {
			continue
		}
		if best == nil || j.CreatedAt.Before(best.CreatedAt) ||
			(j.CreatedAt.Equal(best.CreatedAt) && j.ID < best.ID) {
			jj := j
			best = &jj
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best, nil
}

func (s *state) compareAndSet(id int64, ch repository.StatusChange) error {
	j, ok := s.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if j.Status != ch.Expected {
		return fmt.Errorf("%w: job %d is %s, expected %s", repository.ErrConflict, id, j.Status, ch.Expected)
	}

	at := ch.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	j.Status = ch.Next
	if ch.StampsStart() {
		j.StartedAt = &at
	}
	if ch.StampsCompletion() {
		j.CompletedAt = &at
	}
	if ch.Next == entity.StatusFailed && ch.Error != "" {
		msg := ch.Error
		j.Error = &msg
	}
	s.jobs[id] = j
	return nil
}
