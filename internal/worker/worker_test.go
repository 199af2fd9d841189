package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/repository"
	"gpu-quota-service/internal/repository/memory"
	"gpu-quota-service/internal/service"
	"gpu-quota-service/internal/worker"
)

func seed(t *testing.T, s *memory.Store, n int, status entity.JobStatus) []int64 {
	t.Helper()
	ctx := context.Background()
	owner := &entity.Principal{Name: "owner", Role: entity.RoleStandard, Quota: 100}
	require.NoError(t, s.CreatePrincipal(ctx, owner))

	base := time.Now().UTC().Add(-time.Hour)
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		job := &entity.Job{
			OwnerID:           owner.ID,
			GPUType:           "T4",
			GPUCount:          1,
			Command:           "python train.py",
			EstimatedDuration: 5,
			Status:            entity.StatusPending,
			CreatedAt:         base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.InTx(ctx, func(tx repository.Tx) error { return tx.InsertJob(ctx, job) }))
		if status != entity.StatusPending {
			require.NoError(t, s.CompareAndSetStatus(ctx, job.ID, repository.StatusChange{
				Expected: entity.StatusPending, Next: status,
			}))
		}
		ids = append(ids, job.ID)
	}
	return ids
}

func job(t *testing.T, s *memory.Store, id int64) *entity.Job {
	t.Helper()
	j, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestProcessNextIsFIFO(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	ids := seed(t, s, 3, entity.StatusApproved)

	var order []int64
	exec := worker.ExecutorFunc(func(_ context.Context, j entity.Job) error {
		order = append(order, j.ID)
		assert.Equal(t, entity.StatusApproved, j.Status)
		return nil
	})
	p := worker.NewProcessor(s, exec, 0, nil, logr.Discard())

	for range ids {
		ok, err := p.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	if diff := cmp.Diff(ids, order); diff != "" {
		t.Fatalf("execution order (-want +got):\n%s", diff)
	}
	for _, id := range ids {
		j := job(t, s, id)
		assert.Equal(t, entity.StatusCompleted, j.Status)
		require.NotNil(t, j.StartedAt)
		require.NotNil(t, j.CompletedAt)
		assert.False(t, j.CompletedAt.Before(*j.StartedAt))
		assert.Nil(t, j.Error)
	}
}

func TestProcessNextIgnoresPending(t *testing.T) {
	s := memory.NewStore()
	ids := seed(t, s, 1, entity.StatusPending)

	p := worker.NewProcessor(s, worker.ExecutorFunc(func(context.Context, entity.Job) error {
		t.Fatal("pending job must not run")
		return nil
	}), 0, nil, logr.Discard())

	ok, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, entity.StatusPending, job(t, s, ids[0]).Status)
}

func TestProcessNextRecordsFailure(t *testing.T) {
	s := memory.NewStore()
	ids := seed(t, s, 1, entity.StatusApproved)

	p := worker.NewProcessor(s, worker.ExecutorFunc(func(context.Context, entity.Job) error {
		return errors.New("cuda out of memory")
	}), 0, nil, logr.Discard())

	ok, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	j := job(t, s, ids[0])
	assert.Equal(t, entity.StatusFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Equal(t, "execution failure: cuda out of memory", *j.Error)
	require.NotNil(t, j.CompletedAt)

	owner, err := s.GetPrincipal(context.Background(), j.OwnerID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, owner.Quota)
}

func TestProcessNextTimeout(t *testing.T) {
	s := memory.NewStore()
	ids := seed(t, s, 1, entity.StatusApproved)

	block := worker.ExecutorFunc(func(ctx context.Context, _ entity.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p := worker.NewProcessor(s, block, 20*time.Millisecond, nil, logr.Discard())

	ok, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	j := job(t, s, ids[0])
	assert.Equal(t, entity.StatusFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Contains(t, *j.Error, "timed out")
}

func TestProcessNextShutdownMarksFailed(t *testing.T) {
	s := memory.NewStore()
	ids := seed(t, s, 1, entity.StatusApproved)

	ctx, cancel := context.WithCancel(context.Background())
	p := worker.NewProcessor(s, worker.ExecutorFunc(func(ctx context.Context, _ entity.Job) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}), 0, nil, logr.Discard())

	ok, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	j := job(t, s, ids[0])
	assert.Equal(t, entity.StatusFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Equal(t, "interrupted: worker shutting down", *j.Error)
}

// stealingStore loses every claim to an imaginary second consumer.
type stealingStore struct {
	worker.JobStore
}

func (s stealingStore) CompareAndSetStatus(ctx context.Context, id int64, ch repository.StatusChange) error {
	if ch.Next == entity.StatusRunning {
		return repository.ErrConflict
	}
	return s.JobStore.CompareAndSetStatus(ctx, id, ch)
}

func TestProcessNextAbandonsLostClaim(t *testing.T) {
	s := memory.NewStore()
	ids := seed(t, s, 1, entity.StatusApproved)

	var ran atomic.Bool
	p := worker.NewProcessor(stealingStore{s}, worker.ExecutorFunc(func(context.Context, entity.Job) error {
		ran.Store(true)
		return nil
	}), 0, nil, logr.Discard())

	ok, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, ran.Load())
	assert.Equal(t, entity.StatusApproved, job(t, s, ids[0]).Status)
}

func TestConcurrentProcessorsNeverShareAJob(t *testing.T) {
	s := memory.NewStore()
	ids := seed(t, s, 20, entity.StatusApproved)

	var (
		mu   sync.Mutex
		runs = map[int64]int{}
	)
	exec := worker.ExecutorFunc(func(_ context.Context, j entity.Job) error {
		mu.Lock()
		runs[j.ID]++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := worker.NewProcessor(s, exec, 0, nil, logr.Discard())
			for {
				ok, err := p.ProcessNext(context.Background())
				if err != nil || !ok {
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Len(t, runs, len(ids))
	for _, id := range ids {
		assert.Equal(t, 1, runs[id], "job %d", id)
		assert.Equal(t, entity.StatusCompleted, job(t, s, id).Status)
	}
}

// flakyStore fails the first lookups to check the loop keeps going.
type flakyStore struct {
	worker.JobStore
	failures atomic.Int32
}

func (s *flakyStore) OldestJobWithStatus(ctx context.Context, status entity.JobStatus) (*entity.Job, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return s.JobStore.OldestJobWithStatus(ctx, status)
}

func TestSchedulerSurvivesErrorsAndWakesOnSignal(t *testing.T) {
	s := memory.NewStore()
	ids := seed(t, s, 2, entity.StatusPending)
	store := &flakyStore{JobStore: s}
	store.failures.Store(2)

	var done atomic.Int32
	p := worker.NewProcessor(store, worker.ExecutorFunc(func(context.Context, entity.Job) error {
		if done.Add(1) == 1 {
			return errors.New("boom")
		}
		return nil
	}), 0, nil, logr.Discard())

	wake := service.NewLocalWakeup()
	// a poll interval far beyond the test timeout: progress needs the signal
	sched := worker.NewScheduler(p, wake, time.Hour, nil, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(stopped)
	}()

	for _, id := range ids {
		require.NoError(t, s.CompareAndSetStatus(ctx, id, repository.StatusChange{
			Expected: entity.StatusPending, Next: entity.StatusApproved,
		}))
	}
	terminal := func(id int64) bool {
		j, err := s.GetJob(ctx, id)
		return err == nil && j.Status.Terminal()
	}
	require.Eventually(t, func() bool {
		_ = wake.Notify(ctx, 0)
		return terminal(ids[0]) && terminal(ids[1])
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, entity.StatusFailed, job(t, s, ids[0]).Status)
	assert.Equal(t, entity.StatusCompleted, job(t, s, ids[1]).Status)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestReaperFailsStaleRunningJobs(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	ids := seed(t, s, 3, entity.StatusApproved)

	now := time.Now().UTC()
	starts := []time.Time{now.Add(-10 * time.Minute), now.Add(-10 * time.Second)}
	for i, at := range starts {
		require.NoError(t, s.CompareAndSetStatus(ctx, ids[i], repository.StatusChange{
			Expected: entity.StatusApproved, Next: entity.StatusRunning, At: at,
		}))
	}

	// duration 5 × 1s + 1m grace
	r := worker.NewReaper(s, time.Second, time.Minute, nil, logr.Discard())
	n, err := r.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale := job(t, s, ids[0])
	assert.Equal(t, entity.StatusFailed, stale.Status)
	require.NotNil(t, stale.Error)
	assert.Contains(t, *stale.Error, "stale execution")
	assert.Equal(t, entity.StatusRunning, job(t, s, ids[1]).Status)
	assert.Equal(t, entity.StatusApproved, job(t, s, ids[2]).Status)

	n, err = r.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSimulatedExecutor(t *testing.T) {
	e := worker.SimulatedExecutor{TimeUnit: time.Millisecond}
	j := entity.Job{EstimatedDuration: 3}

	start := time.Now()
	require.NoError(t, e.Execute(context.Background(), j))
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := worker.SimulatedExecutor{TimeUnit: time.Hour}.Execute(ctx, j)
	assert.ErrorIs(t, err, context.Canceled)
}
