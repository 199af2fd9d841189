// Package repositorytest holds the behaviour every repository.Store driver
// must share. Driver packages call Run from their own tests.
package repositorytest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/repository"
)

// Run exercises a fresh store returned by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Run("PrincipalLifecycle", func(t *testing.T) { testPrincipalLifecycle(t, newStore(t)) })
	t.Run("QuotaNeverNegative", func(t *testing.T) { testQuotaNeverNegative(t, newStore(t)) })
	t.Run("InsertListCount", func(t *testing.T) { testInsertListCount(t, newStore(t)) })
	t.Run("OldestIsFIFO", func(t *testing.T) { testOldestIsFIFO(t, newStore(t)) })
	t.Run("CompareAndSet", func(t *testing.T) { testCompareAndSet(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, newStore(t)) })
	t.Run("DeleteJob", func(t *testing.T) { testDeleteJob(t, newStore(t)) })
}

func createPrincipal(t *testing.T, s repository.Store, name string, quota int64) *entity.Principal {
	t.Helper()
	p := &entity.Principal{Name: name, Role: entity.RoleStandard, Quota: quota}
	require.NoError(t, s.CreatePrincipal(context.Background(), p))
	require.NotEqual(t, uuid.Nil, p.ID)
	return p
}

func insertJob(t *testing.T, s repository.Store, owner uuid.UUID, duration int64, createdAt time.Time) *entity.Job {
	t.Helper()
	job := &entity.Job{
		OwnerID:           owner,
		GPUType:           "T4",
		GPUCount:          1,
		Command:           "python train.py",
		EstimatedDuration: duration,
		Status:            entity.StatusPending,
		CreatedAt:         createdAt,
	}
	err := s.InTx(context.Background(), func(tx repository.Tx) error {
		return tx.InsertJob(context.Background(), job)
	})
	require.NoError(t, err)
	require.NotZero(t, job.ID)
	return job
}

func testPrincipalLifecycle(t *testing.T, s repository.Store) {
	ctx := context.Background()
	p := createPrincipal(t, s, "alice", 120)

	got, err := s.GetPrincipal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)
	assert.Equal(t, entity.RoleStandard, got.Role)
	assert.EqualValues(t, 120, got.Quota)

	err = s.CreatePrincipal(ctx, &entity.Principal{Name: "alice", Role: entity.RoleStandard, Quota: 1})
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	require.NoError(t, s.SetRole(ctx, p.ID, entity.RolePrivileged))
	got, err = s.GetPrincipal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RolePrivileged, got.Role)

	assert.ErrorIs(t, s.SetRole(ctx, uuid.New(), entity.RoleStandard), repository.ErrNotFound)
	_, err = s.GetPrincipal(ctx, uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testQuotaNeverNegative(t *testing.T, s repository.Store) {
	ctx := context.Background()
	p := createPrincipal(t, s, "bob", 50)

	err := s.InTx(ctx, func(tx repository.Tx) error {
		locked, err := tx.LockPrincipal(ctx, p.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 50, locked.Quota)

		bal, err := tx.AdjustQuota(ctx, p.ID, -30)
		require.NoError(t, err)
		assert.EqualValues(t, 20, bal)

		_, err = tx.AdjustQuota(ctx, p.ID, -21)
		assert.ErrorIs(t, err, repository.ErrNegativeQuota)

		bal, err = tx.AdjustQuota(ctx, p.ID, 5)
		require.NoError(t, err)
		assert.EqualValues(t, 25, bal)

		_, err = tx.AdjustQuota(ctx, uuid.New(), 1)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetPrincipal(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 25, got.Quota)
}

func testInsertListCount(t *testing.T, s repository.Store) {
	ctx := context.Background()
	alice := createPrincipal(t, s, "alice", 100)
	bob := createPrincipal(t, s, "bob", 100)

	now := time.Now().UTC()
	a1 := insertJob(t, s, alice.ID, 10, now)
	b1 := insertJob(t, s, bob.ID, 20, now.Add(time.Millisecond))
	a2 := insertJob(t, s, alice.ID, 30, now.Add(2*time.Millisecond))
	assert.Less(t, a1.ID, b1.ID)
	assert.Less(t, b1.ID, a2.ID)

	require.NoError(t, s.CompareAndSetStatus(ctx, a2.ID, repository.StatusChange{
		Expected: entity.StatusPending, Next: entity.StatusApproved,
	}))

	all, err := s.ListJobs(ctx, repository.JobFilter{})
	require.NoError(t, err)
	if diff := cmp.Diff([]int64{a1.ID, b1.ID, a2.ID}, jobIDs(all)); diff != "" {
		t.Fatalf("list all (-want +got):\n%s", diff)
	}

	own, err := s.ListJobs(ctx, repository.JobFilter{OwnerID: &alice.ID})
	require.NoError(t, err)
	if diff := cmp.Diff([]int64{a1.ID, a2.ID}, jobIDs(own)); diff != "" {
		t.Fatalf("list own (-want +got):\n%s", diff)
	}

	n, err := s.CountJobs(ctx, repository.JobFilter{OwnerID: &alice.ID, Statuses: entity.ActiveStatuses})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.OwnerID)
	assert.Equal(t, "T4", got.GPUType)
	assert.Equal(t, 1, got.GPUCount)
	assert.Equal(t, "python train.py", got.Command)
	assert.EqualValues(t, 10, got.EstimatedDuration)
	assert.Equal(t, entity.StatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Error)

	_, err = s.GetJob(ctx, 999999)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	err = s.InTx(ctx, func(tx repository.Tx) error {
		return tx.InsertJob(ctx, &entity.Job{
			OwnerID: uuid.New(), GPUType: "T4", GPUCount: 1, Command: "x", EstimatedDuration: 1,
		})
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testOldestIsFIFO(t *testing.T, s repository.Store) {
	ctx := context.Background()
	p := createPrincipal(t, s, "carol", 100)

	_, err := s.OldestJobWithStatus(ctx, entity.StatusApproved)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	now := time.Now().UTC()
	first := insertJob(t, s, p.ID, 5, now)
	second := insertJob(t, s, p.ID, 5, now.Add(time.Second))
	for _, id := range []int64{second.ID, first.ID} {
		require.NoError(t, s.CompareAndSetStatus(ctx, id, repository.StatusChange{
			Expected: entity.StatusPending, Next: entity.StatusApproved,
		}))
	}

	oldest, err := s.OldestJobWithStatus(ctx, entity.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, first.ID, oldest.ID)
}

func testCompareAndSet(t *testing.T, s repository.Store) {
	ctx := context.Background()
	p := createPrincipal(t, s, "dave", 100)
	job := insertJob(t, s, p.ID, 5, time.Now().UTC())

	err := s.CompareAndSetStatus(ctx, job.ID, repository.StatusChange{
		Expected: entity.StatusApproved, Next: entity.StatusRunning,
	})
	assert.ErrorIs(t, err, repository.ErrConflict)

	require.NoError(t, s.CompareAndSetStatus(ctx, job.ID, repository.StatusChange{
		Expected: entity.StatusPending, Next: entity.StatusApproved,
	}))

	started := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.CompareAndSetStatus(ctx, job.ID, repository.StatusChange{
		Expected: entity.StatusApproved, Next: entity.StatusRunning, At: started,
	}))

	err = s.CompareAndSetStatus(ctx, job.ID, repository.StatusChange{
		Expected: entity.StatusApproved, Next: entity.StatusRunning,
	})
	assert.ErrorIs(t, err, repository.ErrConflict)

	finished := started.Add(3 * time.Second)
	require.NoError(t, s.CompareAndSetStatus(ctx, job.ID, repository.StatusChange{
		Expected: entity.StatusRunning, Next: entity.StatusFailed, At: finished, Error: "exit status 1",
	}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Millisecond)
	assert.WithinDuration(t, finished, *got.CompletedAt, time.Millisecond)
	require.NotNil(t, got.Error)
	assert.Equal(t, "exit status 1", *got.Error)

	err = s.CompareAndSetStatus(ctx, 424242, repository.StatusChange{
		Expected: entity.StatusApproved, Next: entity.StatusRunning,
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testRollbackOnError(t *testing.T, s repository.Store) {
	ctx := context.Background()
	p := createPrincipal(t, s, "erin", 100)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.AdjustQuota(ctx, p.ID, -40); err != nil {
			return err
		}
		job := &entity.Job{OwnerID: p.ID, GPUType: "A100", GPUCount: 2, Command: "run", EstimatedDuration: 40}
		if err := tx.InsertJob(ctx, job); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetPrincipal(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, got.Quota)

	n, err := s.CountJobs(ctx, repository.JobFilter{OwnerID: &p.ID})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testDeleteJob(t *testing.T, s repository.Store) {
	ctx := context.Background()
	p := createPrincipal(t, s, "frank", 100)
	job := insertJob(t, s, p.ID, 5, time.Now().UTC())

	err := s.InTx(ctx, func(tx repository.Tx) error {
		locked, err := tx.LockJob(ctx, job.ID)
		if err != nil {
			return err
		}
		return tx.DeleteJob(ctx, locked.ID)
	})
	require.NoError(t, err)

	_, err = s.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	err = s.InTx(ctx, func(tx repository.Tx) error { return tx.DeleteJob(ctx, job.ID) })
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func jobIDs(jobs []entity.Job) []int64 {
	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}
