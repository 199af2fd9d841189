package entity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gpu-quota-service/internal/entity"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to entity.JobStatus
		want     bool
	}{
		{entity.StatusPending, entity.StatusApproved, true},
		{entity.StatusPending, entity.StatusFailed, true},
		{entity.StatusPending, entity.StatusRunning, false},
		{entity.StatusApproved, entity.StatusRunning, true},
		{entity.StatusApproved, entity.StatusPending, false},
		{entity.StatusRunning, entity.StatusCompleted, true},
		{entity.StatusRunning, entity.StatusFailed, true},
		{entity.StatusRunning, entity.StatusApproved, false},
		{entity.StatusCompleted, entity.StatusApproved, false},
		{entity.StatusFailed, entity.StatusApproved, false},
		{entity.StatusCompleted, entity.StatusFailed, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, entity.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestParseJobStatus(t *testing.T) {
	st, err := entity.ParseJobStatus("APPROVED")
	assert.NoError(t, err)
	assert.Equal(t, entity.StatusApproved, st)
	assert.True(t, entity.StatusFailed.Terminal())
	assert.False(t, entity.StatusRunning.Terminal())

	_, err = entity.ParseJobStatus("approved")
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	r, err := entity.ParseRole("privileged")
	assert.NoError(t, err)
	assert.Equal(t, entity.RolePrivileged, r)

	_, err = entity.ParseRole("admin")
	assert.Error(t, err)

	var nobody *entity.Principal
	assert.False(t, nobody.Privileged())
}
