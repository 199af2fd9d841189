package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpu-quota-service/internal/metrics"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordSubmission("accepted", 20)
	c.RecordSubmission("insufficient_quota", 0)
	c.RecordDelete(20)
	c.RecordDelete(0)
	c.RecordClaim()
	c.RecordFinished("COMPLETED", 3)
	c.RecordReaped(2)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] += m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 2.0, values["gpuq_submissions_total"])
	assert.Equal(t, 20.0, values["gpuq_quota_debited_seconds_total"])
	assert.Equal(t, 20.0, values["gpuq_quota_refunded_seconds_total"])
	assert.Equal(t, 2.0, values["gpuq_jobs_deleted_total"])
	assert.Equal(t, 1.0, values["gpuq_jobs_claimed_total"])
	assert.Equal(t, 1.0, values["gpuq_jobs_finished_total"])
	assert.Equal(t, 2.0, values["gpuq_jobs_reaped_total"])
	assert.Equal(t, 0.0, values["gpuq_jobs_in_flight"])

	n, err := testutil.GatherAndCount(reg, "gpuq_job_execution_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollectorsUseSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.NewCollector(prometheus.NewRegistry())
		metrics.NewCollector(prometheus.NewRegistry())
	})
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *metrics.Collector
	assert.NotPanics(t, func() {
		c.RecordSubmission("accepted", 1)
		c.RecordClaim()
		c.RecordFinished("FAILED", 1)
		c.RecordWorkerError()
	})
}
