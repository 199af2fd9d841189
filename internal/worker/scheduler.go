package worker

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"gpu-quota-service/internal/metrics"
	"gpu-quota-service/internal/service"
)

// Scheduler is the single consumer loop over approved jobs.
type Scheduler struct {
	processor    *Processor
	wakeup       service.Wakeup
	pollInterval time.Duration
	metrics      *metrics.Collector
	log          logr.Logger
}

// NewScheduler builds the loop. wakeup may be nil, in which case the loop
// only polls.
func NewScheduler(processor *Processor, wakeup service.Wakeup, pollInterval time.Duration, m *metrics.Collector, log logr.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Scheduler{
		processor:    processor,
		wakeup:       wakeup,
		pollInterval: pollInterval,
		metrics:      m,
		log:          log.WithName("scheduler"),
	}
}

// Run processes jobs one at a time until ctx is cancelled. Job failures and
// store errors are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started", "poll_interval", s.pollInterval.String())
	defer s.log.Info("scheduler stopped")

	for ctx.Err() == nil {
		processed, err := s.processor.ProcessNext(ctx)
		if err != nil {
			s.metrics.RecordWorkerError()
			s.log.Error(err, "process next job")
		}
		if processed && err == nil {
			continue
		}
		s.idle(ctx)
	}
}

func (s *Scheduler) idle(ctx context.Context) {
	if s.wakeup != nil {
		_, err := s.wakeup.Wait(ctx, s.pollInterval)
		if err == nil || ctx.Err() != nil {
			return
		}
		s.log.Error(err, "wakeup wait failed, falling back to polling")
	}

	t := time.NewTimer(s.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
