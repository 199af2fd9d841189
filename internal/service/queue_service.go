package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Wakeup shortens the worker's idle wait when a job is approved. It carries
// no ownership: the worker still claims through the store, so a lost or
// duplicated signal only costs one poll interval or one empty claim.
type Wakeup interface {
	Notify(ctx context.Context, jobID int64) error
	// Wait blocks until a signal arrives, timeout passes or ctx ends. It
	// reports whether a signal was received.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// signals kept in redis when no worker is listening
const maxPendingSignals = 1024

type redisWakeup struct {
	rdb *redis.Client
	key string
}

// NewRedisWakeup signals through a redis list so that API and worker
// processes can run apart.
func NewRedisWakeup(rdb *redis.Client, key string) Wakeup {
	return &redisWakeup{rdb: rdb, key: key}
}

func (w *redisWakeup) Notify(ctx context.Context, jobID int64) error {
	pipe := w.rdb.TxPipeline()
	pipe.LPush(ctx, w.key, strconv.FormatInt(jobID, 10))
	pipe.LTrim(ctx, w.key, 0, maxPendingSignals-1)
	_, err := pipe.Exec(ctx)
	return err
}

func (w *redisWakeup) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	_, err := w.rdb.BRPop(ctx, timeout, w.key).Result()
	if err == nil {
		return true, nil
	}
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	return false, err
}

type localWakeup struct {
	ch chan struct{}
}

// NewLocalWakeup signals within one process. Notifications coalesce: any
// number of approvals before the next Wait wake it once.
func NewLocalWakeup() Wakeup {
	return &localWakeup{ch: make(chan struct{}, 1)}
}

func (w *localWakeup) Notify(_ context.Context, _ int64) error {
	select {
	case w.ch <- struct{}{}:
	default:
	}
	return nil
}

func (w *localWakeup) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-w.ch:
		return true, nil
	case <-t.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
