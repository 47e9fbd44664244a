// Package queue provides the durable priority job queue and its in-process
// fallback. Both back the same interface so the orchestration layer never
// branches on backend type.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
)

const (
	readyKey     = "fbq:ready"
	scheduledKey = "fbq:scheduled"
	inflightKey  = "fbq:inflight"
	completedKey = "fbq:completed:" // + yyyy-mm-dd

	// priorityBand spaces priority tiers far enough apart that the
	// millisecond timestamp never crosses into the next tier.
	priorityBand = 1e13

	pollInterval  = 250 * time.Millisecond
	visibilityTTL = 10 * time.Minute
)

// popScript atomically moves the best ready job into the in-flight set so a
// job is delivered to exactly one worker.
var popScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

// Redis implements feedback.Queue on a Redis sorted set. The ordering score
// encodes priority (descending, primary) and enqueue time (ascending,
// secondary) so equal-priority jobs are FIFO.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, logger: logger, now: time.Now}
}

// setClock swaps the time source; see Memory.setClock.
func (q *Redis) setClock(clock feedback.Clock) {
	q.now = clock.Now
}

func score(priority int, at time.Time) float64 {
	return float64(-priority)*priorityBand + float64(at.UnixMilli())
}

// Enqueue inserts jobID into the ready set.
func (q *Redis) Enqueue(ctx context.Context, jobID string, priority int) error {
	err := q.client.ZAdd(ctx, readyKey, redis.Z{
		Score:  score(priority, q.now()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd ready: %w", err)
	}
	return nil
}

// EnqueueDelayed parks jobID in the scheduled set until readyAt. The target
// priority is stashed alongside so promotion restores it.
func (q *Redis) EnqueueDelayed(ctx context.Context, jobID string, priority int, readyAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	return nil
}

func metaKey(jobID string) string { return "fbq:meta:" + jobID }

// Dequeue pops the highest-priority ready job. With wait > 0 it polls up to
// that long; an empty queue returns "" and no error.
func (q *Redis) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	deadline := q.now().Add(wait)
	for {
		if err := q.promoteDue(ctx); err != nil {
			return "", err
		}
		jobID, err := q.pop(ctx)
		if err != nil {
			return "", err
		}
		if jobID != "" {
			return jobID, nil
		}
		if wait <= 0 || !q.now().Before(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *Redis) pop(ctx context.Context) (string, error) {
	res, err := popScript.Run(ctx, q.client,
		[]string{readyKey, inflightKey},
		q.now().Add(visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop ready: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected pop result type %T", res)
	}
	return jobID, nil
}

// promoteDue moves scheduled jobs whose delay elapsed into the ready set.
func (q *Redis) promoteDue(ctx context.Context) error {
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: 64,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan scheduled: %w", err)
	}
	for _, id := range ids {
		priority, err := q.client.HGet(ctx, metaKey(id), "priority").Int()
		if err != nil && err != redis.Nil {
			q.logger.Warn("scheduled job priority lookup failed", zap.String("job_id", id), zap.Error(err))
			priority = 0
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.Del(ctx, metaKey(id))
		pipe.ZAdd(ctx, readyKey, redis.Z{Score: score(priority, now), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote scheduled: %w", err)
		}
	}
	return nil
}

// Ack drops jobID from in-flight tracking, counting completions per day.
func (q *Redis) Ack(ctx context.Context, jobID string, completed bool) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	if completed {
		key := completedKey + q.now().UTC().Format("2006-01-02")
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 48*time.Hour)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Remove drops jobID from the ready and scheduled sets.
func (q *Redis) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, readyKey, jobID)
	pipe.ZRem(ctx, scheduledKey, jobID)
	pipe.Del(ctx, metaKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	return nil
}

// Stats reports queue occupancy.
func (q *Redis) Stats(ctx context.Context) (feedback.QueueStats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, readyKey)
	scheduled := pipe.ZCard(ctx, scheduledKey)
	inflight := pipe.ZCard(ctx, inflightKey)
	completed := pipe.Get(ctx, completedKey+q.now().UTC().Format("2006-01-02"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return feedback.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	done, _ := completed.Int64()
	return feedback.QueueStats{
		Pending:        ready.Val() + scheduled.Val(),
		Processing:     inflight.Val(),
		CompletedToday: done,
	}, nil
}
