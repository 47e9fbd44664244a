package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
)

func newRedisQueue(t *testing.T) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
}

func runQueueContract(t *testing.T, name string, build func(t *testing.T) feedback.Queue) {
	t.Run(name+"/priority_then_fifo", func(t *testing.T) {
		t.Parallel()
		q := build(t)
		ctx := context.Background()

		// Spaced out so the FIFO tiebreak timestamps differ.
		require.NoError(t, q.Enqueue(ctx, "low-first", 1))
		time.Sleep(2 * time.Millisecond)
		require.NoError(t, q.Enqueue(ctx, "high", 5))
		time.Sleep(2 * time.Millisecond)
		require.NoError(t, q.Enqueue(ctx, "low-second", 1))

		var got []string
		for i := 0; i < 3; i++ {
			id, err := q.Dequeue(ctx, 0)
			require.NoError(t, err)
			got = append(got, id)
		}
		require.Equal(t, []string{"high", "low-first", "low-second"}, got)
	})

	t.Run(name+"/empty_returns_blank", func(t *testing.T) {
		t.Parallel()
		q := build(t)

		id, err := q.Dequeue(context.Background(), 0)
		require.NoError(t, err)
		require.Empty(t, id)
	})

	t.Run(name+"/delayed_not_ready_early", func(t *testing.T) {
		t.Parallel()
		q := build(t)
		ctx := context.Background()

		require.NoError(t, q.EnqueueDelayed(ctx, "later", 3, time.Now().Add(time.Hour)))
		id, err := q.Dequeue(ctx, 0)
		require.NoError(t, err)
		require.Empty(t, id)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, stats.Pending)
	})

	t.Run(name+"/delayed_promotes_when_due", func(t *testing.T) {
		t.Parallel()
		q := build(t)
		ctx := context.Background()

		require.NoError(t, q.EnqueueDelayed(ctx, "soon", 3, time.Now().Add(-time.Second)))
		id, err := q.Dequeue(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, "soon", id)
	})

	t.Run(name+"/remove_drops_pending", func(t *testing.T) {
		t.Parallel()
		q := build(t)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, "doomed", 2))
		require.NoError(t, q.Remove(ctx, "doomed"))
		id, err := q.Dequeue(ctx, 0)
		require.NoError(t, err)
		require.Empty(t, id)
	})

	t.Run(name+"/stats_track_lifecycle", func(t *testing.T) {
		t.Parallel()
		q := build(t)
		ctx := context.Background()

		require.NoError(t, q.Enqueue(ctx, "s1", 1))
		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, stats.Pending)

		id, err := q.Dequeue(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, "s1", id)

		stats, err = q.Stats(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 0, stats.Pending)
		require.EqualValues(t, 1, stats.Processing)

		require.NoError(t, q.Ack(ctx, "s1", true))
		stats, err = q.Stats(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 0, stats.Processing)
		require.EqualValues(t, 1, stats.CompletedToday)
	})

	t.Run(name+"/blocking_dequeue_times_out", func(t *testing.T) {
		t.Parallel()
		q := build(t)

		start := time.Now()
		id, err := q.Dequeue(context.Background(), 300*time.Millisecond)
		require.NoError(t, err)
		require.Empty(t, id)
		require.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	})
}

// clockQueue is the subset of both backends that accepts an injected clock.
type clockQueue interface {
	feedback.Queue
	setClock(feedback.Clock)
}

func TestQueueBackends_PromoteOnInjectedClock(t *testing.T) {
	t.Parallel()

	builders := map[string]func(t *testing.T) clockQueue{
		"memory": func(*testing.T) clockQueue { return NewMemory() },
		"redis":  func(t *testing.T) clockQueue { return newRedisQueue(t) },
	}
	for name, build := range builders {
		build := build
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			q := build(t)
			clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			q.setClock(clk)
			ctx := context.Background()

			require.NoError(t, q.EnqueueDelayed(ctx, "parked", 2, clk.Now().Add(time.Minute)))
			id, err := q.Dequeue(ctx, 0)
			require.NoError(t, err)
			require.Empty(t, id, "delay measured on the injected clock, not wall time")

			clk.Advance(time.Minute)
			id, err = q.Dequeue(ctx, 0)
			require.NoError(t, err)
			require.Equal(t, "parked", id)
		})
	}
}

func TestMemoryQueue(t *testing.T) {
	runQueueContract(t, "memory", func(*testing.T) feedback.Queue { return NewMemory() })
}

func TestRedisQueue(t *testing.T) {
	runQueueContract(t, "redis", func(t *testing.T) feedback.Queue { return newRedisQueue(t) })
}
