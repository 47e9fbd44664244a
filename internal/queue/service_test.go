package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
	"github.com/feedbackforge/scrape-orchestrator/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("job-%03d", g.n), nil
}

func newService(t *testing.T) (*JobQueue, *store.Memory) {
	t.Helper()
	jq, st, _ := newServiceClock(t)
	return jq, st
}

func newServiceClock(t *testing.T) (*JobQueue, *store.Memory, *fakeClock) {
	t.Helper()
	st := store.NewMemory()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	jq := NewJobQueue(NewMemory(), st, clk, &seqIDs{}, 3, nil)
	return jq, st, clk
}

func sweepPayload() []feedback.TaskSpec {
	return []feedback.TaskSpec{
		{Source: "forum", Query: "acme", Limit: 5},
		{Source: "reviews", Query: "acme", Limit: 5},
	}
}

func TestJobQueue_EnqueueDequeueLifecycle(t *testing.T) {
	t.Parallel()

	jq, _ := newService(t)
	ctx := context.Background()

	jobID, err := jq.Enqueue(ctx, feedback.KindKeywordSweep, sweepPayload(), 2)
	require.NoError(t, err)

	job, err := jq.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, feedback.JobStatusPending, job.Status)
	require.Equal(t, feedback.Progress{Total: 2}, job.Progress)
	require.Zero(t, job.Attempts)

	job, err = jq.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, feedback.JobStatusRunning, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.StartedAt)

	require.NoError(t, jq.Complete(ctx, jobID))
	job, err = jq.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, feedback.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
}

func TestJobQueue_SingleSourceUsesHeartbeatScale(t *testing.T) {
	t.Parallel()

	jq, _ := newService(t)
	jobID, err := jq.Enqueue(context.Background(), feedback.KindSingleSource,
		[]feedback.TaskSpec{{Source: "forum", Query: "acme", Limit: 50}}, 0)
	require.NoError(t, err)

	job, err := jq.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, 100, job.Progress.Total)
}

func TestJobQueue_DequeueEmptyReturnsNil(t *testing.T) {
	t.Parallel()

	jq, _ := newService(t)
	job, err := jq.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestJobQueue_CompleteIsIdempotent(t *testing.T) {
	t.Parallel()

	jq, _ := newService(t)
	ctx := context.Background()
	jobID, err := jq.Enqueue(ctx, feedback.KindKeywordSweep, sweepPayload(), 0)
	require.NoError(t, err)
	_, err = jq.Dequeue(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, jq.Complete(ctx, jobID))
	require.NoError(t, jq.Complete(ctx, jobID))
	require.NoError(t, jq.Fail(ctx, jobID, "late failure", true))

	job, err := jq.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, feedback.JobStatusCompleted, job.Status)
}

func TestJobQueue_FailWithRetryReEnqueuesDelayed(t *testing.T) {
	t.Parallel()

	jq, _, clk := newServiceClock(t)
	ctx := context.Background()
	jobID, err := jq.Enqueue(ctx, feedback.KindKeywordSweep, sweepPayload(), 0)
	require.NoError(t, err)
	_, err = jq.Dequeue(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, jq.Fail(ctx, jobID, "upstream flapping", true))

	job, err := jq.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, feedback.JobStatusPending, job.Status)
	require.Equal(t, 0, job.Priority, "retry penalty is floored at zero")
	require.Equal(t, "upstream flapping", job.ErrorText)

	// The retry is parked behind its backoff delay, not immediately ready.
	next, err := jq.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, next)

	stats, err := jq.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Pending)

	// Once the backoff elapses on the shared clock, the retry is delivered.
	clk.Advance(retryDelay(1))
	next, err = jq.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, jobID, next.ID)
	require.Equal(t, feedback.JobStatusRunning, next.Status)
	require.Equal(t, 2, next.Attempts)
}

func TestJobQueue_FailExhaustedAttemptsIsFinal(t *testing.T) {
	t.Parallel()

	jq, _ := newService(t)
	ctx := context.Background()
	jobID, err := jq.Enqueue(ctx, feedback.KindKeywordSweep, sweepPayload(), 0)
	require.NoError(t, err)
	_, err = jq.Dequeue(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, jq.Fail(ctx, jobID, "still broken", false))

	job, err := jq.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, feedback.JobStatusFailed, job.Status)
	require.Equal(t, "still broken", job.ErrorText)
}

func TestJobQueue_CancelPendingFinalizesImmediately(t *testing.T) {
	t.Parallel()

	jq, _ := newService(t)
	ctx := context.Background()
	jobID, err := jq.Enqueue(ctx, feedback.KindKeywordSweep, sweepPayload(), 0)
	require.NoError(t, err)

	ok, err := jq.Cancel(ctx, jobID)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := jq.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, feedback.JobStatusCancelled, job.Status)

	// The queue no longer delivers it.
	next, err := jq.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, next)

	// Cancelling a terminal job is a safe no-op that still succeeds.
	ok, err = jq.Cancel(ctx, jobID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestJobQueue_CancelRunningRaisesFlagOnly(t *testing.T) {
	t.Parallel()

	jq, st := newService(t)
	ctx := context.Background()
	jobID, err := jq.Enqueue(ctx, feedback.KindKeywordSweep, sweepPayload(), 0)
	require.NoError(t, err)
	_, err = jq.Dequeue(ctx, 0)
	require.NoError(t, err)

	ok, err := jq.Cancel(ctx, jobID)
	require.NoError(t, err)
	require.True(t, ok)

	// The running job keeps its status; the orchestrator observes the flag
	// at its next checkpoint and finalizes.
	job, err := jq.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, feedback.JobStatusRunning, job.Status)
	flag, err := st.CancelRequested(ctx, jobID)
	require.NoError(t, err)
	require.True(t, flag)
}

// claimHook wraps the store and runs fn around the first write of a running
// record, standing in for a cancel racing the claim transition.
type claimHook struct {
	*store.Memory
	before bool
	fn     func(ctx context.Context, jobID string)
	fired  bool
}

func (s *claimHook) Save(ctx context.Context, job feedback.Job) error {
	fire := !s.fired && s.fn != nil && job.Status == feedback.JobStatusRunning
	if fire {
		s.fired = true
	}
	if fire && s.before {
		s.fn(ctx, job.ID)
	}
	err := s.Memory.Save(ctx, job)
	if fire && !s.before {
		s.fn(ctx, job.ID)
	}
	return err
}

func TestJobQueue_CancelDuringClaimStaysCancelled(t *testing.T) {
	t.Parallel()

	st := &claimHook{Memory: store.NewMemory(), before: true}
	jq := NewJobQueue(NewMemory(), st, &fakeClock{now: time.Unix(1_700_000_000, 0)}, &seqIDs{}, 3, nil)
	st.fn = func(ctx context.Context, jobID string) {
		ok, err := jq.Cancel(ctx, jobID)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ctx := context.Background()
	jobID, err := jq.Enqueue(ctx, feedback.KindKeywordSweep, sweepPayload(), 0)
	require.NoError(t, err)

	job, err := jq.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, job, "a job cancelled during the claim is not delivered")

	got, err := jq.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, feedback.JobStatusCancelled, got.Status)
}

func TestJobQueue_CancelAfterClaimHonoredBeforeDelivery(t *testing.T) {
	t.Parallel()

	st := &claimHook{Memory: store.NewMemory()}
	jq := NewJobQueue(NewMemory(), st, &fakeClock{now: time.Unix(1_700_000_000, 0)}, &seqIDs{}, 3, nil)
	st.fn = func(ctx context.Context, jobID string) {
		ok, err := jq.Cancel(ctx, jobID)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ctx := context.Background()
	jobID, err := jq.Enqueue(ctx, feedback.KindKeywordSweep, sweepPayload(), 0)
	require.NoError(t, err)

	job, err := jq.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, job, "the raised flag is honored before handing the job out")

	got, err := jq.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, feedback.JobStatusCancelled, got.Status)
	require.True(t, got.CancelRequested)
}

func TestJobQueue_CancelUnknownJobReportsFalse(t *testing.T) {
	t.Parallel()

	jq, _ := newService(t)
	ok, err := jq.Cancel(context.Background(), "no-such-job")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRetryDelay_Caps(t *testing.T) {
	t.Parallel()

	require.Equal(t, 30*time.Second, retryDelay(0))
	require.Equal(t, 60*time.Second, retryDelay(1))
	require.Equal(t, 120*time.Second, retryDelay(2))
	require.Equal(t, 240*time.Second, retryDelay(3))
	require.Equal(t, 300*time.Second, retryDelay(4))
	require.Equal(t, 300*time.Second, retryDelay(10))
}
