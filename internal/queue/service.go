package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
)

const (
	// DefaultMaxAttempts bounds job-level retries.
	DefaultMaxAttempts = 3

	retryDelayBase = 30 * time.Second
	retryDelayCap  = 300 * time.Second
)

// JobQueue combines the priority queue with the job store to drive the job
// lifecycle: pending -> running -> {completed | failed | cancelled}, with
// failed-with-retry re-entering pending after a penalty and a delay.
type JobQueue struct {
	queue       feedback.Queue
	store       feedback.JobStore
	clock       feedback.Clock
	ids         feedback.IDGenerator
	logger      *zap.Logger
	maxAttempts int
}

// NewJobQueue wires the lifecycle service. maxAttempts <= 0 falls back to
// DefaultMaxAttempts.
func NewJobQueue(
	q feedback.Queue,
	store feedback.JobStore,
	clock feedback.Clock,
	ids feedback.IDGenerator,
	maxAttempts int,
	logger *zap.Logger,
) *JobQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Backend retry schedules are computed against this clock, so the backend
	// must promote against it too.
	if cq, ok := q.(interface{ setClock(feedback.Clock) }); ok && clock != nil {
		cq.setClock(clock)
	}
	return &JobQueue{
		queue:       q,
		store:       store,
		clock:       clock,
		ids:         ids,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Enqueue creates a pending job, persists it, and inserts it into the
// priority structure. The payload is fixed here and never changes again;
// progress.total is its length.
func (jq *JobQueue) Enqueue(ctx context.Context, kind feedback.JobKind, payload []feedback.TaskSpec, priority int) (string, error) {
	jobID, err := jq.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := feedback.Job{
		ID:          jobID,
		Kind:        kind,
		Payload:     payload,
		Status:      feedback.JobStatusPending,
		Priority:    priority,
		MaxAttempts: jq.maxAttempts,
		Progress:    feedback.Progress{Total: len(payload)},
		Results:     []feedback.Record{},
		Errors:      []feedback.TaskError{},
		CreatedAt:   jq.clock.Now().UTC(),
	}
	if job.Kind == feedback.KindSingleSource && len(payload) > 0 {
		// Heartbeat-mode jobs report on the synthetic 0-100 scale.
		job.Progress.Total = 100
	}
	if err := jq.store.Save(ctx, job); err != nil {
		return "", fmt.Errorf("persist new job: %w", err)
	}
	if err := jq.queue.Enqueue(ctx, jobID, priority); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	jq.logger.Info("job enqueued",
		zap.String("job_id", jobID),
		zap.String("kind", string(kind)),
		zap.Int("priority", priority),
		zap.Int("tasks", len(payload)),
	)
	return jobID, nil
}

// Dequeue pops the highest-priority ready job and marks it running. It
// returns nil when no work is available within wait; that is not an error.
func (jq *JobQueue) Dequeue(ctx context.Context, wait time.Duration) (*feedback.Job, error) {
	deadline := jq.clock.Now().Add(wait)
	for {
		remaining := deadline.Sub(jq.clock.Now())
		if wait <= 0 || remaining < 0 {
			remaining = 0
		}
		jobID, err := jq.queue.Dequeue(ctx, remaining)
		if err != nil {
			return nil, fmt.Errorf("queue dequeue: %w", err)
		}
		if jobID == "" {
			return nil, nil
		}
		job, err := jq.store.Load(ctx, jobID)
		if err != nil {
			if errors.Is(err, feedback.ErrJobNotFound) {
				jq.logger.Warn("dequeued unknown job, dropping", zap.String("job_id", jobID))
				_ = jq.queue.Ack(ctx, jobID, false)
				continue
			}
			return nil, fmt.Errorf("load dequeued job: %w", err)
		}
		if job.Status.IsTerminal() || job.CancelRequested {
			// Cancelled while waiting in the queue.
			_ = jq.queue.Ack(ctx, jobID, false)
			if !job.Status.IsTerminal() {
				_ = jq.store.Finalize(ctx, jobID, feedback.JobStatusCancelled, "")
			}
			continue
		}

		job.Status = feedback.JobStatusRunning
		job.Attempts++
		now := jq.clock.Now().UTC()
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		if err := jq.store.Save(ctx, job); err != nil {
			if errors.Is(err, feedback.ErrJobTerminal) {
				// Finalized (cancelled) while we were claiming it; the store
				// refused the stale working copy.
				_ = jq.queue.Ack(ctx, jobID, false)
				continue
			}
			return nil, fmt.Errorf("persist running job: %w", err)
		}
		// A cancel that raced the claim only raised the flag; honor it here
		// instead of handing the job to a worker.
		if flag, err := jq.store.CancelRequested(ctx, jobID); err == nil && flag {
			_ = jq.store.Finalize(ctx, jobID, feedback.JobStatusCancelled, "")
			_ = jq.queue.Ack(ctx, jobID, false)
			continue
		}
		return &job, nil
	}
}

// Complete finalizes a job as completed. Re-completing a terminal job is a
// safe no-op.
func (jq *JobQueue) Complete(ctx context.Context, jobID string) error {
	job, err := jq.store.Load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		jq.logger.Debug("complete on terminal job ignored", zap.String("job_id", jobID))
		return nil
	}
	if err := jq.store.Finalize(ctx, jobID, feedback.JobStatusCompleted, ""); err != nil {
		return fmt.Errorf("finalize completed: %w", err)
	}
	return jq.queue.Ack(ctx, jobID, true)
}

// Fail records a job failure. With retry enabled and attempts remaining, the
// job re-enters pending at a reduced priority (floored at zero) after a
// backoff delay of min(300s, 30s * 2^attempts); otherwise it is final.
func (jq *JobQueue) Fail(ctx context.Context, jobID, errText string, retry bool) error {
	job, err := jq.store.Load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		jq.logger.Debug("fail on terminal job ignored", zap.String("job_id", jobID))
		return nil
	}
	if retry && job.Attempts < job.MaxAttempts && !job.CancelRequested {
		delay := retryDelay(job.Attempts)
		job.Status = feedback.JobStatusPending
		job.Priority = clampPriority(job.Priority - 1)
		job.ErrorText = errText
		if err := jq.store.Save(ctx, job); err != nil {
			if errors.Is(err, feedback.ErrJobTerminal) {
				jq.logger.Debug("retry abandoned, job finalized concurrently", zap.String("job_id", jobID))
				return jq.queue.Ack(ctx, jobID, false)
			}
			return fmt.Errorf("persist retrying job: %w", err)
		}
		if err := jq.queue.EnqueueDelayed(ctx, jobID, job.Priority, jq.clock.Now().Add(delay)); err != nil {
			return fmt.Errorf("re-enqueue job: %w", err)
		}
		jq.logger.Warn("job failed, retrying",
			zap.String("job_id", jobID),
			zap.Int("attempt", job.Attempts),
			zap.Duration("delay", delay),
			zap.String("error", errText),
		)
		return jq.queue.Ack(ctx, jobID, false)
	}
	if err := jq.store.Finalize(ctx, jobID, feedback.JobStatusFailed, errText); err != nil {
		return fmt.Errorf("finalize failed: %w", err)
	}
	jq.logger.Error("job failed permanently", zap.String("job_id", jobID), zap.String("error", errText))
	return jq.queue.Ack(ctx, jobID, false)
}

// Cancel requests cooperative cancellation. Pending jobs are finalized
// immediately; running jobs stop at the orchestrator's next checkpoint.
// Cancelling a terminal job is a no-op that still reports success.
func (jq *JobQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := jq.store.Load(ctx, jobID)
	if err != nil {
		if errors.Is(err, feedback.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	if job.Status.IsTerminal() {
		return true, nil
	}
	if err := jq.store.RequestCancel(ctx, jobID); err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	if job.Status == feedback.JobStatusPending {
		if err := jq.queue.Remove(ctx, jobID); err != nil {
			return false, fmt.Errorf("remove pending job: %w", err)
		}
		if err := jq.store.Finalize(ctx, jobID, feedback.JobStatusCancelled, ""); err != nil {
			return false, fmt.Errorf("finalize cancelled: %w", err)
		}
	}
	jq.logger.Info("job cancellation requested", zap.String("job_id", jobID))
	return true, nil
}

// MarkCancelled finalizes a running job whose cancellation flag was honored
// by the orchestrator. Idempotent like the other terminal transitions.
func (jq *JobQueue) MarkCancelled(ctx context.Context, jobID string) error {
	job, err := jq.store.Load(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		if err := jq.store.Finalize(ctx, jobID, feedback.JobStatusCancelled, ""); err != nil {
			return fmt.Errorf("finalize cancelled: %w", err)
		}
	}
	jq.logger.Info("job cancelled", zap.String("job_id", jobID))
	return jq.queue.Ack(ctx, jobID, false)
}

// Get loads a job by ID.
func (jq *JobQueue) Get(ctx context.Context, jobID string) (*feedback.Job, error) {
	job, err := jq.store.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns jobs filtered by status; a zero status means all.
func (jq *JobQueue) List(ctx context.Context, status feedback.JobStatus, limit int) ([]feedback.Job, error) {
	return jq.store.List(ctx, status, limit)
}

// Stats reports queue occupancy.
func (jq *JobQueue) Stats(ctx context.Context) (feedback.QueueStats, error) {
	return jq.queue.Stats(ctx)
}

func retryDelay(attempts int) time.Duration {
	delay := retryDelayBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= retryDelayCap {
			return retryDelayCap
		}
	}
	return delay
}

// clampPriority floors the retry penalty at zero so repeated failures cannot
// push a job's priority arbitrarily negative.
func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	return p
}
