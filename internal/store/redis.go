package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
)

const (
	jobKeyPrefix = "fbjob:"
	createdIndex = "fbjobs:by_created"
)

// Redis implements feedback.JobStore on Redis with JSON-serialized records
// and a creation-time index for listing. Records survive process restarts so
// pollers get well-formed status immediately after a crash.
//
// Job records are mutated via load-modify-store without optimistic locking:
// the orchestrator is the single writer while a job is running. The cancel
// path can race the claim transition, so Save guards terminal records and a
// raised cancellation flag instead of trusting the caller's working copy.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

func jobKey(jobID string) string { return jobKeyPrefix + jobID }

// Save upserts the full job record and indexes it by creation time. Like the
// in-memory store it refuses to overwrite a terminal record and keeps a
// raised cancellation flag raised.
func (s *Redis) Save(ctx context.Context, job feedback.Job) error {
	cur, err := s.Load(ctx, job.ID)
	switch {
	case err == nil:
		if cur.Status.IsTerminal() {
			return feedback.ErrJobTerminal
		}
		if cur.CancelRequested {
			job.CancelRequested = true
		}
	case !errors.Is(err, feedback.ErrJobNotFound):
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), raw, 0)
	pipe.ZAdd(ctx, createdIndex, redis.Z{
		Score:  float64(job.CreatedAt.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// Load fetches a job by ID.
func (s *Redis) Load(ctx context.Context, jobID string) (feedback.Job, error) {
	raw, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return feedback.Job{}, feedback.ErrJobNotFound
	}
	if err != nil {
		return feedback.Job{}, fmt.Errorf("load job: %w", err)
	}
	var job feedback.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return feedback.Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, nil
}

func (s *Redis) mutate(ctx context.Context, jobID string, fn func(*feedback.Job) error) error {
	job, err := s.Load(ctx, jobID)
	if err != nil {
		return err
	}
	if err := fn(&job); err != nil {
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.client.Set(ctx, jobKey(jobID), raw, 0).Err(); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

// UpdateStatus transitions a non-terminal job, stamping StartedAt once.
func (s *Redis) UpdateStatus(ctx context.Context, jobID string, status feedback.JobStatus) error {
	return s.mutate(ctx, jobID, func(job *feedback.Job) error {
		if job.Status.IsTerminal() {
			return feedback.ErrJobTerminal
		}
		job.Status = status
		if status == feedback.JobStatusRunning && job.StartedAt == nil {
			now := s.now().UTC()
			job.StartedAt = &now
		}
		return nil
	})
}

// UpdateProgress advances the progress counters under the same clamping
// rules as the in-memory store.
func (s *Redis) UpdateProgress(ctx context.Context, jobID string, total, completed int) error {
	return s.mutate(ctx, jobID, func(job *feedback.Job) error {
		job.Progress = clampProgress(job.Progress, total, completed)
		return nil
	})
}

// AppendResult appends one record to the job's result list.
func (s *Redis) AppendResult(ctx context.Context, jobID string, rec feedback.Record) error {
	return s.mutate(ctx, jobID, func(job *feedback.Job) error {
		job.Results = append(job.Results, rec)
		return nil
	})
}

// AppendError appends one task error to the job's error list.
func (s *Redis) AppendError(ctx context.Context, jobID string, taskErr feedback.TaskError) error {
	return s.mutate(ctx, jobID, func(job *feedback.Job) error {
		job.Errors = append(job.Errors, taskErr)
		return nil
	})
}

// Finalize moves a job into a terminal status; already-terminal jobs are
// untouched.
func (s *Redis) Finalize(ctx context.Context, jobID string, status feedback.JobStatus, errText string) error {
	return s.mutate(ctx, jobID, func(job *feedback.Job) error {
		if job.Status.IsTerminal() {
			return nil
		}
		job.Status = status
		if errText != "" {
			job.ErrorText = errText
		}
		if job.CompletedAt == nil {
			now := s.now().UTC()
			job.CompletedAt = &now
		}
		return nil
	})
}

// RequestCancel raises the cancellation flag.
func (s *Redis) RequestCancel(ctx context.Context, jobID string) error {
	return s.mutate(ctx, jobID, func(job *feedback.Job) error {
		if job.Status.IsTerminal() {
			return nil
		}
		job.CancelRequested = true
		return nil
	})
}

// CancelRequested reads the cancellation flag.
func (s *Redis) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	job, err := s.Load(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

// List walks the creation-time index newest first, filtering by status.
func (s *Redis) List(ctx context.Context, status feedback.JobStatus, limit int) ([]feedback.Job, error) {
	ids, err := s.client.ZRevRange(ctx, createdIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list index: %w", err)
	}
	out := make([]feedback.Job, 0, limit)
	for _, id := range ids {
		job, err := s.Load(ctx, id)
		if errors.Is(err, feedback.ErrJobNotFound) {
			// Index entry outlived its record; repair lazily.
			s.client.ZRem(ctx, createdIndex, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func sortJobsNewestFirst(jobs []feedback.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
