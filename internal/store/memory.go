// Package store persists job records. The durable Redis implementation and
// the in-process fallback satisfy identical semantics; the cache wrapper
// keeps a best-effort copy ahead of the durable backend.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
)

// Memory implements feedback.JobStore for development and tests, and doubles
// as the cache layer's map. All mutations follow the same transition rules
// as the durable store: terminal records are write-once.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]feedback.Job
	now  func() time.Time
}

// NewMemory builds an empty store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]feedback.Job),
		now:  time.Now,
	}
}

// Save upserts the full job record. A terminal record is never overwritten
// and a raised cancellation flag stays raised, so a stale working copy cannot
// resurrect a finished job.
func (s *Memory) Save(_ context.Context, job feedback.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[job.ID]; ok {
		if cur.Status.IsTerminal() {
			return feedback.ErrJobTerminal
		}
		if cur.CancelRequested {
			job.CancelRequested = true
		}
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// Load fetches a job by ID.
func (s *Memory) Load(_ context.Context, jobID string) (feedback.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return feedback.Job{}, feedback.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// UpdateStatus transitions a non-terminal job, stamping StartedAt once.
func (s *Memory) UpdateStatus(_ context.Context, jobID string, status feedback.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return feedback.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return feedback.ErrJobTerminal
	}
	job.Status = status
	if status == feedback.JobStatusRunning && job.StartedAt == nil {
		now := s.now().UTC()
		job.StartedAt = &now
	}
	s.jobs[jobID] = job
	return nil
}

// UpdateProgress advances the progress counters. Completed is clamped to
// total and never moves backward.
func (s *Memory) UpdateProgress(_ context.Context, jobID string, total, completed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return feedback.ErrJobNotFound
	}
	job.Progress = clampProgress(job.Progress, total, completed)
	s.jobs[jobID] = job
	return nil
}

// AppendResult appends one record to the job's result list.
func (s *Memory) AppendResult(_ context.Context, jobID string, rec feedback.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return feedback.ErrJobNotFound
	}
	job.Results = append(job.Results, rec)
	s.jobs[jobID] = job
	return nil
}

// AppendError appends one task error to the job's error list.
func (s *Memory) AppendError(_ context.Context, jobID string, taskErr feedback.TaskError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return feedback.ErrJobNotFound
	}
	job.Errors = append(job.Errors, taskErr)
	s.jobs[jobID] = job
	return nil
}

// Finalize moves a job into a terminal status, stamping CompletedAt once.
// Finalizing an already-terminal job is a no-op.
func (s *Memory) Finalize(_ context.Context, jobID string, status feedback.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return feedback.ErrJobNotFound
	}
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
	s.jobs[jobID] = job
	return nil
}

// RequestCancel raises the cancellation flag; terminal jobs are untouched.
func (s *Memory) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return feedback.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.CancelRequested = true
	s.jobs[jobID] = job
	return nil
}

// CancelRequested reads the cancellation flag.
func (s *Memory) CancelRequested(_ context.Context, jobID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, feedback.ErrJobNotFound
	}
	return job.CancelRequested, nil
}

// List returns up to limit jobs, newest first, optionally filtered by status.
func (s *Memory) List(_ context.Context, status feedback.JobStatus, limit int) ([]feedback.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]feedback.Job, 0, limit)
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sortJobsNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a record; used by the cache wrapper, not the public API.
func (s *Memory) Delete(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

func cloneJob(job feedback.Job) feedback.Job {
	out := job
	out.Payload = append([]feedback.TaskSpec(nil), job.Payload...)
	out.Results = append([]feedback.Record(nil), job.Results...)
	out.Errors = append([]feedback.TaskError(nil), job.Errors...)
	return out
}

func clampProgress(p feedback.Progress, total, completed int) feedback.Progress {
	if total > 0 {
		p.Total = total
	}
	if completed > p.Completed {
		p.Completed = completed
	}
	if p.Total > 0 && p.Completed > p.Total {
		p.Completed = p.Total
	}
	return p
}
