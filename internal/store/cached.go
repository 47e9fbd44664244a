package store

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
)

// Cached layers a best-effort in-memory copy ahead of a durable store. The
// durable store is the source of truth; the cache exists to keep the hot
// polling path off the network and is repaired from durable state on any
// miss. All writes go through to the durable store first and only touch the
// cache once they succeed.
type Cached struct {
	durable feedback.JobStore
	cache   *Memory
	logger  *zap.Logger
}

// NewCached wraps durable with a fresh cache.
func NewCached(durable feedback.JobStore, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{durable: durable, cache: NewMemory(), logger: logger}
}

// Save writes through to the durable store, then refreshes the cache. The
// durable record is re-read rather than cached verbatim because Save may
// merge state (a raised cancellation flag) into what it was handed.
func (c *Cached) Save(ctx context.Context, job feedback.Job) error {
	if err := c.durable.Save(ctx, job); err != nil {
		return err
	}
	c.refresh(ctx, job.ID)
	return nil
}

// Load serves from cache when possible and repairs the cache from the
// durable store on a miss.
func (c *Cached) Load(ctx context.Context, jobID string) (feedback.Job, error) {
	if job, err := c.cache.Load(ctx, jobID); err == nil {
		return job, nil
	}
	job, err := c.durable.Load(ctx, jobID)
	if err != nil {
		return feedback.Job{}, err
	}
	c.logger.Debug("job cache repaired from durable store", zap.String("job_id", jobID))
	_ = c.cache.Save(ctx, job)
	return job, nil
}

func (c *Cached) refresh(ctx context.Context, jobID string) {
	job, err := c.durable.Load(ctx, jobID)
	if err != nil {
		if !errors.Is(err, feedback.ErrJobNotFound) {
			c.logger.Warn("job cache refresh failed", zap.String("job_id", jobID), zap.Error(err))
		}
		c.cache.Delete(jobID)
		return
	}
	// Replace outright: the durable copy is authoritative, including any
	// terminal state the guarded Save would refuse to overwrite.
	c.cache.Delete(jobID)
	_ = c.cache.Save(ctx, job)
}

// UpdateStatus writes through and refreshes the cached record.
func (c *Cached) UpdateStatus(ctx context.Context, jobID string, status feedback.JobStatus) error {
	if err := c.durable.UpdateStatus(ctx, jobID, status); err != nil {
		return err
	}
	c.refresh(ctx, jobID)
	return nil
}

// UpdateProgress writes through and refreshes the cached record.
func (c *Cached) UpdateProgress(ctx context.Context, jobID string, total, completed int) error {
	if err := c.durable.UpdateProgress(ctx, jobID, total, completed); err != nil {
		return err
	}
	c.refresh(ctx, jobID)
	return nil
}

// AppendResult writes through and refreshes the cached record.
func (c *Cached) AppendResult(ctx context.Context, jobID string, rec feedback.Record) error {
	if err := c.durable.AppendResult(ctx, jobID, rec); err != nil {
		return err
	}
	c.refresh(ctx, jobID)
	return nil
}

// AppendError writes through and refreshes the cached record.
func (c *Cached) AppendError(ctx context.Context, jobID string, taskErr feedback.TaskError) error {
	if err := c.durable.AppendError(ctx, jobID, taskErr); err != nil {
		return err
	}
	c.refresh(ctx, jobID)
	return nil
}

// Finalize writes through and refreshes the cached record.
func (c *Cached) Finalize(ctx context.Context, jobID string, status feedback.JobStatus, errText string) error {
	if err := c.durable.Finalize(ctx, jobID, status, errText); err != nil {
		return err
	}
	c.refresh(ctx, jobID)
	return nil
}

// RequestCancel writes through and refreshes the cached record.
func (c *Cached) RequestCancel(ctx context.Context, jobID string) error {
	if err := c.durable.RequestCancel(ctx, jobID); err != nil {
		return err
	}
	c.refresh(ctx, jobID)
	return nil
}

// CancelRequested always consults the durable store: the flag may be raised
// by another process and must be seen promptly.
func (c *Cached) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	return c.durable.CancelRequested(ctx, jobID)
}

// List always consults the durable store, which owns the full record set.
func (c *Cached) List(ctx context.Context, status feedback.JobStatus, limit int) ([]feedback.Job, error) {
	return c.durable.List(ctx, status, limit)
}
