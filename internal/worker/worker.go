// Package worker runs the fixed-size pool that consumes jobs from the queue
// and drives them through the orchestrator.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
	"github.com/feedbackforge/scrape-orchestrator/internal/metrics"
	"github.com/feedbackforge/scrape-orchestrator/internal/orchestrator"
	"github.com/feedbackforge/scrape-orchestrator/internal/queue"
)

// Config controls pool behavior.
type Config struct {
	// PoolSize is the number of concurrent workers (default 2).
	PoolSize int
	// DequeueWait is how long each worker blocks per dequeue poll
	// (default 5s).
	DequeueWait time.Duration
	// Topic, when set with a publisher, receives terminal job
	// notifications.
	Topic string
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 2
	}
	if c.DequeueWait <= 0 {
		c.DequeueWait = 5 * time.Second
	}
	return c
}

// Pool consumes the job queue with a bounded set of workers, one owned job
// per worker at a time. Shutdown is cooperative: cancel the context passed
// to Run and it drains in-flight jobs before returning.
type Pool struct {
	jobs      *queue.JobQueue
	orch      *orchestrator.Orchestrator
	archiver  feedback.Archiver
	publisher feedback.Publisher
	clock     feedback.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pool. Archiver and publisher are optional.
func New(
	jobs *queue.JobQueue,
	orch *orchestrator.Orchestrator,
	archiver feedback.Archiver,
	publisher feedback.Publisher,
	clock feedback.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		jobs:      jobs,
		orch:      orch,
		archiver:  archiver,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Run blocks, consuming jobs until the context finishes and all workers
// drain.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.PoolSize; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	logger := p.logger.With(zap.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.jobs.Dequeue(ctx, p.cfg.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		if job == nil {
			continue
		}
		p.processJob(ctx, logger, job)
	}
}

// processJob runs one job to a terminal state. The orchestrator absorbs
// task-level failures and its own panics, so nothing here can take the
// worker down with it.
func (p *Pool) processJob(ctx context.Context, logger *zap.Logger, job *feedback.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := p.clock.Now()
	logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("tasks", len(job.Payload)),
		zap.Int("attempt", job.Attempts),
	)

	outcome, errText := p.orch.RunJob(ctx, job)

	switch outcome {
	case orchestrator.OutcomeCompleted:
		if err := p.jobs.Complete(ctx, job.ID); err != nil {
			logger.Error("complete transition failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		metrics.ObserveJob(string(feedback.JobStatusCompleted))
		p.afterCompletion(ctx, logger, job)
	case orchestrator.OutcomeCancelled:
		if err := p.jobs.MarkCancelled(ctx, job.ID); err != nil {
			logger.Error("cancel transition failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		metrics.ObserveJob(string(feedback.JobStatusCancelled))
	default:
		if err := p.jobs.Fail(ctx, job.ID, errText, true); err != nil {
			logger.Error("fail transition failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		metrics.ObserveJob(string(feedback.JobStatusFailed))
	}

	if stats, err := p.jobs.Stats(ctx); err == nil {
		metrics.SetQueueDepth(stats.Pending, stats.Processing)
	}

	logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.Int("results", len(job.Results)),
		zap.Int("errors", len(job.Errors)),
		zap.Duration("duration", p.clock.Now().Sub(start)),
	)
}

// afterCompletion archives results and publishes a notification. Both are
// best-effort: the job is already terminal and stays completed.
func (p *Pool) afterCompletion(ctx context.Context, logger *zap.Logger, job *feedback.Job) {
	if p.archiver != nil {
		uri, err := p.archiver.Archive(ctx, *job)
		if err != nil {
			logger.Warn("result archive failed", zap.String("job_id", job.ID), zap.Error(err))
		} else if uri != "" {
			logger.Debug("results archived", zap.String("job_id", job.ID), zap.String("uri", uri))
		}
	}
	if p.publisher != nil && p.cfg.Topic != "" {
		payload := map[string]any{
			"job_id":    job.ID,
			"kind":      string(job.Kind),
			"results":   len(job.Results),
			"errors":    len(job.Errors),
			"timestamp": p.clock.Now().Format(time.RFC3339),
		}
		if _, err := p.publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
			logger.Warn("completion publish failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}
