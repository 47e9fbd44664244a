// Package orchestrator executes one job's scraping tasks under bounded
// concurrency with cooperative cancellation and crash-safe progress.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
	"github.com/feedbackforge/scrape-orchestrator/internal/progress"
	"github.com/feedbackforge/scrape-orchestrator/internal/runner"
)

// Outcome summarizes how a job run ended; the worker maps it onto the job
// lifecycle (complete, fail-with-retry, cancelled).
type Outcome int

// Run outcomes.
const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

// Config controls task execution within one job.
type Config struct {
	// Concurrency bounds simultaneous tasks per job (default 3).
	Concurrency int
	// TaskTimeout is the outer per-task budget, enclosing the runner's own
	// timeout (default 300s).
	TaskTimeout time.Duration
	// Pacing is the delay between committed task completions, which keeps
	// the store and the upstream sources from being burst (default 500ms).
	Pacing time.Duration
	// Heartbeat tunes synthetic progress for single-source jobs.
	Heartbeat progress.HeartbeatConfig
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 300 * time.Second
	}
	if c.Pacing < 0 {
		c.Pacing = 0
	} else if c.Pacing == 0 {
		c.Pacing = 500 * time.Millisecond
	}
	return c
}

// Orchestrator runs jobs. It owns the working copy of a job for the duration
// of RunJob and is the only writer to its progress, results, and errors.
type Orchestrator struct {
	cfg      Config
	registry feedback.SourceRegistry
	runner   *runner.Runner
	store    feedback.JobStore
	logger   *zap.Logger
}

// New constructs an Orchestrator.
func New(
	cfg Config,
	registry feedback.SourceRegistry,
	run *runner.Runner,
	store feedback.JobStore,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		registry: registry,
		runner:   run,
		store:    store,
		logger:   logger,
	}
}

// RunJob executes job to a terminal outcome, mutating the working copy as
// work proceeds. Task-level failures are absorbed into job.Errors; only a
// defect in the orchestration itself produces OutcomeFailed with a non-empty
// errText via the recover path, or a run where every task failed.
func (o *Orchestrator) RunJob(ctx context.Context, job *feedback.Job) (outcome Outcome, errText string) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("orchestrator panic",
				zap.String("job_id", job.ID),
				zap.Any("panic", p),
			)
			outcome = OutcomeFailed
			errText = fmt.Sprintf("orchestrator panic: %v", p)
		}
	}()

	if len(job.Payload) == 0 {
		return OutcomeCompleted, ""
	}
	if job.Kind == feedback.KindSingleSource {
		return o.runHeartbeat(ctx, job)
	}
	return o.runSweep(ctx, job)
}

// cancelled consults both the working copy and the store, so cancellations
// raised by other processes are honored.
func (o *Orchestrator) cancelled(ctx context.Context, job *feedback.Job) bool {
	if job.CancelRequested {
		return true
	}
	flag, err := o.store.CancelRequested(ctx, job.ID)
	if err != nil {
		return false
	}
	if flag {
		job.CancelRequested = true
	}
	return flag
}

type taskOutcome struct {
	spec    feedback.TaskSpec
	records []feedback.Record
	errText string
}

// runSweep fans the payload's tasks across a bounded worker gate, committing
// each completion to the store as it arrives. Completions are committed by
// this single goroutine, which keeps progress updates serialized.
func (o *Orchestrator) runSweep(ctx context.Context, job *feedback.Job) (Outcome, string) {
	tracker := progress.NewTracker(o.store, job.ID, job.Progress.Total, o.logger)
	sem := make(chan struct{}, o.cfg.Concurrency)
	// Buffered to the payload size so finished tasks never block handing
	// off their outcome while holding a semaphore slot.
	results := make(chan taskOutcome, len(job.Payload))

	var wg sync.WaitGroup
	launched := 0
	for _, spec := range job.Payload {
		if o.cancelled(ctx, job) {
			o.logger.Info("cancel observed, not launching further tasks",
				zap.String("job_id", job.ID),
				zap.Int("launched", launched),
			)
			break
		}
		sem <- struct{}{}
		launched++
		wg.Add(1)
		go func(spec feedback.TaskSpec) {
			defer wg.Done()
			defer func() { <-sem }()
			results <- o.runTask(ctx, spec)
		}(spec)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	succeeded, failed := 0, 0
	for out := range results {
		if o.cancelled(ctx, job) {
			// Abandon uncommitted completions; they are not failures.
			continue
		}
		o.commit(ctx, job, out, tracker)
		if out.errText == "" {
			succeeded++
		} else {
			failed++
		}
		if o.cfg.Pacing > 0 {
			select {
			case <-ctx.Done():
				// Skip pacing once cancelled; the next loop iteration drains
				// without committing.
			case <-time.After(o.cfg.Pacing):
			}
		}
	}

	switch {
	case job.CancelRequested:
		return OutcomeCancelled, ""
	case succeeded == 0 && failed > 0:
		return OutcomeFailed, "every task failed"
	default:
		return OutcomeCompleted, ""
	}
}

// runHeartbeat executes a single-source job with synthetic progress around
// the one long-running scrape.
func (o *Orchestrator) runHeartbeat(ctx context.Context, job *feedback.Job) (Outcome, string) {
	hb := progress.NewHeartbeat(o.cfg.Heartbeat, o.store, job.ID, o.logger)
	hb.Start(ctx)

	out := o.runTask(ctx, job.Payload[0])
	hb.Stop()

	if o.cancelled(ctx, job) {
		// Last heartbeat value stands as final; no jump to 100.
		return OutcomeCancelled, ""
	}
	o.commit(ctx, job, out, nil)
	if out.errText != "" {
		return OutcomeFailed, out.errText
	}
	hb.Finish(ctx)
	return OutcomeCompleted, ""
}

// runTask resolves the source and executes one task under the outer timeout.
// It never returns an error; failures arrive as errText.
func (o *Orchestrator) runTask(ctx context.Context, spec feedback.TaskSpec) taskOutcome {
	scraper, ok := o.registry.Lookup(spec.Source)
	if !ok {
		return taskOutcome{spec: spec, errText: fmt.Sprintf("unknown source %q", spec.Source)}
	}
	taskCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	defer cancel()
	records, errText := o.runner.Run(taskCtx, scraper, spec.Query, spec.Limit)
	return taskOutcome{spec: spec, records: records, errText: errText}
}

// commit appends one task's results or error to the store and the working
// copy, then advances progress. Progress survives a crash between commits.
func (o *Orchestrator) commit(ctx context.Context, job *feedback.Job, out taskOutcome, tracker *progress.Tracker) {
	if out.errText != "" {
		taskErr := feedback.TaskError{
			Source:  out.spec.Source,
			Query:   out.spec.Query,
			Message: out.errText,
			At:      time.Now().UTC(),
		}
		job.Errors = append(job.Errors, taskErr)
		if err := o.store.AppendError(ctx, job.ID, taskErr); err != nil {
			o.logger.Warn("append task error failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	for _, rec := range out.records {
		job.Results = append(job.Results, rec)
		if err := o.store.AppendResult(ctx, job.ID, rec); err != nil {
			o.logger.Warn("append result failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if tracker != nil {
		tracker.TaskDone(ctx)
		job.Progress.Completed = tracker.Completed()
	}
}
