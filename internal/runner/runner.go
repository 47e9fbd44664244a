// Package runner executes a single scraping task and absorbs every failure
// mode a scraper can produce. Nothing above this package needs to catch
// scraper-specific errors.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
	"github.com/feedbackforge/scrape-orchestrator/internal/metrics"
)

// DefaultTimeout is the hard wall-clock budget for one task, independent of
// any timeout inside the scraper itself.
const DefaultTimeout = 120 * time.Second

// Runner wraps scraper invocations with timeout protection and result
// validation.
type Runner struct {
	timeout time.Duration
	logger  *zap.Logger
}

// New builds a Runner. A non-positive timeout falls back to DefaultTimeout.
func New(timeout time.Duration, logger *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{timeout: timeout, logger: logger}
}

// Run invokes scraper for (query, limit) and always returns a slice, never an
// error and never a panic. An empty slice means "no results, possibly due to
// failure" — callers must not read it as a confirmed zero-match. The returned
// error text, when non-empty, describes the absorbed failure for job-level
// error accounting.
func (r *Runner) Run(ctx context.Context, scraper feedback.Scraper, query string, limit int) ([]feedback.Record, string) {
	taskCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := time.Now()

	type outcome struct {
		records []feedback.Record
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("scraper panic: %v", p)}
			}
		}()
		records, err := scraper.Scrape(taskCtx, query, limit)
		done <- outcome{records: records, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			r.logger.Error("scrape task failed",
				zap.String("source", scraper.Name()),
				zap.String("query", query),
				zap.Error(out.err),
			)
			metrics.ObserveTask(scraper.Name(), "error", time.Since(start))
			return []feedback.Record{}, out.err.Error()
		}
		metrics.ObserveTask(scraper.Name(), "ok", time.Since(start))
		return r.validate(scraper.Name(), query, out.records), ""
	case <-taskCtx.Done():
		// The scraper goroutine is abandoned; it sees the cancelled context
		// and is expected to unwind on its own.
		err := taskCtx.Err()
		r.logger.Error("scrape task timed out or cancelled",
			zap.String("source", scraper.Name()),
			zap.String("query", query),
			zap.Duration("timeout", r.timeout),
			zap.Error(err),
		)
		metrics.ObserveTask(scraper.Name(), "aborted", time.Since(start))
		return []feedback.Record{}, fmt.Sprintf("task aborted: %v", err)
	}
}

// validate drops records that do not carry the expected source tag. Invalid
// items are logged and skipped, never fatal.
func (r *Runner) validate(source, query string, records []feedback.Record) []feedback.Record {
	out := make([]feedback.Record, 0, len(records))
	for _, rec := range records {
		if rec.Source != source {
			r.logger.Warn("dropping record with unknown source tag",
				zap.String("expected", source),
				zap.String("got", rec.Source),
				zap.String("query", query),
			)
			continue
		}
		out = append(out, rec)
	}
	return out
}
