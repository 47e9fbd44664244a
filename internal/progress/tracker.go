package progress

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
)

// Tracker counts real task completions for sweep jobs. Increments are
// serialized so concurrent task completions cannot regress the persisted
// counter, and every increment is persisted immediately so progress survives
// a crash between tasks.
type Tracker struct {
	store  feedback.JobStore
	jobID  string
	total  int
	logger *zap.Logger

	mu        sync.Mutex
	completed int
}

// NewTracker builds a tracker for a job with a known task total.
func NewTracker(store feedback.JobStore, jobID string, total int, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, jobID: jobID, total: total, logger: logger}
}

// TaskDone records one completed task and persists the new counter. The
// lock is held across the persist so concurrent completions reach the store
// in counter order.
func (tr *Tracker) TaskDone(ctx context.Context) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.completed < tr.total {
		tr.completed++
	}
	completed := tr.completed

	if err := tr.store.UpdateProgress(ctx, tr.jobID, tr.total, completed); err != nil {
		tr.logger.Warn("task progress persist failed",
			zap.String("job_id", tr.jobID),
			zap.Int("completed", completed),
			zap.Error(err),
		)
	}
}

// Completed returns the current counter.
func (tr *Tracker) Completed() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.completed
}
