// Package progress reports job progress to the store. Sweep jobs count real
// task completions; single-source jobs use a synthetic heartbeat so pollers
// never watch a frozen bar while one long upstream call runs.
package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
)

// Scale is the synthetic progress total for heartbeat-mode jobs.
const Scale = 100

// HeartbeatConfig tunes the synthetic progress curve. Zero values fall back
// to defaults.
type HeartbeatConfig struct {
	// Tick is the advance interval (default 1s).
	Tick time.Duration
	// Step is how far each tick advances the counter (default 2).
	Step int
	// SetupCeiling is where the counter lands once setup finishes
	// (default 5).
	SetupCeiling int
	// WorkCeiling bounds the work phase; ticks stop just short of it
	// (default 90).
	WorkCeiling int
	// FinishSteps is how many increments animate the final run to 100
	// (default 5).
	FinishSteps int
	// FinishDelay paces the finish animation (default 100ms).
	FinishDelay time.Duration
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Step <= 0 {
		c.Step = 2
	}
	if c.SetupCeiling <= 0 {
		c.SetupCeiling = 5
	}
	if c.WorkCeiling <= 0 {
		c.WorkCeiling = 90
	}
	if c.FinishSteps <= 0 {
		c.FinishSteps = 5
	}
	if c.FinishDelay <= 0 {
		c.FinishDelay = 100 * time.Millisecond
	}
	return c
}

// Heartbeat advances a job's synthetic 0-100 progress on a fixed tick,
// independent of whether the underlying work has produced any signal. The
// counter never moves backward and never reaches 100 until Finish confirms
// the real work is done.
type Heartbeat struct {
	cfg    HeartbeatConfig
	store  feedback.JobStore
	jobID  string
	logger *zap.Logger

	mu      sync.Mutex
	current int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewHeartbeat builds a reporter for one job. Call Start to begin ticking.
func NewHeartbeat(cfg HeartbeatConfig, store feedback.JobStore, jobID string, logger *zap.Logger) *Heartbeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{
		cfg:    cfg.withDefaults(),
		store:  store,
		jobID:  jobID,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start records the setup phase as done and begins the work-phase ticker.
func (h *Heartbeat) Start(ctx context.Context) {
	h.advanceTo(ctx, h.cfg.SetupCeiling)
	go h.run(ctx)
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := h.store.CancelRequested(ctx, h.jobID)
			if err == nil && cancelled {
				// Last observed value stays as final; no finalization here.
				h.logger.Debug("heartbeat stopped by cancellation", zap.String("job_id", h.jobID))
				return
			}
			h.mu.Lock()
			next := h.current + h.cfg.Step
			if next >= h.cfg.WorkCeiling {
				next = h.cfg.WorkCeiling - 1
			}
			h.mu.Unlock()
			h.advanceTo(ctx, next)
		}
	}
}

// Finish stops the ticker, jumps to the post-processing ceiling, and
// animates the remainder to 100. Call only after the real work is verified
// done.
func (h *Heartbeat) Finish(ctx context.Context) {
	h.Stop()
	h.advanceTo(ctx, h.cfg.WorkCeiling)
	span := Scale - h.cfg.WorkCeiling
	for i := 1; i <= h.cfg.FinishSteps; i++ {
		time.Sleep(h.cfg.FinishDelay)
		h.advanceTo(ctx, h.cfg.WorkCeiling+span*i/h.cfg.FinishSteps)
	}
}

// Stop halts ticking without finalizing; the last persisted value stands.
// Safe to call more than once.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

// Value returns the current counter, for tests and logging.
func (h *Heartbeat) Value() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// advanceTo moves the counter forward to target, never backward, and
// persists the new value immediately.
func (h *Heartbeat) advanceTo(ctx context.Context, target int) {
	h.mu.Lock()
	if target <= h.current {
		h.mu.Unlock()
		return
	}
	if target > Scale {
		target = Scale
	}
	h.current = target
	h.mu.Unlock()

	if err := h.store.UpdateProgress(ctx, h.jobID, Scale, target); err != nil {
		h.logger.Warn("heartbeat progress persist failed",
			zap.String("job_id", h.jobID),
			zap.Int("value", target),
			zap.Error(err),
		)
	}
}
