package feedback

import (
	"context"
	"time"
)

// Scraper fetches feedback records for one upstream source. Implementations
// are looked up once at startup from the source registry; the orchestrator
// never trusts them to return well-formed data or to return at all.
type Scraper interface {
	// Name returns the source identifier used for circuit breaking and
	// record validation.
	Name() string
	// Scrape returns up to limit records matching query. It must honor ctx
	// cancellation but may otherwise block, fail, or panic.
	Scrape(ctx context.Context, query string, limit int) ([]Record, error)
}

// SourceRegistry resolves source names to their scraper implementations.
// Populated once at startup; lookups are read-only afterward.
type SourceRegistry interface {
	Lookup(name string) (Scraper, bool)
	Names() []string
}

// Queue provides durable priority ordering of jobs. Implementations must pop
// atomically so a job is delivered to exactly one worker.
type Queue interface {
	// Enqueue inserts a pending job, ordered by priority (descending) then
	// enqueue time (ascending).
	Enqueue(ctx context.Context, jobID string, priority int) error
	// EnqueueDelayed schedules a job to become ready at readyAt.
	EnqueueDelayed(ctx context.Context, jobID string, priority int, readyAt time.Time) error
	// Dequeue pops the highest-priority ready job, blocking up to wait when
	// wait > 0. It returns "" when no work is available; it never errors for
	// an empty queue.
	Dequeue(ctx context.Context, wait time.Duration) (string, error)
	// Ack removes a delivered job from in-flight tracking. completed marks
	// the job against the daily completion counter.
	Ack(ctx context.Context, jobID string, completed bool) error
	// Remove drops a job from the ready and scheduled sets (cancellation).
	Remove(ctx context.Context, jobID string) error
	// Stats reports queue occupancy.
	Stats(ctx context.Context) (QueueStats, error)
}

// JobStore persists job records and incremental execution state. Both the
// durable and in-memory implementations satisfy identical semantics so
// callers never branch on backend type.
type JobStore interface {
	// Save upserts the full job record.
	Save(ctx context.Context, job Job) error
	Load(ctx context.Context, jobID string) (Job, error)
	UpdateStatus(ctx context.Context, jobID string, status JobStatus) error
	// RequestCancel raises the cooperative cancellation flag. Never blocks on
	// in-flight work and is a no-op for terminal jobs.
	RequestCancel(ctx context.Context, jobID string) error
	// CancelRequested reads the cancellation flag; polled by the
	// orchestrator at its cancellation checkpoints.
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	UpdateProgress(ctx context.Context, jobID string, total, completed int) error
	AppendResult(ctx context.Context, jobID string, rec Record) error
	AppendError(ctx context.Context, jobID string, taskErr TaskError) error
	Finalize(ctx context.Context, jobID string, status JobStatus, errText string) error
	List(ctx context.Context, status JobStatus, limit int) ([]Job, error)
}

// Archiver stores an immutable audit copy of a finished job's results.
type Archiver interface {
	Archive(ctx context.Context, job Job) (string, error)
}

// Publisher pushes job lifecycle notifications to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (swappable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
