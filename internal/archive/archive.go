// Package archive writes immutable audit copies of finished jobs to a blob
// store. The store abstraction keeps the archiver independent of a specific
// backend (Google Cloud Storage or the local filesystem).
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
)

// BlobStore abstracts the operation of saving one object.
type BlobStore interface {
	// PutObject uploads data under path and returns the object's URI.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// JobArchiver snapshots completed jobs as JSON blobs, keyed by completion
// date so archives shard naturally by day.
type JobArchiver struct {
	store  BlobStore
	clock  feedback.Clock
	logger *zap.Logger
}

// New builds a JobArchiver over the given blob store.
func New(store BlobStore, clock feedback.Clock, logger *zap.Logger) *JobArchiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobArchiver{store: store, clock: clock, logger: logger}
}

// Archive writes the full job record and returns the archive URI.
func (a *JobArchiver) Archive(ctx context.Context, job feedback.Job) (string, error) {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	when := a.clock.Now().UTC()
	if job.CompletedAt != nil {
		when = job.CompletedAt.UTC()
	}
	path := fmt.Sprintf("jobs/%s/%s.json", when.Format("2006/01/02"), job.ID)

	uri, err := a.store.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	a.logger.Debug("archived job",
		zap.String("job_id", job.ID),
		zap.String("uri", uri),
	)
	return uri, nil
}
