// Package feedback defines the core types shared across the orchestration
// subsystems.
package feedback

import (
	"time"
)

// JobStatus represents the lifecycle state of a scraping job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobKind distinguishes the two supported job shapes.
type JobKind string

// Supported job kinds.
const (
	// KindSingleSource runs one long call against a single source; progress
	// is reported on the synthetic heartbeat scale.
	KindSingleSource JobKind = "single-source"
	// KindKeywordSweep fans a set of keywords across a set of sources;
	// progress counts completed (keyword, source) tasks.
	KindKeywordSweep JobKind = "multi-keyword-sweep"
)

// TaskSpec is one (source, query, limit) scraping invocation within a job.
type TaskSpec struct {
	Source string `json:"source"`
	Query  string `json:"query"`
	Limit  int    `json:"limit"`
}

// Progress tracks completed work against a total fixed at job creation.
// Completed never decreases and never exceeds Total.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// Record is one opaque feedback item returned by a source scraper. The
// orchestrator only inspects the Source tag; everything else passes through.
type Record struct {
	Source    string         `json:"source"`
	Query     string         `json:"query,omitempty"`
	URL       string         `json:"url,omitempty"`
	Title     string         `json:"title,omitempty"`
	Body      string         `json:"body,omitempty"`
	Author    string         `json:"author,omitempty"`
	FetchedAt time.Time      `json:"fetched_at,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// TaskError records a failed task without aborting the job.
type TaskError struct {
	Source  string    `json:"source"`
	Query   string    `json:"query"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Job is the persisted unit of orchestrated work. Payload is computed once at
// creation and never changes; Results and Errors are append-only.
type Job struct {
	ID              string      `json:"id"`
	Kind            JobKind     `json:"kind"`
	Payload         []TaskSpec  `json:"payload"`
	Status          JobStatus   `json:"status"`
	Priority        int         `json:"priority"`
	Attempts        int         `json:"attempts"`
	MaxAttempts     int         `json:"max_attempts"`
	Progress        Progress    `json:"progress"`
	Results         []Record    `json:"results"`
	Errors          []TaskError `json:"errors"`
	ErrorText       string      `json:"error_text,omitempty"`
	CancelRequested bool        `json:"cancel_requested"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// QueueStats summarizes queue occupancy for operators.
type QueueStats struct {
	Pending        int64 `json:"pending"`
	Processing     int64 `json:"processing"`
	CompletedToday int64 `json:"completed_today"`
}

// JobStatusView is the polling contract served to external callers.
type JobStatusView struct {
	ID       string      `json:"id"`
	Status   JobStatus   `json:"status"`
	Progress Progress    `json:"progress"`
	Results  []Record    `json:"results"`
	Errors   []TaskError `json:"errors"`
	Error    string      `json:"error,omitempty"`
}

// StatusView projects a job into the shape polled by external callers.
func (j Job) StatusView() JobStatusView {
	return JobStatusView{
		ID:       j.ID,
		Status:   j.Status,
		Progress: j.Progress,
		Results:  j.Results,
		Errors:   j.Errors,
		Error:    j.ErrorText,
	}
}
