package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
)

// StaticScraper serves canned records without touching the network. It backs
// local development and exercises the pipeline end to end in tests.
type StaticScraper struct {
	name string

	mu      sync.Mutex
	records []feedback.Record
	err     error
	delay   time.Duration
	calls   int
}

// NewStaticScraper builds a scraper that returns the given records tagged
// with its own name.
func NewStaticScraper(name string, records []feedback.Record) *StaticScraper {
	return &StaticScraper{name: name, records: records}
}

// Name implements feedback.Scraper.
func (s *StaticScraper) Name() string { return s.name }

// SetError makes subsequent calls fail with err; nil restores success.
func (s *StaticScraper) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SetDelay makes each call wait d before responding, honoring ctx.
func (s *StaticScraper) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls reports how many times Scrape was invoked.
func (s *StaticScraper) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Scrape returns up to limit canned records matching nothing in particular;
// the query is echoed into each record.
func (s *StaticScraper) Scrape(ctx context.Context, query string, limit int) ([]feedback.Record, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	delay := s.delay
	canned := s.records
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}

	n := len(canned)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]feedback.Record, n)
	for i := range out {
		out[i] = canned[i]
		out[i].Source = s.name
		out[i].Query = query
		if out[i].FetchedAt.IsZero() {
			out[i].FetchedAt = time.Now().UTC()
		}
	}
	return out, nil
}
