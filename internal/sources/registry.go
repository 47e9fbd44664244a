// Package sources holds the scraper adapters for upstream feedback sites
// and the registry the orchestrator resolves them through.
package sources

import (
	"sort"
	"sync"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
)

// Registry maps source names to their scraper implementations. It is
// populated once at startup from configuration; lookups afterward are
// read-only and cheap.
type Registry struct {
	mu       sync.RWMutex
	scrapers map[string]feedback.Scraper
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{scrapers: make(map[string]feedback.Scraper)}
}

// Register binds a scraper under its own name. Re-registering a name
// replaces the previous binding.
func (r *Registry) Register(s feedback.Scraper) {
	if s == nil || s.Name() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrapers[s.Name()] = s
}

// Lookup resolves a source name.
func (r *Registry) Lookup(name string) (feedback.Scraper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scrapers[name]
	return s, ok
}

// Names lists registered sources in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scrapers))
	for name := range r.scrapers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
