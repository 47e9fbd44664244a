package breaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry hands out one Breaker per source name, created lazily on first
// use and kept for the process lifetime.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds a Registry applying cfg to every breaker it creates.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the shared Breaker for source, creating it if needed.
func (r *Registry) For(source string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[source]; ok {
		return b
	}
	b := New(source, r.cfg, r.logger)
	r.breakers[source] = b
	return b
}

// States snapshots the current state of every known breaker.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
