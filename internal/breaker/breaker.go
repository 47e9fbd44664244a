// Package breaker implements per-source circuit breaking for upstream
// scraping calls.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/metrics"
)

// ErrOpen is returned when a call is rejected because the breaker is open.
// Callers can distinguish it from exhausted retries via errors.Is.
var ErrOpen = errors.New("circuit open")

// State is the breaker position for one source.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a Breaker. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold trips the breaker after this many consecutive
	// failures while closed (default 5).
	FailureThreshold int
	// OpenTimeout is how long the breaker rejects calls before probing the
	// upstream again (default 60s).
	OpenTimeout time.Duration
	// SuccessThreshold closes the breaker after this many consecutive
	// successes while half-open (default 2).
	SuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Breaker guards calls to a single upstream source. All call sites for a
// source share one Breaker via the Registry so failure history is global
// within the process.
type Breaker struct {
	source string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

// New constructs a Breaker for source. Prefer Registry.For outside tests.
func New(source string, cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		source: source,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call invokes fn under the breaker's state machine. While open and inside
// the cooldown window it fails fast with ErrOpen without invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.lastFailure) < b.cfg.OpenTimeout {
		return fmt.Errorf("%s: %w", b.source, ErrOpen)
	}
	b.state = StateHalfOpen
	b.successes = 0
	b.logger.Info("circuit half-open, probing upstream", zap.String("source", b.source))
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure()
		return
	}
	b.onSuccess()
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			metrics.SetBreakerOpen(b.source, false)
			b.logger.Info("circuit closed after recovery", zap.String("source", b.source))
		}
	default:
		b.failures = 0
	}
}

func (b *Breaker) onFailure() {
	b.lastFailure = b.now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		metrics.SetBreakerOpen(b.source, true)
		b.logger.Warn("circuit reopened, upstream still failing", zap.String("source", b.source))
	default:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			metrics.SetBreakerOpen(b.source, true)
			b.logger.Error("circuit opened",
				zap.String("source", b.source),
				zap.Int("consecutive_failures", b.failures),
			)
		}
	}
}

// Reset forces the breaker back to closed. Operator action only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}
