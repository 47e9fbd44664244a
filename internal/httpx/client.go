// Package httpx provides the retrying outbound client used by source
// scrapers. Every attempt is routed through the per-source circuit breaker
// so all call sites share failure history for an upstream.
package httpx

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/breaker"
	"github.com/feedbackforge/scrape-orchestrator/internal/metrics"
)

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Retryable reports whether the response class is worth another attempt.
// Server-side failures are; client errors are not.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500
}

// Config controls retry and timeout behavior.
type Config struct {
	MaxRetries     int           // extra attempts after the first (default 3)
	BaseDelay      time.Duration // first backoff delay (default 2s)
	BackoffFactor  float64       // multiplier per attempt (default 2.0)
	MaxDelay       time.Duration // backoff ceiling (default 60s)
	ConnectTimeout time.Duration // dial deadline (default 10s)
	RequestTimeout time.Duration // whole-request deadline (default 30s)
	UserAgent      string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Response carries the body and status of a successful request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client retries outbound calls with exponential backoff, breaking the
// circuit per source.
type Client struct {
	cfg      Config
	http     *http.Client
	breakers *breaker.Registry
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds a Client sharing the given breaker registry.
func New(cfg Config, breakers *breaker.Registry, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		breakers: breakers,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Get issues a GET against url on behalf of source, retrying retryable
// failures with backoff. A 4xx fails immediately; an open circuit fails
// immediately with breaker.ErrOpen and is never retried.
func (c *Client) Get(ctx context.Context, source, url string) (*Response, error) {
	var resp *Response
	err := c.Call(ctx, source, func(ctx context.Context) error {
		r, err := c.attempt(ctx, source, url)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Call runs fn (an arbitrary outbound operation for source) through the
// breaker with the same retry policy Get uses. Scrapers that speak something
// other than plain HTTP reuse this path.
func (c *Client) Call(ctx context.Context, source string, fn func(ctx context.Context) error) error {
	br := c.breakers.For(source)
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.ObserveRetry(source)
			delay := c.backoff(attempt - 1)
			c.logger.Debug("retrying upstream call",
				zap.String("source", source),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}
		err := br.Call(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, breaker.ErrOpen) {
			// Distinct from exhausted retries: the upstream is disabled and
			// waiting out the backoff would not help.
			return err
		}
		if !Retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("retries exhausted for %s: %w", source, lastErr)
}

func (c *Client) attempt(ctx context.Context, source, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", source, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		// Drain so the connection can be reused before we report the status.
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
		return nil, &StatusError{StatusCode: res.StatusCode, URL: url}
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read body: %w", source, err)
	}
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: body}, nil
}

// Retryable classifies err: network and timeout failures and HTTP 5xx are
// retryable, HTTP 4xx and context cancellation are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unknown transport-level failure; give the upstream another chance.
	return true
}

// backoff computes baseDelay * factor^attempt with jitter, capped at MaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.cfg.BaseDelay) * math.Pow(c.cfg.BackoffFactor, float64(attempt))
	if delay > float64(c.cfg.MaxDelay) {
		delay = float64(c.cfg.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
