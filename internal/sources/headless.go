package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
	"github.com/feedbackforge/scrape-orchestrator/internal/httpx"
)

// HeadlessConfig describes a site whose feedback only appears after
// client-side rendering. Selectors follow the same contract as HTMLConfig.
type HeadlessConfig struct {
	Name string `mapstructure:"name"`
	// SearchURL is the listing URL; "{query}" is substituted per call.
	SearchURL string `mapstructure:"search_url"`
	// WaitSelector is the element whose readiness signals the page has
	// rendered; empty waits on body.
	WaitSelector   string `mapstructure:"wait_selector"`
	ItemSelector   string `mapstructure:"item_selector"`
	TitleSelector  string `mapstructure:"title_selector"`
	BodySelector   string `mapstructure:"body_selector"`
	AuthorSelector string `mapstructure:"author_selector"`
	LinkSelector   string `mapstructure:"link_selector"`

	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

// HeadlessScraper renders listing pages in headless Chrome via chromedp and
// extracts records from the rendered DOM. Browser tabs are capped by a
// limiter channel shared across all calls to this scraper.
type HeadlessScraper struct {
	cfg         HeadlessConfig
	client      *httpx.Client
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewHeadlessScraper builds an adapter for one JavaScript-rendered site. The
// returned scraper owns a browser allocator; call Close on shutdown.
func NewHeadlessScraper(cfg HeadlessConfig, client *httpx.Client, logger *zap.Logger) (*HeadlessScraper, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &HeadlessScraper{
		cfg:         cfg,
		client:      client,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the browser allocator.
func (s *HeadlessScraper) Close() {
	s.allocCancel()
}

// Name implements feedback.Scraper.
func (s *HeadlessScraper) Name() string { return s.cfg.Name }

// Scrape renders the listing page and extracts up to limit records. The
// render runs through the shared retry and breaker policy.
func (s *HeadlessScraper) Scrape(ctx context.Context, query string, limit int) ([]feedback.Record, error) {
	target := strings.ReplaceAll(s.cfg.SearchURL, "{query}", url.QueryEscape(query))

	var html string
	err := s.client.Call(ctx, s.cfg.Name, func(ctx context.Context) error {
		rendered, err := s.render(ctx, target)
		if err != nil {
			return err
		}
		html = rendered
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.extract(html, target, query, limit)
}

func (s *HeadlessScraper) render(ctx context.Context, target string) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout)
	defer cancel()

	// Cancel the tab when the caller's context goes away; chromedp contexts
	// descend from the allocator, not from ctx.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	wait := s.cfg.WaitSelector
	if wait == "" {
		wait = "body"
	}

	var html string
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitReady(wait, chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", fmt.Errorf("%s render: %w", s.cfg.Name, err)
	}
	return html, nil
}

func (s *HeadlessScraper) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *HeadlessScraper) extract(html, target, query string, limit int) ([]feedback.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%s parse rendered page: %w", s.cfg.Name, err)
	}
	var records []feedback.Record
	doc.Find(s.cfg.ItemSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if limit > 0 && len(records) >= limit {
			return false
		}
		rec := feedback.Record{
			Source:    s.cfg.Name,
			Query:     query,
			FetchedAt: time.Now().UTC(),
		}
		if s.cfg.TitleSelector != "" {
			rec.Title = strings.TrimSpace(sel.Find(s.cfg.TitleSelector).First().Text())
		}
		if s.cfg.BodySelector != "" {
			rec.Body = strings.TrimSpace(sel.Find(s.cfg.BodySelector).First().Text())
		}
		if s.cfg.AuthorSelector != "" {
			rec.Author = strings.TrimSpace(sel.Find(s.cfg.AuthorSelector).First().Text())
		}
		href, _ := sel.Attr("href")
		if s.cfg.LinkSelector != "" {
			href, _ = sel.Find(s.cfg.LinkSelector).First().Attr("href")
		}
		if href != "" {
			rec.URL = absoluteURL(target, href)
		}
		records = append(records, rec)
		return true
	})
	return records, nil
}

func (s *HeadlessScraper) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (s *HeadlessScraper) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

// absoluteURL resolves href against the page the record came from.
func absoluteURL(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	h, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(h).String()
}
