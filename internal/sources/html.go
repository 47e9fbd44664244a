package sources

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
	"github.com/feedbackforge/scrape-orchestrator/internal/httpx"
)

// HTMLConfig describes a site whose feedback renders as a server-side HTML
// list. The CSS selectors arrive from configuration so one adapter covers
// many review sites.
type HTMLConfig struct {
	Name string `mapstructure:"name"`
	// SearchURL is the listing URL; "{query}" is substituted per call.
	SearchURL string `mapstructure:"search_url"`
	// ItemSelector matches one feedback item in the listing.
	ItemSelector string `mapstructure:"item_selector"`
	// Selectors below are evaluated relative to each item.
	TitleSelector  string `mapstructure:"title_selector"`
	BodySelector   string `mapstructure:"body_selector"`
	AuthorSelector string `mapstructure:"author_selector"`
	// LinkSelector names an element whose href becomes the record URL;
	// empty means the item element itself carries the href.
	LinkSelector string `mapstructure:"link_selector"`

	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// HTMLScraper scrapes server-rendered listing pages with a colly collector.
// Visits run through the shared breaker registry and retry policy via
// httpx.Client.Call, so HTML sources and API sources share failure history.
type HTMLScraper struct {
	cfg    HTMLConfig
	client *httpx.Client
	base   *colly.Collector
	logger *zap.Logger
}

// NewHTMLScraper builds an adapter for one listing site.
func NewHTMLScraper(cfg HTMLConfig, client *httpx.Client, logger *zap.Logger) *HTMLScraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	})
	return &HTMLScraper{cfg: cfg, client: client, base: c, logger: logger}
}

// Name implements feedback.Scraper.
func (s *HTMLScraper) Name() string { return s.cfg.Name }

// Scrape visits the listing page for query and extracts up to limit records.
func (s *HTMLScraper) Scrape(ctx context.Context, query string, limit int) ([]feedback.Record, error) {
	target := strings.ReplaceAll(s.cfg.SearchURL, "{query}", url.QueryEscape(query))

	var records []feedback.Record
	err := s.client.Call(ctx, s.cfg.Name, func(ctx context.Context) error {
		recs, err := s.visit(ctx, target, query, limit)
		if err != nil {
			return err
		}
		records = recs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *HTMLScraper) visit(ctx context.Context, target, query string, limit int) ([]feedback.Record, error) {
	collector := s.base.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = false
	timeout := s.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var (
		records  []feedback.Record
		visitErr error
	)
	collector.OnHTML(s.cfg.ItemSelector, func(e *colly.HTMLElement) {
		if limit > 0 && len(records) >= limit {
			return
		}
		records = append(records, s.extract(e, query))
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			visitErr = &httpx.StatusError{StatusCode: r.StatusCode, URL: target}
			return
		}
		visitErr = err
	})

	// Visit blocks without looking at ctx; run it aside so cancellation
	// still unblocks the caller.
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s fetch canceled: %w", s.cfg.Name, ctx.Err())
	case err := <-done:
		if visitErr != nil {
			return nil, fmt.Errorf("%s fetch: %w", s.cfg.Name, visitErr)
		}
		if err != nil {
			return nil, fmt.Errorf("%s visit: %w", s.cfg.Name, err)
		}
	}
	return records, nil
}

func (s *HTMLScraper) extract(e *colly.HTMLElement, query string) feedback.Record {
	rec := feedback.Record{
		Source:    s.cfg.Name,
		Query:     query,
		FetchedAt: time.Now().UTC(),
	}
	if s.cfg.TitleSelector != "" {
		rec.Title = strings.TrimSpace(e.ChildText(s.cfg.TitleSelector))
	}
	if s.cfg.BodySelector != "" {
		rec.Body = strings.TrimSpace(e.ChildText(s.cfg.BodySelector))
	}
	if s.cfg.AuthorSelector != "" {
		rec.Author = strings.TrimSpace(e.ChildText(s.cfg.AuthorSelector))
	}
	href := e.Attr("href")
	if s.cfg.LinkSelector != "" {
		href = e.ChildAttr(s.cfg.LinkSelector, "href")
	}
	if href != "" {
		rec.URL = e.Request.AbsoluteURL(href)
	}
	return rec
}
