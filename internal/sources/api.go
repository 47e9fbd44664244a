package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
	"github.com/feedbackforge/scrape-orchestrator/internal/httpx"
)

// APIConfig describes a JSON-speaking upstream. The adapter stays generic:
// which site it talks to and which response keys matter arrive as data.
type APIConfig struct {
	// Name is the source identifier.
	Name string `mapstructure:"name"`
	// Endpoint is the request URL; "{query}" and "{limit}" placeholders are
	// substituted per call.
	Endpoint string `mapstructure:"endpoint"`
	// ItemsKey optionally names the top-level field holding the result
	// array; empty means the response body is the array itself.
	ItemsKey string `mapstructure:"items_key"`
	// Fields maps record fields (title, body, url, author) to response
	// object keys.
	Fields map[string]string `mapstructure:"fields"`
}

// APIScraper scrapes sources that expose a JSON search endpoint. All
// transport concerns (retry, backoff, circuit breaking, timeouts) live in
// the shared client.
type APIScraper struct {
	cfg    APIConfig
	client *httpx.Client
	logger *zap.Logger
}

// NewAPIScraper builds an adapter for one JSON upstream.
func NewAPIScraper(cfg APIConfig, client *httpx.Client, logger *zap.Logger) *APIScraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIScraper{cfg: cfg, client: client, logger: logger}
}

// Name implements feedback.Scraper.
func (s *APIScraper) Name() string { return s.cfg.Name }

// Scrape queries the endpoint and maps response objects onto records.
func (s *APIScraper) Scrape(ctx context.Context, query string, limit int) ([]feedback.Record, error) {
	endpoint := strings.NewReplacer(
		"{query}", url.QueryEscape(query),
		"{limit}", fmt.Sprintf("%d", limit),
	).Replace(s.cfg.Endpoint)

	resp, err := s.client.Get(ctx, s.cfg.Name, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", s.cfg.Name, err)
	}

	items, err := s.decodeItems(resp.Body)
	if err != nil {
		return nil, err
	}

	records := make([]feedback.Record, 0, limit)
	for _, item := range items {
		if limit > 0 && len(records) >= limit {
			break
		}
		records = append(records, s.toRecord(query, item))
	}
	return records, nil
}

func (s *APIScraper) decodeItems(body []byte) ([]map[string]any, error) {
	if s.cfg.ItemsKey == "" {
		var items []map[string]any
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("%s decode response: %w", s.cfg.Name, err)
		}
		return items, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%s decode envelope: %w", s.cfg.Name, err)
	}
	raw, ok := envelope[s.cfg.ItemsKey]
	if !ok {
		return nil, fmt.Errorf("%s response missing %q", s.cfg.Name, s.cfg.ItemsKey)
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%s decode items: %w", s.cfg.Name, err)
	}
	return items, nil
}

func (s *APIScraper) toRecord(query string, item map[string]any) feedback.Record {
	rec := feedback.Record{
		Source:    s.cfg.Name,
		Query:     query,
		FetchedAt: time.Now().UTC(),
		Extra:     map[string]any{},
	}
	pick := func(field string) string {
		key, ok := s.cfg.Fields[field]
		if !ok {
			return ""
		}
		v, _ := item[key].(string)
		return v
	}
	rec.Title = pick("title")
	rec.Body = pick("body")
	rec.URL = pick("url")
	rec.Author = pick("author")

	mapped := make(map[string]bool, len(s.cfg.Fields))
	for _, key := range s.cfg.Fields {
		mapped[key] = true
	}
	for key, val := range item {
		if !mapped[key] {
			rec.Extra[key] = val
		}
	}
	return rec
}
