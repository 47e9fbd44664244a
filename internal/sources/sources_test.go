package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/breaker"
	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
	"github.com/feedbackforge/scrape-orchestrator/internal/httpx"
	"github.com/feedbackforge/scrape-orchestrator/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func newTestClient(t *testing.T) *httpx.Client {
	t.Helper()
	registry := breaker.NewRegistry(breaker.Config{}, zap.NewNop())
	return httpx.New(httpx.Config{
		MaxRetries:     1,
		BaseDelay:      time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}, registry, zap.NewNop())
}

func TestRegistryLookupAndNames(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(NewStaticScraper("bravo", nil))
	r.Register(NewStaticScraper("alpha", nil))

	_, ok := r.Lookup("alpha")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"alpha", "bravo"}, r.Names())
}

func TestRegistryReplacesOnReRegister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := NewStaticScraper("site", nil)
	second := NewStaticScraper("site", nil)
	r.Register(first)
	r.Register(second)

	got, ok := r.Lookup("site")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestStaticScraperTagsAndLimits(t *testing.T) {
	t.Parallel()

	s := NewStaticScraper("reviews", []feedback.Record{
		{Title: "great"}, {Title: "fine"}, {Title: "bad"},
	})
	records, err := s.Scrape(context.Background(), "acme", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, "reviews", rec.Source)
		assert.Equal(t, "acme", rec.Query)
		assert.False(t, rec.FetchedAt.IsZero())
	}
	assert.Equal(t, 1, s.Calls())
}

func TestStaticScraperHonorsCancel(t *testing.T) {
	t.Parallel()

	s := NewStaticScraper("slow", []feedback.Record{{Title: "x"}})
	s.SetDelay(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := s.Scrape(ctx, "acme", 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAPIScraperMapsFields(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme anvils", r.URL.Query().Get("q"))
		assert.Equal(t, "5", r.URL.Query().Get("n"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[
			{"heading":"Broke on day one","text":"Handle snapped.","link":"https://example.com/r/1","user":"wile-e","stars":1},
			{"heading":"Works fine","text":"No complaints.","link":"https://example.com/r/2","user":"roadrunner","stars":5}
		]}`))
	}))
	defer srv.Close()

	s := NewAPIScraper(APIConfig{
		Name:     "anvil-reviews",
		Endpoint: srv.URL + "?q={query}&n={limit}",
		ItemsKey: "items",
		Fields: map[string]string{
			"title":  "heading",
			"body":   "text",
			"url":    "link",
			"author": "user",
		},
	}, newTestClient(t), zap.NewNop())

	records, err := s.Scrape(context.Background(), "acme anvils", 5)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "anvil-reviews", records[0].Source)
	assert.Equal(t, "acme anvils", records[0].Query)
	assert.Equal(t, "Broke on day one", records[0].Title)
	assert.Equal(t, "Handle snapped.", records[0].Body)
	assert.Equal(t, "https://example.com/r/1", records[0].URL)
	assert.Equal(t, "wile-e", records[0].Author)
	// Unmapped response keys pass through untouched.
	assert.Equal(t, float64(1), records[0].Extra["stars"])
}

func TestAPIScraperTruncatesAtLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"t":"a"},{"t":"b"},{"t":"c"}]`))
	}))
	defer srv.Close()

	s := NewAPIScraper(APIConfig{
		Name:     "site",
		Endpoint: srv.URL + "?q={query}",
		Fields:   map[string]string{"title": "t"},
	}, newTestClient(t), zap.NewNop())

	records, err := s.Scrape(context.Background(), "q", 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestAPIScraperSurfacesClientErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewAPIScraper(APIConfig{
		Name:     "site",
		Endpoint: srv.URL,
	}, newTestClient(t), zap.NewNop())

	_, err := s.Scrape(context.Background(), "q", 1)
	var statusErr *httpx.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestAPIScraperMissingItemsKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	s := NewAPIScraper(APIConfig{
		Name:     "site",
		Endpoint: srv.URL,
		ItemsKey: "items",
	}, newTestClient(t), zap.NewNop())

	_, err := s.Scrape(context.Background(), "q", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing "items"`)
}

func TestHTMLScraperExtractsListing(t *testing.T) {
	t.Parallel()

	const page = `<html><body><ul>
		<li class="review">
			<h3 class="title">Love it</h3>
			<p class="body">Best purchase this year.</p>
			<span class="author">pat</span>
			<a class="more" href="/reviews/10">more</a>
		</li>
		<li class="review">
			<h3 class="title">Meh</h3>
			<p class="body">It is a product.</p>
			<span class="author">sam</span>
			<a class="more" href="/reviews/11">more</a>
		</li>
	</ul></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	s := NewHTMLScraper(HTMLConfig{
		Name:           "review-site",
		SearchURL:      srv.URL + "?q={query}",
		ItemSelector:   "li.review",
		TitleSelector:  "h3.title",
		BodySelector:   "p.body",
		AuthorSelector: "span.author",
		LinkSelector:   "a.more",
	}, newTestClient(t), zap.NewNop())

	records, err := s.Scrape(context.Background(), "acme", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "Love it", records[0].Title)
	assert.Equal(t, "Best purchase this year.", records[0].Body)
	assert.Equal(t, "pat", records[0].Author)
	assert.Equal(t, srv.URL+"/reviews/10", records[0].URL)
	assert.Equal(t, "review-site", records[1].Source)
	assert.Equal(t, "Meh", records[1].Title)
}

func TestHTMLScraperStopsAtLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<div class="r">a</div><div class="r">b</div><div class="r">c</div>`))
	}))
	defer srv.Close()

	s := NewHTMLScraper(HTMLConfig{
		Name:         "site",
		SearchURL:    srv.URL,
		ItemSelector: "div.r",
	}, newTestClient(t), zap.NewNop())

	records, err := s.Scrape(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestHTMLScraperReportsUpstreamStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	s := NewHTMLScraper(HTMLConfig{
		Name:         "site",
		SearchURL:    srv.URL,
		ItemSelector: "div",
	}, newTestClient(t), zap.NewNop())

	_, err := s.Scrape(context.Background(), "q", 1)
	var statusErr *httpx.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusGone, statusErr.StatusCode)
}

func TestHeadlessScraperRejectsNegativeParallel(t *testing.T) {
	t.Parallel()

	_, err := NewHeadlessScraper(HeadlessConfig{Name: "site", MaxParallel: -1}, nil, nil)
	require.Error(t, err)
}

func TestHeadlessScraperExtract(t *testing.T) {
	t.Parallel()

	s, err := NewHeadlessScraper(HeadlessConfig{
		Name:          "spa-site",
		ItemSelector:  "div.card",
		TitleSelector: "h2",
		BodySelector:  "p",
		LinkSelector:  "a",
	}, nil, nil)
	require.NoError(t, err)
	defer s.Close()

	rendered := `<html><body>
		<div class="card"><h2>Solid</h2><p>Does what it says.</p><a href="/item/1">link</a></div>
		<div class="card"><h2>Flaky</h2><p>Crashes often.</p><a href="/item/2">link</a></div>
	</body></html>`
	records, err := s.extract(rendered, "https://spa.example.com/search", "acme", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Solid", records[0].Title)
	assert.Equal(t, "Does what it says.", records[0].Body)
	assert.Equal(t, "https://spa.example.com/item/1", records[0].URL)
	assert.Equal(t, "spa-site", records[1].Source)
}

func TestStaticScraperErrorWraps(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := NewStaticScraper("site", nil)
	s.SetError(boom)

	_, err := s.Scrape(context.Background(), "q", 1)
	require.ErrorIs(t, err, boom)
}
