package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedbackforge/scrape-orchestrator/internal/clock/system"
	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
	"github.com/feedbackforge/scrape-orchestrator/internal/queue"
	"github.com/feedbackforge/scrape-orchestrator/internal/sources"
	"github.com/feedbackforge/scrape-orchestrator/internal/store"
)

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

func newTestServer(t *testing.T, ping Pinger) (*Server, *queue.JobQueue) {
	t.Helper()
	jq := queue.NewJobQueue(queue.NewMemory(), store.NewMemory(), system.New(), &seqIDs{}, 3, nil)
	reg := sources.NewRegistry()
	reg.Register(sources.NewStaticScraper("alpha", nil))
	reg.Register(sources.NewStaticScraper("beta", nil))
	return NewServer(jq, reg, ping, Config{}, nil), jq
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzReflectsPing(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, func(context.Context) error { return errors.New("down") })
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv, _ = newTestServer(t, func(context.Context) error { return nil })
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitSingleSourceJob(t *testing.T) {
	t.Parallel()

	srv, jq := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/",
		`{"kind":"single-source","source":"alpha","query":"acme","limit":10,"priority":5}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])

	job, err := jq.Get(context.Background(), resp["job_id"])
	require.NoError(t, err)
	assert.Equal(t, feedback.KindSingleSource, job.Kind)
	assert.Equal(t, 5, job.Priority)
	require.Len(t, job.Payload, 1)
	assert.Equal(t, "alpha", job.Payload[0].Source)
	// Synthetic heartbeat scale for single-source jobs.
	assert.Equal(t, 100, job.Progress.Total)
}

func TestSubmitSweepExpandsProduct(t *testing.T) {
	t.Parallel()

	srv, jq := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/",
		`{"kind":"multi-keyword-sweep","keywords":["a","b"],"sources":["alpha","beta"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	job, err := jq.Get(context.Background(), resp["job_id"])
	require.NoError(t, err)
	assert.Len(t, job.Payload, 4)
	assert.Equal(t, 4, job.Progress.Total)
	// Omitted limit falls back to the server default.
	assert.Equal(t, 50, job.Payload[0].Limit)
}

func TestSubmitSweepDefaultsToAllSources(t *testing.T) {
	t.Parallel()

	srv, jq := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/",
		`{"kind":"multi-keyword-sweep","keywords":["x"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	job, err := jq.Get(context.Background(), resp["job_id"])
	require.NoError(t, err)
	assert.Len(t, job.Payload, 2)
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	cases := []struct {
		name string
		body string
	}{
		{"invalid JSON", "{"},
		{"unknown kind", `{"kind":"nope"}`},
		{"missing source", `{"kind":"single-source","query":"q"}`},
		{"unknown source", `{"kind":"single-source","source":"ghost","query":"q"}`},
		{"missing query", `{"kind":"single-source","source":"alpha"}`},
		{"missing keywords", `{"kind":"multi-keyword-sweep"}`},
		{"unknown sweep source", `{"kind":"multi-keyword-sweep","keywords":["x"],"sources":["ghost"]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/v1/jobs/", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitRejectsOversizedSweep(t *testing.T) {
	t.Parallel()

	jq := queue.NewJobQueue(queue.NewMemory(), store.NewMemory(), system.New(), &seqIDs{}, 3, nil)
	reg := sources.NewRegistry()
	reg.Register(sources.NewStaticScraper("alpha", nil))
	srv := NewServer(jq, reg, nil, Config{MaxTasks: 2}, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/",
		`{"kind":"multi-keyword-sweep","keywords":["a","b","c"],"sources":["alpha"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "too many tasks")
}

func TestJobStatusAndCancel(t *testing.T) {
	t.Parallel()

	srv, jq := newTestServer(t, nil)
	h := srv.Handler()

	jobID, err := jq.Enqueue(context.Background(), feedback.KindKeywordSweep,
		[]feedback.TaskSpec{{Source: "alpha", Query: "q", Limit: 1}}, 0)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodGet, "/v1/jobs/"+jobID+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view feedback.JobStatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, jobID, view.ID)
	assert.Equal(t, feedback.JobStatusPending, view.Status)
	assert.Equal(t, 1, view.Progress.Total)

	rec = doJSON(t, h, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Pending jobs cancel immediately.
	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/"+jobID+"/status", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, feedback.JobStatusCancelled, view.Status)
}

func TestJobStatusNotFound(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs/ghost/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/ghost/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsFiltersByStatus(t *testing.T) {
	t.Parallel()

	srv, jq := newTestServer(t, nil)
	h := srv.Handler()

	ctx := context.Background()
	_, err := jq.Enqueue(ctx, feedback.KindKeywordSweep,
		[]feedback.TaskSpec{{Source: "alpha", Query: "a", Limit: 1}}, 0)
	require.NoError(t, err)
	cancelled, err := jq.Enqueue(ctx, feedback.KindKeywordSweep,
		[]feedback.TaskSpec{{Source: "alpha", Query: "b", Limit: 1}}, 0)
	require.NoError(t, err)
	_, err = jq.Cancel(ctx, cancelled)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodGet, "/v1/jobs/?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Jobs []feedback.JobStatusView `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, feedback.JobStatusPending, resp.Jobs[0].Status)

	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/?limit=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueStats(t *testing.T) {
	t.Parallel()

	srv, jq := newTestServer(t, nil)
	_, err := jq.Enqueue(context.Background(), feedback.KindKeywordSweep,
		[]feedback.TaskSpec{{Source: "alpha", Query: "q", Limit: 1}}, 0)
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats feedback.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Pending)
}

func TestListSources(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Sources []string `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"alpha", "beta"}, resp.Sources)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
