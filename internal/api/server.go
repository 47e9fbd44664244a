// Package api exposes the HTTP interface for the orchestrator service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
	"github.com/feedbackforge/scrape-orchestrator/internal/metrics"
	"github.com/feedbackforge/scrape-orchestrator/internal/queue"
)

// Pinger checks a downstream dependency for the readiness probe.
type Pinger func(ctx context.Context) error

// Config controls server behavior.
type Config struct {
	// RequestTimeout bounds handler execution (default 60s).
	RequestTimeout time.Duration
	// DefaultLimit caps records per task when a request omits it
	// (default 50).
	DefaultLimit int
	// MaxTasks rejects sweep requests whose keyword x source product
	// exceeds it (default 200).
	MaxTasks int
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 50
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = 200
	}
	return c
}

// Server wires HTTP handlers to the job queue and source registry.
type Server struct {
	router  chi.Router
	jobs    *queue.JobQueue
	sources feedback.SourceRegistry
	ping    Pinger
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ping may be nil
// when there is no downstream to probe.
func NewServer(
	jobs *queue.JobQueue,
	sources feedback.SourceRegistry,
	ping Pinger,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:    jobs,
		sources: sources,
		ping:    ping,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(s.cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Get("/stats", s.queueStats)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Get("/sources", s.listSources)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "backend unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	Kind     string   `json:"kind"`
	Source   string   `json:"source"`
	Query    string   `json:"query"`
	Sources  []string `json:"sources"`
	Keywords []string `json:"keywords"`
	Limit    int      `json:"limit"`
	Priority int      `json:"priority"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kind, payload, err := s.buildPayload(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.jobs.Enqueue(r.Context(), kind, payload, req.Priority)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// buildPayload turns a submit request into the job's fixed task list. Sweep
// jobs expand to the full keyword x source product up front so progress
// totals are known before the job runs.
func (s *Server) buildPayload(req submitJobRequest) (feedback.JobKind, []feedback.TaskSpec, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	switch feedback.JobKind(req.Kind) {
	case feedback.KindSingleSource:
		if req.Source == "" {
			return "", nil, errors.New("source required")
		}
		if _, ok := s.sources.Lookup(req.Source); !ok {
			return "", nil, errors.New("unknown source " + strconv.Quote(req.Source))
		}
		if req.Query == "" {
			return "", nil, errors.New("query required")
		}
		return feedback.KindSingleSource, []feedback.TaskSpec{
			{Source: req.Source, Query: req.Query, Limit: limit},
		}, nil

	case feedback.KindKeywordSweep:
		if len(req.Keywords) == 0 {
			return "", nil, errors.New("keywords required")
		}
		srcs := req.Sources
		if len(srcs) == 0 {
			srcs = s.sources.Names()
		}
		if len(srcs) == 0 {
			return "", nil, errors.New("no sources configured")
		}
		for _, name := range srcs {
			if _, ok := s.sources.Lookup(name); !ok {
				return "", nil, errors.New("unknown source " + strconv.Quote(name))
			}
		}
		if len(req.Keywords)*len(srcs) > s.cfg.MaxTasks {
			return "", nil, errors.New("too many tasks; reduce keywords or sources")
		}
		payload := make([]feedback.TaskSpec, 0, len(req.Keywords)*len(srcs))
		for _, kw := range req.Keywords {
			for _, src := range srcs {
				payload = append(payload, feedback.TaskSpec{Source: src, Query: kw, Limit: limit})
			}
		}
		return feedback.KindKeywordSweep, payload, nil

	default:
		return "", nil, errors.New("unknown job kind " + strconv.Quote(req.Kind))
	}
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, feedback.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job.StatusView())
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	found, err := s.jobs.Cancel(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancelling"})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := feedback.JobStatus(r.URL.Query().Get("status"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	jobs, err := s.jobs.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]feedback.JobStatusView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.StatusView())
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.sources.Names()})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
