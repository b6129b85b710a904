package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagetest-orchestrator/internal/config"
	"github.com/JakeFAU/pagetest-orchestrator/internal/metrics"
	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
	"github.com/JakeFAU/pagetest-orchestrator/internal/poller"
)

// maxHookBody bounds collaborator payloads.
const maxHookBody = 1 << 20

// Engine is the orchestration surface the handlers need.
type Engine interface {
	Submit(ctx context.Context, url string) (pagetest.JobRecord, error)
	Adopt(ctx context.Context, jobID string) (pagetest.JobRecord, error)
	Record(ctx context.Context, jobID string) (pagetest.JobRecord, error)
	AttachSitemap(ctx context.Context, jobID string, report json.RawMessage) (pagetest.JobRecord, error)
	AttachInsights(ctx context.Context, jobID string, insights json.RawMessage) (pagetest.JobRecord, error)
	// Limits returns the metrics and Lighthouse loop bounds, in that order.
	Limits() (poller.Config, poller.Config)
	BlockedUntil() time.Time
}

// Checker is a downstream dependency probed by /readyz.
type Checker interface {
	Ping(ctx context.Context) error
}

// Options configure a Server.
type Options struct {
	Auth           config.AuthConfig
	RequestTimeout time.Duration
	// Checks are probed by /readyz, keyed by a name shown in the response.
	Checks map[string]Checker
}

// Server wires HTTP handlers to the engine.
type Server struct {
	router chi.Router
	engine Engine
	clock  pagetest.Clock
	checks map[string]Checker
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(engine Engine, clock pagetest.Clock, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		engine: engine,
		clock:  clock,
		checks: opts.Checks,
		logger: logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.Auth.Enabled {
			r.Use(apiKeyMiddleware(opts.Auth.APIKey))
		}
		r.Post("/test/run", s.runTest)
		r.Get("/test/results/{jobId}", s.testResults)
		r.Get("/lighthouse/results/{jobId}", s.lighthouseResults)
		r.Route("/status/{jobId}", func(r chi.Router) {
			r.Get("/", s.status)
			r.Put("/sitemap", s.attachSitemap)
			r.Put("/insights", s.attachInsights)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	URL string `json:"url"`
}

type runResponse struct {
	JobID     string          `json:"jobId"`
	Status    pagetest.Status `json:"status"`
	ResultURL string          `json:"resultUrl,omitempty"`
	PollURL   string          `json:"pollUrl"`
}

func (s *Server) runTest(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "a JSON body with a url is required")
		return
	}
	rec, err := s.engine.Submit(r.Context(), req.URL)
	if err != nil {
		s.submitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{
		JobID:     rec.Job.ID,
		Status:    rec.Job.Status,
		ResultURL: rec.Job.ResultURL,
		PollURL:   "/test/results/" + rec.Job.ID,
	})
}

func (s *Server) submitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pagetest.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pagetest.ErrBusy):
		metricsCfg, _ := s.engine.Limits()
		setRetryAfter(w, metricsCfg.Interval)
		writeError(w, http.StatusTooManyRequests, "too many tests in flight, retry later")
	case errors.Is(err, pagetest.ErrBlocked):
		s.writeBlocked(w, pagetest.DetailFor(err))
	case errors.Is(err, pagetest.ErrRemoteRejected), errors.Is(err, pagetest.ErrInvalidResponse):
		s.logger.Warn("provider refused submission", zap.Error(err))
		writeError(w, http.StatusBadGateway, "the testing service rejected the test")
	default:
		s.logger.Error("submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "the test could not be submitted")
	}
}

// timelineView is the common response body of both result endpoints.
type timelineView struct {
	JobID      string                     `json:"jobId"`
	Status     pagetest.Status            `json:"status"`
	URL        string                     `json:"url,omitempty"`
	ResultURL  string                     `json:"resultUrl,omitempty"`
	Summary    *pagetest.Summary          `json:"summary,omitempty"`
	Lighthouse *pagetest.LighthouseReport `json:"lighthouse,omitempty"`
	ReportURI  string                     `json:"reportUri,omitempty"`
	Message    string                     `json:"message,omitempty"`
	Error      string                     `json:"error,omitempty"`
	Detail     string                     `json:"detail,omitempty"`
	*progress
}

// progress is the guidance returned while a timeline is pending.
type progress struct {
	ElapsedSeconds    int64 `json:"elapsedSeconds"`
	Attempts          int   `json:"attempts"`
	RemainingAttempts int   `json:"remainingAttempts"`
	RetryAfterSeconds int64 `json:"retryAfterSeconds"`
}

func (s *Server) testResults(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.load(w, r)
	if !ok {
		return
	}
	metricsCfg, _ := s.engine.Limits()
	view := timelineView{
		JobID:     rec.Job.ID,
		Status:    rec.Job.Status,
		URL:       rec.Job.URL,
		ResultURL: rec.Job.ResultURL,
		Summary:   rec.Summary,
	}
	s.writeTimeline(w, view, rec, rec.Attempts, rec.ErrorDetail, metricsCfg)
}

func (s *Server) lighthouseResults(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.load(w, r)
	if !ok {
		return
	}
	_, lighthouseCfg := s.engine.Limits()
	view := timelineView{
		JobID:      rec.Job.ID,
		Status:     rec.LighthouseStatus,
		URL:        rec.Job.URL,
		ResultURL:  rec.Job.ResultURL,
		Lighthouse: rec.Lighthouse,
		ReportURI:  rec.LighthouseURI,
	}
	s.writeTimeline(w, view, rec, rec.LighthouseAttempts, rec.LighthouseError, lighthouseCfg)
}

func (s *Server) writeTimeline(w http.ResponseWriter, view timelineView, rec pagetest.JobRecord, attempts int, detail *string, cfg poller.Config) {
	switch view.Status {
	case pagetest.StatusComplete:
		writeJSON(w, http.StatusOK, view)
	case pagetest.StatusBlocked:
		view.Error = pagetest.DetailFor(pagetest.ErrBlocked)
		s.setCooldown(w)
		writeJSON(w, http.StatusTooManyRequests, view)
	case pagetest.StatusFailed:
		view.Error = "the test failed"
		if detail != nil {
			view.Detail = *detail
		}
		writeJSON(w, http.StatusInternalServerError, view)
	default:
		hint := s.progress(rec, attempts, cfg)
		view.Status = pagetest.StatusPending
		view.Message = "the test is still running"
		view.progress = &hint
		w.Header().Set("Retry-After", strconv.FormatInt(hint.RetryAfterSeconds, 10))
		writeJSON(w, http.StatusAccepted, view)
	}
}

// progress estimates when the caller should ask again: the rest of the warm-up before the
// first attempt, one poll interval afterwards.
func (s *Server) progress(rec pagetest.JobRecord, attempts int, cfg poller.Config) progress {
	elapsed := s.clock.Now().Sub(rec.Job.SubmittedAt)
	wait := cfg.Interval
	if attempts == 0 && cfg.WarmUp-elapsed > wait {
		wait = cfg.WarmUp - elapsed
	}
	return progress{
		ElapsedSeconds:    int64(max(elapsed, 0) / time.Second),
		Attempts:          attempts,
		RemainingAttempts: max(cfg.MaxAttempts-attempts, 0),
		RetryAfterSeconds: seconds(wait),
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Record(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.recordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) attachSitemap(w http.ResponseWriter, r *http.Request) {
	s.attach(w, r, s.engine.AttachSitemap)
}

func (s *Server) attachInsights(w http.ResponseWriter, r *http.Request) {
	s.attach(w, r, s.engine.AttachInsights)
}

type attachFunc func(ctx context.Context, jobID string, payload json.RawMessage) (pagetest.JobRecord, error)

func (s *Server) attach(w http.ResponseWriter, r *http.Request, fn attachFunc) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if len(body) > maxHookBody {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", maxHookBody))
		return
	}
	rec, err := fn(r.Context(), chi.URLParam(r, "jobId"), body)
	if err != nil {
		if errors.Is(err, pagetest.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("attach collaborator result failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not update the job")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// load reads the record named in the path, adopting it when asked to and unknown.
func (s *Server) load(w http.ResponseWriter, r *http.Request) (pagetest.JobRecord, bool) {
	jobID := chi.URLParam(r, "jobId")
	rec, err := s.engine.Record(r.Context(), jobID)
	if errors.Is(err, pagetest.ErrJobNotFound) && r.URL.Query().Get("adopt") == "true" {
		rec, err = s.engine.Adopt(r.Context(), jobID)
		if errors.Is(err, pagetest.ErrBusy) {
			s.submitError(w, err)
			return pagetest.JobRecord{}, false
		}
	}
	if err != nil {
		s.recordError(w, err)
		return pagetest.JobRecord{}, false
	}
	return rec, true
}

func (s *Server) recordError(w http.ResponseWriter, err error) {
	if errors.Is(err, pagetest.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.logger.Error("load job failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "could not load the job")
}

func (s *Server) writeBlocked(w http.ResponseWriter, msg string) {
	s.setCooldown(w)
	writeError(w, http.StatusTooManyRequests, msg)
}

func (s *Server) setCooldown(w http.ResponseWriter) {
	if until := s.engine.BlockedUntil(); !until.IsZero() {
		setRetryAfter(w, until.Sub(s.clock.Now()))
	}
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	w.Header().Set("Retry-After", strconv.FormatInt(seconds(d), 10))
}

func seconds(d time.Duration) int64 {
	return int64(math.Ceil(max(d, time.Second).Seconds()))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
