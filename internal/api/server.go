// Package api exposes job creation, status, approval decisions and operator actions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"podcast-pipeline/internal/approval"
	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/logging"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/queue"
	"podcast-pipeline/internal/ratelimit"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/supervisor"
	"podcast-pipeline/internal/telemetry"
)

// Limiter throttles job creation per client.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (ratelimit.Result, error)
}

// Deps are the collaborators the handlers call into. Limiter may be nil.
type Deps struct {
	Supervisor *supervisor.Supervisor
	Decider    *approval.Decider
	Sweeper    *approval.Sweeper
	Store      store.Store
	Queue      *queue.RedisQueue
	Limiter    Limiter
	Logger     *slog.Logger
}

// Server wires HTTP handlers for the pipeline API.
type Server struct {
	cfg config.Config
	Deps
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &Server{cfg: cfg, Deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/evaluations", s.handleEvaluations)
		r.Get("/{id}/guardrails", s.handleGuardrails)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/retry", s.handleRetry)
	})

	r.Post("/approvals/decide", s.handleDecide)
	r.Get("/approvals/decide", s.handleDecide)

	r.Get("/dlq", s.handleDLQ)
	r.Post("/dlq/{id}/replay", s.handleReplay)

	r.Post("/admin/sweep", s.handleSweep)
	r.Post("/admin/reconcile", s.handleReconcile)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Queue.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "redis unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	models.Brief
	UserEmail string `json:"user_email"`
}

type createResponse struct {
	JobID     string        `json:"job_id"`
	Status    models.Status `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	Message   string        `json:"message"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if s.Limiter != nil {
		res, err := s.Limiter.Allow(r.Context(), clientID(r))
		if err != nil {
			s.Logger.Error("rate limiter failed", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.Supervisor.Create(r.Context(), req.Brief, strings.TrimSpace(req.UserEmail))
	var berr *supervisor.BriefError
	switch {
	case errors.As(err, &berr):
		writeError(w, http.StatusBadRequest, berr.Error())
		return
	case err != nil:
		s.Logger.Error("create job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		Message:   "Podcast generation started",
	})
}

type jobSummary struct {
	JobID     string        `json:"job_id"`
	Status    models.Status `json:"status"`
	Topic     string        `json:"topic"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{Limit: 100}
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.Status(strings.ToUpper(v))
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", v))
			return
		}
		filter.Statuses = []models.Status{st}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = uint64(n)
	}
	jobs, err := s.Store.ListJobs(r.Context(), filter)
	if err != nil {
		s.Logger.Error("list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list jobs")
		return
	}
	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobSummary{JobID: j.ID, Status: j.Status, Topic: j.Brief.Topic, CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

type statusResponse struct {
	JobID        string          `json:"job_id"`
	Status       models.Status   `json:"status"`
	Outline      *models.Outline `json:"outline,omitempty"`
	Script       string          `json:"script,omitempty"`
	AudioURL     string          `json:"audio_url,omitempty"`
	RSSFeedURL   string          `json:"rss_feed_url,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	PendingStage models.Stage    `json:"pending_approval,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	resp := statusResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Outline:      job.Outline,
		Script:       job.Script,
		AudioURL:     job.AudioURL,
		RSSFeedURL:   job.RSSFeedURL,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if job.AwaitingDecision() {
		resp.PendingStage = job.ApprovalStage
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvaluations(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	items, err := s.Store.ListEvaluations(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list evaluations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGuardrails(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	items, err := s.Store.ListGuardrails(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list guardrail results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.Supervisor.Cancel(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, supervisor.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.Logger.Error("cancel job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  job.ID,
		"status":  job.Status,
		"message": "Job cancelled successfully",
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.Supervisor.Retry(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, supervisor.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.Logger.Error("retry job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not retry job")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":     job.ID,
		"status":     job.Status,
		"created_at": job.CreatedAt,
		"retry_of":   id,
		"message":    "Job retry initiated",
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	job, err := s.Supervisor.Status(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return job, false
	case err != nil:
		s.Logger.Error("load job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return job, false
	}
	return job, true
}

type decideRequest struct {
	Token    string `json:"token"`
	Action   string `json:"action"`
	Feedback string `json:"feedback"`
}

// handleDecide redeems a decision token. GET serves the links of the notification email.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req = decideRequest{Token: q.Get("token"), Action: q.Get("action"), Feedback: q.Get("feedback")}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if _, err := approval.ParseAction(req.Action); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision, err := s.Decider.Decide(r.Context(), req.Token, req.Action, req.Feedback)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, decision)
	case errors.Is(err, approval.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, approval.ErrExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, approval.ErrNotPending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		s.Logger.Error("decision failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not apply decision")
	}
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.Queue.DLQPeek(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	entry, err := s.Queue.Replay(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, queue.ErrDeadLetterNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.Logger.Error("replay failed", "id", entry.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Logger.Info("dead letter replayed", "id", entry.ID, "topic", entry.OriginalTopic, "job_id", entry.JobID)
	writeJSON(w, http.StatusOK, map[string]any{"replayed": entry})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.Sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"timed_out": n})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	staleAfter := s.cfg.ReconcileStaleAfter
	if v := r.URL.Query().Get("stale_after"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "stale_after must be a duration")
			return
		}
		staleAfter = d
	}
	n, err := s.Supervisor.Reconcile(r.Context(), staleAfter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"emitted": n})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/metrics") {
			return
		}
		s.Logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// clientID keys the rate limiter: an explicit X-Client-ID header, else the caller address.
func clientID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Client-ID")); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
