package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"enrollment-pipeline/internal/apperr"
	"enrollment-pipeline/internal/intake"
	"enrollment-pipeline/internal/models"
	"enrollment-pipeline/internal/ratelimit"
	"enrollment-pipeline/internal/telemetry"
)

// Intake is the enrollment side of the API.
type Intake interface {
	Submit(ctx context.Context, sub intake.Submission) (intake.Receipt, error)
	GetStatus(ctx context.Context, id string) (models.Enrollment, error)
}

// Rules administers age groups.
type Rules interface {
	Create(ctx context.Context, minAge, maxAge int) (models.EligibilityRule, error)
	List(ctx context.Context) ([]models.EligibilityRule, error)
	Delete(ctx context.Context, id string) error
}

// Limiter throttles submissions per client.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (ratelimit.Decision, error)
}

// DeadLetters exposes the dead-letter list for inspection.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]models.DeadLetter, error)
}

// Server wires HTTP handlers for the intake API.
type Server struct {
	intake  Intake
	rules   Rules
	limiter Limiter
	dlq     DeadLetters
	logger  *zap.Logger
	checks  []healthCheck
}

type healthCheck struct {
	name  string
	check func(context.Context) error
}

// New constructs the API server. limiter and dlq may be nil.
func New(in Intake, rules Rules, limiter Limiter, dlq DeadLetters, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		intake:  in,
		rules:   rules,
		limiter: limiter,
		dlq:     dlq,
		logger:  logger.With(zap.String("component", "api")),
	}
}

// AddHealthCheck registers a dependency that /healthz must reach.
func (s *Server) AddHealthCheck(name string, check func(context.Context) error) {
	s.checks = append(s.checks, healthCheck{name: name, check: check})
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/age-groups", func(r chi.Router) {
		r.Post("/", s.handleCreateRule)
		r.Get("/", s.handleListRules)
		r.Delete("/{id}", s.handleDeleteRule)
	})
	r.Route("/enrollments", func(r chi.Router) {
		r.With(s.rateLimit).Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleGetEnrollment)
	})
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("check", c.name), zap.Error(err))
			failed[c.name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRuleRequest struct {
	MinAge *int `json:"min_age"`
	MaxAge *int `json:"max_age"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.CodeInvalidInput, "invalid json"))
		return
	}
	if req.MinAge == nil || req.MaxAge == nil {
		writeError(w, apperr.New(apperr.CodeInvalidInput, "min_age and max_age are required"))
		return
	}
	rule, err := s.rules.Create(r.Context(), *req.MinAge, *req.MaxAge)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.rules.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "age group deleted"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub intake.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, apperr.New(apperr.CodeInvalidInput, "invalid json"))
		return
	}
	receipt, err := s.intake.Submit(r.Context(), sub)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	rec, err := s.intake.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDLQ returns the oldest dead letters; ?limit= caps the count (default 100).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []models.DeadLetter{}})
		return
	}
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, apperr.New(apperr.CodeInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	items, err := s.dlq.DLQPeek(r.Context(), limit)
	if err != nil {
		s.fail(w, r, apperr.Wrap(apperr.CodeQueueUnavailable, "failed to read dlq", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			// Intake stays open when Redis cannot answer for the limiter.
			s.logger.Warn("rate limiter unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// fail writes err and logs server-side faults. Client errors are not logged.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(apperr.CodeOf(err))
	if status >= http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", string(apperr.CodeOf(err))),
			zap.Error(err),
		)
	}
	writeError(w, err)
}

// clientFromRequest keys the rate limit bucket. An explicit X-Client-ID wins;
// otherwise the caller's address, as resolved by middleware.RealIP, is used.
func clientFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Client-ID")); v != "" {
		return "client:" + v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(apperr.CodeOf(err)), errorBody{Error: apperr.PublicMessage(err)})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
