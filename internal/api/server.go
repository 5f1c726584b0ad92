package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"outreach-coordinator/internal/auth"
	"outreach-coordinator/internal/config"
	"outreach-coordinator/internal/models"
	"outreach-coordinator/internal/ratelimit"
	"outreach-coordinator/internal/store"
	"outreach-coordinator/internal/telemetry"
)

// Store is the slice of the persistence layer the API uses.
type Store interface {
	FindClientByCredential(ctx context.Context, credential string) (models.Client, error)
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	AddTask(ctx context.Context, p store.AddTaskParams) error
	AddTasks(ctx context.Context, params []store.AddTaskParams) error
	LeaseTasks(ctx context.Context, p store.LeaseParams) ([]models.Task, error)
	ReportResult(ctx context.Context, jobID, taskID string, ok bool, errMsg string) (bool, error)
	GetTask(ctx context.Context, jobID, taskID string) (models.Task, error)
	JobOwner(ctx context.Context, jobID string) (string, error)
	JobSummary(ctx context.Context, jobID, clientID string) (models.Summary, error)
	WasContacted(ctx context.Context, clientID, destination string) (bool, error)
	RegisterContact(ctx context.Context, p store.ContactParams) error
	SaveFollowings(ctx context.Context, origin string, targets []string) (int, error)
	CountContactsToday(ctx context.Context, clientID string) (int, error)
	CountTasksSentToday(ctx context.Context, clientID string) (int, error)
	GetLimits(ctx context.Context, clientID string) (models.ClientLimits, error)
}

// Server wires HTTP handlers for the coordination API.
type Server struct {
	cfg     config.Config
	store   Store
	auth    *auth.Authenticator
	limiter ratelimit.Limiter
	log     *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, st Store, a *auth.Authenticator, limiter ratelimit.Limiter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		auth:    a,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(pr chi.Router) {
		pr.Use(s.authenticated)
		pr.Post("/ext/followings/enqueue", s.handleEnqueueFetch)
		pr.Post("/ext/analyze/enqueue", s.handleEnqueueAnalyze)
		pr.Post("/ext/send/enqueue", s.handleEnqueueSend)
		pr.Get("/jobs/{id}/summary", s.handleJobSummary)
		pr.Post("/api/send/pull", s.handlePull)
		pr.Post("/api/send/result", s.handleResult)
	})
	return r
}

type identityKey struct{}

// authenticated resolves the caller and applies the per-client request
// limiter before any handler runs. Authorization failures never reach
// a handler, and neither does traffic over the client's rate.
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.auth.Authenticate(r.Context(), r)
		if err != nil {
			telemetry.AuthFailures.Inc()
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		limits, err := s.store.GetLimits(r.Context(), identity.ClientID)
		if err != nil {
			s.log.Error("load client limits", zap.String("client_id", identity.ClientID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		rpm := limits.RequestsPerMinute
		if rpm <= 0 {
			rpm = s.cfg.DefaultRPM
		}
		decision, err := s.limiter.Allow(r.Context(), "rl:client:"+identity.ClientID, rpm)
		if err != nil {
			s.log.Error("rate limiter unavailable", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			if decision.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+1)))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) auth.Identity {
	id, _ := r.Context().Value(identityKey{}).(auth.Identity)
	return id
}

// accountFor picks the worker account a request binds tasks to: the
// X-Account header if present, otherwise the first configured fleet
// account. Empty means unassigned; the dispatcher will route it.
func (s *Server) accountFor(r *http.Request) (string, error) {
	account := r.Header.Get(auth.HeaderAccount)
	if account == "" && len(s.cfg.Accounts) > 0 {
		account = s.cfg.Accounts[0]
	}
	if account != "" && !models.ValidAccount(account) {
		return "", models.Validationf("account", "must match [a-zA-Z0-9._-]{2,30}")
	}
	return account, nil
}

// renderError maps domain errors onto HTTP statuses. Ownership stays
// distinct from not-found: a foreign job answers 403, never 404.
func (s *Server) renderError(w http.ResponseWriter, err error) {
	switch {
	case models.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, models.ErrScope):
		writeError(w, http.StatusForbidden, "insufficient scope")
	case errors.Is(err, models.ErrOwnership):
		writeError(w, http.StatusForbidden, "job belongs to another client")
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrDuplicate):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, models.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "daily message budget exhausted")
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return models.Validationf("body", "invalid json")
	}
	return nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
