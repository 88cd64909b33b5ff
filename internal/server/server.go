// Package server exposes the operational HTTP API: enqueueing attempts,
// inspecting and cancelling them, and listing recipes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jobpilot-dev/jobpilot/api/schemas"
	"github.com/jobpilot-dev/jobpilot/internal/config"
	"github.com/jobpilot-dev/jobpilot/internal/domain"
	"github.com/jobpilot-dev/jobpilot/internal/store"
)

// AttemptService is the attempt persistence surface the API needs.
type AttemptService interface {
	CreateAttempt(ctx context.Context, a *domain.ApplicationAttempt) (id string, created bool, err error)
	GetAttempt(ctx context.Context, id string) (*domain.ApplicationAttempt, error)
	Cancel(ctx context.Context, id string) error
}

// RecipeLister provides the read-only recipe listing.
type RecipeLister interface {
	List(ctx context.Context) ([]schemas.RecipeSummary, error)
}

// QueueGateway stages the profile and makes the attempt dequeueable.
type QueueGateway interface {
	Enqueue(ctx context.Context, attemptID string, runAt time.Time) error
	StoreProfile(ctx context.Context, attemptID string, profileJSON []byte) error
}

// Server is the HTTP API front end.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	attempts AttemptService
	recipes  RecipeLister
	queue    QueueGateway
	router   chi.Router
}

func New(cfg config.ServerConfig, logger *zap.Logger, attempts AttemptService, recipes RecipeLister, q QueueGateway) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		attempts: attempts,
		recipes:  recipes,
		queue:    q,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/attempts", s.handleEnqueue)
		r.Get("/attempts/{id}", s.handleGetAttempt)
		r.Delete("/attempts/{id}", s.handleCancel)
		r.Get("/recipes", s.handleListRecipes)
	})
	return r
}

// Router exposes the handler tree for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req schemas.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateEnqueue(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	attempt := domain.NewAttempt(req.ApplicantID, req.JobID, req.TargetURL, req.ATSTypeHint)
	id, created, err := s.attempts.CreateAttempt(r.Context(), attempt)
	if err != nil {
		s.logger.Error("Failed to create attempt", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create attempt")
		return
	}

	// The staged profile is refreshed even for an existing attempt so a
	// retry picks up the newest answers.
	profileJSON, err := json.Marshal(req.Profile)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "profile is not serializable")
		return
	}
	if err := s.queue.StoreProfile(r.Context(), id, profileJSON); err != nil {
		s.logger.Error("Failed to stage profile", zap.String("attempt_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to stage profile")
		return
	}

	status := http.StatusOK
	if created {
		if err := s.queue.Enqueue(r.Context(), id, time.Time{}); err != nil {
			s.logger.Error("Failed to enqueue attempt", zap.String("attempt_id", id), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to enqueue attempt")
			return
		}
		status = http.StatusCreated
	}
	s.writeJSON(w, status, schemas.EnqueueResponse{AttemptID: id})
}

func validateEnqueue(req schemas.EnqueueRequest) error {
	if req.ApplicantID == "" || req.JobID == "" {
		return errors.New("applicant_id and job_id are required")
	}
	u, err := url.Parse(req.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target_url must be an absolute http(s) url")
	}
	return nil
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	attempt, err := s.attempts.GetAttempt(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "attempt not found")
			return
		}
		s.logger.Error("Failed to load attempt", zap.String("attempt_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load attempt")
		return
	}
	s.writeJSON(w, http.StatusOK, schemas.AttemptStatus{
		AttemptID:      attempt.ID,
		Status:         string(attempt.Status),
		Method:         string(attempt.Method),
		RetryCount:     attempt.RetryCount,
		Cost:           attempt.Cost,
		ConfirmationID: attempt.ConfirmationID,
		Error:          attempt.Error,
		ErrorKind:      string(attempt.ErrorKind),
		CreatedAt:      attempt.CreatedAt,
		CompletedAt:    attempt.CompletedAt,
	})
}

// handleCancel requests cancellation. Cancellation is cooperative: an
// attempt mid-run stops at its next step boundary, and an attempt that has
// already reached a terminal state reports conflict.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.attempts.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusConflict, "attempt not found or already terminal")
			return
		}
		s.logger.Error("Failed to cancel attempt", zap.String("attempt_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to cancel attempt")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	recipes, err := s.recipes.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list recipes", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list recipes")
		return
	}
	if recipes == nil {
		recipes = []schemas.RecipeSummary{}
	}
	s.writeJSON(w, http.StatusOK, recipes)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
