// Package handler exposes the submission, grading and timer services over a
// JSON HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ndtrung87864/examgate/internal/apperr"
	"github.com/ndtrung87864/examgate/internal/grading"
	appI18n "github.com/ndtrung87864/examgate/internal/i18n"
	"github.com/ndtrung87864/examgate/internal/model"
	"github.com/ndtrung87864/examgate/internal/penalty"
	"github.com/ndtrung87864/examgate/internal/regrade"
	"github.com/ndtrung87864/examgate/internal/storage"
	"github.com/ndtrung87864/examgate/internal/store"
	"github.com/ndtrung87864/examgate/internal/submission"
	"github.com/ndtrung87864/examgate/internal/timer"
)

// Deps are the services a Handler routes to.
type Deps struct {
	Store    *store.Store
	Files    storage.FileStore
	Gate     *submission.Gate
	Grader   *grading.Service
	Regrader *regrade.Orchestrator
	Scores   *penalty.Service
	Timers   *timer.Tracker
	Config   model.ServerConfig
	Lang     string
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	files    storage.FileStore
	gate     *submission.Gate
	grader   *grading.Service
	regrader *regrade.Orchestrator
	scores   *penalty.Service
	timers   *timer.Tracker
	config   model.ServerConfig
	lang     string
}

// New creates a new Handler.
func New(d Deps) (*Handler, error) {
	if d.Store == nil || d.Gate == nil || d.Timers == nil {
		return nil, errors.New("handler: store, gate and timers are required")
	}
	if d.Config.JWTSecret == "" {
		return nil, errors.New("handler: JWT secret is required")
	}
	if d.Config.TokenTTLHours <= 0 {
		d.Config.TokenTTLHours = 8
	}
	if d.Config.MaxUploadBytes <= 0 {
		d.Config.MaxUploadBytes = 20 << 20
	}
	return &Handler{
		store:    d.Store,
		files:    d.Files,
		gate:     d.Gate,
		grader:   d.Grader,
		regrader: d.Regrader,
		scores:   d.Scores,
		timers:   d.Timers,
		config:   d.Config,
		lang:     d.Lang,
	}, nil
}

// Router returns the fully wired chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(appI18n.Middleware(h.lang))
	h.Routes(r)
	return r
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/auth/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Get("/auth/me", h.handleMe)

		r.Get("/assessments/{id}", h.handleGetAssessment)
		r.Post("/assessments/{id}/timer", h.handleStartTimer)
		r.Get("/assessments/{id}/timer", h.handleGetTimer)
		r.Post("/assessments/{id}/submissions", h.handleSubmit)

		r.Get("/results/{id}", h.handleGetResult)
		r.Post("/results/{id}/grade", h.handleGrade)
		r.Post("/results/{id}/regrade", h.handleRegrade)
		r.Post("/results/{id}/score", h.handleUpdateScore)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin, model.UserRoleTeacher))
			r.Put("/assessments/{id}", h.handlePutAssessment)
			r.Get("/assessments/{id}/results", h.handleListResults)
			r.Get("/results/{id}/events", h.handleListEvents)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Delete("/results/{id}", h.handleDeleteResult)
			r.Get("/admin/users", h.handleListUsers)
			r.Post("/admin/users", h.handleCreateUser)
			r.Post("/admin/users/{userID}/active", h.handleSetUserActive)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("encode response", "error", err)
		}
	}
}

type errorResponse struct {
	Error  string              `json:"error"`
	Fields []apperr.FieldError `json:"fields,omitempty"`
}

// respondError maps service errors onto HTTP status codes.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &ve):
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Err.Error(), Fields: ve.Fields})
		return
	case errors.Is(err, apperr.ErrUnauthorized):
		respondJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	case errors.Is(err, apperr.ErrForbidden):
		respondJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		return
	case errors.Is(err, apperr.ErrFileMissing):
		respondJSON(w, http.StatusNotFound, errorResponse{Error: apperr.ErrFileMissing.Error()})
		return
	case errors.Is(err, apperr.ErrNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
		return
	case errors.Is(err, apperr.ErrConflict):
		respondJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, apperr.ErrEssayRegrade):
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: apperr.ErrEssayRegrade.Error()})
		return
	case errors.Is(err, apperr.ErrParseMismatch), errors.Is(err, apperr.ErrOracleRefusal):
		slog.Warn("oracle reply rejected", "path", r.URL.Path, "error", err)
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, apperr.ErrOracleUnavailable):
		slog.Error("scoring oracle unavailable", "path", r.URL.Path, "error", err)
		respondJSON(w, http.StatusBadGateway, errorResponse{Error: apperr.ErrOracleUnavailable.Error()})
		return
	}
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()), "error", err)
	respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

// decodeJSON reads a JSON body into dst, reporting malformed input as a
// validation error.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.NewValidationError("malformed JSON body: " + err.Error())
	}
	return nil
}
