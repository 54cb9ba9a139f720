package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ndtrung87864/examgate/internal/apperr"
	"github.com/ndtrung87864/examgate/internal/model"
	"github.com/ndtrung87864/examgate/internal/validate"
)

type assessmentRequest struct {
	Category         model.Category `json:"category" validate:"required,oneof=exam exercise"`
	Format           model.Format   `json:"format" validate:"required,oneof=essay multiple_choice written"`
	Name             string         `json:"name" validate:"notblank,max=200"`
	Instructions     string         `json:"instructions"`
	Deadline         *time.Time     `json:"deadline"`
	ModelID          string         `json:"model_id"`
	AllowReferences  bool           `json:"allow_references"`
	ShuffleQuestions bool           `json:"shuffle_questions"`
	QuestionCount    int            `json:"question_count" validate:"gte=0"`
	IsActive         bool           `json:"is_active"`
}

func (h *Handler) handlePutAssessment(w http.ResponseWriter, r *http.Request) {
	var req assessmentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, r, err)
		return
	}

	a := model.Assessment{
		ID:               chi.URLParam(r, "id"),
		Category:         req.Category,
		Format:           req.Format,
		Name:             strings.TrimSpace(req.Name),
		Instructions:     req.Instructions,
		Deadline:         req.Deadline,
		ModelID:          req.ModelID,
		AllowReferences:  req.AllowReferences,
		ShuffleQuestions: req.ShuffleQuestions,
		QuestionCount:    req.QuestionCount,
		IsActive:         req.IsActive,
	}
	if err := h.store.UpsertAssessment(r.Context(), a); err != nil {
		respondError(w, r, fmt.Errorf("upsert assessment: %w", err))
		return
	}
	stored, err := h.store.GetAssessment(r.Context(), a.ID)
	if err != nil {
		respondError(w, r, fmt.Errorf("get assessment: %w", err))
		return
	}
	slog.Info("assessment saved", "id", a.ID, "by", model.UserFromContext(r.Context()).ID)
	respondJSON(w, http.StatusOK, stored)
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		respondError(w, r, fmt.Errorf("list users: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username    string         `json:"username" validate:"notblank,max=64"`
	DisplayName string         `json:"display_name"`
	Password    string         `json:"password" validate:"required,min=8"`
	Role        model.UserRole `json:"role" validate:"required,oneof=student teacher admin"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, r, err)
		return
	}
	username := strings.TrimSpace(req.Username)

	existing, err := h.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		respondError(w, r, fmt.Errorf("get user: %w", err))
		return
	}
	if existing != nil {
		respondError(w, r, fmt.Errorf("username %q is taken: %w", username, apperr.ErrConflict))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, r, fmt.Errorf("hash password: %w", err))
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = username
	}
	id, err := h.store.CreateUser(r.Context(), model.User{
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	})
	if err != nil {
		respondError(w, r, fmt.Errorf("create user: %w", err))
		return
	}
	u, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		respondError(w, r, fmt.Errorf("get user: %w", err))
		return
	}
	respondJSON(w, http.StatusCreated, u)
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func (h *Handler) handleSetUserActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, r, err)
		return
	}
	id := chi.URLParam(r, "userID")
	if id == model.UserFromContext(r.Context()).ID && !*req.Active {
		respondError(w, r, apperr.NewValidationError("cannot deactivate yourself"))
		return
	}
	if err := h.store.SetUserActive(r.Context(), id, *req.Active); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
