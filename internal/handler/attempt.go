package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/ndtrung87864/examgate/internal/apperr"
	appI18n "github.com/ndtrung87864/examgate/internal/i18n"
	"github.com/ndtrung87864/examgate/internal/model"
	"github.com/ndtrung87864/examgate/internal/submission"
	"github.com/ndtrung87864/examgate/internal/timer"
	"github.com/ndtrung87864/examgate/internal/validate"
)

type assessmentResponse struct {
	*model.Assessment
	DurationMinutes int `json:"duration_minutes"`
}

func (h *Handler) loadAssessment(r *http.Request) (*model.Assessment, error) {
	id := chi.URLParam(r, "id")
	a, err := h.store.GetAssessment(r.Context(), id)
	if err != nil {
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("assessment %s: %w", id, apperr.ErrNotFound)
	}
	return a, nil
}

func (h *Handler) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	a, err := h.loadAssessment(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !a.IsActive && !model.UserFromContext(r.Context()).IsStaff() {
		respondError(w, r, apperr.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, assessmentResponse{Assessment: a, DurationMinutes: timer.DeriveDurationMinutes(a.Instructions)})
}

type timerResponse struct {
	AssessmentID         string     `json:"assessment_id"`
	Untimed              bool       `json:"untimed"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	TotalDurationSeconds int        `json:"total_duration_seconds"`
	RemainingSeconds     int        `json:"remaining_seconds"`
	Expired              bool       `json:"expired"`
}

func newTimerResponse(t timer.Timer, now time.Time) timerResponse {
	resp := timerResponse{
		AssessmentID:         t.AssessmentID,
		Untimed:              t.Untimed(),
		TotalDurationSeconds: t.TotalDurationSeconds,
		RemainingSeconds:     timer.Remaining(t, now),
		Expired:              timer.IsExpired(t, now),
	}
	if !t.Untimed() {
		exp := t.ExpiresAt.UTC()
		resp.ExpiresAt = &exp
	}
	return resp
}

func (h *Handler) handleStartTimer(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	a, err := h.loadAssessment(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if existing, err := h.store.GetResultFor(r.Context(), a.ID, user.ID); err != nil {
		respondError(w, r, fmt.Errorf("get result: %w", err))
		return
	} else if existing != nil {
		respondError(w, r, timer.ErrAttemptCompleted)
		return
	}

	t, err := h.timers.StartOrResume(user.ID, a.ID, timer.DeriveDurationMinutes(a.Instructions)*60)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newTimerResponse(t, h.timers.Now()))
}

func (h *Handler) handleGetTimer(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	id := chi.URLParam(r, "id")
	t, ok := h.timers.Get(user.ID, id)
	if !ok {
		respondError(w, r, fmt.Errorf("timer for %s: %w", id, apperr.ErrNotFound))
		return
	}
	if t.Completed {
		respondError(w, r, timer.ErrAttemptCompleted)
		return
	}
	respondJSON(w, http.StatusOK, newTimerResponse(t, h.timers.Now()))
}

type submitRequest struct {
	Kind     model.SubmissionKind     `json:"kind" validate:"required,oneof=structured time-expired"`
	Answers  []model.StructuredAnswer `json:"answers"`
	Score    *float64                 `json:"score"`
	Duration int                      `json:"duration" validate:"gte=0"`
}

type submitResponse struct {
	Result           *model.Result `json:"result"`
	AlreadySubmitted bool          `json:"already_submitted"`
	Message          string        `json:"message,omitempty"`
}

// handleSubmit accepts a multipart essay upload or a JSON body for
// structured and time-expired submissions.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req submission.Request
	var err error
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		req, err = h.essayRequest(w, r)
	} else {
		req, err = jsonSubmitRequest(r)
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	req.AssessmentID = id

	out, err := h.gate.Submit(r.Context(), user, req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := h.timers.Finish(user.ID, id); err != nil {
		slog.Warn("finish timer", "user", user.ID, "assessment", id, "error", err)
	}

	resp := submitResponse{Result: out.Result, AlreadySubmitted: out.AlreadySubmitted}
	status := http.StatusCreated
	if out.AlreadySubmitted {
		resp.Message = appI18n.T(r.Context(), "AlreadySubmitted")
		status = http.StatusOK
	}
	respondJSON(w, status, resp)
}

func jsonSubmitRequest(r *http.Request) (submission.Request, error) {
	var body submitRequest
	if err := decodeJSON(r, &body); err != nil {
		return submission.Request{}, err
	}
	if err := validate.Struct(body); err != nil {
		return submission.Request{}, err
	}
	return submission.Request{
		Kind:     body.Kind,
		Answers:  body.Answers,
		Score:    body.Score,
		Duration: body.Duration,
	}, nil
}

func (h *Handler) essayRequest(w http.ResponseWriter, r *http.Request) (submission.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return submission.Request{}, apperr.NewValidationError("file too large",
				apperr.FieldError{Field: "file", Error: fmt.Sprintf("must not exceed %d bytes", tooLarge.Limit)})
		}
		return submission.Request{}, apperr.NewValidationError("malformed multipart body: " + err.Error())
	}

	req := submission.Request{Kind: model.SubmitEssay}
	if d := r.FormValue("duration"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 {
			return submission.Request{}, apperr.NewValidationError("invalid duration",
				apperr.FieldError{Field: "duration", Error: "must be a non-negative integer"})
		}
		req.Duration = n
	}

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		// The gate reports the missing file.
		return req, nil
	}
	if err != nil {
		return submission.Request{}, fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return submission.Request{}, fmt.Errorf("read upload: %w", err)
	}
	req.File = &submission.File{
		Name:     header.Filename,
		MimeType: detectMime(header.Header.Get("Content-Type"), data),
		Data:     data,
	}
	return req, nil
}

// detectMime trusts a specific declared type and sniffs the content
// otherwise.
func detectMime(declared string, data []byte) string {
	mt, _, err := mime.ParseMediaType(declared)
	if err == nil && mt != "" && mt != "application/octet-stream" {
		return mt
	}
	detected := mimetype.Detect(data).String()
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = detected[:i]
	}
	return detected
}
