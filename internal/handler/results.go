package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ndtrung87864/examgate/internal/apperr"
	"github.com/ndtrung87864/examgate/internal/model"
	"github.com/ndtrung87864/examgate/internal/penalty"
	"github.com/ndtrung87864/examgate/internal/validate"
)

func (h *Handler) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.store.GetResult(r.Context(), id)
	if err != nil {
		respondError(w, r, fmt.Errorf("get result: %w", err))
		return
	}
	if res == nil {
		respondError(w, r, apperr.ErrNotFound)
		return
	}
	if !model.UserFromContext(r.Context()).CanAccess(res) {
		respondError(w, r, apperr.ErrForbidden)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type gradeResponse struct {
	Result        *model.Result        `json:"result"`
	AlreadyGraded bool                 `json:"already_graded"`
	Refused       bool                 `json:"refused"`
	Penalty       *model.PenaltyRecord `json:"penalty,omitempty"`
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	out, err := h.grader.GradeEssay(r.Context(), chi.URLParam(r, "id"), model.UserFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, gradeResponse{
		Result:        out.Result,
		AlreadyGraded: out.AlreadyGraded,
		Refused:       out.Refused,
		Penalty:       out.Result.Answers.LatePenalty,
	})
}

type regradeResponse struct {
	Result        *model.Result `json:"result"`
	PreviousScore float64       `json:"previous_score"`
	Matched       int           `json:"matched"`
	ScoreFound    bool          `json:"score_found"`
}

func (h *Handler) handleRegrade(w http.ResponseWriter, r *http.Request) {
	out, err := h.regrader.Regrade(r.Context(), chi.URLParam(r, "id"), model.UserFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, regradeResponse{
		Result:        out.Result,
		PreviousScore: out.Previous,
		Matched:       out.Matched,
		ScoreFound:    out.ScoreFound,
	})
}

type scoreRequest struct {
	Score *float64 `json:"score" validate:"required,gte=0,lte=10"`
}

type scoreResponse struct {
	Result                *model.Result        `json:"result"`
	PenaltyApplied        bool                 `json:"penalty_applied"`
	PenaltyAlreadyApplied bool                 `json:"penalty_already_applied"`
	Penalty               *model.PenaltyRecord `json:"penalty,omitempty"`
}

func (h *Handler) handleUpdateScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, r, err)
		return
	}

	res, d, err := h.scores.UpdateScore(r.Context(), chi.URLParam(r, "id"), *req.Score, model.UserFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newScoreResponse(res, d))
}

func newScoreResponse(res *model.Result, d penalty.Decision) scoreResponse {
	return scoreResponse{
		Result:                res,
		PenaltyApplied:        d.Applied,
		PenaltyAlreadyApplied: d.PenaltyAlreadyApplied,
		Penalty:               d.Penalty,
	}
}

func (h *Handler) handleListResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.store.ListResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, fmt.Errorf("list results: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, fmt.Errorf("list events: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// handleDeleteResult hard-deletes a result and clears the owner's attempt
// state so the assessment can be taken again.
func (h *Handler) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := model.UserFromContext(ctx)
	id := chi.URLParam(r, "id")

	res, err := h.store.GetResult(ctx, id)
	if err != nil {
		respondError(w, r, fmt.Errorf("get result: %w", err))
		return
	}
	if res == nil {
		respondError(w, r, apperr.ErrNotFound)
		return
	}
	if err := h.store.DeleteResult(ctx, id); err != nil {
		respondError(w, r, err)
		return
	}

	if e := res.Answers.Essay; e != nil && e.FileURL != "" && h.files != nil {
		if err := h.files.Delete(ctx, e.FileURL); err != nil {
			slog.Warn("delete essay file", "result", id, "url", e.FileURL, "error", err)
		}
	}
	if err := h.timers.Reset(res.UserID, res.AssessmentID); err != nil {
		slog.Warn("reset timer", "result", id, "error", err)
	}
	if err := h.store.AppendEvent(ctx, model.Event{
		Kind:     model.EventResultDeleted,
		ActorID:  actor.ID,
		EntityID: id,
		Payload:  map[string]any{"assessment_id": res.AssessmentID, "user_id": res.UserID, "score": res.Score},
	}); err != nil {
		slog.Warn("append audit event", "result", id, "error", err)
	}

	slog.Info("result deleted", "result", id, "by", actor.ID)
	w.WriteHeader(http.StatusNoContent)
}
