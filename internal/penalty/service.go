package penalty

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ndtrung87864/examgate/internal/apperr"
	"github.com/ndtrung87864/examgate/internal/model"
)

// Store is the persistence the score update path needs.
type Store interface {
	GetResult(ctx context.Context, id string) (*model.Result, error)
	GetAssessment(ctx context.Context, id string) (*model.Assessment, error)
	UpdateResult(ctx context.Context, r *model.Result) error
	AppendEvent(ctx context.Context, e model.Event) error
}

// Service applies caller-supplied scores with the late penalty.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a Service. A nil now uses time.Now.
func NewService(s Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: s, now: now}
}

// UpdateScore stores a new score on a result owned by actor, applying the
// late penalty at most once.
func (s *Service) UpdateScore(ctx context.Context, resultID string, score float64, actor *model.User) (*model.Result, Decision, error) {
	if actor == nil {
		return nil, Decision{}, apperr.ErrUnauthorized
	}
	if score < 0 || score > model.MaxScore {
		return nil, Decision{}, apperr.NewValidationError("invalid score",
			apperr.FieldError{Field: "score", Error: fmt.Sprintf("must be between 0 and %g", model.MaxScore)})
	}

	r, err := s.store.GetResult(ctx, resultID)
	if err != nil {
		return nil, Decision{}, fmt.Errorf("get result: %w", err)
	}
	if r == nil {
		return nil, Decision{}, fmt.Errorf("result %s: %w", resultID, apperr.ErrNotFound)
	}
	if !actor.CanAccess(r) {
		return nil, Decision{}, apperr.ErrForbidden
	}
	a, err := s.store.GetAssessment(ctx, r.AssessmentID)
	if err != nil {
		return nil, Decision{}, fmt.Errorf("get assessment: %w", err)
	}
	if a == nil {
		return nil, Decision{}, fmt.Errorf("assessment %s: %w", r.AssessmentID, apperr.ErrNotFound)
	}

	d := Apply(ctx, r, a, score, s.now())
	if err := s.store.UpdateResult(ctx, r); err != nil {
		return nil, Decision{}, fmt.Errorf("update result: %w", err)
	}

	payload := map[string]any{"score": d.Score, "supplied": score}
	kind := model.EventScoreUpdated
	if d.Applied {
		kind = model.EventPenalized
		payload["minutes_late"] = d.Penalty.MinutesLate
		payload["original_score"] = d.Penalty.OriginalScore
	}
	if err := s.store.AppendEvent(ctx, model.Event{
		Kind:     kind,
		ActorID:  actor.ID,
		EntityID: r.ID,
		Payload:  payload,
	}); err != nil {
		slog.Warn("append audit event", "result", r.ID, "error", err)
	}

	slog.Info("score updated", "result", r.ID, "score", d.Score,
		"penalty_applied", d.Applied, "penalty_already_applied", d.PenaltyAlreadyApplied)
	return r, d, nil
}
