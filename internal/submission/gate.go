// Package submission is the single funnel through which results are
// created. At most one result exists per (assessment, user); a repeated
// submission returns the stored result instead of failing.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ndtrung87864/examgate/internal/apperr"
	"github.com/ndtrung87864/examgate/internal/i18n"
	"github.com/ndtrung87864/examgate/internal/model"
	"github.com/ndtrung87864/examgate/internal/storage"
	"github.com/ndtrung87864/examgate/internal/validate"
)

// Store is the persistence the gate needs.
type Store interface {
	GetAssessment(ctx context.Context, id string) (*model.Assessment, error)
	GetResultFor(ctx context.Context, assessmentID, userID string) (*model.Result, error)
	InsertResultIfAbsent(ctx context.Context, r *model.Result) (bool, error)
	AppendEvent(ctx context.Context, e model.Event) error
}

// File is an uploaded essay.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Request is one submission attempt.
type Request struct {
	AssessmentID string
	Kind         model.SubmissionKind
	File         *File
	Answers      []model.StructuredAnswer
	Score        *float64
	Duration     int
}

// Outcome is the result of Submit. AlreadySubmitted marks the idempotent
// path where Result is the one stored earlier.
type Outcome struct {
	Result           *model.Result
	AlreadySubmitted bool
}

// Gate creates results.
type Gate struct {
	store Store
	files storage.FileStore
	now   func() time.Time
}

// New creates a Gate. A nil now uses time.Now.
func New(s Store, files storage.FileStore, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{store: s, files: files, now: now}
}

// Submit validates and records a submission for actor.
func (g *Gate) Submit(ctx context.Context, actor *model.User, req Request) (Outcome, error) {
	if actor == nil {
		return Outcome{}, apperr.ErrUnauthorized
	}
	a, err := g.store.GetAssessment(ctx, req.AssessmentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get assessment: %w", err)
	}
	if a == nil {
		return Outcome{}, fmt.Errorf("assessment %s: %w", req.AssessmentID, apperr.ErrNotFound)
	}

	// Cheap early exit so a retried essay is not uploaded again. The insert
	// below remains the authority on uniqueness.
	if existing, err := g.store.GetResultFor(ctx, a.ID, actor.ID); err != nil {
		return Outcome{}, fmt.Errorf("get result: %w", err)
	} else if existing != nil {
		slog.Info("already submitted", "assessment", a.ID, "user", actor.ID, "result", existing.ID)
		return Outcome{Result: existing, AlreadySubmitted: true}, nil
	}

	now := g.now().UTC()
	r := &model.Result{
		ID:           uuid.NewString(),
		AssessmentID: a.ID,
		UserID:       actor.ID,
		UserName:     displayName(actor),
		Duration:     max(req.Duration, 0),
		CreatedAt:    now,
	}

	var uploaded string
	switch req.Kind {
	case model.SubmitTimeExpired:
		r.Answers = model.AnswerSet{
			Kind:  model.AnswerKindTimeout,
			Essay: &model.EssayAnswer{Feedback: i18n.T(ctx, "TimeExpiredFeedback")},
		}

	case model.SubmitEssay:
		if req.File == nil || len(req.File.Data) == 0 {
			return Outcome{}, apperr.NewValidationError("file is required",
				apperr.FieldError{Field: "file", Error: "this field is required"})
		}
		path := EssayPath(a.ID, actor, req.File.Name, now)
		u, err := g.files.Write(ctx, path, req.File.Data, req.File.MimeType)
		if err != nil {
			return Outcome{}, fmt.Errorf("store essay: %w", err)
		}
		uploaded = u
		r.Answers = model.AnswerSet{
			Kind: model.AnswerKindEssay,
			Essay: &model.EssayAnswer{
				FileURL:  u,
				FileName: req.File.Name,
				MimeType: req.File.MimeType,
			},
		}

	case model.SubmitStructured:
		if err := validate.Var("answers", req.Answers, "required,min=1,dive"); err != nil {
			return Outcome{}, err
		}
		if req.Score == nil {
			return Outcome{}, apperr.NewValidationError("score is required",
				apperr.FieldError{Field: "score", Error: "this field is required"})
		}
		if *req.Score < 0 || *req.Score > model.MaxScore {
			return Outcome{}, apperr.NewValidationError("invalid score",
				apperr.FieldError{Field: "score", Error: fmt.Sprintf("must be between 0 and %g", model.MaxScore)})
		}
		r.Score = *req.Score
		r.Answers = model.AnswerSet{Kind: model.AnswerKindStructured, Items: req.Answers}

	default:
		return Outcome{}, apperr.NewValidationError("unknown submission kind",
			apperr.FieldError{Field: "kind", Error: fmt.Sprintf("must be one of %s, %s, %s",
				model.SubmitEssay, model.SubmitStructured, model.SubmitTimeExpired)})
	}

	inserted, err := g.store.InsertResultIfAbsent(ctx, r)
	if err != nil {
		g.discard(ctx, uploaded)
		return Outcome{}, fmt.Errorf("insert result: %w", err)
	}
	if !inserted {
		// Lost the race to a concurrent submission.
		g.discard(ctx, uploaded)
		existing, err := g.store.GetResultFor(ctx, a.ID, actor.ID)
		if err != nil {
			return Outcome{}, fmt.Errorf("get result: %w", err)
		}
		if existing == nil {
			return Outcome{}, fmt.Errorf("result for %s vanished after conflict: %w", a.ID, apperr.ErrConflict)
		}
		return Outcome{Result: existing, AlreadySubmitted: true}, nil
	}

	if err := g.store.AppendEvent(ctx, model.Event{
		Kind:     model.EventSubmitted,
		ActorID:  actor.ID,
		EntityID: r.ID,
		Payload: map[string]any{
			"assessment_id": a.ID,
			"kind":          string(r.Answers.Kind),
			"score":         r.Score,
		},
	}); err != nil {
		slog.Warn("append audit event", "result", r.ID, "error", err)
	}

	slog.Info("submission recorded", "assessment", a.ID, "user", actor.ID, "result", r.ID, "kind", r.Answers.Kind)
	return Outcome{Result: r}, nil
}

// discard removes an upload that did not end up referenced by a result.
func (g *Gate) discard(ctx context.Context, url string) {
	if url == "" {
		return
	}
	if err := g.files.Delete(ctx, url); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		slog.Warn("discard orphaned upload", "url", url, "error", err)
	}
}

func displayName(u *model.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// EssayPath returns the collision-resistant storage path of an upload:
// <assessmentID>/<actor>_<unixnano>_<uuid8><ext>.
func EssayPath(assessmentID string, actor *model.User, fileName string, at time.Time) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	return fmt.Sprintf("%s/%s_%d_%s%s",
		safeSegment(assessmentID), safeSegment(actor.Username), at.UnixNano(), uuid.NewString()[:8], safeSegment(ext))
}

func safeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
