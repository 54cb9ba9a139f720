// Package grading scores essay results through the scoring oracle.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ndtrung87864/examgate/internal/apperr"
	"github.com/ndtrung87864/examgate/internal/i18n"
	"github.com/ndtrung87864/examgate/internal/model"
	"github.com/ndtrung87864/examgate/internal/oracle"
	"github.com/ndtrung87864/examgate/internal/oracle/prompts"
	"github.com/ndtrung87864/examgate/internal/penalty"
	"github.com/ndtrung87864/examgate/internal/scoring"
	"github.com/ndtrung87864/examgate/internal/storage"
)

// Store is the persistence grading needs.
type Store interface {
	GetResult(ctx context.Context, id string) (*model.Result, error)
	GetAssessment(ctx context.Context, id string) (*model.Assessment, error)
	UpdateResult(ctx context.Context, r *model.Result) error
	AppendEvent(ctx context.Context, e model.Event) error
	ListUngradedEssays(ctx context.Context, limit int) ([]model.Result, error)
}

// Config selects the prompt and model used for essays.
type Config struct {
	Variant      prompts.PromptVariant
	DefaultModel string
	Language     string
}

// Service grades essays.
type Service struct {
	store   Store
	files   storage.FileStore
	oracle  oracle.Oracle
	prompts *prompts.Set
	parser  *scoring.Parser
	cfg     Config
	now     func() time.Time
}

// New creates a grading service.
func New(s Store, files storage.FileStore, o oracle.Oracle, p *prompts.Set, cfg Config, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	if cfg.Variant == "" {
		cfg.Variant = prompts.PromptStandard
	}
	return &Service{
		store:   s,
		files:   files,
		oracle:  o,
		prompts: p,
		parser:  scoring.DefaultParser(),
		cfg:     cfg,
		now:     now,
	}
}

// Outcome reports a grading call.
type Outcome struct {
	Result        *model.Result
	AlreadyGraded bool
	Refused       bool // the oracle declined; the result stays ungraded
	Penalty       penalty.Decision
}

// GradeEssay sends the stored essay of a result to the oracle, records the
// score and full reply, and applies the late penalty once. A result that is
// already graded is returned unchanged.
func (s *Service) GradeEssay(ctx context.Context, resultID string, actor *model.User) (Outcome, error) {
	if actor == nil {
		return Outcome{}, apperr.ErrUnauthorized
	}
	r, err := s.store.GetResult(ctx, resultID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get result: %w", err)
	}
	if r == nil {
		return Outcome{}, fmt.Errorf("result %s: %w", resultID, apperr.ErrNotFound)
	}
	if !actor.CanAccess(r) {
		return Outcome{}, apperr.ErrForbidden
	}
	return s.grade(ctx, r, actor.ID)
}

func (s *Service) grade(ctx context.Context, r *model.Result, actorID string) (Outcome, error) {
	if r.Answers.Kind != model.AnswerKindEssay || r.Answers.Essay == nil {
		return Outcome{}, apperr.NewValidationError("only essay results can be graded",
			apperr.FieldError{Field: "answers.kind", Error: fmt.Sprintf("is %q", r.Answers.Kind)})
	}
	if r.IsGraded() {
		return Outcome{Result: r, AlreadyGraded: true}, nil
	}

	a, err := s.store.GetAssessment(ctx, r.AssessmentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get assessment: %w", err)
	}
	if a == nil {
		return Outcome{}, fmt.Errorf("assessment %s: %w", r.AssessmentID, apperr.ErrNotFound)
	}

	essay := r.Answers.Essay
	data, err := s.files.Read(ctx, essay.FileURL)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Outcome{}, fmt.Errorf("essay %s: %w: %w", essay.FileURL, apperr.ErrFileMissing, apperr.ErrNotFound)
		}
		return Outcome{}, fmt.Errorf("read essay: %w", err)
	}

	var inline string
	var file *oracle.Attachment
	if oracle.IsText(essay.MimeType) {
		inline = string(data)
	} else {
		file = &oracle.Attachment{Name: essay.FileName, MimeType: essay.MimeType, Data: data}
	}
	prompt, err := s.prompts.BuildEssayPrompt(s.cfg.Variant, a, inline, s.cfg.Language)
	if err != nil {
		return Outcome{}, fmt.Errorf("build essay prompt: %w", err)
	}

	modelID := a.ModelID
	if modelID == "" {
		modelID = s.cfg.DefaultModel
	}
	reply, err := s.oracle.Generate(ctx, prompt, file, modelID)
	switch {
	case errors.Is(err, apperr.ErrOracleRefusal):
		// Score stays 0 and GradedAt unset so the essay can be graded again.
		slog.Warn("oracle refused essay", "result", r.ID, "model", modelID)
		r.Score = 0
		essay.Feedback = i18n.T(ctx, "PolicyRefusalFeedback")
		if err := s.store.UpdateResult(ctx, r); err != nil {
			return Outcome{}, fmt.Errorf("update result: %w", err)
		}
		return Outcome{Result: r, Refused: true}, nil
	case err != nil:
		return Outcome{}, err
	}

	sc := s.parser.ExtractScore(reply, model.MaxScore)
	if !sc.Found {
		slog.Warn("no score in oracle reply", "result", r.ID, "model", modelID)
	}
	now := s.now().UTC()
	essay.Feedback = reply
	essay.GradedAt = &now
	d := penalty.Apply(ctx, r, a, sc.Value, now)
	essay.Score = &d.Score

	if err := s.store.UpdateResult(ctx, r); err != nil {
		return Outcome{}, fmt.Errorf("update result: %w", err)
	}

	payload := map[string]any{"score": d.Score, "raw_score": sc.Raw, "score_found": sc.Found, "model": modelID}
	if d.Applied {
		payload["minutes_late"] = d.Penalty.MinutesLate
		payload["original_score"] = d.Penalty.OriginalScore
	}
	if err := s.store.AppendEvent(ctx, model.Event{
		Kind:     model.EventGraded,
		ActorID:  actorID,
		EntityID: r.ID,
		Payload:  payload,
	}); err != nil {
		slog.Warn("append audit event", "result", r.ID, "error", err)
	}

	slog.Info("essay graded", "result", r.ID, "score", d.Score, "penalized", d.Applied)
	return Outcome{Result: r, Penalty: d}, nil
}

// BatchReport summarizes GradePending.
type BatchReport struct {
	Graded  int
	Refused int
	Failed  int
}

// GradePending grades up to limit ungraded essays. Failures are logged and
// counted; the batch stops early only when ctx is done.
func (s *Service) GradePending(ctx context.Context, limit int) (BatchReport, error) {
	pending, err := s.store.ListUngradedEssays(ctx, limit)
	if err != nil {
		return BatchReport{}, fmt.Errorf("list ungraded essays: %w", err)
	}

	var rep BatchReport
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		out, err := s.grade(ctx, &pending[i], "")
		switch {
		case err != nil:
			rep.Failed++
			slog.Error("grade essay", "result", pending[i].ID, "error", err)
		case out.Refused:
			rep.Refused++
		case !out.AlreadyGraded:
			rep.Graded++
		}
	}
	slog.Info("batch grading finished", "graded", rep.Graded, "refused", rep.Refused, "failed", rep.Failed)
	return rep, nil
}
