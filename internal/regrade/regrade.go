// Package regrade re-evaluates the stored answers of a structured result
// with one oracle call.
package regrade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ndtrung87864/examgate/internal/apperr"
	"github.com/ndtrung87864/examgate/internal/model"
	"github.com/ndtrung87864/examgate/internal/oracle"
	"github.com/ndtrung87864/examgate/internal/oracle/prompts"
	"github.com/ndtrung87864/examgate/internal/scoring"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetResult(ctx context.Context, id string) (*model.Result, error)
	GetAssessment(ctx context.Context, id string) (*model.Assessment, error)
	UpdateResult(ctx context.Context, r *model.Result) error
	AppendEvent(ctx context.Context, e model.Event) error
}

// Outcome reports a regrade.
type Outcome struct {
	Result     *model.Result
	Matched    int  // answers updated from a verdict line
	ScoreFound bool // false when the score was derived from the verdicts
	Previous   float64
}

// Orchestrator runs regrades.
type Orchestrator struct {
	store        Store
	oracle       oracle.Oracle
	prompts      *prompts.Set
	parser       *scoring.Parser
	defaultModel string
	language     string
}

// New creates an Orchestrator.
func New(s Store, o oracle.Oracle, p *prompts.Set, defaultModel, language string) *Orchestrator {
	return &Orchestrator{
		store:        s,
		oracle:       o,
		prompts:      p,
		parser:       scoring.DefaultParser(),
		defaultModel: defaultModel,
		language:     language,
	}
}

// Regrade sends every stored answer of a structured result to the oracle
// and merges the verdicts back. Answers without a verdict line are left as
// they were. If the reply yields neither a score nor a verdict the result
// is not modified and apperr.ErrParseMismatch is returned. The late penalty
// is never recomputed.
func (o *Orchestrator) Regrade(ctx context.Context, resultID string, actor *model.User) (Outcome, error) {
	if actor == nil {
		return Outcome{}, apperr.ErrUnauthorized
	}
	r, err := o.store.GetResult(ctx, resultID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get result: %w", err)
	}
	if r == nil {
		return Outcome{}, fmt.Errorf("result %s: %w", resultID, apperr.ErrNotFound)
	}
	if !actor.CanAccess(r) {
		return Outcome{}, apperr.ErrForbidden
	}

	a, err := o.store.GetAssessment(ctx, r.AssessmentID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get assessment: %w", err)
	}
	if a == nil {
		return Outcome{}, fmt.Errorf("assessment %s: %w", r.AssessmentID, apperr.ErrNotFound)
	}
	if a.Format == model.FormatEssay || r.Answers.Kind != model.AnswerKindStructured {
		return Outcome{}, fmt.Errorf("result %s (%s): %w", r.ID, r.Answers.Kind, apperr.ErrEssayRegrade)
	}
	items := r.Answers.Items
	if len(items) == 0 {
		return Outcome{}, apperr.NewValidationError("nothing to regrade",
			apperr.FieldError{Field: "answers", Error: "no stored answers"})
	}

	prompt, err := o.prompts.BuildRegradePrompt(a, items, o.language)
	if err != nil {
		return Outcome{}, fmt.Errorf("build regrade prompt: %w", err)
	}
	modelID := a.ModelID
	if modelID == "" {
		modelID = o.defaultModel
	}
	reply, err := o.oracle.Generate(ctx, prompt, nil, modelID)
	if err != nil {
		return Outcome{}, err
	}

	parsed := o.parser.Parse(reply, model.MaxScore)

	// Merge into a copy so a parse miss leaves r untouched.
	merged := make([]model.StructuredAnswer, len(items))
	copy(merged, items)
	matched := 0
	for i := range merged {
		v, ok := parsed.Verdicts[i+1]
		if !ok || !v.Status.Valid() {
			continue
		}
		merged[i].Status = v.Status
		merged[i].CorrectAnswer = v.CorrectAnswer
		merged[i].Explanation = v.Explanation
		matched++
	}

	var score float64
	switch {
	case parsed.Score.Found:
		score = parsed.Score.Value
	case matched > 0:
		score = CorrectShare(merged)
	default:
		slog.Warn("regrade reply did not parse", "result", r.ID, "model", modelID)
		return Outcome{}, fmt.Errorf("result %s: %w", r.ID, apperr.ErrParseMismatch)
	}

	prev := r.Score
	r.Answers.Items = merged
	r.Score = score
	if err := o.store.UpdateResult(ctx, r); err != nil {
		return Outcome{}, fmt.Errorf("update result: %w", err)
	}

	if err := o.store.AppendEvent(ctx, model.Event{
		Kind:     model.EventRegraded,
		ActorID:  actor.ID,
		EntityID: r.ID,
		Payload: map[string]any{
			"previous_score": prev,
			"score":          score,
			"matched":        matched,
			"score_found":    parsed.Score.Found,
			"model":          modelID,
		},
	}); err != nil {
		slog.Warn("append audit event", "result", r.ID, "error", err)
	}

	slog.Info("result regraded", "result", r.ID, "previous", prev, "score", score, "matched", matched, "total", len(merged))
	return Outcome{Result: r, Matched: matched, ScoreFound: parsed.Score.Found, Previous: prev}, nil
}

// CorrectShare is the share of correct answers on the 0..10 scale.
func CorrectShare(items []model.StructuredAnswer) float64 {
	if len(items) == 0 {
		return 0
	}
	correct := 0
	for _, it := range items {
		if it.Status == model.StatusCorrect {
			correct++
		}
	}
	return scoring.Round2(float64(correct) / float64(len(items)) * model.MaxScore)
}
