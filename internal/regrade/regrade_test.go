package regrade_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ndtrung87864/examgate/internal/apperr"
	"github.com/ndtrung87864/examgate/internal/model"
	"github.com/ndtrung87864/examgate/internal/oracle"
	"github.com/ndtrung87864/examgate/internal/oracle/prompts"
	"github.com/ndtrung87864/examgate/internal/regrade"
)

type fakeStore struct {
	results     map[string]model.Result
	assessments map[string]model.Assessment
	events      []model.Event
	updates     int
}

func (f *fakeStore) GetResult(_ context.Context, id string) (*model.Result, error) {
	r, ok := f.results[id]
	if !ok {
		return nil, nil
	}
	r.Answers.Items = append([]model.StructuredAnswer(nil), r.Answers.Items...)
	return &r, nil
}

func (f *fakeStore) GetAssessment(_ context.Context, id string) (*model.Assessment, error) {
	a, ok := f.assessments[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (f *fakeStore) UpdateResult(_ context.Context, r *model.Result) error {
	f.results[r.ID] = *r
	f.updates++
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, e model.Event) error {
	f.events = append(f.events, e)
	return nil
}

type fakeOracle struct {
	reply  string
	err    error
	calls  int
	prompt string
}

func (f *fakeOracle) Generate(_ context.Context, prompt string, _ *oracle.Attachment, _ string) (string, error) {
	f.calls++
	f.prompt = prompt
	return f.reply, f.err
}

var owner = &model.User{ID: "u1", Role: model.UserRoleStudent}

func setup(t *testing.T, reply string) (*fakeStore, *fakeOracle, *regrade.Orchestrator) {
	t.Helper()
	p, err := prompts.Default()
	if err != nil {
		t.Fatalf("prompts.Default: %v", err)
	}
	penalized := &model.PenaltyRecord{OriginalScore: 6, PenalizedScore: 5.5, Type: model.PenaltyFixed, Amount: 0.5, MinutesLate: 12}
	st := &fakeStore{
		assessments: map[string]model.Assessment{
			"quiz":  {ID: "quiz", Format: model.FormatMultipleChoice, Name: "Quiz"},
			"essay": {ID: "essay", Format: model.FormatEssay, Name: "Essay"},
		},
		results: map[string]model.Result{
			"r1": {ID: "r1", AssessmentID: "quiz", UserID: owner.ID, Score: 5.5,
				Answers: model.AnswerSet{
					Kind: model.AnswerKindStructured,
					Items: []model.StructuredAnswer{
						{Question: "2+2", Options: []string{"3", "4"}, UserAnswer: "4", Status: model.StatusIncorrect},
						{Question: "Capital of France", Options: []string{"Paris", "Rome"}, UserAnswer: "Rome", Status: model.StatusCorrect, Explanation: "old"},
						{Question: "3*3", Options: []string{"6", "9"}, UserAnswer: "", Status: model.StatusUnanswered},
					},
					LatePenalty: penalized,
				}},
			"essayResult": {ID: "essayResult", AssessmentID: "quiz", UserID: owner.ID,
				Answers: model.AnswerSet{Kind: model.AnswerKindEssay, Essay: &model.EssayAnswer{FileURL: "file:///x"}}},
			"essayAssessment": {ID: "essayAssessment", AssessmentID: "essay", UserID: owner.ID,
				Answers: model.AnswerSet{Kind: model.AnswerKindStructured, Items: []model.StructuredAnswer{{Question: "q"}}}},
			"empty": {ID: "empty", AssessmentID: "quiz", UserID: owner.ID,
				Answers: model.AnswerSet{Kind: model.AnswerKindStructured}},
		},
	}
	o := &fakeOracle{reply: reply}
	return st, o, regrade.New(st, o, p, "m", "en")
}

func TestRegradeMergesVerdicts(t *testing.T) {
	reply := strings.Join([]string{
		"SCORE: 6/10",
		"Question 1: correct - Correct answer: 4 - Right.",
		"Question 2: incorrect - Correct answer: Paris - Rome is in Italy.",
	}, "\n")
	st, o, orch := setup(t, reply)

	out, err := orch.Regrade(context.Background(), "r1", owner)
	if err != nil {
		t.Fatalf("Regrade: %v", err)
	}
	if o.calls != 1 {
		t.Errorf("oracle calls = %d, want one consolidated prompt", o.calls)
	}
	if !strings.Contains(o.prompt, "Capital of France") || !strings.Contains(o.prompt, "Paris") {
		t.Error("prompt is missing a question or its options")
	}

	got := st.results["r1"]
	if got.Score != 6 || !out.ScoreFound || out.Matched != 2 || out.Previous != 5.5 {
		t.Errorf("out = %+v, score = %v", out, got.Score)
	}
	items := got.Answers.Items
	if items[0].Status != model.StatusCorrect || items[0].CorrectAnswer != "4" {
		t.Errorf("item 1 = %+v", items[0])
	}
	if items[1].Status != model.StatusIncorrect || items[1].CorrectAnswer != "Paris" || items[1].Explanation != "Rome is in Italy." {
		t.Errorf("item 2 = %+v", items[1])
	}
	if items[2].Status != model.StatusUnanswered || items[2].Question != "3*3" {
		t.Errorf("unmatched item 3 changed: %+v", items[2])
	}
	if p := got.Answers.LatePenalty; p == nil || p.PenalizedScore != 5.5 || p.MinutesLate != 12 {
		t.Errorf("penalty record not preserved: %+v", p)
	}
	if len(st.events) != 1 || st.events[0].Kind != model.EventRegraded {
		t.Errorf("events = %+v", st.events)
	}
}

func TestRegradeScoreFallsBackToCorrectShare(t *testing.T) {
	reply := "Question 1: correct - Correct answer: 4 - ok\nQuestion 2: correct - Correct answer: Paris - ok\nQuestion 3: incorrect - Correct answer: 9 - no"
	st, _, orch := setup(t, reply)

	out, err := orch.Regrade(context.Background(), "r1", owner)
	if err != nil {
		t.Fatalf("Regrade: %v", err)
	}
	if out.ScoreFound {
		t.Error("ScoreFound = true for a reply without a score line")
	}
	if got := st.results["r1"].Score; got != 6.67 {
		t.Errorf("score = %v, want 6.67", got)
	}
}

func TestRegradeParseMismatchLeavesResult(t *testing.T) {
	st, _, orch := setup(t, "I cannot determine the grade.")
	before := st.results["r1"]

	_, err := orch.Regrade(context.Background(), "r1", owner)
	if !errors.Is(err, apperr.ErrParseMismatch) {
		t.Fatalf("err = %v, want ErrParseMismatch", err)
	}
	after := st.results["r1"]
	if st.updates != 0 || after.Score != before.Score || after.Answers.Items[0].Status != before.Answers.Items[0].Status {
		t.Error("result modified on parse miss")
	}
}

func TestRegradeRejections(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		actor *model.User
		check func(error) bool
	}{
		{"essay result", "essayResult", owner, func(err error) bool { return errors.Is(err, apperr.ErrEssayRegrade) }},
		{"essay assessment", "essayAssessment", owner, func(err error) bool { return errors.Is(err, apperr.ErrEssayRegrade) }},
		{"no answers", "empty", owner, apperr.IsValidation},
		{"missing", "nope", owner, func(err error) bool { return errors.Is(err, apperr.ErrNotFound) }},
		{"anonymous", "r1", nil, func(err error) bool { return errors.Is(err, apperr.ErrUnauthorized) }},
		{"stranger", "r1", &model.User{ID: "u9", Role: model.UserRoleStudent}, func(err error) bool { return errors.Is(err, apperr.ErrForbidden) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, o, orch := setup(t, "SCORE: 10/10")
			_, err := orch.Regrade(context.Background(), tt.id, tt.actor)
			if !tt.check(err) {
				t.Errorf("unexpected error %v", err)
			}
			if o.calls != 0 || st.updates != 0 {
				t.Error("rejected regrade must not call the oracle or write")
			}
		})
	}
}

func TestRegradeOracleDown(t *testing.T) {
	st, o, orch := setup(t, "")
	o.err = fmt.Errorf("%w: timeout", apperr.ErrOracleUnavailable)
	_, err := orch.Regrade(context.Background(), "r1", &model.User{ID: "admin", Role: model.UserRoleAdmin})
	if !errors.Is(err, apperr.ErrOracleUnavailable) || st.updates != 0 {
		t.Errorf("err = %v, updates = %d", err, st.updates)
	}
}

func TestCorrectShare(t *testing.T) {
	items := []model.StructuredAnswer{{Status: model.StatusCorrect}, {Status: model.StatusIncorrect}, {Status: model.StatusCorrect}, {Status: model.StatusUnanswered}}
	if got := regrade.CorrectShare(items); got != 5 {
		t.Errorf("CorrectShare = %v, want 5", got)
	}
	if got := regrade.CorrectShare(nil); got != 0 {
		t.Errorf("CorrectShare(nil) = %v, want 0", got)
	}
}
