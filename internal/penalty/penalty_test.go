package penalty

import (
	"context"
	"testing"
	"time"

	"github.com/ndtrung87864/examgate/internal/model"
)

var deadline = time.Date(2026, 5, 10, 23, 59, 0, 0, time.UTC)

func TestComputeTiers(t *testing.T) {
	tests := []struct {
		name     string
		offset   time.Duration
		original float64
		want     float64
		wantDue  bool
		wantType model.PenaltyType
		wantLate int
	}{
		{"on time", -5 * time.Minute, 8, 8, false, "", 0},
		{"exactly at deadline", 0, 8, 8, false, "", 0},
		{"under a minute late", 40 * time.Second, 8, 8, false, "", 0},
		{"10 minutes late", 10 * time.Minute, 8, 7.5, true, model.PenaltyFixed, 10},
		{"30 minutes is tier one", 30 * time.Minute, 8, 7.5, true, model.PenaltyFixed, 30},
		{"30m59s floors to tier one", 30*time.Minute + 59*time.Second, 8, 7.5, true, model.PenaltyFixed, 30},
		{"31 minutes is tier two", 31 * time.Minute, 8, 6, true, model.PenaltyFixed, 31},
		{"45 minutes late", 45 * time.Minute, 8, 6, true, model.PenaltyFixed, 45},
		{"60 minutes is tier two", 60 * time.Minute, 8, 6, true, model.PenaltyFixed, 60},
		{"61 minutes halves", 61 * time.Minute, 8, 4, true, model.PenaltyPercentage, 61},
		{"90 minutes late", 90 * time.Minute, 8, 4, true, model.PenaltyPercentage, 90},
		{"days late", 72 * time.Hour, 7.25, 3.63, true, model.PenaltyPercentage, 4320},
		{"floored at zero", 10 * time.Minute, 0.3, 0, true, model.PenaltyFixed, 10},
		{"tier two floored at zero", 45 * time.Minute, 1.5, 0, true, model.PenaltyFixed, 45},
		{"zero score", 90 * time.Minute, 0, 0, false, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, due := Compute(tt.original, &deadline, deadline.Add(tt.offset))
			if due != tt.wantDue {
				t.Fatalf("due = %v, want %v", due, tt.wantDue)
			}
			if !due {
				return
			}
			if rec.PenalizedScore != tt.want {
				t.Errorf("PenalizedScore = %v, want %v", rec.PenalizedScore, tt.want)
			}
			if rec.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", rec.Type, tt.wantType)
			}
			if rec.MinutesLate != tt.wantLate {
				t.Errorf("MinutesLate = %d, want %d", rec.MinutesLate, tt.wantLate)
			}
			if rec.OriginalScore != tt.original {
				t.Errorf("OriginalScore = %v, want %v", rec.OriginalScore, tt.original)
			}
		})
	}
}

func TestComputeWithoutDeadline(t *testing.T) {
	if _, due := Compute(8, nil, time.Now()); due {
		t.Error("no deadline must never be penalized")
	}
	var zero time.Time
	if _, due := Compute(8, &zero, time.Now()); due {
		t.Error("zero deadline must never be penalized")
	}
}

func newResult(offset time.Duration) (*model.Result, *model.Assessment) {
	a := &model.Assessment{ID: "essay-1", Format: model.FormatEssay, Deadline: &deadline}
	r := &model.Result{
		ID:           "r1",
		AssessmentID: a.ID,
		UserID:       "u1",
		CreatedAt:    deadline.Add(offset),
		Answers:      model.AnswerSet{Kind: model.AnswerKindEssay, Essay: &model.EssayAnswer{FileName: "essay.pdf"}},
	}
	return r, a
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, a := newResult(10 * time.Minute)
	now := deadline.Add(2 * time.Hour)

	first := Apply(ctx, r, a, 8, now)
	if !first.Applied || first.PenaltyAlreadyApplied {
		t.Fatalf("first Apply = %+v, want newly applied", first)
	}
	if r.Score != 7.5 {
		t.Fatalf("score after first Apply = %v, want 7.5", r.Score)
	}
	if r.Answers.LatePenalty == nil || r.Answers.LatePenalty.Note == "" {
		t.Fatal("expected a penalty record with a note")
	}
	if !r.Answers.LatePenalty.AppliedAt.Equal(now) {
		t.Errorf("AppliedAt = %v, want %v", r.Answers.LatePenalty.AppliedAt, now)
	}

	second := Apply(ctx, r, a, 8, now.Add(time.Minute))
	if !second.PenaltyAlreadyApplied || second.Applied {
		t.Fatalf("second Apply = %+v, want PenaltyAlreadyApplied", second)
	}
	if r.Score != 7.5 {
		t.Errorf("score after retry = %v, want 7.5", r.Score)
	}
	if r.Answers.LatePenalty.PenalizedScore != 7.5 || r.Answers.LatePenalty.OriginalScore != 8 {
		t.Errorf("penalty record changed: %+v", r.Answers.LatePenalty)
	}
}

func TestApplyAfterPenaltyStoresSuppliedScore(t *testing.T) {
	ctx := context.Background()
	r, a := newResult(45 * time.Minute)
	Apply(ctx, r, a, 8, deadline.Add(time.Hour))

	d := Apply(ctx, r, a, 9, deadline.Add(2*time.Hour))
	if !d.PenaltyAlreadyApplied {
		t.Fatal("expected PenaltyAlreadyApplied")
	}
	if r.Score != 9 {
		t.Errorf("score = %v, want supplied 9 as-is", r.Score)
	}
	if r.Answers.LatePenalty.PenalizedScore != 6 {
		t.Errorf("record must not be recomputed, got %+v", r.Answers.LatePenalty)
	}
}

func TestApplyOnTime(t *testing.T) {
	r, a := newResult(-5 * time.Minute)
	d := Apply(context.Background(), r, a, 8, deadline)
	if d.Applied || d.PenaltyAlreadyApplied || r.Score != 8 || r.Answers.LatePenalty != nil {
		t.Errorf("on-time Apply = %+v, score %v", d, r.Score)
	}
}
