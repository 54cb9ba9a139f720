package penalty_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ndtrung87864/examgate/internal/apperr"
	"github.com/ndtrung87864/examgate/internal/model"
	"github.com/ndtrung87864/examgate/internal/penalty"
)

type fakeStore struct {
	mu          sync.Mutex
	results     map[string]model.Result
	assessments map[string]model.Assessment
	events      []model.Event
	updates     int
}

func (f *fakeStore) GetResult(_ context.Context, id string) (*model.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *fakeStore) GetAssessment(_ context.Context, id string) (*model.Assessment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assessments[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (f *fakeStore) UpdateResult(_ context.Context, r *model.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[r.ID] = *r
	f.updates++
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, e model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func setup(t *testing.T, lateBy time.Duration) (*fakeStore, *penalty.Service) {
	t.Helper()
	deadline := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		results: map[string]model.Result{
			"r1": {ID: "r1", AssessmentID: "ex1", UserID: "student", CreatedAt: deadline.Add(lateBy),
				Answers: model.AnswerSet{Kind: model.AnswerKindStructured, Items: []model.StructuredAnswer{{Question: "2+2", UserAnswer: "4"}}}},
		},
		assessments: map[string]model.Assessment{
			"ex1": {ID: "ex1", Format: model.FormatWritten, Deadline: &deadline},
		},
	}
	return fs, penalty.NewService(fs, func() time.Time { return deadline.Add(3 * time.Hour) })
}

func TestUpdateScoreTwiceDoesNotCompound(t *testing.T) {
	fs, svc := setup(t, 90*time.Minute)
	owner := &model.User{ID: "student", Role: model.UserRoleStudent}
	ctx := context.Background()

	r1, d1, err := svc.UpdateScore(ctx, "r1", 8, owner)
	if err != nil {
		t.Fatalf("first UpdateScore: %v", err)
	}
	if r1.Score != 4 || !d1.Applied {
		t.Fatalf("first: score %v, decision %+v", r1.Score, d1)
	}

	r2, d2, err := svc.UpdateScore(ctx, "r1", 8, owner)
	if err != nil {
		t.Fatalf("second UpdateScore: %v", err)
	}
	if r2.Score != 4 {
		t.Errorf("second score = %v, want 4", r2.Score)
	}
	if !d2.PenaltyAlreadyApplied {
		t.Error("second call must report PenaltyAlreadyApplied")
	}
	if got := fs.results["r1"].Score; got != 4 {
		t.Errorf("persisted score = %v, want 4", got)
	}
	if len(fs.events) != 2 || fs.events[0].Kind != model.EventPenalized || fs.events[1].Kind != model.EventScoreUpdated {
		t.Errorf("events = %+v", fs.events)
	}
}

func TestUpdateScoreErrors(t *testing.T) {
	_, svc := setup(t, 0)
	ctx := context.Background()
	owner := &model.User{ID: "student", Role: model.UserRoleStudent}

	tests := []struct {
		name  string
		id    string
		score float64
		actor *model.User
		check func(error) bool
	}{
		{"no actor", "r1", 5, nil, func(err error) bool { return errors.Is(err, apperr.ErrUnauthorized) }},
		{"score too high", "r1", 11, owner, apperr.IsValidation},
		{"negative score", "r1", -1, owner, apperr.IsValidation},
		{"missing result", "nope", 5, owner, func(err error) bool { return errors.Is(err, apperr.ErrNotFound) }},
		{"other student", "r1", 5, &model.User{ID: "intruder", Role: model.UserRoleStudent},
			func(err error) bool { return errors.Is(err, apperr.ErrForbidden) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.UpdateScore(ctx, tt.id, tt.score, tt.actor)
			if err == nil || !tt.check(err) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestUpdateScoreByTeacher(t *testing.T) {
	fs, svc := setup(t, -time.Minute)
	teacher := &model.User{ID: "t1", Role: model.UserRoleTeacher}

	r, d, err := svc.UpdateScore(context.Background(), "r1", 9.5, teacher)
	if err != nil {
		t.Fatal(err)
	}
	if r.Score != 9.5 || d.Applied || d.PenaltyAlreadyApplied {
		t.Errorf("score %v, decision %+v", r.Score, d)
	}
	if fs.updates != 1 {
		t.Errorf("updates = %d, want 1", fs.updates)
	}
}
