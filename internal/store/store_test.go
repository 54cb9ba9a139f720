package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ndtrung87864/examgate/internal/apperr"
	"github.com/ndtrung87864/examgate/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestAssessment(t *testing.T, s *Store, id string, format model.Format, deadline *time.Time) {
	t.Helper()
	err := s.UpsertAssessment(context.Background(), model.Assessment{
		ID:            id,
		Category:      model.CategoryExam,
		Format:        format,
		Name:          "Assessment " + id,
		Instructions:  "You have 30 minutes.",
		Deadline:      deadline,
		ModelID:       "llama3.2",
		QuestionCount: 3,
		IsActive:      true,
	})
	if err != nil {
		t.Fatalf("insertTestAssessment: %v", err)
	}
}

func essayResult(assessmentID, userID string) *model.Result {
	return &model.Result{
		AssessmentID: assessmentID,
		UserID:       userID,
		UserName:     "Student " + userID,
		Answers: model.AnswerSet{
			Kind:  model.AnswerKindEssay,
			Essay: &model.EssayAnswer{FileURL: "file:///tmp/essay.pdf", FileName: "essay.pdf", MimeType: "application/pdf"},
		},
	}
}

func TestAssessmentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetAssessment(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("GetAssessment(missing) = %v, %v; want nil, nil", got, err)
	}

	deadline := time.Date(2026, 6, 1, 17, 0, 0, 0, time.UTC)
	insertTestAssessment(t, s, "exam-1", model.FormatEssay, &deadline)

	got, err = s.GetAssessment(ctx, "exam-1")
	if err != nil {
		t.Fatalf("GetAssessment: %v", err)
	}
	if got.Name != "Assessment exam-1" || got.Format != model.FormatEssay || !got.IsActive {
		t.Errorf("unexpected assessment: %+v", got)
	}
	if got.Deadline == nil || !got.Deadline.Equal(deadline) {
		t.Errorf("Deadline = %v, want %v", got.Deadline, deadline)
	}
	created := got.CreatedAt

	// Upsert replaces the definition but keeps the creation time.
	err = s.UpsertAssessment(ctx, model.Assessment{
		ID: "exam-1", Category: model.CategoryExercise, Format: model.FormatWritten, Name: "Renamed",
		CreatedAt: created.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("UpsertAssessment: %v", err)
	}
	got, _ = s.GetAssessment(ctx, "exam-1")
	if got.Name != "Renamed" || got.Format != model.FormatWritten || got.Deadline != nil {
		t.Errorf("upsert did not replace fields: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed from %v to %v", created, got.CreatedAt)
	}

	insertTestAssessment(t, s, "exam-2", model.FormatMultipleChoice, nil)
	list, err := s.ListAssessments(ctx)
	if err != nil {
		t.Fatalf("ListAssessments: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 assessments, got %d", len(list))
	}
}

func TestInsertResultIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestAssessment(t, s, "exam-1", model.FormatEssay, nil)

	first := essayResult("exam-1", "u1")
	inserted, err := s.InsertResultIfAbsent(ctx, first)
	if err != nil {
		t.Fatalf("InsertResultIfAbsent: %v", err)
	}
	if !inserted || first.ID == "" {
		t.Fatalf("first insert: inserted=%v id=%q", inserted, first.ID)
	}

	second := essayResult("exam-1", "u1")
	second.Score = 9
	inserted, err = s.InsertResultIfAbsent(ctx, second)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("second insert for the same (assessment, user) must not insert")
	}

	got, err := s.GetResultFor(ctx, "exam-1", "u1")
	if err != nil {
		t.Fatalf("GetResultFor: %v", err)
	}
	if got.ID != first.ID || got.Score != 0 {
		t.Errorf("stored result = %+v, want the first one unchanged", got)
	}
	if got.Answers.Kind != model.AnswerKindEssay || got.Answers.Essay.FileName != "essay.pdf" {
		t.Errorf("answers not round-tripped: %+v", got.Answers)
	}
}

func TestInsertResultIfAbsentConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestAssessment(t, s, "exam-1", model.FormatEssay, nil)

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertResultIfAbsent(ctx, essayResult("exam-1", "u1"))
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("inserts that won = %d, want 1", wins)
	}
	list, err := s.ListResults(ctx, "exam-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("results stored = %d, want 1", len(list))
	}
}

func TestResultForeignKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertResultIfAbsent(context.Background(), essayResult("no-such-exam", "u1"))
	if err == nil {
		t.Error("expected foreign key violation for unknown assessment")
	}
}

func TestUpdateResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestAssessment(t, s, "exam-1", model.FormatEssay, nil)

	r := essayResult("exam-1", "u1")
	if _, err := s.InsertResultIfAbsent(ctx, r); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListUngradedEssays(ctx, 0)
	if err != nil {
		t.Fatalf("ListUngradedEssays: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	graded := time.Now().UTC()
	score := 7.5
	r.Score = 7.5
	r.Answers.Essay.Score = &score
	r.Answers.Essay.Feedback = "SCORE: 7.5/10\nGood."
	r.Answers.Essay.GradedAt = &graded
	r.Answers.LatePenalty = &model.PenaltyRecord{OriginalScore: 8, PenalizedScore: 7.5, Type: model.PenaltyFixed, Amount: 0.5, MinutesLate: 10}
	if err := s.UpdateResult(ctx, r); err != nil {
		t.Fatalf("UpdateResult: %v", err)
	}

	got, err := s.GetResult(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Score != 7.5 || got.Answers.Essay.Feedback != "SCORE: 7.5/10\nGood." {
		t.Errorf("update not persisted: %+v", got)
	}
	if got.Answers.LatePenalty == nil || got.Answers.LatePenalty.OriginalScore != 8 {
		t.Errorf("penalty record not persisted: %+v", got.Answers.LatePenalty)
	}

	pending, err = s.ListUngradedEssays(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("graded essay still pending: %+v", pending)
	}

	missing := &model.Result{ID: "nope"}
	if err := s.UpdateResult(ctx, missing); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("UpdateResult(missing) = %v, want ErrNotFound", err)
	}
}

func TestDeleteResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestAssessment(t, s, "exam-1", model.FormatEssay, nil)
	r := essayResult("exam-1", "u1")
	if _, err := s.InsertResultIfAbsent(ctx, r); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteResult(ctx, r.ID); err != nil {
		t.Fatalf("DeleteResult: %v", err)
	}
	if got, _ := s.GetResult(ctx, r.ID); got != nil {
		t.Error("result still present after delete")
	}
	if err := s.DeleteResult(ctx, r.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}

	// A deleted result frees the slot for a new submission.
	inserted, err := s.InsertResultIfAbsent(ctx, essayResult("exam-1", "u1"))
	if err != nil || !inserted {
		t.Errorf("insert after delete = %v, %v", inserted, err)
	}
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.UserCount(ctx)
	if err != nil || count != 0 {
		t.Fatalf("UserCount = %d, %v", count, err)
	}

	id, err := s.CreateUser(ctx, model.User{
		Username: "alice", DisplayName: "Alice", PasswordHash: "hash", Role: model.UserRoleStudent, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	u, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || u.ID != id || u.Role != model.UserRoleStudent || !u.Active {
		t.Errorf("GetUserByUsername = %+v", u)
	}

	if _, err := s.CreateUser(ctx, model.User{Username: "alice", PasswordHash: "x", Role: model.UserRoleAdmin}); err == nil {
		t.Error("duplicate username should fail")
	}

	if err := s.SetUserActive(ctx, id, false); err != nil {
		t.Fatal(err)
	}
	u, _ = s.GetUserByID(ctx, id)
	if u.Active {
		t.Error("expected user deactivated")
	}

	if u, err := s.GetUserByID(ctx, "missing"); err != nil || u != nil {
		t.Errorf("GetUserByID(missing) = %v, %v", u, err)
	}

	users, err := s.ListUsers(ctx)
	if err != nil || len(users) != 1 {
		t.Errorf("ListUsers = %d, %v", len(users), err)
	}
}

func TestEventLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []model.EventKind{model.EventSubmitted, model.EventGraded} {
		if err := s.AppendEvent(ctx, model.Event{Kind: k, ActorID: "u1", EntityID: "r1", Payload: map[string]any{"score": 5.5}}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	if err := s.AppendEvent(ctx, model.Event{Kind: model.EventSubmitted, ActorID: "u2", EntityID: "r2"}); err != nil {
		t.Fatal(err)
	}

	events, err := s.ListEvents(ctx, "r1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 || events[0].Kind != model.EventSubmitted || events[1].Kind != model.EventGraded {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Payload["score"] != 5.5 {
		t.Errorf("payload = %v", events[0].Payload)
	}
}

func TestMarkImported(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.MarkImported(ctx, "abc123", "exams.yaml")
	if err != nil || !ok {
		t.Fatalf("first MarkImported = %v, %v", ok, err)
	}
	ok, err = s.MarkImported(ctx, "abc123", "copy.yaml")
	if err != nil || ok {
		t.Errorf("second MarkImported = %v, %v; want false", ok, err)
	}
	imported, err := s.IsImported(ctx, "abc123")
	if err != nil || !imported {
		t.Errorf("IsImported = %v, %v", imported, err)
	}
}

func TestExportResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertTestAssessment(t, s, "exam-1", model.FormatEssay, nil)
	insertTestAssessment(t, s, "exam-2", model.FormatWritten, nil)

	r := essayResult("exam-1", "u1")
	r.Score = 7.5
	r.Answers.LatePenalty = &model.PenaltyRecord{OriginalScore: 8, PenalizedScore: 7.5, MinutesLate: 12}
	if _, err := s.InsertResultIfAbsent(ctx, r); err != nil {
		t.Fatal(err)
	}

	ex, err := s.ExportResults(ctx)
	if err != nil {
		t.Fatalf("ExportResults: %v", err)
	}
	if len(ex.Assessments) != 2 {
		t.Fatalf("assessments = %d, want 2", len(ex.Assessments))
	}
	var found bool
	for _, a := range ex.Assessments {
		if a.Assessment.ID != "exam-1" {
			if len(a.Results) != 0 {
				t.Errorf("%s has %d results, want 0", a.Assessment.ID, len(a.Results))
			}
			continue
		}
		if len(a.Results) != 1 {
			t.Fatalf("exam-1 results = %d", len(a.Results))
		}
		re := a.Results[0]
		if re.OriginalScore == nil || *re.OriginalScore != 8 || re.MinutesLate != 12 || re.Score != 7.5 {
			t.Errorf("export row = %+v", re)
		}
		found = true
	}
	if !found {
		t.Error("exam-1 missing from export")
	}
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct{ in, want string }{
		{":memory:", ":memory:?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"},
		{"data/examgate.db", "data/examgate.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{"file:x.db?cache=shared", "file:x.db?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
	}
	for _, tt := range tests {
		if got := sqliteDSN(tt.in); got != tt.want {
			t.Errorf("sqliteDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", ""); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
