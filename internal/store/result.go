package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ndtrung87864/examgate/internal/apperr"
	"github.com/ndtrung87864/examgate/internal/model"
)

type resultRow struct {
	ID           string       `db:"id"`
	AssessmentID string       `db:"assessment_id"`
	UserID       string       `db:"user_id"`
	UserName     string       `db:"user_name"`
	Score        float64      `db:"score"`
	Kind         string       `db:"kind"`
	Answers      string       `db:"answers"`
	Duration     int          `db:"duration"`
	GradedAt     sql.NullTime `db:"graded_at"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

func (r resultRow) toModel() (*model.Result, error) {
	res := &model.Result{
		ID:           r.ID,
		AssessmentID: r.AssessmentID,
		UserID:       r.UserID,
		UserName:     r.UserName,
		Score:        r.Score,
		Duration:     r.Duration,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Answers), &res.Answers); err != nil {
		return nil, fmt.Errorf("decode answers of result %s: %w", r.ID, err)
	}
	// The column is authoritative for the discriminant.
	res.Answers.Kind = model.AnswerKind(r.Kind)
	return res, nil
}

const resultColumns = `id, assessment_id, user_id, user_name, score, kind, answers, duration,
	graded_at, created_at, updated_at`

func gradedAt(a model.AnswerSet) sql.NullTime {
	if a.Essay != nil && a.Essay.GradedAt != nil {
		return sql.NullTime{Time: a.Essay.GradedAt.UTC(), Valid: true}
	}
	return sql.NullTime{}
}

// InsertResultIfAbsent stores r unless a result already exists for the
// same (assessment, user). It reports whether r was inserted. The unique
// constraint is the only arbiter, so concurrent callers cannot both win.
// An empty ID is filled with a new UUID.
func (s *Store) InsertResultIfAbsent(ctx context.Context, r *model.Result) (bool, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.CreatedAt

	answers, err := json.Marshal(r.Answers)
	if err != nil {
		return false, fmt.Errorf("encode answers: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO results (`+resultColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (assessment_id, user_id) DO NOTHING`),
		r.ID, r.AssessmentID, r.UserID, r.UserName, r.Score, string(r.Answers.Kind), string(answers),
		r.Duration, gradedAt(r.Answers), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetResult returns a result by ID, or nil if it does not exist.
func (s *Store) GetResult(ctx context.Context, id string) (*model.Result, error) {
	var row resultRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+resultColumns+` FROM results WHERE id = ?`), id)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// GetResultFor returns the result of a user for an assessment, or nil.
func (s *Store) GetResultFor(ctx context.Context, assessmentID, userID string) (*model.Result, error) {
	var row resultRow
	err := s.db.GetContext(ctx, &row, s.q(
		`SELECT `+resultColumns+` FROM results WHERE assessment_id = ? AND user_id = ?`),
		assessmentID, userID)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// UpdateResult writes the mutable fields of a result: score, answers and
// duration. The kind discriminant and ownership never change.
func (s *Store) UpdateResult(ctx context.Context, r *model.Result) error {
	answers, err := json.Marshal(r.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE results SET score = ?, answers = ?, duration = ?, graded_at = ?, updated_at = ?
		 WHERE id = ?`),
		r.Score, string(answers), r.Duration, gradedAt(r.Answers), r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("result %s: %w", r.ID, apperr.ErrNotFound)
	}
	return nil
}

// DeleteResult hard-deletes a result.
func (s *Store) DeleteResult(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM results WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("result %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (s *Store) selectResults(ctx context.Context, query string, args ...any) ([]model.Result, error) {
	var rows []resultRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, err
	}
	out := make([]model.Result, 0, len(rows))
	for _, row := range rows {
		r, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// ListResults returns the results of one assessment, oldest first.
func (s *Store) ListResults(ctx context.Context, assessmentID string) ([]model.Result, error) {
	return s.selectResults(ctx,
		`SELECT `+resultColumns+` FROM results WHERE assessment_id = ? ORDER BY created_at, id`, assessmentID)
}

// ListUngradedEssays returns essay results without an oracle grade,
// oldest first. A non-positive limit means no limit.
func (s *Store) ListUngradedEssays(ctx context.Context, limit int) ([]model.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM results
		WHERE kind = ? AND graded_at IS NULL AND score = 0
		ORDER BY created_at, id`
	args := []any{string(model.AnswerKindEssay)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.selectResults(ctx, query, args...)
}
