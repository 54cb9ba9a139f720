package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ndtrung87864/examgate/internal/model"
)

type assessmentRow struct {
	ID               string       `db:"id"`
	Category         string       `db:"category"`
	Format           string       `db:"format"`
	Name             string       `db:"name"`
	Instructions     string       `db:"instructions"`
	Deadline         sql.NullTime `db:"deadline"`
	ModelID          string       `db:"model_id"`
	AllowReferences  bool         `db:"allow_references"`
	ShuffleQuestions bool         `db:"shuffle_questions"`
	QuestionCount    int          `db:"question_count"`
	IsActive         bool         `db:"is_active"`
	CreatedAt        time.Time    `db:"created_at"`
}

func (r assessmentRow) toModel() *model.Assessment {
	a := &model.Assessment{
		ID:               r.ID,
		Category:         model.Category(r.Category),
		Format:           model.Format(r.Format),
		Name:             r.Name,
		Instructions:     r.Instructions,
		ModelID:          r.ModelID,
		AllowReferences:  r.AllowReferences,
		ShuffleQuestions: r.ShuffleQuestions,
		QuestionCount:    r.QuestionCount,
		IsActive:         r.IsActive,
		CreatedAt:        r.CreatedAt,
	}
	if r.Deadline.Valid {
		d := r.Deadline.Time
		a.Deadline = &d
	}
	return a
}

const assessmentColumns = `id, category, format, name, instructions, deadline, model_id,
	allow_references, shuffle_questions, question_count, is_active, created_at`

// UpsertAssessment creates or replaces an assessment definition. The
// creation time of an existing assessment is kept.
func (s *Store) UpsertAssessment(ctx context.Context, a model.Assessment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var deadline sql.NullTime
	if a.Deadline != nil {
		deadline = sql.NullTime{Time: a.Deadline.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO assessments (`+assessmentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			format = excluded.format,
			name = excluded.name,
			instructions = excluded.instructions,
			deadline = excluded.deadline,
			model_id = excluded.model_id,
			allow_references = excluded.allow_references,
			shuffle_questions = excluded.shuffle_questions,
			question_count = excluded.question_count,
			is_active = excluded.is_active`),
		a.ID, string(a.Category), string(a.Format), a.Name, a.Instructions, deadline, a.ModelID,
		a.AllowReferences, a.ShuffleQuestions, a.QuestionCount, a.IsActive, a.CreatedAt.UTC(),
	)
	return err
}

// GetAssessment returns an assessment by ID, or nil if it does not exist.
func (s *Store) GetAssessment(ctx context.Context, id string) (*model.Assessment, error) {
	var row assessmentRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+assessmentColumns+` FROM assessments WHERE id = ?`), id)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ListAssessments returns all assessments ordered by creation time.
func (s *Store) ListAssessments(ctx context.Context) ([]model.Assessment, error) {
	var rows []assessmentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+assessmentColumns+` FROM assessments ORDER BY created_at, id`); err != nil {
		return nil, err
	}
	out := make([]model.Assessment, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toModel())
	}
	return out, nil
}
