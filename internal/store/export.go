package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ndtrung87864/examgate/internal/model"
)

// ExportResults builds the export document of every assessment and its
// results.
func (s *Store) ExportResults(ctx context.Context) (*model.ResultsExport, error) {
	assessments, err := s.ListAssessments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}

	out := &model.ResultsExport{ExportedAt: time.Now().UTC()}
	for _, a := range assessments {
		results, err := s.ListResults(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("list results of %s: %w", a.ID, err)
		}

		ex := model.AssessmentEx{Assessment: a, Results: make([]model.ResultEx, 0, len(results))}
		for _, r := range results {
			re := model.ResultEx{
				ResultID:    r.ID,
				UserID:      r.UserID,
				UserName:    r.UserName,
				Kind:        r.Answers.Kind,
				Score:       r.Score,
				Duration:    r.Duration,
				SubmittedAt: r.CreatedAt,
				Answers:     r.Answers,
			}
			if p := r.Answers.LatePenalty; p != nil {
				orig := p.OriginalScore
				re.OriginalScore = &orig
				re.MinutesLate = p.MinutesLate
			}
			ex.Results = append(ex.Results, re)
		}
		out.Assessments = append(out.Assessments, ex)
	}
	return out, nil
}
