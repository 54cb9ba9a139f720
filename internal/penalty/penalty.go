// Package penalty computes the one-time late-submission deduction.
//
// Minutes late are floored. Tier upper bounds are inclusive:
//
//	(0, 30]  subtract 0.5
//	(30, 60] subtract 2
//	(60, ∞)  halve the score
//
// The result is floored at 0 and rounded to two decimals. A PenaltyRecord
// on the result marks the penalty as applied; it is never recomputed.
package penalty

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/ndtrung87864/examgate/internal/i18n"
	"github.com/ndtrung87864/examgate/internal/model"
	"github.com/ndtrung87864/examgate/internal/scoring"
)

// Tier is one lateness bracket. UpTo is the inclusive upper bound in
// minutes; 0 means unbounded.
type Tier struct {
	UpTo   int
	Type   model.PenaltyType
	Amount float64
}

// Tiers are ordered by UpTo; the unbounded tier comes last.
var Tiers = []Tier{
	{UpTo: 30, Type: model.PenaltyFixed, Amount: 0.5},
	{UpTo: 60, Type: model.PenaltyFixed, Amount: 2},
	{UpTo: 0, Type: model.PenaltyPercentage, Amount: 50},
}

// MinutesLate returns whole minutes between deadline and submittedAt,
// floored. It is negative or zero for on-time submissions.
func MinutesLate(deadline, submittedAt time.Time) int {
	return int(math.Floor(submittedAt.Sub(deadline).Minutes()))
}

func tierFor(minutes int) Tier {
	for _, t := range Tiers {
		if t.UpTo == 0 || minutes <= t.UpTo {
			return t
		}
	}
	return Tiers[len(Tiers)-1]
}

// Compute returns the penalty for a submission, or false when none is due:
// no deadline, not late, or nothing to deduct from.
func Compute(original float64, deadline *time.Time, submittedAt time.Time) (model.PenaltyRecord, bool) {
	if deadline == nil || deadline.IsZero() || original <= 0 {
		return model.PenaltyRecord{}, false
	}
	minutes := MinutesLate(*deadline, submittedAt)
	if minutes <= 0 {
		return model.PenaltyRecord{}, false
	}

	t := tierFor(minutes)
	var penalized float64
	switch t.Type {
	case model.PenaltyPercentage:
		penalized = original * (1 - t.Amount/100)
	default:
		penalized = original - t.Amount
	}
	penalized = scoring.Round2(math.Max(penalized, 0))

	return model.PenaltyRecord{
		OriginalScore:  original,
		PenalizedScore: penalized,
		Type:           t.Type,
		Amount:         t.Amount,
		MinutesLate:    minutes,
	}, true
}

// Decision reports what Apply did to a result.
type Decision struct {
	Score                 float64
	Penalty               *model.PenaltyRecord
	Applied               bool // a new penalty was recorded by this call
	PenaltyAlreadyApplied bool
}

// Apply sets the result's score from supplied, deducting the late penalty
// the first time one is due. Lateness is measured from the result's
// creation time, never from client timers.
//
// When the result already carries a PenaltyRecord nothing is recomputed and
// supplied is stored as-is, except that re-sending the recorded original
// score keeps the penalized score, so a retried update cannot undo or
// compound the deduction.
func Apply(ctx context.Context, r *model.Result, a *model.Assessment, supplied float64, now time.Time) Decision {
	if rec := r.Answers.LatePenalty; rec != nil {
		score := supplied
		if supplied == rec.OriginalScore {
			score = rec.PenalizedScore
		}
		r.Score = score
		return Decision{Score: score, Penalty: rec, PenaltyAlreadyApplied: true}
	}

	var deadline *time.Time
	if a != nil {
		deadline = a.Deadline
	}
	rec, due := Compute(supplied, deadline, r.CreatedAt)
	if !due {
		r.Score = supplied
		return Decision{Score: supplied}
	}
	rec.AppliedAt = now.UTC()
	rec.Note = Note(ctx, rec)
	r.Answers.LatePenalty = &rec
	r.Score = rec.PenalizedScore
	return Decision{Score: rec.PenalizedScore, Penalty: &rec, Applied: true}
}

// Note renders the localized explanation of a penalty.
func Note(ctx context.Context, rec model.PenaltyRecord) string {
	if rec.Type == model.PenaltyPercentage {
		return i18n.Tp(ctx, "LatePenaltyHalved", rec.MinutesLate, nil)
	}
	return i18n.Tp(ctx, "LatePenaltyFixed", rec.MinutesLate, map[string]any{
		"Amount": strconv.FormatFloat(rec.Amount, 'f', -1, 64),
	})
}
