package model

import (
	"context"
	"time"
)

// MaxScore is the fixed upper bound of Result.Score for every assessment type.
const MaxScore = 10.0

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsStaff reports whether the user may act on other users' results.
func (u *User) IsStaff() bool {
	return u != nil && (u.Role == UserRoleAdmin || u.Role == UserRoleTeacher)
}

// CanAccess reports whether the user owns the result or is staff.
func (u *User) CanAccess(r *Result) bool {
	if u == nil || r == nil {
		return false
	}
	return u.IsStaff() || u.ID == r.UserID
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Category distinguishes exams from exercises. Both share the same shape.
type Category string

const (
	CategoryExam     Category = "exam"
	CategoryExercise Category = "exercise"
)

// Format is the answer format an assessment expects.
type Format string

const (
	FormatEssay          Format = "essay"
	FormatMultipleChoice Format = "multiple_choice"
	FormatWritten        Format = "written"
)

// Assessment is an exam or exercise definition.
type Assessment struct {
	ID               string     `json:"id" yaml:"id" validate:"notblank"`
	Category         Category   `json:"category" yaml:"category" validate:"oneof=exam exercise"`
	Format           Format     `json:"format" yaml:"format" validate:"oneof=essay multiple_choice written"`
	Name             string     `json:"name" yaml:"name" validate:"notblank"`
	Instructions     string     `json:"instructions,omitempty" yaml:"instructions"`
	Deadline         *time.Time `json:"deadline,omitempty" yaml:"deadline"`
	ModelID          string     `json:"model_id,omitempty" yaml:"model_id"`
	AllowReferences  bool       `json:"allow_references" yaml:"allow_references"`
	ShuffleQuestions bool       `json:"shuffle_questions" yaml:"shuffle_questions"`
	QuestionCount    int        `json:"question_count" yaml:"question_count" validate:"gte=0"`
	IsActive         bool       `json:"is_active" yaml:"is_active"`
	CreatedAt        time.Time  `json:"created_at" yaml:"-"`
}

// SubmissionKind selects the Submission Gate branch.
type SubmissionKind string

const (
	SubmitEssay       SubmissionKind = "essay"
	SubmitStructured  SubmissionKind = "structured"
	SubmitTimeExpired SubmissionKind = "time-expired"
)

// AnswerKind is the discriminant of an AnswerSet. It is set once at submission.
type AnswerKind string

const (
	AnswerKindStructured AnswerKind = "structured"
	AnswerKindEssay      AnswerKind = "essay"
	// AnswerKindTimeout is the synthetic essay-shaped answer written on timer expiry.
	AnswerKindTimeout AnswerKind = "timeout"
)

// AnswerStatus is the per-question verdict of a structured answer.
type AnswerStatus string

const (
	StatusCorrect    AnswerStatus = "correct"
	StatusIncorrect  AnswerStatus = "incorrect"
	StatusUnanswered AnswerStatus = "unanswered"
)

// Valid reports whether s is one of the known verdicts.
func (s AnswerStatus) Valid() bool {
	switch s {
	case StatusCorrect, StatusIncorrect, StatusUnanswered:
		return true
	}
	return false
}

// StructuredAnswer is one multiple-choice or written question of a Result.
type StructuredAnswer struct {
	Question      string       `json:"question" validate:"required"`
	Options       []string     `json:"options,omitempty"`
	UserAnswer    string       `json:"user_answer"`
	CorrectAnswer string       `json:"correct_answer,omitempty"`
	Status        AnswerStatus `json:"status" validate:"omitempty,oneof=correct incorrect unanswered"`
	Explanation   string       `json:"explanation,omitempty"`
	Score         *float64     `json:"score,omitempty"`
	MaxScore      *float64     `json:"max_score,omitempty"`
}

// EssayAnswer is the single answer of an essay or timed-out Result.
type EssayAnswer struct {
	FileURL  string     `json:"file_url,omitempty"`
	FileName string     `json:"file_name,omitempty"`
	MimeType string     `json:"mime_type,omitempty"`
	Feedback string     `json:"feedback,omitempty"`
	Score    *float64   `json:"score,omitempty"`
	GradedAt *time.Time `json:"graded_at,omitempty"`
}

// PenaltyType tells how a late penalty was derived.
type PenaltyType string

const (
	PenaltyFixed      PenaltyType = "fixed"
	PenaltyPercentage PenaltyType = "percentage"
)

// PenaltyRecord documents a late-submission deduction. Its presence marks the
// penalty as applied; it is never recomputed.
type PenaltyRecord struct {
	OriginalScore  float64     `json:"original_score"`
	PenalizedScore float64     `json:"penalized_score"`
	Type           PenaltyType `json:"type"`
	Amount         float64     `json:"amount"`
	MinutesLate    int         `json:"minutes_late"`
	Note           string      `json:"note"`
	AppliedAt      time.Time   `json:"applied_at"`
}

// AnswerSet is the tagged union stored in Result.Answers.
type AnswerSet struct {
	Kind        AnswerKind         `json:"kind"`
	Items       []StructuredAnswer `json:"items,omitempty"`
	Essay       *EssayAnswer       `json:"essay,omitempty"`
	LatePenalty *PenaltyRecord     `json:"late_penalty,omitempty"`
}

// Len returns the number of stored answers.
func (a AnswerSet) Len() int {
	if a.Kind == AnswerKindStructured {
		return len(a.Items)
	}
	if a.Essay != nil {
		return 1
	}
	return 0
}

// Result is the persisted outcome of an attempt.
type Result struct {
	ID           string    `json:"id"`
	AssessmentID string    `json:"assessment_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	Score        float64   `json:"score"`
	Answers      AnswerSet `json:"answers"`
	Duration     int       `json:"duration"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsGraded reports whether an essay result already carries an oracle grade.
func (r *Result) IsGraded() bool {
	if r.Score > 0 {
		return true
	}
	return r.Answers.Essay != nil && r.Answers.Essay.GradedAt != nil
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	DefaultModel   string   // Oracle model used when an assessment has none
	PromptVariant  string   // Essay grading prompt variant (strict, standard, lenient)
	JWTSecret      string   // HMAC secret for identity tokens
	TokenTTLHours  int      // Lifetime of issued tokens
	MaxUploadBytes int64    // Upper bound of an essay upload
	CORSOrigins    []string // Allowed browser origins
}
