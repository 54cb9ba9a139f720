package model

import "time"

// ResultsExport is the top-level JSON structure for result export.
type ResultsExport struct {
	ExportedAt  time.Time      `json:"exported_at"`
	Assessments []AssessmentEx `json:"assessments"`
}

// AssessmentEx holds one assessment and all of its results for export.
type AssessmentEx struct {
	Assessment Assessment `json:"assessment"`
	Results    []ResultEx `json:"results"`
}

// ResultEx is a flattened result row for export.
type ResultEx struct {
	ResultID      string     `json:"result_id"`
	UserID        string     `json:"user_id"`
	UserName      string     `json:"user_name"`
	Kind          AnswerKind `json:"kind"`
	Score         float64    `json:"score"`
	OriginalScore *float64   `json:"original_score,omitempty"`
	MinutesLate   int        `json:"minutes_late,omitempty"`
	Duration      int        `json:"duration"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	Answers       AnswerSet  `json:"answers"`
}
