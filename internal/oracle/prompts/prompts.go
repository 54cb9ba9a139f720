// Package prompts renders the grading prompts sent to the scoring oracle.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/ndtrung87864/examgate/internal/model"
	"github.com/ndtrung87864/examgate/internal/scoring"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const maxAnswerRunes = 10000

// PromptVariant represents an essay grading prompt variant.
type PromptVariant string

const (
	// PromptStrict is a strict grading variant.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient is a lenient grading variant.
	PromptLenient PromptVariant = "lenient"
)

var variants = []PromptVariant{PromptStrict, PromptStandard, PromptLenient}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	for _, pv := range variants {
		if PromptVariant(v) == pv {
			return true
		}
	}
	return false
}

// EssayData holds template data for essay prompts.
type EssayData struct {
	AssessmentName  string
	Instructions    string
	AllowReferences bool
	Answer          string // inline essay text; empty when the file is attached
	MaxScore        float64
	Language        string
	GrammarVersion  string
}

// RegradeQuestion is one stored answer listed in the regrade prompt.
type RegradeQuestion struct {
	Number   int
	Question string
	Options  []string
	Answer   string
}

// RegradeData holds template data for the regrade prompt.
type RegradeData struct {
	AssessmentName string
	Instructions   string
	Questions      []RegradeQuestion
	MaxScore       float64
	Language       string
	GrammarVersion string
}

// Set is a loaded collection of prompt templates.
type Set struct {
	essay   map[PromptVariant]*template.Template
	regrade *template.Template
}

// Default loads the embedded templates.
func Default() (*Set, error) {
	return Load(templateFS)
}

// Load parses templates/essay_<variant>.txt and templates/regrade.txt
// from fsys.
func Load(fsys fs.FS) (*Set, error) {
	s := &Set{essay: make(map[PromptVariant]*template.Template)}
	for _, v := range variants {
		tmpl, err := parse(fsys, "templates/essay_"+string(v)+".txt")
		if err != nil {
			return nil, err
		}
		s.essay[v] = tmpl
	}
	tmpl, err := parse(fsys, "templates/regrade.txt")
	if err != nil {
		return nil, err
	}
	s.regrade = tmpl
	return s, nil
}

func parse(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", name, err)
	}
	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

// BuildEssayPrompt renders the essay grading prompt. inlineAnswer is the
// essay text when it is sent inline rather than attached.
func (s *Set) BuildEssayPrompt(variant PromptVariant, a *model.Assessment, inlineAnswer, language string) (string, error) {
	tmpl, ok := s.essay[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	data := EssayData{
		AssessmentName:  a.Name,
		Instructions:    a.Instructions,
		AllowReferences: a.AllowReferences,
		MaxScore:        model.MaxScore,
		Language:        languageName(language),
		GrammarVersion:  scoring.GrammarVersion,
	}
	if inlineAnswer != "" {
		data.Answer = sanitizeAnswer(inlineAnswer)
	}
	return execute(tmpl, data)
}

// BuildRegradePrompt renders one consolidated prompt covering every stored
// answer of a structured result.
func (s *Set) BuildRegradePrompt(a *model.Assessment, answers []model.StructuredAnswer, language string) (string, error) {
	data := RegradeData{
		AssessmentName: a.Name,
		Instructions:   a.Instructions,
		MaxScore:       model.MaxScore,
		Language:       languageName(language),
		GrammarVersion: scoring.GrammarVersion,
	}
	for i, ans := range answers {
		q := RegradeQuestion{
			Number:   i + 1,
			Question: ans.Question,
			Answer:   sanitizeAnswer(ans.UserAnswer),
		}
		if a.Format == model.FormatMultipleChoice {
			q.Options = ans.Options
		}
		data.Questions = append(data.Questions, q)
	}
	return execute(s.regrade, data)
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

func languageName(tag string) string {
	switch strings.ToLower(tag) {
	case "vi", "vi-vn":
		return "Vietnamese"
	case "ru", "ru-ru":
		return "Russian"
	default:
		return "English"
	}
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
