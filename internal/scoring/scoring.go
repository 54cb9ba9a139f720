// Package scoring parses the free-text reply contract of the scoring oracle.
//
// Grammar v1:
//
//	SCORE: <number>[/<scale>]
//	Question <N>: <correct|incorrect|unanswered> - Correct answer: <text>[ - <explanation>]
//
// The score keyword is localized (SCORE, ĐIỂM, ОЦЕНКА and every loaded
// ScoreKeyword translation) and a decimal comma is accepted. Lines may carry
// Markdown emphasis. The first score line wins; for verdicts, the first line
// per question number wins.
package scoring

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ndtrung87864/examgate/internal/i18n"
	"github.com/ndtrung87864/examgate/internal/model"
)

// GrammarVersion identifies the reply grammar the prompts ask for.
const GrammarVersion = "v1"

var (
	baseScoreKeywords    = []string{"SCORE", "ĐIỂM", "ОЦЕНКА"}
	baseQuestionKeywords = []string{"Question", "Câu", "Вопрос"}
)

const number = `([+-]?\d+(?:[.,]\d+)?)`

// Score is the outcome of score extraction.
type Score struct {
	Value float64 // normalized to 0..model.MaxScore
	Raw   float64 // as written by the oracle, before clamping
	Scale float64 // denominator used for normalization
	Found bool
}

// Verdict is one parsed per-question line.
type Verdict struct {
	Question      int
	Status        model.AnswerStatus
	CorrectAnswer string
	Explanation   string
}

// Reply is a fully parsed oracle reply.
type Reply struct {
	Score    Score
	Verdicts map[int]Verdict
}

// Parser holds compiled patterns for one keyword set.
type Parser struct {
	scoreRe   *regexp.Regexp
	verdictRe *regexp.Regexp
}

// NewParser compiles a parser accepting the built-in keywords plus the
// given extra score keywords.
func NewParser(scoreKeywords ...string) *Parser {
	kw := alternation(append(append([]string{}, baseScoreKeywords...), scoreKeywords...))
	qkw := alternation(append(append([]string{}, baseQuestionKeywords...), i18n.AllTranslations("QuestionKeyword")...))
	return &Parser{
		scoreRe: regexp.MustCompile(`(?im)^[\s>#*_]*(?:` + kw + `)[\s*_]*[:：]\s*[*_]*\s*` +
			number + `(?:\s*/\s*` + number + `)?`),
		verdictRe: regexp.MustCompile(`(?im)^[\s>#*_-]*(?:` + qkw + `)\s+(\d+)[\s*_]*[:：.)]\s*[*_]*\s*` +
			`(correct|incorrect|unanswered)\b[*_]*\s*[-–—]\s*correct answer\s*[:：]\s*` +
			`(.*?)(?:\s+[-–—]\s+(.*?))?\s*$`),
	}
}

func alternation(words []string) string {
	seen := make(map[string]bool)
	var parts []string
	for _, w := range words {
		w = strings.TrimSpace(w)
		k := strings.ToLower(w)
		if w == "" || seen[k] {
			continue
		}
		seen[k] = true
		parts = append(parts, regexp.QuoteMeta(w))
	}
	return strings.Join(parts, "|")
}

// DefaultParser returns a parser that also accepts every loaded locale's
// score keyword.
func DefaultParser() *Parser {
	return NewParser(i18n.AllTranslations("ScoreKeyword")...)
}

// ExtractScore parses the first score line of reply with the default parser.
func ExtractScore(reply string, scale float64) Score {
	return DefaultParser().ExtractScore(reply, scale)
}

// ParseVerdicts parses the per-question lines of reply with the default parser.
func ParseVerdicts(reply string) map[int]Verdict {
	return DefaultParser().ParseVerdicts(reply)
}

// ExtractScore finds the first score line. The denominator written in the
// reply wins over scale; with neither, the fixed 0..10 scale is assumed.
// The value is clamped into [0, denominator] and normalized to 0..10. A
// reply without a score line yields a zero Score with Found false.
func (p *Parser) ExtractScore(reply string, scale float64) Score {
	m := p.scoreRe.FindStringSubmatch(reply)
	if m == nil {
		return Score{}
	}
	raw, err := parseNumber(m[1])
	if err != nil {
		return Score{}
	}

	denom := scale
	if m[2] != "" {
		if d, err := parseNumber(m[2]); err == nil && d > 0 {
			denom = d
		}
	}
	if denom <= 0 {
		denom = model.MaxScore
	}

	v := math.Min(math.Max(raw, 0), denom)
	return Score{
		Value: Round2(v / denom * model.MaxScore),
		Raw:   raw,
		Scale: denom,
		Found: true,
	}
}

// ParseVerdicts returns the verdict lines keyed by their 1-based question
// number.
func (p *Parser) ParseVerdicts(reply string) map[int]Verdict {
	out := make(map[int]Verdict)
	for _, m := range p.verdictRe.FindAllStringSubmatch(reply, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			continue
		}
		if _, dup := out[n]; dup {
			continue
		}
		out[n] = Verdict{
			Question:      n,
			Status:        model.AnswerStatus(strings.ToLower(m[2])),
			CorrectAnswer: strings.TrimSpace(m[3]),
			Explanation:   strings.TrimSpace(m[4]),
		}
	}
	return out
}

// Parse extracts both the score and the verdicts.
func (p *Parser) Parse(reply string, scale float64) Reply {
	return Reply{
		Score:    p.ExtractScore(reply, scale),
		Verdicts: p.ParseVerdicts(reply),
	}
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
