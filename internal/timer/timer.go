// Package timer derives and persists reload-safe countdowns for assessment
// attempts. A timer stores the absolute instant it expires at, so the
// remaining time can be recomputed after a restart or page reload.
package timer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/ndtrung87864/examgate/internal/apperr"
)

// ErrAttemptCompleted is returned when a timer is requested for an attempt
// that was already submitted.
var ErrAttemptCompleted = fmt.Errorf("attempt already completed: %w", apperr.ErrConflict)

var durationRegex = regexp.MustCompile(`(?i)(\d+)\s*-?\s*(?:minutes?\b|mins?\b|phút|минут[а-яё]*)`)

// DeriveDurationMinutes returns the first "N minutes" directive found in the
// instructions, or 0 when there is none.
func DeriveDurationMinutes(instructions string) int {
	m := durationRegex.FindStringSubmatch(instructions)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Timer is the persisted state of one attempt countdown. A zero ExpiresAt
// means the attempt is untimed.
type Timer struct {
	AssessmentID         string    `json:"assessment_id"`
	ExpiresAt            time.Time `json:"expires_at"`
	TotalDurationSeconds int       `json:"total_duration_seconds"`
	Completed            bool      `json:"completed,omitempty"`
}

// Untimed reports whether the timer has no expiry.
func (t Timer) Untimed() bool {
	return t.ExpiresAt.IsZero()
}

// Remaining returns the whole seconds left until expiry, never negative.
// Partial seconds round up so the value reaches 0 exactly at ExpiresAt.
func Remaining(t Timer, now time.Time) int {
	if t.Untimed() {
		return 0
	}
	d := t.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// IsExpired reports whether a timed attempt has no time left.
func IsExpired(t Timer, now time.Time) bool {
	return !t.Untimed() && Remaining(t, now) == 0
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker starts, resumes and finishes attempt timers on top of a Store.
type Tracker struct {
	store Store
	now   func() time.Time
}

// NewTracker creates a Tracker backed by the given store.
func NewTracker(s Store, opts ...Option) *Tracker {
	t := &Tracker{store: s, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Now returns the tracker's current time.
func (t *Tracker) Now() time.Time {
	return t.now()
}

func key(owner, assessmentID string) string {
	return owner + "/" + assessmentID
}

// load returns the persisted timer. Unreadable or malformed state is
// reported as absent.
func (t *Tracker) load(owner, assessmentID string) (Timer, bool) {
	raw, ok, err := t.store.Load(key(owner, assessmentID))
	if err != nil {
		slog.Warn("load timer", "owner", owner, "assessment", assessmentID, "error", err)
		return Timer{}, false
	}
	if !ok {
		return Timer{}, false
	}
	var tm Timer
	if err := json.Unmarshal(raw, &tm); err != nil {
		slog.Warn("discarding malformed timer", "owner", owner, "assessment", assessmentID, "error", err)
		return Timer{}, false
	}
	if tm.AssessmentID != assessmentID {
		return Timer{}, false
	}
	return tm, true
}

func (t *Tracker) save(owner string, tm Timer) error {
	raw, err := json.Marshal(tm)
	if err != nil {
		return fmt.Errorf("marshal timer: %w", err)
	}
	if err := t.store.Save(key(owner, tm.AssessmentID), raw); err != nil {
		return fmt.Errorf("save timer: %w", err)
	}
	return nil
}

// StartOrResume returns the running timer for the attempt, or starts a new
// one of durationSeconds. A persisted timer is resumed unchanged while its
// expiry lies in the future. A non-positive duration yields an untimed timer
// that is not persisted.
func (t *Tracker) StartOrResume(owner, assessmentID string, durationSeconds int) (Timer, error) {
	now := t.now()
	existing, ok := t.load(owner, assessmentID)
	if ok && existing.Completed {
		return Timer{}, ErrAttemptCompleted
	}
	if durationSeconds <= 0 {
		return Timer{AssessmentID: assessmentID}, nil
	}
	if ok && existing.ExpiresAt.After(now) {
		return existing, nil
	}

	tm := Timer{
		AssessmentID:         assessmentID,
		ExpiresAt:            now.Add(time.Duration(durationSeconds) * time.Second),
		TotalDurationSeconds: durationSeconds,
	}
	if err := t.save(owner, tm); err != nil {
		return Timer{}, err
	}
	slog.Debug("timer started", "owner", owner, "assessment", assessmentID, "expires_at", tm.ExpiresAt)
	return tm, nil
}

// Get returns the persisted timer for the attempt, if any.
func (t *Tracker) Get(owner, assessmentID string) (Timer, bool) {
	return t.load(owner, assessmentID)
}

// Finish replaces the attempt's timer with a completion marker so it is
// never started again.
func (t *Tracker) Finish(owner, assessmentID string) error {
	return t.save(owner, Timer{AssessmentID: assessmentID, Completed: true})
}

// Reset forgets any state for the attempt, including the completion marker.
func (t *Tracker) Reset(owner, assessmentID string) error {
	if err := t.store.Delete(key(owner, assessmentID)); err != nil {
		return fmt.Errorf("delete timer: %w", err)
	}
	return nil
}
