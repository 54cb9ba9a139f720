package model

import "time"

// EventKind names an audit event.
type EventKind string

const (
	EventSubmitted     EventKind = "result.submitted"
	EventGraded        EventKind = "result.graded"
	EventScoreUpdated  EventKind = "result.score_updated"
	EventPenalized     EventKind = "result.penalized"
	EventRegraded      EventKind = "result.regraded"
	EventResultDeleted EventKind = "result.deleted"
)

// Event is one append-only audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	Kind      EventKind      `json:"kind"`
	ActorID   string         `json:"actor_id"`
	EntityID  string         `json:"entity_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
