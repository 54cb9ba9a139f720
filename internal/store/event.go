package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ndtrung87864/examgate/internal/model"
)

type eventRow struct {
	ID        int64     `db:"id"`
	Kind      string    `db:"kind"`
	ActorID   string    `db:"actor_id"`
	EntityID  string    `db:"entity_id"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// AppendEvent adds an entry to the append-only audit log.
func (s *Store) AppendEvent(ctx context.Context, e model.Event) error {
	payload := []byte("{}")
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		payload = b
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO event_log (kind, actor_id, entity_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`),
		string(e.Kind), e.ActorID, e.EntityID, string(payload), e.CreatedAt.UTC(),
	)
	return err
}

// ListEvents returns the audit entries for one entity in insertion order.
func (s *Store) ListEvents(ctx context.Context, entityID string) ([]model.Event, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.q(
		`SELECT id, kind, actor_id, entity_id, payload, created_at FROM event_log WHERE entity_id = ? ORDER BY id`),
		entityID); err != nil {
		return nil, err
	}
	events := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		e := model.Event{
			ID:        r.ID,
			Kind:      model.EventKind(r.Kind),
			ActorID:   r.ActorID,
			EntityID:  r.EntityID,
			CreatedAt: r.CreatedAt,
		}
		if err := json.Unmarshal([]byte(r.Payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", r.ID, err)
		}
		events = append(events, e)
	}
	return events, nil
}
