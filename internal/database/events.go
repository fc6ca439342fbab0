package database

import (
	"context"
	"database/sql"
	"fmt"

	"cad-orchestrator/internal/models"

	"github.com/google/uuid"
)

// InsertEvent appends an event, assigning its id and timestamp
func (s *Store) InsertEvent(ctx context.Context, jobID string, eventType models.EventType, payload map[string]interface{}) (*models.Event, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	ev := &models.Event{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: now(),
	}
	encoded, err := toJSON(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO events (id, job_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.ID, ev.JobID, string(ev.Type), encoded, ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// FindEventsByJob returns a job's events in creation order. An empty
// eventType returns every event.
func (s *Store) FindEventsByJob(ctx context.Context, jobID string, eventType models.EventType) ([]models.Event, error) {
	query := "SELECT id, job_id, type, payload, created_at FROM events WHERE job_id = ?"
	args := []interface{}{jobID}
	if eventType != "" {
		query += " AND type = ?"
		args = append(args, string(eventType))
	}
	query += " ORDER BY created_at ASC, seq ASC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var ev models.Event
		var evType string
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.JobID, &evType, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = models.EventType(evType)
		ev.CreatedAt = ev.CreatedAt.UTC()
		if err := fromJSON(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
