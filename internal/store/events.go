package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agent-orchestrator/internal/models"
)

// AppendEvent inserts a progress event row. Events are append-only; nothing
// in the system mutates or deletes them.
func (s *Store) AppendEvent(ctx context.Context, e models.JobEvent) (models.JobEvent, error) {
	var dataJSON []byte
	if e.Data != nil {
		var err error
		dataJSON, err = json.Marshal(e.Data)
		if err != nil {
			return models.JobEvent{}, fmt.Errorf("marshal event data: %w", err)
		}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO job_events (job_id, project_id, type, message, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, e.JobID, e.ProjectID, e.Type, e.Message, dataJSON)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return models.JobEvent{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

// EventCursor marks a position in a project's event stream. The id tie-break
// matters: multiple events can share one timestamp tick.
type EventCursor struct {
	After   time.Time
	AfterID int64
}

// Past reports whether the event sits at or before the cursor position.
func (c EventCursor) Past(e models.JobEvent) bool {
	if e.CreatedAt.After(c.After) {
		return false
	}
	if e.CreatedAt.Equal(c.After) && e.ID > c.AfterID {
		return false
	}
	return true
}

// ListEventsAfter pages events for a project at or after the cursor
// timestamp, ordered by (created_at, id). Callers must still drop rows at or
// before the exact cursor position with EventCursor.Past; the >= timestamp
// filter alone re-reads events already delivered within the same tick.
func (s *Store) ListEventsAfter(ctx context.Context, projectID string, cursor EventCursor, jobID string, limit int) ([]models.JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, project_id, type, message, data, created_at
		FROM job_events
		WHERE project_id = $1 AND created_at >= $2 AND ($3 = '' OR job_id = $3)
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`, projectID, cursor.After, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var e models.JobEvent
		var dataJSON []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.ProjectID, &e.Type, &e.Message, &dataJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
