package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
)

// SaveEnvironmentEvent persists a lifecycle or reclamation event for an
// environment, for the activity feed and audit trail.
func (db *DB) SaveEnvironmentEvent(ctx context.Context, envID, eventType, message string) (*models.EnvironmentEvent, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	query := `
		INSERT INTO environment_events (id, environment_id, event_type, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := db.ExecContext(ctx, query, id, envID, eventType, message, now); err != nil {
		return nil, fmt.Errorf("failed to save environment event: %w", err)
	}

	return &models.EnvironmentEvent{
		ID:            id,
		EnvironmentID: envID,
		EventType:     eventType,
		Message:       message,
		CreatedAt:     now,
	}, nil
}

// ListEnvironmentEvents returns events for an environment, oldest first.
func (db *DB) ListEnvironmentEvents(ctx context.Context, environmentID string, limit int) ([]*models.EnvironmentEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	query := `
		SELECT id, environment_id, event_type, message, created_at
		FROM environment_events
		WHERE environment_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := db.QueryContext(ctx, query, environmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list environment events: %w", err)
	}
	defer rows.Close()

	var events []*models.EnvironmentEvent
	for rows.Next() {
		var e models.EnvironmentEvent
		if err := rows.Scan(&e.ID, &e.EnvironmentID, &e.EventType, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan environment event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
