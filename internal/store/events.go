package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"agency-core/internal/models"
)

const eventColumns = `id::text, event_type, payload, status, error_message, attempts, created_at, processed_at`

func (s *Store) InsertEvent(ctx context.Context, e models.Event) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, event_type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.Type, []byte(payload), e.Status, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (models.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, ErrNotFound
	}
	return e, err
}

// PendingEvents returns up to limit pending events, oldest first.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]models.Event, error) {
	return s.ListEvents(ctx, EventFilter{Status: models.EventStatusPending, Limit: limit})
}

func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, f.Status, limitOrDefault(f.Limit, 25, 200))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) MarkEventProcessed(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE events SET status = 'processed', processed_at = $2, error_message = NULL, attempts = attempts + 1
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

func (s *Store) MarkEventError(ctx context.Context, id, message string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE events SET status = 'error', processed_at = $2, error_message = $3, attempts = attempts + 1
		WHERE id = $1
	`, id, at, message)
	if err != nil {
		return fmt.Errorf("mark event error: %w", err)
	}
	return nil
}

// ResetEvent puts an event back to pending and clears its previous outcome.
func (s *Store) ResetEvent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events SET status = 'pending', processed_at = NULL, error_message = NULL WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("reset event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEvent(row pgx.Row) (models.Event, error) {
	var (
		e           models.Event
		payload     []byte
		errMsg      pgtype.Text
		processedAt pgtype.Timestamptz
	)
	if err := row.Scan(&e.ID, &e.Type, &payload, &e.Status, &errMsg, &e.Attempts, &e.CreatedAt, &processedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan event: %w", err)
	}
	e.Payload = json.RawMessage(payload)
	e.ErrorMessage = textPtr(errMsg)
	e.ProcessedAt = timePtr(processedAt)
	return e, nil
}
