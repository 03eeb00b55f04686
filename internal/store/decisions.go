package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"agency-core/internal/models"
)

const decisionColumns = `id::text, executive_id::text, title, rationale, status, created_at, approved_by, approved_at,
	rejected_by, rejected_at, rejection_reason, lessons_learned`

func (s *Store) CreateDecision(ctx context.Context, d models.Decision) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO decisions (id, executive_id, title, rationale, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, d.ID, d.ExecutiveID, d.Title, d.Rationale, d.Status, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *Store) GetDecision(ctx context.Context, id string) (models.Decision, error) {
	var (
		d                      models.Decision
		approvedBy, rejectedBy pgtype.Text
		reason, lessons        pgtype.Text
		approvedAt, rejectedAt pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id).Scan(
		&d.ID, &d.ExecutiveID, &d.Title, &d.Rationale, &d.Status, &d.CreatedAt, &approvedBy, &approvedAt,
		&rejectedBy, &rejectedAt, &reason, &lessons)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Decision{}, ErrNotFound
	}
	if err != nil {
		return models.Decision{}, fmt.Errorf("get decision: %w", err)
	}
	d.ApprovedBy = textPtr(approvedBy)
	d.ApprovedAt = timePtr(approvedAt)
	d.RejectedBy = textPtr(rejectedBy)
	d.RejectedAt = timePtr(rejectedAt)
	d.RejectionReason = textPtr(reason)
	d.LessonsLearned = textPtr(lessons)
	return d, nil
}

// ApproveDecision moves a proposed decision to approved. It reports false when the decision was not proposed.
func (s *Store) ApproveDecision(ctx context.Context, id, actorID, lessons string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE decisions SET status = 'approved', approved_by = $2, approved_at = $3, lessons_learned = $4
		WHERE id = $1 AND status = 'proposed'
	`, id, actorID, at, emptyToNil(lessons))
	if err != nil {
		return false, fmt.Errorf("approve decision: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RejectDecision(ctx context.Context, id, actorID, reason string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE decisions SET status = 'rejected', rejected_by = $2, rejected_at = $3, rejection_reason = $4
		WHERE id = $1 AND status = 'proposed'
	`, id, actorID, at, emptyToNil(reason))
	if err != nil {
		return false, fmt.Errorf("reject decision: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
