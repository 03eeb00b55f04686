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

const draftColumns = `id::text, executive_id::text, executive_role, action_type, title, action_payload, status,
	requires_external, is_executable, created_at, claimed_by, claimed_at, executed_at, execution_result,
	cancelled_by, cancelled_at, cancel_reason`

func (s *Store) CreateDraft(ctx context.Context, d models.ActionDraft) error {
	payload := d.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO action_drafts (id, executive_id, executive_role, action_type, title, action_payload, status,
			requires_external, is_executable, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.ID, d.ExecutiveID, d.ExecutiveRole, d.ActionType, d.Title, []byte(payload), d.Status,
		d.RequiresExternal, d.IsExecutable, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	return nil
}

func (s *Store) GetDraft(ctx context.Context, id string) (models.ActionDraft, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+draftColumns+` FROM action_drafts WHERE id = $1`, id)
	d, err := scanDraft(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ActionDraft{}, ErrNotFound
	}
	return d, err
}

func (s *Store) ListDrafts(ctx context.Context, f DraftFilter) ([]models.ActionDraft, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+draftColumns+` FROM action_drafts
		WHERE ($1 = '' OR executive_role = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, f.Role, f.Status, limitOrDefault(f.Limit, 50, 200))
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	drafts := []models.ActionDraft{}
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// ClaimDraft marks an unclaimed draft as being executed by actorID. Only one caller can win.
func (s *Store) ClaimDraft(ctx context.Context, id, actorID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE action_drafts SET claimed_by = $2, claimed_at = $3
		WHERE id = $1 AND status = 'draft' AND claimed_at IS NULL
	`, id, actorID, at)
	if err != nil {
		return false, fmt.Errorf("claim draft: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteDraft records the single execution outcome of a claimed draft.
func (s *Store) CompleteDraft(ctx context.Context, id string, result models.ExecutionResult, at time.Time) (bool, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal execution result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE action_drafts SET status = 'executed', executed_at = $2, execution_result = $3
		WHERE id = $1 AND status = 'draft' AND claimed_at IS NOT NULL
	`, id, at, raw)
	if err != nil {
		return false, fmt.Errorf("complete draft: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CancelDraft(ctx context.Context, id, actorID, reason string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE action_drafts SET status = 'cancelled', cancelled_by = $2, cancelled_at = $3, cancel_reason = $4
		WHERE id = $1 AND status = 'draft' AND claimed_at IS NULL
	`, id, actorID, at, emptyToNil(reason))
	if err != nil {
		return false, fmt.Errorf("cancel draft: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResolveStaleDraft closes a draft whose claim predates claimedBefore and was never completed.
func (s *Store) ResolveStaleDraft(ctx context.Context, id string, claimedBefore time.Time, result models.ExecutionResult, at time.Time) (bool, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal execution result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE action_drafts SET status = 'executed', executed_at = $3, execution_result = $4
		WHERE id = $1 AND status = 'draft' AND claimed_at IS NOT NULL AND claimed_at <= $2
	`, id, claimedBefore, at, raw)
	if err != nil {
		return false, fmt.Errorf("resolve stale draft: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanDraft(row pgx.Row) (models.ActionDraft, error) {
	var (
		d                                  models.ActionDraft
		payload, result                    []byte
		claimedBy, cancelledBy, reason     pgtype.Text
		claimedAt, executedAt, cancelledAt pgtype.Timestamptz
	)
	err := row.Scan(&d.ID, &d.ExecutiveID, &d.ExecutiveRole, &d.ActionType, &d.Title, &payload, &d.Status,
		&d.RequiresExternal, &d.IsExecutable, &d.CreatedAt, &claimedBy, &claimedAt, &executedAt, &result,
		&cancelledBy, &cancelledAt, &reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return d, err
		}
		return d, fmt.Errorf("scan draft: %w", err)
	}
	d.Payload = json.RawMessage(payload)
	d.ClaimedBy = textPtr(claimedBy)
	d.ClaimedAt = timePtr(claimedAt)
	d.ExecutedAt = timePtr(executedAt)
	d.CancelledBy = textPtr(cancelledBy)
	d.CancelledAt = timePtr(cancelledAt)
	d.CancelReason = textPtr(reason)
	if len(result) > 0 {
		var r models.ExecutionResult
		if err := json.Unmarshal(result, &r); err != nil {
			return d, fmt.Errorf("unmarshal execution result: %w", err)
		}
		d.ExecutionResult = &r
	}
	return d, nil
}
