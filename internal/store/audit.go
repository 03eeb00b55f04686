package store

import (
	"context"
	"fmt"

	"agency-core/internal/models"
)

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, a models.AuditLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (subject, event, detail, actor_id, ts)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))
	`, a.Subject, a.Event, a.Detail, emptyToNil(a.ActorID), nullTime(a.Recorded))
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// AuditTrail returns the most recent audit rows for subject, newest first.
func (s *Store) AuditTrail(ctx context.Context, subject string, limit int) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT subject, event, detail, COALESCE(actor_id, ''), ts FROM audit_logs
		WHERE subject = $1 ORDER BY ts DESC, id DESC LIMIT $2
	`, subject, limitOrDefault(limit, 50, 500))
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.Subject, &a.Event, &a.Detail, &a.ActorID, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
