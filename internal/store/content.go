package store

import (
	"context"
	"fmt"

	"agency-core/internal/models"
)

func (s *Store) SaveContentRecord(ctx context.Context, r models.ContentRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO content_records (id, request_id, client_id, demand_type, topic, artifact, score, passed,
			quality_gate_not_met, iterations, artifact_url, requested_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, r.ID, r.RequestID, r.ClientID, r.DemandType, r.Topic, r.Artifact, r.Score, r.Passed, r.QualityGateNotMet,
		r.Iterations, emptyToNil(r.ArtifactURL), emptyToNil(r.RequestedBy), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert content record: %w", err)
	}
	return nil
}

// RecentContent lists the newest content records for a client.
func (s *Store) RecentContent(ctx context.Context, clientID string, limit int) ([]models.ContentRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, request_id, client_id, demand_type, topic, artifact, score, passed, quality_gate_not_met,
			iterations, COALESCE(artifact_url, ''), COALESCE(requested_by, ''), created_at
		FROM content_records WHERE client_id = $1 ORDER BY created_at DESC LIMIT $2
	`, clientID, limitOrDefault(limit, 20, 100))
	if err != nil {
		return nil, fmt.Errorf("list content records: %w", err)
	}
	defer rows.Close()

	var out []models.ContentRecord
	for rows.Next() {
		var r models.ContentRecord
		if err := rows.Scan(&r.ID, &r.RequestID, &r.ClientID, &r.DemandType, &r.Topic, &r.Artifact, &r.Score,
			&r.Passed, &r.QualityGateNotMet, &r.Iterations, &r.ArtifactURL, &r.RequestedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan content record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
