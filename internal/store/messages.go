package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SendDirectMessage writes a message from one user to another, creating their conversation on first contact.
// It returns the message and conversation ids.
func (s *Store) SendDirectMessage(ctx context.Context, fromUserID, toUserID, body string) (string, string, error) {
	a, b := fromUserID, toUserID
	if b < a {
		a, b = b, a
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var conversationID string
	err = tx.QueryRow(ctx, `
		INSERT INTO direct_conversations (id, user_a, user_b) VALUES ($1, $2, $3)
		ON CONFLICT (user_a, user_b) DO UPDATE SET user_a = EXCLUDED.user_a
		RETURNING id::text
	`, uuid.NewString(), a, b).Scan(&conversationID)
	if err != nil {
		return "", "", fmt.Errorf("get or create conversation: %w", err)
	}

	messageID := uuid.NewString()
	if _, err := tx.Exec(ctx, `
		INSERT INTO direct_messages (id, conversation_id, sender_id, body) VALUES ($1, $2, $3, $4)
	`, messageID, conversationID, fromUserID, body); err != nil {
		return "", "", fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", "", fmt.Errorf("commit: %w", err)
	}
	return messageID, conversationID, nil
}
