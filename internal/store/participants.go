package store

import (
	"context"
	"fmt"

	"github.com/chatwire/pkg/models"
)

// ReadStatus returns the full per-participant read-cursor map for a
// conversation. This is always read fresh from the database, even when the
// message page itself comes from the cache.
func (s *Store) ReadStatus(ctx context.Context, conversationID int64) (models.ReadStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, last_read_message_id
		FROM conversation_participants
		WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query read status: %w", err)
	}
	defer rows.Close()

	status := models.ReadStatus{}
	for rows.Next() {
		var userID, lastRead int64
		if err := rows.Scan(&userID, &lastRead); err != nil {
			return nil, fmt.Errorf("scan read status: %w", err)
		}
		status[userID] = lastRead
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read read status: %w", err)
	}
	return status, nil
}

// AdvanceReadCursor upserts a participant's last_read_message_id. GREATEST
// keeps the cursor monotone: a stale flush can never move it backwards, and
// re-applying the same value is a no-op, so the flusher may safely retry.
func (s *Store) AdvanceReadCursor(ctx context.Context, conversationID, userID, messageID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id, last_read_message_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id) DO UPDATE
		SET last_read_message_id = GREATEST(conversation_participants.last_read_message_id, EXCLUDED.last_read_message_id),
		    updated_at = now()
	`, conversationID, userID, messageID)
	if err != nil {
		return fmt.Errorf("advance read cursor: %w", err)
	}
	return nil
}
