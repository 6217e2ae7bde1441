package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chatwire/pkg/models"
)

// Toggle actions.
const (
	ReactionAdded   = "added"
	ReactionRemoved = "removed"
)

// ReactionToggle is the outcome of ToggleReaction. ConversationID is returned
// so the caller can invalidate the right cache page.
type ReactionToggle struct {
	Action         string           `json:"action"`
	MessageID      int64            `json:"messageId"`
	ConversationID int64            `json:"-"`
	UserID         int64            `json:"userId"`
	Emoji          string           `json:"emoji"`
	Reaction       *models.Reaction `json:"reaction,omitempty"`
}

// ToggleReaction flips the (message, user, emoji) triple: delete it if it
// exists, create it otherwise. The unique constraint makes a concurrent
// double-submit collapse into one add and one remove.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID int64, emoji string) (ReactionToggle, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ReactionToggle{}, fmt.Errorf("begin reaction toggle: %w", err)
	}
	defer tx.Rollback(ctx)

	var conversationID int64
	err = tx.QueryRow(ctx, `SELECT conversation_id FROM messages WHERE id = $1`, messageID).Scan(&conversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReactionToggle{}, ErrNotFound
	}
	if err != nil {
		return ReactionToggle{}, fmt.Errorf("lookup message %d: %w", messageID, err)
	}

	result := ReactionToggle{
		MessageID:      messageID,
		ConversationID: conversationID,
		UserID:         userID,
		Emoji:          emoji,
	}

	deleted, err := tx.Exec(ctx, `
		DELETE FROM message_reactions
		WHERE message_id = $1 AND user_id = $2 AND emoji = $3
	`, messageID, userID, emoji)
	if err != nil {
		return ReactionToggle{}, fmt.Errorf("remove reaction: %w", err)
	}

	if deleted.RowsAffected() > 0 {
		result.Action = ReactionRemoved
	} else {
		var id int64
		err = tx.QueryRow(ctx, `
			INSERT INTO message_reactions (message_id, user_id, emoji)
			VALUES ($1, $2, $3)
			RETURNING id
		`, messageID, userID, emoji).Scan(&id)
		if err != nil {
			return ReactionToggle{}, fmt.Errorf("add reaction: %w", err)
		}
		result.Action = ReactionAdded
		result.Reaction = &models.Reaction{ID: id, Emoji: emoji, UserID: userID}
	}

	if err := tx.Commit(ctx); err != nil {
		return ReactionToggle{}, fmt.Errorf("commit reaction toggle: %w", err)
	}
	return result, nil
}
