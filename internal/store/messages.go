package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/chatwire/pkg/models"
)

// Message is a persisted message joined with its sender's display attributes.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	Content        string
	AttachmentURL  string
	CreatedAt      time.Time
	SenderName     string
	SenderAvatar   string
	Reactions      []models.Reaction
}

// Payload converts a stored message into its wire representation. tempID is
// echoed back only on the broadcast path; history reads pass "".
func (m Message) Payload(tempID string) models.MessagePayload {
	reactions := m.Reactions
	if reactions == nil {
		reactions = []models.Reaction{}
	}
	return models.MessagePayload{
		ID:             m.ID,
		Content:        m.Content,
		AttachmentURL:  m.AttachmentURL,
		Sender:         m.SenderName,
		SenderID:       m.SenderID,
		Avatar:         m.SenderAvatar,
		Time:           m.CreatedAt.Format("15:04"),
		ConversationID: m.ConversationID,
		Reactions:      reactions,
		TempID:         tempID,
	}
}

const insertMessageSQL = `
	INSERT INTO messages (conversation_id, sender_id, content, attachment_url)
	VALUES ($1, $2, $3, NULLIF($4, ''))
	RETURNING id
`

// InsertMessage persists a submission and returns the authoritative message
// id. When the submission carries a temp id, the insert is idempotent on
// (sender_id, temp_id): a redelivered job gets the previously assigned id
// back instead of a duplicate row.
func (s *Store) InsertMessage(ctx context.Context, sub models.Submission) (int64, error) {
	if sub.TempID == "" {
		var id int64
		err := s.pool.QueryRow(ctx, insertMessageSQL,
			sub.ConversationID, sub.SenderID, sub.Content, sub.AttachmentURL).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert message: %w", err)
		}
		return id, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert message: %w", err)
	}
	defer tx.Rollback(ctx)

	claimed, err := tx.Exec(ctx, `
		INSERT INTO message_idempotency (sender_id, temp_id)
		VALUES ($1, $2)
		ON CONFLICT (sender_id, temp_id) DO NOTHING
	`, sub.SenderID, sub.TempID)
	if err != nil {
		return 0, fmt.Errorf("claim idempotency key: %w", err)
	}

	if claimed.RowsAffected() == 0 {
		// An earlier attempt already persisted this submission. The claim row
		// commits together with the message insert, so message_id is set.
		var existing int64
		err := tx.QueryRow(ctx, `
			SELECT message_id FROM message_idempotency
			WHERE sender_id = $1 AND temp_id = $2
		`, sub.SenderID, sub.TempID).Scan(&existing)
		if err != nil {
			return 0, fmt.Errorf("resolve idempotency key: %w", err)
		}
		log.Debug().
			Int64("sender_id", sub.SenderID).
			Str("temp_id", sub.TempID).
			Int64("message_id", existing).
			Msg("submission already applied, skipping insert")
		return existing, nil
	}

	var id int64
	err = tx.QueryRow(ctx, insertMessageSQL,
		sub.ConversationID, sub.SenderID, sub.Content, sub.AttachmentURL).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE message_idempotency SET message_id = $1
		WHERE sender_id = $2 AND temp_id = $3
	`, id, sub.SenderID, sub.TempID); err != nil {
		return 0, fmt.Errorf("record idempotency key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert message: %w", err)
	}
	return id, nil
}

// PruneIdempotency drops idempotency claims older than the given age. The
// dedup window only needs to outlive the queue's redelivery horizon.
func (s *Store) PruneIdempotency(ctx context.Context, olderThan time.Duration) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM message_idempotency WHERE created_at < now() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("prune idempotency keys: %w", err)
	}
	return ct.RowsAffected(), nil
}

const messageWithSenderSQL = `
	SELECT m.id, m.conversation_id, m.sender_id,
	       COALESCE(m.content, ''), COALESCE(m.attachment_url, ''), m.created_at,
	       u.username, u.avatar
	FROM messages m
	JOIN users u ON u.id = m.sender_id
	WHERE m.id = $1
`

// MessageWithSender re-reads a persisted message joined with the sender's
// display attributes, as broadcast payloads need them.
func (s *Store) MessageWithSender(ctx context.Context, id int64) (Message, error) {
	var m Message
	err := s.pool.QueryRow(ctx, messageWithSenderSQL, id).Scan(
		&m.ID, &m.ConversationID, &m.SenderID,
		&m.Content, &m.AttachmentURL, &m.CreatedAt,
		&m.SenderName, &m.SenderAvatar,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("fetch message %d: %w", id, err)
	}
	return m, nil
}

const messagePageSQL = `
	SELECT m.id, m.conversation_id, m.sender_id,
	       COALESCE(m.content, ''), COALESCE(m.attachment_url, ''), m.created_at,
	       u.username, u.avatar
	FROM messages m
	JOIN users u ON u.id = m.sender_id
	WHERE m.conversation_id = $1
	ORDER BY m.created_at DESC, m.id DESC
	LIMIT $2 OFFSET $3
`

// MessagePage returns one page of a conversation's history, newest first,
// including sender attributes and reactions. page is 1-based.
func (s *Store) MessagePage(ctx context.Context, conversationID int64, page, limit int) ([]Message, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	rows, err := s.pool.Query(ctx, messagePageSQL, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query message page: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	if err := s.attachReactions(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.SenderID,
			&m.Content, &m.AttachmentURL, &m.CreatedAt,
			&m.SenderName, &m.SenderAvatar,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return msgs, nil
}

// attachReactions loads reactions for the given messages in one query.
func (s *Store) attachReactions(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]int64, len(msgs))
	index := make(map[int64]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		index[m.ID] = i
	}

	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.message_id, r.emoji, r.user_id, u.username
		FROM message_reactions r
		JOIN users u ON u.id = r.user_id
		WHERE r.message_id = ANY($1)
		ORDER BY r.id
	`, ids)
	if err != nil {
		return fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.Reaction
		var messageID int64
		if err := rows.Scan(&r.ID, &messageID, &r.Emoji, &r.UserID, &r.Username); err != nil {
			return fmt.Errorf("scan reaction: %w", err)
		}
		i := index[messageID]
		msgs[i].Reactions = append(msgs[i].Reactions, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read reactions: %w", err)
	}
	return nil
}
