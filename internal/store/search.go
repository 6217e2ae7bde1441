package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var nonWord = regexp.MustCompile(`\W`)

// BuildSearchQuery turns free text into a to_tsquery expression of
// AND-combined prefix matches: "hello world" -> "hello:* & world:*".
// Tokens that are empty after stripping non-word characters are dropped; an
// all-empty result means the caller must not query at all.
func BuildSearchQuery(q string) string {
	var terms []string
	for _, field := range strings.Fields(q) {
		clean := nonWord.ReplaceAllString(field, "")
		if clean != "" {
			terms = append(terms, clean+":*")
		}
	}
	return strings.Join(terms, " & ")
}

const searchMessagesSQL = `
	SELECT m.id, m.conversation_id, m.sender_id,
	       COALESCE(m.content, ''), COALESCE(m.attachment_url, ''), m.created_at,
	       u.username, u.avatar
	FROM messages m
	JOIN users u ON u.id = m.sender_id
	WHERE m.conversation_id = $1
	  AND m.search_vector @@ to_tsquery('english', $2)
	ORDER BY m.created_at DESC, m.id DESC
	LIMIT $3
`

// SearchMessages runs a full-text query built by BuildSearchQuery against one
// conversation, newest first. Search results bypass the cache entirely.
func (s *Store) SearchMessages(ctx context.Context, conversationID int64, tsquery string, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, searchMessagesSQL, conversationID, tsquery, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
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
