package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatwire/pkg/models"
)

func pageKey(conversationID int64) string {
	return fmt.Sprintf("messages:conversation:%d", conversationID)
}

// FirstPage returns up to limit cached payloads for a conversation's first
// page, newest first. A missing or empty key is a miss, returned as
// (nil, nil); callers fall back to the store.
func (c *Cache) FirstPage(ctx context.Context, conversationID int64, limit int) ([]models.MessagePayload, error) {
	raw, err := c.rdb.LRange(ctx, pageKey(conversationID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read cached page: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	payloads := make([]models.MessagePayload, 0, len(raw))
	for _, item := range raw {
		var p models.MessagePayload
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			return nil, fmt.Errorf("decode cached page entry: %w", err)
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}

// FillFirstPage replaces the cached first page with the given payloads
// (newest first) and sets its expiry. Replace-not-merge: the old list is
// deleted before the refill so a partial previous state can never leak.
func (c *Cache) FillFirstPage(ctx context.Context, conversationID int64, payloads []models.MessagePayload, ttl time.Duration) error {
	if len(payloads) == 0 {
		return nil
	}

	key := pageKey(conversationID)
	entries := make([]interface{}, 0, len(payloads))
	for _, p := range payloads {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode page entry: %w", err)
		}
		entries = append(entries, data)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.RPush(ctx, key, entries...)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fill cached page: %w", err)
	}
	return nil
}

// PrependToPage pushes a freshly persisted payload onto an existing cached
// page and trims it back to max entries. If no page is cached the write is
// skipped; the next read fills it lazily.
func (c *Cache) PrependToPage(ctx context.Context, conversationID int64, payload models.MessagePayload, max int) error {
	key := pageKey(conversationID)

	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check cached page: %w", err)
	}
	if exists == 0 {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode page entry: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(max-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("prepend to cached page: %w", err)
	}
	return nil
}

// InvalidatePage deletes a conversation's cached page. Cached payloads embed
// reaction lists, so a reaction toggle deletes rather than patches.
func (c *Cache) InvalidatePage(ctx context.Context, conversationID int64) error {
	if err := c.rdb.Del(ctx, pageKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached page: %w", err)
	}
	return nil
}
