package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const receiptKeyPattern = "receipt:conversation:*:user:*"

func receiptKey(conversationID, userID int64) string {
	return fmt.Sprintf("receipt:conversation:%d:user:%d", conversationID, userID)
}

// bufferCursorScript applies the monotone-max rule atomically: the buffered
// value only ever increases. No TTL — the buffer must survive until flushed.
var bufferCursorScript = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if not current or tonumber(ARGV[1]) > tonumber(current) then
		redis.call('SET', KEYS[1], ARGV[1])
		return 1
	end
	return 0
`)

// BufferReadCursor records a candidate read cursor for (conversation, user).
// It returns true when the candidate advanced the buffer, false when a
// greater-or-equal value was already buffered (stale advances are dropped).
func (c *Cache) BufferReadCursor(ctx context.Context, conversationID, userID, messageID int64) (bool, error) {
	advanced, err := bufferCursorScript.Run(ctx, c.rdb,
		[]string{receiptKey(conversationID, userID)}, messageID).Int()
	if err != nil {
		return false, fmt.Errorf("buffer read cursor: %w", err)
	}
	return advanced == 1, nil
}

// PendingReceipt is one buffered cursor advance awaiting a durable flush.
type PendingReceipt struct {
	ConversationID int64
	UserID         int64
	MessageID      int64
	Key            string
}

// PendingReceipts scans the receipt key space and returns every buffered
// cursor. Keys that vanish or fail to parse between SCAN and GET are skipped.
func (c *Cache) PendingReceipts(ctx context.Context) ([]PendingReceipt, error) {
	var receipts []PendingReceipt

	iter := c.rdb.Scan(ctx, 0, receiptKeyPattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		value, err := c.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read receipt %s: %w", key, err)
		}

		receipt, ok := parseReceiptKey(key)
		if !ok {
			continue
		}
		receipt.MessageID, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		receipts = append(receipts, receipt)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a flushed buffer entry. Only called after the durable
// upsert succeeded.
func (c *Cache) DeleteReceipt(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete receipt %s: %w", key, err)
	}
	return nil
}

// parseReceiptKey decodes "receipt:conversation:{cid}:user:{uid}".
func parseReceiptKey(key string) (PendingReceipt, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 {
		return PendingReceipt{}, false
	}
	conversationID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return PendingReceipt{}, false
	}
	userID, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return PendingReceipt{}, false
	}
	return PendingReceipt{ConversationID: conversationID, UserID: userID, Key: key}, true
}
