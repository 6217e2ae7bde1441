// Package flusher reconciles buffered read cursors from the fast store into
// the durable store on a fixed interval (write-behind). Without it, every
// read-cursor advance would cost a database write.
package flusher

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatwire/internal/cache"
)

// ReceiptSource is the slice of the cache the flusher reads.
type ReceiptSource interface {
	PendingReceipts(ctx context.Context) ([]cache.PendingReceipt, error)
	DeleteReceipt(ctx context.Context, key string) error
}

// CursorStore is the slice of the store the flusher writes, plus the periodic
// maintenance that rides on the same tick.
type CursorStore interface {
	AdvanceReadCursor(ctx context.Context, conversationID, userID, messageID int64) error
	PruneIdempotency(ctx context.Context, olderThan time.Duration) (int64, error)
	EnsureUpcomingPartitions(ctx context.Context, t time.Time) error
}

// idempotencyWindow must outlive the queue's redelivery horizon.
const idempotencyWindow = 24 * time.Hour

// Flusher is the periodic write-behind job. One instance runs for the
// process lifetime.
type Flusher struct {
	receipts ReceiptSource
	store    CursorStore
	interval time.Duration
}

// New creates a flusher; interval is typically ~10s.
func New(receipts ReceiptSource, store CursorStore, interval time.Duration) *Flusher {
	return &Flusher{receipts: receipts, store: store, interval: interval}
}

// Run flushes on every tick until ctx is cancelled. A failed cycle is logged
// and retried on the next tick; buffered values are never lost to an error.
func (f *Flusher) Run(ctx context.Context) {
	log.Info().Dur("interval", f.interval).Msg("receipt flusher started")

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if flushed, err := f.FlushOnce(ctx); err != nil {
				log.Error().Err(err).Msg("receipt flush cycle failed")
			} else if flushed > 0 {
				log.Debug().Int("flushed", flushed).Msg("read receipts flushed")
			}

			if pruned, err := f.store.PruneIdempotency(ctx, idempotencyWindow); err != nil {
				log.Warn().Err(err).Msg("idempotency prune failed")
			} else if pruned > 0 {
				log.Debug().Int64("pruned", pruned).Msg("idempotency keys pruned")
			}

			// Keep message partitions one month ahead so a long-running
			// process crosses month boundaries without a restart.
			if err := f.store.EnsureUpcomingPartitions(ctx, time.Now().UTC()); err != nil {
				log.Warn().Err(err).Msg("partition maintenance failed")
			}
		}
	}
}

// FlushOnce performs one flush cycle and returns how many receipts were
// durably applied. Buffer entries are deleted only after their upsert
// succeeds: a crash or a failed write leaves the entry for the next cycle.
func (f *Flusher) FlushOnce(ctx context.Context) (int, error) {
	receipts, err := f.receipts.PendingReceipts(ctx)
	if err != nil {
		return 0, err
	}
	if len(receipts) == 0 {
		return 0, nil
	}

	flushed := 0
	for _, r := range receipts {
		if err := f.store.AdvanceReadCursor(ctx, r.ConversationID, r.UserID, r.MessageID); err != nil {
			log.Warn().Err(err).
				Int64("conversation_id", r.ConversationID).
				Int64("user_id", r.UserID).
				Msg("receipt upsert failed, keeping buffer entry")
			continue
		}
		if err := f.receipts.DeleteReceipt(ctx, r.Key); err != nil {
			// The durable write already happened; the leftover entry is
			// re-flushed next cycle and the monotone upsert makes that a
			// harmless no-op.
			log.Warn().Err(err).Str("key", r.Key).Msg("receipt delete failed")
			continue
		}
		flushed++
	}
	return flushed, nil
}
