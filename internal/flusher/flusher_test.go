package flusher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/internal/cache"
)

type fakeReceipts struct {
	pending    []cache.PendingReceipt
	pendingErr error
	deleted    []string
	deleteErr  error
}

func (f *fakeReceipts) PendingReceipts(ctx context.Context) ([]cache.PendingReceipt, error) {
	return f.pending, f.pendingErr
}

func (f *fakeReceipts) DeleteReceipt(ctx context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, key)
	return nil
}

type upsert struct {
	conversationID, userID, messageID int64
}

type fakeCursorStore struct {
	upserts     []upsert
	failFor     int64
	prunedAge   time.Duration
	partitioned []time.Time
}

func (f *fakeCursorStore) AdvanceReadCursor(ctx context.Context, conversationID, userID, messageID int64) error {
	if f.failFor != 0 && userID == f.failFor {
		return errors.New("db down")
	}
	f.upserts = append(f.upserts, upsert{conversationID, userID, messageID})
	return nil
}

func (f *fakeCursorStore) PruneIdempotency(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.prunedAge = olderThan
	return 0, nil
}

func (f *fakeCursorStore) EnsureUpcomingPartitions(ctx context.Context, t time.Time) error {
	f.partitioned = append(f.partitioned, t)
	return nil
}

func TestFlushOnceAppliesAndDeletes(t *testing.T) {
	receipts := &fakeReceipts{pending: []cache.PendingReceipt{
		{ConversationID: 7, UserID: 3, MessageID: 40, Key: "receipt:conversation:7:user:3"},
		{ConversationID: 7, UserID: 4, MessageID: 38, Key: "receipt:conversation:7:user:4"},
	}}
	st := &fakeCursorStore{}
	f := New(receipts, st, time.Second)

	flushed, err := f.FlushOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, flushed)
	assert.Equal(t, []upsert{{7, 3, 40}, {7, 4, 38}}, st.upserts)
	assert.Equal(t, []string{"receipt:conversation:7:user:3", "receipt:conversation:7:user:4"}, receipts.deleted)
}

// A failed upsert must leave the buffer entry in place for the next cycle,
// while the rest of the batch still flushes.
func TestFlushOnceKeepsEntryOnUpsertFailure(t *testing.T) {
	receipts := &fakeReceipts{pending: []cache.PendingReceipt{
		{ConversationID: 7, UserID: 3, MessageID: 40, Key: "receipt:conversation:7:user:3"},
		{ConversationID: 7, UserID: 4, MessageID: 38, Key: "receipt:conversation:7:user:4"},
	}}
	st := &fakeCursorStore{failFor: 3}
	f := New(receipts, st, time.Second)

	flushed, err := f.FlushOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, []string{"receipt:conversation:7:user:4"}, receipts.deleted)
}

// A delete failure after a successful upsert is tolerated: the entry is
// re-applied next cycle and the monotone upsert makes that a no-op.
func TestFlushOnceToleratesDeleteFailure(t *testing.T) {
	receipts := &fakeReceipts{
		pending:   []cache.PendingReceipt{{ConversationID: 7, UserID: 3, MessageID: 40, Key: "receipt:conversation:7:user:3"}},
		deleteErr: errors.New("redis down"),
	}
	st := &fakeCursorStore{}
	f := New(receipts, st, time.Second)

	flushed, err := f.FlushOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, flushed)
	assert.Len(t, st.upserts, 1)
}

func TestFlushOnceScanFailure(t *testing.T) {
	receipts := &fakeReceipts{pendingErr: errors.New("redis down")}
	f := New(receipts, &fakeCursorStore{}, time.Second)

	_, err := f.FlushOnce(context.Background())
	assert.Error(t, err)
}

func TestRunFlushesAndPrunesUntilCancelled(t *testing.T) {
	receipts := &fakeReceipts{pending: []cache.PendingReceipt{
		{ConversationID: 7, UserID: 3, MessageID: 40, Key: "receipt:conversation:7:user:3"},
	}}
	st := &fakeCursorStore{}
	f := New(receipts, st, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	f.Run(ctx)

	assert.NotEmpty(t, st.upserts)
	assert.Equal(t, 24*time.Hour, st.prunedAge)
	// Partition maintenance rides on the same tick.
	assert.NotEmpty(t, st.partitioned)
}
