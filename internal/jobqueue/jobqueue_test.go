package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/internal/store"
	"github.com/chatwire/pkg/models"
)

type fakeMessageStore struct {
	nextID    int64
	byTempID  map[string]int64
	inserted  []models.Submission
	insertErr error
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{byTempID: map[string]int64{}}
}

func (f *fakeMessageStore) InsertMessage(ctx context.Context, sub models.Submission) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	if sub.TempID != "" {
		if id, ok := f.byTempID[sub.TempID]; ok {
			return id, nil
		}
	}
	f.nextID++
	f.inserted = append(f.inserted, sub)
	if sub.TempID != "" {
		f.byTempID[sub.TempID] = f.nextID
	}
	return f.nextID, nil
}

func (f *fakeMessageStore) MessageWithSender(ctx context.Context, id int64) (store.Message, error) {
	return store.Message{
		ID:             id,
		ConversationID: 7,
		SenderID:       3,
		Content:        "hello",
		CreatedAt:      time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC),
		SenderName:     "ada",
	}, nil
}

type fakePageCache struct {
	prepended  []models.MessagePayload
	prependErr error
}

func (f *fakePageCache) PrependToPage(ctx context.Context, conversationID int64, payload models.MessagePayload, max int) error {
	if f.prependErr != nil {
		return f.prependErr
	}
	f.prepended = append(f.prepended, payload)
	return nil
}

type broadcast struct {
	conversationID int64
	event          string
	data           any
}

type fakeBroadcaster struct {
	sent []broadcast
}

func (f *fakeBroadcaster) BroadcastToRoom(conversationID int64, event string, data any) {
	f.sent = append(f.sent, broadcast{conversationID, event, data})
}

func messageJob(args MessageJobArgs, attempt int) *river.Job[MessageJobArgs] {
	return &river.Job[MessageJobArgs]{
		JobRow: &rivertype.JobRow{ID: 1, Attempt: attempt},
		Args:   args,
	}
}

func TestMessageWorkerPersistsAndBroadcasts(t *testing.T) {
	st := newFakeMessageStore()
	ca := &fakePageCache{}
	hub := &fakeBroadcaster{}
	w := &MessageWorker{store: st, cache: ca, hub: hub, config: DefaultQueueConfig()}

	args := MessageJobArgs{ConversationID: 7, SenderID: 3, Content: "hello", TempID: "tmp-1"}
	require.NoError(t, w.Work(context.Background(), messageJob(args, 1)))

	require.Len(t, st.inserted, 1)
	assert.Equal(t, "hello", st.inserted[0].Content)

	require.Len(t, ca.prepended, 1)
	assert.Equal(t, "tmp-1", ca.prepended[0].TempID)

	require.Len(t, hub.sent, 1)
	assert.Equal(t, int64(7), hub.sent[0].conversationID)
	assert.Equal(t, "receive_message", hub.sent[0].event)

	payload, ok := hub.sent[0].data.(models.MessagePayload)
	require.True(t, ok)
	assert.Equal(t, "ada", payload.Sender)
	assert.Equal(t, "tmp-1", payload.TempID)
}

// A redelivered job must not create a second row; it re-broadcasts the row
// persisted by the first attempt.
func TestMessageWorkerRedeliveryIsIdempotent(t *testing.T) {
	st := newFakeMessageStore()
	ca := &fakePageCache{}
	hub := &fakeBroadcaster{}
	w := &MessageWorker{store: st, cache: ca, hub: hub, config: DefaultQueueConfig()}

	args := MessageJobArgs{ConversationID: 7, SenderID: 3, Content: "hello", TempID: "tmp-1"}
	require.NoError(t, w.Work(context.Background(), messageJob(args, 1)))
	require.NoError(t, w.Work(context.Background(), messageJob(args, 2)))

	assert.Len(t, st.inserted, 1)
	require.Len(t, hub.sent, 2)
	first := hub.sent[0].data.(models.MessagePayload)
	second := hub.sent[1].data.(models.MessagePayload)
	assert.Equal(t, first.ID, second.ID)
}

func TestMessageWorkerBroadcastsDespiteCacheFailure(t *testing.T) {
	st := newFakeMessageStore()
	ca := &fakePageCache{prependErr: errors.New("redis down")}
	hub := &fakeBroadcaster{}
	w := &MessageWorker{store: st, cache: ca, hub: hub, config: DefaultQueueConfig()}

	args := MessageJobArgs{ConversationID: 7, SenderID: 3, Content: "hello"}
	require.NoError(t, w.Work(context.Background(), messageJob(args, 1)))

	assert.Len(t, hub.sent, 1)
}

// A failed persist returns the error so River retries the job.
func TestMessageWorkerReturnsPersistError(t *testing.T) {
	st := newFakeMessageStore()
	st.insertErr = errors.New("db down")
	hub := &fakeBroadcaster{}
	w := &MessageWorker{store: st, cache: &fakePageCache{}, hub: hub, config: DefaultQueueConfig()}

	err := w.Work(context.Background(), messageJob(MessageJobArgs{ConversationID: 7, SenderID: 3, Content: "x"}, 1))
	assert.Error(t, err)
	assert.Empty(t, hub.sent)
}

func TestQueueConfigDefaults(t *testing.T) {
	cfg := DefaultQueueConfig()
	assert.Equal(t, 10, cfg.MaxWorkers)
	assert.Equal(t, 25, cfg.MaxRetries)

	queues := cfg.RiverQueueConfig()
	require.Contains(t, queues, river.QueueDefault)
	assert.Equal(t, 10, queues[river.QueueDefault].MaxWorkers)
}
