/*
Package jobqueue provides the River-based durable queue that decouples message
submission from persistence. The gateway enqueues, the worker pool drains.

For worker counts, retry policy and tuning parameters see queue_config.go.
*/
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"

	"github.com/chatwire/internal/store"
	"github.com/chatwire/pkg/models"
)

// MessageJobArgs carries one submission through the queue.
type MessageJobArgs struct {
	ConversationID int64  `json:"conversation_id"`
	SenderID       int64  `json:"sender_id"`
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachment_url,omitempty"`
	TempID         string `json:"temp_id,omitempty"`
}

// Kind returns the job kind for River
func (MessageJobArgs) Kind() string {
	return "message_process"
}

// MessageStore is the slice of the store the worker needs.
type MessageStore interface {
	InsertMessage(ctx context.Context, sub models.Submission) (int64, error)
	MessageWithSender(ctx context.Context, id int64) (store.Message, error)
}

// PageCache is the slice of the cache the worker needs.
type PageCache interface {
	PrependToPage(ctx context.Context, conversationID int64, payload models.MessagePayload, max int) error
}

// Broadcaster delivers a payload to every connection in a conversation room.
type Broadcaster interface {
	BroadcastToRoom(conversationID int64, event string, data any)
}

// MessageWorker persists a submission, updates the cached first page and
// broadcasts the result. Redelivered jobs are idempotent on the store side:
// InsertMessage returns the existing id for a (sender, tempId) pair that was
// already applied, so a crash between persist and broadcast re-broadcasts the
// same row instead of duplicating it.
type MessageWorker struct {
	river.WorkerDefaults[MessageJobArgs]
	store  MessageStore
	cache  PageCache
	hub    Broadcaster
	config *QueueConfig
}

// Timeout bounds a single job run.
func (w *MessageWorker) Timeout(*river.Job[MessageJobArgs]) time.Duration {
	return w.config.JobTimeout
}

// Work performs one message job.
func (w *MessageWorker) Work(ctx context.Context, job *river.Job[MessageJobArgs]) error {
	args := job.Args

	id, err := w.store.InsertMessage(ctx, models.Submission{
		ConversationID: args.ConversationID,
		SenderID:       args.SenderID,
		Content:        args.Content,
		AttachmentURL:  args.AttachmentURL,
		TempID:         args.TempID,
	})
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	msg, err := w.store.MessageWithSender(ctx, id)
	if err != nil {
		return fmt.Errorf("read back message %d: %w", id, err)
	}

	payload := msg.Payload(args.TempID)

	// Cache is an optimization, never a dependency for correctness: a failed
	// prepend is logged and the broadcast still happens. The next page-1 read
	// refills the cache from the store.
	if err := w.cache.PrependToPage(ctx, args.ConversationID, payload, w.config.CachePageSize); err != nil {
		log.Warn().Err(err).
			Int64("conversation_id", args.ConversationID).
			Int64("message_id", id).
			Msg("cache prepend failed")
	}

	w.hub.BroadcastToRoom(args.ConversationID, "receive_message", payload)

	log.Debug().
		Int64("message_id", id).
		Int64("conversation_id", args.ConversationID).
		Int("attempt", job.Attempt).
		Msg("message job completed")
	return nil
}

// JobQueue manages the River client and its worker pool.
type JobQueue struct {
	client *river.Client[pgx.Tx]
	config *QueueConfig
}

// New creates the queue on the shared connection pool and registers the
// message worker. Call Start to begin draining.
func New(pool *pgxpool.Pool, st MessageStore, ca PageCache, hub Broadcaster, config *QueueConfig) (*JobQueue, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, &MessageWorker{store: st, cache: ca, hub: hub, config: config})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{client: client, config: config}, nil
}

// Migrate applies River's own schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("migrate river schema: %w", err)
	}
	return nil
}

// Start starts the job queue workers
func (q *JobQueue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

// Stop stops the job queue workers
func (q *JobQueue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}

// EnqueueMessage queues a submission for processing. The insert is durable:
// once this returns nil the message will eventually be persisted and
// broadcast, surviving process restarts.
func (q *JobQueue) EnqueueMessage(ctx context.Context, sub models.Submission) error {
	_, err := q.client.Insert(ctx, MessageJobArgs{
		ConversationID: sub.ConversationID,
		SenderID:       sub.SenderID,
		Content:        sub.Content,
		AttachmentURL:  sub.AttachmentURL,
		TempID:         sub.TempID,
	}, &river.InsertOpts{MaxAttempts: q.config.MaxRetries})
	if err != nil {
		return fmt.Errorf("failed to queue message job: %w", err)
	}
	return nil
}
