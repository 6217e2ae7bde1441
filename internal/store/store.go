// Package store is the durable side of the pipeline: messages, reactions,
// conversation membership and read cursors, backed by Postgres. It is always
// the source of truth; the cache layer only ever holds derived state.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store provides access to the relational schema.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store on top of an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool so the job queue driver can share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// schemaStatements is applied in order by EnsureSchema. The messages table is
// range-partitioned on created_at: the timestamp is assigned once and rows
// never move across partitions, so retention can drop whole partitions.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		avatar TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGSERIAL PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT 'group' CHECK (kind IN ('direct', 'group')),
		name TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		last_read_message_id BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGINT GENERATED ALWAYS AS IDENTITY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		content TEXT,
		attachment_url TEXT,
		search_vector TSVECTOR,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (id, created_at)
	) PARTITION BY RANGE (created_at)`,
	// No DEFAULT partition: rows landing there would block creating the
	// overlapping month partition later. Month partitions are created ahead
	// of time instead (EnsureMonthPartition, re-run by the flusher).
	`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
		ON messages (conversation_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS messages_search_idx
		ON messages USING GIN (search_vector)`,
	`CREATE OR REPLACE FUNCTION message_search_vector_update() RETURNS trigger AS $$
	BEGIN
		NEW.search_vector := to_tsvector('english', COALESCE(NEW.content, ''));
		RETURN NEW;
	END
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS message_search_vector_update ON messages`,
	`CREATE TRIGGER message_search_vector_update
		BEFORE INSERT OR UPDATE ON messages
		FOR EACH ROW EXECUTE PROCEDURE message_search_vector_update()`,
	// Reactions cannot carry a plain FK to messages(id): a unique constraint
	// on the partitioned parent must include the partition key. Conversation
	// level cascade covers cleanup instead.
	`CREATE TABLE IF NOT EXISTS message_reactions (
		id BIGSERIAL PRIMARY KEY,
		message_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		emoji TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (message_id, user_id, emoji)
	)`,
	`CREATE TABLE IF NOT EXISTS message_idempotency (
		sender_id BIGINT NOT NULL,
		temp_id TEXT NOT NULL,
		message_id BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (sender_id, temp_id)
	)`,
}

// EnsureSchema creates the chat schema if it is missing. River's own tables
// are migrated separately by the job queue setup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if err := s.EnsureUpcomingPartitions(ctx, time.Now().UTC()); err != nil {
		return err
	}

	log.Info().Msg("database schema ready")
	return nil
}

// EnsureUpcomingPartitions creates the messages partitions for the month of t
// and the month after, so inserts keep landing in a partition across a month
// boundary even when the process runs unattended past it.
func (s *Store) EnsureUpcomingPartitions(ctx context.Context, t time.Time) error {
	if err := s.EnsureMonthPartition(ctx, t); err != nil {
		return err
	}
	return s.EnsureMonthPartition(ctx, t.AddDate(0, 1, 0))
}

// EnsureMonthPartition creates the messages partition covering the month of t.
func (s *Store) EnsureMonthPartition(ctx context.Context, t time.Time) error {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	name := fmt.Sprintf("messages_y%04dm%02d", start.Year(), int(start.Month()))

	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF messages FOR VALUES FROM ('%s') TO ('%s')`,
		name, start.Format("2006-01-02"), end.Format("2006-01-02"),
	)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create partition %s: %w", name, err)
	}
	return nil
}
