// Package ratelimit provides named token buckets backed by a shared Redis
// counter, so limits hold across multiple gateway processes.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Policy is one bucket's budget: Points actions per Window.
type Policy struct {
	Points int
	Window time.Duration
}

// QuotaError signals an exhausted budget. RetryAfter is the time until the
// next token; callers must surface it to the end user.
type QuotaError struct {
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded, retry in %s", e.RetryAfter.Round(time.Second))
}

// Limiter is one named bucket. With FailOpen set, Redis errors admit the
// action: a limiter outage must not become a chat outage.
type Limiter struct {
	rdb      *redis.Client
	name     string
	policy   Policy
	failOpen bool
}

// New creates a limiter for one named bucket.
func New(rdb *redis.Client, name string, policy Policy, failOpen bool) *Limiter {
	return &Limiter{rdb: rdb, name: name, policy: policy, failOpen: failOpen}
}

func (l *Limiter) key(identity string) string {
	return fmt.Sprintf("ratelimit:%s:%s", l.name, identity)
}

// Consume takes one token for the identity. It returns nil on admission, a
// *QuotaError when the budget is exhausted, or the backend error when the
// limiter cannot decide and is not configured to fail open.
func (l *Limiter) Consume(ctx context.Context, identity string) error {
	key := l.key(identity)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return l.backendError(err)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, l.policy.Window).Err(); err != nil {
			return l.backendError(err)
		}
	}
	if count <= int64(l.policy.Points) {
		return nil
	}

	retryAfter, err := l.rdb.TTL(ctx, key).Result()
	if err != nil || retryAfter <= 0 {
		// Counter without expiry (lost EXPIRE after a crash): reset the
		// window rather than locking the identity out forever.
		retryAfter = l.policy.Window
		l.rdb.Expire(ctx, key, l.policy.Window)
	}
	return &QuotaError{RetryAfter: retryAfter}
}

func (l *Limiter) backendError(err error) error {
	if l.failOpen {
		log.Warn().Err(err).Str("bucket", l.name).Msg("rate limiter backend unavailable, failing open")
		return nil
	}
	return fmt.Errorf("rate limiter %s: %w", l.name, err)
}
