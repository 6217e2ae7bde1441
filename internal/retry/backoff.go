// Package retry provides exponential backoff for operations against
// dependencies that may be briefly unavailable, such as the database during
// a rolling deploy.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Multiplier grows the delay per attempt.
	Multiplier float64

	// Jitter adds up to 10% randomness to each delay so restarting replicas
	// do not hammer a recovering dependency in lockstep.
	Jitter bool
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// ConnectConfig is tuned for startup connections: the dependency is usually
// seconds away from ready, so retry longer before giving up.
func ConnectConfig() Config {
	return Config{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Do runs op until it succeeds, the attempts are exhausted, or ctx is
// cancelled. It returns nil on success, the context error on cancellation,
// and otherwise the last error from op.
func Do(ctx context.Context, name string, config Config, op func() error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			if attempt > 0 {
				log.Info().Str("op", name).Int("attempt", attempt+1).Msg("succeeded after retry")
			}
			return nil
		}

		if attempt >= config.MaxRetries {
			break
		}

		delay := delayFor(config, attempt)
		log.Warn().Err(lastErr).
			Str("op", name).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("operation failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// delayFor calculates the backoff delay for the given attempt.
func delayFor(config Config, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	return time.Duration(delay)
}
