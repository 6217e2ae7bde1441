package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "op", fastConfig(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "op", fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	wantErr := errors.New("still broken")
	err := Do(context.Background(), "op", fastConfig(), func() error {
		calls++
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 4, calls) // first try plus MaxRetries
}

func TestDoStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Do(ctx, "op", Config{MaxRetries: 10, BaseDelay: time.Hour, Multiplier: 1}, func() error {
		calls++
		cancel()
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelayForGrowsAndCaps(t *testing.T) {
	config := Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2.0}

	assert.Equal(t, time.Second, delayFor(config, 0))
	assert.Equal(t, 2*time.Second, delayFor(config, 1))
	assert.Equal(t, 4*time.Second, delayFor(config, 2))
	// Capped.
	assert.Equal(t, 5*time.Second, delayFor(config, 3))
	assert.Equal(t, 5*time.Second, delayFor(config, 10))
}

func TestDelayForJitterStaysInBounds(t *testing.T) {
	config := Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0, Jitter: true}

	for i := 0; i < 100; i++ {
		d := delayFor(config, 2)
		assert.GreaterOrEqual(t, d, 3600*time.Millisecond)
		assert.LessOrEqual(t, d, 4400*time.Millisecond)
	}
}
