package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayExponentialCapped(t *testing.T) {
	cfg := Config{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}

	// Attempt N yields min(2^N seconds, 30 seconds).
	assert.Equal(t, 2*time.Second, cfg.Delay(1))
	assert.Equal(t, 4*time.Second, cfg.Delay(2))
	assert.Equal(t, 8*time.Second, cfg.Delay(3))
	assert.Equal(t, 16*time.Second, cfg.Delay(4))
	assert.Equal(t, 30*time.Second, cfg.Delay(5))
	assert.Equal(t, 30*time.Second, cfg.Delay(10))
}

func TestDelayMonotonic(t *testing.T) {
	cfg := Config{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := cfg.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "delay must never shrink")
		assert.LessOrEqual(t, d, 30*time.Second)
		prev = d
	}
}

func TestDelayDefaults(t *testing.T) {
	var cfg Config
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(0))
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(1))
}

func TestSleepCancelled(t *testing.T) {
	cfg := Config{InitialDelay: time.Minute, MaxDelay: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cfg.Sleep(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoNonRetryable(t *testing.T) {
	attempts := 0
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}

	err := Do(context.Background(), cfg, func() error {
		attempts++
		return NonRetryable(errors.New("bad input"))
	})
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, attempts)
}

func TestDoExhausted(t *testing.T) {
	cfg := Config{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}

	err := Do(context.Background(), cfg, func() error {
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry exhausted")
}
