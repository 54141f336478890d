package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRetryBudgetRespected покрывает P8: бюджет попыток строго
// соблюдается
func TestRetryBudgetRespected(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  4,
	}

	attempts := 0
	err := cfg.Execute(context.Background(), func() error {
		attempts++
		return newError(ErrorTransport, "", "unreachable")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	cfg := DefaultRetryConfig()

	attempts := 0
	err := cfg.Execute(context.Background(), func() error {
		attempts++
		return newError(ErrorAuthentication, "", "bad credentials")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "невосстановимая ошибка не повторяется")
}

func TestRetrySucceedsMidway(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Millisecond, MaxAttempts: 5}

	attempts := 0
	err := cfg.Execute(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return newError(ErrorTimeout, "", "timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryDelayBounded(t *testing.T) {
	// Суммарное время ограничено суммой геометрической прогрессии
	cfg := RetryConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  4,
	}

	start := time.Now()
	_ = cfg.Execute(context.Background(), func() error {
		return newError(ErrorTransport, "", "down")
	})
	elapsed := time.Since(start)

	// 5 + 10 + 20 = 35 мс задержек; джиттер выключен
	assert.Less(t, elapsed, 200*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 35*time.Millisecond)
}

func TestRetryContextCancellation(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 50 * time.Millisecond, MaxAttempts: 10}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := cfg.Execute(ctx, func() error {
		return newError(ErrorTransport, "", "down")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, newError(ErrorTransport, "s", "x").Retryable())
	assert.True(t, newError(ErrorTimeout, "s", "x").Retryable())
	assert.False(t, newError(ErrorSecurity, "s", "x").Retryable())
	assert.False(t, newError(ErrorCallSetupFailed, "s", "x").Retryable())
	assert.True(t, retryableStatus(503))
	assert.True(t, retryableStatus(408))
	assert.False(t, retryableStatus(486))
}
