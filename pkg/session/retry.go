package session

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig политика повторов для восстановимых ошибок
type RetryConfig struct {
	// InitialDelay задержка перед первым повтором
	InitialDelay time.Duration
	// MaxDelay потолок задержки
	MaxDelay time.Duration
	// Multiplier экспоненциальный множитель
	Multiplier float64
	// Jitter добавляет случайность до 20% задержки
	Jitter bool
	// MaxAttempts максимальное число попыток, включая первую
	MaxAttempts int
}

// DefaultRetryConfig возвращает политику повторов по умолчанию
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		MaxAttempts:  3,
	}
}

// normalize заполняет нулевые поля значениями по умолчанию
func (c RetryConfig) normalize() RetryConfig {
	def := DefaultRetryConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = def.Multiplier
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	return c
}

// Execute выполняет операцию с повторами для восстановимых ошибок.
//
// Бюджет повторов строго соблюдается: не более MaxAttempts попыток.
// Невосстановимая ошибка возвращается немедленно.
func (c RetryConfig) Execute(ctx context.Context, op func() error) error {
	cfg := c.normalize()

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.Jitter && delay >= 5 {
			wait += time.Duration(rand.Int63n(int64(delay) / 5))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
