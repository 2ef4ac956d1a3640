package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Повторные попытки применяются ТОЛЬКО к операциям чтения
// (позиции, котировки, свечи, лимиты).
// Отправка ордеров никогда не повторяется автоматически: повтор закрытия
// мог бы закрыть больше, чем нужно. Решение о новой попытке принимает
// следующий цикл движка.

// Config - параметры экспоненциального backoff
//
// delay(n) = min(InitialDelay * Multiplier^n, MaxDelay) ± JitterFactor
type Config struct {
	MaxAttempts  int // всего попыток, включая первую (минимум 1)
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0..1

	// RetryIf решает, стоит ли повторять ошибку (nil = IsRetryable)
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием очередной попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// ReadConfig - для чтения позиций и котировок внутри одного цикла опроса.
// Суммарное ожидание укладывается в интервал trailing монитора (3s).
func ReadConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 150 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
		RetryIf:      RetryIfNotContext,
	}
}

// BackgroundConfig - для фоновой загрузки (свечи, лимиты лотов)
func BackgroundConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

func (c *Config) normalize() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	if c.RetryIf == nil {
		c.RetryIf = IsRetryable
	}
}

// delay вычисляет паузу перед попыткой attempt (0-based)
func (c *Config) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do выполняет операцию с повторами.
// Возвращает nil при успехе или последнюю ошибку.
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult - Do для операций, возвращающих значение
//
//	positions, err := retry.DoWithResult(ctx, func() ([]models.PositionSnapshot, error) {
//	    return src.FetchOpenPositions(ctx)
//	}, retry.ReadConfig())
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.normalize()

	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.RetryIf(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		wait := cfg.delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// ============================================================
// Классификация ошибок
// ============================================================

// RetryableError - ошибка, сама сообщающая, можно ли её повторять
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable: RetryableError решает сама, ошибки контекста не повторяются,
// остальное повторяется.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r RetryableError
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return RetryIfNotContext(err)
}

// RetryIfNotContext не повторяет отмену и таймаут контекста
func RetryIfNotContext(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r RetryableError
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// PermanentError - ошибка, которую повторять бессмысленно
// (неизвестный символ, отказ авторизации, ошибка разбора ответа)
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TemporaryError - ошибка, которую стоит повторить (таймаут, 5xx, rate limit)
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string   { return e.Err.Error() }
func (e *TemporaryError) Unwrap() error   { return e.Err }
func (e *TemporaryError) Retryable() bool { return true }

// Temporary помечает ошибку как повторяемую
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &TemporaryError{Err: err}
}
