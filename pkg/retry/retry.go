package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config - конфигурация retry-логики для венью-вызовов
//
// Экспоненциальный backoff с jitter:
// delay = min(InitialDelay · Multiplier^attempt + jitter, MaxDelay)
//
// Jitter добавляет случайность чтобы избежать "thundering herd"
// при одновременных retry к одной бирже.
type Config struct {
	// MaxRetries - максимальное количество попыток (включая первую)
	MaxRetries int

	// InitialDelay - начальная задержка между попытками
	InitialDelay time.Duration

	// MaxDelay - максимальная задержка между попытками
	MaxDelay time.Duration

	// Multiplier - множитель экспоненциального роста
	Multiplier float64

	// JitterFactor - фактор случайности (0.0 - 1.0)
	JitterFactor float64

	// RetryIf определяет нужно ли повторять после ошибки.
	// nil = повторяются все ошибки.
	RetryIf func(error) bool

	// OnRetry вызывается перед каждым повтором (для логирования)
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig подходит для обычных венью-запросов
// (funding, стаканы, балансы): 4 попытки, 100ms/200ms/400ms
func DefaultConfig() Config {
	return Config{
		MaxRetries:   4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// AggressiveConfig для критичных операций (закрытие позиций, отмена
// ордеров): больше попыток, быстрее повторы
func AggressiveConfig() Config {
	return Config{
		MaxRetries:   6,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// ConservativeConfig для фоновых операций (reconciliation-пулы)
func ConservativeConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

func (c *Config) validate() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

func (c *Config) calculateDelay(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do выполняет операцию с повторными попытками
//
// Возвращает nil при успехе, последнюю ошибку когда попытки исчерпаны
// или контекст отменён.
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult выполняет операцию с результатом и retry
//
//	order, err := retry.DoWithResult(ctx, func() (*venue.Order, error) {
//	    return v.GetOrder(ctx, pair, id)
//	}, retry.DefaultConfig())
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.validate()

	var lastErr error
	var zero T

	for attempt := 0; cfg.MaxRetries <= 0 || attempt < cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, ctx.Err()
		default:
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}
		if cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries-1 {
			break
		}

		delay := cfg.calculateDelay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// ============================================================
// Классификация ошибок
// ============================================================

// RetryableError - интерфейс ошибок со встроенным признаком повторяемости
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable проверяет можно ли повторять после ошибки
//
// true если ошибка реализует RetryableError с Retryable()==true,
// или временная (Temporary()==true). По умолчанию повторяем.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	type temporary interface{ Temporary() bool }
	var temp temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return true
}

// RetryIfNotContext не повторяет после отмены контекста
func RetryIfNotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// PermanentError оборачивает ошибку, после которой повторять бессмысленно
// (аутентификация, валидация)
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

// TemporaryError оборачивает временную ошибку (сеть, таймаут)
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string   { return e.Err.Error() }
func (e *TemporaryError) Unwrap() error   { return e.Err }
func (e *TemporaryError) Retryable() bool { return true }
func (e *TemporaryError) Temporary() bool { return true }

// Temporary помечает ошибку как временную
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &TemporaryError{Err: err}
}
