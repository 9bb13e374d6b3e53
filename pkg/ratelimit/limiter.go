package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Bucket - Token Bucket для контроля частоты запросов к API одной биржи
//
// Алгоритм:
// - Ведро наполняется токенами с постоянной скоростью (refillRate токенов/сек)
// - Максимальная ёмкость ведра = capacity (позволяет короткие всплески)
// - Каждый запрос потребляет n токенов
//
// Инвариант: 0 <= tokens <= capacity до и после любого Acquire.
// Критическая секция O(1), без I/O - мьютекс не держится через suspension point.
type Bucket struct {
	capacity   float64
	refillRate float64 // токенов в секунду
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewBucket создаёт ведро с указанными параметрами
//
// Примеры лимитов бирж:
//   - Bybit/Bitget/Gate/BingX: 10 req/sec (ёмкость 20)
//   - OKX: 20 req/sec (ёмкость 40)
func NewBucket(capacity, refillRate float64) *Bucket {
	if refillRate <= 0 {
		refillRate = 10
	}
	if capacity <= 0 {
		capacity = refillRate * 2
	}
	if capacity < refillRate {
		capacity = refillRate
	}
	return &Bucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity, // начинаем с полным ведром
		lastRefill: time.Now(),
	}
}

// refill пополняет токены пропорционально прошедшему времени.
// Вызывается под lock'ом.
func (b *Bucket) refill() {
	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// TryTake пытается забрать n токенов без блокировки
func (b *Bucket) TryTake(n float64) bool {
	if n <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// waitHint возвращает время до появления n токенов
func (b *Bucket) waitHint(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= n {
		return 0
	}
	return time.Duration((n - b.tokens) / b.refillRate * float64(time.Second))
}

// Snapshot - состояние ведра для мониторинга
type Snapshot struct {
	TokensAvailable float64 `json:"tokens_available"`
	Capacity        float64 `json:"capacity"`
	RefillRate      float64 `json:"refill_rate"`
	Utilization     float64 `json:"utilization"` // 1 − tokens/capacity
}

// Snapshot возвращает текущее состояние ведра
func (b *Bucket) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return Snapshot{
		TokensAvailable: b.tokens,
		Capacity:        b.capacity,
		RefillRate:      b.refillRate,
		Utilization:     1 - b.tokens/b.capacity,
	}
}

// ============================================================
// Limiter - пер-биржевые вёдра + backoff критического пути
// ============================================================

// VenueLimits - настройки ведра одной биржи
type VenueLimits struct {
	Capacity   float64
	RefillRate float64
}

// Config - конфигурация лимитера
type Config struct {
	// Дефолтные параметры для бирж без явных настроек
	DefaultCapacity   float64
	DefaultRefillRate float64

	// Переопределения по биржам
	PerVenue map[string]VenueLimits

	// Backoff критических вызовов: base · mult^(attempt−1), кламп к max,
	// пропорциональный jitter ±JitterFactor/2
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	BackoffMult  float64
	JitterFactor float64

	// Глобальное отключение (rate_limiting_enabled=false)
	Disabled bool
}

// DefaultConfig - разумные дефолты под публичные API бирж
func DefaultConfig() Config {
	return Config{
		DefaultCapacity:   20,
		DefaultRefillRate: 10,
		BackoffBase:       250 * time.Millisecond,
		BackoffMax:        15 * time.Second,
		BackoffMult:       2.0,
		JitterFactor:      0.2,
	}
}

// Limiter управляет вёдрами всех бирж
//
// Критические вызовы (ордера, отмены) при нехватке токенов уходят в
// экспоненциальный backoff с джиттером; попытки сбрасываются при успехе.
// Некритические просто досыпают до пополнения ведра.
type Limiter struct {
	cfg Config

	mu       sync.Mutex
	buckets  map[string]*Bucket
	attempts map[string]int // backoff-попытки критического пути по биржам
}

// New создаёт лимитер
func New(cfg Config) *Limiter {
	if cfg.DefaultRefillRate <= 0 {
		cfg.DefaultRefillRate = 10
	}
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = cfg.DefaultRefillRate * 2
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 15 * time.Second
	}
	if cfg.BackoffMult <= 1 {
		cfg.BackoffMult = 2.0
	}
	return &Limiter{
		cfg:      cfg,
		buckets:  make(map[string]*Bucket),
		attempts: make(map[string]int),
	}
}

// bucket возвращает (создавая при необходимости) ведро биржи
func (l *Limiter) bucket(venue string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[venue]; ok {
		return b
	}
	limits := VenueLimits{Capacity: l.cfg.DefaultCapacity, RefillRate: l.cfg.DefaultRefillRate}
	if v, ok := l.cfg.PerVenue[venue]; ok {
		limits = v
	}
	b := NewBucket(limits.Capacity, limits.RefillRate)
	l.buckets[venue] = b
	return b
}

// Acquire забирает n токенов ведра биржи, при необходимости ожидая
//
// critical=false: спим до пополнения ведра (шаг ограничен сверху),
// повторяем до истечения ctx.
// critical=true: при нехватке токенов спим экспоненциальный backoff
// с джиттером, инкрементируя счётчик попыток биржи; успешный Acquire
// сбрасывает счётчик в 0.
//
// Возвращает false при истечении ctx.
func (l *Limiter) Acquire(ctx context.Context, venue string, n int, critical bool) bool {
	if l.cfg.Disabled || n <= 0 {
		return true
	}

	b := l.bucket(venue)
	need := float64(n)

	for {
		if b.TryTake(need) {
			if critical {
				l.resetAttempts(venue)
			}
			return true
		}

		var delay time.Duration
		if critical {
			delay = l.nextBackoff(venue)
		} else {
			delay = b.waitHint(need)
			if delay <= 0 {
				delay = 10 * time.Millisecond
			}
			if delay > time.Second {
				delay = time.Second
			}
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
	}
}

// Allow - неблокирующая проверка (для ReliabilityGate.CanPassRateLimit)
func (l *Limiter) Allow(venue string, n int) bool {
	if l.cfg.Disabled || n <= 0 {
		return true
	}
	return l.bucket(venue).TryTake(float64(n))
}

// nextBackoff вычисляет задержку критического пути и инкрементирует попытки
func (l *Limiter) nextBackoff(venue string) time.Duration {
	l.mu.Lock()
	attempt := l.attempts[venue]
	l.attempts[venue] = attempt + 1
	l.mu.Unlock()

	bo := backoff.Backoff{
		Min:    l.cfg.BackoffBase,
		Max:    l.cfg.BackoffMax,
		Factor: l.cfg.BackoffMult,
		Jitter: false,
	}
	delay := bo.ForAttempt(float64(attempt))

	// Пропорциональный jitter ±JitterFactor/2
	if l.cfg.JitterFactor > 0 {
		spread := float64(delay) * l.cfg.JitterFactor / 2
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if delay < 0 {
		delay = 0
	}
	if delay > l.cfg.BackoffMax {
		delay = l.cfg.BackoffMax
	}
	return delay
}

func (l *Limiter) resetAttempts(venue string) {
	l.mu.Lock()
	delete(l.attempts, venue)
	l.mu.Unlock()
}

// SnapshotAll возвращает состояние всех вёдер (для метрик и /health/detailed)
func (l *Limiter) SnapshotAll() map[string]Snapshot {
	l.mu.Lock()
	buckets := make(map[string]*Bucket, len(l.buckets))
	for name, b := range l.buckets {
		buckets[name] = b
	}
	l.mu.Unlock()

	out := make(map[string]Snapshot, len(buckets))
	for name, b := range buckets {
		out[name] = b.Snapshot()
	}
	return out
}
