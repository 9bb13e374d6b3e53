package reliability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fundarb/pkg/utils"
)

// ============================================================
// Circuit breakers торгового ядра
// ============================================================
//
// Три встроенных вида:
// - error_series: любые сбои API/ордеров
// - hedge_deviation: дисбаланс ног сверх лимита (трип включает kill switch)
// - order_cancel: сбои отмены ордеров
//
// Состояния: CLOSED → OPEN (по порогу сбоев в окне) → HALF_OPEN
// (по таймауту) → CLOSED (по серии успехов) / OPEN (один сбой).
// Успех уменьшает счётчик сбоев в окне, но не ниже нуля.

// Виды предохранителей
const (
	KindErrorSeries    = "error_series"
	KindHedgeDeviation = "hedge_deviation"
	KindOrderCancel    = "order_cancel"
)

// Состояния предохранителя
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// BreakerConfig - пороги одного предохранителя
type BreakerConfig struct {
	FailureThreshold int           // сбоев в окне до трипа
	SuccessThreshold int           // подряд успехов для закрытия из HALF_OPEN
	Window           time.Duration // скользящее окно учёта сбоев
	Timeout          time.Duration // OPEN → HALF_OPEN
}

// DefaultBreakerConfig - консервативные дефолты
func DefaultBreakerConfig(threshold int) BreakerConfig {
	if threshold <= 0 {
		threshold = 5
	}
	return BreakerConfig{
		FailureThreshold: threshold,
		SuccessThreshold: 3,
		Window:           60 * time.Second,
		Timeout:          60 * time.Second,
	}
}

// Breaker - один предохранитель
//
// Счётчики под мьютексом, критическая секция O(1) без I/O.
// Читатели получают иммутабельные снимки.
type Breaker struct {
	kind string
	cfg  BreakerConfig

	mu           sync.Mutex
	state        string
	failures     []time.Time // времена сбоев внутри окна
	successCount int         // подряд успехов в HALF_OPEN
	tripTime     time.Time

	onTrip func(kind string)
	log    zerolog.Logger
}

// NewBreaker создаёт предохранитель в состоянии CLOSED
func NewBreaker(kind string, cfg BreakerConfig, onTrip func(kind string)) *Breaker {
	return &Breaker{
		kind:   kind,
		cfg:    cfg,
		state:  StateClosed,
		onTrip: onTrip,
		log:    utils.ComponentLogger("circuit_breaker").With().Str("kind", kind).Logger(),
	}
}

// pruneLocked выбрасывает сбои, выпавшие из окна
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = b.failures[i:]
	}
}

// CanExecute возвращает true если выполнение разрешено
//
// Для OPEN по истечении Timeout переводит в HALF_OPEN (проверка
// восстановления). В HALF_OPEN выполнение разрешено.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.tripTime) >= b.cfg.Timeout {
			b.state = StateHalfOpen
			b.successCount = 0
			b.log.Warn().Msg("breaker half-open, probing recovery")
			return true
		}
		return false
	}
	return false
}

// RecordFailure учитывает сбой
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := time.Now()
	b.pruneLocked(now)
	b.failures = append(b.failures, now)

	tripped := false
	switch b.state {
	case StateClosed:
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.tripTime = now
			tripped = true
		}
	case StateHalfOpen:
		// Один сбой на пробе - снова OPEN
		b.state = StateOpen
		b.tripTime = now
		b.successCount = 0
		tripped = true
	}
	count := len(b.failures)
	b.mu.Unlock()

	if tripped {
		b.log.Error().Int("failures_in_window", count).Msg("circuit breaker tripped")
		if b.onTrip != nil {
			b.onTrip(b.kind)
		}
	}
}

// RecordSuccess учитывает успех
//
// В CLOSED уменьшает счётчик сбоев в окне (не ниже нуля),
// в HALF_OPEN накапливает успехи до закрытия.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.pruneLocked(now)

	switch b.state {
	case StateClosed:
		if len(b.failures) > 0 {
			b.failures = b.failures[:len(b.failures)-1]
		}
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = b.failures[:0]
			b.successCount = 0
			b.log.Info().Msg("circuit breaker closed")
		}
	}
}

// BreakerSnapshot - иммутабельный снимок состояния
type BreakerSnapshot struct {
	Kind             string    `json:"kind"`
	State            string    `json:"state"`
	FailuresInWindow int       `json:"failures_in_window"`
	SuccessCount     int       `json:"success_count"`
	FailureThreshold int       `json:"failure_threshold"`
	TripTime         time.Time `json:"trip_time,omitempty"`
}

// Snapshot возвращает снимок состояния
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(time.Now())
	return BreakerSnapshot{
		Kind:             b.kind,
		State:            b.state,
		FailuresInWindow: len(b.failures),
		SuccessCount:     b.successCount,
		FailureThreshold: b.cfg.FailureThreshold,
		TripTime:         b.tripTime,
	}
}

// ============================================================
// BreakerSet - набор предохранителей + глобальный kill switch
// ============================================================

// BreakerSetConfig - пороги всех предохранителей
type BreakerSetConfig struct {
	ErrorSeriesThreshold    int
	HedgeDeviationThreshold int
	OrderCancelThreshold    int
}

// BreakerSet объединяет три предохранителя ядра
//
// Трип hedge_deviation активирует глобальный kill switch: все
// CanExecute возвращают false до ручного сброса.
type BreakerSet struct {
	errorSeries    *Breaker
	hedgeDeviation *Breaker
	orderCancel    *Breaker

	killSwitch atomic.Bool
	log        zerolog.Logger
}

// NewBreakerSet создаёт набор предохранителей
func NewBreakerSet(cfg BreakerSetConfig) *BreakerSet {
	bs := &BreakerSet{log: utils.ComponentLogger("breaker_set")}

	onHedgeTrip := func(kind string) {
		bs.killSwitch.Store(true)
		bs.log.Error().Str("kind", kind).Msg("GLOBAL KILL SWITCH ACTIVATED")
	}

	bs.errorSeries = NewBreaker(KindErrorSeries, DefaultBreakerConfig(cfg.ErrorSeriesThreshold), nil)
	bs.hedgeDeviation = NewBreaker(KindHedgeDeviation, DefaultBreakerConfig(cfg.HedgeDeviationThreshold), onHedgeTrip)
	bs.orderCancel = NewBreaker(KindOrderCancel, DefaultBreakerConfig(cfg.OrderCancelThreshold), nil)
	return bs
}

// Get возвращает предохранитель по виду (nil для неизвестного)
func (bs *BreakerSet) Get(kind string) *Breaker {
	switch kind {
	case KindErrorSeries:
		return bs.errorSeries
	case KindHedgeDeviation:
		return bs.hedgeDeviation
	case KindOrderCancel:
		return bs.orderCancel
	}
	return nil
}

// RecordFailure учитывает сбой в указанном предохранителе
func (bs *BreakerSet) RecordFailure(kind string) {
	if b := bs.Get(kind); b != nil {
		b.RecordFailure()
	}
}

// RecordSuccess учитывает успех в указанном предохранителе
func (bs *BreakerSet) RecordSuccess(kind string) {
	if b := bs.Get(kind); b != nil {
		b.RecordSuccess()
	}
}

// CanTrade - агрегированный предикат набора
//
// false если kill switch активен либо любой предохранитель блокирует.
func (bs *BreakerSet) CanTrade() bool {
	if bs.killSwitch.Load() {
		return false
	}
	return bs.errorSeries.CanExecute() &&
		bs.hedgeDeviation.CanExecute() &&
		bs.orderCancel.CanExecute()
}

// KillSwitchActive возвращает состояние kill switch
func (bs *BreakerSet) KillSwitchActive() bool {
	return bs.killSwitch.Load()
}

// ResetKillSwitch снимает kill switch (только ручное действие оператора)
func (bs *BreakerSet) ResetKillSwitch() {
	bs.killSwitch.Store(false)
	bs.log.Warn().Msg("kill switch manually reset")
}

// Snapshots возвращает снимки всех предохранителей
func (bs *BreakerSet) Snapshots() []BreakerSnapshot {
	return []BreakerSnapshot{
		bs.errorSeries.Snapshot(),
		bs.hedgeDeviation.Snapshot(),
		bs.orderCancel.Snapshot(),
	}
}
