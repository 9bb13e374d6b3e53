package engine

import (
	"time"

	"fundarb/internal/venue"
	"fundarb/pkg/utils"
)

// ============================================================
// SettlementScheduler - окна открытия/закрытия вокруг расчётов funding
// ============================================================
//
// Вблизи момента расчёта ставки нестабильны, спреды расширяются,
// а сразу после расчёта свежие данные funding ещё недостоверны.
// Планировщик классифицирует момент времени для набора венью и
// отвечает на два вопроса: можно ли открываться и пора ли закрываться.

// Статусы окна (от самого ограничивающего к разрешающему)
const (
	StatusSettlementImminent = "SETTLEMENT_IMMINENT"
	StatusPostSettlement     = "POST_SETTLEMENT"
	StatusClosingWindow      = "CLOSING_WINDOW"
	StatusSafeToOpen         = "SAFE_TO_OPEN"
)

// SchedulerConfig - буферы вокруг расчётов
type SchedulerConfig struct {
	PreSettlementBuffer time.Duration // запрет открытия до расчёта
	PostSettlementDelay time.Duration // недоверие данным после расчёта
	ClosingWindowExtra  time.Duration // надбавка к буферу для окна закрытия
}

// DefaultSchedulerConfig - стандартные буферы
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PreSettlementBuffer: 30 * time.Minute,
		PostSettlementDelay: 10 * time.Minute,
		ClosingWindowExtra:  15 * time.Minute,
	}
}

// SettlementScheduler классифицирует время относительно календарей венью
type SettlementScheduler struct {
	cfg SchedulerConfig
	now func() time.Time // подменяется в тестах
}

// NewSettlementScheduler создаёт планировщик
func NewSettlementScheduler(cfg SchedulerConfig) *SettlementScheduler {
	if cfg.PreSettlementBuffer <= 0 {
		cfg.PreSettlementBuffer = 30 * time.Minute
	}
	if cfg.PostSettlementDelay <= 0 {
		cfg.PostSettlementDelay = 10 * time.Minute
	}
	if cfg.ClosingWindowExtra <= 0 {
		cfg.ClosingWindowExtra = 15 * time.Minute
	}
	return &SettlementScheduler{cfg: cfg, now: time.Now}
}

// venueStatus классифицирует одно венью
func (s *SettlementScheduler) venueStatus(name string, t time.Time) string {
	hours := venue.TraitsFor(name).SettlementHoursUTC

	toNext := utils.TimeToSettlement(t, hours)
	sincePrev := utils.SinceSettlement(t, hours)

	switch {
	case toNext <= s.cfg.PreSettlementBuffer:
		return StatusSettlementImminent
	case sincePrev <= s.cfg.PostSettlementDelay:
		return StatusPostSettlement
	case toNext <= s.cfg.PreSettlementBuffer+s.cfg.ClosingWindowExtra:
		return StatusClosingWindow
	default:
		return StatusSafeToOpen
	}
}

func statusRank(status string) int {
	switch status {
	case StatusSettlementImminent:
		return 0
	case StatusPostSettlement:
		return 1
	case StatusClosingWindow:
		return 2
	default:
		return 3
	}
}

// Status возвращает самый ограничивающий статус по набору венью
func (s *SettlementScheduler) Status(venues []string) string {
	t := s.now()
	worst := StatusSafeToOpen
	for _, v := range venues {
		st := s.venueStatus(v, t)
		if statusRank(st) < statusRank(worst) {
			worst = st
		}
	}
	return worst
}

// MinTimeToSettlement возвращает минимум времени до расчёта по венью
func (s *SettlementScheduler) MinTimeToSettlement(venues []string) time.Duration {
	t := s.now()
	min := time.Duration(1<<62 - 1)
	for _, v := range venues {
		d := utils.TimeToSettlement(t, venue.TraitsFor(v).SettlementHoursUTC)
		if d < min {
			min = d
		}
	}
	return min
}

// ShouldOpen возвращает true если открытие позиции безопасно
//
// Требует SAFE_TO_OPEN и запас до ближайшего расчёта не меньше
// минимального горизонта удержания.
func (s *SettlementScheduler) ShouldOpen(venues []string, minTimeHorizon time.Duration) (bool, string) {
	status := s.Status(venues)
	if status != StatusSafeToOpen {
		return false, status
	}
	if s.MinTimeToSettlement(venues) < minTimeHorizon {
		return false, "insufficient time horizon"
	}
	return true, "ok"
}

// ShouldClose возвращает true если позицию пора закрывать
//
// SETTLEMENT_IMMINENT закрывает всегда; CLOSING_WINDOW - только
// когда позиция прожила минимальный срок удержания.
func (s *SettlementScheduler) ShouldClose(venues []string, positionAge, minHold time.Duration) (bool, string) {
	status := s.Status(venues)
	switch status {
	case StatusSettlementImminent:
		return true, StatusSettlementImminent
	case StatusClosingWindow:
		if positionAge >= minHold {
			return true, StatusClosingWindow
		}
	}
	return false, status
}
