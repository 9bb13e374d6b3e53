package engine

import (
	"testing"
	"time"
)

// ============================================================
// SettlementScheduler Tests
// ============================================================

// newTestScheduler фиксирует "сейчас" для детерминированных окон
func newTestScheduler(at string) *SettlementScheduler {
	s := NewSettlementScheduler(DefaultSchedulerConfig())
	fixed, err := time.Parse(time.RFC3339, at)
	if err != nil {
		panic(err)
	}
	s.now = func() time.Time { return fixed }
	return s
}

func TestVenueStatusClassification(t *testing.T) {
	// Стандартный календарь: расчёты 00:00/08:00/16:00 UTC
	tests := []struct {
		name string
		at   string
		want string
	}{
		{"just before settlement", "2026-03-10T07:45:00Z", StatusSettlementImminent},
		{"right after settlement", "2026-03-10T08:05:00Z", StatusPostSettlement},
		{"closing window", "2026-03-10T07:20:00Z", StatusClosingWindow},
		{"middle of interval", "2026-03-10T12:00:00Z", StatusSafeToOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(tt.at)
			if got := s.Status([]string{"binance"}); got != tt.want {
				t.Errorf("Status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHourlyVenueAlwaysNearSettlement(t *testing.T) {
	// Hyperliquid рассчитывается каждый час: с буфером 30 минут
	// безопасного окна открытия не существует вовсе - вторая половина
	// часа IMMINENT, первая CLOSING_WINDOW после расчёта
	s := newTestScheduler("2026-03-10T12:31:00Z")
	if got := s.Status([]string{"hyperliquid"}); got != StatusSettlementImminent {
		t.Errorf("hyperliquid status = %s, want SETTLEMENT_IMMINENT", got)
	}
	s = newTestScheduler("2026-03-10T12:29:00Z")
	if got := s.Status([]string{"hyperliquid"}); got == StatusSafeToOpen {
		t.Errorf("hyperliquid status = %s, hourly venue must never be SAFE_TO_OPEN", got)
	}
}

func TestStatusMostRestrictiveWins(t *testing.T) {
	// binance в середине интервала, hyperliquid у расчёта:
	// связка классифицируется по худшему венью
	s := newTestScheduler("2026-03-10T12:45:00Z")
	if got := s.Status([]string{"binance", "hyperliquid"}); got != StatusSettlementImminent {
		t.Errorf("combined status = %s, want most restrictive", got)
	}
}

func TestShouldOpen(t *testing.T) {
	s := newTestScheduler("2026-03-10T12:00:00Z") // 4 часа до 16:00

	ok, reason := s.ShouldOpen([]string{"binance"}, time.Hour)
	if !ok {
		t.Errorf("ShouldOpen = (false, %q), want true mid-interval", reason)
	}

	// Горизонт больше запаса до расчёта
	ok, reason = s.ShouldOpen([]string{"binance"}, 5*time.Hour)
	if ok {
		t.Error("ShouldOpen must refuse when the horizon exceeds time to settlement")
	}
	if reason != "insufficient time horizon" {
		t.Errorf("reason = %q", reason)
	}

	// Внутри окна запрета причина - статус
	s2 := newTestScheduler("2026-03-10T07:45:00Z")
	ok, reason = s2.ShouldOpen([]string{"binance"}, time.Minute)
	if ok || reason != StatusSettlementImminent {
		t.Errorf("ShouldOpen near settlement = (%v, %q)", ok, reason)
	}
}

func TestShouldClose(t *testing.T) {
	// SETTLEMENT_IMMINENT закрывает независимо от возраста позиции
	s := newTestScheduler("2026-03-10T07:45:00Z")
	if ok, _ := s.ShouldClose([]string{"binance"}, time.Minute, time.Hour); !ok {
		t.Error("imminent settlement must always close")
	}

	// CLOSING_WINDOW закрывает только отлежавшуюся позицию
	s2 := newTestScheduler("2026-03-10T07:20:00Z")
	if ok, _ := s2.ShouldClose([]string{"binance"}, 30*time.Minute, time.Hour); ok {
		t.Error("closing window must respect the minimum hold")
	}
	if ok, reason := s2.ShouldClose([]string{"binance"}, 2*time.Hour, time.Hour); !ok || reason != StatusClosingWindow {
		t.Errorf("aged position in closing window = (%v, %q)", ok, reason)
	}

	// Середина интервала не закрывает
	s3 := newTestScheduler("2026-03-10T12:00:00Z")
	if ok, _ := s3.ShouldClose([]string{"binance"}, 10*time.Hour, time.Hour); ok {
		t.Error("mid-interval must not force a close")
	}
}

func TestMinTimeToSettlement(t *testing.T) {
	s := newTestScheduler("2026-03-10T12:00:00Z")
	// binance: 4 часа до 16:00, hyperliquid: 1 час до 13:00
	if got := s.MinTimeToSettlement([]string{"binance", "hyperliquid"}); got != time.Hour {
		t.Errorf("MinTimeToSettlement = %v, want 1h", got)
	}
}
