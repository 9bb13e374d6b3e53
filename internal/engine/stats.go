package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/models"
	"fundarb/pkg/utils"
)

// ============================================================
// Статистика движка
// ============================================================

// Stats - агрегированная сводка для API и логов
type Stats struct {
	UptimeSeconds float64 `json:"uptime_seconds"`

	Pending int `json:"pending"`
	Active  int `json:"active"`
	Closing int `json:"closing"`

	RealizedPnl      decimal.Decimal `json:"realized_pnl"`
	RealizedPnlToday decimal.Decimal `json:"realized_pnl_today"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	FundingPnl       decimal.Decimal `json:"funding_pnl"`

	Demo bool `json:"demo"`
}

// computeStats считает сводку по живой таблице (только на акторе)
func (e *Engine) computeStats() Stats {
	pending, active, closing := e.book.counts()

	unrealized := decimal.Zero
	funding := decimal.Zero
	for _, a := range e.book.live {
		if a.State != models.StateActive {
			continue
		}
		unrealized = unrealized.Add(a.ExecutorsPnl())
		funding = funding.Add(a.FundingPnl())
	}

	// Дневной PnL обнуляется на границе суток UTC, даже если за
	// новые сутки ещё не было закрытий
	realizedToday := e.realizedToday
	if !utils.DayStartFrom(time.Now()).Equal(e.realizedDay) {
		realizedToday = decimal.Zero
	}

	return Stats{
		UptimeSeconds:    time.Since(e.startedAt).Seconds(),
		Pending:          pending,
		Active:           active,
		Closing:          closing,
		RealizedPnl:      e.realizedPnl,
		RealizedPnlToday: realizedToday,
		UnrealizedPnl:    unrealized,
		FundingPnl:       funding,
		Demo:             e.cfg.Demo,
	}
}

// emitStats публикует сводку в лог и метрики
func (e *Engine) emitStats() {
	stats := e.computeStats()

	e.mu.Lock()
	e.lastStatsCopy = stats
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ArbitrageStates.WithLabelValues(models.StatePending).Set(float64(stats.Pending))
		e.metrics.ArbitrageStates.WithLabelValues(models.StateActive).Set(float64(stats.Active))
		e.metrics.ArbitrageStates.WithLabelValues(models.StateClosing).Set(float64(stats.Closing))

		unreal, _ := stats.UnrealizedPnl.Float64()
		e.metrics.UnrealizedPnl.Set(unreal)
		fund, _ := stats.FundingPnl.Float64()
		e.metrics.FundingPnl.Set(fund)

		if e.limiter != nil {
			for name, snap := range e.limiter.SnapshotAll() {
				e.metrics.RateLimitUtil.WithLabelValues(name).Set(snap.Utilization)
			}
		}
		if e.gate != nil && e.gate.Breakers() != nil {
			for _, snap := range e.gate.Breakers().Snapshots() {
				e.metrics.BreakerState.WithLabelValues(snap.Kind).Set(breakerStateValue(snap.State))
			}
		}
	}

	e.log.Info().
		Int("pending", stats.Pending).
		Int("active", stats.Active).
		Int("closing", stats.Closing).
		Str("realized_pnl", stats.RealizedPnl.StringFixed(4)).
		Str("unrealized_pnl", stats.UnrealizedPnl.StringFixed(4)).
		Str("funding_pnl", stats.FundingPnl.StringFixed(4)).
		Msg("engine stats")
}

// LastStats возвращает последнюю опубликованную сводку
func (e *Engine) LastStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastStatsCopy
}
