package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/models"
	"fundarb/pkg/utils"

	"github.com/rs/zerolog"
)

// ============================================================
// RiskManager - лимиты, ликвидность, hedge-гэпы, сайзинг
// ============================================================

// Уровни риска
const (
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// Limit - один лимит с порогом предупреждения
type Limit struct {
	Max              decimal.Decimal
	WarningThreshold decimal.Decimal // доля Max в (0,1)
}

// warnLevel возвращает порог предупреждения в абсолютном выражении
func (l Limit) warnLevel() decimal.Decimal {
	return l.Max.Mul(l.WarningThreshold)
}

// RiskLimits - полный набор лимитов
type RiskLimits struct {
	NotionalPerVenue      Limit
	NotionalPerSubaccount Limit
	TotalNotional         Limit
	MaxLeverage           Limit
	MaxHedgeGapPct        decimal.Decimal // доля, напр. 0.10
	MaxConcentrationPct   Limit           // доля общего notional на один токен
}

// PositionInfo - ожидаемая позиция в таблице риск-менеджера
type PositionInfo struct {
	ID         string
	Venue      string
	Subaccount string
	Pair       models.TradingPair
	Side       string // models.SideLong | models.SideShort
	Notional   decimal.Decimal
	Leverage   decimal.Decimal
	OpenedAt   time.Time
}

// LiquidityMetrics - кэшируемые метрики стакана
type LiquidityMetrics struct {
	BidDepth1Pct decimal.Decimal // котируемый объём бидов в пределах 1%
	AskDepth1Pct decimal.Decimal
	UpdatedAt    time.Time
}

// HedgeGap - дисбаланс ног одной пары между двумя венью
type HedgeGap struct {
	Pair       models.TradingPair
	LongVenue  string
	ShortVenue string
	LongTotal  decimal.Decimal
	ShortTotal decimal.Decimal
	GapAmount  decimal.Decimal
	GapPct     decimal.Decimal // доля
	Violation  bool
}

// RiskManager хранит лимиты и таблицу ожидаемых позиций
//
// Таблица позиций мутируется только актором движка; читатели
// получают копии через снапшот-методы.
type RiskManager struct {
	limits RiskLimits

	mu         sync.RWMutex
	positions  map[string]*PositionInfo            // id → позиция
	hedgePairs map[string][]string                 // pair symbol → position ids
	liquidity  map[string]LiquidityMetrics         // venue|pair → метрики
	log        zerolog.Logger
}

// NewRiskManager создаёт менеджер с лимитами
func NewRiskManager(limits RiskLimits) *RiskManager {
	return &RiskManager{
		limits:     limits,
		positions:  make(map[string]*PositionInfo),
		hedgePairs: make(map[string][]string),
		liquidity:  make(map[string]LiquidityMetrics),
		log:        utils.ComponentLogger("risk_manager"),
	}
}

func liquidityKey(venueName string, pair models.TradingPair) string {
	return venueName + "|" + pair.Symbol()
}

// UpdateLiquidity обновляет кэш метрик ликвидности
func (r *RiskManager) UpdateLiquidity(venueName string, pair models.TradingPair, m LiquidityMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liquidity[liquidityKey(venueName, pair)] = m
}

// TrackPosition регистрирует ожидаемую позицию
func (r *RiskManager) TrackPosition(p PositionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := p
	r.positions[p.ID] = &cp
	sym := p.Pair.Symbol()
	r.hedgePairs[sym] = append(r.hedgePairs[sym], p.ID)
}

// UntrackPosition удаляет позицию из таблицы
func (r *RiskManager) UntrackPosition(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return
	}
	delete(r.positions, id)
	sym := p.Pair.Symbol()
	ids := r.hedgePairs[sym]
	for i, pid := range ids {
		if pid == id {
			r.hedgePairs[sym] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.hedgePairs[sym]) == 0 {
		delete(r.hedgePairs, sym)
	}
}

// UpdatePositionNotional корректирует notional отслеживаемой позиции
func (r *RiskManager) UpdatePositionNotional(id string, notional decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.positions[id]; ok {
		p.Notional = notional
	}
}

// Positions возвращает копию таблицы позиций
func (r *RiskManager) Positions() []PositionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PositionInfo, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, *p)
	}
	return out
}

// ============================================================
// Проверки лимитов
// ============================================================

// aggregatesLocked считает текущие суммы по таблице (без кандидата)
func (r *RiskManager) aggregatesLocked() (perVenue, perSub map[string]decimal.Decimal, total decimal.Decimal, perToken map[string]decimal.Decimal) {
	perVenue = make(map[string]decimal.Decimal)
	perSub = make(map[string]decimal.Decimal)
	perToken = make(map[string]decimal.Decimal)
	for _, p := range r.positions {
		perVenue[p.Venue] = perVenue[p.Venue].Add(p.Notional)
		if p.Subaccount != "" {
			perSub[p.Subaccount] = perSub[p.Subaccount].Add(p.Notional)
		}
		perToken[p.Pair.Base] = perToken[p.Pair.Base].Add(p.Notional)
		total = total.Add(p.Notional)
	}
	return
}

// CheckPositionLimits проверяет кандидата против всех лимитов
//
// allow=false при нарушении любого жёсткого лимита (risk=CRITICAL).
// Уровень риска: CRITICAL при нарушении, HIGH при ≥3 предупреждениях,
// MEDIUM при ≥1, иначе LOW.
func (r *RiskManager) CheckPositionLimits(venueName, subaccount string, pair models.TradingPair, proposedNotional, proposedLeverage decimal.Decimal) (bool, []string, string) {
	r.mu.RLock()
	perVenue, perSub, total, perToken := r.aggregatesLocked()
	r.mu.RUnlock()

	violations := make([]string, 0)
	warnings := make([]string, 0)

	check := func(name string, current decimal.Decimal, lim Limit) {
		if lim.Max.IsZero() {
			return
		}
		next := current.Add(proposedNotional)
		if next.GreaterThan(lim.Max) {
			violations = append(violations, fmt.Sprintf("%s limit breached: %s > %s", name, next, lim.Max))
		} else if lim.WarningThreshold.IsPositive() && next.GreaterThan(lim.warnLevel()) {
			warnings = append(warnings, fmt.Sprintf("%s approaching limit: %s of %s", name, next, lim.Max))
		}
	}

	check("venue notional", perVenue[venueName], r.limits.NotionalPerVenue)
	if subaccount != "" {
		check("subaccount notional", perSub[subaccount], r.limits.NotionalPerSubaccount)
	}
	check("total notional", total, r.limits.TotalNotional)

	if !r.limits.MaxLeverage.Max.IsZero() {
		if proposedLeverage.GreaterThan(r.limits.MaxLeverage.Max) {
			violations = append(violations, fmt.Sprintf("leverage limit breached: %s > %s", proposedLeverage, r.limits.MaxLeverage.Max))
		} else if r.limits.MaxLeverage.WarningThreshold.IsPositive() &&
			proposedLeverage.GreaterThan(r.limits.MaxLeverage.warnLevel()) {
			warnings = append(warnings, fmt.Sprintf("leverage near limit: %s of %s", proposedLeverage, r.limits.MaxLeverage.Max))
		}
	}

	// Концентрация: доля токена от общего notional после входа.
	// Проверяется только при наличии позиций в других токенах:
	// единственный токен в книге занимает 100% по построению.
	if !r.limits.MaxConcentrationPct.Max.IsZero() {
		others := total.Sub(perToken[pair.Base])
		if others.IsPositive() {
			nextTotal := total.Add(proposedNotional)
			share := perToken[pair.Base].Add(proposedNotional).Div(nextTotal)
			if share.GreaterThan(r.limits.MaxConcentrationPct.Max) {
				violations = append(violations, fmt.Sprintf("concentration limit breached for %s: %s", pair.Base, share))
			} else if r.limits.MaxConcentrationPct.WarningThreshold.IsPositive() &&
				share.GreaterThan(r.limits.MaxConcentrationPct.warnLevel()) {
				warnings = append(warnings, fmt.Sprintf("concentration near limit for %s: %s", pair.Base, share))
			}
		}
	}

	messages := append(violations, warnings...)
	switch {
	case len(violations) > 0:
		return false, messages, RiskCritical
	case len(warnings) >= 3:
		return true, messages, RiskHigh
	case len(warnings) >= 1:
		return true, messages, RiskMedium
	default:
		return true, messages, RiskLow
	}
}

// CheckLiquidityRisk проверяет размер против глубины стакана
//
// avail = min(bid_depth_1pct, ask_depth_1pct); отказ при
// notional > 0.8·avail либо impact = notional/avail > 0.5.
func (r *RiskManager) CheckLiquidityRisk(venueName string, pair models.TradingPair, notional decimal.Decimal) (bool, string, decimal.Decimal) {
	r.mu.RLock()
	m, ok := r.liquidity[liquidityKey(venueName, pair)]
	r.mu.RUnlock()
	if !ok {
		return false, "no liquidity data", decimal.Zero
	}

	avail := m.BidDepth1Pct
	if m.AskDepth1Pct.LessThan(avail) {
		avail = m.AskDepth1Pct
	}
	if !avail.IsPositive() {
		return false, "empty order book", decimal.Zero
	}

	impact := notional.Div(avail)
	if notional.GreaterThan(avail.Mul(decimal.NewFromFloat(0.8))) {
		return false, fmt.Sprintf("notional %s exceeds 80%% of available depth %s", notional, avail), impact
	}
	if impact.GreaterThan(decimal.NewFromFloat(0.5)) {
		return false, fmt.Sprintf("market impact %s too high", impact), impact
	}
	return true, "ok", impact
}

// ============================================================
// Hedge-гэпы
// ============================================================

// HedgeGaps считает дисбалансы ног по всем парам
//
// Для каждой пары позиции группируются по (венью, сторона);
// для каждой комбинации long-венью × short-венью с разными венью
// считается gap_pct = |long − short| / max(long, short).
func (r *RiskManager) HedgeGaps() []HedgeGap {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HedgeGap, 0)
	for _, ids := range r.hedgePairs {
		longs := make(map[string]decimal.Decimal)  // venue → Σ notional
		shorts := make(map[string]decimal.Decimal)
		var pair models.TradingPair
		for _, id := range ids {
			p, ok := r.positions[id]
			if !ok {
				continue
			}
			pair = p.Pair
			if p.Side == models.SideLong {
				longs[p.Venue] = longs[p.Venue].Add(p.Notional)
			} else {
				shorts[p.Venue] = shorts[p.Venue].Add(p.Notional)
			}
		}
		for lv, ln := range longs {
			for sv, sn := range shorts {
				if lv == sv {
					continue
				}
				max := ln
				if sn.GreaterThan(max) {
					max = sn
				}
				if !max.IsPositive() {
					continue
				}
				gap := ln.Sub(sn).Abs()
				gapPct := gap.Div(max)
				out = append(out, HedgeGap{
					Pair:       pair,
					LongVenue:  lv,
					ShortVenue: sv,
					LongTotal:  ln,
					ShortTotal: sn,
					GapAmount:  gap,
					GapPct:     gapPct,
					Violation:  gapPct.GreaterThan(r.limits.MaxHedgeGapPct),
				})
			}
		}
	}
	return out
}

// RiskMultiplier возвращает множитель сайзинга по уровню риска
func RiskMultiplier(level string) decimal.Decimal {
	switch level {
	case RiskLow:
		return decimal.NewFromInt(1)
	case RiskMedium:
		return decimal.NewFromFloat(0.7)
	case RiskHigh:
		return decimal.NewFromFloat(0.3)
	default:
		return decimal.Zero
	}
}

// SizePosition возвращает notional, ужатый по уровню риска
func (r *RiskManager) SizePosition(baseNotional decimal.Decimal, riskLevel string) decimal.Decimal {
	return baseNotional.Mul(RiskMultiplier(riskLevel))
}
