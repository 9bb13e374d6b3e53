package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fundarb/internal/models"
	"fundarb/internal/venue"
	"fundarb/pkg/utils"
)

// ============================================================
// MarginMonitor - здоровье маржи, безопасное плечо, ADL
// ============================================================

// Рекомендуемые действия по здоровью маржи
const (
	ActionMonitor        = "MONITOR"
	ActionReduceLeverage = "REDUCE_LEVERAGE"
	ActionAddMargin      = "ADD_MARGIN"
	ActionClosePositions = "CLOSE_POSITIONS"
	ActionEmergencyExit  = "EMERGENCY_EXIT"
)

// Уровни риска ADL
const (
	ADLRiskLow      = "LOW"
	ADLRiskMedium   = "MEDIUM"
	ADLRiskHigh     = "HIGH"
	ADLRiskImminent = "IMMINENT"
)

// MarginTier - ступень маржинальных требований биржи
type MarginTier struct {
	MaxNotional decimal.Decimal // верхняя граница ступени
	InitialRate decimal.Decimal
	MaintRate   decimal.Decimal
}

// MarginConfig - настройки монитора
type MarginConfig struct {
	SafetyBuffer       decimal.Decimal // надбавка к maintenance, напр. 0.5
	MaxAllowedLeverage decimal.Decimal
	CheckInterval      time.Duration
	AutoReduceEnabled  bool
	// Tiers[venue][symbol] - ступени; отсутствие даёт плоские дефолты
	Tiers map[string]map[string][]MarginTier
}

// DefaultMarginConfig - консервативные дефолты
func DefaultMarginConfig() MarginConfig {
	return MarginConfig{
		SafetyBuffer:       decimal.NewFromFloat(0.5),
		MaxAllowedLeverage: decimal.NewFromInt(3),
		CheckInterval:      30 * time.Second,
		Tiers:              make(map[string]map[string][]MarginTier),
	}
}

// Плоские ставки для бирж без ступеней: 10% initial, 5% maintenance
var (
	flatInitialRate = decimal.NewFromFloat(0.10)
	flatMaintRate   = decimal.NewFromFloat(0.05)
)

// ActionCallback вызывается на каждое требуемое действие
type ActionCallback func(venueName, action string, health models.MarginHealth)

// MarginMonitor следит за маржой всех венью
type MarginMonitor struct {
	cfg    MarginConfig
	venues map[string]venue.Venue

	mu     sync.RWMutex
	latest map[string]*models.MarginInfo // venue → последний снимок

	onAction ActionCallback
	log      zerolog.Logger
}

// NewMarginMonitor создаёт монитор
func NewMarginMonitor(cfg MarginConfig, venues map[string]venue.Venue, onAction ActionCallback) *MarginMonitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.MaxAllowedLeverage.IsZero() {
		cfg.MaxAllowedLeverage = decimal.NewFromInt(3)
	}
	return &MarginMonitor{
		cfg:      cfg,
		venues:   venues,
		latest:   make(map[string]*models.MarginInfo),
		onAction: onAction,
		log:      utils.ComponentLogger("margin_monitor"),
	}
}

// TieredMarginRates возвращает (initial, maintenance) для размера позиции
//
// Подбирается первая ступень с notional ≤ MaxNotional; если notional
// выше всех ступеней - последняя; нет ступеней - плоские дефолты.
func (m *MarginMonitor) TieredMarginRates(venueName, symbol string, notional decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	tiers := m.cfg.Tiers[venueName][symbol]
	if len(tiers) == 0 {
		return flatInitialRate, flatMaintRate
	}
	for _, tier := range tiers {
		if notional.LessThanOrEqual(tier.MaxNotional) {
			return tier.InitialRate, tier.MaintRate
		}
	}
	last := tiers[len(tiers)-1]
	return last.InitialRate, last.MaintRate
}

// CalculateSafeLeverage возвращает безопасное плечо для размера
//
//	safe = 1 / (maint_rate · (1 + safety_buffer))
//
// и ограничивается максимумом биржи и конфигурационным максимумом.
func (m *MarginMonitor) CalculateSafeLeverage(venueName, symbol string, notional, exchangeMaxLeverage decimal.Decimal) decimal.Decimal {
	_, maintRate := m.TieredMarginRates(venueName, symbol, notional)
	if !maintRate.IsPositive() {
		return m.cfg.MaxAllowedLeverage
	}

	one := decimal.NewFromInt(1)
	safe := one.Div(maintRate.Mul(one.Add(m.cfg.SafetyBuffer)))

	if exchangeMaxLeverage.IsPositive() && exchangeMaxLeverage.LessThan(safe) {
		safe = exchangeMaxLeverage
	}
	if m.cfg.MaxAllowedLeverage.IsPositive() && m.cfg.MaxAllowedLeverage.LessThan(safe) {
		safe = m.cfg.MaxAllowedLeverage
	}
	return safe
}

// RecommendedActions возвращает действия по здоровью маржи (по порядку)
func RecommendedActions(health models.MarginHealth) []string {
	switch health {
	case models.MarginLiquidationRisk:
		return []string{ActionEmergencyExit, ActionAddMargin}
	case models.MarginCritical:
		return []string{ActionClosePositions, ActionAddMargin}
	case models.MarginDanger:
		return []string{ActionReduceLeverage, ActionClosePositions}
	case models.MarginWarning:
		return []string{ActionReduceLeverage, ActionMonitor}
	default:
		return []string{ActionMonitor}
	}
}

// ADLRisk оценивает риск auto-deleverage позиции
//
// Предпочитает явный индикатор биржи (5=imminent, 4=high, 3=medium);
// без индикатора оценка по плечу.
func ADLRisk(p *models.Position) string {
	if p.ADLIndicator != nil {
		switch *p.ADLIndicator {
		case 5:
			return ADLRiskImminent
		case 4:
			return ADLRiskHigh
		case 3:
			return ADLRiskMedium
		default:
			return ADLRiskLow
		}
	}
	switch {
	case p.Leverage.GreaterThanOrEqual(decimal.NewFromInt(10)):
		return ADLRiskHigh
	case p.Leverage.GreaterThanOrEqual(decimal.NewFromInt(5)):
		return ADLRiskMedium
	default:
		return ADLRiskLow
	}
}

// Update принимает свежий MarginInfo (из событий или pull-цикла)
func (m *MarginMonitor) Update(info *models.MarginInfo) {
	if info == nil {
		return
	}
	m.mu.Lock()
	m.latest[info.Venue] = info
	m.mu.Unlock()
}

// HealthByVenue возвращает снимок здоровья маржи всех венью
func (m *MarginMonitor) HealthByVenue() map[string]models.MarginHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.MarginHealth, len(m.latest))
	for v, info := range m.latest {
		out[v] = info.Health()
	}
	return out
}

// Latest возвращает последний снимок маржи венью (копию)
func (m *MarginMonitor) Latest(venueName string) (models.MarginInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.latest[venueName]
	if !ok {
		return models.MarginInfo{}, false
	}
	return *info, true
}

// Run запускает цикл мониторинга до отмены контекста
func (m *MarginMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkCycle(ctx)
		}
	}
}

// checkCycle опрашивает маржу всех венью и дёргает callbacks
func (m *MarginMonitor) checkCycle(ctx context.Context) {
	for name, v := range m.venues {
		info, err := v.GetMarginInfo(ctx)
		if err != nil {
			m.log.Warn().Str("venue", name).Err(err).Msg("margin fetch failed")
			continue
		}
		m.Update(info)

		health := info.Health()
		if health == models.MarginHealthy {
			continue
		}
		m.log.Warn().
			Str("venue", name).
			Str("health", string(health)).
			Str("ratio", info.MarginRatio().StringFixed(3)).
			Msg("degraded margin health")

		for _, action := range RecommendedActions(health) {
			if action == ActionReduceLeverage && m.cfg.AutoReduceEnabled {
				m.autoReduceLeverage(ctx, name, v)
			}
			if m.onAction != nil {
				m.onAction(name, action, health)
			}
		}
	}
}

// autoReduceLeverage снижает плечо открытых позиций венью
//
// Сначала пробует SetLeverage до безопасного уровня; отказ биржи
// (UnsupportedLeverage) компенсируется частичным закрытием ~25%
// позиции reduce-only ордером.
func (m *MarginMonitor) autoReduceLeverage(ctx context.Context, venueName string, v venue.Venue) {
	positions, err := v.GetOpenPositions(ctx)
	if err != nil {
		m.log.Warn().Str("venue", venueName).Err(err).Msg("positions fetch failed, skip auto-reduce")
		return
	}

	for _, p := range positions {
		safe := m.CalculateSafeLeverage(venueName, p.Pair.Symbol(), p.NotionalQuote, decimal.Zero)
		if p.Leverage.LessThanOrEqual(safe) {
			continue
		}

		if err := v.SetLeverage(ctx, p.Pair, safe); err == nil {
			m.log.Info().
				Str("venue", venueName).
				Str("pair", p.Pair.Symbol()).
				Str("from", p.Leverage.String()).
				Str("to", safe.String()).
				Msg("leverage reduced")
			continue
		}

		// Биржа не даёт менять плечо на открытой позиции - ужимаем размер
		reduceSize := p.Size.Mul(decimal.NewFromFloat(0.25))
		side := venue.OrderSideSell
		if p.Side == models.SideShort {
			side = venue.OrderSideBuy
		}
		_, err := v.PlaceOrder(ctx, venue.OrderRequest{
			Pair:       p.Pair,
			Side:       side,
			Type:       venue.OrderTypeMarket,
			Amount:     reduceSize,
			ReduceOnly: true,
		})
		if err != nil {
			m.log.Error().Str("venue", venueName).Str("pair", p.Pair.Symbol()).Err(err).Msg("partial close failed")
			continue
		}
		m.log.Warn().
			Str("venue", venueName).
			Str("pair", p.Pair.Symbol()).
			Str("reduced_size", reduceSize.String()).
			Msg("leverage change refused, partially closed position")
	}
}

// ValidateSufficientBalance проверяет запас маржи для входа
//
// Требуемая маржа = notional/leverage · 1.10 (10% буфер).
func ValidateSufficientBalance(ctx context.Context, v venue.Venue, quoteAsset string, notional, leverage decimal.Decimal) error {
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	required := notional.Div(leverage).Mul(decimal.NewFromFloat(1.10))
	balance, err := v.GetBalance(ctx, quoteAsset)
	if err != nil {
		return fmt.Errorf("balance check on %s: %w", v.Name(), err)
	}
	if balance.LessThan(required) {
		return fmt.Errorf("insufficient balance on %s: have %s, need %s", v.Name(), balance, required)
	}
	return nil
}
