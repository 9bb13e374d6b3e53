package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/alert"
	"fundarb/internal/models"
	"fundarb/internal/venue"
)

// ============================================================
// Сканер возможностей - гейты входа
// ============================================================
//
// Порядок гейтов фиксирован; отказ любого гейта увеличивает счётчик
// причины и пропускает токен без ошибки. Никакой гейт не бросает
// панику на отсутствующих данных: нет цены - нет возможности.

// Причины отказа сканера (метки метрик)
const (
	rejectFewVenues       = "few_venues"
	rejectNoCombination   = "no_combination"
	rejectLowFundingDiff  = "low_funding_diff"
	rejectRiskLimits      = "risk_limits"
	rejectLiquidity       = "liquidity"
	rejectZeroNotional    = "zero_notional"
	rejectBalance         = "insufficient_balance"
	rejectSettlement      = "settlement_window"
	rejectEdge            = "edge_below_min"
	rejectTradeProfit     = "trade_unprofitable"
	rejectSlippage        = "slippage"
	rejectDepth           = "order_book_depth"
	rejectVenueCap        = "venue_position_cap"
)

func (e *Engine) rejectScan(token, reason string) {
	if e.metrics != nil {
		e.metrics.ScanRejections.WithLabelValues(reason).Inc()
	}
	e.log.Debug().Str("token", token).Str("reason", reason).Msg("opportunity rejected")
}

// availableVenues возвращает биржи, не упёршиеся в лимит позиций
func (e *Engine) availableVenues() []string {
	out := make([]string, 0, len(e.venues))
	for name := range e.venues {
		if e.cfg.MaxPositionsPerConnector > 0 &&
			e.book.countTouching(name) >= e.cfg.MaxPositionsPerConnector {
			continue
		}
		out = append(out, name)
	}
	return out
}

// scanOpportunities ищет и открывает новые связки
func (e *Engine) scanOpportunities(ctx context.Context) {
	available := e.availableVenues()
	if len(available) < 2 {
		return
	}

	for _, token := range e.cfg.Tokens {
		if _, live := e.book.get(token); live {
			continue
		}
		if e.tryOpen(ctx, token, available) {
			// Лимиты могли измениться - пересчитываем доступность
			available = e.availableVenues()
			if len(available) < 2 {
				return
			}
		}
	}
}

// tryOpen прогоняет токен через все гейты; true если связка создана
func (e *Engine) tryOpen(ctx context.Context, token string, available []string) bool {
	report := e.fundingReport(token, available)
	if len(report) < 2 {
		e.rejectScan(token, rejectFewVenues)
		return false
	}

	combo := e.edge.GetMostProfitableCombination(report)
	if combo == nil {
		e.rejectScan(token, rejectNoCombination)
		return false
	}
	if combo.DailyDiff.LessThan(e.cfg.MinFundingRateDiff) {
		e.rejectScan(token, rejectLowFundingDiff)
		return false
	}

	notional, leverage, ok := e.sizePosition(ctx, token, combo)
	if !ok {
		return false
	}

	// Гейт 1: достаточность баланса на обеих биржах
	for _, name := range []string{combo.LongVenue, combo.ShortVenue} {
		v := e.venues[name]
		if !e.limiter.Acquire(ctx, name, 1, false) {
			e.rejectScan(token, rejectBalance)
			return false
		}
		if err := ValidateSufficientBalance(ctx, v, combo.Pair.Quote, notional, leverage); err != nil {
			if venue.IsAuthError(err) {
				e.alerts.High(alert.TypeValidationFailed, token, err.Error())
			}
			e.rejectScan(token, rejectBalance)
			return false
		}
	}

	// Гейт 2: окно расчётов
	pairVenues := []string{combo.LongVenue, combo.ShortVenue}
	if ok, why := e.sched.ShouldOpen(pairVenues, e.cfg.MinTimeToNextFunding); !ok {
		e.log.Debug().Str("token", token).Str("why", why).Msg("settlement gate")
		e.rejectScan(token, rejectSettlement)
		return false
	}

	// Гейт 3: декомпозиция доходности
	deco := e.edge.CalculateEdge(EdgeInput{
		Pair:               combo.Pair,
		LongVenue:          combo.LongVenue,
		ShortVenue:         combo.ShortVenue,
		LongRate:           combo.LongInfo.Rate,
		ShortRate:          combo.ShortInfo.Rate,
		Notional:           notional,
		LeverageLong:       leverage,
		LeverageShort:      leverage,
		FundingPeriodHours: e.cfg.FundingPeriodHours,
	})
	e.observeEdge(deco)
	if !deco.IsProfitable {
		e.rejectScan(token, rejectEdge)
		return false
	}
	if e.cfg.EnterOnlyIfTradeProfitable {
		if !e.tradeProfitable(ctx, combo, notional) {
			e.rejectScan(token, rejectTradeProfit)
			return false
		}
	}

	// Гейт 4: проскальзывание
	if !e.checkSlippage(ctx, combo, notional) {
		e.rejectScan(token, rejectSlippage)
		return false
	}

	// Гейт 5: глубина стакана
	if e.cfg.CheckOrderBookDepth && !e.checkDepth(ctx, combo, notional) {
		e.rejectScan(token, rejectDepth)
		return false
	}

	e.openArbitrage(ctx, token, combo, notional, leverage)
	return true
}

// baseNotional возвращает целевой notional одной связки
//
// Процентный размер, если задан, превалирует над абсолютным: доля
// стартового баланса, поделённая поровну между разрешёнными
// одновременными связками на коннектор.
func (e *Engine) baseNotional() decimal.Decimal {
	if e.cfg.PositionSizeQuotePct.IsPositive() && e.cfg.InitialBalanceQuote.IsPositive() {
		size := e.cfg.InitialBalanceQuote.Mul(e.cfg.PositionSizeQuotePct)
		if e.cfg.MaxPositionsPerConnector > 0 {
			size = size.Div(decimal.NewFromInt(int64(e.cfg.MaxPositionsPerConnector)))
		}
		return size
	}
	return e.cfg.PositionSizeQuote
}

// sizePosition считает notional с учётом риск-лимитов обеих бирж
func (e *Engine) sizePosition(ctx context.Context, token string, combo *Combination) (decimal.Decimal, decimal.Decimal, bool) {
	base := e.baseNotional()

	leverage := e.cfg.Leverage
	if e.margin != nil {
		for _, name := range []string{combo.LongVenue, combo.ShortVenue} {
			safe := e.margin.CalculateSafeLeverage(name, combo.Pair.Symbol(), base, decimal.Zero)
			if safe.IsPositive() && safe.LessThan(leverage) {
				leverage = safe
			}
		}
	}

	worst := RiskLow
	for _, name := range []string{combo.LongVenue, combo.ShortVenue} {
		allow, messages, level := e.risk.CheckPositionLimits(name, "", combo.Pair, base, leverage)
		if !allow {
			e.log.Debug().Str("token", token).Strs("messages", messages).Msg("risk limits block entry")
			e.rejectScan(token, rejectRiskLimits)
			return decimal.Zero, leverage, false
		}
		if riskRank(level) > riskRank(worst) {
			worst = level
		}
	}

	notional := e.risk.SizePosition(base, worst)
	if !notional.IsPositive() {
		e.rejectScan(token, rejectZeroNotional)
		return decimal.Zero, leverage, false
	}

	// Метрики ликвидности нужны свежие - тянем стаканы и кэшируем
	for _, name := range []string{combo.LongVenue, combo.ShortVenue} {
		if err := e.refreshLiquidity(ctx, name, combo.Pair); err != nil {
			e.log.Debug().Str("venue", name).Err(err).Msg("liquidity refresh failed")
		}
		allow, msg, _ := e.risk.CheckLiquidityRisk(name, combo.Pair, notional)
		if !allow {
			e.log.Debug().Str("token", token).Str("venue", name).Str("msg", msg).Msg("liquidity gate")
			e.rejectScan(token, rejectLiquidity)
			return decimal.Zero, leverage, false
		}
	}

	return notional, leverage, true
}

func riskRank(level string) int {
	switch level {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// refreshLiquidity обновляет кэш метрик стакана риск-менеджера
func (e *Engine) refreshLiquidity(ctx context.Context, venueName string, pair models.TradingPair) error {
	v, ok := e.venues[venueName]
	if !ok {
		return errors.New("unknown venue")
	}
	if !e.limiter.Acquire(ctx, venueName, 1, false) {
		return errors.New("rate limited")
	}
	book, err := v.GetOrderBook(ctx, pair, 50)
	if err != nil {
		return err
	}
	onePct := decimal.NewFromFloat(0.01)
	bid, okB := book.DepthWithinPct(onePct, true)
	ask, okA := book.DepthWithinPct(onePct, false)
	if !okB || !okA {
		return errors.New("empty order book")
	}
	e.risk.UpdateLiquidity(venueName, pair, LiquidityMetrics{
		BidDepth1Pct: bid,
		AskDepth1Pct: ask,
		UpdatedAt:    time.Now(),
	})
	return nil
}

// tradeProfitable проверяет неотрицательность чистой торговой
// прибыли round-trip: продать на short-венью дороже, чем купить
// на long-венью, после комиссий обеих ног
func (e *Engine) tradeProfitable(ctx context.Context, combo *Combination, notional decimal.Decimal) bool {
	buyPrice, err := e.execPrice(ctx, combo.LongVenue, combo.Pair, notional, true)
	if err != nil || !buyPrice.IsPositive() {
		return false
	}
	sellPrice, err := e.execPrice(ctx, combo.ShortVenue, combo.Pair, notional, false)
	if err != nil || !sellPrice.IsPositive() {
		return false
	}
	gross := sellPrice.Sub(buyPrice).Div(buyPrice).Mul(notional)
	fees := e.edge.RoundTripFees(combo.LongVenue, combo.ShortVenue, notional)
	return gross.Sub(fees).GreaterThanOrEqual(decimal.Zero)
}

func (e *Engine) execPrice(ctx context.Context, venueName string, pair models.TradingPair, notional decimal.Decimal, isBuy bool) (decimal.Decimal, error) {
	v, ok := e.venues[venueName]
	if !ok {
		return decimal.Zero, errors.New("unknown venue")
	}
	if !e.limiter.Acquire(ctx, venueName, 1, false) {
		return decimal.Zero, errors.New("rate limited")
	}
	return v.GetPriceForQuoteVolume(ctx, pair, notional, isBuy)
}

// checkSlippage сравнивает ожидаемую цену исполнения с mid price
func (e *Engine) checkSlippage(ctx context.Context, combo *Combination, notional decimal.Decimal) bool {
	for _, leg := range []struct {
		venueName string
		isBuy     bool
	}{
		{combo.LongVenue, true},
		{combo.ShortVenue, false},
	} {
		v := e.venues[leg.venueName]
		if !e.limiter.Acquire(ctx, leg.venueName, 1, false) {
			return false
		}
		mid, err := v.GetMidPrice(ctx, combo.Pair)
		if err != nil || !mid.IsPositive() {
			return false
		}
		exec, err := e.execPrice(ctx, leg.venueName, combo.Pair, notional, leg.isBuy)
		if err != nil || !exec.IsPositive() {
			return false
		}
		slippage := exec.Sub(mid).Abs().Div(mid)
		if slippage.GreaterThan(e.cfg.MaxSlippagePct) {
			return false
		}
	}
	return true
}

// checkDepth проверяет агрегированный объём верхних 20 уровней
// потребляемой стороны против требуемого базового объёма
func (e *Engine) checkDepth(ctx context.Context, combo *Combination, notional decimal.Decimal) bool {
	for _, leg := range []struct {
		venueName string
		isBuy     bool
	}{
		{combo.LongVenue, true},
		{combo.ShortVenue, false},
	} {
		v := e.venues[leg.venueName]
		if !e.limiter.Acquire(ctx, leg.venueName, 1, false) {
			return false
		}
		book, err := v.GetOrderBook(ctx, combo.Pair, 20)
		if err != nil {
			return false
		}
		mid, err := v.GetMidPrice(ctx, combo.Pair)
		if err != nil || !mid.IsPositive() {
			return false
		}
		requiredBase := notional.Div(mid)
		depth, ok := book.TopLevelsBaseVolume(20, leg.isBuy)
		if !ok || depth.LessThan(e.cfg.MinDepthMultiplier.Mul(requiredBase)) {
			return false
		}
	}
	return true
}

// openArbitrage создаёт PENDING-запись и запускает размещение ног
func (e *Engine) openArbitrage(ctx context.Context, token string, combo *Combination, notional, leverage decimal.Decimal) {
	a := &models.Arbitrage{
		Token:         token,
		Pair:          combo.Pair,
		LongVenue:     combo.LongVenue,
		ShortVenue:    combo.ShortVenue,
		NotionalQuote: notional,
		Leverage:      leverage,
		State:         models.StatePending,
		EntryTime:     time.Now().UTC(),
		LongLeg:       models.Leg{Venue: combo.LongVenue, Side: models.SideLong},
		ShortLeg:      models.Leg{Venue: combo.ShortVenue, Side: models.SideShort},
		Demo:          e.cfg.Demo,
	}
	if !e.book.insert(a) {
		return
	}

	e.log.Info().
		Str("token", token).
		Str("long", combo.LongVenue).
		Str("short", combo.ShortVenue).
		Str("notional", notional.String()).
		Str("daily_diff", combo.DailyDiff.StringFixed(6)).
		Msg("opening arbitrage")

	snapshot := a.Snapshot()
	go func() {
		e.prepareVenues(ctx, snapshot, leverage)
		long, short := e.executor.OpenLegs(ctx, snapshot)
		e.apply <- func() {
			live, ok := e.book.get(token)
			if !ok || live.State != models.StatePending {
				return
			}
			if long.Err != nil {
				live.LastValidationError = fmt.Sprintf("long leg: %v", long.Err)
			} else {
				live.LongLeg.OrderID = long.OrderID
			}
			if short.Err != nil {
				live.LastValidationError = fmt.Sprintf("short leg: %v", short.Err)
			} else {
				live.ShortLeg.OrderID = short.OrderID
			}
			if e.metrics != nil {
				if long.Err == nil {
					e.metrics.OrdersPlaced.WithLabelValues(live.LongVenue, "buy").Inc()
				}
				if short.Err == nil {
					e.metrics.OrdersPlaced.WithLabelValues(live.ShortVenue, "sell").Inc()
				}
			}
		}
	}()
}

// prepareVenues выставляет режим позиций и плечо; отказы бирж не фатальны
func (e *Engine) prepareVenues(ctx context.Context, a *models.Arbitrage, leverage decimal.Decimal) {
	for _, name := range []string{a.LongVenue, a.ShortVenue} {
		v, ok := e.venues[name]
		if !ok {
			continue
		}
		if err := v.SetPositionMode(ctx, venue.ModeOneway); err != nil && !errors.Is(err, venue.ErrUnsupportedMode) {
			e.log.Warn().Str("venue", name).Err(err).Msg("position mode not set")
		}
		if err := v.SetLeverage(ctx, a.Pair, leverage); err != nil && !errors.Is(err, venue.ErrUnsupportedLeverage) {
			e.log.Warn().Str("venue", name).Err(err).Msg("leverage not set")
		}
	}
}

// observeEdge публикует компоненты декомпозиции в метрики
func (e *Engine) observeEdge(deco models.EdgeDecomposition) {
	if e.metrics == nil {
		return
	}
	observe := func(component string, v decimal.Decimal) {
		f, _ := v.Abs().Float64()
		e.metrics.EdgeComputed.WithLabelValues(component).Observe(f)
	}
	observe("funding_pnl", deco.ExpectedFundingPnl)
	observe("fees", deco.FeesTotal)
	observe("borrow", deco.BorrowTotal)
	observe("slippage", deco.SlippageTotal)
	observe("settlement_buffer", deco.SettlementBuffer)
	observe("total_edge", deco.TotalEdge)
}
