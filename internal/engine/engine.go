package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fundarb/internal/alert"
	"fundarb/internal/models"
	"fundarb/internal/reliability"
	"fundarb/internal/venue"
	"fundarb/pkg/ratelimit"
	"fundarb/pkg/utils"
)

// ============================================================
// LifecycleEngine - актор жизненного цикла арбитражей
// ============================================================
//
// Вся мутация таблицы арбитражей и позиций риск-менеджера происходит
// в одной горутине (тик-цикле). Внешние события (fills, funding,
// статусы ордеров) складываются в mailbox и применяются между тиками;
// долгое I/O исполняется в worker-горутинах, возвращающих замыкания
// в канал apply. Мьютексы через точки ожидания не держатся.

// Config - параметры движка
type Config struct {
	TickInterval  time.Duration
	StatsInterval time.Duration

	Tokens     []string // сканируемые токены (BTC, ETH, ...)
	QuoteAsset string   // котируемая валюта пар (USDT)

	MinFundingRateDiff        decimal.Decimal // дневная Δставок для рассмотрения
	ProfitabilityToTakeProfit decimal.Decimal // доля notional для take-profit
	FundingRateDiffStopLoss   decimal.Decimal // дневная Δставок для stop-loss
	FundingPeriodHours        decimal.Decimal

	MaxPositionsPerConnector int // 0 = без лимита
	MaxSlippagePct           decimal.Decimal
	MinDepthMultiplier       decimal.Decimal
	CheckOrderBookDepth      bool
	MinTimeToNextFunding     time.Duration

	PendingValidationTimeout     time.Duration
	PendingValidationMaxAttempts int
	CloseValidationTimeout       time.Duration
	CloseAlertInterval           time.Duration
	MinPositionHold              time.Duration

	PositionSizeQuote       decimal.Decimal
	PositionSizeQuotePct    decimal.Decimal // доля стартового баланса; превалирует над абсолютным размером
	InitialBalanceQuote     decimal.Decimal // стартовый баланс котируемой валюты на биржу
	MaxPositionImbalancePct decimal.Decimal // доля
	Leverage                decimal.Decimal

	EmergencyCloseOnImbalance bool
	EnterOnlyIfTradeProfitable bool

	Demo bool
}

// closeOrders - идентификаторы закрывающих ордеров одного арбитража
type closeOrders struct {
	longID  string
	shortID string
}

// Engine - актор жизненного цикла
type Engine struct {
	cfg      Config
	venues   map[string]venue.Venue
	executor *Executor
	limiter  *ratelimit.Limiter
	gate     *reliability.Gate
	sched    *SettlementScheduler
	edge     *EdgeCalculator
	risk     *RiskManager
	margin   *MarginMonitor
	recon    *Reconciler
	alerts   *alert.Dispatcher
	metrics  *Metrics

	book    *book
	funding map[string]map[string]*models.FundingInfo // token → venue → снимок
	closing map[string]*closeOrders                   // token → закрывающие ордера

	mailbox chan venue.Event // события бирж
	apply   chan func()      // замыкания из worker-горутин

	mu            sync.RWMutex // только для снапшотов читателям
	liveCopy      []*models.Arbitrage
	archiveCopy   map[string][]*models.Arbitrage
	lastStatsCopy Stats
	connections   map[string]models.ConnectionStatus // venue|channel

	realizedPnl   decimal.Decimal
	realizedToday decimal.Decimal // сбрасывается на границе суток UTC
	realizedDay   time.Time
	startedAt     time.Time
	lastStats     time.Time

	onClosed func(a *models.Arbitrage) // персистентный архив (repository)

	stopOnce sync.Once
	stopped  chan struct{}
	log      zerolog.Logger
}

// Deps - зависимости движка
type Deps struct {
	Venues   map[string]venue.Venue
	Executor *Executor
	Limiter  *ratelimit.Limiter
	Gate     *reliability.Gate
	Sched    *SettlementScheduler
	Edge     *EdgeCalculator
	Risk     *RiskManager
	Margin   *MarginMonitor
	Recon    *Reconciler
	Alerts   *alert.Dispatcher
	Metrics  *Metrics
	OnClosed func(a *models.Arbitrage)
}

// New создаёт движок
func New(cfg Config, deps Deps) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 60 * time.Second
	}
	if cfg.PendingValidationMaxAttempts <= 0 {
		cfg.PendingValidationMaxAttempts = 10
	}
	if cfg.CloseAlertInterval <= 0 {
		cfg.CloseAlertInterval = 2 * time.Minute
	}
	if cfg.FundingPeriodHours.IsZero() {
		cfg.FundingPeriodHours = decimal.NewFromInt(8)
	}
	if cfg.Leverage.IsZero() {
		cfg.Leverage = decimal.NewFromInt(1)
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.NewDispatcher(0, alert.NewLogSink())
	}

	e := &Engine{
		cfg:         cfg,
		venues:      deps.Venues,
		executor:    deps.Executor,
		limiter:     deps.Limiter,
		gate:        deps.Gate,
		sched:       deps.Sched,
		edge:        deps.Edge,
		risk:        deps.Risk,
		margin:      deps.Margin,
		recon:       deps.Recon,
		alerts:      deps.Alerts,
		metrics:     deps.Metrics,
		book:        newBook(),
		funding:     make(map[string]map[string]*models.FundingInfo),
		closing:     make(map[string]*closeOrders),
		mailbox:     make(chan venue.Event, 1024),
		apply:       make(chan func(), 256),
		archiveCopy: make(map[string][]*models.Arbitrage),
		connections: make(map[string]models.ConnectionStatus),
		onClosed:    deps.OnClosed,
		stopped:     make(chan struct{}),
		log:         utils.ComponentLogger("lifecycle_engine"),
	}
	return e
}

// Subscribe подключает движок к потокам событий всех бирж
func (e *Engine) Subscribe() error {
	for name, v := range e.venues {
		if err := v.SubscribeEvents(e.enqueueEvent); err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	return nil
}

// enqueueEvent кладёт событие в mailbox; переполнение - дроп с логом
func (e *Engine) enqueueEvent(ev venue.Event) {
	select {
	case e.mailbox <- ev:
	default:
		e.log.Warn().Str("kind", ev.Kind).Str("venue", ev.Venue).Msg("mailbox full, event dropped")
	}
}

// Connections - провайдер статусов соединений для TradingReadiness
func (e *Engine) Connections() []models.ConnectionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.ConnectionStatus, 0, len(e.connections))
	for _, c := range e.connections {
		out = append(out, c)
	}
	return out
}

// ExpectedBalance - провайдер ожидаемого баланса для сверки.
//
// Ожидание: стартовый баланс минус маржа, занятая живыми арбитражами
// биржи. Без известного стартового баланса ожидания нет - холодный
// старт сверяется с наблюдаемым состоянием.
func (e *Engine) ExpectedBalance(venueName, asset string) (decimal.Decimal, bool) {
	if asset != e.cfg.QuoteAsset || !e.cfg.InitialBalanceQuote.IsPositive() {
		return decimal.Zero, false
	}
	locked := decimal.Zero
	for _, a := range e.LiveArbitrages() {
		if !a.Touches(venueName) {
			continue
		}
		margin := a.NotionalQuote
		if a.Leverage.IsPositive() {
			margin = a.NotionalQuote.Div(a.Leverage)
		}
		locked = locked.Add(margin)
	}
	return e.cfg.InitialBalanceQuote.Sub(locked), true
}

// Run запускает тик-цикл до отмены контекста
func (e *Engine) Run(ctx context.Context) {
	e.startedAt = time.Now()
	e.lastStats = time.Now()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.log.Info().
		Dur("tick", e.cfg.TickInterval).
		Strs("tokens", e.cfg.Tokens).
		Bool("demo", e.cfg.Demo).
		Msg("lifecycle engine started")

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-ticker.C:
			started := time.Now()
			e.drainInbox()
			e.tick(ctx)
			if e.metrics != nil {
				e.metrics.TickDuration.Observe(time.Since(started).Seconds())
			}
			e.publishSnapshot()
		}
	}
}

// drainInbox применяет накопленные события и замыкания worker'ов
func (e *Engine) drainInbox() {
	for {
		select {
		case ev := <-e.mailbox:
			e.applyEvent(ev)
		case fn := <-e.apply:
			fn()
		default:
			return
		}
	}
}

// tick - один проход актора; ошибки отдельных токенов не прерывают тик
func (e *Engine) tick(ctx context.Context) {
	e.updateFunding(ctx)

	if time.Since(e.lastStats) >= e.cfg.StatsInterval {
		e.emitStats()
		e.lastStats = time.Now()
	}

	for _, a := range e.book.inState(models.StatePending) {
		e.validatePending(ctx, a)
	}
	for _, a := range e.book.inState(models.StateClosing) {
		e.confirmClosing(ctx, a)
	}
	for _, a := range e.book.inState(models.StateActive) {
		e.manageActive(a)
	}

	if ok, reason := e.canScan(); ok {
		e.scanOpportunities(ctx)
	} else {
		e.log.Debug().Str("reason", reason).Msg("opportunity scan skipped")
		if e.metrics != nil {
			e.metrics.TradingReady.Set(0)
		}
	}
}

func (e *Engine) canScan() (bool, string) {
	if e.recon != nil && e.recon.EmergencyStop() {
		return false, "emergency_stop"
	}
	if e.gate != nil {
		if ok, reason := e.gate.CanTrade(); !ok {
			return false, reason
		}
	}
	if e.metrics != nil {
		e.metrics.TradingReady.Set(1)
	}
	return true, "ok"
}

// ============================================================
// События бирж
// ============================================================

func (e *Engine) applyEvent(ev venue.Event) {
	switch ev.Kind {
	case venue.EventFill:
		e.applyFill(ev)
	case venue.EventFundingPayment:
		e.applyFundingPayment(ev)
	case venue.EventOrderStatus:
		e.applyOrderStatus(ev)
	case venue.EventConnectionStatus:
		if ev.Connection != nil {
			e.mu.Lock()
			e.connections[ev.Venue+"|"+ev.Connection.Channel] = *ev.Connection
			e.mu.Unlock()
		}
	}
}

func (e *Engine) applyFill(ev venue.Event) {
	if ev.Fill == nil {
		return
	}
	if e.metrics != nil {
		e.metrics.OrderFills.WithLabelValues(ev.Venue).Inc()
		fee, _ := ev.Fill.Fee.Float64()
		e.metrics.Commissions.WithLabelValues(ev.Venue).Add(fee)
	}
	for _, a := range e.book.live {
		leg := e.legForOrder(a, ev.Venue, ev.Fill.OrderID)
		if leg == nil {
			continue
		}
		leg.FilledNotional = leg.FilledNotional.Add(ev.Fill.Notional)
		if ev.Fill.Price.IsPositive() {
			leg.AvgFillPrice = ev.Fill.Price
		}
		return
	}
}

func (e *Engine) applyFundingPayment(ev venue.Event) {
	if ev.Funding == nil {
		return
	}
	for _, a := range e.book.live {
		if !a.Touches(ev.Venue) || a.Pair.Symbol() != ev.Funding.Pair.Symbol() {
			continue
		}
		a.AddFundingPayment(*ev.Funding)
		return
	}
}

func (e *Engine) applyOrderStatus(ev venue.Event) {
	if ev.Order == nil {
		return
	}
	for token, a := range e.book.live {
		leg := e.legForOrder(a, ev.Venue, ev.Order.ID)
		if leg != nil {
			e.updateLegFromOrder(leg, ev.Order)
			return
		}
		// Закрывающие ордера отслеживаются отдельно
		if co, ok := e.closing[token]; ok {
			if a.LongVenue == ev.Venue && co.longID == ev.Order.ID && ev.Order.IsTerminal() {
				a.LongLeg.Closed = true
				if ev.Order.NetPnlQuote != nil {
					a.LongLeg.NetPnlQuote = ev.Order.NetPnlQuote
				}
				return
			}
			if a.ShortVenue == ev.Venue && co.shortID == ev.Order.ID && ev.Order.IsTerminal() {
				a.ShortLeg.Closed = true
				if ev.Order.NetPnlQuote != nil {
					a.ShortLeg.NetPnlQuote = ev.Order.NetPnlQuote
				}
				return
			}
		}
	}
}

func (e *Engine) legForOrder(a *models.Arbitrage, venueName, orderID string) *models.Leg {
	if a.LongVenue == venueName && a.LongLeg.OrderID == orderID {
		return &a.LongLeg
	}
	if a.ShortVenue == venueName && a.ShortLeg.OrderID == orderID {
		return &a.ShortLeg
	}
	return nil
}

func (e *Engine) updateLegFromOrder(leg *models.Leg, o *venue.Order) {
	if o.FilledNotional.IsPositive() {
		leg.FilledNotional = o.FilledNotional
	}
	if o.AvgFillPrice.IsPositive() {
		leg.AvgFillPrice = o.AvgFillPrice
	}
	if o.NetPnlQuote != nil {
		leg.NetPnlQuote = o.NetPnlQuote
	}
}

// ============================================================
// Обновление funding-ставок
// ============================================================

// updateFunding опрашивает все венью×токены параллельно и применяет
// результаты после join: последнее наблюдение вытесняет предыдущее
func (e *Engine) updateFunding(ctx context.Context) {
	type sample struct {
		token string
		info  *models.FundingInfo
	}

	var wg sync.WaitGroup
	results := make(chan sample, len(e.venues)*len(e.cfg.Tokens))

	for name, v := range e.venues {
		for _, token := range e.cfg.Tokens {
			wg.Add(1)
			go func(name string, v venue.Venue, token string) {
				defer wg.Done()
				if !e.limiter.Acquire(ctx, name, 1, false) {
					return
				}
				pair := models.TradingPair{Base: token, Quote: e.cfg.QuoteAsset}
				opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				started := time.Now()
				info, err := v.GetFundingInfo(opCtx, pair)
				if e.metrics != nil {
					e.metrics.RestLatency.WithLabelValues(name, "funding").Observe(time.Since(started).Seconds())
				}
				if err != nil {
					e.log.Debug().Str("venue", name).Str("token", token).Err(err).Msg("funding fetch failed")
					if e.gate != nil && e.gate.Breakers() != nil {
						e.gate.Breakers().RecordFailure(reliability.KindErrorSeries)
					}
					return
				}
				if e.gate != nil && e.gate.Breakers() != nil {
					e.gate.Breakers().RecordSuccess(reliability.KindErrorSeries)
				}
				if !info.Validate() {
					e.log.Warn().Str("venue", name).Str("token", token).Msg("invalid funding sample dropped")
					return
				}
				results <- sample{token: token, info: info}
			}(name, v, token)
		}
	}
	wg.Wait()
	close(results)

	for s := range results {
		byVenue, ok := e.funding[s.token]
		if !ok {
			byVenue = make(map[string]*models.FundingInfo)
			e.funding[s.token] = byVenue
		}
		byVenue[s.info.Venue] = s.info
	}
}

// fundingReport возвращает снимки funding токена по указанным венью
func (e *Engine) fundingReport(token string, venues []string) []*models.FundingInfo {
	byVenue := e.funding[token]
	out := make([]*models.FundingInfo, 0, len(venues))
	for _, v := range venues {
		if info, ok := byVenue[v]; ok {
			out = append(out, info)
		}
	}
	return out
}

// ============================================================
// PENDING: валидация заполнения ног
// ============================================================

func (e *Engine) validatePending(ctx context.Context, a *models.Arbitrage) {
	if time.Since(a.EntryTime) > e.cfg.PendingValidationTimeout {
		e.alerts.Critical(alert.TypeValidationFailed, a.Token,
			fmt.Sprintf("pending validation timed out after %s", e.cfg.PendingValidationTimeout))
		e.startClosing(ctx, a, "pending timeout")
		return
	}

	// Подтягиваем фактическое заполнение обеих ног
	for _, leg := range []*models.Leg{&a.LongLeg, &a.ShortLeg} {
		venueName := a.LongVenue
		if leg == &a.ShortLeg {
			venueName = a.ShortVenue
		}
		if leg.OrderID == "" {
			continue
		}
		order, err := e.executor.FetchOrder(ctx, venueName, a.Pair, leg.OrderID)
		if err != nil {
			a.LastValidationError = err.Error()
			continue
		}
		e.updateLegFromOrder(leg, order)
	}

	imbalance, ok := a.Imbalance()
	if !ok {
		// Восстановимо: ноги ещё не заполнены
		a.ValidationAttempts++
		a.LastValidationError = "not filled yet"
		if a.ValidationAttempts >= e.cfg.PendingValidationMaxAttempts {
			e.alerts.Critical(alert.TypeValidationFailed, a.Token,
				fmt.Sprintf("validation failed after %d attempts: %s", a.ValidationAttempts, a.LastValidationError))
			e.startClosing(ctx, a, "validation failed")
		}
		return
	}

	if imbalance.LessThanOrEqual(e.cfg.MaxPositionImbalancePct) {
		if err := Transition(a, models.StateActive, ""); err != nil {
			e.log.Error().Str("token", a.Token).Err(err).Msg("activate failed")
			return
		}
		a.LastValidationError = ""
		e.trackLegs(a)
		if e.metrics != nil {
			f, _ := imbalance.Float64()
			e.metrics.HedgeSlippage.Observe(f)
		}
		e.alerts.Info(alert.TypeArbitrageOpened, a.Token,
			fmt.Sprintf("opened %s: long %s / short %s, notional %s", a.Pair.Symbol(), a.LongVenue, a.ShortVenue, a.NotionalQuote))
		e.log.Info().
			Str("token", a.Token).
			Str("long", a.LongVenue).
			Str("short", a.ShortVenue).
			Str("imbalance", imbalance.StringFixed(4)).
			Msg("arbitrage ACTIVE")
		return
	}

	a.ValidationAttempts++
	a.LastValidationError = fmt.Sprintf("imbalance %s exceeds %s", imbalance.StringFixed(4), e.cfg.MaxPositionImbalancePct)
	if a.ValidationAttempts >= e.cfg.PendingValidationMaxAttempts {
		e.alerts.Critical(alert.TypeValidationFailed, a.Token, a.LastValidationError)
		e.startClosing(ctx, a, "validation failed")
	}
}

// trackLegs регистрирует обе ноги в таблице риск-менеджера
func (e *Engine) trackLegs(a *models.Arbitrage) {
	e.risk.TrackPosition(PositionInfo{
		ID:       legPositionID(a.Token, a.LongVenue, models.SideLong),
		Venue:    a.LongVenue,
		Pair:     a.Pair,
		Side:     models.SideLong,
		Notional: a.LongLeg.FilledNotional,
		Leverage: a.Leverage,
		OpenedAt: a.EntryTime,
	})
	e.risk.TrackPosition(PositionInfo{
		ID:       legPositionID(a.Token, a.ShortVenue, models.SideShort),
		Venue:    a.ShortVenue,
		Pair:     a.Pair,
		Side:     models.SideShort,
		Notional: a.ShortLeg.FilledNotional,
		Leverage: a.Leverage,
		OpenedAt: a.EntryTime,
	})
}

func (e *Engine) untrackLegs(a *models.Arbitrage) {
	e.risk.UntrackPosition(legPositionID(a.Token, a.LongVenue, models.SideLong))
	e.risk.UntrackPosition(legPositionID(a.Token, a.ShortVenue, models.SideShort))
}

func legPositionID(token, venueName, side string) string {
	return token + "|" + venueName + "|" + side
}

// ============================================================
// CLOSING: инициирование и подтверждение
// ============================================================

// startClosing переводит арбитраж в CLOSING и запускает закрытие ног
//
// Идемпотентно: повторный вызов для уже закрывающегося - no-op.
func (e *Engine) startClosing(ctx context.Context, a *models.Arbitrage, reason string) {
	if a.State == models.StateClosing || a.State == models.StateClosed {
		return
	}
	if err := Transition(a, models.StateClosing, reason); err != nil {
		e.log.Error().Str("token", a.Token).Err(err).Msg("closing transition failed")
		return
	}
	now := time.Now().UTC()
	a.CloseTime = &now
	e.log.Warn().Str("token", a.Token).Str("reason", reason).Msg("closing arbitrage")
	e.issueClose(ctx, a)
}

// issueClose запускает закрытие ног в worker'е; результат придёт
// замыканием в канал apply
func (e *Engine) issueClose(ctx context.Context, a *models.Arbitrage) {
	token := a.Token
	snapshot := a.Snapshot()
	go func() {
		long, short := e.executor.CloseLegs(ctx, snapshot)
		e.apply <- func() {
			live, ok := e.book.get(token)
			if !ok || live.State != models.StateClosing {
				return
			}
			co, ok := e.closing[token]
			if !ok {
				co = &closeOrders{}
				e.closing[token] = co
			}
			if long.Err != nil && !live.LongLeg.Closed && live.LongLeg.FilledNotional.IsPositive() {
				e.log.Error().Str("token", token).Err(long.Err).Msg("long close order failed")
				if e.gate != nil && e.gate.Breakers() != nil {
					e.gate.Breakers().RecordFailure(reliability.KindOrderCancel)
				}
			} else if long.OrderID != "" {
				co.longID = long.OrderID
			}
			if short.Err != nil && !live.ShortLeg.Closed && live.ShortLeg.FilledNotional.IsPositive() {
				e.log.Error().Str("token", token).Err(short.Err).Msg("short close order failed")
				if e.gate != nil && e.gate.Breakers() != nil {
					e.gate.Breakers().RecordFailure(reliability.KindOrderCancel)
				}
			} else if short.OrderID != "" {
				co.shortID = short.OrderID
			}
		}
	}()
}

// legClosed возвращает true если нога терминальна (закрыта или пуста)
func legClosed(leg *models.Leg) bool {
	return leg.Closed || !leg.FilledNotional.IsPositive()
}

func (e *Engine) confirmClosing(ctx context.Context, a *models.Arbitrage) {
	// Подтягиваем статусы закрывающих ордеров
	if co, ok := e.closing[a.Token]; ok {
		if !a.LongLeg.Closed && co.longID != "" {
			if order, err := e.executor.FetchOrder(ctx, a.LongVenue, a.Pair, co.longID); err == nil && order.IsTerminal() {
				a.LongLeg.Closed = true
				if order.NetPnlQuote != nil {
					a.LongLeg.NetPnlQuote = order.NetPnlQuote
				}
			}
		}
		if !a.ShortLeg.Closed && co.shortID != "" {
			if order, err := e.executor.FetchOrder(ctx, a.ShortVenue, a.Pair, co.shortID); err == nil && order.IsTerminal() {
				a.ShortLeg.Closed = true
				if order.NetPnlQuote != nil {
					a.ShortLeg.NetPnlQuote = order.NetPnlQuote
				}
			}
		}
	}

	if legClosed(&a.LongLeg) && legClosed(&a.ShortLeg) {
		e.finalize(a)
		return
	}

	if a.CloseTime != nil && time.Since(*a.CloseTime) > e.cfg.CloseValidationTimeout &&
		time.Since(a.LastCloseAlert) > e.cfg.CloseAlertInterval {
		a.LastCloseAlert = time.Now()
		e.alerts.High(alert.TypeArbitrageClosed, a.Token,
			fmt.Sprintf("close confirmation overdue (reason: %s), re-issuing close orders", a.CloseReason))
		e.issueClose(ctx, a)
	}
}

// finalize завершает арбитраж: PnL, архив, алерт
func (e *Engine) finalize(a *models.Arbitrage) {
	if err := Transition(a, models.StateClosed, ""); err != nil {
		e.log.Error().Str("token", a.Token).Err(err).Msg("close transition failed")
		return
	}

	total := a.ExecutorsPnl().Add(a.FundingPnl())
	e.realizedPnl = e.realizedPnl.Add(total)
	if day := utils.DayStartFrom(time.Now()); !day.Equal(e.realizedDay) {
		e.realizedDay = day
		e.realizedToday = decimal.Zero
	}
	e.realizedToday = e.realizedToday.Add(total)
	if e.metrics != nil {
		f, _ := e.realizedPnl.Float64()
		e.metrics.RealizedPnl.Set(f)
	}

	e.untrackLegs(a)
	delete(e.closing, a.Token)
	e.book.close(a.Token)

	e.mu.Lock()
	e.archiveCopy[a.Token] = e.book.snapshotArchive(a.Token)
	e.mu.Unlock()

	e.alerts.Info(alert.TypeArbitrageClosed, a.Token,
		fmt.Sprintf("closed %s (%s): pnl %s", a.Pair.Symbol(), a.CloseReason, total.StringFixed(4)))
	e.log.Info().
		Str("token", a.Token).
		Str("reason", a.CloseReason).
		Str("pnl", total.StringFixed(4)).
		Msg("arbitrage CLOSED")

	if e.onClosed != nil {
		snapshot := a.Snapshot()
		go e.onClosed(snapshot)
	}
}

// ============================================================
// ACTIVE: управление удерживаемой позицией
// ============================================================

func (e *Engine) manageActive(a *models.Arbitrage) {
	ctx := context.Background()

	// Непрерывная hedge-валидация
	if imbalance, ok := a.Imbalance(); ok && imbalance.GreaterThan(e.cfg.MaxPositionImbalancePct) {
		if e.gate != nil && e.gate.Breakers() != nil {
			e.gate.Breakers().RecordFailure(reliability.KindHedgeDeviation)
		}
		if e.cfg.EmergencyCloseOnImbalance {
			e.alerts.Critical(alert.TypeHedgeImbalance, a.Token,
				fmt.Sprintf("hedge imbalance %s exceeds %s", imbalance.StringFixed(4), e.cfg.MaxPositionImbalancePct))
			e.startClosing(ctx, a, "EMERGENCY: hedge imbalance")
			return
		}
		e.alerts.Warning(alert.TypeHedgeImbalance, a.Token,
			fmt.Sprintf("hedge imbalance %s exceeds %s", imbalance.StringFixed(4), e.cfg.MaxPositionImbalancePct))
	}

	longInfo, okL := e.funding[a.Token][a.LongVenue]
	shortInfo, okS := e.funding[a.Token][a.ShortVenue]

	// Demo: биржи-симуляторы не присылают funding-выплат,
	// funding PnL начисляется аналитически по текущему дифференциалу
	if a.Demo && okL && okS {
		a.AccrueDemoFunding(shortInfo.DailyRate().Sub(longInfo.DailyRate()), time.Now())
	}

	fundingPnl := a.FundingPnl()
	executorsPnl := a.ExecutorsPnl()
	combined := fundingPnl.Add(executorsPnl)

	// Take-profit: доля от notional
	if e.cfg.ProfitabilityToTakeProfit.IsPositive() {
		target := e.cfg.ProfitabilityToTakeProfit.Mul(a.NotionalQuote)
		if combined.GreaterThan(target) {
			e.log.Info().
				Str("token", a.Token).
				Str("combined_pnl", combined.StringFixed(4)).
				Str("target", target.StringFixed(4)).
				Msg("take profit reached")
			e.startClosing(ctx, a, "take profit")
			return
		}
	}

	// Stop-loss по деградации funding. Отсутствие свежих ставок
	// за этот тик - не повод закрываться.
	if okL && okS {
		dailyDiff := shortInfo.DailyRate().Sub(longInfo.DailyRate())
		if dailyDiff.LessThan(e.cfg.FundingRateDiffStopLoss) {
			e.log.Warn().
				Str("token", a.Token).
				Str("daily_diff", dailyDiff.StringFixed(6)).
				Msg("funding deteriorated below stop loss")
			e.startClosing(ctx, a, "funding stop loss")
			return
		}
	}

	// Близость расчёта
	if should, why := e.sched.ShouldClose([]string{a.LongVenue, a.ShortVenue}, time.Since(a.EntryTime), e.cfg.MinPositionHold); should {
		e.startClosing(ctx, a, "settlement window: "+why)
		return
	}
}

// ============================================================
// Снапшоты, статистика, остановка
// ============================================================

// publishSnapshot выкладывает копии живых арбитражей читателям
func (e *Engine) publishSnapshot() {
	snap := e.book.snapshotLive()
	e.mu.Lock()
	e.liveCopy = snap
	e.mu.Unlock()
}

// LiveArbitrages возвращает последний опубликованный снапшот
func (e *Engine) LiveArbitrages() []*models.Arbitrage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.Arbitrage, len(e.liveCopy))
	copy(out, e.liveCopy)
	return out
}

// ArchivedArbitrages возвращает снапшот архива токена (новые в конце)
func (e *Engine) ArchivedArbitrages(token string) []*models.Arbitrage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	arch := e.archiveCopy[token]
	out := make([]*models.Arbitrage, len(arch))
	copy(out, arch)
	return out
}

// shutdown переводит все живые арбитражи в CLOSING и дожидается
// подтверждения закрытия в пределах таймаута
func (e *Engine) shutdown() {
	defer e.stopOnce.Do(func() { close(e.stopped) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.log.Warn().Msg("strategy stopping, closing live arbitrages")
	for _, a := range e.book.snapshotLive() {
		if live, ok := e.book.get(a.Token); ok && live.State != models.StateClosing && live.State != models.StateClosed {
			e.startClosing(ctx, live, "strategy stopping")
		}
	}

	deadline := time.After(25 * time.Second)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			e.log.Error().Int("remaining", len(e.book.live)).Msg("shutdown timeout, some arbitrages not confirmed closed")
			return
		case <-ticker.C:
			e.drainInbox()
			for _, a := range e.book.inState(models.StateClosing) {
				e.confirmClosing(ctx, a)
			}
			if len(e.book.live) == 0 {
				e.log.Info().Msg("all arbitrages closed")
				return
			}
		}
	}
}

// Stopped возвращает канал, закрываемый по завершении shutdown
func (e *Engine) Stopped() <-chan struct{} { return e.stopped }
