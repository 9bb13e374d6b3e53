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
	"fundarb/pkg/ratelimit"
	"fundarb/pkg/retry"
	"fundarb/pkg/utils"
)

// ============================================================
// Executor - размещение и закрытие ног арбитража
// ============================================================
//
// Обе ноги размещаются параллельно market-ордерами: минимизация
// окна, когда захеджирована только одна сторона. Вызывается из
// worker-горутин движка; мутаций состояния арбитража здесь нет,
// результат возвращается актору.

// LegOrder - результат размещения одной ноги
type LegOrder struct {
	Venue   string
	Side    string // LONG | SHORT
	OrderID string
	Err     error
}

// Executor размещает ордера с учётом rate limiter и retry
type Executor struct {
	venues  map[string]venue.Venue
	limiter *ratelimit.Limiter
	timeout time.Duration
	log     zerolog.Logger
}

// NewExecutor создаёт исполнитель
func NewExecutor(venues map[string]venue.Venue, limiter *ratelimit.Limiter, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Executor{
		venues:  venues,
		limiter: limiter,
		timeout: timeout,
		log:     utils.ComponentLogger("executor"),
	}
}

// placeMarket размещает market-ордер с rate limit и retry
func (e *Executor) placeMarket(ctx context.Context, venueName string, req venue.OrderRequest, critical bool) (string, error) {
	v, ok := e.venues[venueName]
	if !ok {
		return "", fmt.Errorf("unknown venue %q", venueName)
	}
	if !e.limiter.Acquire(ctx, venueName, 1, critical) {
		return "", fmt.Errorf("rate limit budget exhausted on %s", venueName)
	}

	cfg := retry.DefaultConfig()
	if critical {
		cfg = retry.AggressiveConfig()
	}
	cfg.RetryIf = retry.RetryIfNotContext
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.log.Warn().
			Str("venue", venueName).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("order placement retry")
	}

	return retry.DoWithResult(ctx, func() (string, error) {
		opCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return v.PlaceOrder(opCtx, req)
	}, cfg)
}

// baseAmount переводит notional в количество базовой валюты по VWAP
func (e *Executor) baseAmount(ctx context.Context, venueName string, pair models.TradingPair, notional decimal.Decimal, isBuy bool) (decimal.Decimal, error) {
	v, ok := e.venues[venueName]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown venue %q", venueName)
	}
	price, err := v.GetPriceForQuoteVolume(ctx, pair, notional, isBuy)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive execution price on %s", venueName)
	}
	return notional.Div(price), nil
}

// OpenLegs параллельно открывает обе ноги арбитража
//
// Возвращает результаты обеих ног; частичный провал не откатывается
// здесь - решение (ждать заполнения / закрывать) принимает машина
// состояний через pending-валидацию.
func (e *Executor) OpenLegs(ctx context.Context, a *models.Arbitrage) (long, short LegOrder) {
	long = LegOrder{Venue: a.LongVenue, Side: models.SideLong}
	short = LegOrder{Venue: a.ShortVenue, Side: models.SideShort}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		amount, err := e.baseAmount(ctx, a.LongVenue, a.Pair, a.NotionalQuote, true)
		if err != nil {
			long.Err = err
			return
		}
		long.OrderID, long.Err = e.placeMarket(ctx, a.LongVenue, venue.OrderRequest{
			Pair:   a.Pair,
			Side:   venue.OrderSideBuy,
			Type:   venue.OrderTypeMarket,
			Amount: amount,
		}, false)
	}()

	go func() {
		defer wg.Done()
		amount, err := e.baseAmount(ctx, a.ShortVenue, a.Pair, a.NotionalQuote, false)
		if err != nil {
			short.Err = err
			return
		}
		short.OrderID, short.Err = e.placeMarket(ctx, a.ShortVenue, venue.OrderRequest{
			Pair:   a.Pair,
			Side:   venue.OrderSideSell,
			Type:   venue.OrderTypeMarket,
			Amount: amount,
		}, false)
	}()

	wg.Wait()
	return long, short
}

// CloseLegs параллельно закрывает незакрытые ноги reduce-only ордерами
//
// critical=true: закрытие позиции важнее бюджета rate limit,
// лимитер уходит в backoff-ожидание вместо отказа.
func (e *Executor) CloseLegs(ctx context.Context, a *models.Arbitrage) (long, short LegOrder) {
	long = LegOrder{Venue: a.LongVenue, Side: models.SideLong}
	short = LegOrder{Venue: a.ShortVenue, Side: models.SideShort}

	var wg sync.WaitGroup

	if !a.LongLeg.Closed && a.LongLeg.FilledNotional.IsPositive() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			amount := decimal.Zero
			if a.LongLeg.AvgFillPrice.IsPositive() {
				amount = a.LongLeg.FilledNotional.Div(a.LongLeg.AvgFillPrice)
			}
			if !amount.IsPositive() {
				long.Err = fmt.Errorf("cannot size close order for long leg on %s", a.LongVenue)
				return
			}
			long.OrderID, long.Err = e.placeMarket(ctx, a.LongVenue, venue.OrderRequest{
				Pair:       a.Pair,
				Side:       venue.OrderSideSell,
				Type:       venue.OrderTypeMarket,
				Amount:     amount,
				ReduceOnly: true,
			}, true)
		}()
	}

	if !a.ShortLeg.Closed && a.ShortLeg.FilledNotional.IsPositive() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			amount := decimal.Zero
			if a.ShortLeg.AvgFillPrice.IsPositive() {
				amount = a.ShortLeg.FilledNotional.Div(a.ShortLeg.AvgFillPrice)
			}
			if !amount.IsPositive() {
				short.Err = fmt.Errorf("cannot size close order for short leg on %s", a.ShortVenue)
				return
			}
			short.OrderID, short.Err = e.placeMarket(ctx, a.ShortVenue, venue.OrderRequest{
				Pair:       a.Pair,
				Side:       venue.OrderSideBuy,
				Type:       venue.OrderTypeMarket,
				Amount:     amount,
				ReduceOnly: true,
			}, true)
		}()
	}

	wg.Wait()
	return long, short
}

// ============================================================
// Авто-починка расхождений сверки
// ============================================================
//
// Идемпотентность обеспечивает сам цикл сверки: следующий проход
// видит исправленное состояние и повторной починки не предлагает.

// RestorePosition восстанавливает пропавшую на бирже ногу
func (e *Executor) RestorePosition(ctx context.Context, d Discrepancy) error {
	return e.correct(ctx, d, d.Expected)
}

// FlattenPosition закрывает лишнюю позицию reduce-only ордером
func (e *Executor) FlattenPosition(ctx context.Context, d Discrepancy) error {
	return e.correct(ctx, d, d.Actual.Neg())
}

// AdjustPosition доводит размер позиции до ожидаемого
func (e *Executor) AdjustPosition(ctx context.Context, d Discrepancy) error {
	return e.correct(ctx, d, d.Expected.Sub(d.Actual))
}

// correct размещает одиночный корректирующий market-ордер.
// delta в котируемой валюте: положительная наращивает позицию
// стороны d.Side, отрицательная сокращает (reduce-only).
func (e *Executor) correct(ctx context.Context, d Discrepancy, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	pair := models.ParsePair(d.Pair)
	grow := delta.IsPositive()

	side := venue.OrderSideBuy
	if grow == (d.Side == models.SideShort) {
		side = venue.OrderSideSell
	}

	amount, err := e.baseAmount(ctx, d.Venue, pair, delta.Abs(), side == venue.OrderSideBuy)
	if err != nil {
		return err
	}
	_, err = e.placeMarket(ctx, d.Venue, venue.OrderRequest{
		Pair:       pair,
		Side:       side,
		Type:       venue.OrderTypeMarket,
		Amount:     amount,
		ReduceOnly: !grow,
	}, true)
	return err
}

// FetchOrder возвращает состояние ордера с retry
func (e *Executor) FetchOrder(ctx context.Context, venueName string, pair models.TradingPair, orderID string) (*venue.Order, error) {
	v, ok := e.venues[venueName]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", venueName)
	}
	if !e.limiter.Acquire(ctx, venueName, 1, false) {
		return nil, fmt.Errorf("rate limit budget exhausted on %s", venueName)
	}
	return retry.DoWithResult(ctx, func() (*venue.Order, error) {
		opCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return v.GetOrder(opCtx, pair, orderID)
	}, retry.DefaultConfig())
}
