package venue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/models"
)

// DemoVenue - симулятор биржи для demo-режима и тестов
//
// Ордера не покидают процесс: исполнение симулируется спустя FillDelay
// по текущей mid-цене. Для LifecycleEngine DemoVenue неотличим от боевого
// коннектора - никакие demo-условности не протекают в RiskManager или
// MarginMonitor.
type DemoVenue struct {
	name string

	// Настройки симуляции
	fillDelay  time.Duration
	closeDelay time.Duration
	takerFee   decimal.Decimal

	mu       sync.RWMutex
	balances map[string]decimal.Decimal
	funding  map[string]*models.FundingInfo      // key = pair symbol
	books    map[string]*models.OrderBookSnapshot
	orders   map[string]*Order
	margin   *models.MarginInfo
	posMode  string

	// Инъекция ошибок для тестов: op → error
	failures map[string]error

	eventCb   func(Event)
	orderSeq  int64
}

// DemoConfig - параметры симулятора
type DemoConfig struct {
	Name         string
	BalanceQuote decimal.Decimal // стартовый баланс котируемой валюты
	QuoteAsset   string
	FillDelay    time.Duration
	CloseDelay   time.Duration
	TakerFee     decimal.Decimal
}

// NewDemoVenue создаёт симулятор биржи
func NewDemoVenue(cfg DemoConfig) *DemoVenue {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.TakerFee.IsZero() {
		cfg.TakerFee = decimal.RequireFromString("0.0005")
	}
	return &DemoVenue{
		name:       cfg.Name,
		fillDelay:  cfg.FillDelay,
		closeDelay: cfg.CloseDelay,
		takerFee:   cfg.TakerFee,
		balances:   map[string]decimal.Decimal{cfg.QuoteAsset: cfg.BalanceQuote},
		funding:    make(map[string]*models.FundingInfo),
		books:      make(map[string]*models.OrderBookSnapshot),
		orders:     make(map[string]*Order),
		failures:   make(map[string]error),
		posMode:    ModeOneway,
	}
}

// Name возвращает имя биржи
func (d *DemoVenue) Name() string { return d.name }

// ============ Управление симуляцией (тесты и генератор сценариев) ============

// SetFunding задаёт funding-снимок для пары
func (d *DemoVenue) SetFunding(f *models.FundingInfo) {
	d.mu.Lock()
	f.Venue = d.name
	d.funding[f.Pair.Symbol()] = f
	d.mu.Unlock()
}

// SetOrderBook задаёт стакан для пары
func (d *DemoVenue) SetOrderBook(ob *models.OrderBookSnapshot) {
	d.mu.Lock()
	ob.Venue = d.name
	d.books[ob.Pair.Symbol()] = ob
	d.mu.Unlock()
}

// SetBalance задаёт баланс актива
func (d *DemoVenue) SetBalance(asset string, v decimal.Decimal) {
	d.mu.Lock()
	d.balances[asset] = v
	d.mu.Unlock()
}

// SetMarginInfo задаёт маржинальное состояние
func (d *DemoVenue) SetMarginInfo(m *models.MarginInfo) {
	d.mu.Lock()
	m.Venue = d.name
	d.margin = m
	d.mu.Unlock()
}

// FailNext заставляет указанную операцию возвращать ошибку
// (пустая ошибка снимает инъекцию)
func (d *DemoVenue) FailNext(op string, err error) {
	d.mu.Lock()
	if err == nil {
		delete(d.failures, op)
	} else {
		d.failures[op] = err
	}
	d.mu.Unlock()
}

func (d *DemoVenue) injected(op string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.failures[op]
}

// ============ Venue interface ============

// GetFundingInfo возвращает заданный funding-снимок
func (d *DemoVenue) GetFundingInfo(ctx context.Context, pair models.TradingPair) (*models.FundingInfo, error) {
	if err := d.injected("get_funding"); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.funding[pair.Symbol()]
	if !ok {
		return nil, &VenueError{Venue: d.name, Op: "get_funding", Kind: ErrUnavailable}
	}
	cp := *f
	cp.ObservedAt = time.Now()
	return &cp, nil
}

// GetOrderBook возвращает заданный стакан
func (d *DemoVenue) GetOrderBook(ctx context.Context, pair models.TradingPair, depth int) (*models.OrderBookSnapshot, error) {
	if err := d.injected("get_order_book"); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	ob, ok := d.books[pair.Symbol()]
	if !ok {
		return nil, &VenueError{Venue: d.name, Op: "get_order_book", Kind: ErrUnavailable}
	}
	cp := *ob
	return &cp, nil
}

// GetBalance возвращает баланс актива
func (d *DemoVenue) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := d.injected("get_balance"); err != nil {
		return decimal.Zero, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.balances[asset]
	if !ok {
		return decimal.Zero, &VenueError{Venue: d.name, Op: "get_balance", Kind: ErrUnavailable}
	}
	return v, nil
}

// GetFee возвращает тейкерскую комиссию (maker в demo не различается)
func (d *DemoVenue) GetFee(ctx context.Context, pair models.TradingPair, side, action string, amount, price decimal.Decimal, maker bool) (decimal.Decimal, error) {
	if err := d.injected("get_fee"); err != nil {
		return decimal.Zero, err
	}
	return d.takerFee, nil
}

// GetMidPrice возвращает mid из стакана
func (d *DemoVenue) GetMidPrice(ctx context.Context, pair models.TradingPair) (decimal.Decimal, error) {
	if err := d.injected("get_mid_price"); err != nil {
		return decimal.Zero, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	ob, ok := d.books[pair.Symbol()]
	if !ok || ob.Mid.IsZero() {
		return decimal.Zero, &VenueError{Venue: d.name, Op: "get_mid_price", Kind: ErrUnavailable}
	}
	return ob.Mid, nil
}

// GetPriceForQuoteVolume возвращает VWAP по стакану для указанного объёма
func (d *DemoVenue) GetPriceForQuoteVolume(ctx context.Context, pair models.TradingPair, quoteVolume decimal.Decimal, isBuy bool) (decimal.Decimal, error) {
	if err := d.injected("get_price_for_volume"); err != nil {
		return decimal.Zero, err
	}
	d.mu.RLock()
	ob, ok := d.books[pair.Symbol()]
	d.mu.RUnlock()
	if !ok || ob.IsEmpty() {
		return decimal.Zero, &VenueError{Venue: d.name, Op: "get_price_for_volume", Kind: ErrUnavailable}
	}

	levels := ob.Bids
	if isBuy {
		levels = ob.Asks
	}

	remaining := quoteVolume
	cost := decimal.Zero
	baseTotal := decimal.Zero
	for _, lvl := range levels {
		levelQuote := lvl.Price.Mul(lvl.Volume)
		take := decimal.Min(remaining, levelQuote)
		base := take.Div(lvl.Price)
		cost = cost.Add(take)
		baseTotal = baseTotal.Add(base)
		remaining = remaining.Sub(take)
		if !remaining.IsPositive() {
			break
		}
	}
	if remaining.IsPositive() || baseTotal.IsZero() {
		// Стакан мельче запрошенного объёма
		return decimal.Zero, &VenueError{Venue: d.name, Op: "get_price_for_volume", Kind: ErrUnavailable}
	}
	return cost.Div(baseTotal), nil
}

// PlaceOrder регистрирует ордер; fill симулируется спустя fillDelay
func (d *DemoVenue) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := d.injected("place_order"); err != nil {
		return "", err
	}

	mid, err := d.GetMidPrice(ctx, req.Pair)
	if err != nil {
		return "", err
	}

	seq := atomic.AddInt64(&d.orderSeq, 1)
	id := fmt.Sprintf("%s-demo-%d", d.name, seq)
	now := time.Now()

	order := &Order{
		ID:        id,
		Pair:      req.Pair,
		Side:      req.Side,
		Type:      req.Type,
		Amount:    req.Amount,
		Status:    OrderStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}

	delay := d.fillDelay
	if req.ReduceOnly {
		delay = d.closeDelay
	}

	d.mu.Lock()
	d.orders[id] = order
	d.mu.Unlock()

	// Отложенное исполнение по mid-цене
	time.AfterFunc(delay, func() { d.fill(id, mid, req.ReduceOnly) })

	return id, nil
}

func (d *DemoVenue) fill(id string, price decimal.Decimal, reduceOnly bool) {
	d.mu.Lock()
	order, ok := d.orders[id]
	if !ok || order.IsTerminal() {
		d.mu.Unlock()
		return
	}
	order.Status = OrderStatusFilled
	order.FilledAmount = order.Amount
	order.AvgFillPrice = price
	order.FilledNotional = order.Amount.Mul(price)
	if reduceOnly {
		// Закрытие: PnL в demo считается нулевым на уровне ордера,
		// funding PnL начисляется аналитически движком
		zero := decimal.Zero
		order.NetPnlQuote = &zero
	}
	order.UpdatedAt = time.Now()
	cb := d.eventCb
	cp := *order
	d.mu.Unlock()

	if cb != nil {
		cb(Event{
			Kind:  EventFill,
			Venue: d.name,
			Time:  time.Now(),
			Fill: &Fill{
				OrderID:  cp.ID,
				Pair:     cp.Pair,
				Side:     cp.Side,
				Amount:   cp.FilledAmount,
				Price:    cp.AvgFillPrice,
				Notional: cp.FilledNotional,
			},
		})
		cb(Event{Kind: EventOrderStatus, Venue: d.name, Time: time.Now(), Order: &cp})
	}
}

// CancelOrder отменяет неисполненный ордер
func (d *DemoVenue) CancelOrder(ctx context.Context, pair models.TradingPair, orderID string) error {
	if err := d.injected("cancel_order"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	order, ok := d.orders[orderID]
	if !ok {
		return &VenueError{Venue: d.name, Op: "cancel_order", Message: "unknown order " + orderID}
	}
	if !order.IsTerminal() {
		order.Status = OrderStatusCancelled
		order.UpdatedAt = time.Now()
	}
	return nil
}

// GetOrder возвращает копию состояния ордера
func (d *DemoVenue) GetOrder(ctx context.Context, pair models.TradingPair, orderID string) (*Order, error) {
	if err := d.injected("get_order"); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	order, ok := d.orders[orderID]
	if !ok {
		return nil, &VenueError{Venue: d.name, Op: "get_order", Message: "unknown order " + orderID}
	}
	cp := *order
	return &cp, nil
}

// GetOpenPositions агрегирует исполненные незакрытые ордера в позиции
func (d *DemoVenue) GetOpenPositions(ctx context.Context) ([]*models.Position, error) {
	if err := d.injected("get_open_positions"); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	// net size по парам: buy − sell (reduce-only ордера сводят в ноль)
	type acc struct {
		pair models.TradingPair
		size decimal.Decimal
		cost decimal.Decimal
	}
	byPair := make(map[string]*acc)
	for _, o := range d.orders {
		if o.Status != OrderStatusFilled {
			continue
		}
		a, ok := byPair[o.Pair.Symbol()]
		if !ok {
			a = &acc{pair: o.Pair}
			byPair[o.Pair.Symbol()] = a
		}
		if o.Side == OrderSideBuy {
			a.size = a.size.Add(o.FilledAmount)
			a.cost = a.cost.Add(o.FilledNotional)
		} else {
			a.size = a.size.Sub(o.FilledAmount)
			a.cost = a.cost.Sub(o.FilledNotional)
		}
	}

	var out []*models.Position
	for sym, a := range byPair {
		if a.size.IsZero() {
			continue
		}
		side := models.SideLong
		size := a.size
		if a.size.IsNegative() {
			side = models.SideShort
			size = a.size.Neg()
		}
		mark := decimal.Zero
		if ob, ok := d.books[sym]; ok {
			mark = ob.Mid
		}
		out = append(out, &models.Position{
			Venue:         d.name,
			Pair:          a.pair,
			Side:          side,
			Size:          size,
			NotionalQuote: size.Mul(mark),
			Leverage:      decimal.NewFromInt(1),
			EntryPrice:    a.cost.Abs().Div(size),
			MarkPrice:     mark,
			UpdatedAt:     time.Now(),
		})
	}
	return out, nil
}

// GetMarginInfo возвращает заданное маржинальное состояние либо
// синтетическое здоровое (без позиций вся маржа свободна)
func (d *DemoVenue) GetMarginInfo(ctx context.Context) (*models.MarginInfo, error) {
	if err := d.injected("get_margin_info"); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.margin != nil {
		cp := *d.margin
		return &cp, nil
	}
	equity := decimal.Zero
	for _, v := range d.balances {
		equity = equity.Add(v)
	}
	return &models.MarginInfo{
		Venue:       d.name,
		TotalEquity: equity,
		FreeMargin:  equity,
		UpdatedAt:   time.Now(),
	}, nil
}

// SetLeverage в demo всегда успешен
func (d *DemoVenue) SetLeverage(ctx context.Context, pair models.TradingPair, leverage decimal.Decimal) error {
	if err := d.injected("set_leverage"); err != nil {
		return err
	}
	return nil
}

// SetPositionMode уважает ONEWAY-only квирк симулируемой биржи
func (d *DemoVenue) SetPositionMode(ctx context.Context, mode string) error {
	if err := d.injected("set_position_mode"); err != nil {
		return err
	}
	if mode == ModeHedge && IsOnewayOnly(d.name) {
		return &VenueError{Venue: d.name, Op: "set_position_mode", Kind: ErrUnsupportedMode}
	}
	d.mu.Lock()
	d.posMode = mode
	d.mu.Unlock()
	return nil
}

// SubscribeEvents регистрирует подписчика событий
func (d *DemoVenue) SubscribeEvents(callback func(Event)) error {
	d.mu.Lock()
	d.eventCb = callback
	d.mu.Unlock()
	return nil
}

// EmitFundingPayment симулирует funding-выплату (для тестов и сценариев)
func (d *DemoVenue) EmitFundingPayment(p models.FundingPayment) {
	d.mu.RLock()
	cb := d.eventCb
	d.mu.RUnlock()
	if cb != nil {
		p.Venue = d.name
		cb(Event{Kind: EventFundingPayment, Venue: d.name, Time: time.Now(), Funding: &p})
	}
}

// Close закрывает симулятор
func (d *DemoVenue) Close() error { return nil }
