package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/models"
)

// Venue определяет унифицированный интерфейс биржи перпетуальных фьючерсов
//
// Реальные коннекторы (REST/WS клиенты конкретных бирж) живут вне ядра;
// ядро работает только через этот интерфейс. Все блокирующие операции
// принимают context с таймаутом - истечение трактуется как восстановимая
// ошибка и скармливается ErrorSeries-предохранителю.
type Venue interface {
	// Name возвращает идентификатор биржи
	Name() string

	// GetFundingInfo возвращает текущую funding-ставку для пары
	GetFundingInfo(ctx context.Context, pair models.TradingPair) (*models.FundingInfo, error)

	// GetOrderBook возвращает снимок стакана с заданной глубиной
	GetOrderBook(ctx context.Context, pair models.TradingPair, depth int) (*models.OrderBookSnapshot, error)

	// GetBalance возвращает доступный баланс актива
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// GetFee возвращает ставку комиссии для операции
	GetFee(ctx context.Context, pair models.TradingPair, side, action string, amount, price decimal.Decimal, maker bool) (decimal.Decimal, error)

	// GetMidPrice возвращает середину спреда
	GetMidPrice(ctx context.Context, pair models.TradingPair) (decimal.Decimal, error)

	// GetPriceForQuoteVolume возвращает ожидаемую цену исполнения
	// рыночного ордера заданного объёма (VWAP по стакану)
	GetPriceForQuoteVolume(ctx context.Context, pair models.TradingPair, quoteVolume decimal.Decimal, isBuy bool) (decimal.Decimal, error)

	// PlaceOrder размещает ордер, возвращает его идентификатор
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// CancelOrder отменяет ордер
	CancelOrder(ctx context.Context, pair models.TradingPair, orderID string) error

	// GetOrder возвращает текущее состояние ордера
	GetOrder(ctx context.Context, pair models.TradingPair, orderID string) (*Order, error)

	// GetOpenPositions возвращает открытые позиции аккаунта
	GetOpenPositions(ctx context.Context) ([]*models.Position, error)

	// GetMarginInfo возвращает маржинальное состояние аккаунта
	GetMarginInfo(ctx context.Context) (*models.MarginInfo, error)

	// SetLeverage устанавливает плечо для пары.
	// Биржа может вернуть ErrUnsupportedLeverage - это не фатально.
	SetLeverage(ctx context.Context, pair models.TradingPair, leverage decimal.Decimal) error

	// SetPositionMode переключает режим позиций (ONEWAY | HEDGE).
	// ONEWAY-only биржи возвращают ErrUnsupportedMode - это не фатально.
	SetPositionMode(ctx context.Context, mode string) error

	// SubscribeEvents подписывается на поток событий аккаунта
	// (fills, funding-выплаты, статусы ордеров, статус соединения)
	SubscribeEvents(callback func(Event)) error

	// Close закрывает соединения с биржей
	Close() error
}

// Credentials - расшифрованные API-ключи биржи.
// В логи и снапшоты не попадают.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Режимы позиций
const (
	ModeOneway = "ONEWAY"
	ModeHedge  = "HEDGE"
)

// Типы и стороны ордеров
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"

	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// Действия (для запроса комиссии)
const (
	ActionOpen  = "open"
	ActionClose = "close"
)

// OrderRequest - параметры размещаемого ордера
type OrderRequest struct {
	Pair       models.TradingPair
	Side       string // buy | sell
	Type       string // market | limit
	Amount     decimal.Decimal // в базовой валюте
	Price      *decimal.Decimal // nil для market
	ReduceOnly bool
}

// Статусы ордера
const (
	OrderStatusNew       = "new"
	OrderStatusPartial   = "partial"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

// Order - состояние ордера на бирже
type Order struct {
	ID             string          `json:"id"`
	Pair           models.TradingPair `json:"pair"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	FilledAmount   decimal.Decimal `json:"filled_amount"`
	FilledNotional decimal.Decimal `json:"filled_notional"` // в котируемой валюте
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Status         string          `json:"status"`
	NetPnlQuote    *decimal.Decimal `json:"net_pnl_quote,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsTerminal возвращает true если ордер в конечном статусе
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Виды событий аккаунта
const (
	EventFill             = "fill"
	EventFundingPayment   = "funding_payment"
	EventOrderStatus      = "order_status"
	EventConnectionStatus = "connection_status"
)

// Event - событие от биржи
//
// Заполнен ровно один payload в зависимости от Kind. События доставляются
// в mailbox актора и применяются между тиками.
type Event struct {
	Kind  string
	Venue string
	Time  time.Time

	Fill       *Fill
	Funding    *models.FundingPayment
	Order      *Order
	Connection *models.ConnectionStatus
}

// Fill - исполнение (части) ордера
type Fill struct {
	OrderID  string
	Pair     models.TradingPair
	Side     string
	Amount   decimal.Decimal
	Price    decimal.Decimal
	Notional decimal.Decimal
	Fee      decimal.Decimal
}
