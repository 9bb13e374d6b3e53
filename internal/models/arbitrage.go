package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Состояния арбитража (state machine)
//
// PENDING → ACTIVE → CLOSING → CLOSED, строго монотонно.
// CLOSED - поглощающее состояние, переходов назад не существует.
const (
	StatePending = "PENDING" // ордера отправлены, ожидание заполнения обеих ног
	StateActive  = "ACTIVE"  // хедж провалидирован, позиция удерживается
	StateClosing = "CLOSING" // закрытие инициировано, ожидание подтверждения
	StateClosed  = "CLOSED"  // обе ноги закрыты, запись архивирована
)

// Ёмкость кольцевого буфера funding-выплат на один арбитраж
const FundingRingCapacity = 100

// Leg - одна нога арбитражной позиции
type Leg struct {
	Venue          string          `json:"venue"`
	Side           string          `json:"side"` // LONG | SHORT
	OrderID        string          `json:"order_id"`
	FilledNotional decimal.Decimal `json:"filled_notional"` // в котируемой валюте
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	NetPnlQuote    *decimal.Decimal `json:"net_pnl_quote,omitempty"` // nil = биржа ещё не отдала
	Closed         bool            `json:"closed"`
}

// Arbitrage - центральная сущность жизненного цикла
//
// Владелец - исключительно LifecycleEngine (актор): все мутации происходят
// на тике, читатели получают копии через Snapshot().
type Arbitrage struct {
	Token      string      `json:"token"` // BTC
	Pair       TradingPair `json:"pair"`
	LongVenue  string      `json:"long_venue"`
	ShortVenue string      `json:"short_venue"`

	NotionalQuote decimal.Decimal `json:"notional_quote"`
	Leverage      decimal.Decimal `json:"leverage"`

	State     string    `json:"state"`
	EntryTime time.Time `json:"entry_time"`

	LongLeg  Leg `json:"long_leg"`
	ShortLeg Leg `json:"short_leg"`

	// Кольцевой буфер funding-выплат, не более FundingRingCapacity.
	// Старейшая выплата вытесняется при переполнении.
	FundingPayments []FundingPayment `json:"funding_payments"`

	ValidationAttempts  int    `json:"validation_attempts"`
	LastValidationError string `json:"last_validation_error,omitempty"`

	CloseReason string     `json:"close_reason,omitempty"`
	CloseTime   *time.Time `json:"close_time,omitempty"`

	// Demo-режим: ордера не отправляются, fills симулируются,
	// funding PnL аккумулируется аналитически.
	Demo                  bool            `json:"demo"`
	DemoAccruedFundingPnl decimal.Decimal `json:"demo_accrued_funding_pnl,omitempty"`
	DemoLastAccrual       time.Time       `json:"-"`

	// Троттлинг алертов о зависшем закрытии
	LastCloseAlert time.Time `json:"-"`
}

// AddFundingPayment добавляет выплату в кольцевой буфер
//
// При переполнении вытесняется самая старая запись - инвариант
// len(FundingPayments) <= FundingRingCapacity сохраняется всегда.
func (a *Arbitrage) AddFundingPayment(p FundingPayment) {
	if len(a.FundingPayments) >= FundingRingCapacity {
		copy(a.FundingPayments, a.FundingPayments[1:])
		a.FundingPayments[len(a.FundingPayments)-1] = p
		return
	}
	a.FundingPayments = append(a.FundingPayments, p)
}

// AccrueDemoFunding начисляет funding PnL по текущему дневному
// дифференциалу ставок за время с прошлого начисления
//
// В demo-режиме биржи не присылают FundingPayment, поэтому выплаты
// аппроксимируются непрерывным начислением: diff·(Δt/сутки)·notional.
func (a *Arbitrage) AccrueDemoFunding(dailyDiff decimal.Decimal, now time.Time) {
	if a.DemoLastAccrual.IsZero() {
		a.DemoLastAccrual = a.EntryTime
	}
	elapsed := now.Sub(a.DemoLastAccrual)
	if elapsed <= 0 {
		return
	}
	fraction := decimal.NewFromFloat(elapsed.Seconds() / 86400)
	a.DemoAccruedFundingPnl = a.DemoAccruedFundingPnl.Add(
		dailyDiff.Mul(fraction).Mul(a.NotionalQuote))
	a.DemoLastAccrual = now
}

// FundingPnl суммирует funding-выплаты (nil-значений в буфере не бывает,
// demo-начисления учитываются отдельно)
func (a *Arbitrage) FundingPnl() decimal.Decimal {
	total := a.DemoAccruedFundingPnl
	for _, p := range a.FundingPayments {
		total = total.Add(p.Amount)
	}
	return total
}

// ExecutorsPnl суммирует net PnL обеих ног, пропуская недоступные значения
func (a *Arbitrage) ExecutorsPnl() decimal.Decimal {
	total := decimal.Zero
	if a.LongLeg.NetPnlQuote != nil {
		total = total.Add(*a.LongLeg.NetPnlQuote)
	}
	if a.ShortLeg.NetPnlQuote != nil {
		total = total.Add(*a.ShortLeg.NetPnlQuote)
	}
	return total
}

// IsLive возвращает true если арбитраж ещё не закрыт
func (a *Arbitrage) IsLive() bool {
	return a.State != StateClosed
}

// Touches возвращает true если арбитраж задействует указанную биржу
func (a *Arbitrage) Touches(venue string) bool {
	return a.LongVenue == venue || a.ShortVenue == venue
}

// Imbalance возвращает относительный дисбаланс ног
//
// |filled_long − filled_short| / max(filled_long, filled_short).
// ok=false если хотя бы одна нога не заполнена (нечего сравнивать).
func (a *Arbitrage) Imbalance() (decimal.Decimal, bool) {
	l, s := a.LongLeg.FilledNotional, a.ShortLeg.FilledNotional
	if !l.IsPositive() || !s.IsPositive() {
		return decimal.Zero, false
	}
	maxSide := decimal.Max(l, s)
	return l.Sub(s).Abs().Div(maxSide), true
}

// Snapshot возвращает глубокую копию для читателей вне актора
func (a *Arbitrage) Snapshot() *Arbitrage {
	cp := *a
	cp.FundingPayments = make([]FundingPayment, len(a.FundingPayments))
	copy(cp.FundingPayments, a.FundingPayments)
	if a.LongLeg.NetPnlQuote != nil {
		v := *a.LongLeg.NetPnlQuote
		cp.LongLeg.NetPnlQuote = &v
	}
	if a.ShortLeg.NetPnlQuote != nil {
		v := *a.ShortLeg.NetPnlQuote
		cp.ShortLeg.NetPnlQuote = &v
	}
	if a.CloseTime != nil {
		t := *a.CloseTime
		cp.CloseTime = &t
	}
	return &cp
}
