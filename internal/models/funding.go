package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingInfo - снимок funding-ставки биржи для пары
//
// Rate - знаковая ставка ЗА ОДИН интервал расчёта (не годовая и не дневная).
// IntervalSeconds > 0 всегда (инвариант, проверяется в Validate).
type FundingInfo struct {
	Venue           string          `json:"venue"`
	Pair            TradingPair     `json:"pair"`
	Rate            decimal.Decimal `json:"rate"`
	IntervalSeconds int64           `json:"interval_seconds"`
	NextSettlement  time.Time       `json:"next_settlement_utc"`
	IndexPrice      decimal.Decimal `json:"index_price"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	ObservedAt      time.Time       `json:"observed_at"`
}

// Validate проверяет инварианты снимка
func (f *FundingInfo) Validate() bool {
	return f != nil && f.IntervalSeconds > 0
}

// DailyRate возвращает ставку, нормализованную к суткам
//
// Нужна для сравнения бирж с разными интервалами расчёта
// (Hyperliquid - каждый час, большинство - каждые 8 часов).
func (f *FundingInfo) DailyRate() decimal.Decimal {
	if !f.Validate() {
		return decimal.Zero
	}
	perSecond := f.Rate.Div(decimal.NewFromInt(f.IntervalSeconds))
	return perSecond.Mul(decimal.NewFromInt(86400))
}

// FundingPayment - фактическая funding-выплата по одной ноге
type FundingPayment struct {
	Venue  string          `json:"venue"`
	Pair   TradingPair     `json:"pair"`
	Amount decimal.Decimal `json:"amount"` // знаковая, в котируемой валюте
	PaidAt time.Time       `json:"paid_at"`
}
