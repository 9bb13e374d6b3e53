package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Стороны позиции
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Position - открытая позиция на бирже (одна нога арбитража)
//
// LiquidationPrice и ADLIndicator опциональны: не все биржи их отдают.
// Отсутствие - nil, любая логика обязана обрабатывать nil консервативно.
type Position struct {
	Venue            string           `json:"venue"`
	Pair             TradingPair      `json:"pair"`
	Side             string           `json:"side"` // LONG | SHORT
	Size             decimal.Decimal  `json:"size"` // в базовой валюте
	NotionalQuote    decimal.Decimal  `json:"notional_quote"`
	Leverage         decimal.Decimal  `json:"leverage"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	MarkPrice        decimal.Decimal  `json:"mark_price"`
	UnrealizedPnl    decimal.Decimal  `json:"unrealized_pnl"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
	ADLIndicator     *int             `json:"adl_indicator,omitempty"` // 1..5, 5 = imminent
	UpdatedAt        time.Time        `json:"updated_at"`
}

// DistanceToLiquidationPct возвращает дистанцию до ликвидации в процентах
//
// LONG:  (mark − liq) / mark · 100
// SHORT: (liq − mark) / mark · 100
// ok=false если цена ликвидации или mark недоступны.
func (p *Position) DistanceToLiquidationPct() (decimal.Decimal, bool) {
	if p == nil || p.LiquidationPrice == nil || p.MarkPrice.IsZero() {
		return decimal.Zero, false
	}

	hundred := decimal.NewFromInt(100)
	switch p.Side {
	case SideLong:
		return p.MarkPrice.Sub(*p.LiquidationPrice).Div(p.MarkPrice).Mul(hundred), true
	case SideShort:
		return p.LiquidationPrice.Sub(p.MarkPrice).Div(p.MarkPrice).Mul(hundred), true
	}
	return decimal.Zero, false
}
