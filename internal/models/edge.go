package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LegFees - комиссии одной ноги по действиям
type LegFees struct {
	Open  decimal.Decimal `json:"open"`
	Close decimal.Decimal `json:"close"`
}

// EdgeDecomposition - полная декомпозиция ожидаемой доходности связки
//
// Иммутабельное значение, результат расчёта EdgeCalculator.
// Инвариант: TotalEdge == ExpectedFundingPnl − FeesTotal − BorrowTotal −
// SlippageTotal − SettlementBuffer с точностью decimal-арифметики.
type EdgeDecomposition struct {
	Pair       TradingPair `json:"pair"`
	LongVenue  string      `json:"long_venue"`
	ShortVenue string      `json:"short_venue"`
	Timestamp  time.Time   `json:"timestamp"`

	FundingDiff        decimal.Decimal `json:"funding_diff"`
	ExpectedFundingPnl decimal.Decimal `json:"expected_funding_pnl"`

	FeesTotal  decimal.Decimal    `json:"fees_total"`
	FeesPerLeg map[string]LegFees `json:"fees_per_leg"` // key = venue

	BorrowTotal    decimal.Decimal            `json:"borrow_total"`
	BorrowPerAsset map[string]decimal.Decimal `json:"borrow_per_asset"`

	SlippageTotal    decimal.Decimal            `json:"slippage_total"`
	SlippagePerVenue map[string]decimal.Decimal `json:"slippage_per_venue"`

	SettlementBuffer decimal.Decimal `json:"settlement_buffer"`

	Notional      decimal.Decimal `json:"notional"`
	LeverageLong  decimal.Decimal `json:"leverage_long"`
	LeverageShort decimal.Decimal `json:"leverage_short"`

	TotalEdge       decimal.Decimal `json:"total_edge"`
	MinEdgeRequired decimal.Decimal `json:"min_edge_required"`
	IsProfitable    bool            `json:"is_profitable"`

	HedgeGapRisk       decimal.Decimal `json:"hedge_gap_risk"`
	LiquidityRiskScore decimal.Decimal `json:"liquidity_risk_score"`
}

// ComponentsSum пересчитывает сумму компонентов
//
// Используется в тестах и при самопроверке: результат обязан быть
// строго равен TotalEdge.
func (e *EdgeDecomposition) ComponentsSum() decimal.Decimal {
	return e.ExpectedFundingPnl.
		Sub(e.FeesTotal).
		Sub(e.BorrowTotal).
		Sub(e.SlippageTotal).
		Sub(e.SettlementBuffer)
}
