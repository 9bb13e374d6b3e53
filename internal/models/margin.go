package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarginHealth - классификация здоровья маржи аккаунта
type MarginHealth string

const (
	MarginHealthy         MarginHealth = "HEALTHY"          // ratio >= 2.0
	MarginWarning         MarginHealth = "WARNING"          // ratio >= 1.5
	MarginDanger          MarginHealth = "DANGER"           // ratio >= 1.1
	MarginCritical        MarginHealth = "CRITICAL"         // ratio >= 1.0
	MarginLiquidationRisk MarginHealth = "LIQUIDATION_RISK" // ratio < 1.0
)

// Пороги классификации (строгие decimal-сравнения)
var (
	marginHealthyAt  = decimal.RequireFromString("2.0")
	marginWarningAt  = decimal.RequireFromString("1.5")
	marginDangerAt   = decimal.RequireFromString("1.1")
	marginCriticalAt = decimal.RequireFromString("1.0")
)

// MarginInfo - маржинальное состояние аккаунта на бирже
type MarginInfo struct {
	Venue             string           `json:"venue"`
	TotalEquity       decimal.Decimal  `json:"total_equity"`
	UsedMargin        decimal.Decimal  `json:"used_margin"`
	FreeMargin        decimal.Decimal  `json:"free_margin"`
	MaintenanceMargin decimal.Decimal  `json:"maintenance_margin"`
	InitialMarginReq  decimal.Decimal  `json:"initial_margin_req"`
	LiquidationPrice  *decimal.Decimal `json:"liquidation_price,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// MarginRatio = equity / used_margin
//
// Нет использованной маржи - нет позиций, считаем аккаунт здоровым
// (возвращаем большой ratio вместо деления на ноль).
func (m *MarginInfo) MarginRatio() decimal.Decimal {
	if m == nil || m.UsedMargin.IsZero() {
		return decimal.NewFromInt(1000)
	}
	return m.TotalEquity.Div(m.UsedMargin)
}

// Health классифицирует маржинальное состояние по ratio
func (m *MarginInfo) Health() MarginHealth {
	return ClassifyMarginRatio(m.MarginRatio())
}

// ClassifyMarginRatio - чистая функция классификации ratio → health
func ClassifyMarginRatio(ratio decimal.Decimal) MarginHealth {
	switch {
	case ratio.GreaterThanOrEqual(marginHealthyAt):
		return MarginHealthy
	case ratio.GreaterThanOrEqual(marginWarningAt):
		return MarginWarning
	case ratio.GreaterThanOrEqual(marginDangerAt):
		return MarginDanger
	case ratio.GreaterThanOrEqual(marginCriticalAt):
		return MarginCritical
	default:
		return MarginLiquidationRisk
	}
}

// AtLeast возвращает true если health не лучше указанного уровня
// (порядок: HEALTHY < WARNING < DANGER < CRITICAL < LIQUIDATION_RISK)
func (h MarginHealth) AtLeast(other MarginHealth) bool {
	return h.rank() >= other.rank()
}

func (h MarginHealth) rank() int {
	switch h {
	case MarginHealthy:
		return 0
	case MarginWarning:
		return 1
	case MarginDanger:
		return 2
	case MarginCritical:
		return 3
	case MarginLiquidationRisk:
		return 4
	}
	return 0
}
