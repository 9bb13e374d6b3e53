package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel - уровень цены в стакане
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"` // в базовой валюте
}

// OrderBookSnapshot - снимок стакана ордеров
//
// Инварианты:
// - Bids отсортированы по убыванию цены
// - Asks отсортированы по возрастанию цены
// Запросы глубины возвращают ok=false для пустого/протухшего стакана -
// вызывающий код обязан пропустить возможность, а не делить на ноль.
type OrderBookSnapshot struct {
	Venue     string       `json:"venue"`
	Pair      TradingPair  `json:"pair"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Mid       decimal.Decimal `json:"mid"`
	Timestamp time.Time    `json:"timestamp"`
}

// IsEmpty возвращает true если хотя бы одна сторона стакана пуста
func (ob *OrderBookSnapshot) IsEmpty() bool {
	return ob == nil || len(ob.Bids) == 0 || len(ob.Asks) == 0
}

// DepthWithinPct суммирует объём (в котируемой валюте) внутри pct от mid
//
// isBid=true - глубина на покупку (bids выше mid·(1-pct)),
// isBid=false - глубина на продажу (asks ниже mid·(1+pct)).
func (ob *OrderBookSnapshot) DepthWithinPct(pct decimal.Decimal, isBid bool) (decimal.Decimal, bool) {
	if ob.IsEmpty() || ob.Mid.IsZero() {
		return decimal.Zero, false
	}

	total := decimal.Zero
	if isBid {
		floor := ob.Mid.Mul(decimal.NewFromInt(1).Sub(pct))
		for _, lvl := range ob.Bids {
			if lvl.Price.LessThan(floor) {
				break
			}
			total = total.Add(lvl.Price.Mul(lvl.Volume))
		}
	} else {
		ceil := ob.Mid.Mul(decimal.NewFromInt(1).Add(pct))
		for _, lvl := range ob.Asks {
			if lvl.Price.GreaterThan(ceil) {
				break
			}
			total = total.Add(lvl.Price.Mul(lvl.Volume))
		}
	}
	return total, true
}

// TopLevelsBaseVolume суммирует объём в базовой валюте по первым n уровням
//
// isBuy=true - сторона asks (мы покупаем, съедаем продавцов),
// isBuy=false - сторона bids.
func (ob *OrderBookSnapshot) TopLevelsBaseVolume(n int, isBuy bool) (decimal.Decimal, bool) {
	if ob.IsEmpty() || n <= 0 {
		return decimal.Zero, false
	}

	levels := ob.Bids
	if isBuy {
		levels = ob.Asks
	}
	if n > len(levels) {
		n = len(levels)
	}

	total := decimal.Zero
	for i := 0; i < n; i++ {
		total = total.Add(levels[i].Volume)
	}
	return total, true
}
