package venue

// Квирки конкретных бирж, которые обязаны пережить любые рефакторинги.
//
// - Hyperliquid: funding каждый час (24 слота расчёта в сутки),
//   позиции только в режиме ONEWAY.
// - Binance/Bybit/OKX/KuCoin/Gate/Bitget/MEXC/Phemex/BingX: funding
//   3 раза в сутки (00:00, 08:00, 16:00 UTC).
// - На ONEWAY-only биржах SetPositionMode(HEDGE) пропускается;
//   отказ биржи не отключает её.

// Traits - статические особенности биржи
type Traits struct {
	// Часы расчёта funding в UTC
	SettlementHoursUTC []int

	// Биржа поддерживает только ONEWAY режим позиций
	OnewayOnly bool

	// Дефолтные параметры rate limiter (запросов/сек, ёмкость ведра)
	RateRefill   float64
	RateCapacity float64
}

var standardHours = []int{0, 8, 16}

func hourlySlots() []int {
	h := make([]int, 24)
	for i := range h {
		h[i] = i
	}
	return h
}

// Дефолтные траиты известных бирж. Любая незнакомая биржа получает
// DefaultTraits - стандартный 8-часовой funding и консервативные лимиты.
var knownTraits = map[string]Traits{
	"binance":     {SettlementHoursUTC: standardHours, RateRefill: 10, RateCapacity: 20},
	"bybit":       {SettlementHoursUTC: standardHours, RateRefill: 10, RateCapacity: 20},
	"okx":         {SettlementHoursUTC: standardHours, RateRefill: 20, RateCapacity: 40},
	"kucoin":      {SettlementHoursUTC: standardHours, RateRefill: 10, RateCapacity: 20},
	"gate":        {SettlementHoursUTC: standardHours, RateRefill: 10, RateCapacity: 20},
	"bitget":      {SettlementHoursUTC: standardHours, RateRefill: 10, RateCapacity: 20},
	"mexc":        {SettlementHoursUTC: standardHours, RateRefill: 10, RateCapacity: 20},
	"phemex":      {SettlementHoursUTC: standardHours, RateRefill: 10, RateCapacity: 20},
	"bingx":       {SettlementHoursUTC: standardHours, RateRefill: 10, RateCapacity: 20},
	"hyperliquid": {SettlementHoursUTC: hourlySlots(), OnewayOnly: true, RateRefill: 10, RateCapacity: 20},
}

// DefaultTraits - консервативный дефолт для неизвестной биржи
func DefaultTraits() Traits {
	return Traits{SettlementHoursUTC: standardHours, RateRefill: 10, RateCapacity: 20}
}

// TraitsFor возвращает траиты биржи по имени
func TraitsFor(name string) Traits {
	if t, ok := knownTraits[name]; ok {
		return t
	}
	return DefaultTraits()
}

// IsOnewayOnly возвращает true для бирж без HEDGE-режима
func IsOnewayOnly(name string) bool {
	return TraitsFor(name).OnewayOnly
}
