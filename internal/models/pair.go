package models

import "strings"

// TradingPair представляет торговую пару перпетуального фьючерса
//
// Формат символа: "BTC-USDT" (base-quote). Все биржи внутри одной
// арбитражной связки ОБЯЗАНЫ иметь одинаковую котируемую валюту
// (USDT с USDT, USD с USD) - проверяется при выборе комбинации.
type TradingPair struct {
	Base  string `json:"base"`  // BTC
	Quote string `json:"quote"` // USDT
}

// Известные котируемые валюты для разбора символов без разделителя.
// Порядок важен: сначала 4-символьные, потом 3-символьные суффиксы.
var (
	quoteSuffixes4 = []string{"USDT", "USDC", "BUSD", "TUSD"}
	quoteSuffixes3 = []string{"USD", "EUR", "GBP", "BTC", "ETH"}
)

// ParsePair разбирает символ на base/quote
//
// Правила:
// 1. Если есть разделитель "-" - сплит по нему ("BTC-USDT" → BTC, USDT)
// 2. Иначе ищем самый длинный известный суффикс: 4 символа, потом 3
// 3. Fallback: последние 4 символа считаются quote (консервативно)
func ParsePair(symbol string) TradingPair {
	s := strings.ToUpper(strings.TrimSpace(symbol))

	if i := strings.Index(s, "-"); i > 0 && i < len(s)-1 {
		return TradingPair{Base: s[:i], Quote: s[i+1:]}
	}

	for _, q := range quoteSuffixes4 {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return TradingPair{Base: strings.TrimSuffix(s, q), Quote: q}
		}
	}
	for _, q := range quoteSuffixes3 {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return TradingPair{Base: strings.TrimSuffix(s, q), Quote: q}
		}
	}

	if len(s) > 4 {
		return TradingPair{Base: s[:len(s)-4], Quote: s[len(s)-4:]}
	}
	return TradingPair{Base: s, Quote: ""}
}

// Symbol возвращает каноничный символ пары ("BTC-USDT")
func (p TradingPair) Symbol() string {
	if p.Quote == "" {
		return p.Base
	}
	return p.Base + "-" + p.Quote
}

// SameQuote возвращает true если обе пары котируются в одной валюте
//
// Критично для арбитража: спред между BTC-USDT и BTC-USD может быть
// следствием депега стейблкоина, а не funding-расхождения.
func (p TradingPair) SameQuote(other TradingPair) bool {
	return p.Quote != "" && p.Quote == other.Quote
}
