package main

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/config"
	"fundarb/internal/models"
	"fundarb/internal/venue"
	"fundarb/pkg/utils"
)

// Демо-котировки: базовые цены токенов для симуляторов
var demoBasePrices = map[string]float64{
	"BTC": 65000,
	"ETH": 3200,
	"SOL": 150,
	"XRP": 0.55,
}

// runDemoFeed наполняет симуляторы рыночными данными
//
// Ставки фандинга расходятся между площадками: первая площадка держит
// заметно положительную ставку, остальные - около нуля или
// отрицательную, так что сканеру регулярно есть что открывать.
func runDemoFeed(ctx context.Context, cfg *config.Config, venues map[string]venue.Venue) {
	log := utils.ComponentLogger("demo_feed")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	refresh := cfg.Trading.TickInterval
	if refresh < time.Second {
		refresh = time.Second
	}

	seed := func() {
		now := time.Now().UTC()
		for _, token := range cfg.Trading.Tokens {
			pair := models.TradingPair{Base: token, Quote: cfg.Trading.QuoteAsset}
			base := demoBasePrices[token]
			if base == 0 {
				base = 100
			}

			i := 0
			for name, v := range venues {
				demo, ok := v.(*venue.DemoVenue)
				if !ok {
					continue
				}

				// Расхождение ставок между площадками
				rate := 0.0002 + rng.Float64()*0.0002
				if i%2 == 1 {
					rate = -0.0001 - rng.Float64()*0.0001
				}
				// Небольшой ценовой разброс между площадками
				price := base * (1 + (rng.Float64()-0.5)*0.0004)

				hours := venue.TraitsFor(name).SettlementHoursUTC
				demo.SetFunding(&models.FundingInfo{
					Venue:           name,
					Pair:            pair,
					Rate:            decimal.NewFromFloat(rate),
					IntervalSeconds: 8 * 3600,
					NextSettlement:  utils.NextSettlement(now, hours),
					MarkPrice:       decimal.NewFromFloat(price),
					IndexPrice:      decimal.NewFromFloat(base),
					ObservedAt:      now,
				})
				demo.SetOrderBook(syntheticBook(name, pair, price, now))
				i++
			}
		}
	}

	seed()
	log.Info().Int("tokens", len(cfg.Trading.Tokens)).Int("venues", len(venues)).Msg("demo market feed started")

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seed()
		}
	}
}

// syntheticBook строит стакан из 25 уровней с глубокой ликвидностью
func syntheticBook(venueName string, pair models.TradingPair, mid float64, now time.Time) *models.OrderBookSnapshot {
	const levels = 25
	const step = 0.0002    // 2 б.п. между уровнями
	const levelQuote = 50000 // notional одного уровня в котируемой валюте

	bids := make([]models.PriceLevel, 0, levels)
	asks := make([]models.PriceLevel, 0, levels)
	for i := 1; i <= levels; i++ {
		bidPrice := mid * (1 - step*float64(i))
		askPrice := mid * (1 + step*float64(i))
		bids = append(bids, models.PriceLevel{
			Price:  decimal.NewFromFloat(bidPrice),
			Volume: decimal.NewFromFloat(levelQuote / bidPrice),
		})
		asks = append(asks, models.PriceLevel{
			Price:  decimal.NewFromFloat(askPrice),
			Volume: decimal.NewFromFloat(levelQuote / askPrice),
		})
	}

	return &models.OrderBookSnapshot{
		Venue:     venueName,
		Pair:      pair,
		Bids:      bids,
		Asks:      asks,
		Mid:       decimal.NewFromFloat(mid),
		Timestamp: now,
	}
}
