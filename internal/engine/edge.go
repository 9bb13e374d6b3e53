package engine

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/models"
)

// ============================================================
// EdgeCalculator - декомпозиция ожидаемой доходности связки
// ============================================================
//
// Чистая decimal-арифметика без I/O:
//
//	total_edge = funding_pnl − fees − borrow − slippage − settlement_buffer
//
// Все ставки и деньги - decimal; float запрещён.

// FeeTable - taker-комиссии по венью (ставка от notional)
type FeeTable map[string]decimal.Decimal

// BorrowRates - дневные ставки заимствования по активам
type BorrowRates map[string]decimal.Decimal

// SlippageTable - ожидаемое проскальзывание по венью (ставка от notional)
type SlippageTable map[string]decimal.Decimal

// EdgeConfig - параметры расчёта
type EdgeConfig struct {
	Fees                FeeTable
	Borrow              BorrowRates
	Slippage            SlippageTable
	SettlementBufferBps decimal.Decimal // буфер риска расчёта, б.п.
	MinEdgeRequired     decimal.Decimal // в котируемой валюте
	DefaultTakerFee     decimal.Decimal // для венью без записи в таблице
	DefaultSlippage     decimal.Decimal
}

// EdgeCalculator вычисляет декомпозицию и выбирает лучшую комбинацию
type EdgeCalculator struct {
	cfg EdgeConfig
}

// NewEdgeCalculator создаёт калькулятор
func NewEdgeCalculator(cfg EdgeConfig) *EdgeCalculator {
	if cfg.DefaultTakerFee.IsZero() {
		cfg.DefaultTakerFee = decimal.NewFromFloat(0.0005) // 5 б.п.
	}
	return &EdgeCalculator{cfg: cfg}
}

func (c *EdgeCalculator) takerFee(venueName string) decimal.Decimal {
	if rate, ok := c.cfg.Fees[venueName]; ok {
		return rate
	}
	return c.cfg.DefaultTakerFee
}

func (c *EdgeCalculator) slippageRate(venueName string) decimal.Decimal {
	if rate, ok := c.cfg.Slippage[venueName]; ok {
		return rate
	}
	return c.cfg.DefaultSlippage
}

// EdgeInput - входные данные одного расчёта
type EdgeInput struct {
	Pair               models.TradingPair
	LongVenue          string
	ShortVenue         string
	LongRate           decimal.Decimal // ставка за интервал long-венью
	ShortRate          decimal.Decimal
	Notional           decimal.Decimal
	LeverageLong       decimal.Decimal
	LeverageShort      decimal.Decimal
	FundingPeriodHours decimal.Decimal
}

// CalculateEdge возвращает полную декомпозицию доходности
func (c *EdgeCalculator) CalculateEdge(in EdgeInput) models.EdgeDecomposition {
	one := decimal.NewFromInt(1)
	dayHours := decimal.NewFromInt(24)

	fundingDiff := in.ShortRate.Sub(in.LongRate)
	fundingPnl := fundingDiff.Mul(in.Notional)

	// Комиссии: taker на открытие и закрытие каждой ноги
	feesPerLeg := make(map[string]models.LegFees, 2)
	feesTotal := decimal.Zero
	for _, v := range []string{in.LongVenue, in.ShortVenue} {
		fee := c.takerFee(v).Mul(in.Notional)
		feesPerLeg[v] = models.LegFees{Open: fee, Close: fee}
		feesTotal = feesTotal.Add(fee).Add(fee)
	}

	// Заимствование: только для ног с плечом > 1.
	// borrow = (lev−1)/lev · notional · rate(asset) · period/24
	borrowPerAsset := make(map[string]decimal.Decimal)
	borrowTotal := decimal.Zero
	periodFrac := in.FundingPeriodHours.Div(dayHours)
	for _, leg := range []struct {
		lev   decimal.Decimal
		asset string
	}{
		{in.LeverageLong, in.Pair.Quote}, // long занимает котируемую валюту
		{in.LeverageShort, in.Pair.Base}, // short занимает базовый актив
	} {
		if leg.lev.LessThanOrEqual(one) {
			continue
		}
		rate, ok := c.cfg.Borrow[leg.asset]
		if !ok {
			continue
		}
		amount := leg.lev.Sub(one).Div(leg.lev).
			Mul(in.Notional).Mul(rate).Mul(periodFrac)
		borrowPerAsset[leg.asset] = borrowPerAsset[leg.asset].Add(amount)
		borrowTotal = borrowTotal.Add(amount)
	}

	slippagePerVenue := make(map[string]decimal.Decimal, 2)
	slippageTotal := decimal.Zero
	for _, v := range []string{in.LongVenue, in.ShortVenue} {
		s := c.slippageRate(v).Mul(in.Notional)
		slippagePerVenue[v] = s
		slippageTotal = slippageTotal.Add(s)
	}

	settlementBuffer := c.cfg.SettlementBufferBps.
		Div(decimal.NewFromInt(10000)).Mul(in.Notional)

	totalEdge := fundingPnl.
		Sub(feesTotal).
		Sub(borrowTotal).
		Sub(slippageTotal).
		Sub(settlementBuffer)

	return models.EdgeDecomposition{
		Pair:               in.Pair,
		LongVenue:          in.LongVenue,
		ShortVenue:         in.ShortVenue,
		Timestamp:          time.Now().UTC(),
		FundingDiff:        fundingDiff,
		ExpectedFundingPnl: fundingPnl,
		FeesTotal:          feesTotal,
		FeesPerLeg:         feesPerLeg,
		BorrowTotal:        borrowTotal,
		BorrowPerAsset:     borrowPerAsset,
		SlippageTotal:      slippageTotal,
		SlippagePerVenue:   slippagePerVenue,
		SettlementBuffer:   settlementBuffer,
		Notional:           in.Notional,
		LeverageLong:       in.LeverageLong,
		LeverageShort:      in.LeverageShort,
		TotalEdge:          totalEdge,
		MinEdgeRequired:    c.cfg.MinEdgeRequired,
		IsProfitable:       totalEdge.GreaterThanOrEqual(c.cfg.MinEdgeRequired),
	}
}

// RoundTripFees возвращает суммарные round-trip комиссии обеих ног
func (c *EdgeCalculator) RoundTripFees(longVenue, shortVenue string, notional decimal.Decimal) decimal.Decimal {
	two := decimal.NewFromInt(2)
	return c.takerFee(longVenue).Mul(notional).Mul(two).
		Add(c.takerFee(shortVenue).Mul(notional).Mul(two))
}

// ============================================================
// Выбор лучшей комбинации венью
// ============================================================

// Combination - кандидат на открытие связки
type Combination struct {
	Pair       models.TradingPair
	LongVenue  string // платим funding (ставка ниже)
	ShortVenue string // получаем funding (ставка выше)
	LongInfo   *models.FundingInfo
	ShortInfo  *models.FundingInfo
	DailyDiff  decimal.Decimal // |Δставки|, нормализованной к суткам
}

// GetMostProfitableCombination выбирает лучшую пару венью из отчёта
//
// Перебирает упорядоченные пары, ранжирует по дневной разнице ставок.
// Пары с разными котируемыми валютами пропускаются: расхождение
// стейблкоинов создаёт ложный арбитраж.
func (c *EdgeCalculator) GetMostProfitableCombination(report []*models.FundingInfo) *Combination {
	valid := make([]*models.FundingInfo, 0, len(report))
	for _, fi := range report {
		if fi.Validate() {
			valid = append(valid, fi)
		}
	}
	if len(valid) < 2 {
		return nil
	}

	var best *Combination
	for i := 0; i < len(valid); i++ {
		for j := 0; j < len(valid); j++ {
			if i == j {
				continue
			}
			long, short := valid[i], valid[j]
			if !long.Pair.SameQuote(short.Pair) {
				continue
			}
			// long платит меньше, short получает больше
			if !short.DailyRate().GreaterThan(long.DailyRate()) {
				continue
			}
			diff := short.DailyRate().Sub(long.DailyRate())
			if best == nil || diff.GreaterThan(best.DailyDiff) {
				best = &Combination{
					Pair:       long.Pair,
					LongVenue:  long.Venue,
					ShortVenue: short.Venue,
					LongInfo:   long,
					ShortInfo:  short,
					DailyDiff:  diff,
				}
			}
		}
	}
	return best
}

// RankCombinations возвращает все валидные комбинации по убыванию разницы
func (c *EdgeCalculator) RankCombinations(report []*models.FundingInfo) []Combination {
	out := make([]Combination, 0)
	for i := 0; i < len(report); i++ {
		for j := 0; j < len(report); j++ {
			if i == j || !report[i].Validate() || !report[j].Validate() {
				continue
			}
			long, short := report[i], report[j]
			if !long.Pair.SameQuote(short.Pair) {
				continue
			}
			diff := short.DailyRate().Sub(long.DailyRate())
			if !diff.IsPositive() {
				continue
			}
			out = append(out, Combination{
				Pair:       long.Pair,
				LongVenue:  long.Venue,
				ShortVenue: short.Venue,
				LongInfo:   long,
				ShortInfo:  short,
				DailyDiff:  diff,
			})
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].DailyDiff.GreaterThan(out[b].DailyDiff) })
	return out
}
