package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Arbitrage Tests
// ============================================================

func TestFundingRingEviction(t *testing.T) {
	a := &Arbitrage{Token: "BTC"}

	for i := 0; i < FundingRingCapacity+10; i++ {
		a.AddFundingPayment(FundingPayment{
			Venue:  "binance",
			Amount: decimal.NewFromInt(int64(i)),
			PaidAt: time.Now(),
		})
	}

	if len(a.FundingPayments) != FundingRingCapacity {
		t.Fatalf("ring size = %d, want %d", len(a.FundingPayments), FundingRingCapacity)
	}

	// Первые 10 выплат вытеснены, буфер начинается с 10-й
	first := a.FundingPayments[0].Amount
	if !first.Equal(decimal.NewFromInt(10)) {
		t.Errorf("oldest retained payment = %s, want 10", first)
	}
	last := a.FundingPayments[len(a.FundingPayments)-1].Amount
	if !last.Equal(decimal.NewFromInt(int64(FundingRingCapacity + 9))) {
		t.Errorf("newest payment = %s, want %d", last, FundingRingCapacity+9)
	}
}

func TestFundingPnlIncludesDemoAccrual(t *testing.T) {
	a := &Arbitrage{
		Demo:                  true,
		DemoAccruedFundingPnl: decimal.NewFromFloat(1.5),
	}
	a.AddFundingPayment(FundingPayment{Amount: decimal.NewFromFloat(2.5)})
	a.AddFundingPayment(FundingPayment{Amount: decimal.NewFromFloat(-0.5)})

	if got := a.FundingPnl(); !got.Equal(decimal.NewFromFloat(3.5)) {
		t.Errorf("FundingPnl = %s, want 3.5", got)
	}
}

func TestAccrueDemoFunding(t *testing.T) {
	entry := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := &Arbitrage{
		Demo:          true,
		EntryTime:     entry,
		NotionalQuote: decimal.NewFromInt(1000),
	}

	// 6 часов при дневной разнице 0.0057: 0.0057·(6/24)·1000 = 1.425
	dailyDiff := decimal.NewFromFloat(0.0057)
	a.AccrueDemoFunding(dailyDiff, entry.Add(6*time.Hour))
	if got := a.FundingPnl(); !got.Equal(decimal.NewFromFloat(1.425)) {
		t.Errorf("accrued after 6h = %s, want 1.425", got)
	}

	// Повторный вызов тем же моментом ничего не доначисляет
	a.AccrueDemoFunding(dailyDiff, entry.Add(6*time.Hour))
	if got := a.FundingPnl(); !got.Equal(decimal.NewFromFloat(1.425)) {
		t.Errorf("idempotent re-accrual = %s, want 1.425", got)
	}

	// Ещё 18 часов - полные сутки: 0.0057·1000 = 5.7
	a.AccrueDemoFunding(dailyDiff, entry.Add(24*time.Hour))
	if got := a.FundingPnl(); !got.Equal(decimal.NewFromFloat(5.7)) {
		t.Errorf("accrued after 24h = %s, want 5.7", got)
	}
}

func TestExecutorsPnlSkipsUnavailable(t *testing.T) {
	longPnl := decimal.NewFromInt(10)
	a := &Arbitrage{
		LongLeg: Leg{NetPnlQuote: &longPnl},
		// short leg PnL not yet reported by the venue
	}
	if got := a.ExecutorsPnl(); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("ExecutorsPnl = %s, want 10", got)
	}
}

func TestImbalance(t *testing.T) {
	tests := []struct {
		name      string
		long      string
		short     string
		want      string
		wantOK    bool
	}{
		{"balanced", "1000", "1000", "0", true},
		{"five percent gap", "1000", "950", "0.05", true},
		{"long unfilled", "0", "1000", "0", false},
		{"short unfilled", "1000", "0", "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Arbitrage{
				LongLeg:  Leg{FilledNotional: decimal.RequireFromString(tt.long)},
				ShortLeg: Leg{FilledNotional: decimal.RequireFromString(tt.short)},
			}
			got, ok := a.Imbalance()
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("Imbalance = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	pnl := decimal.NewFromInt(5)
	closeTime := time.Now()
	a := &Arbitrage{
		Token:   "ETH",
		State:   StateActive,
		LongLeg: Leg{NetPnlQuote: &pnl},
		CloseTime: &closeTime,
	}
	a.AddFundingPayment(FundingPayment{Amount: decimal.NewFromInt(1)})

	snap := a.Snapshot()
	snap.FundingPayments[0].Amount = decimal.NewFromInt(99)
	*snap.LongLeg.NetPnlQuote = decimal.NewFromInt(99)

	if !a.FundingPayments[0].Amount.Equal(decimal.NewFromInt(1)) {
		t.Error("mutating snapshot funding payments leaked into original")
	}
	if !a.LongLeg.NetPnlQuote.Equal(decimal.NewFromInt(5)) {
		t.Error("mutating snapshot leg PnL leaked into original")
	}
}

func TestTouches(t *testing.T) {
	a := &Arbitrage{LongVenue: "binance", ShortVenue: "bybit"}
	if !a.Touches("binance") || !a.Touches("bybit") {
		t.Error("arbitrage must touch both its venues")
	}
	if a.Touches("okx") {
		t.Error("arbitrage must not touch an uninvolved venue")
	}
}
