package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"fundarb/internal/models"
)

// ============================================================
// RiskManager Tests
// ============================================================

func testRiskLimits() RiskLimits {
	warn := dec("0.8")
	return RiskLimits{
		NotionalPerVenue:      Limit{Max: dec("10000"), WarningThreshold: warn},
		NotionalPerSubaccount: Limit{Max: dec("10000"), WarningThreshold: warn},
		TotalNotional:         Limit{Max: dec("50000"), WarningThreshold: warn},
		MaxLeverage:           Limit{Max: dec("3"), WarningThreshold: warn},
		MaxHedgeGapPct:        dec("0.10"),
		MaxConcentrationPct:   Limit{Max: dec("0.5"), WarningThreshold: warn},
	}
}

func btcPair() models.TradingPair { return models.TradingPair{Base: "BTC", Quote: "USDT"} }
func ethPair() models.TradingPair { return models.TradingPair{Base: "ETH", Quote: "USDT"} }

func TestCheckPositionLimitsAllowsWithinLimits(t *testing.T) {
	r := NewRiskManager(testRiskLimits())
	allow, msgs, level := r.CheckPositionLimits("binance", "", btcPair(), dec("1000"), dec("1"))
	if !allow || level != RiskLow {
		t.Errorf("clean candidate = (%v, %v, %s), want allowed LOW", allow, msgs, level)
	}
}

func TestCheckPositionLimitsVenueBreach(t *testing.T) {
	r := NewRiskManager(testRiskLimits())
	r.TrackPosition(PositionInfo{ID: "p1", Venue: "binance", Pair: btcPair(), Side: models.SideLong, Notional: dec("9000")})

	allow, _, level := r.CheckPositionLimits("binance", "", ethPair(), dec("2000"), dec("1"))
	if allow || level != RiskCritical {
		t.Errorf("venue breach = (%v, %s), want rejected CRITICAL", allow, level)
	}

	// Другое венью не задето лимитом binance
	allow, _, _ = r.CheckPositionLimits("bybit", "", ethPair(), dec("2000"), dec("1"))
	if !allow {
		t.Error("another venue must not inherit the breach")
	}
}

func TestCheckPositionLimitsLeverage(t *testing.T) {
	r := NewRiskManager(testRiskLimits())
	allow, _, level := r.CheckPositionLimits("binance", "", btcPair(), dec("100"), dec("5"))
	if allow || level != RiskCritical {
		t.Errorf("leverage 5 over max 3 = (%v, %s), want rejected", allow, level)
	}

	// Плечо в зоне предупреждения (> 0.8·3 = 2.4)
	allow, msgs, level := r.CheckPositionLimits("binance", "", btcPair(), dec("100"), dec("2.5"))
	if !allow || level != RiskMedium {
		t.Errorf("leverage warning = (%v, %v, %s), want allowed MEDIUM", allow, msgs, level)
	}
}

func TestCheckPositionLimitsConcentration(t *testing.T) {
	r := NewRiskManager(testRiskLimits())
	r.TrackPosition(PositionInfo{ID: "p1", Venue: "binance", Pair: btcPair(), Side: models.SideLong, Notional: dec("1000")})
	r.TrackPosition(PositionInfo{ID: "p2", Venue: "bybit", Pair: ethPair(), Side: models.SideShort, Notional: dec("1000")})

	// После входа BTC займёт (1000+5000)/7000 ≈ 0.857 > 0.5
	allow, _, level := r.CheckPositionLimits("okx", "", btcPair(), dec("5000"), dec("1"))
	if allow || level != RiskCritical {
		t.Errorf("concentration breach = (%v, %s), want rejected", allow, level)
	}
}

func TestConcentrationSkipsSoleTokenBook(t *testing.T) {
	r := NewRiskManager(testRiskLimits())

	// Пустая книга: кандидат занял бы 100% по построению,
	// лимит концентрации не применяется
	if allow, msgs, _ := r.CheckPositionLimits("binance", "", btcPair(), dec("1000"), dec("1")); !allow {
		t.Errorf("first position rejected: %v", msgs)
	}

	// Обе ноги того же токена: диверсифицироваться всё ещё не от чего
	r.TrackPosition(PositionInfo{ID: "l", Venue: "binance", Pair: btcPair(), Side: models.SideLong, Notional: dec("1000")})
	r.TrackPosition(PositionInfo{ID: "s", Venue: "bybit", Pair: btcPair(), Side: models.SideShort, Notional: dec("1000")})
	if allow, msgs, _ := r.CheckPositionLimits("okx", "", btcPair(), dec("1000"), dec("1")); !allow {
		t.Errorf("sole-token book rejected: %v", msgs)
	}

	// Появился другой токен - проверка включается:
	// (2000+5000)/(2500+5000) ≈ 0.93 > 0.5
	r.TrackPosition(PositionInfo{ID: "e", Venue: "gate", Pair: ethPair(), Side: models.SideShort, Notional: dec("500")})
	if allow, _, _ := r.CheckPositionLimits("okx", "", btcPair(), dec("5000"), dec("1")); allow {
		t.Error("concentration must reject once other tokens are in the book")
	}
}

func TestUntrackPositionFreesLimit(t *testing.T) {
	r := NewRiskManager(testRiskLimits())
	r.TrackPosition(PositionInfo{ID: "p1", Venue: "binance", Pair: btcPair(), Side: models.SideLong, Notional: dec("9500")})

	if allow, _, _ := r.CheckPositionLimits("binance", "", btcPair(), dec("1000"), dec("1")); allow {
		t.Fatal("limit must be exhausted")
	}
	r.UntrackPosition("p1")
	if allow, _, _ := r.CheckPositionLimits("binance", "", btcPair(), dec("1000"), dec("1")); !allow {
		t.Error("untracked position must free the limit")
	}
}

// ============================================================
// Liquidity
// ============================================================

func TestCheckLiquidityRisk(t *testing.T) {
	r := NewRiskManager(testRiskLimits())

	// Нет данных - консервативный отказ
	if ok, reason, _ := r.CheckLiquidityRisk("binance", btcPair(), dec("100")); ok || reason != "no liquidity data" {
		t.Errorf("missing data = (%v, %q), want rejection", ok, reason)
	}

	r.UpdateLiquidity("binance", btcPair(), LiquidityMetrics{
		BidDepth1Pct: dec("10000"),
		AskDepth1Pct: dec("8000"),
	})

	// avail = min(10000, 8000) = 8000; notional 1000: impact 0.125
	ok, _, impact := r.CheckLiquidityRisk("binance", btcPair(), dec("1000"))
	if !ok {
		t.Fatal("small order must pass")
	}
	if !impact.Equal(dec("0.125")) {
		t.Errorf("impact = %s, want 0.125", impact)
	}

	// notional 7000 > 0.8·8000 = 6400 - отказ
	if ok, _, _ := r.CheckLiquidityRisk("binance", btcPair(), dec("7000")); ok {
		t.Error("order above 80% of depth must be rejected")
	}

	// impact > 0.5: notional 4500 / 8000 = 0.5625
	if ok, _, _ := r.CheckLiquidityRisk("binance", btcPair(), dec("4500")); ok {
		t.Error("order with impact above 0.5 must be rejected")
	}
}

// ============================================================
// Hedge gaps
// ============================================================

func TestHedgeGaps(t *testing.T) {
	r := NewRiskManager(testRiskLimits())
	r.TrackPosition(PositionInfo{ID: "l", Venue: "binance", Pair: btcPair(), Side: models.SideLong, Notional: dec("1000")})
	r.TrackPosition(PositionInfo{ID: "s", Venue: "bybit", Pair: btcPair(), Side: models.SideShort, Notional: dec("850")})

	gaps := r.HedgeGaps()
	if len(gaps) != 1 {
		t.Fatalf("gaps = %d, want 1", len(gaps))
	}
	g := gaps[0]
	// |1000−850| / 1000 = 0.15 > лимит 0.10
	if !g.GapPct.Equal(dec("0.15")) {
		t.Errorf("gap pct = %s, want 0.15", g.GapPct)
	}
	if !g.Violation {
		t.Error("15% gap must violate a 10% limit")
	}
}

func TestHedgeGapsBalanced(t *testing.T) {
	r := NewRiskManager(testRiskLimits())
	r.TrackPosition(PositionInfo{ID: "l", Venue: "binance", Pair: btcPair(), Side: models.SideLong, Notional: dec("1000")})
	r.TrackPosition(PositionInfo{ID: "s", Venue: "bybit", Pair: btcPair(), Side: models.SideShort, Notional: dec("1000")})

	gaps := r.HedgeGaps()
	if len(gaps) != 1 || gaps[0].Violation {
		t.Error("balanced hedge must not violate")
	}
}

// ============================================================
// Sizing
// ============================================================

func TestRiskMultiplier(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{RiskLow, "1"},
		{RiskMedium, "0.7"},
		{RiskHigh, "0.3"},
		{RiskCritical, "0"},
	}
	for _, tt := range tests {
		if got := RiskMultiplier(tt.level); !got.Equal(dec(tt.want)) {
			t.Errorf("RiskMultiplier(%s) = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestSizePosition(t *testing.T) {
	r := NewRiskManager(testRiskLimits())
	if got := r.SizePosition(dec("1000"), RiskMedium); !got.Equal(dec("700")) {
		t.Errorf("sized = %s, want 700", got)
	}
	if got := r.SizePosition(dec("1000"), RiskCritical); !got.Equal(decimal.Zero) {
		t.Errorf("critical sizing = %s, want 0", got)
	}
}
