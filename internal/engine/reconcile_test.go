package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/models"
	"fundarb/pkg/ratelimit"
	"fundarb/internal/venue"
)

// ============================================================
// Reconciler Tests
// ============================================================

func pairOf(base string) models.TradingPair {
	return models.TradingPair{Base: base, Quote: "USDT"}
}

// openDemoPosition заводит исполненную позицию на симуляторе
func openDemoPosition(t *testing.T, v *venue.DemoVenue, base string, mid, amount string) {
	t.Helper()
	p := pairOf(base)
	v.SetOrderBook(&models.OrderBookSnapshot{
		Pair: p,
		Bids: []models.PriceLevel{{Price: dec(mid), Volume: dec("100")}},
		Asks: []models.PriceLevel{{Price: dec(mid), Volume: dec("100")}},
		Mid:  dec(mid),
	})
	if _, err := v.PlaceOrder(context.Background(), venue.OrderRequest{
		Pair:   p,
		Side:   venue.OrderSideBuy,
		Type:   venue.OrderTypeMarket,
		Amount: dec(amount),
	}); err != nil {
		t.Fatalf("place order: %v", err)
	}

	// Исполнение асинхронное, ждём появления позиции
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		positions, err := v.GetOpenPositions(context.Background())
		if err == nil {
			for _, pos := range positions {
				if pos.Pair.Symbol() == p.Symbol() {
					return
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("demo fill for %s did not materialize", base)
}

func TestReconcileMissingPosition(t *testing.T) {
	risk := NewRiskManager(testRiskLimits())
	risk.TrackPosition(PositionInfo{ID: "p1", Venue: "demo", Pair: pairOf("BTC"), Side: models.SideLong, Notional: dec("1000")})

	v := venue.NewDemoVenue(venue.DemoConfig{Name: "demo"})

	opened := 0
	fixes := AutoFixCallbacks{
		OpenPosition: func(_ context.Context, d Discrepancy) error {
			opened++
			return nil
		},
	}
	r := NewReconciler(DefaultReconcilerConfig(), map[string]venue.Venue{"demo": v}, risk, fixes, nil)

	discrepancies := r.RunCycle(context.Background())
	if len(discrepancies) != 1 {
		t.Fatalf("discrepancies = %d, want 1", len(discrepancies))
	}
	d := discrepancies[0]
	if d.Kind != DiscPositionMissing || d.Severity != SeverityHigh || d.Suggested != FixAutoOpen {
		t.Errorf("discrepancy = %+v", d)
	}
	if opened != 1 {
		t.Errorf("auto-open called %d times, want 1", opened)
	}
}

func TestReconcileExtraPosition(t *testing.T) {
	v := venue.NewDemoVenue(venue.DemoConfig{Name: "demo"})
	openDemoPosition(t, v, "BTC", "100", "1")

	closed := 0
	fixes := AutoFixCallbacks{
		ClosePosition: func(_ context.Context, d Discrepancy) error {
			closed++
			return nil
		},
	}
	risk := NewRiskManager(testRiskLimits())
	r := NewReconciler(DefaultReconcilerConfig(), map[string]venue.Venue{"demo": v}, risk, fixes, nil)

	discrepancies := r.RunCycle(context.Background())
	if len(discrepancies) != 1 {
		t.Fatalf("discrepancies = %d, want 1", len(discrepancies))
	}
	d := discrepancies[0]
	if d.Kind != DiscPositionExtra || d.Severity != SeverityMedium || d.Suggested != FixAutoClose {
		t.Errorf("discrepancy = %+v", d)
	}
	if closed != 1 {
		t.Errorf("auto-close called %d times, want 1", closed)
	}
}

func TestCompareSizeClassification(t *testing.T) {
	r := NewReconciler(DefaultReconcilerConfig(), nil, nil, AutoFixCallbacks{}, nil)
	now := time.Now()
	exp := PositionInfo{Venue: "demo", Pair: pairOf("BTC"), Side: models.SideLong, Notional: dec("1000")}

	actual := func(notional string) *models.Position {
		return &models.Position{Venue: "demo", Pair: pairOf("BTC"), Side: models.SideLong, NotionalQuote: dec(notional)}
	}

	// В пределах допуска 1% - не расхождение
	if out := r.compareSize(exp, actual("995"), now); len(out) != 0 {
		t.Errorf("0.5%% delta flagged: %+v", out)
	}

	// 5% - MEDIUM с авто-починкой (дельта 50 ≤ max_auto_fix 1000)
	out := r.compareSize(exp, actual("950"), now)
	if len(out) != 1 || out[0].Severity != SeverityMedium || !out[0].AutoFix || out[0].Suggested != FixAutoAdjust {
		t.Errorf("5%% delta = %+v, want MEDIUM auto-adjust", out)
	}

	// >10% - CRITICAL, только ручной разбор
	out = r.compareSize(exp, actual("800"), now)
	if len(out) != 1 || out[0].Severity != SeverityCritical || out[0].AutoFix || out[0].Suggested != FixManualReview {
		t.Errorf("20%% delta = %+v, want CRITICAL manual review", out)
	}
}

func TestCompareSizeAutoFixCap(t *testing.T) {
	cfg := DefaultReconcilerConfig()
	cfg.MaxAutoFix = dec("10")
	r := NewReconciler(cfg, nil, nil, AutoFixCallbacks{}, nil)

	exp := PositionInfo{Venue: "demo", Pair: pairOf("BTC"), Side: models.SideLong, Notional: dec("1000")}
	act := &models.Position{Venue: "demo", Pair: pairOf("BTC"), Side: models.SideLong, NotionalQuote: dec("950")}

	// Дельта 50 выше потолка авто-починки - ручной разбор
	out := r.compareSize(exp, act, time.Now())
	if len(out) != 1 || out[0].AutoFix || out[0].Suggested != FixManualReview {
		t.Errorf("delta above auto-fix cap = %+v, want manual review", out)
	}
}

func TestReconcileBalances(t *testing.T) {
	v := venue.NewDemoVenue(venue.DemoConfig{Name: "demo", QuoteAsset: "USDT"})
	v.SetBalance("USDT", dec("800"))

	cfg := DefaultReconcilerConfig()
	cfg.ExpectedAssets = []string{"USDT"}
	provider := func(venueName, asset string) (decimal.Decimal, bool) {
		return dec("1000"), true
	}
	risk := NewRiskManager(testRiskLimits())
	r := NewReconciler(cfg, map[string]venue.Venue{"demo": v}, risk, AutoFixCallbacks{}, provider)

	discrepancies := r.RunCycle(context.Background())
	if len(discrepancies) != 1 {
		t.Fatalf("discrepancies = %d, want 1", len(discrepancies))
	}
	d := discrepancies[0]
	// Дельта 20% выше критического порога 10% - HIGH
	if d.Kind != DiscBalanceMismatch || d.Severity != SeverityHigh {
		t.Errorf("discrepancy = %+v", d)
	}
	if !d.DeltaPct.Equal(dec("0.2")) {
		t.Errorf("delta pct = %s, want 0.2", d.DeltaPct)
	}

	// Расхождение в пределах 2% не считается
	v.SetBalance("USDT", dec("990"))
	if out := r.RunCycle(context.Background()); len(out) != 0 {
		t.Errorf("1%% balance delta flagged: %+v", out)
	}
}

func TestEmergencyStopOnCriticalBurst(t *testing.T) {
	v := venue.NewDemoVenue(venue.DemoConfig{Name: "demo"})
	risk := NewRiskManager(testRiskLimits())

	// Три пары с расхождением размера >10% - три CRITICAL за цикл
	for i, base := range []string{"BTC", "ETH", "SOL"} {
		openDemoPosition(t, v, base, "100", "1") // фактический notional 100
		risk.TrackPosition(PositionInfo{
			ID:       fmt.Sprintf("p%d", i),
			Venue:    "demo",
			Pair:     pairOf(base),
			Side:     models.SideLong,
			Notional: dec("200"), // ожидание вдвое больше факта
		})
	}

	r := NewReconciler(DefaultReconcilerConfig(), map[string]venue.Venue{"demo": v}, risk, AutoFixCallbacks{}, nil)
	discrepancies := r.RunCycle(context.Background())

	criticals := 0
	for _, d := range discrepancies {
		if d.Severity == SeverityCritical {
			criticals++
		}
	}
	if criticals != 3 {
		t.Fatalf("criticals = %d, want 3", criticals)
	}
	if !r.EmergencyStop() {
		t.Error("three criticals in one cycle must raise the emergency stop")
	}

	r.ClearEmergencyStop()
	if r.EmergencyStop() {
		t.Error("operator reset must clear the emergency stop")
	}
}

func TestExecutorAutoFixRoundTrip(t *testing.T) {
	v := venue.NewDemoVenue(venue.DemoConfig{Name: "demo", QuoteAsset: "USDT"})
	v.SetBalance("USDT", dec("100000"))
	limiter := ratelimit.New(ratelimit.Config{Disabled: true})
	ex := NewExecutor(map[string]venue.Venue{"demo": v}, limiter, time.Second)
	ctx := context.Background()

	positionCount := func() int {
		positions, err := v.GetOpenPositions(ctx)
		if err != nil {
			t.Fatalf("open positions: %v", err)
		}
		return len(positions)
	}
	waitFor := func(want int, what string) {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if positionCount() == want {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("%s: positions = %d, want %d", what, positionCount(), want)
	}

	openDemoPosition(t, v, "BTC", "100", "1")

	// Лишняя позиция закрывается reduce-only ордером
	if err := ex.FlattenPosition(ctx, Discrepancy{
		Venue:  "demo",
		Pair:   pairOf("BTC").Symbol(),
		Side:   models.SideLong,
		Actual: dec("100"),
	}); err != nil {
		t.Fatalf("FlattenPosition: %v", err)
	}
	waitFor(0, "flatten")

	// Пропавшая нога восстанавливается на ожидаемый размер
	if err := ex.RestorePosition(ctx, Discrepancy{
		Venue:    "demo",
		Pair:     pairOf("BTC").Symbol(),
		Side:     models.SideLong,
		Expected: dec("500"),
	}); err != nil {
		t.Fatalf("RestorePosition: %v", err)
	}
	waitFor(1, "restore")

	positions, err := v.GetOpenPositions(ctx)
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	if got := positions[0]; got.Side != models.SideLong || !got.NotionalQuote.Equal(dec("500")) {
		t.Errorf("restored position = %s %s, want LONG 500", got.Side, got.NotionalQuote)
	}
}

func TestReconcileHistoryPruning(t *testing.T) {
	risk := NewRiskManager(testRiskLimits())
	risk.TrackPosition(PositionInfo{ID: "p1", Venue: "demo", Pair: pairOf("BTC"), Side: models.SideLong, Notional: dec("1000")})

	v := venue.NewDemoVenue(venue.DemoConfig{Name: "demo"})
	cfg := DefaultReconcilerConfig()
	cfg.HistoryWindow = 20 * time.Millisecond
	r := NewReconciler(cfg, map[string]venue.Venue{"demo": v}, risk, AutoFixCallbacks{}, nil)

	r.RunCycle(context.Background())
	if len(r.History()) != 1 {
		t.Fatalf("history = %d, want 1", len(r.History()))
	}

	// После окна старые записи вымываются следующим циклом
	risk.UntrackPosition("p1")
	time.Sleep(30 * time.Millisecond)
	r.RunCycle(context.Background())
	if got := len(r.History()); got != 0 {
		t.Errorf("history after window = %d, want 0", got)
	}

	s := r.Summarize()
	if s.HistoryCount != 0 || s.EmergencyStop {
		t.Errorf("summary = %+v", s)
	}
}
