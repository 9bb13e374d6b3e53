package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/alert"
	"fundarb/internal/models"
	"fundarb/internal/venue"
	"fundarb/pkg/ratelimit"
)

// ============================================================
// LifecycleEngine scenario tests (demo venues)
// ============================================================

type demoRig struct {
	eng   *Engine
	alpha *venue.DemoVenue
	beta  *venue.DemoVenue
	sched *SettlementScheduler
}

// setFunding выставляет ставки обеих бирж для BTCUSDT
func (r *demoRig) setFunding(alphaRate, betaRate string) {
	p := pairOf("BTC")
	for v, rate := range map[*venue.DemoVenue]string{r.alpha: alphaRate, r.beta: betaRate} {
		v.SetFunding(&models.FundingInfo{
			Pair:            p,
			Rate:            dec(rate),
			IntervalSeconds: 8 * 3600,
			ObservedAt:      time.Now(),
		})
	}
}

// newDemoRig собирает движок на двух симуляторах с плоскими стаканами
func newDemoRig(t *testing.T) *demoRig {
	return newDemoRigOpts(t, 0, nil)
}

func newDemoRigOpts(t *testing.T, fillDelay time.Duration, alerts *alert.Dispatcher) *demoRig {
	t.Helper()

	rig := &demoRig{
		alpha: venue.NewDemoVenue(venue.DemoConfig{Name: "alpha", QuoteAsset: "USDT", FillDelay: fillDelay}),
		beta:  venue.NewDemoVenue(venue.DemoConfig{Name: "beta", QuoteAsset: "USDT", FillDelay: fillDelay}),
	}
	p := pairOf("BTC")
	for _, v := range []*venue.DemoVenue{rig.alpha, rig.beta} {
		v.SetBalance("USDT", dec("100000"))
		v.SetOrderBook(&models.OrderBookSnapshot{
			Pair: p,
			Bids: []models.PriceLevel{{Price: dec("100"), Volume: dec("1000")}},
			Asks: []models.PriceLevel{{Price: dec("100"), Volume: dec("1000")}},
			Mid:  dec("100"),
		})
	}
	// alpha дешевле занимать long, beta платит short
	rig.setFunding("0.0001", "0.002")

	venues := map[string]venue.Venue{"alpha": rig.alpha, "beta": rig.beta}
	limiter := ratelimit.New(ratelimit.Config{Disabled: true})

	sched := NewSettlementScheduler(DefaultSchedulerConfig())
	fixed, _ := time.Parse(time.RFC3339, "2026-03-10T12:00:00Z")
	sched.now = func() time.Time { return fixed }
	rig.sched = sched

	edge := NewEdgeCalculator(EdgeConfig{
		Fees:            FeeTable{"alpha": dec("0.00001"), "beta": dec("0.00001")},
		MinEdgeRequired: dec("0.1"),
	})

	cfg := Config{
		TickInterval:                 10 * time.Millisecond,
		Tokens:                       []string{"BTC"},
		QuoteAsset:                   "USDT",
		MinFundingRateDiff:           dec("0.001"),
		FundingRateDiffStopLoss:      dec("0.001"),
		FundingPeriodHours:           dec("8"),
		MaxSlippagePct:               dec("0.01"),
		PendingValidationTimeout:     5 * time.Second,
		PendingValidationMaxAttempts: 100,
		CloseValidationTimeout:       5 * time.Second,
		PositionSizeQuote:            dec("1000"),
		MaxPositionImbalancePct:      dec("0.05"),
		Leverage:                     decimal.NewFromInt(1),
		Demo:                         true,
	}

	rig.eng = New(cfg, Deps{
		Venues:   venues,
		Executor: NewExecutor(venues, limiter, time.Second),
		Limiter:  limiter,
		Sched:    sched,
		Edge:     edge,
		Risk:     NewRiskManager(testRiskLimits()),
		Alerts:   alerts,
	})
	return rig
}

// pump крутит актор вручную до выполнения условия
func pump(t *testing.T, e *Engine, cond func() bool, what string) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		e.drainInbox()
		e.tick(ctx)
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", what)
}

func TestEngineOpensArbitrageFromScan(t *testing.T) {
	rig := newDemoRig(t)
	e := rig.eng

	pump(t, e, func() bool {
		a, ok := e.book.get("BTC")
		return ok && a.State == models.StateActive
	}, "arbitrage ACTIVE after scan and fill validation")

	a, _ := e.book.get("BTC")
	if a.LongVenue != "alpha" || a.ShortVenue != "beta" {
		t.Errorf("legs = long %s / short %s, want alpha/beta", a.LongVenue, a.ShortVenue)
	}
	if !a.LongLeg.FilledNotional.IsPositive() || !a.ShortLeg.FilledNotional.IsPositive() {
		t.Error("both legs must be filled")
	}
	if !a.Demo {
		t.Error("demo flag must propagate")
	}

	// Ноги зарегистрированы в риск-менеджере
	if got := len(e.risk.Positions()); got != 2 {
		t.Errorf("tracked positions = %d, want 2", got)
	}

	// Второго арбитража на токен не появляется
	e.drainInbox()
	e.tick(context.Background())
	if got := len(e.book.live); got != 1 {
		t.Errorf("live arbitrages = %d, want 1", got)
	}
}

func TestEngineClosesOnFundingStopLoss(t *testing.T) {
	rig := newDemoRig(t)
	e := rig.eng

	pump(t, e, func() bool {
		a, ok := e.book.get("BTC")
		return ok && a.State == models.StateActive
	}, "arbitrage ACTIVE")

	// Ставки схлопнулись: дневная разница ниже стоп-лосса
	rig.setFunding("0.0001", "0.0001")

	pump(t, e, func() bool {
		_, live := e.book.get("BTC")
		return !live
	}, "arbitrage closed after funding deterioration")

	arch := e.book.snapshotArchive("BTC")
	if len(arch) != 1 {
		t.Fatalf("archive = %d, want 1", len(arch))
	}
	closed := arch[0]
	if closed.State != models.StateClosed {
		t.Errorf("archived state = %s", closed.State)
	}
	if closed.CloseReason != "funding stop loss" {
		t.Errorf("close reason = %q", closed.CloseReason)
	}
	if closed.CloseTime == nil {
		t.Error("close time must be stamped")
	}

	// Риск-таблица очищена
	if got := len(e.risk.Positions()); got != 0 {
		t.Errorf("tracked positions after close = %d, want 0", got)
	}
}

func TestEngineTakesProfitOnAccruedFunding(t *testing.T) {
	rig := newDemoRig(t)
	e := rig.eng
	// Микроскопическая цель: первое же начисление funding её превышает
	e.cfg.ProfitabilityToTakeProfit = dec("0.0000000001")

	// ACTIVE может прожить меньше тика - ждём появления, затем закрытия
	pump(t, e, func() bool {
		_, ok := e.book.get("BTC")
		return ok
	}, "arbitrage opened")

	pump(t, e, func() bool {
		_, live := e.book.get("BTC")
		return !live
	}, "take profit close on accrued demo funding")

	arch := e.book.snapshotArchive("BTC")
	if len(arch) != 1 {
		t.Fatalf("archive = %d, want 1", len(arch))
	}
	closed := arch[0]
	if closed.CloseReason != "take profit" {
		t.Errorf("close reason = %q, want take profit", closed.CloseReason)
	}
	if !closed.DemoAccruedFundingPnl.IsPositive() {
		t.Error("demo funding must accrue while the position is held")
	}

	// Закрытый PnL попадает и в дневную статистику
	e.emitStats()
	stats := e.LastStats()
	if !stats.RealizedPnlToday.Equal(stats.RealizedPnl) {
		t.Errorf("realized today = %s, realized = %s, want equal within one day",
			stats.RealizedPnlToday, stats.RealizedPnl)
	}
}

// captureSink копит алерты для проверок
type captureSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Send(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) has(alertType string, severity alert.Severity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.Type == alertType && a.Severity == severity {
			return true
		}
	}
	return false
}

func TestEnginePendingTimeoutClosesWithCriticalAlert(t *testing.T) {
	sink := &captureSink{}
	// Fills заморожены на час: валидация PENDING обязана упереться в таймаут
	rig := newDemoRigOpts(t, time.Hour, alert.NewDispatcher(time.Minute, sink))
	e := rig.eng
	e.cfg.PendingValidationTimeout = 50 * time.Millisecond

	pump(t, e, func() bool {
		_, ok := e.book.get("BTC")
		return ok
	}, "arbitrage PENDING with frozen fills")

	pump(t, e, func() bool {
		_, live := e.book.get("BTC")
		return !live
	}, "pending timeout close")

	arch := e.book.snapshotArchive("BTC")
	if len(arch) != 1 {
		t.Fatalf("archive = %d, want 1", len(arch))
	}
	if arch[0].CloseReason != "pending timeout" {
		t.Errorf("close reason = %q, want pending timeout", arch[0].CloseReason)
	}

	// Критический алерт о провале валидации (доставка асинхронная)
	deadline := time.Now().Add(2 * time.Second)
	for !sink.has(alert.TypeValidationFailed, alert.SeverityCritical) {
		if time.Now().After(deadline) {
			t.Fatal("no critical validation alert delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineOnClosedCallback(t *testing.T) {
	rig := newDemoRig(t)
	e := rig.eng

	var mu sync.Mutex
	var persisted []*models.Arbitrage
	e.onClosed = func(a *models.Arbitrage) {
		mu.Lock()
		persisted = append(persisted, a)
		mu.Unlock()
	}

	pump(t, e, func() bool {
		a, ok := e.book.get("BTC")
		return ok && a.State == models.StateActive
	}, "arbitrage ACTIVE")

	rig.setFunding("0.0001", "0.0001")
	pump(t, e, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(persisted) == 1
	}, "closed arbitrage handed to persistence callback")

	mu.Lock()
	defer mu.Unlock()
	if persisted[0].Token != "BTC" || persisted[0].State != models.StateClosed {
		t.Errorf("persisted = %+v", persisted[0])
	}
}

func TestEngineRespectsEmergencyStop(t *testing.T) {
	rig := newDemoRig(t)
	e := rig.eng

	recon := NewReconciler(DefaultReconcilerConfig(), nil, e.risk, AutoFixCallbacks{}, nil)
	recon.emergencyStop.Store(true)
	e.recon = recon

	if ok, reason := e.canScan(); ok || reason != "emergency_stop" {
		t.Errorf("canScan = (%v, %q), want emergency_stop", ok, reason)
	}

	// Несколько тиков не должны ничего открыть
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e.drainInbox()
		e.tick(ctx)
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(e.book.live); got != 0 {
		t.Errorf("live arbitrages under emergency stop = %d, want 0", got)
	}
}

func TestEngineLowFundingDiffRejected(t *testing.T) {
	rig := newDemoRig(t)
	e := rig.eng

	// Разница есть, но ниже порога входа
	rig.setFunding("0.0001", "0.0002")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e.drainInbox()
		e.tick(ctx)
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(e.book.live); got != 0 {
		t.Errorf("live arbitrages = %d, want 0 below the funding diff threshold", got)
	}
}

func TestEngineConnectionEvents(t *testing.T) {
	rig := newDemoRig(t)
	e := rig.eng

	e.applyEvent(venue.Event{
		Kind:  venue.EventConnectionStatus,
		Venue: "alpha",
		Time:  time.Now(),
		Connection: &models.ConnectionStatus{
			Venue:    "alpha",
			Channel:  "ws",
			State:    models.ConnStateOK,
			LastSeen: time.Now(),
		},
	})

	conns := e.Connections()
	if len(conns) != 1 || conns[0].Venue != "alpha" || conns[0].Channel != "ws" {
		t.Errorf("connections = %+v", conns)
	}
}

func TestEngineSnapshotsForReaders(t *testing.T) {
	rig := newDemoRig(t)
	e := rig.eng

	pump(t, e, func() bool {
		a, ok := e.book.get("BTC")
		return ok && a.State == models.StateActive
	}, "arbitrage ACTIVE")
	e.publishSnapshot()

	live := e.LiveArbitrages()
	if len(live) != 1 {
		t.Fatalf("live snapshot = %d, want 1", len(live))
	}
	// Снапшот изолирован от актора
	live[0].State = models.StateClosed
	if a, _ := e.book.get("BTC"); a.State != models.StateActive {
		t.Error("reader snapshot must not alias actor state")
	}
}
