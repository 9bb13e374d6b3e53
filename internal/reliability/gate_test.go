package reliability

import (
	"testing"
	"time"

	"fundarb/internal/models"
	"fundarb/pkg/ratelimit"
)

// ============================================================
// ReliabilityGate Tests
// ============================================================

func healthyGateParts() (*TimeSyncMonitor, *BreakerSet, *TradingReadiness) {
	ts := NewTimeSyncMonitor(DefaultTimeSyncConfig(), nil)
	bs := NewBreakerSet(BreakerSetConfig{})
	rd := NewTradingReadiness(testReadinessConfig(), nil, nil)
	rd.Evaluate()
	return ts, bs, rd
}

func TestGateAllHealthy(t *testing.T) {
	ts, bs, rd := healthyGateParts()
	g := NewGate(ts, bs, rd, nil)

	ok, reason := g.CanTrade()
	if !ok || reason != "ok" {
		t.Errorf("CanTrade = (%v, %q), want (true, ok)", ok, reason)
	}
}

func TestGateReasonOrdering(t *testing.T) {
	// Несколько подсистем блокируют одновременно: причина -
	// первая по фиксированному порядку (дрейф → предохранители → готовность)
	ts := NewTimeSyncMonitor(TimeSyncConfig{
		Servers:            []string{"a"},
		MaxDriftMs:         1,
		ViolationThreshold: 1,
	}, nil)
	ts.query = func(string) (time.Duration, error) { return time.Second, nil }
	ts.CheckOnce()

	bs := NewBreakerSet(BreakerSetConfig{HedgeDeviationThreshold: 1})
	bs.RecordFailure(KindHedgeDeviation)

	rd := NewTradingReadiness(testReadinessConfig(), func() []models.ConnectionStatus {
		return []models.ConnectionStatus{{Venue: "x", Channel: "rest", State: models.ConnStateError, LastSeen: time.Now()}}
	}, nil)
	rd.Evaluate()

	g := NewGate(ts, bs, rd, nil)
	if ok, reason := g.CanTrade(); ok || reason != "time_drift" {
		t.Errorf("reason = %q, want time_drift first", reason)
	}

	// Дрейф восстановился: следующая причина - предохранители
	ts.query = func(string) (time.Duration, error) { return 0, nil }
	ts.CheckOnce()
	if ok, reason := g.CanTrade(); ok || reason != "circuit_breaker" {
		t.Errorf("reason = %q, want circuit_breaker second", reason)
	}

	// Kill switch снят и предохранители здоровы: остаётся готовность
	bs.ResetKillSwitch()
	bs2 := NewBreakerSet(BreakerSetConfig{})
	g2 := NewGate(ts, bs2, rd, nil)
	if ok, reason := g2.CanTrade(); ok || reason != "not_ready: connections" {
		t.Errorf("reason = %q, want readiness reason last", reason)
	}
}

func TestGateNilSubsystemsAllow(t *testing.T) {
	g := NewGate(nil, nil, nil, nil)
	if ok, _ := g.CanTrade(); !ok {
		t.Error("gate without subsystems must allow trading")
	}
	if !g.CanPassRateLimit("binance", 1) {
		t.Error("gate without limiter must pass rate limit checks")
	}
}

func TestGateRateLimitNonBlocking(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{DefaultCapacity: 1, DefaultRefillRate: 0.001})
	g := NewGate(nil, nil, nil, l)

	start := time.Now()
	if !g.CanPassRateLimit("binance", 1) {
		t.Fatal("first request must pass")
	}
	if g.CanPassRateLimit("binance", 1) {
		t.Fatal("second request must be denied")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("CanPassRateLimit must never block")
	}
}

func TestGateStatusSnapshot(t *testing.T) {
	ts, bs, rd := healthyGateParts()
	l := ratelimit.New(ratelimit.DefaultConfig())
	_ = l.Allow("binance", 1)

	g := NewGate(ts, bs, rd, l)
	st := g.Status()

	if !st.CanTrade || st.Reason != "ok" {
		t.Errorf("status = (%v, %q), want trading allowed", st.CanTrade, st.Reason)
	}
	if len(st.Breakers) != 3 {
		t.Errorf("breaker snapshots = %d, want 3", len(st.Breakers))
	}
	if st.KillSwitch {
		t.Error("kill switch must be inactive")
	}
	if len(st.RateLimits) != 1 {
		t.Errorf("rate limit snapshots = %d, want 1", len(st.RateLimits))
	}
}
