package reliability

import (
	"testing"
	"time"

	"fundarb/internal/models"
)

// ============================================================
// TradingReadiness Tests
// ============================================================

func testReadinessConfig() ReadinessConfig {
	cfg := DefaultReadinessConfig()
	cfg.SkipResources = true
	cfg.ConnectionTimeout = 30 * time.Second
	return cfg
}

func TestReadinessAllChecksOK(t *testing.T) {
	conns := func() []models.ConnectionStatus {
		return []models.ConnectionStatus{
			{Venue: "binance", Channel: models.ChannelRest, State: models.ConnStateOK, LastSeen: time.Now()},
		}
	}
	margins := func() map[string]models.MarginHealth {
		return map[string]models.MarginHealth{"binance": models.MarginHealthy}
	}

	r := NewTradingReadiness(testReadinessConfig(), conns, margins)
	r.Evaluate()

	if !r.IsReady() {
		t.Fatal("healthy system must be ready")
	}
	ok, reason := r.CanTrade()
	if !ok || reason != "ok" {
		t.Errorf("CanTrade = (%v, %q), want (true, ok)", ok, reason)
	}
}

func TestStaleConnectionBlocks(t *testing.T) {
	conns := func() []models.ConnectionStatus {
		return []models.ConnectionStatus{
			{Venue: "bybit", Channel: models.ChannelWebsocket, State: models.ConnStateOK, LastSeen: time.Now().Add(-time.Minute)},
		}
	}

	r := NewTradingReadiness(testReadinessConfig(), conns, nil)
	r.Evaluate()

	ok, reason := r.CanTrade()
	if ok {
		t.Fatal("stale connection must block trading")
	}
	if reason != "not_ready: connections" {
		t.Errorf("reason = %q, want not_ready: connections", reason)
	}
}

func TestErrorConnectionBlocks(t *testing.T) {
	conns := func() []models.ConnectionStatus {
		return []models.ConnectionStatus{
			{Venue: "okx", Channel: models.ChannelRest, State: models.ConnStateError, LastSeen: time.Now()},
		}
	}
	r := NewTradingReadiness(testReadinessConfig(), conns, nil)
	r.Evaluate()
	if r.IsReady() {
		t.Error("connection in error state must block")
	}
}

func TestCriticalMarginBlocks(t *testing.T) {
	margins := func() map[string]models.MarginHealth {
		return map[string]models.MarginHealth{"binance": models.MarginCritical}
	}
	r := NewTradingReadiness(testReadinessConfig(), nil, margins)
	r.Evaluate()

	ok, reason := r.CanTrade()
	if ok {
		t.Fatal("critical margin must block trading")
	}
	if reason != "not_ready: margins" {
		t.Errorf("reason = %q", reason)
	}
}

func TestDangerMarginWarnsButAllows(t *testing.T) {
	margins := func() map[string]models.MarginHealth {
		return map[string]models.MarginHealth{"binance": models.MarginDanger}
	}
	r := NewTradingReadiness(testReadinessConfig(), nil, margins)
	r.Evaluate()

	if !r.IsReady() {
		t.Error("DANGER margin warns but must not block")
	}
	found := false
	for _, res := range r.Results() {
		if res.Name == "margins" && res.Level == CheckWarning {
			found = true
		}
	}
	if !found {
		t.Error("expected a WARNING margins result")
	}
}

func TestCustomCheckBlocks(t *testing.T) {
	r := NewTradingReadiness(testReadinessConfig(), nil, nil)
	r.RegisterCheck("db", func() CheckResult {
		return CheckResult{Name: "db", Level: CheckCritical, Message: "connection lost"}
	})
	r.Evaluate()

	ok, reason := r.CanTrade()
	if ok {
		t.Fatal("critical custom check must block")
	}
	if reason != "not_ready: db" {
		t.Errorf("reason = %q", reason)
	}
}

func TestEdgeTriggeredCallbacks(t *testing.T) {
	healthy := true
	conns := func() []models.ConnectionStatus {
		state := models.ConnStateOK
		if !healthy {
			state = models.ConnStateError
		}
		return []models.ConnectionStatus{
			{Venue: "binance", Channel: models.ChannelRest, State: state, LastSeen: time.Now()},
		}
	}

	readyCalls, notReadyCalls := 0, 0
	r := NewTradingReadiness(testReadinessConfig(), conns, nil)
	r.OnReady(func() { readyCalls++ })
	r.OnNotReady(func(issues []CheckResult) { notReadyCalls++ })

	r.Evaluate() // ready → ready: колбэков нет
	if readyCalls != 0 || notReadyCalls != 0 {
		t.Fatal("no callbacks expected while state is unchanged")
	}

	healthy = false
	r.Evaluate() // фронт ready → not ready
	r.Evaluate() // состояние не меняется
	if notReadyCalls != 1 {
		t.Errorf("onNotReady fired %d times, want 1", notReadyCalls)
	}

	healthy = true
	r.Evaluate() // фронт not ready → ready
	if readyCalls != 1 {
		t.Errorf("onReady fired %d times, want 1", readyCalls)
	}
}
