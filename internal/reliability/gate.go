package reliability

// ============================================================
// ReliabilityGate - единая точка принятия решения "можно ли торговать"
// ============================================================
//
// Порядок агрегации фиксирован: дрейф часов → предохранители →
// готовность. Первая блокирующая подсистема определяет причину.

import (
	"fundarb/pkg/ratelimit"
)

// Gate агрегирует подсистемы надёжности
type Gate struct {
	timeSync  *TimeSyncMonitor
	breakers  *BreakerSet
	readiness *TradingReadiness
	limiter   *ratelimit.Limiter
}

// NewGate создаёт gate; любая подсистема может быть nil
// (отсутствующая подсистема не блокирует)
func NewGate(ts *TimeSyncMonitor, bs *BreakerSet, rd *TradingReadiness, rl *ratelimit.Limiter) *Gate {
	return &Gate{timeSync: ts, breakers: bs, readiness: rd, limiter: rl}
}

// CanTrade возвращает (ok, причина)
func (g *Gate) CanTrade() (bool, string) {
	if g.timeSync != nil && !g.timeSync.TradingAllowed() {
		return false, "time_drift"
	}
	if g.breakers != nil && !g.breakers.CanTrade() {
		return false, "circuit_breaker"
	}
	if g.readiness != nil {
		if ok, reason := g.readiness.CanTrade(); !ok {
			return false, reason
		}
	}
	return true, "ok"
}

// CanPassRateLimit - неблокирующая проверка бюджета лимитера
func (g *Gate) CanPassRateLimit(venue string, n int) bool {
	if g.limiter == nil {
		return true
	}
	return g.limiter.Allow(venue, n)
}

// Breakers возвращает набор предохранителей (для учёта сбоев извне)
func (g *Gate) Breakers() *BreakerSet { return g.breakers }

// Readiness возвращает модуль готовности
func (g *Gate) Readiness() *TradingReadiness { return g.readiness }

// TimeSync возвращает монитор синхронизации часов
func (g *Gate) TimeSync() *TimeSyncMonitor { return g.timeSync }

// GateStatus - сводный снимок для /status и /detailed
type GateStatus struct {
	CanTrade       bool                          `json:"can_trade"`
	Reason         string                        `json:"reason"`
	TimeSync       *TimeSyncStatus               `json:"time_sync,omitempty"`
	Breakers       []BreakerSnapshot             `json:"breakers,omitempty"`
	KillSwitch     bool                          `json:"kill_switch"`
	ReadinessOK    bool                          `json:"readiness_ok"`
	Checks         []CheckResult                 `json:"checks,omitempty"`
	RateLimits     map[string]ratelimit.Snapshot `json:"rate_limits,omitempty"`
}

// Status возвращает сводный снимок всех подсистем
func (g *Gate) Status() GateStatus {
	ok, reason := g.CanTrade()
	st := GateStatus{CanTrade: ok, Reason: reason, ReadinessOK: true}
	if g.timeSync != nil {
		ts := g.timeSync.Status()
		st.TimeSync = &ts
	}
	if g.breakers != nil {
		st.Breakers = g.breakers.Snapshots()
		st.KillSwitch = g.breakers.KillSwitchActive()
	}
	if g.readiness != nil {
		st.ReadinessOK = g.readiness.IsReady()
		st.Checks = g.readiness.Results()
	}
	if g.limiter != nil {
		st.RateLimits = g.limiter.SnapshotAll()
	}
	return st
}
