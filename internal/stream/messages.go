package stream

import (
	"context"

	"fundarb/internal/alert"
	"fundarb/internal/engine"
	"fundarb/internal/models"
	"fundarb/internal/reliability"
)

// Типизированные сообщения: сериализация без рефлексии по map

// ArbitrageUpdateMessage - снапшоты живых арбитражей
type ArbitrageUpdateMessage struct {
	Type string              `json:"type"`
	Data []*models.Arbitrage `json:"data"`
}

// StatsUpdateMessage - сводка PnL и счётчиков
type StatsUpdateMessage struct {
	Type string       `json:"type"`
	Data engine.Stats `json:"data"`
}

// AlertMessage - алерт для дашборда
type AlertMessage struct {
	Type string      `json:"type"`
	Data alert.Alert `json:"data"`
}

// GateUpdateMessage - состояние подсистем надёжности
type GateUpdateMessage struct {
	Type string                 `json:"type"`
	Data reliability.GateStatus `json:"data"`
}

// BroadcastArbitrages рассылает снапшоты живых арбитражей
func (h *Hub) BroadcastArbitrages(arbitrages []*models.Arbitrage) {
	h.Broadcast(&ArbitrageUpdateMessage{Type: "arbitrageUpdate", Data: arbitrages})
}

// BroadcastStats рассылает сводку движка
func (h *Hub) BroadcastStats(stats engine.Stats) {
	h.Broadcast(&StatsUpdateMessage{Type: "statsUpdate", Data: stats})
}

// BroadcastAlert рассылает алерт
func (h *Hub) BroadcastAlert(a alert.Alert) {
	h.Broadcast(&AlertMessage{Type: "alert", Data: a})
}

// BroadcastGate рассылает состояние gate
func (h *Hub) BroadcastGate(status reliability.GateStatus) {
	h.Broadcast(&GateUpdateMessage{Type: "gateUpdate", Data: status})
}

// HubSink адаптирует Hub под alert.Sink: алерты уходят на дашборд
type HubSink struct {
	hub *Hub
}

// NewHubSink создаёт сток алертов поверх hub
func NewHubSink(hub *Hub) *HubSink { return &HubSink{hub: hub} }

func (s *HubSink) Name() string { return "stream" }

// Send реализует alert.Sink
func (s *HubSink) Send(_ context.Context, a alert.Alert) error {
	s.hub.BroadcastAlert(a)
	return nil
}
