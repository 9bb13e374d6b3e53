package models

import "time"

// Каналы соединения с биржей
const (
	ChannelRest       = "rest"
	ChannelWebsocket  = "websocket"
	ChannelUserStream = "user_stream"
)

// Состояния соединения
const (
	ConnStateOK    = "ok"
	ConnStateError = "error"
)

// ConnectionStatus - состояние одного канала связи с биржей
//
// Используется TradingReadiness: протухшее (LastSeen старше таймаута)
// или ошибочное соединение делает систему не готовой к торговле.
type ConnectionStatus struct {
	Venue      string        `json:"venue"`
	Channel    string        `json:"channel"` // rest | websocket | user_stream
	State      string        `json:"state"`
	LastSeen   time.Time     `json:"last_seen"`
	Latency    time.Duration `json:"latency"`
	ErrorCount int64         `json:"error_count"`
}
