package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fundarb/pkg/utils"
)

// ============================================================
// Алерты: типизированные события для операторов
// ============================================================

// Severity - важность алерта
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Типы алертов ядра
const (
	TypeArbitrageOpened   = "arbitrage_opened"
	TypeArbitrageClosed   = "arbitrage_closed"
	TypeValidationFailed  = "validation_failed"
	TypeHedgeImbalance    = "hedge_imbalance"
	TypeMarginHealth      = "margin_health"
	TypeCircuitBreaker    = "circuit_breaker"
	TypeKillSwitch        = "kill_switch"
	TypeTimeDrift         = "time_drift"
	TypeReadiness         = "readiness"
	TypeReconcileMismatch = "reconcile_mismatch"
	TypeEmergencyStop     = "emergency_stop"
	TypeFundingReceived   = "funding_received"
)

// Alert - одно событие для оператора
type Alert struct {
	Type     string                 `json:"type"`
	Severity Severity               `json:"severity"`
	Token    string                 `json:"token,omitempty"`
	Venue    string                 `json:"venue,omitempty"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
	Time     time.Time              `json:"time"`
}

// Sink принимает алерты; реализации не должны блокировать вызывающего
// дольше необходимого (движок шлёт алерты из тика)
type Sink interface {
	Send(ctx context.Context, a Alert) error
	Name() string
}

// ============================================================
// Dispatcher - веер по стокам c дедупликацией повторов
// ============================================================

// Dispatcher рассылает алерты всем стокам асинхронно.
// Повтор того же (type, token, venue) внутри окна подавляется,
// кроме CRITICAL - они проходят всегда.
type Dispatcher struct {
	sinks    []Sink
	dedupWin time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time

	log zerolog.Logger
}

// NewDispatcher создаёт рассыльщик
func NewDispatcher(dedupWindow time.Duration, sinks ...Sink) *Dispatcher {
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Minute
	}
	return &Dispatcher{
		sinks:    sinks,
		dedupWin: dedupWindow,
		lastSent: make(map[string]time.Time),
		log:      utils.ComponentLogger("alerts"),
	}
}

func dedupKey(a Alert) string {
	return fmt.Sprintf("%s|%s|%s", a.Type, a.Token, a.Venue)
}

// Send рассылает алерт по всем стокам (fire-and-forget)
func (d *Dispatcher) Send(a Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}

	if a.Severity != SeverityCritical {
		key := dedupKey(a)
		d.mu.Lock()
		if last, ok := d.lastSent[key]; ok && time.Since(last) < d.dedupWin {
			d.mu.Unlock()
			return
		}
		d.lastSent[key] = time.Now()
		d.mu.Unlock()
	}

	for _, sink := range d.sinks {
		go func(s Sink) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Send(ctx, a); err != nil {
				d.log.Warn().Str("sink", s.Name()).Str("type", a.Type).Err(err).Msg("alert delivery failed")
			}
		}(sink)
	}
}

// Info отправляет информационный алерт
func (d *Dispatcher) Info(alertType, token, message string) {
	d.Send(Alert{Type: alertType, Severity: SeverityInfo, Token: token, Message: message})
}

// Warning отправляет предупреждение (MEDIUM)
func (d *Dispatcher) Warning(alertType, token, message string) {
	d.Send(Alert{Type: alertType, Severity: SeverityMedium, Token: token, Message: message})
}

// High отправляет алерт высокой важности
func (d *Dispatcher) High(alertType, token, message string) {
	d.Send(Alert{Type: alertType, Severity: SeverityHigh, Token: token, Message: message})
}

// Critical отправляет критический алерт (без дедупликации)
func (d *Dispatcher) Critical(alertType, token, message string) {
	d.Send(Alert{Type: alertType, Severity: SeverityCritical, Token: token, Message: message})
}

// ============================================================
// LogSink - алерты в структурированный лог
// ============================================================

// LogSink пишет алерты через zerolog; всегда включён
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink создаёт лог-сток
func NewLogSink() *LogSink {
	return &LogSink{log: utils.ComponentLogger("alert_log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, a Alert) error {
	var ev *zerolog.Event
	switch a.Severity {
	case SeverityCritical, SeverityHigh:
		ev = s.log.Error()
	case SeverityMedium:
		ev = s.log.Warn()
	default:
		ev = s.log.Info()
	}
	ev = ev.Str("type", a.Type).Str("severity", string(a.Severity))
	if a.Token != "" {
		ev = ev.Str("token", a.Token)
	}
	if a.Venue != "" {
		ev = ev.Str("venue", a.Venue)
	}
	if len(a.Fields) > 0 {
		ev = ev.Interface("fields", a.Fields)
	}
	ev.Msg(a.Message)
	return nil
}
