package reliability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/rs/zerolog"

	"fundarb/pkg/utils"
)

// ============================================================
// Монитор синхронизации часов (NTP)
// ============================================================
//
// Дрейф локальных часов относительно NTP смертелен для funding-
// арбитража: окна открытия/закрытия привязаны к моментам расчёта
// бирж. Монитор периодически опрашивает пул NTP-серверов, берёт
// медиану смещений и блокирует торговлю после серии нарушений
// порога. Недоступность всех серверов торговлю НЕ блокирует -
// сохраняется последний известный статус (сеть до NTP и сеть до
// бирж падают независимо).

// TimeSyncConfig - настройки монитора
type TimeSyncConfig struct {
	Servers            []string      // пул NTP-серверов
	Interval           time.Duration // период опроса
	MaxDriftMs         int64         // допустимое |смещение|, мс
	ViolationThreshold int           // подряд нарушений до блокировки
	HistorySize        int           // глубина истории измерений
}

// DefaultTimeSyncConfig - пул публичных NTP и консервативные пороги
func DefaultTimeSyncConfig() TimeSyncConfig {
	return TimeSyncConfig{
		Servers:            []string{"time.google.com", "time.cloudflare.com", "pool.ntp.org"},
		Interval:           60 * time.Second,
		MaxDriftMs:         1000,
		ViolationThreshold: 3,
		HistorySize:        100,
	}
}

// DriftSample - одно измерение дрейфа
type DriftSample struct {
	Offset     time.Duration `json:"offset"`
	MeasuredAt time.Time     `json:"measured_at"`
	Servers    int           `json:"servers"` // ответивших серверов
}

// ntpQueryFunc - функция опроса одного сервера (подменяется в тестах)
type ntpQueryFunc func(server string) (time.Duration, error)

func defaultNTPQuery(server string) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: 5 * time.Second})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// TimeSyncMonitor следит за дрейфом локальных часов
type TimeSyncMonitor struct {
	cfg   TimeSyncConfig
	query ntpQueryFunc

	mu             sync.RWMutex
	tradingAllowed bool
	lastOffset     time.Duration
	lastCheck      time.Time
	violations     int // подряд нарушений порога
	history        []DriftSample

	onBlocked func(offset time.Duration)
	log       zerolog.Logger
}

// NewTimeSyncMonitor создаёт монитор; торговля изначально разрешена
func NewTimeSyncMonitor(cfg TimeSyncConfig, onBlocked func(offset time.Duration)) *TimeSyncMonitor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.ViolationThreshold <= 0 {
		cfg.ViolationThreshold = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &TimeSyncMonitor{
		cfg:            cfg,
		query:          defaultNTPQuery,
		tradingAllowed: true,
		onBlocked:      onBlocked,
		log:            utils.ComponentLogger("time_sync"),
	}
}

// Run запускает цикл опроса до отмены контекста
func (m *TimeSyncMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.CheckOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce()
		}
	}
}

// CheckOnce опрашивает все серверы параллельно и применяет медиану
// смещений ответивших
func (m *TimeSyncMonitor) CheckOnce() {
	results := make([]struct {
		offset time.Duration
		err    error
	}, len(m.cfg.Servers))

	var wg sync.WaitGroup
	for i, server := range m.cfg.Servers {
		wg.Add(1)
		go func(i int, server string) {
			defer wg.Done()
			results[i].offset, results[i].err = m.query(server)
		}(i, server)
	}
	wg.Wait()

	offsets := make([]time.Duration, 0, len(results))
	for i, res := range results {
		if res.err != nil {
			m.log.Debug().Str("server", m.cfg.Servers[i]).Err(res.err).Msg("ntp query failed")
			continue
		}
		offsets = append(offsets, res.offset)
	}

	if len(offsets) == 0 {
		// Все серверы недоступны: статус не меняем
		m.log.Warn().Msg("all ntp servers unreachable, keeping last sync status")
		return
	}

	m.apply(medianOffset(offsets), len(offsets))
}

func medianOffset(offsets []time.Duration) time.Duration {
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	n := len(offsets)
	if n%2 == 1 {
		return offsets[n/2]
	}
	return (offsets[n/2-1] + offsets[n/2]) / 2
}

func (m *TimeSyncMonitor) apply(offset time.Duration, servers int) {
	maxDrift := time.Duration(m.cfg.MaxDriftMs) * time.Millisecond
	abs := offset
	if abs < 0 {
		abs = -abs
	}

	m.mu.Lock()
	m.lastOffset = offset
	m.lastCheck = time.Now()
	m.history = append(m.history, DriftSample{Offset: offset, MeasuredAt: m.lastCheck, Servers: servers})
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}

	blocked := false
	if abs > maxDrift {
		m.violations++
		if m.violations >= m.cfg.ViolationThreshold && m.tradingAllowed {
			m.tradingAllowed = false
			blocked = true
		}
	} else {
		if m.violations > 0 || !m.tradingAllowed {
			m.log.Info().Dur("offset", offset).Msg("clock drift back within limits")
		}
		m.violations = 0
		m.tradingAllowed = true
	}
	violations := m.violations
	m.mu.Unlock()

	if abs > maxDrift {
		m.log.Warn().
			Dur("offset", offset).
			Int64("max_drift_ms", m.cfg.MaxDriftMs).
			Int("consecutive_violations", violations).
			Msg("clock drift exceeds limit")
	}
	if blocked {
		m.log.Error().Dur("offset", offset).Msg("trading blocked: clock drift")
		if m.onBlocked != nil {
			m.onBlocked(offset)
		}
	}
}

// TradingAllowed возвращает true если дрейф в пределах нормы
func (m *TimeSyncMonitor) TradingAllowed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tradingAllowed
}

// TimeSyncStatus - снимок состояния монитора
type TimeSyncStatus struct {
	TradingAllowed bool          `json:"trading_allowed"`
	LastOffset     time.Duration `json:"last_offset"`
	LastCheck      time.Time     `json:"last_check"`
	Violations     int           `json:"consecutive_violations"`
	HistoryLen     int           `json:"history_len"`
}

// Status возвращает снимок состояния
func (m *TimeSyncMonitor) Status() TimeSyncStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return TimeSyncStatus{
		TradingAllowed: m.tradingAllowed,
		LastOffset:     m.lastOffset,
		LastCheck:      m.lastCheck,
		Violations:     m.violations,
		HistoryLen:     len(m.history),
	}
}

// History возвращает копию истории измерений
func (m *TimeSyncMonitor) History() []DriftSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DriftSample, len(m.history))
	copy(out, m.history)
	return out
}
