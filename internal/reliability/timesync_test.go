package reliability

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================
// TimeSyncMonitor Tests
// ============================================================

func newTestMonitor(maxDriftMs int64, threshold int) *TimeSyncMonitor {
	return NewTimeSyncMonitor(TimeSyncConfig{
		Servers:            []string{"a", "b", "c"},
		Interval:           time.Hour,
		MaxDriftMs:         maxDriftMs,
		ViolationThreshold: threshold,
		HistorySize:        5,
	}, nil)
}

// withOffsets подменяет опрос NTP фиксированными смещениями по серверам
func withOffsets(m *TimeSyncMonitor, offsets map[string]time.Duration) {
	m.query = func(server string) (time.Duration, error) {
		offset, ok := offsets[server]
		if !ok {
			return 0, errors.New("unreachable")
		}
		return offset, nil
	}
}

func TestMedianOffset(t *testing.T) {
	// Один сервер врёт: медиана 700/800/650 = 700, не среднее
	m := newTestMonitor(1000, 1)
	withOffsets(m, map[string]time.Duration{
		"a": 700 * time.Millisecond,
		"b": 800 * time.Millisecond,
		"c": 650 * time.Millisecond,
	})
	m.CheckOnce()

	st := m.Status()
	if st.LastOffset != 700*time.Millisecond {
		t.Errorf("median offset = %v, want 700ms", st.LastOffset)
	}
	if !st.TradingAllowed {
		t.Error("700ms drift is within a 1000ms limit")
	}
}

func TestCheckOnceQueriesServersConcurrently(t *testing.T) {
	// Каждый опрос ждёт старта всех трёх: последовательный обход
	// пула здесь бы завис
	m := newTestMonitor(1000, 1)
	var started sync.WaitGroup
	started.Add(3)
	m.query = func(server string) (time.Duration, error) {
		started.Done()
		started.Wait()
		return 10 * time.Millisecond, nil
	}

	done := make(chan struct{})
	go func() {
		m.CheckOnce()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CheckOnce stalled, servers must be queried in parallel")
	}
	if st := m.Status(); st.LastOffset != 10*time.Millisecond {
		t.Errorf("median offset = %v, want 10ms", st.LastOffset)
	}
}

func TestConsecutiveViolationsBlockTrading(t *testing.T) {
	blocked := 0
	m := NewTimeSyncMonitor(TimeSyncConfig{
		Servers:            []string{"a"},
		MaxDriftMs:         100,
		ViolationThreshold: 3,
	}, func(offset time.Duration) { blocked++ })
	withOffsets(m, map[string]time.Duration{"a": 500 * time.Millisecond})

	m.CheckOnce()
	m.CheckOnce()
	if !m.TradingAllowed() {
		t.Fatal("trading must stay allowed below the violation threshold")
	}

	m.CheckOnce()
	if m.TradingAllowed() {
		t.Fatal("third consecutive violation must block trading")
	}
	if blocked != 1 {
		t.Errorf("onBlocked fired %d times, want 1", blocked)
	}
}

func TestCleanSampleClearsViolations(t *testing.T) {
	m := newTestMonitor(100, 3)
	withOffsets(m, map[string]time.Duration{"a": 500 * time.Millisecond, "b": 500 * time.Millisecond, "c": 500 * time.Millisecond})
	m.CheckOnce()
	m.CheckOnce()

	// Чистое измерение сбрасывает серию нарушений
	withOffsets(m, map[string]time.Duration{"a": 10 * time.Millisecond, "b": 10 * time.Millisecond, "c": 10 * time.Millisecond})
	m.CheckOnce()
	if m.Status().Violations != 0 {
		t.Error("clean sample must reset the violation counter")
	}

	// Снова нарушения: счёт начинается заново
	withOffsets(m, map[string]time.Duration{"a": 500 * time.Millisecond, "b": 500 * time.Millisecond, "c": 500 * time.Millisecond})
	m.CheckOnce()
	m.CheckOnce()
	if !m.TradingAllowed() {
		t.Error("two violations after a reset must not block")
	}
}

func TestRecoveryAfterBlock(t *testing.T) {
	m := newTestMonitor(100, 2)
	withOffsets(m, map[string]time.Duration{"a": time.Second, "b": time.Second, "c": time.Second})
	m.CheckOnce()
	m.CheckOnce()
	if m.TradingAllowed() {
		t.Fatal("must be blocked")
	}

	withOffsets(m, map[string]time.Duration{"a": 0, "b": 0, "c": 0})
	m.CheckOnce()
	if !m.TradingAllowed() {
		t.Error("one clean sample must restore trading")
	}
}

func TestAllServersUnreachableKeepsStatus(t *testing.T) {
	m := newTestMonitor(100, 1)

	// Блокируемся
	withOffsets(m, map[string]time.Duration{"a": time.Second, "b": time.Second, "c": time.Second})
	m.CheckOnce()
	if m.TradingAllowed() {
		t.Fatal("must be blocked")
	}

	// Все серверы упали: статус не меняется (не разблокируемся вслепую)
	withOffsets(m, map[string]time.Duration{})
	m.CheckOnce()
	if m.TradingAllowed() {
		t.Error("unreachable NTP pool must keep the last status")
	}
}

func TestNegativeDriftCounts(t *testing.T) {
	m := newTestMonitor(100, 1)
	withOffsets(m, map[string]time.Duration{"a": -500 * time.Millisecond, "b": -500 * time.Millisecond, "c": -500 * time.Millisecond})
	m.CheckOnce()
	if m.TradingAllowed() {
		t.Error("negative drift beyond the limit must block")
	}
}

func TestHistoryCapped(t *testing.T) {
	m := newTestMonitor(10000, 3) // дрейф в норме, история растёт
	withOffsets(m, map[string]time.Duration{"a": time.Millisecond, "b": time.Millisecond, "c": time.Millisecond})
	for i := 0; i < 12; i++ {
		m.CheckOnce()
	}
	if got := len(m.History()); got != 5 {
		t.Errorf("history length = %d, want capped at 5", got)
	}
}
