package reliability

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"fundarb/internal/models"
	"fundarb/pkg/utils"
)

// ============================================================
// TradingReadiness - периодическая оценка готовности к торговле
// ============================================================
//
// Проверки:
// - свежесть соединений per (венью, канал)
// - здоровье маржи по всем венью
// - системные ресурсы (CPU/память/диск из /proc)
// - зарегистрированные пользовательские проверки
//
// is_ready=false если хоть одна проверка CRITICAL. Переходы
// готовности дёргают on_ready/on_not_ready ровно один раз на фронт.

// Уровни результата проверки
const (
	CheckOK       = "OK"
	CheckWarning  = "WARNING"
	CheckCritical = "CRITICAL"
)

// CheckResult - результат одной проверки
type CheckResult struct {
	Name    string `json:"name"`
	Level   string `json:"level"`
	Message string `json:"message,omitempty"`
}

// CheckFunc - пользовательская проверка готовности
type CheckFunc func() CheckResult

// ConnectionsProvider отдаёт текущие статусы соединений
type ConnectionsProvider func() []models.ConnectionStatus

// MarginHealthProvider отдаёт здоровье маржи по венью
type MarginHealthProvider func() map[string]models.MarginHealth

// ReadinessConfig - настройки цикла готовности
type ReadinessConfig struct {
	Interval          time.Duration
	ConnectionTimeout time.Duration // свежесть last-seen соединения
	CPUWarningPct     float64
	CPUCriticalPct    float64
	MemWarningPct     float64
	MemCriticalPct    float64
	DiskWarningPct    float64
	DiskCriticalPct   float64
	DiskPath          string
	SkipResources     bool // для тестов и контейнеров без /proc
}

// DefaultReadinessConfig - стандартные пороги ресурсов
func DefaultReadinessConfig() ReadinessConfig {
	return ReadinessConfig{
		Interval:          10 * time.Second,
		ConnectionTimeout: 30 * time.Second,
		CPUWarningPct:     90,
		CPUCriticalPct:    95,
		MemWarningPct:     90,
		MemCriticalPct:    95,
		DiskWarningPct:    90,
		DiskCriticalPct:   95,
		DiskPath:          "/",
	}
}

// TradingReadiness агрегирует проверки готовности
type TradingReadiness struct {
	cfg ReadinessConfig

	connections ConnectionsProvider
	margins     MarginHealthProvider

	mu           sync.RWMutex
	customChecks map[string]CheckFunc
	ready        bool
	lastResults  []CheckResult
	lastEval     time.Time

	// состояние для расчёта дельты CPU между итерациями
	prevCPUTotal uint64
	prevCPUIdle  uint64

	onReady    func()
	onNotReady func(issues []CheckResult)
	log        zerolog.Logger
}

// NewTradingReadiness создаёт модуль готовности; изначально ready=true
func NewTradingReadiness(cfg ReadinessConfig, connections ConnectionsProvider, margins MarginHealthProvider) *TradingReadiness {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	return &TradingReadiness{
		cfg:          cfg,
		connections:  connections,
		margins:      margins,
		customChecks: make(map[string]CheckFunc),
		ready:        true,
		log:          utils.ComponentLogger("trading_readiness"),
	}
}

// OnReady устанавливает callback восстановления готовности
func (r *TradingReadiness) OnReady(fn func()) { r.onReady = fn }

// OnNotReady устанавливает callback потери готовности
func (r *TradingReadiness) OnNotReady(fn func(issues []CheckResult)) { r.onNotReady = fn }

// RegisterCheck добавляет пользовательскую проверку
func (r *TradingReadiness) RegisterCheck(name string, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customChecks[name] = fn
}

// Run запускает цикл оценки до отмены контекста
func (r *TradingReadiness) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.Evaluate()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Evaluate()
		}
	}
}

// Evaluate выполняет все проверки и обновляет готовность
func (r *TradingReadiness) Evaluate() {
	results := make([]CheckResult, 0, 8)
	results = append(results, r.checkConnections())
	results = append(results, r.checkMargins())
	if !r.cfg.SkipResources {
		results = append(results, r.checkCPU(), r.checkMemory(), r.checkDisk())
	}

	r.mu.RLock()
	custom := make([]CheckFunc, 0, len(r.customChecks))
	for _, fn := range r.customChecks {
		custom = append(custom, fn)
	}
	r.mu.RUnlock()
	for _, fn := range custom {
		results = append(results, fn())
	}

	nowReady := true
	issues := make([]CheckResult, 0)
	for _, res := range results {
		if res.Level == CheckCritical {
			nowReady = false
		}
		if res.Level != CheckOK {
			issues = append(issues, res)
		}
	}

	r.mu.Lock()
	wasReady := r.ready
	r.ready = nowReady
	r.lastResults = results
	r.lastEval = time.Now()
	r.mu.Unlock()

	// Edge-triggered уведомления: только на смену состояния
	if wasReady && !nowReady {
		r.log.Error().Interface("issues", issues).Msg("trading NOT ready")
		if r.onNotReady != nil {
			r.onNotReady(issues)
		}
	} else if !wasReady && nowReady {
		r.log.Info().Msg("trading ready")
		if r.onReady != nil {
			r.onReady()
		}
	}
}

// CanTrade возвращает (ok, причина)
func (r *TradingReadiness) CanTrade() (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ready {
		return true, "ok"
	}
	for _, res := range r.lastResults {
		if res.Level == CheckCritical {
			return false, "not_ready: " + res.Name
		}
	}
	return false, "not_ready"
}

// IsReady возвращает текущую готовность
func (r *TradingReadiness) IsReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

// Results возвращает результаты последней оценки
func (r *TradingReadiness) Results() []CheckResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CheckResult, len(r.lastResults))
	copy(out, r.lastResults)
	return out
}

// ============================================================
// Отдельные проверки
// ============================================================

func (r *TradingReadiness) checkConnections() CheckResult {
	if r.connections == nil {
		return CheckResult{Name: "connections", Level: CheckOK}
	}
	now := time.Now()
	for _, conn := range r.connections() {
		if conn.State == models.ConnStateError {
			return CheckResult{
				Name:    "connections",
				Level:   CheckCritical,
				Message: fmt.Sprintf("%s/%s in error state", conn.Venue, conn.Channel),
			}
		}
		if now.Sub(conn.LastSeen) > r.cfg.ConnectionTimeout {
			return CheckResult{
				Name:    "connections",
				Level:   CheckCritical,
				Message: fmt.Sprintf("%s/%s stale for %s", conn.Venue, conn.Channel, now.Sub(conn.LastSeen).Round(time.Second)),
			}
		}
	}
	return CheckResult{Name: "connections", Level: CheckOK}
}

func (r *TradingReadiness) checkMargins() CheckResult {
	if r.margins == nil {
		return CheckResult{Name: "margins", Level: CheckOK}
	}
	level := CheckOK
	msg := ""
	for venue, health := range r.margins() {
		if health.AtLeast(models.MarginCritical) {
			return CheckResult{
				Name:    "margins",
				Level:   CheckCritical,
				Message: fmt.Sprintf("%s margin health %s", venue, health),
			}
		}
		if health == models.MarginDanger {
			level = CheckWarning
			msg = fmt.Sprintf("%s margin health %s", venue, health)
		}
	}
	return CheckResult{Name: "margins", Level: level, Message: msg}
}

// checkCPU считает загрузку по дельте /proc/stat между итерациями.
// Первая итерация и ошибки чтения дают OK: отсутствие метрики не
// должно останавливать торговлю.
func (r *TradingReadiness) checkCPU() CheckResult {
	total, idle, err := readProcStat()
	if err != nil {
		return CheckResult{Name: "cpu", Level: CheckOK, Message: "unavailable"}
	}

	r.mu.Lock()
	prevTotal, prevIdle := r.prevCPUTotal, r.prevCPUIdle
	r.prevCPUTotal, r.prevCPUIdle = total, idle
	r.mu.Unlock()

	if prevTotal == 0 || total <= prevTotal {
		return CheckResult{Name: "cpu", Level: CheckOK}
	}

	dTotal := float64(total - prevTotal)
	dIdle := float64(idle - prevIdle)
	usage := (dTotal - dIdle) / dTotal * 100

	return resourceResult("cpu", usage, r.cfg.CPUWarningPct, r.cfg.CPUCriticalPct)
}

func (r *TradingReadiness) checkMemory() CheckResult {
	usage, err := readMemUsage()
	if err != nil {
		return CheckResult{Name: "memory", Level: CheckOK, Message: "unavailable"}
	}
	return resourceResult("memory", usage, r.cfg.MemWarningPct, r.cfg.MemCriticalPct)
}

func (r *TradingReadiness) checkDisk() CheckResult {
	var st syscall.Statfs_t
	if err := syscall.Statfs(r.cfg.DiskPath, &st); err != nil || st.Blocks == 0 {
		return CheckResult{Name: "disk", Level: CheckOK, Message: "unavailable"}
	}
	usage := float64(st.Blocks-st.Bavail) / float64(st.Blocks) * 100
	return resourceResult("disk", usage, r.cfg.DiskWarningPct, r.cfg.DiskCriticalPct)
}

func resourceResult(name string, usage, warn, crit float64) CheckResult {
	switch {
	case crit > 0 && usage >= crit:
		return CheckResult{Name: name, Level: CheckCritical, Message: fmt.Sprintf("%.1f%% used", usage)}
	case warn > 0 && usage >= warn:
		return CheckResult{Name: name, Level: CheckWarning, Message: fmt.Sprintf("%.1f%% used", usage)}
	}
	return CheckResult{Name: name, Level: CheckOK}
}

// readProcStat возвращает суммарное и idle время CPU из /proc/stat
func readProcStat() (total, idle uint64, err error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, fmt.Errorf("unexpected /proc/stat format")
	}
	for i, f := range fields[1:] {
		v, perr := strconv.ParseUint(f, 10, 64)
		if perr != nil {
			return 0, 0, perr
		}
		total += v
		if i == 3 { // поле idle
			idle = v
		}
	}
	return total, idle, nil
}

// readMemUsage возвращает процент занятой памяти из /proc/meminfo
func readMemUsage() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	var totalKB, availKB uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, perr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("MemTotal not found")
	}
	return float64(totalKB-availKB) / float64(totalKB) * 100, nil
}
