package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fundarb/internal/models"
	"fundarb/internal/venue"
	"fundarb/pkg/utils"
)

// ============================================================
// Reconciler - сверка ожидаемого состояния с фактическим
// ============================================================
//
// Периодически вытягивает позиции и балансы с бирж и сравнивает
// с таблицей ожидаемых позиций RiskManager. Расхождения
// классифицируются по таблице серьёзности; мелкие чинятся
// авто-колбэками, крупные уходят на ручной разбор. Три и более
// CRITICAL за цикл взводят флаг аварийной остановки.

// Виды расхождений
const (
	DiscPositionMissing  = "POSITION_MISSING"
	DiscPositionExtra    = "POSITION_EXTRA"
	DiscSizeMismatch     = "POSITION_SIZE_MISMATCH"
	DiscBalanceMismatch  = "BALANCE_MISMATCH"
)

// Серьёзность расхождения
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Рекомендуемые действия
const (
	FixAutoOpen     = "AUTO_OPEN_POSITION"
	FixAutoClose    = "AUTO_CLOSE_POSITION"
	FixAutoAdjust   = "AUTO_ADJUST_SIZE"
	FixManualReview = "MANUAL_REVIEW"
)

// Discrepancy - одно расхождение
type Discrepancy struct {
	Kind       string          `json:"kind"`
	Severity   string          `json:"severity"`
	Venue      string          `json:"venue"`
	Pair       string          `json:"pair,omitempty"`
	Side       string          `json:"side,omitempty"` // LONG | SHORT
	Asset      string          `json:"asset,omitempty"`
	Expected   decimal.Decimal `json:"expected"`
	Actual     decimal.Decimal `json:"actual"`
	DeltaPct   decimal.Decimal `json:"delta_pct"` // доля
	AutoFix    bool            `json:"auto_fixable"`
	Suggested  string          `json:"suggested_action"`
	DetectedAt time.Time       `json:"detected_at"`
}

// AutoFixCallbacks - идемпотентные обработчики авто-починки
type AutoFixCallbacks struct {
	OpenPosition  func(ctx context.Context, d Discrepancy) error
	ClosePosition func(ctx context.Context, d Discrepancy) error
	AdjustSize    func(ctx context.Context, d Discrepancy) error
}

// ReconcilerConfig - настройки сверки
type ReconcilerConfig struct {
	Interval        time.Duration
	MaxAutoFix      decimal.Decimal // максимальный notional авто-починки
	ExpectedAssets  []string        // котируемые активы для сверки балансов
	HistoryWindow   time.Duration
}

// DefaultReconcilerConfig - стандартные интервалы
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:      60 * time.Second,
		MaxAutoFix:    decimal.NewFromInt(1000),
		HistoryWindow: 24 * time.Hour,
	}
}

// Допуски сверки
var (
	sizeTolerancePct = decimal.NewFromFloat(0.01)  // 1%
	sizeToleranceAbs = decimal.NewFromFloat(0.001) // абсолютный минимум
	criticalSizePct  = decimal.NewFromFloat(0.10)  // >10% - CRITICAL
	balanceTolPct    = decimal.NewFromFloat(0.02)  // 2%
	balanceTolAbs    = decimal.NewFromInt(1)       // $1
)

// ExpectedBalanceProvider отдаёт ожидаемый баланс (venue, asset)
type ExpectedBalanceProvider func(venueName, asset string) (decimal.Decimal, bool)

// Reconciler выполняет циклы сверки
type Reconciler struct {
	cfg     ReconcilerConfig
	venues  map[string]venue.Venue
	risk    *RiskManager
	fixes   AutoFixCallbacks
	balance ExpectedBalanceProvider

	emergencyStop atomic.Bool

	mu      sync.Mutex
	history []Discrepancy

	log zerolog.Logger
}

// NewReconciler создаёт сверщик
func NewReconciler(cfg ReconcilerConfig, venues map[string]venue.Venue, risk *RiskManager, fixes AutoFixCallbacks, balance ExpectedBalanceProvider) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 24 * time.Hour
	}
	return &Reconciler{
		cfg:     cfg,
		venues:  venues,
		risk:    risk,
		fixes:   fixes,
		balance: balance,
		log:     utils.ComponentLogger("reconciler"),
	}
}

// EmergencyStop возвращает true если сверка взвела аварийную остановку
func (r *Reconciler) EmergencyStop() bool { return r.emergencyStop.Load() }

// ClearEmergencyStop снимает флаг (ручное действие оператора)
func (r *Reconciler) ClearEmergencyStop() { r.emergencyStop.Store(false) }

// Run запускает цикл сверки до отмены контекста
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle выполняет один цикл сверки, возвращает расхождения
func (r *Reconciler) RunCycle(ctx context.Context) []Discrepancy {
	discrepancies := make([]Discrepancy, 0)
	discrepancies = append(discrepancies, r.reconcilePositions(ctx)...)
	discrepancies = append(discrepancies, r.reconcileBalances(ctx)...)

	criticals := 0
	for _, d := range discrepancies {
		if d.Severity == SeverityCritical {
			criticals++
		}
		r.applyFix(ctx, d)
	}

	if criticals >= 3 {
		r.emergencyStop.Store(true)
		r.log.Error().Int("critical_count", criticals).Msg("EMERGENCY STOP: too many critical discrepancies")
	}

	r.mu.Lock()
	r.history = append(r.history, discrepancies...)
	cutoff := time.Now().Add(-r.cfg.HistoryWindow)
	i := 0
	for i < len(r.history) && r.history[i].DetectedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.history = r.history[i:]
	}
	r.mu.Unlock()

	return discrepancies
}

// positionKey - идентичность позиции при сверке
func positionKey(venueName, symbol, side string) string {
	return venueName + "|" + symbol + "|" + side
}

func (r *Reconciler) reconcilePositions(ctx context.Context) []Discrepancy {
	now := time.Now().UTC()
	out := make([]Discrepancy, 0)

	actual := make(map[string]*models.Position)
	for name, v := range r.venues {
		positions, err := v.GetOpenPositions(ctx)
		if err != nil {
			r.log.Warn().Str("venue", name).Err(err).Msg("positions pull failed, skipping venue")
			continue
		}
		for _, p := range positions {
			actual[positionKey(name, p.Pair.Symbol(), p.Side)] = p
		}
	}

	expected := make(map[string]PositionInfo)
	for _, p := range r.risk.Positions() {
		key := positionKey(p.Venue, p.Pair.Symbol(), p.Side)
		agg := expected[key]
		agg.Venue, agg.Pair, agg.Side = p.Venue, p.Pair, p.Side
		agg.Notional = agg.Notional.Add(p.Notional)
		expected[key] = agg
	}

	for key, exp := range expected {
		act, ok := actual[key]
		if !ok {
			out = append(out, Discrepancy{
				Kind:       DiscPositionMissing,
				Severity:   SeverityHigh,
				Venue:      exp.Venue,
				Pair:       exp.Pair.Symbol(),
				Side:       exp.Side,
				Expected:   exp.Notional,
				Actual:     decimal.Zero,
				DeltaPct:   decimal.NewFromInt(1),
				AutoFix:    true,
				Suggested:  FixAutoOpen,
				DetectedAt: now,
			})
			continue
		}
		out = append(out, r.compareSize(exp, act, now)...)
	}

	for key, act := range actual {
		if _, ok := expected[key]; ok {
			continue
		}
		out = append(out, Discrepancy{
			Kind:       DiscPositionExtra,
			Severity:   SeverityMedium,
			Venue:      act.Venue,
			Pair:       act.Pair.Symbol(),
			Side:       act.Side,
			Expected:   decimal.Zero,
			Actual:     act.NotionalQuote,
			DeltaPct:   decimal.NewFromInt(1),
			AutoFix:    true,
			Suggested:  FixAutoClose,
			DetectedAt: now,
		})
	}

	return out
}

// compareSize классифицирует расхождение размеров
//
// |Δ| ≤ max(1%, 0.001) - не расхождение; 1–10% - MEDIUM
// (авто-починка при Δ ≤ max_auto_fix); >10% - CRITICAL, ручной разбор.
func (r *Reconciler) compareSize(exp PositionInfo, act *models.Position, now time.Time) []Discrepancy {
	delta := exp.Notional.Sub(act.NotionalQuote).Abs()
	if delta.LessThanOrEqual(sizeToleranceAbs) {
		return nil
	}
	base := exp.Notional
	if !base.IsPositive() {
		base = act.NotionalQuote
	}
	if !base.IsPositive() {
		return nil
	}
	deltaPct := delta.Div(base)
	if deltaPct.LessThanOrEqual(sizeTolerancePct) {
		return nil
	}

	d := Discrepancy{
		Kind:       DiscSizeMismatch,
		Venue:      exp.Venue,
		Pair:       exp.Pair.Symbol(),
		Side:       exp.Side,
		Expected:   exp.Notional,
		Actual:     act.NotionalQuote,
		DeltaPct:   deltaPct,
		DetectedAt: now,
	}
	if deltaPct.GreaterThan(criticalSizePct) {
		d.Severity = SeverityCritical
		d.Suggested = FixManualReview
	} else {
		d.Severity = SeverityMedium
		d.AutoFix = delta.LessThanOrEqual(r.cfg.MaxAutoFix)
		if d.AutoFix {
			d.Suggested = FixAutoAdjust
		} else {
			d.Suggested = FixManualReview
		}
	}
	return []Discrepancy{d}
}

func (r *Reconciler) reconcileBalances(ctx context.Context) []Discrepancy {
	if r.balance == nil || len(r.cfg.ExpectedAssets) == 0 {
		return nil
	}
	now := time.Now().UTC()
	out := make([]Discrepancy, 0)

	for name, v := range r.venues {
		for _, asset := range r.cfg.ExpectedAssets {
			expected, ok := r.balance(name, asset)
			if !ok {
				continue
			}
			actual, err := v.GetBalance(ctx, asset)
			if err != nil {
				r.log.Warn().Str("venue", name).Str("asset", asset).Err(err).Msg("balance pull failed")
				continue
			}

			delta := expected.Sub(actual).Abs()
			tolerance := expected.Mul(balanceTolPct).Abs()
			if tolerance.LessThan(balanceTolAbs) {
				tolerance = balanceTolAbs
			}
			if delta.LessThanOrEqual(tolerance) {
				continue
			}

			severity := SeverityMedium
			if expected.IsPositive() && delta.Div(expected).GreaterThan(criticalSizePct) {
				severity = SeverityHigh
			}
			deltaPct := decimal.Zero
			if expected.IsPositive() {
				deltaPct = delta.Div(expected)
			}
			out = append(out, Discrepancy{
				Kind:       DiscBalanceMismatch,
				Severity:   severity,
				Venue:      name,
				Asset:      asset,
				Expected:   expected,
				Actual:     actual,
				DeltaPct:   deltaPct,
				Suggested:  FixManualReview,
				DetectedAt: now,
			})
		}
	}
	return out
}

// applyFix запускает авто-починку для исправимых расхождений
func (r *Reconciler) applyFix(ctx context.Context, d Discrepancy) {
	if !d.AutoFix {
		return
	}
	var fix func(context.Context, Discrepancy) error
	switch d.Suggested {
	case FixAutoOpen:
		fix = r.fixes.OpenPosition
	case FixAutoClose:
		fix = r.fixes.ClosePosition
	case FixAutoAdjust:
		fix = r.fixes.AdjustSize
	}
	if fix == nil {
		return
	}
	if err := fix(ctx, d); err != nil {
		r.log.Error().
			Str("kind", d.Kind).
			Str("venue", d.Venue).
			Str("pair", d.Pair).
			Err(err).
			Msg("auto-fix failed")
		return
	}
	r.log.Info().
		Str("kind", d.Kind).
		Str("venue", d.Venue).
		Str("pair", d.Pair).
		Str("action", d.Suggested).
		Msg("discrepancy auto-fixed")
}

// History возвращает копию истории расхождений
func (r *Reconciler) History() []Discrepancy {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Discrepancy, len(r.history))
	copy(out, r.history)
	return out
}

// Summary - сводка для /detailed
type Summary struct {
	HistoryCount  int    `json:"history_count"`
	EmergencyStop bool   `json:"emergency_stop"`
	LastKinds     string `json:"last_kinds,omitempty"`
}

// Summarize возвращает краткую сводку состояния сверки
func (r *Reconciler) Summarize() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{HistoryCount: len(r.history), EmergencyStop: r.emergencyStop.Load()}
	if n := len(r.history); n > 0 {
		last := r.history[n-1]
		s.LastKinds = fmt.Sprintf("%s/%s", last.Kind, last.Severity)
	}
	return s
}
