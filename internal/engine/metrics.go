package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================
// Метрики движка (Prometheus)
// ============================================================

// Metrics - все метрики ядра в одном месте
type Metrics struct {
	RestLatency     *prometheus.HistogramVec // venue, op
	WsReconnects    *prometheus.CounterVec   // venue
	OrdersPlaced    *prometheus.CounterVec   // venue, side
	OrderFills      *prometheus.CounterVec   // venue
	Commissions     *prometheus.CounterVec   // venue
	HedgeSlippage   prometheus.Histogram
	RealizedPnl     prometheus.Gauge
	UnrealizedPnl   prometheus.Gauge
	FundingPnl      prometheus.Gauge
	ArbitrageStates *prometheus.GaugeVec // state
	ScanRejections  *prometheus.CounterVec // reason
	BreakerState    *prometheus.GaugeVec   // kind (0=closed,1=half,2=open)
	TradingReady    prometheus.Gauge
	RateLimitUtil   *prometheus.GaugeVec // venue
	TickDuration    prometheus.Histogram
	EdgeComputed    *prometheus.HistogramVec // component
}

// NewMetrics создаёт и регистрирует метрики
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fundarb",
			Name:      "rest_latency_seconds",
			Help:      "Venue REST call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"venue", "op"}),
		WsReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundarb",
			Name:      "ws_reconnects_total",
			Help:      "Websocket reconnect count",
		}, []string{"venue"}),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundarb",
			Name:      "orders_placed_total",
			Help:      "Orders submitted to venues",
		}, []string{"venue", "side"}),
		OrderFills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundarb",
			Name:      "order_fills_total",
			Help:      "Order fill events",
		}, []string{"venue"}),
		Commissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundarb",
			Name:      "commissions_quote_total",
			Help:      "Accumulated commissions in quote currency",
		}, []string{"venue"}),
		HedgeSlippage: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fundarb",
			Name:      "hedge_slippage_pct",
			Help:      "Hedge leg imbalance at validation, fraction",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2},
		}),
		RealizedPnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fundarb",
			Name:      "realized_pnl_quote",
			Help:      "Realized PnL of closed arbitrages",
		}),
		UnrealizedPnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fundarb",
			Name:      "unrealized_pnl_quote",
			Help:      "Unrealized PnL of live arbitrages",
		}),
		FundingPnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fundarb",
			Name:      "funding_pnl_quote",
			Help:      "Accumulated funding PnL of live arbitrages",
		}),
		ArbitrageStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fundarb",
			Name:      "arbitrages",
			Help:      "Live arbitrage count by state",
		}, []string{"state"}),
		ScanRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundarb",
			Name:      "scan_rejections_total",
			Help:      "Opportunity scan gate rejections by reason",
		}, []string{"reason"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fundarb",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"kind"}),
		TradingReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fundarb",
			Name:      "trading_ready",
			Help:      "1 if CanTrade() allows opening positions",
		}),
		RateLimitUtil: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fundarb",
			Name:      "rate_limit_utilization",
			Help:      "Token bucket utilization per venue, fraction",
		}, []string{"venue"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fundarb",
			Name:      "tick_duration_seconds",
			Help:      "Lifecycle tick duration",
			Buckets:   prometheus.DefBuckets,
		}),
		EdgeComputed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fundarb",
			Name:      "edge_component_quote",
			Help:      "Edge decomposition components in quote currency",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"component"}),
	}

	reg.MustRegister(
		m.RestLatency, m.WsReconnects, m.OrdersPlaced, m.OrderFills,
		m.Commissions, m.HedgeSlippage, m.RealizedPnl, m.UnrealizedPnl,
		m.FundingPnl, m.ArbitrageStates, m.ScanRejections, m.BreakerState,
		m.TradingReady, m.RateLimitUtil, m.TickDuration, m.EdgeComputed,
	)
	return m
}

// breakerStateValue переводит состояние предохранителя в число
func breakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 2
	case "HALF_OPEN":
		return 1
	}
	return 0
}
