package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/engine"
	"fundarb/internal/reliability"
	"fundarb/internal/venue"
	"fundarb/pkg/crypto"
	"fundarb/pkg/ratelimit"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Logging    LoggingConfig
	Telegram   TelegramConfig
	Security   SecurityConfig
	Trading    TradingConfig
	Risk       RiskConfig
	Margin     MarginConfig
	Edge       EdgeConfig
	Settlement SettlementConfig
	TimeSync   TimeSyncConfig
	Breakers   BreakerConfig
	RateLimit  RateLimitConfig
	Readiness  ReadinessConfig
	Reconcile  ReconcileConfig
	Demo       DemoConfig
	Live       LiveConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	Enabled  bool
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// TelegramConfig - алерты в Telegram (опционально)
type TelegramConfig struct {
	BotToken string
	ChatID   int64
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// Пароль для расшифровки API-ключей бирж (scrypt → AES-GCM)
	CredentialsPassphrase string
}

// TradingConfig - параметры стратегии и жизненного цикла
type TradingConfig struct {
	Tokens     []string
	QuoteAsset string

	TickInterval  time.Duration
	StatsInterval time.Duration

	MinFundingRateDiff        decimal.Decimal
	ProfitabilityToTakeProfit decimal.Decimal
	FundingRateDiffStopLoss   decimal.Decimal
	FundingPeriodHours        decimal.Decimal

	MaxPositionsPerConnector int
	MaxSlippagePct           decimal.Decimal
	MinDepthMultiplier       decimal.Decimal
	CheckOrderBookDepth      bool
	MinTimeToNextFunding     time.Duration

	PendingValidationTimeout     time.Duration
	PendingValidationMaxAttempts int
	CloseValidationTimeout       time.Duration
	CloseAlertInterval           time.Duration
	MinPositionHold              time.Duration

	PositionSizeQuote       decimal.Decimal
	PositionSizeQuotePct    decimal.Decimal
	InitialBalanceQuote     decimal.Decimal
	MaxPositionImbalancePct decimal.Decimal
	Leverage                decimal.Decimal

	EmergencyCloseOnImbalance  bool
	EnterOnlyIfTradeProfitable bool
}

// RiskConfig - лимиты риск-менеджера
type RiskConfig struct {
	NotionalPerVenue      decimal.Decimal
	NotionalPerSubaccount decimal.Decimal
	TotalNotional         decimal.Decimal
	MaxLeverage           decimal.Decimal
	WarningThreshold      decimal.Decimal // доля лимита
	MaxHedgeGapPct        decimal.Decimal
	MaxConcentrationPct   decimal.Decimal
}

// MarginConfig - монитор маржи
type MarginConfig struct {
	SafetyBuffer       decimal.Decimal
	MaxAllowedLeverage decimal.Decimal
	CheckInterval      time.Duration
	AutoReduceEnabled  bool
}

// EdgeConfig - расчёт ожидаемого преимущества
type EdgeConfig struct {
	MinEdgeRequired     decimal.Decimal
	SettlementBufferBps decimal.Decimal
	DefaultTakerFee     decimal.Decimal
	DefaultSlippage     decimal.Decimal
}

// SettlementConfig - окна вокруг расчёта фандинга
type SettlementConfig struct {
	PreSettlementBuffer time.Duration
	PostSettlementDelay time.Duration
	ClosingWindowExtra  time.Duration
}

// TimeSyncConfig - контроль дрейфа локальных часов
type TimeSyncConfig struct {
	Servers            []string
	Interval           time.Duration
	MaxDriftMs         int64
	ViolationThreshold int
}

// BreakerConfig - пороги предохранителей
type BreakerConfig struct {
	ErrorSeriesThreshold    int
	HedgeDeviationThreshold int
	OrderCancelThreshold    int
}

// RateLimitConfig - токен-бакеты REST-вызовов
type RateLimitConfig struct {
	Enabled           bool
	DefaultCapacity   float64
	DefaultRefillRate float64
}

// ReadinessConfig - проверки готовности
type ReadinessConfig struct {
	Interval          time.Duration
	ConnectionTimeout time.Duration
	SkipResources     bool
}

// ReconcileConfig - сверка позиций и балансов
type ReconcileConfig struct {
	Interval      time.Duration
	MaxAutoFix    decimal.Decimal
	HistoryWindow time.Duration
}

// DemoConfig - режим симуляции
type DemoConfig struct {
	Enabled      bool
	Venues       []string
	BalanceQuote decimal.Decimal
	FillDelay    time.Duration
	CloseDelay   time.Duration
}

// LiveConfig - живые биржи и их расшифрованные API-ключи
type LiveConfig struct {
	Venues      []string
	Credentials map[string]venue.Credentials
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "fundarb"),
			User:     getEnv("DB_USER", "fundarb"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			Enabled:  getEnvAsBool("DB_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Telegram: TelegramConfig{
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   getEnvAsInt64("TELEGRAM_CHAT_ID", 0),
		},
		Security: SecurityConfig{
			CredentialsPassphrase: getEnv("CREDENTIALS_PASSPHRASE", ""),
		},
		Trading: TradingConfig{
			Tokens:     getEnvAsSlice("TOKENS", []string{"BTC", "ETH"}),
			QuoteAsset: getEnv("QUOTE_ASSET", "USDT"),

			TickInterval:  getEnvAsDuration("TICK_INTERVAL", 5*time.Second),
			StatsInterval: getEnvAsDuration("STATS_INTERVAL", 30*time.Second),

			MinFundingRateDiff:        getEnvAsDecimal("MIN_FUNDING_RATE_DIFF", "0.0005"),
			ProfitabilityToTakeProfit: getEnvAsDecimal("PROFITABILITY_TO_TAKE_PROFIT", "0.002"),
			FundingRateDiffStopLoss:   getEnvAsDecimal("FUNDING_RATE_DIFF_STOP_LOSS", "0"),
			FundingPeriodHours:        getEnvAsDecimal("FUNDING_PERIOD_HOURS", "8"),

			MaxPositionsPerConnector: getEnvAsInt("MAX_POSITIONS_PER_CONNECTOR", 0),
			MaxSlippagePct:           getEnvAsDecimal("MAX_SLIPPAGE_PCT", "0.001"),
			MinDepthMultiplier:       getEnvAsDecimal("MIN_ORDER_BOOK_DEPTH_MULTIPLIER", "3"),
			CheckOrderBookDepth:      getEnvAsBool("CHECK_ORDER_BOOK_DEPTH_ENABLED", true),
			MinTimeToNextFunding:     getEnvAsDuration("MIN_TIME_TO_NEXT_FUNDING", 45*time.Minute),

			PendingValidationTimeout:     getEnvAsDuration("PENDING_VALIDATION_TIMEOUT", 2*time.Minute),
			PendingValidationMaxAttempts: getEnvAsInt("PENDING_VALIDATION_MAX_ATTEMPTS", 10),
			CloseValidationTimeout:       getEnvAsDuration("CLOSE_VALIDATION_TIMEOUT", 2*time.Minute),
			CloseAlertInterval:           getEnvAsDuration("CLOSE_ALERT_INTERVAL", 2*time.Minute),
			MinPositionHold:              getEnvAsDuration("MIN_POSITION_HOLD", 1*time.Hour),

			PositionSizeQuote:       getEnvAsDecimal("POSITION_SIZE_QUOTE", "1000"),
			PositionSizeQuotePct:    getEnvAsDecimal("POSITION_SIZE_QUOTE_PCT", "0"),
			InitialBalanceQuote:     getEnvAsDecimal("INITIAL_BALANCE_QUOTE", "0"),
			MaxPositionImbalancePct: getEnvAsDecimal("MAX_POSITION_IMBALANCE_PCT", "0.05"),
			Leverage:                getEnvAsDecimal("LEVERAGE", "1"),

			EmergencyCloseOnImbalance:  getEnvAsBool("EMERGENCY_CLOSE_ON_IMBALANCE", true),
			EnterOnlyIfTradeProfitable: getEnvAsBool("ENTER_ONLY_IF_TRADE_PROFITABLE", false),
		},
		Risk: RiskConfig{
			NotionalPerVenue:      getEnvAsDecimal("RISK_NOTIONAL_PER_VENUE", "10000"),
			NotionalPerSubaccount: getEnvAsDecimal("RISK_NOTIONAL_PER_SUBACCOUNT", "10000"),
			TotalNotional:         getEnvAsDecimal("RISK_TOTAL_NOTIONAL", "50000"),
			MaxLeverage:           getEnvAsDecimal("RISK_MAX_LEVERAGE", "3"),
			WarningThreshold:      getEnvAsDecimal("RISK_WARNING_THRESHOLD", "0.8"),
			MaxHedgeGapPct:        getEnvAsDecimal("RISK_MAX_HEDGE_GAP_PCT", "0.10"),
			MaxConcentrationPct:   getEnvAsDecimal("RISK_MAX_CONCENTRATION_PCT", "0.5"),
		},
		Margin: MarginConfig{
			SafetyBuffer:       getEnvAsDecimal("MARGIN_SAFETY_BUFFER", "0.5"),
			MaxAllowedLeverage: getEnvAsDecimal("MARGIN_MAX_ALLOWED_LEVERAGE", "3"),
			CheckInterval:      getEnvAsDuration("MARGIN_CHECK_INTERVAL", 30*time.Second),
			AutoReduceEnabled:  getEnvAsBool("MARGIN_AUTO_REDUCE_ENABLED", true),
		},
		Edge: EdgeConfig{
			MinEdgeRequired:     getEnvAsDecimal("MIN_EDGE_REQUIRED", "1"),
			SettlementBufferBps: getEnvAsDecimal("EDGE_SETTLEMENT_BUFFER_BPS", "2"),
			DefaultTakerFee:     getEnvAsDecimal("EDGE_DEFAULT_TAKER_FEE", "0.0005"),
			DefaultSlippage:     getEnvAsDecimal("EDGE_DEFAULT_SLIPPAGE", "0.0003"),
		},
		Settlement: SettlementConfig{
			PreSettlementBuffer: getEnvAsDuration("PRE_SETTLEMENT_BUFFER", 30*time.Minute),
			PostSettlementDelay: getEnvAsDuration("POST_SETTLEMENT_DELAY", 10*time.Minute),
			ClosingWindowExtra:  getEnvAsDuration("CLOSING_WINDOW_EXTRA", 15*time.Minute),
		},
		TimeSync: TimeSyncConfig{
			Servers:            getEnvAsSlice("NTP_SERVERS", []string{"time.google.com", "time.cloudflare.com", "pool.ntp.org"}),
			Interval:           getEnvAsDuration("TIME_SYNC_INTERVAL", 60*time.Second),
			MaxDriftMs:         getEnvAsInt64("TIME_SYNC_MAX_DRIFT_MS", 500),
			ViolationThreshold: getEnvAsInt("TIME_SYNC_VIOLATION_THRESHOLD", 3),
		},
		Breakers: BreakerConfig{
			ErrorSeriesThreshold:    getEnvAsInt("BREAKER_ERROR_SERIES_THRESHOLD", 5),
			HedgeDeviationThreshold: getEnvAsInt("BREAKER_HEDGE_DEVIATION_THRESHOLD", 3),
			OrderCancelThreshold:    getEnvAsInt("BREAKER_ORDER_CANCEL_THRESHOLD", 5),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvAsBool("RATE_LIMITING_ENABLED", true),
			DefaultCapacity:   getEnvAsFloat("RATE_LIMIT_DEFAULT_CAPACITY", 10),
			DefaultRefillRate: getEnvAsFloat("RATE_LIMIT_DEFAULT_REFILL_RATE", 5),
		},
		Readiness: ReadinessConfig{
			Interval:          getEnvAsDuration("READINESS_INTERVAL", 10*time.Second),
			ConnectionTimeout: getEnvAsDuration("READINESS_CONNECTION_TIMEOUT", 30*time.Second),
			SkipResources:     getEnvAsBool("READINESS_SKIP_RESOURCES", false),
		},
		Reconcile: ReconcileConfig{
			Interval:      getEnvAsDuration("RECONCILE_INTERVAL", 60*time.Second),
			MaxAutoFix:    getEnvAsDecimal("RECONCILE_MAX_AUTO_FIX", "1000"),
			HistoryWindow: getEnvAsDuration("RECONCILE_HISTORY_WINDOW", 24*time.Hour),
		},
		Demo: DemoConfig{
			Enabled:      getEnvAsBool("DEMO_MODE", true),
			Venues:       getEnvAsSlice("DEMO_VENUES", []string{"demo_alpha", "demo_beta"}),
			BalanceQuote: getEnvAsDecimal("DEMO_BALANCE_QUOTE", "100000"),
			FillDelay:    getEnvAsDuration("DEMO_FILL_DELAY", 500*time.Millisecond),
			CloseDelay:   getEnvAsDuration("DEMO_CLOSE_DELAY", 500*time.Millisecond),
		},
		Live: LiveConfig{
			Venues: getEnvAsSlice("LIVE_VENUES", nil),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !cfg.Demo.Enabled {
		if err := cfg.loadLiveCredentials(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadLiveCredentials расшифровывает API-ключи живых бирж
//
// Ключи хранятся в окружении шифртекстами AES-GCM (pkg/crypto) в
// переменных <VENUE>_API_KEY / <VENUE>_API_SECRET; нерасшифровываемый
// ключ - отказ старта.
func (c *Config) loadLiveCredentials() error {
	c.Live.Credentials = make(map[string]venue.Credentials, len(c.Live.Venues))
	for _, name := range c.Live.Venues {
		prefix := envName(name)
		keyEnc := os.Getenv(prefix + "_API_KEY")
		secretEnc := os.Getenv(prefix + "_API_SECRET")
		if keyEnc == "" || secretEnc == "" {
			return fmt.Errorf("live venue %q requires %s_API_KEY and %s_API_SECRET", name, prefix, prefix)
		}
		apiKey, err := crypto.Decrypt(keyEnc, c.Security.CredentialsPassphrase)
		if err != nil {
			return fmt.Errorf("decrypt %s_API_KEY: %w", prefix, err)
		}
		apiSecret, err := crypto.Decrypt(secretEnc, c.Security.CredentialsPassphrase)
		if err != nil {
			return fmt.Errorf("decrypt %s_API_SECRET: %w", prefix, err)
		}
		c.Live.Credentials[name] = venue.Credentials{APIKey: apiKey, APISecret: apiSecret}
	}
	return nil
}

// envName приводит имя биржи к виду переменной окружения
func envName(venueName string) string {
	return strings.ToUpper(strings.ReplaceAll(venueName, "-", "_"))
}

// validate проверяет конфигурацию; процесс не стартует с невалидной
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Enabled {
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
		}
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required when DB_ENABLED=true")
		}
	}
	if !c.Demo.Enabled && c.Security.CredentialsPassphrase == "" {
		return fmt.Errorf("CREDENTIALS_PASSPHRASE is required outside demo mode")
	}
	if !c.Demo.Enabled && len(c.Live.Venues) == 0 {
		return fmt.Errorf("LIVE_VENUES must name at least one venue outside demo mode")
	}
	if len(c.Trading.Tokens) == 0 {
		return fmt.Errorf("TOKENS must name at least one token")
	}
	if c.Trading.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive, got %v", c.Trading.TickInterval)
	}
	if !c.Trading.PositionSizeQuote.IsPositive() {
		return fmt.Errorf("POSITION_SIZE_QUOTE must be positive, got %s", c.Trading.PositionSizeQuote)
	}
	if c.Trading.PositionSizeQuotePct.IsNegative() || c.Trading.PositionSizeQuotePct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("POSITION_SIZE_QUOTE_PCT must be in [0,1), got %s", c.Trading.PositionSizeQuotePct)
	}
	if c.Trading.Leverage.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("LEVERAGE must be at least 1, got %s", c.Trading.Leverage)
	}
	if c.Trading.Leverage.GreaterThan(c.Margin.MaxAllowedLeverage) {
		return fmt.Errorf("LEVERAGE %s exceeds MARGIN_MAX_ALLOWED_LEVERAGE %s",
			c.Trading.Leverage, c.Margin.MaxAllowedLeverage)
	}
	if c.Trading.MinFundingRateDiff.IsNegative() {
		return fmt.Errorf("MIN_FUNDING_RATE_DIFF cannot be negative, got %s", c.Trading.MinFundingRateDiff)
	}
	if c.Trading.MaxPositionImbalancePct.IsNegative() || c.Trading.MaxPositionImbalancePct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("MAX_POSITION_IMBALANCE_PCT must be in [0,1], got %s", c.Trading.MaxPositionImbalancePct)
	}
	if !c.Risk.WarningThreshold.IsPositive() || c.Risk.WarningThreshold.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("RISK_WARNING_THRESHOLD must be in (0,1), got %s", c.Risk.WarningThreshold)
	}
	if c.TimeSync.MaxDriftMs <= 0 {
		return fmt.Errorf("TIME_SYNC_MAX_DRIFT_MS must be positive, got %d", c.TimeSync.MaxDriftMs)
	}
	if len(c.TimeSync.Servers) == 0 {
		return fmt.Errorf("NTP_SERVERS must name at least one server")
	}
	if c.Breakers.ErrorSeriesThreshold <= 0 || c.Breakers.HedgeDeviationThreshold <= 0 || c.Breakers.OrderCancelThreshold <= 0 {
		return fmt.Errorf("circuit breaker thresholds must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.DefaultCapacity <= 0 || c.RateLimit.DefaultRefillRate <= 0) {
		return fmt.Errorf("rate limit capacity and refill rate must be positive when enabled")
	}
	if c.Demo.Enabled && len(c.Demo.Venues) < 2 {
		return fmt.Errorf("DEMO_VENUES must name at least two venues, got %d", len(c.Demo.Venues))
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// ============================================================
// Преобразование в типизированные конфигурации подсистем
// ============================================================

// EngineConfig собирает конфигурацию движка
func (c *Config) EngineConfig() engine.Config {
	t := c.Trading
	return engine.Config{
		TickInterval:  t.TickInterval,
		StatsInterval: t.StatsInterval,

		Tokens:     t.Tokens,
		QuoteAsset: t.QuoteAsset,

		MinFundingRateDiff:        t.MinFundingRateDiff,
		ProfitabilityToTakeProfit: t.ProfitabilityToTakeProfit,
		FundingRateDiffStopLoss:   t.FundingRateDiffStopLoss,
		FundingPeriodHours:        t.FundingPeriodHours,

		MaxPositionsPerConnector: t.MaxPositionsPerConnector,
		MaxSlippagePct:           t.MaxSlippagePct,
		MinDepthMultiplier:       t.MinDepthMultiplier,
		CheckOrderBookDepth:      t.CheckOrderBookDepth,
		MinTimeToNextFunding:     t.MinTimeToNextFunding,

		PendingValidationTimeout:     t.PendingValidationTimeout,
		PendingValidationMaxAttempts: t.PendingValidationMaxAttempts,
		CloseValidationTimeout:       t.CloseValidationTimeout,
		CloseAlertInterval:           t.CloseAlertInterval,
		MinPositionHold:              t.MinPositionHold,

		PositionSizeQuote:       t.PositionSizeQuote,
		PositionSizeQuotePct:    t.PositionSizeQuotePct,
		InitialBalanceQuote:     c.initialBalanceQuote(),
		MaxPositionImbalancePct: t.MaxPositionImbalancePct,
		Leverage:                t.Leverage,

		EmergencyCloseOnImbalance:  t.EmergencyCloseOnImbalance,
		EnterOnlyIfTradeProfitable: t.EnterOnlyIfTradeProfitable,

		Demo: c.Demo.Enabled,
	}
}

// initialBalanceQuote - стартовый баланс для процентного сайзинга и
// ожиданий сверки: явный INITIAL_BALANCE_QUOTE, в demo-режиме -
// стартовый баланс симулятора
func (c *Config) initialBalanceQuote() decimal.Decimal {
	if c.Trading.InitialBalanceQuote.IsPositive() {
		return c.Trading.InitialBalanceQuote
	}
	if c.Demo.Enabled {
		return c.Demo.BalanceQuote
	}
	return decimal.Zero
}

// RiskLimits собирает лимиты риск-менеджера
func (c *Config) RiskLimits() engine.RiskLimits {
	warn := c.Risk.WarningThreshold
	return engine.RiskLimits{
		NotionalPerVenue:      engine.Limit{Max: c.Risk.NotionalPerVenue, WarningThreshold: warn},
		NotionalPerSubaccount: engine.Limit{Max: c.Risk.NotionalPerSubaccount, WarningThreshold: warn},
		TotalNotional:         engine.Limit{Max: c.Risk.TotalNotional, WarningThreshold: warn},
		MaxLeverage:           engine.Limit{Max: c.Risk.MaxLeverage, WarningThreshold: warn},
		MaxHedgeGapPct:        c.Risk.MaxHedgeGapPct,
		MaxConcentrationPct:   engine.Limit{Max: c.Risk.MaxConcentrationPct, WarningThreshold: warn},
	}
}

// MarginSettings собирает конфигурацию монитора маржи
func (c *Config) MarginSettings() engine.MarginConfig {
	return engine.MarginConfig{
		SafetyBuffer:       c.Margin.SafetyBuffer,
		MaxAllowedLeverage: c.Margin.MaxAllowedLeverage,
		CheckInterval:      c.Margin.CheckInterval,
		AutoReduceEnabled:  c.Margin.AutoReduceEnabled,
	}
}

// EdgeSettings собирает конфигурацию расчёта преимущества
func (c *Config) EdgeSettings() engine.EdgeConfig {
	return engine.EdgeConfig{
		SettlementBufferBps: c.Edge.SettlementBufferBps,
		MinEdgeRequired:     c.Edge.MinEdgeRequired,
		DefaultTakerFee:     c.Edge.DefaultTakerFee,
		DefaultSlippage:     c.Edge.DefaultSlippage,
	}
}

// SchedulerSettings собирает конфигурацию окон расчёта
func (c *Config) SchedulerSettings() engine.SchedulerConfig {
	return engine.SchedulerConfig{
		PreSettlementBuffer: c.Settlement.PreSettlementBuffer,
		PostSettlementDelay: c.Settlement.PostSettlementDelay,
		ClosingWindowExtra:  c.Settlement.ClosingWindowExtra,
	}
}

// TimeSyncSettings собирает конфигурацию монитора часов
func (c *Config) TimeSyncSettings() reliability.TimeSyncConfig {
	cfg := reliability.DefaultTimeSyncConfig()
	cfg.Servers = c.TimeSync.Servers
	cfg.Interval = c.TimeSync.Interval
	cfg.MaxDriftMs = c.TimeSync.MaxDriftMs
	cfg.ViolationThreshold = c.TimeSync.ViolationThreshold
	return cfg
}

// BreakerSettings собирает пороги предохранителей
func (c *Config) BreakerSettings() reliability.BreakerSetConfig {
	return reliability.BreakerSetConfig{
		ErrorSeriesThreshold:    c.Breakers.ErrorSeriesThreshold,
		HedgeDeviationThreshold: c.Breakers.HedgeDeviationThreshold,
		OrderCancelThreshold:    c.Breakers.OrderCancelThreshold,
	}
}

// RateLimitSettings собирает конфигурацию лимитера
//
// Для каждой переданной биржи лимиты берутся из её траитов
// (venue.TraitsFor) с возможным переопределением из окружения:
// RATE_LIMIT_<VENUE>_CAPACITY и RATE_LIMIT_<VENUE>_REFILL_RATE.
func (c *Config) RateLimitSettings(venueNames ...string) ratelimit.Config {
	cfg := ratelimit.Config{
		DefaultCapacity:   c.RateLimit.DefaultCapacity,
		DefaultRefillRate: c.RateLimit.DefaultRefillRate,
	}
	cfg.Disabled = !c.RateLimit.Enabled
	if len(venueNames) == 0 {
		return cfg
	}
	cfg.PerVenue = make(map[string]ratelimit.VenueLimits, len(venueNames))
	for _, name := range venueNames {
		traits := venue.TraitsFor(name)
		prefix := "RATE_LIMIT_" + envName(name)
		cfg.PerVenue[name] = ratelimit.VenueLimits{
			Capacity:   getEnvAsFloat(prefix+"_CAPACITY", traits.RateCapacity),
			RefillRate: getEnvAsFloat(prefix+"_REFILL_RATE", traits.RateRefill),
		}
	}
	return cfg
}

// ReadinessSettings собирает конфигурацию проверок готовности
func (c *Config) ReadinessSettings() reliability.ReadinessConfig {
	cfg := reliability.DefaultReadinessConfig()
	cfg.Interval = c.Readiness.Interval
	cfg.ConnectionTimeout = c.Readiness.ConnectionTimeout
	cfg.SkipResources = c.Readiness.SkipResources
	return cfg
}

// ReconcilerSettings собирает конфигурацию сверки
func (c *Config) ReconcilerSettings() engine.ReconcilerConfig {
	return engine.ReconcilerConfig{
		Interval:       c.Reconcile.Interval,
		MaxAutoFix:     c.Reconcile.MaxAutoFix,
		ExpectedAssets: []string{c.Trading.QuoteAsset},
		HistoryWindow:  c.Reconcile.HistoryWindow,
	}
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDecimal парсит денежные параметры без float-посредника
func getEnvAsDecimal(key, defaultValue string) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.RequireFromString(defaultValue)
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
