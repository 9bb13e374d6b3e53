package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/pkg/crypto"
)

// ============================================================
// Config Tests
// ============================================================

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with defaults: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Enabled {
		t.Error("database must be disabled by default")
	}
	if !cfg.Demo.Enabled {
		t.Error("demo mode must be enabled by default")
	}
	if len(cfg.Demo.Venues) != 2 {
		t.Errorf("demo venues = %v, want two", cfg.Demo.Venues)
	}
	if got := cfg.Trading.Tokens; len(got) != 2 || got[0] != "BTC" || got[1] != "ETH" {
		t.Errorf("tokens = %v", got)
	}
	if !cfg.Trading.MinFundingRateDiff.Equal(decimal.RequireFromString("0.0005")) {
		t.Errorf("min funding diff = %s", cfg.Trading.MinFundingRateDiff)
	}
	if cfg.TimeSync.MaxDriftMs != 500 {
		t.Errorf("max drift = %d, want 500", cfg.TimeSync.MaxDriftMs)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("TOKENS", "SOL, XRP ,BTC")
	t.Setenv("POSITION_SIZE_QUOTE", "2500.50")
	t.Setenv("TICK_INTERVAL", "2s")
	t.Setenv("RATE_LIMITING_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("server port = %d, want 9000", cfg.Server.Port)
	}
	if got := cfg.Trading.Tokens; len(got) != 3 || got[1] != "XRP" {
		t.Errorf("tokens = %v, whitespace must be trimmed", got)
	}
	if !cfg.Trading.PositionSizeQuote.Equal(decimal.RequireFromString("2500.50")) {
		t.Errorf("position size = %s", cfg.Trading.PositionSizeQuote)
	}
	if cfg.Trading.TickInterval != 2*time.Second {
		t.Errorf("tick interval = %v", cfg.Trading.TickInterval)
	}
	if cfg.RateLimit.Enabled {
		t.Error("rate limiting must be disabled via env")
	}
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("TICK_INTERVAL", "soon")
	t.Setenv("LEVERAGE", "banana")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("malformed port must fall back to default, got %d", cfg.Server.Port)
	}
	if cfg.Trading.TickInterval != 5*time.Second {
		t.Errorf("malformed duration must fall back, got %v", cfg.Trading.TickInterval)
	}
	if !cfg.Trading.Leverage.Equal(decimal.NewFromInt(1)) {
		t.Errorf("malformed decimal must fall back, got %s", cfg.Trading.Leverage)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			"port out of range",
			map[string]string{"SERVER_PORT": "70000"},
			"SERVER_PORT",
		},
		{
			"db password required",
			map[string]string{"DB_ENABLED": "true"},
			"DB_PASSWORD",
		},
		{
			"passphrase outside demo",
			map[string]string{"DEMO_MODE": "false"},
			"CREDENTIALS_PASSPHRASE",
		},
		{
			"live venues outside demo",
			map[string]string{"DEMO_MODE": "false", "CREDENTIALS_PASSPHRASE": "x"},
			"LIVE_VENUES",
		},
		{
			"position size pct not a fraction",
			map[string]string{"POSITION_SIZE_QUOTE_PCT": "1.5"},
			"POSITION_SIZE_QUOTE_PCT",
		},
		{
			"leverage above margin cap",
			map[string]string{"LEVERAGE": "5", "MARGIN_MAX_ALLOWED_LEVERAGE": "3"},
			"LEVERAGE",
		},
		{
			"imbalance out of range",
			map[string]string{"MAX_POSITION_IMBALANCE_PCT": "1.5"},
			"MAX_POSITION_IMBALANCE_PCT",
		},
		{
			"warning threshold not a fraction",
			map[string]string{"RISK_WARNING_THRESHOLD": "1"},
			"RISK_WARNING_THRESHOLD",
		},
		{
			"single demo venue",
			map[string]string{"DEMO_VENUES": "demo_alpha"},
			"DEMO_VENUES",
		},
		{
			"telegram chat missing",
			map[string]string{"TELEGRAM_BOT_TOKEN": "123:abc"},
			"TELEGRAM_CHAT_ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("invalid config must be rejected")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestDSNHidesPassword(t *testing.T) {
	db := DatabaseConfig{Host: "localhost", Port: 5432, Name: "fundarb", User: "svc", Password: "s3cret", SSLMode: "disable"}

	if !strings.Contains(db.DSN(), "password=s3cret") {
		t.Error("DSN must carry the password")
	}
	if strings.Contains(db.DSNWithoutPassword(), "s3cret") {
		t.Error("loggable DSN must not leak the password")
	}
}

func TestSubsystemConversions(t *testing.T) {
	t.Setenv("TOKENS", "BTC")
	t.Setenv("QUOTE_ASSET", "USDC")
	t.Setenv("RATE_LIMITING_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ec := cfg.EngineConfig()
	if len(ec.Tokens) != 1 || ec.QuoteAsset != "USDC" || !ec.Demo {
		t.Errorf("engine config = %+v", ec)
	}

	rl := cfg.RiskLimits()
	if !rl.NotionalPerVenue.WarningThreshold.Equal(cfg.Risk.WarningThreshold) {
		t.Error("warning threshold must propagate to every limit")
	}

	if !cfg.RateLimitSettings().Disabled {
		t.Error("disabled rate limiting must map to Disabled=true")
	}

	rc := cfg.ReconcilerSettings()
	if len(rc.ExpectedAssets) != 1 || rc.ExpectedAssets[0] != "USDC" {
		t.Errorf("expected assets = %v, want quote asset", rc.ExpectedAssets)
	}
}

func TestRateLimitPerVenueFromTraits(t *testing.T) {
	t.Setenv("RATE_LIMIT_OKX_CAPACITY", "55")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rl := cfg.RateLimitSettings("okx", "binance", "demo_alpha")
	if got := rl.PerVenue["binance"]; got.Capacity != 20 || got.RefillRate != 10 {
		t.Errorf("binance limits = %+v, want capacity 20 refill 10", got)
	}
	// Переменная окружения перекрывает траиты биржи
	if got := rl.PerVenue["okx"]; got.Capacity != 55 || got.RefillRate != 20 {
		t.Errorf("okx limits = %+v, want capacity 55 refill 20", got)
	}
	// Неизвестная биржа получает консервативный дефолт
	if got := rl.PerVenue["demo_alpha"]; got.Capacity != 20 || got.RefillRate != 10 {
		t.Errorf("unknown venue limits = %+v, want defaults", got)
	}
}

func TestPercentSizingUsesDemoBalance(t *testing.T) {
	t.Setenv("POSITION_SIZE_QUOTE_PCT", "0.02")
	t.Setenv("DEMO_CLOSE_DELAY", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Demo.CloseDelay != 250*time.Millisecond {
		t.Errorf("close delay = %v, want 250ms", cfg.Demo.CloseDelay)
	}

	ec := cfg.EngineConfig()
	if !ec.PositionSizeQuotePct.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("pct = %s, want 0.02", ec.PositionSizeQuotePct)
	}
	// Явного INITIAL_BALANCE_QUOTE нет - в demo-режиме берётся
	// стартовый баланс симулятора
	if !ec.InitialBalanceQuote.Equal(cfg.Demo.BalanceQuote) {
		t.Errorf("initial balance = %s, want demo balance %s", ec.InitialBalanceQuote, cfg.Demo.BalanceQuote)
	}
}

func TestLiveCredentialsDecryption(t *testing.T) {
	keyEnc, err := crypto.Encrypt("key-123", "pass")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	secretEnc, err := crypto.Encrypt("secret-456", "pass")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	t.Setenv("DEMO_MODE", "false")
	t.Setenv("CREDENTIALS_PASSPHRASE", "pass")
	t.Setenv("LIVE_VENUES", "binance")
	t.Setenv("BINANCE_API_KEY", keyEnc)
	t.Setenv("BINANCE_API_SECRET", secretEnc)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	creds := cfg.Live.Credentials["binance"]
	if creds.APIKey != "key-123" || creds.APISecret != "secret-456" {
		t.Errorf("credentials = %+v, ciphertexts must decrypt", creds)
	}
}

func TestLiveCredentialsRejections(t *testing.T) {
	keyEnc, err := crypto.Encrypt("key-123", "pass")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	t.Run("missing env", func(t *testing.T) {
		t.Setenv("DEMO_MODE", "false")
		t.Setenv("CREDENTIALS_PASSPHRASE", "pass")
		t.Setenv("LIVE_VENUES", "binance")

		if _, err := Load(); err == nil || !strings.Contains(err.Error(), "BINANCE_API_KEY") {
			t.Errorf("missing key env: err = %v", err)
		}
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		t.Setenv("DEMO_MODE", "false")
		t.Setenv("CREDENTIALS_PASSPHRASE", "other")
		t.Setenv("LIVE_VENUES", "binance")
		t.Setenv("BINANCE_API_KEY", keyEnc)
		t.Setenv("BINANCE_API_SECRET", keyEnc)

		if _, err := Load(); err == nil {
			t.Error("undecryptable key must abort the start")
		}
	})
}
