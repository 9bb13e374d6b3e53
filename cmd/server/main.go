package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"fundarb/internal/alert"
	"fundarb/internal/api"
	"fundarb/internal/config"
	"fundarb/internal/engine"
	"fundarb/internal/models"
	"fundarb/internal/reliability"
	"fundarb/internal/repository"
	"fundarb/internal/stream"
	"fundarb/internal/venue"
	"fundarb/pkg/ratelimit"
	"fundarb/pkg/utils"

	_ "github.com/lib/pq"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	log := utils.ComponentLogger("main")
	log.Info().Str("version", version).Bool("demo", cfg.Demo.Enabled).Msg("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- База данных (опционально) ---
	var arbRepo *repository.ArbitrageRepository
	var alertRepo *repository.AlertRepository
	if cfg.Database.Enabled {
		db, err := initDatabase(cfg)
		if err != nil {
			log.Fatal().Err(err).Str("dsn", cfg.Database.DSNWithoutPassword()).Msg("database connection failed")
		}
		defer db.Close()
		arbRepo = repository.NewArbitrageRepository(db)
		alertRepo = repository.NewAlertRepository(db)
		log.Info().Str("dsn", cfg.Database.DSNWithoutPassword()).Msg("database connected")
	}

	// --- Биржи ---
	venues, err := buildVenues(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("venue setup failed")
	}
	defer func() {
		for _, v := range venues {
			_ = v.Close()
		}
	}()

	// --- WebSocket hub и алерты ---
	hub := stream.NewHub()
	go hub.Run()

	sinks := []alert.Sink{alert.NewLogSink(), stream.NewHubSink(hub)}
	if cfg.Telegram.BotToken != "" {
		tg, err := alert.NewTelegramSink(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		if err != nil {
			log.Fatal().Err(err).Msg("telegram sink init failed")
		}
		sinks = append(sinks, tg)
	}
	if alertRepo != nil {
		sinks = append(sinks, repository.NewDBSink(alertRepo))
	}
	alerts := alert.NewDispatcher(5*time.Minute, sinks...)

	// --- Подсистемы надёжности ---
	venueNames := make([]string, 0, len(venues))
	for name := range venues {
		venueNames = append(venueNames, name)
	}
	limiter := ratelimit.New(cfg.RateLimitSettings(venueNames...))
	breakers := reliability.NewBreakerSet(cfg.BreakerSettings())

	timeSync := reliability.NewTimeSyncMonitor(cfg.TimeSyncSettings(), func(offset time.Duration) {
		alerts.Critical(alert.TypeTimeDrift, "",
			fmt.Sprintf("clock drift %s exceeds limit, trading blocked", offset))
	})

	margin := engine.NewMarginMonitor(cfg.MarginSettings(), venues, func(venueName, action string, health models.MarginHealth) {
		alerts.High(alert.TypeMarginHealth, "",
			fmt.Sprintf("%s margin %s, action required: %s", venueName, health, action))
	})

	// Engine создаётся позже: провайдер соединений замыкает указатель
	var eng *engine.Engine
	readiness := reliability.NewTradingReadiness(cfg.ReadinessSettings(),
		func() []models.ConnectionStatus {
			if eng == nil {
				return nil
			}
			return eng.Connections()
		},
		margin.HealthByVenue,
	)
	readiness.OnNotReady(func(issues []reliability.CheckResult) {
		for _, issue := range issues {
			alerts.Warning(alert.TypeReadiness, "", issue.Name+": "+issue.Message)
		}
	})

	gate := reliability.NewGate(timeSync, breakers, readiness, limiter)

	// --- Торговое ядро ---
	risk := engine.NewRiskManager(cfg.RiskLimits())
	executor := engine.NewExecutor(venues, limiter, 15*time.Second)
	recon := engine.NewReconciler(cfg.ReconcilerSettings(), venues, risk, engine.AutoFixCallbacks{
		OpenPosition:  executor.RestorePosition,
		ClosePosition: executor.FlattenPosition,
		AdjustSize:    executor.AdjustPosition,
	}, func(venueName, asset string) (decimal.Decimal, bool) {
		if eng == nil {
			return decimal.Zero, false
		}
		return eng.ExpectedBalance(venueName, asset)
	})

	registry := prometheus.NewRegistry()
	metrics := engine.NewMetrics(registry)

	eng = engine.New(cfg.EngineConfig(), engine.Deps{
		Venues:   venues,
		Executor: executor,
		Limiter:  limiter,
		Gate:     gate,
		Sched:    engine.NewSettlementScheduler(cfg.SchedulerSettings()),
		Edge:     engine.NewEdgeCalculator(cfg.EdgeSettings()),
		Risk:     risk,
		Margin:   margin,
		Recon:    recon,
		Alerts:   alerts,
		Metrics:  metrics,
		OnClosed: func(a *models.Arbitrage) {
			if arbRepo == nil {
				return
			}
			saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer saveCancel()
			if _, err := arbRepo.SaveClosed(saveCtx, a); err != nil {
				log.Error().Err(err).Str("token", a.Token).Msg("failed to persist closed arbitrage")
			}
		},
	})
	if err := eng.Subscribe(); err != nil {
		log.Fatal().Err(err).Msg("event subscription failed")
	}

	// --- Фоновые циклы ---
	go timeSync.Run(ctx)
	go readiness.Run(ctx)
	go margin.Run(ctx)
	go recon.Run(ctx)
	go eng.Run(ctx)
	go broadcastLoop(ctx, hub, eng, gate, cfg.Trading.StatsInterval)

	if cfg.Demo.Enabled {
		go runDemoFeed(ctx, cfg, venues)
	}

	// --- HTTP сервер ---
	router := api.SetupRoutes(&api.Dependencies{
		Gate:       gate,
		Engine:     eng,
		Reconciler: recon,
		Repository: arbRepo,
		Hub:        hub,
		Registry:   registry,
		Version:    version,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown: closing positions")
	cancel()

	select {
	case <-eng.Stopped():
		log.Info().Msg("engine stopped")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("engine shutdown timed out")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced shutdown")
	}

	log.Info().Msg("server exited")
}

// Фабрики живых коннекторов. Регистрируются биржевыми модулями при
// сборке с ними; в этой сборке реестр пуст.
var liveConnectors = map[string]func(venue.Credentials) (venue.Venue, error){}

// buildVenues создаёт подключения к биржам
//
// В демо-режиме - симуляторы с детерминированным исполнением. Живой
// режим берёт расшифрованные конфигом ключи и ищет коннектор в реестре.
func buildVenues(cfg *config.Config) (map[string]venue.Venue, error) {
	if !cfg.Demo.Enabled {
		venues := make(map[string]venue.Venue, len(cfg.Live.Venues))
		for _, name := range cfg.Live.Venues {
			factory, ok := liveConnectors[name]
			if !ok {
				return nil, fmt.Errorf("no connector for live venue %q in this build, set DEMO_MODE=true", name)
			}
			v, err := factory(cfg.Live.Credentials[name])
			if err != nil {
				return nil, fmt.Errorf("connect %s: %w", name, err)
			}
			venues[name] = v
		}
		return venues, nil
	}

	venues := make(map[string]venue.Venue, len(cfg.Demo.Venues))
	for _, name := range cfg.Demo.Venues {
		venues[name] = venue.NewDemoVenue(venue.DemoConfig{
			Name:         name,
			BalanceQuote: cfg.Demo.BalanceQuote,
			QuoteAsset:   cfg.Trading.QuoteAsset,
			FillDelay:    cfg.Demo.FillDelay,
			CloseDelay:   cfg.Demo.CloseDelay,
		})
	}
	return venues, nil
}

// broadcastLoop пушит снапшоты состояния WebSocket-клиентам
func broadcastLoop(ctx context.Context, hub *stream.Hub, eng *engine.Engine, gate *reliability.Gate, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hub.ClientCount() == 0 {
				continue
			}
			hub.BroadcastArbitrages(eng.LiveArbitrages())
			hub.BroadcastStats(eng.LastStats())
			hub.BroadcastGate(gate.Status())
		}
	}
}

// initDatabase создаёт подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
