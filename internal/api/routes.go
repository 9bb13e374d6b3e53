package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundarb/internal/api/handlers"
	"fundarb/internal/api/middleware"
	"fundarb/internal/engine"
	"fundarb/internal/reliability"
	"fundarb/internal/repository"
	"fundarb/internal/stream"
)

// Dependencies - зависимости API handlers
type Dependencies struct {
	Gate       *reliability.Gate
	Engine     *engine.Engine
	Reconciler *engine.Reconciler
	Repository *repository.ArbitrageRepository
	Hub        *stream.Hub
	Registry   *prometheus.Registry
	Version    string
}

// SetupRoutes настраивает все HTTP маршруты
//
// Структура:
//
// /health/
//
//	├── GET /live     - процесс жив
//	├── GET /ready    - 200 если CanTrade(), иначе 503
//	├── GET /status   - покомпонентная сводка
//	└── GET /detailed - полный снимок
//
// /api/v1/
//
//	├── GET  /arbitrages                 - живые арбитражи
//	├── GET  /arbitrages/{token}/archive - закрытые арбитражи токена
//	├── GET  /stats                      - сводка PnL и счётчиков
//	└── /reliability/
//	    ├── GET  /breakers               - снимки предохранителей
//	    ├── POST /kill-switch/reset      - ручной сброс kill switch
//	    ├── GET  /timesync               - состояние монитора часов
//	    └── GET  /discrepancies          - история расхождений сверки
//
// /metrics - Prometheus exposition
// /ws/stream - WebSocket real-time обновлений
//
// Middleware: Recovery → Logging → Throttle (ко всем маршрутам).
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.Throttle(50, 100))

	healthHandler := handlers.NewHealthHandler(deps.Gate, deps.Engine, deps.Reconciler, deps.Version)
	health := router.PathPrefix("/health").Subrouter()
	health.HandleFunc("/live", healthHandler.Live).Methods("GET")
	health.HandleFunc("/ready", healthHandler.Ready).Methods("GET")
	health.HandleFunc("/status", healthHandler.Status).Methods("GET")
	health.HandleFunc("/detailed", healthHandler.Detailed).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	arbHandler := handlers.NewArbitrageHandler(deps.Engine, deps.Repository)
	api.HandleFunc("/arbitrages", arbHandler.GetLive).Methods("GET")
	api.HandleFunc("/arbitrages/{token}/archive", arbHandler.GetArchive).Methods("GET")
	api.HandleFunc("/stats", arbHandler.GetStats).Methods("GET")

	relHandler := handlers.NewReliabilityHandler(deps.Gate, deps.Reconciler)
	rel := api.PathPrefix("/reliability").Subrouter()
	rel.HandleFunc("/breakers", relHandler.GetBreakers).Methods("GET")
	rel.HandleFunc("/kill-switch/reset", relHandler.ResetKillSwitch).Methods("POST")
	rel.HandleFunc("/timesync", relHandler.GetTimeSync).Methods("GET")
	rel.HandleFunc("/discrepancies", relHandler.GetDiscrepancies).Methods("GET")

	if deps.Registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	if deps.Hub != nil {
		router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
			stream.ServeWS(deps.Hub, w, r)
		})
	}

	return router
}
