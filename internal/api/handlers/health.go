package handlers

import (
	"net/http"
	"time"

	"fundarb/internal/engine"
	"fundarb/internal/reliability"
)

// HealthHandler обслуживает health/status endpoints
type HealthHandler struct {
	gate      *reliability.Gate
	engine    *engine.Engine
	recon     *engine.Reconciler
	version   string
	startedAt time.Time
}

// NewHealthHandler создаёт handler
func NewHealthHandler(gate *reliability.Gate, eng *engine.Engine, recon *engine.Reconciler, version string) *HealthHandler {
	return &HealthHandler{
		gate:      gate,
		engine:    eng,
		recon:     recon,
		version:   version,
		startedAt: time.Now(),
	}
}

// Live - GET /health/live: процесс жив
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "alive",
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
		"version":        h.version,
	})
}

// Ready - GET /health/ready: 200 если CanTrade(), иначе 503
func (h *HealthHandler) Ready(w http.ResponseWriter, _ *http.Request) {
	ok, reason := h.gate.CanTrade()
	if ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	issues := []string{reason}
	if rd := h.gate.Readiness(); rd != nil {
		for _, res := range rd.Results() {
			if res.Level != reliability.CheckOK {
				issues = append(issues, res.Name+": "+res.Message)
			}
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"status": "not_ready",
		"issues": issues,
	})
}

// Status - GET /health/status: покомпонентная сводка
func (h *HealthHandler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gate":  h.gate.Status(),
		"stats": h.engine.LastStats(),
	})
}

// Detailed - GET /health/detailed: полный снимок
func (h *HealthHandler) Detailed(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"gate":       h.gate.Status(),
		"stats":      h.engine.LastStats(),
		"arbitrages": h.engine.LiveArbitrages(),
	}
	if h.recon != nil {
		resp["reconciliation"] = h.recon.Summarize()
	}
	writeJSON(w, http.StatusOK, resp)
}
