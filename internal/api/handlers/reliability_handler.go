package handlers

import (
	"net/http"

	"fundarb/internal/engine"
	"fundarb/internal/reliability"
)

// ReliabilityHandler - управление подсистемами надёжности
type ReliabilityHandler struct {
	gate  *reliability.Gate
	recon *engine.Reconciler
}

// NewReliabilityHandler создаёт handler
func NewReliabilityHandler(gate *reliability.Gate, recon *engine.Reconciler) *ReliabilityHandler {
	return &ReliabilityHandler{gate: gate, recon: recon}
}

// GetBreakers - GET /reliability/breakers
func (h *ReliabilityHandler) GetBreakers(w http.ResponseWriter, _ *http.Request) {
	bs := h.gate.Breakers()
	if bs == nil {
		writeError(w, http.StatusNotFound, "breakers are not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers":    bs.Snapshots(),
		"kill_switch": bs.KillSwitchActive(),
	})
}

// ResetKillSwitch - POST /reliability/kill-switch/reset
//
// Ручное действие оператора: снимает kill switch и флаг аварийной
// остановки сверки.
func (h *ReliabilityHandler) ResetKillSwitch(w http.ResponseWriter, _ *http.Request) {
	bs := h.gate.Breakers()
	if bs == nil {
		writeError(w, http.StatusNotFound, "breakers are not configured")
		return
	}
	bs.ResetKillSwitch()
	if h.recon != nil {
		h.recon.ClearEmergencyStop()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// GetTimeSync - GET /reliability/timesync
func (h *ReliabilityHandler) GetTimeSync(w http.ResponseWriter, _ *http.Request) {
	ts := h.gate.TimeSync()
	if ts == nil {
		writeError(w, http.StatusNotFound, "time sync monitor is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  ts.Status(),
		"history": ts.History(),
	})
}

// GetDiscrepancies - GET /reliability/discrepancies
func (h *ReliabilityHandler) GetDiscrepancies(w http.ResponseWriter, _ *http.Request) {
	if h.recon == nil {
		writeError(w, http.StatusNotFound, "reconciler is not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.recon.History())
}
