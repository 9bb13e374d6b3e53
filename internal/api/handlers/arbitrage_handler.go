package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"fundarb/internal/engine"
	"fundarb/internal/repository"
)

// ArbitrageHandler - чтение живых и архивных арбитражей
type ArbitrageHandler struct {
	engine *engine.Engine
	repo   *repository.ArbitrageRepository
}

// NewArbitrageHandler создаёт handler
func NewArbitrageHandler(eng *engine.Engine, repo *repository.ArbitrageRepository) *ArbitrageHandler {
	return &ArbitrageHandler{engine: eng, repo: repo}
}

// GetLive - GET /arbitrages: снапшоты живых арбитражей
func (h *ArbitrageHandler) GetLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.LiveArbitrages())
}

// GetArchive - GET /arbitrages/{token}/archive
//
// Последние закрытые арбитражи токена: сперва из памяти, при наличии
// БД - дополняется персистентной историей.
func (h *ArbitrageHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	if h.repo != nil {
		records, err := h.repo.ListByToken(r.Context(), token, 50)
		if err == nil {
			writeJSON(w, http.StatusOK, records)
			return
		}
	}
	writeJSON(w, http.StatusOK, h.engine.ArchivedArbitrages(token))
}

// GetStats - GET /stats
func (h *ArbitrageHandler) GetStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.LastStats())
}
